package reviews

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skiunel/buysewa-sub001/content"
	"github.com/skiunel/buysewa-sub001/identity"
	"github.com/skiunel/buysewa-sub001/ledger"
	"github.com/skiunel/buysewa-sub001/orders"
	"github.com/skiunel/buysewa-sub001/store"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store      *store.MemoryStore
	chain      *ledger.LocalChain
	backend    *faultyBackend
	adapter    *ledger.Adapter
	contents   *content.MemoryStore
	directory  *orders.MemoryDirectory
	scheduler  *recordingScheduler
	issuance   *IssuanceUseCase
	redemption *RedemptionUseCase
	reconciler *Reconciler
}

func fastLedgerConfig() ledger.Config {
	return ledger.Config{
		Confirmations:  1,
		PollInterval:   time.Millisecond,
		ConfirmTimeout: 200 * time.Millisecond,
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		PageSize:       10,
	}
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, ledger.NewLocalChain(), fastLedgerConfig())
}

func newFixtureWith(t *testing.T, chain *ledger.LocalChain, cfg ledger.Config) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemoryStore(),
		chain:     chain,
		backend:   &faultyBackend{Backend: chain},
		contents:  content.NewMemoryStore(),
		directory: orders.NewMemoryDirectory(),
		scheduler: &recordingScheduler{},
	}
	f.adapter = ledger.NewAdapter(f.backend, ledger.NewSignerLock("test"), cfg)
	t.Cleanup(func() { _ = f.adapter.Close() })

	f.issuance = NewIssuanceUseCase(f.store, f.directory, identity.NewDerivedResolver("test"), f.adapter,
		IssuanceConfig{MaxRegistrationAttempts: 5}, WithScheduler(f.scheduler))
	f.redemption = NewRedemptionUseCase(f.store, f.adapter, f.contents, RedemptionConfig{
		RedemptionTimeout: 5 * time.Second,
		CommitAttempts:    3,
		CommitBackoff:     time.Millisecond,
	})
	f.reconciler = NewReconciler(f.store, f.adapter, f.contents, f.issuance, ReconcilerConfig{
		BatchSize:        10,
		OrphanClaimAge:   10 * time.Minute,
		UnconfirmedGrace: time.Hour,
	})
	return f
}

// deliver registra um pedido entregue com os produtos informados.
func (f *fixture) deliver(t *testing.T, orderID, userID string, productIDs ...string) {
	t.Helper()
	items := make([]orders.LineItem, 0, len(productIDs))
	for _, p := range productIDs {
		items = append(items, orders.LineItem{ProductID: p, Quantity: 1, Price: decimal.NewFromInt(100)})
	}
	order := orders.NewOrder(orderID, userID, items)
	order.PaymentStatus = orders.PaymentPaid
	require.NoError(t, order.Transition(orders.StatusShipped))
	require.NoError(t, order.Transition(orders.StatusDelivered))
	f.directory.Put(order)
}

func (f *fixture) issue(t *testing.T, orderID, productID, userID string) *IssuedSDC {
	t.Helper()
	f.deliver(t, orderID, userID, productID)
	issued, err := f.issuance.IssueSDC(context.Background(), orderID, productID, userID)
	require.NoError(t, err)
	require.NotEmpty(t, issued.PlaintextCode)
	return issued
}

// faultyBackend injeta falhas por tipo de chamada.
type faultyBackend struct {
	ledger.Backend
	mu                   sync.Mutex
	unavailableRegisters int
	rejectReviews        string
	unavailableReviews   bool
}

func (b *faultyBackend) SubmitRegistration(ctx context.Context, reg ledger.Registration) (ledger.TxRef, error) {
	b.mu.Lock()
	if b.unavailableRegisters > 0 {
		b.unavailableRegisters--
		b.mu.Unlock()
		return "", fmt.Errorf("%w: rpc timeout", ledger.ErrUnavailable)
	}
	b.mu.Unlock()
	return b.Backend.SubmitRegistration(ctx, reg)
}

func (b *faultyBackend) SubmitReview(ctx context.Context, sub ledger.ReviewSubmission) (ledger.TxRef, error) {
	b.mu.Lock()
	reject, unavailable := b.rejectReviews, b.unavailableReviews
	b.mu.Unlock()
	if reject != "" {
		return "", ledger.Reject(reject)
	}
	if unavailable {
		return "", fmt.Errorf("%w: node down", ledger.ErrUnavailable)
	}
	return b.Backend.SubmitReview(ctx, sub)
}

func (b *faultyBackend) set(fn func(b *faultyBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

type recordingScheduler struct {
	mu      sync.Mutex
	digests []string
}

func (s *recordingScheduler) Schedule(_ context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests = append(s.digests, digest)
	return nil
}

func (s *recordingScheduler) scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.digests...)
}
