package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyBackend falha as primeiras N chamadas de cada tipo com ErrUnavailable.
type flakyBackend struct {
	Backend
	mu                sync.Mutex
	failRegistrations int
	failStates        int
	registrations     int
}

func (f *flakyBackend) SubmitRegistration(ctx context.Context, reg Registration) (TxRef, error) {
	f.mu.Lock()
	f.registrations++
	if f.failRegistrations > 0 {
		f.failRegistrations--
		f.mu.Unlock()
		return "", fmt.Errorf("%w: connection refused", ErrUnavailable)
	}
	f.mu.Unlock()
	return f.Backend.SubmitRegistration(ctx, reg)
}

func (f *flakyBackend) DigestState(ctx context.Context, digest string) (*DigestState, error) {
	f.mu.Lock()
	if f.failStates > 0 {
		f.failStates--
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: timeout", ErrUnavailable)
	}
	f.mu.Unlock()
	return f.Backend.DigestState(ctx, digest)
}

func testConfig() Config {
	return Config{
		Confirmations:  1,
		PollInterval:   time.Millisecond,
		ConfirmTimeout: time.Second,
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		PageSize:       2,
	}
}

func TestAdapter_RegisterDigest(t *testing.T) {
	chain := NewLocalChain()
	a := NewAdapter(chain, NewSignerLock("test"), testConfig())
	defer a.Close()
	ctx := context.Background()

	ref, err := a.RegisterDigest(ctx, "0xd1", "0xuser", "P1", "O1")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	ok, err := a.IsDigestRegistered(ctx, "0xd1")
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := a.RegisterDigest(ctx, "0xd1", "0xuser", "P1", "O1")
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	_, err = a.RegisterDigest(ctx, "0xd1", "0xother", "P1", "O1")
	assert.ErrorIs(t, err, ErrRejected)

	head, err := chain.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)
}

func TestAdapter_RegisterDigest_RetriesTransientFailures(t *testing.T) {
	backend := &flakyBackend{Backend: NewLocalChain(), failRegistrations: 3}
	a := NewAdapter(backend, nil, testConfig())
	ctx := context.Background()

	ref, err := a.RegisterDigest(ctx, "0xd1", "0xuser", "P1", "O1")

	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, 4, backend.registrations)
}

func TestAdapter_RegisterDigest_GivesUpAfterMaxAttempts(t *testing.T) {
	backend := &flakyBackend{Backend: NewLocalChain(), failRegistrations: 10}
	a := NewAdapter(backend, nil, testConfig())

	_, err := a.RegisterDigest(context.Background(), "0xd1", "0xuser", "P1", "O1")

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 4, backend.registrations)
}

func TestAdapter_RegisterDigest_ConcurrentCallersShareOneTx(t *testing.T) {
	chain := NewLocalChain()
	a := NewAdapter(chain, nil, testConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	refs := make([]TxRef, 16)
	errs := make([]error, 16)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = a.RegisterDigest(ctx, "0xd1", "0xuser", "P1", "O1")
		}(i)
	}
	wg.Wait()

	for i := range refs {
		require.NoError(t, errs[i])
		assert.Equal(t, refs[0], refs[i])
	}
}

func TestAdapter_VerifyDigest_Retries(t *testing.T) {
	backend := &flakyBackend{Backend: NewLocalChain(), failStates: 2}
	a := NewAdapter(backend, nil, testConfig())

	state, err := a.VerifyDigest(context.Background(), "0xd1")

	require.NoError(t, err)
	assert.False(t, state.IsRegistered)
}

func TestAdapter_SubmitReview(t *testing.T) {
	a := NewAdapter(NewLocalChain(), nil, testConfig())
	ctx := context.Background()
	_, err := a.RegisterDigest(ctx, "0xd1", "0xuser", "P1", "O1")
	require.NoError(t, err)

	receipt, err := a.SubmitReview(ctx, "0xd1", "P1", "bafy", 5)
	require.NoError(t, err)
	assert.Equal(t, "1", receipt.LedgerReviewID)
	assert.GreaterOrEqual(t, receipt.Confirmations, uint64(1))

	state, err := a.VerifyDigest(ctx, "0xd1")
	require.NoError(t, err)
	assert.True(t, state.IsUsed)

	_, err = a.SubmitReview(ctx, "0xd1", "P1", "bafy", 5)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestAdapter_SubmitReview_ConfirmationTimeout(t *testing.T) {
	chain, err := OpenLocalChain(LocalChainOptions{BlockInterval: time.Hour})
	require.NoError(t, err)
	defer chain.Close()
	cfg := testConfig()
	cfg.ConfirmTimeout = 30 * time.Millisecond
	a := NewAdapter(chain, nil, cfg)
	ctx := context.Background()

	_, err = chain.SubmitRegistration(ctx, Registration{Digest: "0xd1", UserAddress: "0xuser", ProductID: "P1"})
	require.NoError(t, err)
	_, err = chain.Seal()
	require.NoError(t, err)

	_, err = a.SubmitReview(ctx, "0xd1", "P1", "bafy", 4)

	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	ref, ok := PendingTx(err)
	require.True(t, ok)
	receipt, err := chain.Receipt(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, TxPending, receipt.Status)
}

func TestAdapter_WaitsForConfirmationDepth(t *testing.T) {
	chain, err := OpenLocalChain(LocalChainOptions{BlockInterval: 2 * time.Millisecond})
	require.NoError(t, err)
	defer chain.Close()
	cfg := testConfig()
	cfg.Confirmations = 3
	a := NewAdapter(chain, nil, cfg)
	ctx := context.Background()

	ref, err := a.RegisterDigest(ctx, "0xd1", "0xuser", "P1", "O1")
	require.NoError(t, err)

	receipt, err := chain.Receipt(ctx, ref)
	require.NoError(t, err)
	head, err := chain.Head(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, head-receipt.BlockNumber+1, uint64(3))
}

func TestAdapter_ReviewsForProduct_Paginates(t *testing.T) {
	a := NewAdapter(NewLocalChain(), nil, testConfig())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		digest := fmt.Sprintf("0xd%d", i)
		_, err := a.RegisterDigest(ctx, digest, "0xuser", "P1", "O1")
		require.NoError(t, err)
		_, err = a.SubmitReview(ctx, digest, "P1", "bafy", i%5+1)
		require.NoError(t, err)
	}

	var got []ConfirmedReview
	for r, err := range a.ReviewsForProduct(ctx, "P1") {
		require.NoError(t, err)
		got = append(got, r)
	}
	assert.Len(t, got, 5)

	count := 0
	for range a.ReviewsForProduct(ctx, "P1") {
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)

	for range a.ReviewsForProduct(ctx, "P-none") {
		t.Fatal("no reviews expected")
	}
}

// submitSignal avisa quando o backend aceitou a review.
type submitSignal struct {
	Backend
	submitted chan struct{}
}

func (s *submitSignal) SubmitReview(ctx context.Context, sub ReviewSubmission) (TxRef, error) {
	ref, err := s.Backend.SubmitReview(ctx, sub)
	close(s.submitted)
	return ref, err
}

func TestAdapter_SignerLockReleasedBeforeConfirmation(t *testing.T) {
	// Arrange: sem selagem automática a review fica pendente
	chain, err := OpenLocalChain(LocalChainOptions{BlockInterval: time.Hour})
	require.NoError(t, err)
	defer chain.Close()
	ctx := context.Background()
	_, err = chain.SubmitRegistration(ctx, Registration{Digest: "0xd1", UserAddress: "0xuser", ProductID: "P1"})
	require.NoError(t, err)
	_, err = chain.Seal()
	require.NoError(t, err)
	backend := &submitSignal{Backend: chain, submitted: make(chan struct{})}
	lock := NewSignerLock("platform")
	a := NewAdapter(backend, lock, testConfig())

	// Act
	done := make(chan error, 1)
	go func() {
		_, err := a.SubmitReview(ctx, "0xd1", "P1", "bafy", 4)
		done <- err
	}()
	<-backend.submitted

	// Assert: o lock já está livre enquanto a confirmação é aguardada
	require.Eventually(t, lock.local.TryLock, time.Second, time.Millisecond)
	lock.local.Unlock()
	_, err = chain.Seal()
	require.NoError(t, err)
	assert.NoError(t, <-done)
}
