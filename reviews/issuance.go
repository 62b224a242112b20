package reviews

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/skiunel/buysewa-sub001/identity"
	"github.com/skiunel/buysewa-sub001/ledger"
	"github.com/skiunel/buysewa-sub001/orders"
	"github.com/skiunel/buysewa-sub001/sdc"
	"github.com/skiunel/buysewa-sub001/store"
	"go.opentelemetry.io/otel/attribute"
)

// RegistrationScheduler agenda uma nova tentativa de registro no ledger.
type RegistrationScheduler interface {
	Schedule(ctx context.Context, digest string) error
}

// CodeNotifier entrega o código em texto plano ao comprador (e-mail, push...).
type CodeNotifier interface {
	NotifyCode(ctx context.Context, code *IssuedSDC) error
}

// LogNotifier registra a entrega com o código mascarado.
type LogNotifier struct{}

func (LogNotifier) NotifyCode(_ context.Context, code *IssuedSDC) error {
	log.Info().
		Str("user_id", code.UserID).
		Str("order_id", code.OrderID).
		Str("product_id", code.ProductID).
		Str("code", sdc.MaskCode(code.PlaintextCode)).
		Msg("📧 SDC delivered to buyer")
	return nil
}

// IssuedSDC é o resultado da emissão. PlaintextCode só vem preenchido na
// primeira emissão do par (pedido, produto).
type IssuedSDC struct {
	Digest        string            `json:"digest"`
	UserID        string            `json:"user_id"`
	OrderID       string            `json:"order_id"`
	ProductID     string            `json:"product_id"`
	PlaintextCode string            `json:"plaintext_code,omitempty"`
	CodeHint      string            `json:"code_hint"`
	State         sdc.IssuanceState `json:"state"`
	LedgerTxRef   string            `json:"ledger_tx_ref,omitempty"`
	AlreadyIssued bool              `json:"already_issued"`
}

func issuedFrom(c *sdc.SecureDigitalCode) *IssuedSDC {
	return &IssuedSDC{
		Digest:      c.Digest,
		UserID:      c.UserID,
		OrderID:     c.OrderID,
		ProductID:   c.ProductID,
		CodeHint:    c.CodeHint,
		State:       c.State(),
		LedgerTxRef: c.LedgerTxRef,
	}
}

// IssuanceConfig limita colisões e tentativas de registro.
type IssuanceConfig struct {
	MaxCollisionRetries     int
	MaxRegistrationAttempts int
}

func (c IssuanceConfig) withDefaults() IssuanceConfig {
	if c.MaxCollisionRetries <= 0 {
		c.MaxCollisionRetries = 3
	}
	if c.MaxRegistrationAttempts <= 0 {
		c.MaxRegistrationAttempts = 10
	}
	return c
}

// IssuanceOption configura dependências opcionais do IssuanceUseCase.
type IssuanceOption func(*IssuanceUseCase)

func WithScheduler(s RegistrationScheduler) IssuanceOption {
	return func(uc *IssuanceUseCase) { uc.scheduler = s }
}

func WithNotifier(n CodeNotifier) IssuanceOption {
	return func(uc *IssuanceUseCase) { uc.notifier = n }
}

func WithGenerator(g *sdc.Generator) IssuanceOption {
	return func(uc *IssuanceUseCase) { uc.generator = g }
}

// IssuanceUseCase conduz a máquina NotIssued -> Generated -> Registered.
type IssuanceUseCase struct {
	store     store.Store
	orders    orders.Directory
	resolver  identity.Resolver
	ledger    ledger.Ledger
	generator *sdc.Generator
	scheduler RegistrationScheduler
	notifier  CodeNotifier
	cfg       IssuanceConfig
	metrics   *metrics
}

// NewIssuanceUseCase cria uma nova instância de IssuanceUseCase
func NewIssuanceUseCase(
	st store.Store,
	directory orders.Directory,
	resolver identity.Resolver,
	led ledger.Ledger,
	cfg IssuanceConfig,
	opts ...IssuanceOption,
) *IssuanceUseCase {
	uc := &IssuanceUseCase{
		store:     st,
		orders:    directory,
		resolver:  resolver,
		ledger:    led,
		generator: sdc.NewGenerator(),
		notifier:  LogNotifier{},
		cfg:       cfg.withDefaults(),
		metrics:   newMetrics(),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// IssueSDC emite o SDC de (pedido, produto). Repetir para um par já emitido
// devolve o registro existente com AlreadyIssued e sem texto plano. Se o
// ledger recusa o primeiro registro, o SDC é descartado antes de o código ser
// entregue e o erro volta ao chamador; uma nova entrega tenta de novo.
func (uc *IssuanceUseCase) IssueSDC(ctx context.Context, orderID, productID, userID string) (*IssuedSDC, error) {
	logger := log.With().Str("order_id", orderID).Str("product_id", productID).Logger()

	order, err := uc.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", orderID, err)
	}
	if err := order.CheckIssuable(userID, productID); err != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, err)
	}
	if userID == "" {
		userID = order.UserID
	}

	if existing, err := uc.existing(ctx, orderID, productID); err != nil || existing != nil {
		return existing, err
	}

	address, err := uc.resolver.ResolveAddress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving ledger address: %w", err)
	}

	code, plaintext, err := uc.generate(ctx, userID, orderID, productID, address)
	if errors.Is(err, sdc.ErrDuplicateIssuance) {
		// corrida com outra entrega do mesmo webhook
		existing, lookupErr := uc.existing(ctx, orderID, productID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}
	add(ctx, uc.metrics.issued)
	logger.Info().Str("digest", code.Digest).Str("code", sdc.MaskCode(plaintext)).Msg("✅ SDC generated")

	issued := issuedFrom(code)
	issued.PlaintextCode = plaintext

	tx, err := uc.ledger.RegisterDigest(ctx, code.Digest, address, productID, orderID)
	switch {
	case err == nil:
		if err := uc.store.MarkRegistered(ctx, code.Digest, tx.String()); err != nil {
			return nil, fmt.Errorf("marking sdc registered: %w", err)
		}
		issued.State = sdc.StateRegistered
		issued.LedgerTxRef = tx.String()
		logger.Info().Str("digest", code.Digest).Str("tx", tx.String()).Msg("✅ SDC registered on ledger")
		return issued, nil

	case errors.Is(err, ledger.ErrRejected):
		add(ctx, uc.metrics.registrationFailures, attribute.String("reason", "rejected"))
		recordReconciliation(ctx, uc.store, uc.metrics, deterministicID(sdc.ReconcileRegistrationRejected, code.Digest),
			code.Digest, sdc.ReconcileRegistrationRejected, err.Error(), "")
		logger.Error().Err(err).Str("digest", code.Digest).Msg("❌ Ledger rejected SDC registration")
		uc.discardRejected(ctx, code.Digest, err)
		return nil, fmt.Errorf("registering sdc: %w", err)

	default:
		add(ctx, uc.metrics.registrationFailures, attribute.String("reason", "unavailable"))
		if _, recErr := uc.store.RecordRegistrationAttempt(ctx, code.Digest, err.Error()); recErr != nil {
			logger.Error().Err(recErr).Msg("❌ Failed to record registration attempt")
		}
		uc.schedule(ctx, code.Digest)
		logger.Warn().Err(err).Str("digest", code.Digest).Msg("⏳ Ledger unavailable, registration scheduled")
		return issued, nil
	}
}

func (uc *IssuanceUseCase) existing(ctx context.Context, orderID, productID string) (*IssuedSDC, error) {
	c, err := uc.store.LookupByOrderProduct(ctx, orderID, productID)
	if errors.Is(err, sdc.ErrSDCNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up sdc: %w", err)
	}

	if c.RegistrationRejected() {
		// o texto plano nunca saiu daqui: descarta e reemite
		if err := uc.store.DiscardUnregistered(ctx, c.Digest); err != nil {
			return nil, fmt.Errorf("discarding rejected sdc: %w", err)
		}
		log.Warn().Str("order_id", orderID).Str("product_id", productID).Str("digest", c.Digest).
			Msg("♻️  Rejected SDC discarded, issuing again")
		return nil, nil
	}

	log.Info().Str("order_id", orderID).Str("product_id", productID).
		Msg("ℹ️ [IDEMPOTENCY] SDC already issued for order/product")
	if !c.IsRegisteredOnLedger {
		uc.schedule(ctx, c.Digest)
	}
	issued := issuedFrom(c)
	issued.AlreadyIssued = true
	return issued, nil
}

// discardRejected apaga o SDC recusado no primeiro registro. Se o descarte
// falhar, a marca em LastRegistrationError faz a próxima entrega descartar.
func (uc *IssuanceUseCase) discardRejected(ctx context.Context, digest string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := uc.store.RecordRegistrationAttempt(ctx, digest, sdc.RegistrationRejectedPrefix+cause.Error()); err != nil {
		log.Error().Err(err).Str("digest", digest).Msg("❌ Failed to record registration attempt")
	}
	if err := uc.store.DiscardUnregistered(ctx, digest); err != nil {
		log.Error().Err(err).Str("digest", digest).Msg("❌ Failed to discard rejected SDC")
	}
}

func (uc *IssuanceUseCase) generate(ctx context.Context, userID, orderID, productID, address string) (*sdc.SecureDigitalCode, string, error) {
	dctx := sdc.DigestContext{OrderID: orderID, ProductID: productID}
	for attempt := 1; ; attempt++ {
		plaintext, digest, err := uc.generator.Generate(dctx)
		if err != nil {
			return nil, "", fmt.Errorf("generating sdc: %w", err)
		}
		code := sdc.NewSecureDigitalCode(userID, orderID, productID, plaintext, digest)
		code.UserAddress = address

		err = uc.store.Issue(ctx, code)
		if err == nil {
			return code, plaintext, nil
		}
		if !errors.Is(err, sdc.ErrDigestCollision) {
			return nil, "", fmt.Errorf("issuing sdc: %w", err)
		}

		log.Error().Str("digest", digest).Int("attempt", attempt).
			Msg("🚨 [OPERATOR] SDC digest collision, regenerating")
		recordReconciliation(ctx, uc.store, uc.metrics, uuid.NewString(), digest, sdc.ReconcileDigestCollision,
			fmt.Sprintf("collision while issuing order=%s product=%s attempt=%d", orderID, productID, attempt), "")
		if attempt >= uc.cfg.MaxCollisionRetries {
			return nil, "", fmt.Errorf("issuing sdc after %d attempts: %w", attempt, err)
		}
	}
}

func (uc *IssuanceUseCase) schedule(ctx context.Context, digest string) {
	if uc.scheduler == nil {
		return
	}
	if err := uc.scheduler.Schedule(ctx, digest); err != nil {
		// a varredura periódica cobre o que o agendador perder
		log.Warn().Err(err).Str("digest", digest).Msg("⚠️ Failed to schedule registration retry")
	}
}

// OnOrderDelivered é a entrada do webhook de entrega; tolera entregas repetidas.
func (uc *IssuanceUseCase) OnOrderDelivered(ctx context.Context, orderID, productID, userID string) (*IssuedSDC, error) {
	issued, err := uc.IssueSDC(ctx, orderID, productID, userID)
	if err != nil {
		return nil, err
	}
	uc.notify(ctx, issued)
	return issued, nil
}

// IssueForOrder emite um SDC por produto de um pedido entregue.
func (uc *IssuanceUseCase) IssueForOrder(ctx context.Context, orderID string) ([]*IssuedSDC, error) {
	order, err := uc.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", orderID, err)
	}

	seen := make(map[string]bool, len(order.Items))
	var out []*IssuedSDC
	var errs []error
	for _, item := range order.Items {
		if seen[item.ProductID] {
			continue
		}
		seen[item.ProductID] = true

		issued, err := uc.OnOrderDelivered(ctx, order.ID, item.ProductID, order.UserID)
		if err != nil {
			errs = append(errs, fmt.Errorf("product %s: %w", item.ProductID, err))
			continue
		}
		out = append(out, issued)
	}
	return out, errors.Join(errs...)
}

func (uc *IssuanceUseCase) notify(ctx context.Context, issued *IssuedSDC) {
	if issued.PlaintextCode == "" || uc.notifier == nil {
		return
	}
	if err := uc.notifier.NotifyCode(ctx, issued); err != nil {
		log.Error().Err(err).Str("digest", issued.Digest).Msg("❌ Failed to deliver SDC to buyer")
	}
}

// RetryRegistration tenta de novo registrar um SDC emitido. Chamado pelo
// agendador; devolve erro enquanto o registro não for confirmado.
func (uc *IssuanceUseCase) RetryRegistration(ctx context.Context, digest string) error {
	c, err := uc.store.Lookup(ctx, digest)
	if err != nil {
		return fmt.Errorf("looking up sdc: %w", err)
	}
	if c.IsRegisteredOnLedger {
		log.Info().Str("digest", digest).Msg("ℹ️ [IDEMPOTENCY] SDC already registered")
		return nil
	}
	if c.RegistrationRejected() {
		return fmt.Errorf("registering sdc: %w", ledger.Reject(c.LastRegistrationError))
	}

	tx, err := uc.ledger.RegisterDigest(ctx, c.Digest, c.UserAddress, c.ProductID, c.OrderID)
	if err == nil {
		if err := uc.store.MarkRegistered(ctx, digest, tx.String()); err != nil {
			return fmt.Errorf("marking sdc registered: %w", err)
		}
		log.Info().Str("digest", digest).Str("tx", tx.String()).Msg("✅ SDC registered on ledger after retry")
		return nil
	}

	if errors.Is(err, ledger.ErrRejected) {
		add(ctx, uc.metrics.registrationFailures, attribute.String("reason", "rejected"))
		recordReconciliation(ctx, uc.store, uc.metrics, deterministicID(sdc.ReconcileRegistrationRejected, digest),
			digest, sdc.ReconcileRegistrationRejected, err.Error(), "")
		log.Error().Err(err).Str("digest", digest).Msg("❌ Ledger rejected SDC registration")
		return fmt.Errorf("registering sdc: %w", err)
	}

	add(ctx, uc.metrics.registrationFailures, attribute.String("reason", "unavailable"))
	attempts, recErr := uc.store.RecordRegistrationAttempt(ctx, digest, err.Error())
	if recErr != nil {
		log.Error().Err(recErr).Str("digest", digest).Msg("❌ Failed to record registration attempt")
	}
	if attempts >= uc.cfg.MaxRegistrationAttempts {
		log.Error().Str("digest", digest).Int("attempts", attempts).
			Msg("🚨 [OPERATOR] SDC registration attempts exhausted")
		recordReconciliation(ctx, uc.store, uc.metrics, deterministicID(sdc.ReconcileRegistrationExhausted, digest),
			digest, sdc.ReconcileRegistrationExhausted, fmt.Sprintf("%d attempts, last error: %v", attempts, err), "")
	}
	return fmt.Errorf("registering sdc (attempt %d): %w", attempts, err)
}
