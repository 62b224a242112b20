package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Config controla retentativas e confirmação do Adapter.
type Config struct {
	// Confirmations é a profundidade exigida: a transação conta como
	// confirmada quando head - bloco + 1 >= Confirmations.
	Confirmations  uint64
	PollInterval   time.Duration
	ConfirmTimeout time.Duration

	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	PageSize int
}

// DefaultConfig devolve valores adequados à cadeia local.
func DefaultConfig() Config {
	return Config{
		Confirmations:  1,
		PollInterval:   200 * time.Millisecond,
		ConfirmTimeout: 30 * time.Second,
		MaxAttempts:    4,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		PageSize:       50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Confirmations == 0 {
		c.Confirmations = d.Confirmations
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	return c
}

// Adapter implementa Ledger sobre um Backend.
type Adapter struct {
	backend Backend
	signer  *SignerLock
	cfg     Config
	group   singleflight.Group

	tracer         trace.Tracer
	confirmLatency metric.Float64Histogram
	retries        metric.Int64Counter
}

var _ Ledger = (*Adapter)(nil)

// NewAdapter cria uma nova instância de Adapter
func NewAdapter(backend Backend, signer *SignerLock, cfg Config) *Adapter {
	if signer == nil {
		signer = NewSignerLock("default")
	}
	meter := otel.Meter("sdc-ledger")
	confirmLatency, _ := meter.Float64Histogram(
		"sdc_ledger_confirm_seconds",
		metric.WithDescription("Time between ledger submission and confirmation"),
		metric.WithUnit("s"),
	)
	retries, _ := meter.Int64Counter(
		"sdc_ledger_retries_total",
		metric.WithDescription("Ledger calls retried after a transient failure"),
	)
	return &Adapter{
		backend:        backend,
		signer:         signer,
		cfg:            cfg.withDefaults(),
		tracer:         otel.Tracer("sdc-ledger"),
		confirmLatency: confirmLatency,
		retries:        retries,
	}
}

// Close fecha o backend.
func (a *Adapter) Close() error {
	return a.backend.Close()
}

func (a *Adapter) startSpan(ctx context.Context, name, digest string) (context.Context, trace.Span) {
	ctx, span := a.tracer.Start(ctx, "ledger."+name)
	span.SetAttributes(
		attribute.String("sdc.digest", digest),
		attribute.String("component", "ledger-adapter"),
	)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// retry repete operações transitórias; recusas e timeouts são permanentes.
func retry[T any](ctx context.Context, a *Adapter, name string, op func() (T, error)) (T, error) {
	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		if attempt > 1 {
			a.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", name)))
		}
		v, err := op()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return v, backoff.Permanent(err)
		}
		log.Warn().Err(err).Str("op", name).Int("attempt", attempt).Msg("🔁 ledger call failed, retrying")
		return v, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.cfg.InitialBackoff
	eb.MaxInterval = a.cfg.MaxBackoff

	v, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(a.cfg.MaxAttempts),
	)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return v, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, err
}

// RegisterDigest implementa Ledger.
func (a *Adapter) RegisterDigest(ctx context.Context, digest, userAddress, productID, orderID string) (ref TxRef, err error) {
	ctx, span := a.startSpan(ctx, "register_digest", digest)
	defer func() { endSpan(span, err) }()

	v, err, shared := a.group.Do("register:"+digest, func() (any, error) {
		return a.registerDigest(ctx, Registration{
			Digest:      digest,
			UserAddress: userAddress,
			ProductID:   productID,
			OrderID:     orderID,
		})
	})
	span.SetAttributes(attribute.Bool("ledger.shared", shared))
	if err != nil {
		return "", err
	}
	return v.(TxRef), nil
}

func (a *Adapter) registerDigest(ctx context.Context, reg Registration) (TxRef, error) {
	return retry(ctx, a, "register_digest", func() (TxRef, error) {
		// reconsultar a cada tentativa: um envio anterior pode ter sido aceito
		state, err := a.backend.DigestState(ctx, reg.Digest)
		if err != nil {
			return "", err
		}
		if state.IsRegistered {
			if !state.SameBinding(reg.UserAddress, reg.ProductID, reg.OrderID) {
				return "", Reject("digest registered with a different binding")
			}
			log.Info().Str("digest", reg.Digest).Msg("ℹ️ [IDEMPOTENCY] digest already registered on ledger")
			return state.RegistrationTx, nil
		}

		tx, err := a.send(ctx, func(ctx context.Context) (TxRef, error) {
			return a.backend.SubmitRegistration(ctx, reg)
		})
		if err != nil {
			return "", err
		}
		if _, err := a.awaitConfirmation(ctx, tx); err != nil {
			return "", err
		}
		return tx, nil
	})
}

// send envia uma escrita sob o lock do signatário.
func (a *Adapter) send(ctx context.Context, submit func(context.Context) (TxRef, error)) (TxRef, error) {
	unlock, err := a.signer.Lock(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()
	return submit(ctx)
}

// awaitConfirmation consulta o recibo até a profundidade exigida ou ConfirmTimeout.
func (a *Adapter) awaitConfirmation(ctx context.Context, tx TxRef) (*Receipt, error) {
	start := time.Now()
	deadline := time.NewTimer(a.cfg.ConfirmTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(a.cfg.PollInterval)
	defer poll.Stop()

	for {
		receipt, confirmations, err := a.check(ctx, tx)
		switch {
		case err != nil && !errors.Is(err, ErrUnavailable) && !errors.Is(err, ErrTxNotFound):
			return nil, err
		case receipt != nil && receipt.Status == TxFailed:
			return nil, Reject(receipt.Reason)
		case receipt != nil && confirmations >= a.cfg.Confirmations:
			a.confirmLatency.Record(ctx, time.Since(start).Seconds())
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, &ConfirmationTimeoutError{TxRef: tx}
		case <-deadline.C:
			log.Warn().Str("tx", tx.String()).Dur("waited", time.Since(start)).Msg("⏳ ledger confirmation timed out")
			return nil, &ConfirmationTimeoutError{TxRef: tx}
		case <-poll.C:
		}
	}
}

func (a *Adapter) check(ctx context.Context, tx TxRef) (*Receipt, uint64, error) {
	receipt, err := a.backend.Receipt(ctx, tx)
	if err != nil {
		return nil, 0, err
	}
	if receipt.Status != TxIncluded {
		return receipt, 0, nil
	}
	head, err := a.backend.Head(ctx)
	if err != nil {
		return nil, 0, err
	}
	if head < receipt.BlockNumber {
		return receipt, 0, nil
	}
	return receipt, head - receipt.BlockNumber + 1, nil
}

// IsDigestRegistered implementa Ledger.
func (a *Adapter) IsDigestRegistered(ctx context.Context, digest string) (bool, error) {
	state, err := a.VerifyDigest(ctx, digest)
	if err != nil {
		return false, err
	}
	return state.IsRegistered, nil
}

// VerifyDigest implementa Ledger.
func (a *Adapter) VerifyDigest(ctx context.Context, digest string) (state *DigestState, err error) {
	ctx, span := a.startSpan(ctx, "verify_digest", digest)
	defer func() { endSpan(span, err) }()

	return retry(ctx, a, "verify_digest", func() (*DigestState, error) {
		return a.backend.DigestState(ctx, digest)
	})
}

// SubmitReview implementa Ledger. Aguarda a confirmação antes de devolver o recibo.
func (a *Adapter) SubmitReview(ctx context.Context, digest, productID, contentRef string, rating int) (receipt *ReviewReceipt, err error) {
	ctx, span := a.startSpan(ctx, "submit_review", digest)
	defer func() { endSpan(span, err) }()

	sub := ReviewSubmission{Digest: digest, ProductID: productID, ContentRef: contentRef, Rating: rating}
	attempt := 0
	tx, err := retry(ctx, a, "submit_review", func() (TxRef, error) {
		attempt++
		if attempt > 1 {
			// um envio anterior pode ter chegado ao ledger apesar do erro
			state, err := a.backend.DigestState(ctx, digest)
			if err != nil {
				return "", err
			}
			if state.IsUsed && state.ReviewTx != "" {
				return state.ReviewTx, nil
			}
		}
		return a.send(ctx, func(ctx context.Context) (TxRef, error) {
			return a.backend.SubmitReview(ctx, sub)
		})
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("ledger.tx", tx.String()))

	r, err := a.awaitConfirmation(ctx, tx)
	if err != nil {
		return nil, err
	}
	head, err := a.backend.Head(ctx)
	if err != nil {
		head = r.BlockNumber
	}
	return &ReviewReceipt{
		TxRef:          tx,
		LedgerReviewID: r.LedgerReviewID,
		BlockNumber:    r.BlockNumber,
		Confirmations:  head - r.BlockNumber + 1,
	}, nil
}

// ReviewsForProduct implementa Ledger. Reviews ainda sem a profundidade exigida são omitidas.
func (a *Adapter) ReviewsForProduct(ctx context.Context, productID string) iter.Seq2[ConfirmedReview, error] {
	return func(yield func(ConfirmedReview, error) bool) {
		head, err := retry(ctx, a, "head", func() (uint64, error) {
			return a.backend.Head(ctx)
		})
		if err != nil {
			yield(ConfirmedReview{}, err)
			return
		}

		offset := 0
		for {
			page, err := retry(ctx, a, "reviews_page", func() ([]ConfirmedReview, error) {
				return a.backend.ReviewsPage(ctx, productID, offset, a.cfg.PageSize)
			})
			if err != nil {
				yield(ConfirmedReview{}, err)
				return
			}
			for _, r := range page {
				if head < r.BlockNumber || head-r.BlockNumber+1 < a.cfg.Confirmations {
					continue
				}
				if !yield(r, nil) {
					return
				}
			}
			if len(page) < a.cfg.PageSize {
				return
			}
			offset += len(page)
		}
	}
}
