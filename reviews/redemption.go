package reviews

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/skiunel/buysewa-sub001/content"
	"github.com/skiunel/buysewa-sub001/ledger"
	"github.com/skiunel/buysewa-sub001/saga"
	"github.com/skiunel/buysewa-sub001/sdc"
	"github.com/skiunel/buysewa-sub001/store"
	"go.opentelemetry.io/otel/attribute"
)

// RedeemRequest é a requisição de resgate: o código em texto plano, nunca o digest.
type RedeemRequest struct {
	Code      string `json:"code" validate:"required,min=20,max=40"`
	ProductID string `json:"product_id" validate:"required,max=128"`
	UserID    string `json:"user_id" validate:"required,max=128"`
	Rating    int    `json:"rating" validate:"min=1,max=5"`
	Comment   string `json:"comment" validate:"max=4000"`
}

// RedemptionConfig limita o tempo de um resgate e as tentativas do commit local.
type RedemptionConfig struct {
	RedemptionTimeout time.Duration
	CommitAttempts    uint
	CommitBackoff     time.Duration
}

func (c RedemptionConfig) withDefaults() RedemptionConfig {
	if c.RedemptionTimeout <= 0 {
		c.RedemptionTimeout = 2 * time.Minute
	}
	if c.CommitAttempts == 0 {
		c.CommitAttempts = 5
	}
	if c.CommitBackoff <= 0 {
		c.CommitBackoff = 100 * time.Millisecond
	}
	return c
}

// RedemptionUseCase troca um SDC por uma review verificada.
type RedemptionUseCase struct {
	store    store.Store
	ledger   ledger.Ledger
	content  content.Store
	validate *validator.Validate
	cfg      RedemptionConfig
	metrics  *metrics
}

// NewRedemptionUseCase cria uma nova instância de RedemptionUseCase
func NewRedemptionUseCase(st store.Store, led ledger.Ledger, contents content.Store, cfg RedemptionConfig) *RedemptionUseCase {
	return &RedemptionUseCase{
		store:    st,
		ledger:   led,
		content:  contents,
		validate: validator.New(),
		cfg:      cfg.withDefaults(),
		metrics:  newMetrics(),
	}
}

// redemption guarda o estado compartilhado entre os passos da saga.
type redemption struct {
	req     RedeemRequest
	code    *sdc.SecureDigitalCode
	claim   *sdc.SecureDigitalCode
	ref     string
	receipt *ledger.ReviewReceipt
	review  *sdc.Review
}

// RedeemAndReview valida o código, faz o claim local, confirma no ledger e
// grava a review verificada. Depois do claim o processamento segue mesmo que
// o chamador desista: ou a review é gravada ou o claim é liberado. Se o
// RedemptionTimeout expira depois da transação no ledger, o commit local
// ainda roda; se ele falhar, o claim fica com um registro de reconciliação.
func (uc *RedemptionUseCase) RedeemAndReview(ctx context.Context, req RedeemRequest) (review *sdc.Review, err error) {
	defer func() {
		result := "success"
		if err != nil {
			result = string(KindOf(err))
		}
		add(ctx, uc.metrics.redemptions, attribute.String("result", result))
	}()

	if err := uc.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReview, err)
	}

	code, err := uc.match(ctx, req)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.RedemptionTimeout)
	defer cancel()

	r := &redemption{req: req, code: code}
	sg := saga.New("redeem_and_review",
		saga.Step{Name: "claim", Action: r.claimStep(uc), Compensate: r.releaseStep(uc)},
		saga.Step{Name: "verify_on_ledger", Action: r.verifyStep(uc)},
		saga.Step{Name: "upload_content", Action: r.uploadStep(uc)},
		// depois da transação no ledger o código está consumido: nada mais compensa
		saga.Step{Name: "submit_review", Action: r.submitStep(uc), Pivot: true},
		saga.Step{Name: "commit_local", Action: r.commitStep(uc)},
	)

	if _, err := sg.Run(rctx, code.Digest); err != nil {
		return nil, err
	}
	log.Info().Str("digest", code.Digest).Str("review_id", r.review.ID).
		Str("tx", r.review.LedgerTxRef).Msg("✅ Verified review recorded")
	return r.review, nil
}

// match recalcula o digest para cada SDC do comprador naquele produto.
func (uc *RedemptionUseCase) match(ctx context.Context, req RedeemRequest) (*sdc.SecureDigitalCode, error) {
	normalized, err := sdc.NormalizeCode(req.Code)
	if err != nil {
		return nil, err
	}
	candidates, err := uc.store.ListForUserProduct(ctx, req.UserID, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("listing sdcs: %w", err)
	}

	var found *sdc.SecureDigitalCode
	for _, c := range candidates {
		digest, err := sdc.Digest(normalized, sdc.DigestContext{OrderID: c.OrderID, ProductID: c.ProductID})
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare([]byte(digest), []byte(c.Digest)) == 1 && found == nil {
			found = c
		}
	}
	if found == nil {
		return nil, sdc.ErrInvalidCode
	}
	return found, nil
}

func (r *redemption) claimStep(uc *RedemptionUseCase) func(context.Context) error {
	return func(ctx context.Context) error {
		claimed, err := uc.store.ClaimForRedemption(ctx, r.code.Digest)
		if err != nil {
			log.Info().Err(err).Str("digest", r.code.Digest).Msg("ℹ️ SDC claim refused")
			return err
		}
		r.claim = claimed
		return nil
	}
}

func (r *redemption) releaseStep(uc *RedemptionUseCase) func(context.Context) error {
	return func(ctx context.Context) error {
		log.Info().Str("digest", r.code.Digest).Msg("↩️ Releasing SDC claim")
		if err := uc.store.ReleaseClaim(ctx, r.code.Digest, r.claim.ClaimToken); err != nil {
			recordReconciliation(ctx, uc.store, uc.metrics, uuid.NewString(), r.code.Digest,
				sdc.ReconcileOrphanedClaim, "claim release failed: "+err.Error(), "")
			return fmt.Errorf("releasing claim: %w", err)
		}
		add(ctx, uc.metrics.claimRollbacks)
		return nil
	}
}

func (r *redemption) verifyStep(uc *RedemptionUseCase) func(context.Context) error {
	return func(ctx context.Context) error {
		state, err := uc.ledger.VerifyDigest(ctx, r.code.Digest)
		if err != nil {
			return fmt.Errorf("verifying sdc on ledger: %w", err)
		}

		var detail string
		switch {
		case !state.IsRegistered:
			detail = "ledger reports sdc not registered"
		case state.IsUsed:
			detail = "ledger reports sdc already used"
		case state.ProductID != r.code.ProductID:
			detail = fmt.Sprintf("ledger product %q differs from local %q", state.ProductID, r.code.ProductID)
		default:
			return nil
		}

		log.Warn().Str("digest", r.code.Digest).Str("detail", detail).Msg("⚠️ Ledger state conflict")
		recordReconciliation(ctx, uc.store, uc.metrics, uuid.NewString(), r.code.Digest,
			sdc.ReconcileLedgerStateConflict, detail, state.ReviewTx.String())
		return fmt.Errorf("%w: %s", ErrLedgerStateConflict, detail)
	}
}

func (r *redemption) uploadStep(uc *RedemptionUseCase) func(context.Context) error {
	return func(ctx context.Context) error {
		ref, err := content.PutReview(ctx, uc.content, content.ReviewContent{
			ProductID: r.req.ProductID,
			Rating:    r.req.Rating,
			Comment:   r.req.Comment,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("uploading review content: %w", err)
		}
		r.ref = ref
		return nil
	}
}

func (r *redemption) submitStep(uc *RedemptionUseCase) func(context.Context) error {
	return func(ctx context.Context) error {
		receipt, err := uc.ledger.SubmitReview(ctx, r.code.Digest, r.code.ProductID, r.ref, r.req.Rating)
		if err != nil {
			if tx, ok := ledger.PendingTx(err); ok {
				log.Warn().Str("digest", r.code.Digest).Str("tx", tx.String()).
					Msg("⏳ Review transaction unconfirmed, releasing claim")
				recordReconciliation(ctx, uc.store, uc.metrics, uuid.NewString(), r.code.Digest,
					sdc.ReconcileReviewTxUnconfirmed, "confirmation timeout during redemption", tx.String())
			}
			return fmt.Errorf("submitting review to ledger: %w", err)
		}
		r.receipt = receipt
		return nil
	}
}

func (r *redemption) commitStep(uc *RedemptionUseCase) func(context.Context) error {
	return func(ctx context.Context) error {
		review := sdc.NewReview(uuid.NewString(), r.code.Digest, r.code.ProductID, r.req.UserID,
			r.req.Rating, r.req.Comment, r.ref)
		if err := review.MarkVerified(r.receipt.TxRef.String(), r.receipt.LedgerReviewID); err != nil {
			return saga.Keep(fmt.Errorf("%w: %v", ErrReconciliationPending, err))
		}

		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = uc.cfg.CommitBackoff
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := uc.store.CommitReview(ctx, review)
			if errors.Is(err, sdc.ErrAlreadyUsed) || errors.Is(err, sdc.ErrReviewExists) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}, backoff.WithBackOff(eb), backoff.WithMaxTries(uc.cfg.CommitAttempts))
		if err != nil {
			log.Error().Err(err).Str("digest", r.code.Digest).Str("tx", review.LedgerTxRef).
				Msg("❌ Local commit failed after ledger commit")
			recordReconciliation(ctx, uc.store, uc.metrics, uuid.NewString(), r.code.Digest,
				sdc.ReconcileLocalCommitFailed, err.Error(), review.LedgerTxRef)
			// o ledger já consumiu o código: o claim fica até a reconciliação
			return saga.Keep(fmt.Errorf("%w: %v", ErrReconciliationPending, err))
		}
		r.review = review
		return nil
	}
}
