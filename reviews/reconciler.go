package reviews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/skiunel/buysewa-sub001/content"
	"github.com/skiunel/buysewa-sub001/ledger"
	"github.com/skiunel/buysewa-sub001/sdc"
	"github.com/skiunel/buysewa-sub001/store"
	"go.opentelemetry.io/otel/attribute"
)

var reconciliationNamespace = uuid.MustParse("6f1c2f4e-8d4b-4c1e-9a55-2b7f0e5d9c31")

// deterministicID gera um id estável por (tipo, digest) para registros que
// devem existir no máximo uma vez.
func deterministicID(kind sdc.ReconciliationKind, digest string) string {
	return uuid.NewSHA1(reconciliationNamespace, []byte(string(kind)+":"+digest)).String()
}

func recordReconciliation(ctx context.Context, repo store.ReconciliationRepository, m *metrics, id, digest string, kind sdc.ReconciliationKind, detail, txRef string) {
	rec := sdc.NewReconciliationRecord(id, digest, kind, detail, txRef)
	if err := repo.RecordReconciliation(context.WithoutCancel(ctx), rec); err != nil {
		log.Error().Err(err).Str("digest", digest).Str("kind", string(kind)).
			Msg("❌ Failed to write reconciliation record")
		return
	}
	add(ctx, m.reconciliations, attribute.String("kind", string(kind)))
}

// ReconcilerConfig controla as varreduras periódicas.
type ReconcilerConfig struct {
	BatchSize int
	// OrphanClaimAge deve ser maior que o RedemptionTimeout para não disputar
	// com um resgate ainda em andamento.
	OrphanClaimAge   time.Duration
	UnconfirmedGrace time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.OrphanClaimAge <= 0 {
		c.OrphanClaimAge = 10 * time.Minute
	}
	if c.UnconfirmedGrace <= 0 {
		c.UnconfirmedGrace = time.Hour
	}
	return c
}

// Reconciler aproxima o store local do ledger, que é o árbitro final.
type Reconciler struct {
	store    store.Store
	ledger   ledger.Ledger
	content  content.Store
	issuance *IssuanceUseCase
	cfg      ReconcilerConfig
	metrics  *metrics
	now      func() time.Time
}

// NewReconciler cria uma nova instância de Reconciler
func NewReconciler(st store.Store, led ledger.Ledger, contents content.Store, issuance *IssuanceUseCase, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		store:    st,
		ledger:   led,
		content:  contents,
		issuance: issuance,
		cfg:      cfg.withDefaults(),
		metrics:  newMetrics(),
		now:      time.Now,
	}
}

// ReleaseOrphanedClaims trata claims sem review mais antigos que olderThan.
// Se o ledger já consumiu o código a review é completada localmente; senão o
// claim é liberado.
func (r *Reconciler) ReleaseOrphanedClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = r.cfg.OrphanClaimAge
	}
	claims, err := r.store.ListPendingClaims(ctx, r.now().Add(-olderThan), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing pending claims: %w", err)
	}

	handled := 0
	var errs []error
	for _, c := range claims {
		resolution, err := r.settleClaim(ctx, c)
		if err != nil {
			errs = append(errs, fmt.Errorf("digest %s: %w", c.Digest, err))
			continue
		}
		id := uuid.NewString()
		recordReconciliation(ctx, r.store, r.metrics, id, c.Digest, sdc.ReconcileOrphanedClaim, resolution, "")
		if err := r.store.ResolveReconciliation(ctx, id, resolution); err != nil {
			errs = append(errs, err)
		}
		log.Info().Str("digest", c.Digest).Str("resolution", resolution).Msg("♻️  Orphaned claim settled")
		handled++
	}
	return handled, errors.Join(errs...)
}

// settleClaim decide um claim pendente pelo estado do ledger.
func (r *Reconciler) settleClaim(ctx context.Context, c *sdc.SecureDigitalCode) (string, error) {
	state, err := r.ledger.VerifyDigest(ctx, c.Digest)
	if err != nil {
		return "", err
	}
	if state.IsUsed {
		review, err := r.completeFromLedger(ctx, c)
		if err != nil {
			return "", err
		}
		return "completed from ledger review " + review.LedgerReviewID, nil
	}
	if err := r.store.ReleaseClaim(ctx, c.Digest, c.ClaimToken); err != nil {
		return "", err
	}
	add(ctx, r.metrics.claimRollbacks)
	return "claim released", nil
}

// completeFromLedger grava localmente a review que o ledger já confirmou.
func (r *Reconciler) completeFromLedger(ctx context.Context, c *sdc.SecureDigitalCode) (*sdc.Review, error) {
	if existing, err := r.store.GetReviewByDigest(ctx, c.Digest); err == nil {
		if err := r.store.MarkReviewAttached(ctx, c.Digest, existing.ID); err != nil {
			return nil, err
		}
		return existing, nil
	}

	confirmed, err := r.findLedgerReview(ctx, c.ProductID, c.Digest)
	if err != nil {
		return nil, err
	}

	comment := ""
	if blob, err := r.content.Get(ctx, confirmed.ContentRef); err == nil {
		var rc content.ReviewContent
		if json.Unmarshal(blob, &rc) == nil {
			comment = rc.Comment
		}
	} else {
		log.Warn().Err(err).Str("ref", confirmed.ContentRef).Msg("⚠️ Review content unavailable, storing without comment")
	}

	review := sdc.NewReview(uuid.NewString(), c.Digest, c.ProductID, c.UserID, confirmed.Rating, comment, confirmed.ContentRef)
	if !confirmed.Timestamp.IsZero() {
		review.CreatedAt = confirmed.Timestamp.UTC()
	}
	if err := review.MarkVerified(confirmed.TxRef.String(), confirmed.LedgerReviewID); err != nil {
		return nil, err
	}
	if err := r.store.CommitReview(ctx, review); err != nil {
		return nil, fmt.Errorf("committing ledger review locally: %w", err)
	}
	return review, nil
}

var errLedgerReviewNotFound = errors.New("ledger review not found for digest")

func (r *Reconciler) findLedgerReview(ctx context.Context, productID, digest string) (*ledger.ConfirmedReview, error) {
	for review, err := range r.ledger.ReviewsForProduct(ctx, productID) {
		if err != nil {
			return nil, err
		}
		if review.Digest == digest {
			return &review, nil
		}
	}
	return nil, errLedgerReviewNotFound
}

// ResolveOpen percorre os registros abertos e fecha os que o estado atual do
// ledger permite decidir. Devolve quantos foram resolvidos.
func (r *Reconciler) ResolveOpen(ctx context.Context) (int, error) {
	recs, err := r.store.ListOpenReconciliations(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing reconciliations: %w", err)
	}

	resolved := 0
	var errs []error
	for _, rec := range recs {
		resolution, err := r.resolve(ctx, rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", rec.ID, err))
			continue
		}
		if resolution == "" {
			continue
		}
		if err := r.store.ResolveReconciliation(ctx, rec.ID, resolution); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info().Str("id", rec.ID).Str("kind", string(rec.Kind)).Str("resolution", resolution).
			Msg("✅ Reconciliation resolved")
		resolved++
	}
	return resolved, errors.Join(errs...)
}

// resolve devolve a resolução, ou "" quando o registro deve continuar aberto.
func (r *Reconciler) resolve(ctx context.Context, rec *sdc.ReconciliationRecord) (string, error) {
	switch rec.Kind {
	case sdc.ReconcileDigestCollision:
		return "", nil

	case sdc.ReconcileRegistrationRejected, sdc.ReconcileRegistrationExhausted:
		c, err := r.store.Lookup(ctx, rec.Digest)
		if errors.Is(err, sdc.ErrSDCNotFound) {
			return "sdc discarded before delivery", nil
		}
		if err != nil {
			return "", err
		}
		if c.IsRegisteredOnLedger {
			return "registered on ledger", nil
		}
		if rec.Kind == sdc.ReconcileRegistrationExhausted && r.issuance != nil {
			if err := r.issuance.RetryRegistration(ctx, rec.Digest); err == nil {
				return "registered on ledger after retry", nil
			}
		}
		return "", nil
	}

	c, err := r.store.Lookup(ctx, rec.Digest)
	if err != nil {
		return "", err
	}
	if c.ReviewRef != "" {
		return "review attached", nil
	}

	state, err := r.ledger.VerifyDigest(ctx, rec.Digest)
	if err != nil {
		return "", err
	}
	if state.IsUsed {
		review, err := r.completeFromLedger(ctx, c)
		if err != nil {
			return "", err
		}
		return "completed from ledger review " + review.LedgerReviewID, nil
	}

	if rec.Kind == sdc.ReconcileReviewTxUnconfirmed && r.now().Sub(rec.CreatedAt) < r.cfg.UnconfirmedGrace {
		// a transação ainda pode confirmar
		return "", nil
	}
	if c.ClaimPending() {
		if c.ClaimedAt == nil || r.now().Sub(*c.ClaimedAt) < r.cfg.OrphanClaimAge {
			return "", nil
		}
		if err := r.store.ReleaseClaim(ctx, c.Digest, c.ClaimToken); err != nil {
			return "", err
		}
		add(ctx, r.metrics.claimRollbacks)
		return "claim released", nil
	}
	return "released: ledger shows no review", nil
}

// AuditReport compara as reviews confirmadas no ledger com o espelho local.
type AuditReport struct {
	ProductID      string   `json:"product_id"`
	LedgerReviews  int      `json:"ledger_reviews"`
	LocalReviews   int      `json:"local_reviews"`
	MissingLocally []string `json:"missing_locally"`
	Unverified     []string `json:"unverified"`
	Mismatched     []string `json:"mismatched"`
	NotOnLedger    []string `json:"not_on_ledger"`
}

// Consistent indica que o espelho local corresponde ao ledger.
func (a *AuditReport) Consistent() bool {
	return len(a.MissingLocally) == 0 && len(a.Unverified) == 0 &&
		len(a.Mismatched) == 0 && len(a.NotOnLedger) == 0
}

// AuditProduct confronta o ledger com o store para um produto.
func (r *Reconciler) AuditProduct(ctx context.Context, productID string) (*AuditReport, error) {
	report := &AuditReport{ProductID: productID}
	onLedger := make(map[string]bool)

	for confirmed, err := range r.ledger.ReviewsForProduct(ctx, productID) {
		if err != nil {
			return nil, fmt.Errorf("reading ledger reviews: %w", err)
		}
		report.LedgerReviews++
		onLedger[confirmed.Digest] = true

		local, err := r.store.GetReviewByDigest(ctx, confirmed.Digest)
		switch {
		case errors.Is(err, sdc.ErrReviewNotFound):
			report.MissingLocally = append(report.MissingLocally, confirmed.Digest)
		case err != nil:
			return nil, err
		case !local.Verified:
			report.Unverified = append(report.Unverified, local.ID)
		case local.LedgerReviewID != confirmed.LedgerReviewID || local.Rating != confirmed.Rating:
			report.Mismatched = append(report.Mismatched, local.ID)
		}
	}

	for offset := 0; ; offset += r.cfg.BatchSize {
		page, err := r.store.ListReviewsByProduct(ctx, productID, r.cfg.BatchSize, offset)
		if err != nil {
			return nil, fmt.Errorf("listing local reviews: %w", err)
		}
		for _, local := range page {
			report.LocalReviews++
			if local.Verified && !onLedger[local.SDCDigest] {
				report.NotOnLedger = append(report.NotOnLedger, local.ID)
			}
		}
		if len(page) < r.cfg.BatchSize {
			break
		}
	}

	if !report.Consistent() {
		log.Warn().Str("product_id", productID).
			Int("missing", len(report.MissingLocally)).
			Int("unverified", len(report.Unverified)).
			Int("mismatched", len(report.Mismatched)).
			Int("not_on_ledger", len(report.NotOnLedger)).
			Msg("⚠️ Review audit found divergences")
	}
	return report, nil
}

// RetryUnregistered reenvia ao ledger os SDCs emitidos há mais de olderThan
// e ainda não registrados. Devolve quantos foram registrados.
func (r *Reconciler) RetryUnregistered(ctx context.Context, olderThan time.Duration) (int, error) {
	codes, err := r.store.ListUnregistered(ctx, r.now().Add(-olderThan), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing unregistered sdcs: %w", err)
	}

	registered := 0
	var errs []error
	for _, c := range codes {
		if c.RegistrationRejected() {
			// recusado antes da entrega: a próxima entrega do pedido reemite
			if err := r.store.DiscardUnregistered(ctx, c.Digest); err != nil {
				errs = append(errs, fmt.Errorf("discarding %s: %w", c.Digest, err))
			}
			continue
		}
		if err := r.issuance.RetryRegistration(ctx, c.Digest); err != nil {
			errs = append(errs, err)
			continue
		}
		registered++
	}
	return registered, errors.Join(errs...)
}
