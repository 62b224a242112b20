package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/skiunel/buysewa-sub001/sdc"
)

const (
	constraintSDCPrimaryKey   = "sdc_codes_pkey"
	constraintOrderProduct    = "sdc_codes_order_product_key"
	constraintReviewPrimary   = "reviews_pkey"
	constraintReviewSDCDigest = "reviews_sdc_digest_key"
)

const sdcColumns = `digest, user_id, order_id, product_id, user_address, code_hint,
	is_used, claim_token, claimed_at, review_ref, used_at,
	is_registered, ledger_tx_ref, registered_at, registration_attempts, last_registration_error,
	issued_at, updated_at`

const reviewColumns = `id::text, sdc_digest, product_id, user_id, rating, comment, content_ref,
	ledger_tx_ref, ledger_review_id, verified, created_at`

const reconciliationColumns = `id::text, digest, kind, detail, ledger_tx_ref, status, resolution, created_at, resolved_at`

// querier é satisfeito por *pgxpool.Pool e pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore implementa Store usando PostgreSQL
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore cria uma nova instância de PostgresStore
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// ConnectPostgres abre o pool e aguarda o banco ficar disponível.
func ConnectPostgres(ctx context.Context, dsn string, maxConns int32, attempts int) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	for i := 0; i < attempts; i++ {
		if err := pool.Ping(ctx); err == nil {
			log.Info().Msg("✅ Connected to sdc database with connection pool")
			return pool, nil
		}
		log.Info().Msgf("⏳ Waiting for database... (%d/%d)", i+1, attempts)
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after %d attempts", attempts)
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func scanSDC(row pgx.Row) (*sdc.SecureDigitalCode, error) {
	var c sdc.SecureDigitalCode
	err := row.Scan(
		&c.Digest, &c.UserID, &c.OrderID, &c.ProductID, &c.UserAddress, &c.CodeHint,
		&c.IsUsed, &c.ClaimToken, &c.ClaimedAt, &c.ReviewRef, &c.UsedAt,
		&c.IsRegisteredOnLedger, &c.LedgerTxRef, &c.RegisteredAt, &c.RegistrationAttempts, &c.LastRegistrationError,
		&c.IssuedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sdc.ErrSDCNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func collectSDCs(rows pgx.Rows, err error) ([]*sdc.SecureDigitalCode, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*sdc.SecureDigitalCode
	for rows.Next() {
		c, err := scanSDC(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Issue insere o SDC; violações de unicidade viram erros de domínio.
func (s *PostgresStore) Issue(ctx context.Context, c *sdc.SecureDigitalCode) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sdc_codes (digest, user_id, order_id, product_id, user_address, code_hint, issued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.Digest, c.UserID, c.OrderID, c.ProductID, c.UserAddress, c.CodeHint, c.IssuedAt, c.UpdatedAt)
	if constraint, ok := uniqueViolation(err); ok {
		switch constraint {
		case constraintOrderProduct:
			return sdc.ErrDuplicateIssuance
		case constraintSDCPrimaryKey:
			return sdc.ErrDigestCollision
		}
	}
	if err != nil {
		return fmt.Errorf("repository: issuing sdc: %w", err)
	}
	return nil
}

// ClaimForRedemption é o único ponto de sincronização do resgate:
// um UPDATE condicional que só uma transação concorrente consegue aplicar.
func (s *PostgresStore) ClaimForRedemption(ctx context.Context, digest string) (*sdc.SecureDigitalCode, error) {
	c, err := scanSDC(s.db.QueryRow(ctx, `
		UPDATE sdc_codes
		SET is_used = TRUE, claim_token = $2, claimed_at = NOW(), updated_at = NOW()
		WHERE digest = $1 AND is_used = FALSE AND is_registered = TRUE
		RETURNING `+sdcColumns,
		digest, uuid.NewString()))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sdc.ErrSDCNotFound) {
		return nil, fmt.Errorf("repository: claiming sdc: %w", err)
	}

	current, err := s.Lookup(ctx, digest)
	if err != nil {
		return nil, err
	}
	return nil, classifyUnclaimable(current)
}

// ReleaseClaim (compensação) só desfaz o claim do próprio chamador.
func (s *PostgresStore) ReleaseClaim(ctx context.Context, digest, claimToken string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sdc_codes
		SET is_used = FALSE, claim_token = '', claimed_at = NULL, updated_at = NOW()
		WHERE digest = $1 AND is_used = TRUE AND claim_token = $2 AND review_ref = ''
	`, digest, claimToken)
	if err != nil {
		return fmt.Errorf("repository: releasing claim: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := s.Lookup(ctx, digest)
	if err != nil {
		return err
	}
	if !current.IsUsed {
		return nil
	}
	return sdc.ErrClaimNotHeld
}

func (s *PostgresStore) MarkRegistered(ctx context.Context, digest, ledgerTxRef string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sdc_codes
		SET is_registered = TRUE, ledger_tx_ref = $2, registered_at = NOW(),
		    last_registration_error = '', updated_at = NOW()
		WHERE digest = $1 AND is_registered = FALSE
	`, digest, ledgerTxRef)
	if err != nil {
		return fmt.Errorf("repository: marking registered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.Lookup(ctx, digest)
		return err
	}
	return nil
}

// DiscardUnregistered só apaga enquanto o registro não foi confirmado.
func (s *PostgresStore) DiscardUnregistered(ctx context.Context, digest string) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM sdc_codes
		WHERE digest = $1 AND is_registered = FALSE AND is_used = FALSE
	`, digest)
	if err != nil {
		return fmt.Errorf("repository: discarding sdc: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := s.Lookup(ctx, digest)
	if errors.Is(err, sdc.ErrSDCNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.IsRegisteredOnLedger {
		return sdc.ErrAlreadyRegistered
	}
	return sdc.ErrAlreadyUsed
}

func (s *PostgresStore) MarkReviewAttached(ctx context.Context, digest, reviewRef string) error {
	return markReviewAttached(ctx, s.db, digest, reviewRef)
}

func markReviewAttached(ctx context.Context, q querier, digest, reviewRef string) error {
	tag, err := q.Exec(ctx, `
		UPDATE sdc_codes
		SET is_used = TRUE, review_ref = $2, claim_token = '',
		    used_at = COALESCE(used_at, NOW()), updated_at = NOW()
		WHERE digest = $1 AND review_ref = ''
	`, digest, reviewRef)
	if err != nil {
		return fmt.Errorf("repository: attaching review: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := scanSDC(q.QueryRow(ctx, `SELECT `+sdcColumns+` FROM sdc_codes WHERE digest = $1`, digest))
	if err != nil {
		return err
	}
	if current.ReviewRef == reviewRef {
		return nil
	}
	return sdc.ErrAlreadyUsed
}

func (s *PostgresStore) RecordRegistrationAttempt(ctx context.Context, digest, lastErr string) (int, error) {
	var attempts int
	err := s.db.QueryRow(ctx, `
		UPDATE sdc_codes
		SET registration_attempts = registration_attempts + 1, last_registration_error = $2, updated_at = NOW()
		WHERE digest = $1
		RETURNING registration_attempts
	`, digest, lastErr).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, sdc.ErrSDCNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("repository: recording registration attempt: %w", err)
	}
	return attempts, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, digest string) (*sdc.SecureDigitalCode, error) {
	return scanSDC(s.db.QueryRow(ctx, `SELECT `+sdcColumns+` FROM sdc_codes WHERE digest = $1`, digest))
}

func (s *PostgresStore) LookupByOrderProduct(ctx context.Context, orderID, productID string) (*sdc.SecureDigitalCode, error) {
	return scanSDC(s.db.QueryRow(ctx,
		`SELECT `+sdcColumns+` FROM sdc_codes WHERE order_id = $1 AND product_id = $2`,
		orderID, productID))
}

func (s *PostgresStore) ListForUserProduct(ctx context.Context, userID, productID string) ([]*sdc.SecureDigitalCode, error) {
	return collectSDCs(s.db.Query(ctx,
		`SELECT `+sdcColumns+` FROM sdc_codes WHERE user_id = $1 AND product_id = $2 ORDER BY issued_at`,
		userID, productID))
}

func (s *PostgresStore) ListUnregistered(ctx context.Context, issuedBefore time.Time, limit int) ([]*sdc.SecureDigitalCode, error) {
	return collectSDCs(s.db.Query(ctx,
		`SELECT `+sdcColumns+` FROM sdc_codes WHERE NOT is_registered AND issued_at < $1 ORDER BY issued_at LIMIT $2`,
		issuedBefore, limit))
}

func (s *PostgresStore) ListPendingClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]*sdc.SecureDigitalCode, error) {
	return collectSDCs(s.db.Query(ctx,
		`SELECT `+sdcColumns+` FROM sdc_codes WHERE is_used AND review_ref = '' AND claimed_at < $1 ORDER BY claimed_at LIMIT $2`,
		claimedBefore, limit))
}

func scanReview(row pgx.Row) (*sdc.Review, error) {
	var r sdc.Review
	err := row.Scan(&r.ID, &r.SDCDigest, &r.ProductID, &r.UserID, &r.Rating, &r.Comment, &r.ContentRef,
		&r.LedgerTxRef, &r.LedgerReviewID, &r.Verified, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sdc.ErrReviewNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateReview(ctx context.Context, r *sdc.Review) error {
	return createReview(ctx, s.db, r)
}

func createReview(ctx context.Context, q querier, r *sdc.Review) error {
	_, err := q.Exec(ctx, `
		INSERT INTO reviews (id, sdc_digest, product_id, user_id, rating, comment, content_ref,
		                     ledger_tx_ref, ledger_review_id, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.ID, r.SDCDigest, r.ProductID, r.UserID, r.Rating, r.Comment, r.ContentRef,
		r.LedgerTxRef, r.LedgerReviewID, r.Verified, r.CreatedAt)
	if constraint, ok := uniqueViolation(err); ok {
		if constraint == constraintReviewPrimary || constraint == constraintReviewSDCDigest {
			existing, lookupErr := scanReview(q.QueryRow(ctx,
				`SELECT `+reviewColumns+` FROM reviews WHERE sdc_digest = $1`, r.SDCDigest))
			if lookupErr == nil && existing.ID == r.ID {
				log.Info().Str("review_id", r.ID).Msg("ℹ️ [IDEMPOTENCY] review already stored")
				return nil
			}
		}
		return sdc.ErrReviewExists
	}
	if err != nil {
		return fmt.Errorf("repository: creating review: %w", err)
	}
	return nil
}

// CommitReview grava a review e finaliza o SDC na mesma transação.
func (s *PostgresStore) CommitReview(ctx context.Context, r *sdc.Review) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: beginning commit: %w", err)
	}
	defer tx.Rollback(ctx)

	// trava a linha do SDC até o commit
	var reviewRef string
	err = tx.QueryRow(ctx, `SELECT review_ref FROM sdc_codes WHERE digest = $1 FOR UPDATE`, r.SDCDigest).Scan(&reviewRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return sdc.ErrSDCNotFound
	}
	if err != nil {
		return fmt.Errorf("repository: locking sdc: %w", err)
	}
	switch reviewRef {
	case r.ID:
		return nil
	case "":
	default:
		return sdc.ErrAlreadyUsed
	}

	if err := createReview(ctx, tx, r); err != nil {
		return err
	}
	if err := markReviewAttached(ctx, tx, r.SDCDigest, r.ID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository: committing review: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReviewByDigest(ctx context.Context, digest string) (*sdc.Review, error) {
	return scanReview(s.db.QueryRow(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE sdc_digest = $1`, digest))
}

func (s *PostgresStore) ListReviewsByProduct(ctx context.Context, productID string, limit, offset int) ([]*sdc.Review, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE product_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, productID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("repository: listing reviews: %w", err)
	}
	defer rows.Close()

	var out []*sdc.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountReviewsByProduct(ctx context.Context, productID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM reviews WHERE product_id = $1`, productID).Scan(&n)
	return n, err
}

func (s *PostgresStore) RecordReconciliation(ctx context.Context, rec *sdc.ReconciliationRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO reconciliation_records (id, digest, kind, detail, ledger_tx_ref, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.Digest, string(rec.Kind), rec.Detail, rec.LedgerTxRef, rec.Status, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: recording reconciliation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOpenReconciliations(ctx context.Context, limit int) ([]*sdc.ReconciliationRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+reconciliationColumns+` FROM reconciliation_records
		WHERE status = 'open'
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: listing reconciliations: %w", err)
	}
	defer rows.Close()

	var out []*sdc.ReconciliationRecord
	for rows.Next() {
		var rec sdc.ReconciliationRecord
		var kind string
		if err := rows.Scan(&rec.ID, &rec.Digest, &kind, &rec.Detail, &rec.LedgerTxRef,
			&rec.Status, &rec.Resolution, &rec.CreatedAt, &rec.ResolvedAt); err != nil {
			return nil, err
		}
		rec.Kind = sdc.ReconciliationKind(kind)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolveReconciliation(ctx context.Context, id, resolution string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE reconciliation_records
		SET status = 'resolved', resolution = $2, resolved_at = NOW()
		WHERE id = $1 AND status = 'open'
	`, id, resolution)
	if err != nil {
		return fmt.Errorf("repository: resolving reconciliation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reconciliation_records WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return sdc.ErrReconciliationNotFound
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close(context.Context) error {
	s.db.Close()
	return nil
}
