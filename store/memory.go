package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skiunel/buysewa-sub001/sdc"
)

// MemoryStore implementa Store em memória (testes e desenvolvimento local).
// Um único mutex torna cada operação atômica, inclusive o claim.
type MemoryStore struct {
	mu              sync.Mutex
	codes           map[string]*sdc.SecureDigitalCode
	byOrderProduct  map[string]string
	reviews         map[string]*sdc.Review // digest -> review
	reviewIDs       map[string]string      // id -> digest
	reconciliations map[string]*sdc.ReconciliationRecord
	recOrder        []string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore cria uma nova instância de MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codes:           make(map[string]*sdc.SecureDigitalCode),
		byOrderProduct:  make(map[string]string),
		reviews:         make(map[string]*sdc.Review),
		reviewIDs:       make(map[string]string),
		reconciliations: make(map[string]*sdc.ReconciliationRecord),
	}
}

func orderProductKey(orderID, productID string) string {
	return orderID + "\x00" + productID
}

func cloneCode(c *sdc.SecureDigitalCode) *sdc.SecureDigitalCode {
	cp := *c
	return &cp
}

func cloneReview(r *sdc.Review) *sdc.Review {
	cp := *r
	return &cp
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}

func (s *MemoryStore) Issue(_ context.Context, code *sdc.SecureDigitalCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[code.Digest]; ok {
		return sdc.ErrDigestCollision
	}
	key := orderProductKey(code.OrderID, code.ProductID)
	if _, ok := s.byOrderProduct[key]; ok {
		return sdc.ErrDuplicateIssuance
	}
	s.codes[code.Digest] = cloneCode(code)
	s.byOrderProduct[key] = code.Digest
	return nil
}

func (s *MemoryStore) ClaimForRedemption(_ context.Context, digest string) (*sdc.SecureDigitalCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[digest]
	if !ok {
		return nil, sdc.ErrSDCNotFound
	}
	if c.IsUsed || !c.IsRegisteredOnLedger {
		return nil, classifyUnclaimable(c)
	}
	c.IsUsed = true
	c.ClaimToken = uuid.NewString()
	c.ClaimedAt = now()
	c.UpdatedAt = *c.ClaimedAt
	return cloneCode(c), nil
}

func (s *MemoryStore) ReleaseClaim(_ context.Context, digest, claimToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[digest]
	if !ok {
		return sdc.ErrSDCNotFound
	}
	if !c.IsUsed {
		return nil
	}
	if c.ClaimToken != claimToken || c.ReviewRef != "" {
		return sdc.ErrClaimNotHeld
	}
	c.IsUsed = false
	c.ClaimToken = ""
	c.ClaimedAt = nil
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkRegistered(_ context.Context, digest, ledgerTxRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[digest]
	if !ok {
		return sdc.ErrSDCNotFound
	}
	if c.IsRegisteredOnLedger {
		return nil
	}
	c.IsRegisteredOnLedger = true
	c.LedgerTxRef = ledgerTxRef
	c.RegisteredAt = now()
	c.LastRegistrationError = ""
	c.UpdatedAt = *c.RegisteredAt
	return nil
}

func (s *MemoryStore) DiscardUnregistered(_ context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[digest]
	if !ok {
		return nil
	}
	if c.IsRegisteredOnLedger {
		return sdc.ErrAlreadyRegistered
	}
	if c.IsUsed {
		return sdc.ErrAlreadyUsed
	}
	delete(s.codes, digest)
	delete(s.byOrderProduct, orderProductKey(c.OrderID, c.ProductID))
	return nil
}

func (s *MemoryStore) MarkReviewAttached(_ context.Context, digest, reviewRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachLocked(digest, reviewRef)
}

func (s *MemoryStore) attachLocked(digest, reviewRef string) error {
	c, ok := s.codes[digest]
	if !ok {
		return sdc.ErrSDCNotFound
	}
	if c.ReviewRef != "" {
		if c.ReviewRef == reviewRef {
			return nil
		}
		return sdc.ErrAlreadyUsed
	}
	c.IsUsed = true
	c.ReviewRef = reviewRef
	c.ClaimToken = ""
	if c.UsedAt == nil {
		c.UsedAt = now()
	}
	c.UpdatedAt = *c.UsedAt
	return nil
}

func (s *MemoryStore) RecordRegistrationAttempt(_ context.Context, digest, lastErr string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[digest]
	if !ok {
		return 0, sdc.ErrSDCNotFound
	}
	c.RegistrationAttempts++
	c.LastRegistrationError = lastErr
	c.UpdatedAt = time.Now().UTC()
	return c.RegistrationAttempts, nil
}

func (s *MemoryStore) Lookup(_ context.Context, digest string) (*sdc.SecureDigitalCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[digest]
	if !ok {
		return nil, sdc.ErrSDCNotFound
	}
	return cloneCode(c), nil
}

func (s *MemoryStore) LookupByOrderProduct(_ context.Context, orderID, productID string) (*sdc.SecureDigitalCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	digest, ok := s.byOrderProduct[orderProductKey(orderID, productID)]
	if !ok {
		return nil, sdc.ErrSDCNotFound
	}
	return cloneCode(s.codes[digest]), nil
}

func (s *MemoryStore) filter(match func(*sdc.SecureDigitalCode) bool, less func(a, b *sdc.SecureDigitalCode) bool, limit int) []*sdc.SecureDigitalCode {
	var out []*sdc.SecureDigitalCode
	for _, c := range s.codes {
		if match(c) {
			out = append(out, cloneCode(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) ListForUserProduct(_ context.Context, userID, productID string) ([]*sdc.SecureDigitalCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(
		func(c *sdc.SecureDigitalCode) bool { return c.UserID == userID && c.ProductID == productID },
		func(a, b *sdc.SecureDigitalCode) bool { return a.IssuedAt.Before(b.IssuedAt) },
		0,
	), nil
}

func (s *MemoryStore) ListUnregistered(_ context.Context, issuedBefore time.Time, limit int) ([]*sdc.SecureDigitalCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(
		func(c *sdc.SecureDigitalCode) bool { return !c.IsRegisteredOnLedger && c.IssuedAt.Before(issuedBefore) },
		func(a, b *sdc.SecureDigitalCode) bool { return a.IssuedAt.Before(b.IssuedAt) },
		limit,
	), nil
}

func (s *MemoryStore) ListPendingClaims(_ context.Context, claimedBefore time.Time, limit int) ([]*sdc.SecureDigitalCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(
		func(c *sdc.SecureDigitalCode) bool {
			return c.ClaimPending() && c.ClaimedAt != nil && c.ClaimedAt.Before(claimedBefore)
		},
		func(a, b *sdc.SecureDigitalCode) bool { return a.ClaimedAt.Before(*b.ClaimedAt) },
		limit,
	), nil
}

func (s *MemoryStore) CreateReview(_ context.Context, review *sdc.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createReviewLocked(review)
}

func (s *MemoryStore) createReviewLocked(review *sdc.Review) error {
	if existing, ok := s.reviews[review.SDCDigest]; ok {
		if existing.ID == review.ID {
			return nil
		}
		return sdc.ErrReviewExists
	}
	if _, ok := s.reviewIDs[review.ID]; ok {
		return sdc.ErrReviewExists
	}
	s.reviews[review.SDCDigest] = cloneReview(review)
	s.reviewIDs[review.ID] = review.SDCDigest
	return nil
}

func (s *MemoryStore) CommitReview(_ context.Context, review *sdc.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[review.SDCDigest]
	if !ok {
		return sdc.ErrSDCNotFound
	}
	if c.ReviewRef != "" && c.ReviewRef != review.ID {
		return sdc.ErrAlreadyUsed
	}
	if err := s.createReviewLocked(review); err != nil {
		return err
	}
	return s.attachLocked(review.SDCDigest, review.ID)
}

func (s *MemoryStore) GetReviewByDigest(_ context.Context, digest string) (*sdc.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[digest]
	if !ok {
		return nil, sdc.ErrReviewNotFound
	}
	return cloneReview(r), nil
}

func (s *MemoryStore) ListReviewsByProduct(_ context.Context, productID string, limit, offset int) ([]*sdc.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sdc.Review
	for _, r := range s.reviews {
		if r.ProductID == productID {
			out = append(out, cloneReview(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountReviewsByProduct(_ context.Context, productID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reviews {
		if r.ProductID == productID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RecordReconciliation(_ context.Context, rec *sdc.ReconciliationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reconciliations[rec.ID]; ok {
		return nil
	}
	cp := *rec
	s.reconciliations[rec.ID] = &cp
	s.recOrder = append(s.recOrder, rec.ID)
	return nil
}

func (s *MemoryStore) ListOpenReconciliations(_ context.Context, limit int) ([]*sdc.ReconciliationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sdc.ReconciliationRecord
	for _, id := range s.recOrder {
		rec := s.reconciliations[id]
		if rec.Status != sdc.ReconciliationOpen {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ResolveReconciliation(_ context.Context, id, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.reconciliations[id]
	if !ok {
		return sdc.ErrReconciliationNotFound
	}
	if rec.Status == sdc.ReconciliationResolved {
		return nil
	}
	rec.Status = sdc.ReconciliationResolved
	rec.Resolution = resolution
	rec.ResolvedAt = now()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}
