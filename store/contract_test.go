package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/skiunel/buysewa-sub001/sdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercita o comportamento comum a todos os backends.
// Os identificadores são únicos por execução para dispensar limpeza.
func runStoreContract(t *testing.T, s Store) {
	t.Helper()

	issue := func(t *testing.T, registered bool) *sdc.SecureDigitalCode {
		t.Helper()
		ctx := context.Background()
		run := uuid.NewString()
		code := sdc.NewSecureDigitalCode("user-"+run, "order-"+run, "product-"+run,
			"ABCDE-FGHJK-MNPQR-STVWX", "0x"+run)
		require.NoError(t, s.Issue(ctx, code))
		if registered {
			require.NoError(t, s.MarkRegistered(ctx, code.Digest, "tx-"+run))
		}
		return code
	}

	t.Run("issue rejects duplicate order product", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		code := issue(t, false)
		dup := sdc.NewSecureDigitalCode(code.UserID, code.OrderID, code.ProductID, "ZZZZZ-ZZZZZ-ZZZZZ-ZZZZZ", "0x"+uuid.NewString())

		// Act
		err := s.Issue(ctx, dup)

		// Assert
		assert.ErrorIs(t, err, sdc.ErrDuplicateIssuance)
	})

	t.Run("issue rejects digest collision", func(t *testing.T) {
		ctx := context.Background()
		code := issue(t, false)
		other := sdc.NewSecureDigitalCode(code.UserID, "order-"+uuid.NewString(), code.ProductID, "ZZZZZ-ZZZZZ-ZZZZZ-ZZZZZ", code.Digest)

		assert.ErrorIs(t, s.Issue(ctx, other), sdc.ErrDigestCollision)
	})

	t.Run("lookup and lookup by order product", func(t *testing.T) {
		ctx := context.Background()
		code := issue(t, false)

		byDigest, err := s.Lookup(ctx, code.Digest)
		require.NoError(t, err)
		byPair, err := s.LookupByOrderProduct(ctx, code.OrderID, code.ProductID)
		require.NoError(t, err)

		assert.Equal(t, code.Digest, byPair.Digest)
		assert.Equal(t, "STVWX", byDigest.CodeHint)
		assert.False(t, byDigest.IsRegisteredOnLedger)
		assert.Equal(t, sdc.StateGenerated, byDigest.State())

		_, err = s.Lookup(ctx, "0xmissing-"+uuid.NewString())
		assert.ErrorIs(t, err, sdc.ErrSDCNotFound)
	})

	t.Run("claim requires registration", func(t *testing.T) {
		code := issue(t, false)

		_, err := s.ClaimForRedemption(context.Background(), code.Digest)

		assert.ErrorIs(t, err, sdc.ErrNotRegistered)
	})

	t.Run("claim twice fails with already used", func(t *testing.T) {
		ctx := context.Background()
		code := issue(t, true)

		claimed, err := s.ClaimForRedemption(ctx, code.Digest)
		require.NoError(t, err)
		_, err = s.ClaimForRedemption(ctx, code.Digest)

		assert.True(t, claimed.IsUsed)
		assert.NotEmpty(t, claimed.ClaimToken)
		assert.NotNil(t, claimed.ClaimedAt)
		assert.ErrorIs(t, err, sdc.ErrAlreadyUsed)
	})

	t.Run("claim of unknown digest", func(t *testing.T) {
		_, err := s.ClaimForRedemption(context.Background(), "0xmissing-"+uuid.NewString())
		assert.ErrorIs(t, err, sdc.ErrSDCNotFound)
	})

	t.Run("exactly one concurrent claim succeeds", func(t *testing.T) {
		// Arrange
		code := issue(t, true)
		const workers = 16
		var wins, used atomic.Int32
		var wg sync.WaitGroup

		// Act
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ClaimForRedemption(context.Background(), code.Digest)
				switch {
				case err == nil:
					wins.Add(1)
				case assert.ErrorIs(t, err, sdc.ErrAlreadyUsed):
					used.Add(1)
				}
			}()
		}
		wg.Wait()

		// Assert
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(workers-1), used.Load())
	})

	t.Run("release restores redeemability", func(t *testing.T) {
		ctx := context.Background()
		code := issue(t, true)
		claimed, err := s.ClaimForRedemption(ctx, code.Digest)
		require.NoError(t, err)

		assert.ErrorIs(t, s.ReleaseClaim(ctx, code.Digest, "not-my-token"), sdc.ErrClaimNotHeld)
		require.NoError(t, s.ReleaseClaim(ctx, code.Digest, claimed.ClaimToken))
		require.NoError(t, s.ReleaseClaim(ctx, code.Digest, claimed.ClaimToken))

		current, err := s.Lookup(ctx, code.Digest)
		require.NoError(t, err)
		assert.True(t, current.Redeemable())
		assert.Empty(t, current.ClaimToken)
	})

	t.Run("commit review consumes the code", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		code := issue(t, true)
		claimed, err := s.ClaimForRedemption(ctx, code.Digest)
		require.NoError(t, err)
		review := sdc.NewReview(uuid.NewString(), code.Digest, code.ProductID, code.UserID, 4, "good", "sha3-abc")
		require.NoError(t, review.MarkVerified("tx-review", "7"))

		// Act
		require.NoError(t, s.CommitReview(ctx, review))
		again := s.CommitReview(ctx, review)

		// Assert
		assert.NoError(t, again)
		current, err := s.Lookup(ctx, code.Digest)
		require.NoError(t, err)
		assert.True(t, current.IsUsed)
		assert.Equal(t, review.ID, current.ReviewRef)
		assert.NotNil(t, current.UsedAt)
		assert.ErrorIs(t, s.ReleaseClaim(ctx, code.Digest, claimed.ClaimToken), sdc.ErrClaimNotHeld)

		stored, err := s.GetReviewByDigest(ctx, code.Digest)
		require.NoError(t, err)
		assert.True(t, stored.Verified)
		assert.Equal(t, "7", stored.LedgerReviewID)

		other := sdc.NewReview(uuid.NewString(), code.Digest, code.ProductID, code.UserID, 1, "again", "sha3-def")
		require.NoError(t, other.MarkVerified("tx-other", "8"))
		assert.ErrorIs(t, s.CommitReview(ctx, other), sdc.ErrAlreadyUsed)
	})

	t.Run("mark registered is monotonic", func(t *testing.T) {
		ctx := context.Background()
		code := issue(t, false)

		require.NoError(t, s.MarkRegistered(ctx, code.Digest, "tx-1"))
		require.NoError(t, s.MarkRegistered(ctx, code.Digest, "tx-2"))

		current, err := s.Lookup(ctx, code.Digest)
		require.NoError(t, err)
		assert.Equal(t, "tx-1", current.LedgerTxRef)
		assert.Equal(t, sdc.StateRegistered, current.State())
	})

	t.Run("registration attempts accumulate", func(t *testing.T) {
		ctx := context.Background()
		code := issue(t, false)

		n1, err := s.RecordRegistrationAttempt(ctx, code.Digest, "ledger unavailable")
		require.NoError(t, err)
		n2, err := s.RecordRegistrationAttempt(ctx, code.Digest, "ledger unavailable again")
		require.NoError(t, err)

		current, err := s.Lookup(ctx, code.Digest)
		require.NoError(t, err)
		assert.Equal(t, 1, n1)
		assert.Equal(t, 2, n2)
		assert.Equal(t, "ledger unavailable again", current.LastRegistrationError)
	})

	t.Run("discard frees the order product pair", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		code := issue(t, false)

		// Act
		require.NoError(t, s.DiscardUnregistered(ctx, code.Digest))
		again := s.DiscardUnregistered(ctx, code.Digest)

		// Assert
		assert.NoError(t, again)
		_, err := s.Lookup(ctx, code.Digest)
		assert.ErrorIs(t, err, sdc.ErrSDCNotFound)
		reissued := sdc.NewSecureDigitalCode(code.UserID, code.OrderID, code.ProductID, "ZZZZZ-ZZZZZ-ZZZZZ-WWWWW", "0x"+uuid.NewString())
		assert.NoError(t, s.Issue(ctx, reissued))
	})

	t.Run("discard keeps registered codes", func(t *testing.T) {
		ctx := context.Background()
		code := issue(t, true)

		assert.ErrorIs(t, s.DiscardUnregistered(ctx, code.Digest), sdc.ErrAlreadyRegistered)
		_, err := s.Lookup(ctx, code.Digest)
		assert.NoError(t, err)
	})

	t.Run("list for user product returns every state", func(t *testing.T) {
		ctx := context.Background()
		first := issue(t, true)
		second := sdc.NewSecureDigitalCode(first.UserID, "order-"+uuid.NewString(), first.ProductID, "ZZZZZ-ZZZZZ-ZZZZZ-YYYYY", "0x"+uuid.NewString())
		require.NoError(t, s.Issue(ctx, second))

		codes, err := s.ListForUserProduct(ctx, first.UserID, first.ProductID)

		require.NoError(t, err)
		assert.Len(t, codes, 2)
	})

	t.Run("list unregistered and pending claims", func(t *testing.T) {
		ctx := context.Background()
		pending := issue(t, false)
		claimed := issue(t, true)
		_, err := s.ClaimForRedemption(ctx, claimed.Digest)
		require.NoError(t, err)
		future := time.Now().Add(time.Hour)

		unregistered, err := s.ListUnregistered(ctx, future, 1000)
		require.NoError(t, err)
		claims, err := s.ListPendingClaims(ctx, future, 1000)
		require.NoError(t, err)

		assert.True(t, containsDigest(unregistered, pending.Digest))
		assert.False(t, containsDigest(unregistered, claimed.Digest))
		assert.True(t, containsDigest(claims, claimed.Digest))

		past, err := s.ListPendingClaims(ctx, time.Now().Add(-time.Hour), 1000)
		require.NoError(t, err)
		assert.False(t, containsDigest(past, claimed.Digest))
	})

	t.Run("reviews by product newest first", func(t *testing.T) {
		ctx := context.Background()
		productID := "product-" + uuid.NewString()
		var ids []string
		for i := range 3 {
			code := sdc.NewSecureDigitalCode("user", fmt.Sprintf("order-%d-%s", i, uuid.NewString()), productID, "ABCDE-FGHJK-MNPQR-STVWX", "0x"+uuid.NewString())
			require.NoError(t, s.Issue(ctx, code))
			require.NoError(t, s.MarkRegistered(ctx, code.Digest, "tx"))
			_, err := s.ClaimForRedemption(ctx, code.Digest)
			require.NoError(t, err)
			r := sdc.NewReview(uuid.NewString(), code.Digest, productID, "user", i+1, "", "ref")
			r.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute).Truncate(time.Millisecond)
			require.NoError(t, r.MarkVerified("tx", fmt.Sprint(i)))
			require.NoError(t, s.CommitReview(ctx, r))
			ids = append(ids, r.ID)
		}

		page, err := s.ListReviewsByProduct(ctx, productID, 2, 0)
		require.NoError(t, err)
		rest, err := s.ListReviewsByProduct(ctx, productID, 2, 2)
		require.NoError(t, err)
		count, err := s.CountReviewsByProduct(ctx, productID)
		require.NoError(t, err)

		require.Len(t, page, 2)
		require.Len(t, rest, 1)
		assert.Equal(t, ids[2], page[0].ID)
		assert.Equal(t, ids[1], page[1].ID)
		assert.Equal(t, ids[0], rest[0].ID)
		assert.Equal(t, 3, count)
	})

	t.Run("reconciliation lifecycle", func(t *testing.T) {
		ctx := context.Background()
		code := issue(t, true)
		rec := sdc.NewReconciliationRecord(uuid.NewString(), code.Digest, sdc.ReconcileReviewTxUnconfirmed, "timeout", "tx-pending")

		require.NoError(t, s.RecordReconciliation(ctx, rec))
		require.NoError(t, s.RecordReconciliation(ctx, rec))
		open, err := s.ListOpenReconciliations(ctx, 1000)
		require.NoError(t, err)
		assert.Equal(t, 1, countRecords(open, rec.ID))

		require.NoError(t, s.ResolveReconciliation(ctx, rec.ID, "confirmed later"))
		require.NoError(t, s.ResolveReconciliation(ctx, rec.ID, "confirmed later"))
		open, err = s.ListOpenReconciliations(ctx, 1000)
		require.NoError(t, err)
		assert.Zero(t, countRecords(open, rec.ID))

		assert.ErrorIs(t, s.ResolveReconciliation(ctx, uuid.NewString(), "x"), sdc.ErrReconciliationNotFound)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func containsDigest(codes []*sdc.SecureDigitalCode, digest string) bool {
	for _, c := range codes {
		if c.Digest == digest {
			return true
		}
	}
	return false
}

func countRecords(recs []*sdc.ReconciliationRecord, id string) int {
	n := 0
	for _, r := range recs {
		if r.ID == id {
			n++
		}
	}
	return n
}
