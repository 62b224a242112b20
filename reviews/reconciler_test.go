package reviews

import (
	"context"
	"testing"
	"time"

	"github.com/skiunel/buysewa-sub001/content"
	"github.com/skiunel/buysewa-sub001/ledger"
	"github.com/skiunel/buysewa-sub001/sdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func later(d time.Duration) func() time.Time {
	return func() time.Time { return time.Now().Add(d) }
}

func TestReleaseOrphanedClaims_ReleasesWhenLedgerUnused(t *testing.T) {
	// Arrange: um processo caiu logo após o claim
	f := newFixture(t)
	ctx := context.Background()
	issued := f.issue(t, "O1", "P1", "U1")
	_, err := f.store.ClaimForRedemption(ctx, issued.Digest)
	require.NoError(t, err)

	// Act
	early, err := f.reconciler.ReleaseOrphanedClaims(ctx, 10*time.Minute)
	require.NoError(t, err)
	f.reconciler.now = later(time.Hour)
	handled, err := f.reconciler.ReleaseOrphanedClaims(ctx, 10*time.Minute)
	require.NoError(t, err)

	// Assert
	assert.Zero(t, early)
	assert.Equal(t, 1, handled)
	code, err := f.store.Lookup(ctx, issued.Digest)
	require.NoError(t, err)
	assert.True(t, code.Redeemable())

	review, err := f.redemption.RedeemAndReview(ctx, RedeemRequest{
		Code: issued.PlaintextCode, ProductID: "P1", UserID: "U1", Rating: 5,
	})
	require.NoError(t, err)
	assert.True(t, review.Verified)
}

func TestReleaseOrphanedClaims_CompletesFromLedger(t *testing.T) {
	// Arrange: o processo caiu depois do commit no ledger
	f := newFixture(t)
	ctx := context.Background()
	issued := f.issue(t, "O1", "P1", "U1")
	_, err := f.store.ClaimForRedemption(ctx, issued.Digest)
	require.NoError(t, err)
	ref, err := content.PutReview(ctx, f.contents, content.ReviewContent{ProductID: "P1", Rating: 4, Comment: "solid"})
	require.NoError(t, err)
	receipt, err := f.adapter.SubmitReview(ctx, issued.Digest, "P1", ref, 4)
	require.NoError(t, err)
	f.reconciler.now = later(time.Hour)

	// Act
	handled, err := f.reconciler.ReleaseOrphanedClaims(ctx, 10*time.Minute)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	review, err := f.store.GetReviewByDigest(ctx, issued.Digest)
	require.NoError(t, err)
	assert.True(t, review.Verified)
	assert.Equal(t, receipt.LedgerReviewID, review.LedgerReviewID)
	assert.Equal(t, "solid", review.Comment)
	assert.Equal(t, 4, review.Rating)

	code, err := f.store.Lookup(ctx, issued.Digest)
	require.NoError(t, err)
	assert.Equal(t, review.ID, code.ReviewRef)
}

func TestResolveOpen_CompletesConflictFromLedger(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	issued := f.issue(t, "O1", "P1", "U1")
	_, err := f.adapter.SubmitReview(ctx, issued.Digest, "P1", "sha3-missing", 3)
	require.NoError(t, err)
	_, err = f.redemption.RedeemAndReview(ctx, RedeemRequest{
		Code: issued.PlaintextCode, ProductID: "P1", UserID: "U1", Rating: 5,
	})
	require.Equal(t, KindLedgerStateConflict, KindOf(err))

	// Act
	resolved, err := f.reconciler.ResolveOpen(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	open, err := f.store.ListOpenReconciliations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	review, err := f.store.GetReviewByDigest(ctx, issued.Digest)
	require.NoError(t, err)
	assert.True(t, review.Verified)
	assert.Equal(t, 3, review.Rating)
	assert.Empty(t, review.Comment)

	_, err = f.redemption.RedeemAndReview(ctx, RedeemRequest{
		Code: issued.PlaintextCode, ProductID: "P1", UserID: "U1", Rating: 5,
	})
	assert.Equal(t, KindAlreadyRedeemed, KindOf(err))
}

func TestResolveOpen_UnconfirmedReviewLaterConfirmed(t *testing.T) {
	// Arrange
	chain, err := ledger.OpenLocalChain(ledger.LocalChainOptions{BlockInterval: time.Hour})
	require.NoError(t, err)
	cfg := fastLedgerConfig()
	cfg.ConfirmTimeout = 50 * time.Millisecond
	f := newFixtureWith(t, chain, cfg)
	ctx := context.Background()
	plaintext, digest := registerManually(t, f, "O1", "P1", "U1")
	_, err = f.redemption.RedeemAndReview(ctx, RedeemRequest{Code: plaintext, ProductID: "P1", UserID: "U1", Rating: 5, Comment: "late"})
	require.Equal(t, KindLedgerUnavailable, KindOf(err))

	// Act: dentro da carência o registro continua aberto
	early, err := f.reconciler.ResolveOpen(ctx)
	require.NoError(t, err)
	_, err = chain.Seal()
	require.NoError(t, err)
	resolved, err := f.reconciler.ResolveOpen(ctx)
	require.NoError(t, err)

	// Assert
	assert.Zero(t, early)
	assert.Equal(t, 1, resolved)
	review, err := f.store.GetReviewByDigest(ctx, digest)
	require.NoError(t, err)
	assert.True(t, review.Verified)
	assert.Equal(t, "late", review.Comment)
	code, err := f.store.Lookup(ctx, digest)
	require.NoError(t, err)
	assert.True(t, code.IsUsed)
}

func TestResolveOpen_UnconfirmedReviewNeverConfirmed(t *testing.T) {
	chain, err := ledger.OpenLocalChain(ledger.LocalChainOptions{BlockInterval: time.Hour})
	require.NoError(t, err)
	cfg := fastLedgerConfig()
	cfg.ConfirmTimeout = 20 * time.Millisecond
	f := newFixtureWith(t, chain, cfg)
	ctx := context.Background()
	plaintext, _ := registerManually(t, f, "O1", "P1", "U1")
	_, err = f.redemption.RedeemAndReview(ctx, RedeemRequest{Code: plaintext, ProductID: "P1", UserID: "U1", Rating: 5})
	require.Error(t, err)
	f.reconciler.now = later(2 * time.Hour)

	resolved, err := f.reconciler.ResolveOpen(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
}

func TestResolveOpen_RetriesExhaustedRegistration(t *testing.T) {
	// Arrange
	cfg := fastLedgerConfig()
	cfg.MaxAttempts = 1
	f := newFixtureWith(t, ledger.NewLocalChain(), cfg)
	f.backend.set(func(b *faultyBackend) { b.unavailableRegisters = 5 })
	ctx := context.Background()
	f.deliver(t, "O1", "U1", "P1")
	issued, err := f.issuance.IssueSDC(ctx, "O1", "P1", "U1")
	require.NoError(t, err)
	for range 4 {
		require.Error(t, f.issuance.RetryRegistration(ctx, issued.Digest))
	}

	// Act
	resolved, err := f.reconciler.ResolveOpen(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	code, err := f.store.Lookup(ctx, issued.Digest)
	require.NoError(t, err)
	assert.Equal(t, sdc.StateRegistered, code.State())
}

func TestRetryUnregistered_SweepsPendingCodes(t *testing.T) {
	cfg := fastLedgerConfig()
	cfg.MaxAttempts = 1
	f := newFixtureWith(t, ledger.NewLocalChain(), cfg)
	f.backend.set(func(b *faultyBackend) { b.unavailableRegisters = 2 })
	ctx := context.Background()
	f.deliver(t, "O1", "U1", "P1", "P2")
	_, err := f.issuance.IssueForOrder(ctx, "O1")
	require.NoError(t, err)

	registered, err := f.reconciler.RetryUnregistered(ctx, -time.Minute)

	require.NoError(t, err)
	assert.Equal(t, 2, registered)
	remaining, err := f.store.ListUnregistered(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAuditProduct(t *testing.T) {
	// Arrange: uma review consistente e uma só no ledger
	f := newFixture(t)
	ctx := context.Background()
	ok := f.issue(t, "O1", "P1", "U1")
	_, err := f.redemption.RedeemAndReview(ctx, RedeemRequest{Code: ok.PlaintextCode, ProductID: "P1", UserID: "U1", Rating: 5})
	require.NoError(t, err)
	lost := f.issue(t, "O2", "P1", "U2")
	_, err = f.adapter.SubmitReview(ctx, lost.Digest, "P1", "sha3-lost", 2)
	require.NoError(t, err)

	// Act
	report, err := f.reconciler.AuditProduct(ctx, "P1")

	// Assert
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assert.Equal(t, 2, report.LedgerReviews)
	assert.Equal(t, 1, report.LocalReviews)
	assert.Equal(t, []string{lost.Digest}, report.MissingLocally)
	assert.Empty(t, report.Unverified)
	assert.Empty(t, report.Mismatched)
	assert.Empty(t, report.NotOnLedger)
}

func TestRetryUnregistered_DiscardsRejectedCodes(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	stale := sdc.NewSecureDigitalCode("U1", "O1", "P1", "ABCDE-FGHJK-MNPQR-STVWX", "0xstale")
	require.NoError(t, f.store.Issue(ctx, stale))
	_, err := f.store.RecordRegistrationAttempt(ctx, stale.Digest, sdc.RegistrationRejectedPrefix+"invalid user address")
	require.NoError(t, err)

	// Act
	registered, err := f.reconciler.RetryUnregistered(ctx, -time.Minute)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 0, registered)
	remaining, err := f.store.ListUnregistered(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
