package store

import (
	"context"
	"testing"

	"github.com/skiunel/buysewa-sub001/sdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := NewMemoryStore()
	code := sdc.NewSecureDigitalCode("u1", "o1", "p1", "ABCDE-FGHJK-MNPQR-STVWX", "0xabc")
	require.NoError(t, s.Issue(ctx, code))

	// Act
	got, err := s.Lookup(ctx, "0xabc")
	require.NoError(t, err)
	got.IsUsed = true
	code.IsRegisteredOnLedger = true

	// Assert
	again, err := s.Lookup(ctx, "0xabc")
	require.NoError(t, err)
	assert.False(t, again.IsUsed)
	assert.False(t, again.IsRegisteredOnLedger)
}

func TestMemoryStore_ReleaseAfterAttachFails(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Issue(ctx, sdc.NewSecureDigitalCode("u1", "o1", "p1", "ABCDE-FGHJK-MNPQR-STVWX", "0xabc")))
	require.NoError(t, s.MarkRegistered(ctx, "0xabc", "tx"))
	claimed, err := s.ClaimForRedemption(ctx, "0xabc")
	require.NoError(t, err)

	require.NoError(t, s.MarkReviewAttached(ctx, "0xabc", "review-1"))
	require.NoError(t, s.MarkReviewAttached(ctx, "0xabc", "review-1"))

	assert.ErrorIs(t, s.MarkReviewAttached(ctx, "0xabc", "review-2"), sdc.ErrAlreadyUsed)
	assert.ErrorIs(t, s.ReleaseClaim(ctx, "0xabc", claimed.ClaimToken), sdc.ErrClaimNotHeld)
}
