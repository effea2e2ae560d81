package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDocumentKeyIsDeterministic(t *testing.T) {
	require.Equal(t, DocumentKey("GRN", "GRN-1"), DocumentKey("GRN", "GRN-1"))
	require.NotEqual(t, DocumentKey("GRN", "GRN-1"), DocumentKey("DISPATCH", "GRN-1"))
}

func TestMemoryIdempotencyClaimRelease(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryIdempotency()
	require.NoError(t, m.Claim(ctx, "production.grn", "k1"))
	require.ErrorIs(t, m.Claim(ctx, "production.grn", "k1"), ErrIdempotencyConflict)
	require.NoError(t, m.Claim(ctx, "production.dispatch", "k1"))

	require.NoError(t, m.Release(ctx, "production.grn", "k1"))
	require.NoError(t, m.Claim(ctx, "production.grn", "k1"))

	require.Error(t, m.Claim(ctx, "", "k2"))
	require.Error(t, m.Claim(ctx, "production.grn", ""))
}
