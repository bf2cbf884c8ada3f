package router

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveTierDefaults(t *testing.T) {
	r := New("1.0")

	free, err := r.Resolve(RequestClaims{AccessLevel: "free"})
	require.NoError(t, err)
	require.Equal(t, "cheap", free.PoolID)

	pro, err := r.Resolve(RequestClaims{AccessLevel: "pro"})
	require.NoError(t, err)
	require.Equal(t, "fast-code", pro.PoolID)
}

func TestResolveSpecificityOrder(t *testing.T) {
	r := New("1.0")

	// Explicit pool claim beats tier default.
	res, err := r.Resolve(RequestClaims{AccessLevel: "free", PoolID: "frontier"})
	require.NoError(t, err)
	require.Equal(t, "frontier", res.PoolID)

	// Ensemble strategy beats explicit pool claim.
	res, err = r.Resolve(RequestClaims{AccessLevel: "free", PoolID: "cheap", EnsembleStrategy: "best_of_n"})
	require.NoError(t, err)
	require.Equal(t, "frontier", res.PoolID)
	require.Equal(t, 3, res.Parallelism)

	// BYOK beats everything.
	res, err = r.Resolve(RequestClaims{AccessLevel: "free", EnsembleStrategy: "best_of_n", BYOK: true})
	require.NoError(t, err)
	require.Equal(t, "byok-passthrough", res.PoolID)
}

func TestResolveUnknownAccessLevel(t *testing.T) {
	r := New("1.0")
	_, err := r.Resolve(RequestClaims{AccessLevel: "nonexistent"})
	require.Error(t, err)
}
