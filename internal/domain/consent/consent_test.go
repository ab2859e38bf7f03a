package consent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

func TestRecord_GrantAndRevoke(t *testing.T) {
	now := time.Now()
	r := Record{SubjectID: "s1"}

	r = r.WithGranted(now, access.PurposeAnalytics, access.PurposeResearch, access.PurposeAnalytics)
	assert.Equal(t, []access.Purpose{access.PurposeAnalytics, access.PurposeResearch}, r.Purposes)
	assert.True(t, r.Has(access.PurposeResearch))

	r = r.WithGranted(now, access.PurposeReporting)
	assert.Equal(t, []string{"analytics", "research", "reporting"}, r.PurposeStrings())

	revoked := r.WithRevoked(now, access.PurposeResearch)
	assert.Equal(t, []access.Purpose{access.PurposeAnalytics, access.PurposeReporting}, revoked.Purposes)
	assert.True(t, r.Has(access.PurposeResearch), "original record is not mutated")
}

func TestRecord_NilHasNothing(t *testing.T) {
	var r *Record
	assert.False(t, r.Has(access.PurposeAnalytics))
	assert.Empty(t, r.PurposeStrings())
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "s1")
	assert.True(t, errors.IsNotFound(err))

	rec := Record{SubjectID: "s1", Purposes: []access.Purpose{access.PurposeAnalytics}}
	ok, err := s.CompareAndSwap(ctx, 0, &rec)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CompareAndSwap(ctx, 0, &rec)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	existed, err := s.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, existed)
}
