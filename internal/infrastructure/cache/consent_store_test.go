package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/consent"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

func record(subjectID string, purposes ...access.Purpose) *consent.Record {
	return &consent.Record{
		SubjectID:   subjectID,
		Purposes:    purposes,
		LastUpdated: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestConsentStore(t *testing.T) {
	client, _ := setupTestRedis(t)
	store := NewConsentStore(client, NewKeyspace("test"))
	ctx := context.Background()

	_, err := store.Get(ctx, "user-1")
	assert.True(t, errors.IsNotFound(err))

	ok, err := store.CompareAndSwap(ctx, 0, record("user-1", access.PurposeAnalytics))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompareAndSwap(ctx, 0, record("user-1", access.PurposeMarketing))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, []access.Purpose{access.PurposeAnalytics}, got.Purposes)

	existed, err := store.Delete(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = store.Delete(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, existed)
}

type countingConsentStore struct {
	mock.Mock
	*consent.MemoryStore
}

func (c *countingConsentStore) Get(ctx context.Context, subjectID string) (*consent.Record, error) {
	c.Called(subjectID)
	return c.MemoryStore.Get(ctx, subjectID)
}

func TestCachedConsentStore_ReadThrough(t *testing.T) {
	client, mr := setupTestRedis(t)
	keys := NewKeyspace("test")
	backing := &countingConsentStore{MemoryStore: consent.NewMemoryStore()}
	backing.On("Get", "user-1").Return()
	cached := NewCachedConsentStore(backing, client, keys, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := cached.Get(ctx, "user-1")
	assert.True(t, errors.IsNotFound(err))
	assert.False(t, mr.Exists(keys.SubjectCache("user-1", "consent")))

	ok, err := cached.CompareAndSwap(ctx, 0, record("user-1", access.PurposeAnalytics))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(keys.SubjectCache("user-1", "consent")), "write-through fills the cache")

	for i := 0; i < 3; i++ {
		got, err := cached.Get(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
	}
	backing.AssertNumberOfCalls(t, "Get", 1)

	ok, err = cached.CompareAndSwap(ctx, 0, record("user-1"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(keys.SubjectCache("user-1", "consent")), "failed CAS drops the entry")

	got, err := cached.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	backing.AssertNumberOfCalls(t, "Get", 2)

	existed, err := cached.Delete(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.False(t, mr.Exists(keys.SubjectCache("user-1", "consent")))
}
