package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/rtbf"
)

func TestBlockList(t *testing.T) {
	client, _ := setupTestRedis(t)
	blocks := NewBlockList(client, NewKeyspace("test"))
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	blocked, err := blocks.IsBlocked(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, blocked)

	added, err := blocks.Block(ctx, "user-1", now)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = blocks.Block(ctx, "user-1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, added)

	blocked, err = blocks.IsBlocked(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestRequestStore(t *testing.T) {
	client, _ := setupTestRedis(t)
	store := NewRequestStore(client, NewKeyspace("test"))
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.Get(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))

	first := &rtbf.Request{
		ID:        "RTBF_1",
		SubjectID: "user-1",
		Status:    rtbf.StatusCompleted,
		CreatedAt: base,
		LayerStatus: map[string]rtbf.StepResult{
			"cache_layer": {Status: rtbf.StepCompleted, RecordsAffected: 2},
		},
		Certificate: &rtbf.Certificate{RequestID: "RTBF_1", SubjectID: "user-1", CertificateHash: "abc"},
	}
	second := &rtbf.Request{ID: "RTBF_2", SubjectID: "user-1", Status: rtbf.StatusPartial, CreatedAt: base.Add(time.Hour)}
	other := &rtbf.Request{ID: "RTBF_3", SubjectID: "user-2", Status: rtbf.StatusPending, CreatedAt: base.Add(2 * time.Hour)}
	for _, r := range []*rtbf.Request{first, second, other} {
		require.NoError(t, store.Save(ctx, r))
	}

	got, err := store.Get(ctx, "RTBF_1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.LayerStatus["cache_layer"].RecordsAffected)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "RTBF_3", all[0].ID)

	partial, err := store.List(ctx, rtbf.StatusPartial)
	require.NoError(t, err)
	require.Len(t, partial, 1)
	assert.Equal(t, "RTBF_2", partial[0].ID)

	latest, err := store.LatestCompleted(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", latest.Certificate.CertificateHash)

	_, err = store.LatestCompleted(ctx, "user-2")
	assert.True(t, errors.IsNotFound(err))

	second.Status = rtbf.StatusCompleted
	second.Certificate = &rtbf.Certificate{RequestID: "RTBF_2", CertificateHash: "def"}
	require.NoError(t, store.Save(ctx, second))
	latest, err = store.LatestCompleted(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "def", latest.Certificate.CertificateHash)
}

func TestSubjectPurger(t *testing.T) {
	client, mr := setupTestRedis(t)
	keys := NewKeyspace("test")
	purger := NewSubjectPurger(client, keys, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, mr.Set(keys.SubjectCache("user-1", "consent"), "{}"))
	require.NoError(t, mr.Set(keys.SubjectCache("user-1", "profile"), "{}"))
	require.NoError(t, mr.Set(keys.SubjectCache("user-10", "consent"), "{}"))
	require.NoError(t, mr.Set(keys.budget("user-1"), "{}"))

	assert.Equal(t, rtbf.LayerCache, purger.Layer())
	res, err := purger.Purge(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecordsAffected)

	assert.False(t, mr.Exists(keys.SubjectCache("user-1", "consent")))
	assert.True(t, mr.Exists(keys.SubjectCache("user-10", "consent")))
	assert.True(t, mr.Exists(keys.budget("user-1")), "budget is erased by the analytics layer")

	res, err = purger.Purge(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, res.RecordsAffected)
}
