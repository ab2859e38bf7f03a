package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RecordsWithoutProvider(t *testing.T) {
	r, err := NewRegistry("pdg-test")
	require.NoError(t, err)

	ctx := context.Background()
	r.RecordDecision(ctx, 1.5, "ALLOW", "risk")
	r.RecordBudgetCheck(ctx, true, "ok", 0.05)
	r.RecordBudgetCheck(ctx, false, "exhausted", 0.5)
	r.RecordTokenEvent(ctx, "issued", 1)
	r.RecordTokenEvent(ctx, "destroyed", -1)
	r.RecordTokenEvent(ctx, "destroyed", -1)
	r.RecordRTBFLayer(ctx, "cache_layer", "completed", 12)
	r.RecordRTBFRequest(ctx, "completed")
	r.IncrementBlockedSubjects()
	r.RecordMaskedField(ctx, "heavy", "synthetic")

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Equal(t, int64(0), r.activeTokens)
	assert.Equal(t, int64(1), r.blockedSubjects)
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		ctx := context.Background()
		r.RecordDecision(ctx, 1, "DENY", "policy")
		r.RecordBudgetCheck(ctx, false, "exhausted", 1)
		r.RecordTokenEvent(ctx, "issued", 1)
		r.RecordRTBFRequest(ctx, "failed")
		r.IncrementBlockedSubjects()
	})
}
