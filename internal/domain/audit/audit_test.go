package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendEvents(t *testing.T, l *MemoryLog, n int, subject string) []Event {
	t.Helper()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	start := len(l.events)
	var out []Event
	for i := 0; i < n; i++ {
		e, err := NewEvent(KindDecision, subject, subject, "ALLOW", "all checks passed",
			map[string]interface{}{"subject_id": subject, "i": i}, base.Add(time.Duration(start+i)*time.Second))
		require.NoError(t, err)
		sealed, err := l.Append(context.Background(), e)
		require.NoError(t, err)
		out = append(out, sealed)
	}
	return out
}

func TestMemoryLog_AppendChainsEvents(t *testing.T) {
	l := NewMemoryLog()
	events := appendEvents(t, l, 3, "s1")

	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Empty(t, events[0].PreviousHash)
	assert.Equal(t, events[0].Hash, events[1].PreviousHash)
	assert.Equal(t, events[1].Hash, events[2].PreviousHash)

	result, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, 3, result.EventsVerified)
	assert.Equal(t, events[2].Hash, result.HeadHash)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	l := NewMemoryLog()
	events := appendEvents(t, l, 4, "s1")

	tests := []struct {
		name     string
		mutate   func([]Event) []Event
		expected BreakType
	}{
		{
			name: "altered outcome",
			mutate: func(e []Event) []Event {
				e[1].Outcome = "DENY"
				return e
			},
			expected: BreakTypeHashMismatch,
		},
		{
			name: "removed event",
			mutate: func(e []Event) []Event {
				return append(e[:1:1], e[2:]...)
			},
			expected: BreakTypeSequenceGap,
		},
		{
			name: "relinked event",
			mutate: func(e []Event) []Event {
				e[2].PreviousHash = e[0].Hash
				return e
			},
			expected: BreakTypeMissingPrevious,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := tt.mutate(append([]Event(nil), events...))
			result := VerifyChain(tampered)
			require.False(t, result.IsValid)

			var types []BreakType
			for _, b := range result.ChainBreaks {
				types = append(types, b.BreakType)
			}
			assert.Contains(t, types, tt.expected)
		})
	}
}

func TestMemoryLog_AnonymizeRedactsReadsOnly(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	appendEvents(t, l, 2, "s1")
	appendEvents(t, l, 1, "s2")

	n, err := l.Anonymize(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	listed, err := l.List(ctx, Filter{Kind: KindDecision})
	require.NoError(t, err)
	require.Len(t, listed, 3)

	assert.Equal(t, "s2", listed[0].SubjectID)
	for _, e := range listed[1:] {
		assert.Equal(t, Pseudonym("s1"), e.SubjectID)
		assert.Equal(t, Pseudonym("s1"), e.RequesterID)
		assert.JSONEq(t, `{"redacted":true}`, string(e.Payload))
	}

	result, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, result.IsValid, "anonymization must not break the chain")

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.ByOutcome["ALLOW"])
	assert.Equal(t, 1, stats.Redacted)
}

func TestMemoryLog_ListFilters(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	appendEvents(t, l, 5, "s1")
	appendEvents(t, l, 2, "s2")

	got, err := l.List(ctx, Filter{SubjectID: "s1", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Sequence)
	assert.Equal(t, int64(3), got[1].Sequence)
}

func TestNewEvent_RejectsUnknownKind(t *testing.T) {
	_, err := NewEvent("weird", "s", "r", "x", "", nil, time.Now())
	assert.Error(t, err)
}

func TestMemoryLog_AppendKeepsTimestampsMonotonic(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// stamped first, appended second
	late, err := NewEvent(KindRTBFLayer, "s1", "s1", "success", "", nil, base.Add(time.Millisecond))
	require.NoError(t, err)
	early, err := NewEvent(KindRTBFLayer, "s1", "s1", "success", "", nil, base)
	require.NoError(t, err)

	first, err := l.Append(ctx, late)
	require.NoError(t, err)
	second, err := l.Append(ctx, early)
	require.NoError(t, err)

	assert.Equal(t, first.Timestamp, second.Timestamp)
	result, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Empty(t, result.ChainBreaks)
}

func TestMemoryLog_ConcurrentAppendVerifies(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	const writers = 8
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				// reverse order so later appends often carry earlier stamps
				at := base.Add(time.Duration(writers*25-w*25-i) * time.Millisecond)
				e, err := NewEvent(KindRTBFLayer, fmt.Sprintf("s%d", w), "rtbf", "success", "", nil, at)
				if !assert.NoError(t, err) {
					return
				}
				_, err = l.Append(ctx, e)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	result, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, writers*25, result.EventsVerified)
}
