package audit

import (
	"fmt"
	"sort"
)

// BreakType categorizes a detected chain break.
type BreakType string

const (
	BreakTypeHashMismatch     BreakType = "hash_mismatch"
	BreakTypeMissingPrevious  BreakType = "missing_previous"
	BreakTypeSequenceGap      BreakType = "sequence_gap"
	BreakTypeTimestampReverse BreakType = "timestamp_reverse"
)

// ChainBreak describes one place where the chain does not hold.
type ChainBreak struct {
	EventID      string    `json:"event_id"`
	Sequence     int64     `json:"sequence"`
	BreakType    BreakType `json:"break_type"`
	ExpectedHash string    `json:"expected_hash,omitempty"`
	ActualHash   string    `json:"actual_hash,omitempty"`
	Description  string    `json:"description"`
}

// ChainVerificationResult summarizes a verification pass.
type ChainVerificationResult struct {
	IsValid        bool          `json:"is_valid"`
	EventsVerified int           `json:"events_verified"`
	StartSequence  int64         `json:"start_sequence,omitempty"`
	EndSequence    int64         `json:"end_sequence,omitempty"`
	HeadHash       string        `json:"head_hash,omitempty"`
	ChainBreaks    []*ChainBreak `json:"chain_breaks,omitempty"`
}

// VerifyChain checks that events form an unbroken chain: consecutive
// sequence numbers, non-decreasing timestamps, each PreviousHash equal to
// the prior Hash and each Hash matching the event content. Events are
// sorted by sequence first; the input slice is not modified.
func VerifyChain(events []Event) *ChainVerificationResult {
	result := &ChainVerificationResult{IsValid: true}
	if len(events) == 0 {
		return result
	}

	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	result.StartSequence = sorted[0].Sequence
	result.EndSequence = sorted[len(sorted)-1].Sequence

	addBreak := func(b *ChainBreak) {
		result.IsValid = false
		result.ChainBreaks = append(result.ChainBreaks, b)
	}

	for i, e := range sorted {
		result.EventsVerified++

		if i > 0 {
			prev := sorted[i-1]
			if e.Sequence != prev.Sequence+1 {
				addBreak(&ChainBreak{
					EventID:     e.ID.String(),
					Sequence:    e.Sequence,
					BreakType:   BreakTypeSequenceGap,
					Description: fmt.Sprintf("expected sequence %d, got %d", prev.Sequence+1, e.Sequence),
				})
			}
			if e.Timestamp.Before(prev.Timestamp) {
				addBreak(&ChainBreak{
					EventID:     e.ID.String(),
					Sequence:    e.Sequence,
					BreakType:   BreakTypeTimestampReverse,
					Description: "event timestamp is before previous event",
				})
			}
			if e.PreviousHash != prev.Hash {
				addBreak(&ChainBreak{
					EventID:      e.ID.String(),
					Sequence:     e.Sequence,
					BreakType:    BreakTypeMissingPrevious,
					ExpectedHash: prev.Hash,
					ActualHash:   e.PreviousHash,
					Description:  "previous hash does not link to prior event",
				})
			}
		}

		computed, err := e.ComputeHash()
		if err != nil || computed != e.Hash {
			addBreak(&ChainBreak{
				EventID:      e.ID.String(),
				Sequence:     e.Sequence,
				BreakType:    BreakTypeHashMismatch,
				ExpectedHash: computed,
				ActualHash:   e.Hash,
				Description:  "event content does not match its hash",
			})
		}
	}

	result.HeadHash = sorted[len(sorted)-1].Hash
	return result
}
