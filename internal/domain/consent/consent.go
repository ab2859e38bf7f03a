package consent

import (
	"slices"
	"time"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
)

// Record is the set of purposes a subject has consented to. Purposes keep
// grant order and contain no duplicates.
type Record struct {
	SubjectID   string           `json:"subject_id"`
	Purposes    []access.Purpose `json:"purposes"`
	LastUpdated time.Time        `json:"last_updated"`
	// Version increments on every committed write; 0 means never stored.
	Version int64 `json:"version"`
}

// Has reports whether purpose has been granted.
func (r *Record) Has(purpose access.Purpose) bool {
	if r == nil {
		return false
	}
	return slices.Contains(r.Purposes, purpose)
}

// WithGranted returns a copy with the purposes appended, skipping ones
// already present.
func (r Record) WithGranted(now time.Time, purposes ...access.Purpose) Record {
	out := slices.Clone(r.Purposes)
	for _, p := range purposes {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	r.Purposes = out
	r.LastUpdated = now
	return r
}

// WithRevoked returns a copy without the given purposes.
func (r Record) WithRevoked(now time.Time, purposes ...access.Purpose) Record {
	out := make([]access.Purpose, 0, len(r.Purposes))
	for _, p := range r.Purposes {
		if !slices.Contains(purposes, p) {
			out = append(out, p)
		}
	}
	r.Purposes = out
	r.LastUpdated = now
	return r
}

// PurposeStrings renders the purposes for responses.
func (r *Record) PurposeStrings() []string {
	if r == nil {
		return []string{}
	}
	out := make([]string, len(r.Purposes))
	for i, p := range r.Purposes {
		out[i] = string(p)
	}
	return out
}
