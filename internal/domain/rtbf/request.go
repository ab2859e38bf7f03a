package rtbf

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

// Layer is a data store the erasure workflow purges.
type Layer string

const (
	LayerPrimaryDatabase Layer = "primary_database"
	LayerCache           Layer = "cache_layer"
	LayerSearchIndex     Layer = "search_index"
	LayerMLModels        Layer = "ml_models"
	LayerAnalytics       Layer = "analytics_store"
	LayerAuditLogs       Layer = "audit_logs"
	LayerBackups         Layer = "backups"
	LayerThirdParties    Layer = "third_parties"
)

// StepConsentRegistry is the non-layer step that clears consent before
// purges begin. It is reported alongside layers.
const StepConsentRegistry = "consent_registry"

// ScopeAll selects every layer.
const ScopeAll = "all"

// AllLayers lists layers in purge-report order.
func AllLayers() []Layer {
	return []Layer{
		LayerPrimaryDatabase, LayerCache, LayerSearchIndex, LayerMLModels,
		LayerAnalytics, LayerAuditLogs, LayerBackups, LayerThirdParties,
	}
}

func (l Layer) IsValid() bool {
	return slices.Contains(AllLayers(), l)
}

// ParseScope resolves requested layer names. Empty or "all" selects every
// layer; duplicates collapse.
func ParseScope(scope []string) ([]Layer, error) {
	if len(scope) == 0 || slices.Contains(scope, ScopeAll) {
		return AllLayers(), nil
	}
	out := make([]Layer, 0, len(scope))
	for _, s := range scope {
		l := Layer(strings.TrimSpace(s))
		if !l.IsValid() {
			return nil, errors.NewValidationError("INVALID_SCOPE", fmt.Sprintf("unknown data layer %q", s))
		}
		if !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out, nil
}

// Status is the lifecycle state of an erasure request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusFailed
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// StepStatus is the outcome of one purge step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepResult is what one layer (or the consent step) reported.
type StepResult struct {
	Status          StepStatus             `json:"status"`
	RecordsAffected int                    `json:"records_affected"`
	Error           string                 `json:"error,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// Request is one erasure run.
type Request struct {
	ID            string                `json:"request_id"`
	SubjectID     string                `json:"subject_id"`
	RequestedBy   string                `json:"requested_by,omitempty"`
	Reason        string                `json:"reason"`
	Scope         []string              `json:"scope"`
	Status        Status                `json:"status"`
	LayerStatus   map[string]StepResult `json:"layer_status"`
	AccessBlocked bool                  `json:"access_blocked"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Certificate   *Certificate          `json:"deletion_certificate,omitempty"`
}

// NewRequestID derives "RTBF_" plus 16 hex chars from subject and time.
func NewRequestID(subjectID string, now time.Time) string {
	sum := sha256.Sum256([]byte(subjectID + ":" + strconv.FormatInt(now.UnixNano(), 10)))
	return "RTBF_" + hex.EncodeToString(sum[:])[:16]
}

// DetermineStatus folds step outcomes into the request status.
func DetermineStatus(steps map[string]StepResult) Status {
	completed, failed := 0, 0
	for _, r := range steps {
		if r.Status == StepCompleted {
			completed++
		} else {
			failed++
		}
	}
	switch {
	case completed > 0 && failed == 0:
		return StatusCompleted
	case completed > 0:
		return StatusPartial
	}
	return StatusFailed
}
