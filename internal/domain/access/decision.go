package access

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the final verdict for a request.
type Outcome string

const (
	Allow Outcome = "ALLOW"
	Deny  Outcome = "DENY"
)

// Stage names, in evaluation order.
const (
	StageBlockList = "block_list"
	StagePolicy    = "policy"
	StageConsent   = "consent"
	StageRisk      = "risk"
	StageBudget    = "budget"
)

// StageStatus is the outcome of one evaluation stage.
type StageStatus string

const (
	StagePassed       StageStatus = "passed"
	StageFailed       StageStatus = "failed"
	StageNotEvaluated StageStatus = "not_evaluated"
)

// StageResult records what one stage concluded.
type StageResult struct {
	Name   string      `json:"name"`
	Status StageStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// PolicyChecks is the per-check breakdown of the policy stage.
type PolicyChecks struct {
	Evaluated           bool   `json:"evaluated"`
	Allowed             bool   `json:"allowed"`
	Reason              string `json:"reason,omitempty"`
	RoleValid           bool   `json:"role_valid"`
	PurposeAllowed      bool   `json:"purpose_allowed"`
	JurisdictionAllowed bool   `json:"jurisdiction_allowed"`
	SensitivityAllowed  bool   `json:"sensitivity_allowed"`
}

// AnyFailed reports whether at least one of the four checks is false.
func (c PolicyChecks) AnyFailed() bool {
	return !(c.RoleValid && c.PurposeAllowed && c.JurisdictionAllowed && c.SensitivityAllowed)
}

// ConsentStatus is the consent stage outcome as reported on a decision.
type ConsentStatus struct {
	Status          StageStatus `json:"status"`
	Granted         bool        `json:"granted"`
	Reason          string      `json:"reason,omitempty"`
	GrantedPurposes []string    `json:"granted_purposes"`
}

// BudgetOutcome is attached when a decision also charged a privacy budget.
type BudgetOutcome struct {
	Allowed         bool      `json:"allowed"`
	Reason          string    `json:"reason"`
	AlertLevel      string    `json:"alert_level"`
	QueryCost       float64   `json:"query_cost"`
	BudgetRemaining float64   `json:"budget_remaining"`
	BudgetTotal     float64   `json:"budget_total"`
	WindowResetsAt  time.Time `json:"window_resets_at"`
}

// MaskingOutcome is attached when an allowed decision returned masked data.
type MaskingOutcome struct {
	Level   string                 `json:"level"`
	Data    map[string]interface{} `json:"data"`
	Details map[string]FieldMask   `json:"details"`
}

// FieldMask describes how one field was transformed.
type FieldMask struct {
	FieldType         string `json:"field_type"`
	Strategy          string `json:"strategy"`
	OriginalPreserved bool   `json:"original_preserved"`
}

// Advisory carries jurisdiction guidance. It never changes the outcome.
type Advisory struct {
	ApplicableLaws  []string `json:"applicable_laws"`
	RequiredActions []string `json:"required_actions,omitempty"`
}

// Decision is produced once per request and never mutated after it has
// been handed to the audit sink.
type Decision struct {
	ID            uuid.UUID       `json:"id"`
	RequesterID   string          `json:"requester_id"`
	SubjectID     string          `json:"subject_id"`
	Decision      Outcome         `json:"decision"`
	Reason        string          `json:"reason"`
	RiskScore     float64         `json:"risk_score"`
	Timestamp     time.Time       `json:"timestamp"`
	PolicyChecks  PolicyChecks    `json:"policy_checks"`
	ConsentStatus ConsentStatus   `json:"consent_status"`
	Stages        []StageResult   `json:"stages"`
	Budget        *BudgetOutcome  `json:"budget,omitempty"`
	Masking       *MaskingOutcome `json:"masking,omitempty"`
	Advisory      *Advisory       `json:"advisory,omitempty"`
}

// Allowed is shorthand for Decision == Allow.
func (d *Decision) Allowed() bool { return d.Decision == Allow }

// Stage returns the named stage result.
func (d *Decision) Stage(name string) (StageResult, bool) {
	for _, s := range d.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}
