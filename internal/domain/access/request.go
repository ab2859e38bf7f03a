package access

import (
	"strings"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

// Role is the caller's authenticated role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleAnalyst  Role = "analyst"
	RoleExternal Role = "external"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleAnalyst, RoleExternal:
		return true
	}
	return false
}

// Purpose is the declared reason for a data access.
type Purpose string

const (
	PurposeMarketing      Purpose = "marketing"
	PurposeAITraining     Purpose = "ai_training"
	PurposeProfiling      Purpose = "profiling"
	PurposeResearch       Purpose = "research"
	PurposeAnalytics      Purpose = "analytics"
	PurposeReporting      Purpose = "reporting"
	PurposeFraudDetection Purpose = "fraud_detection"
	PurposeCompliance     Purpose = "compliance"
	PurposeOperations     Purpose = "operations"
	PurposeAudit          Purpose = "audit"
)

var knownPurposes = map[Purpose]bool{
	PurposeMarketing:      true,
	PurposeAITraining:     true,
	PurposeProfiling:      true,
	PurposeResearch:       true,
	PurposeAnalytics:      true,
	PurposeReporting:      true,
	PurposeFraudDetection: true,
	PurposeCompliance:     true,
	PurposeOperations:     true,
	PurposeAudit:          true,
}

func (p Purpose) IsValid() bool { return knownPurposes[p] }

// Purposes returns every known purpose.
func Purposes() []Purpose {
	return []Purpose{
		PurposeMarketing, PurposeAITraining, PurposeProfiling, PurposeResearch,
		PurposeAnalytics, PurposeReporting, PurposeFraudDetection,
		PurposeCompliance, PurposeOperations, PurposeAudit,
	}
}

// Jurisdiction is the legal location the data is accessed from.
type Jurisdiction string

const (
	JurisdictionUS     Jurisdiction = "US"
	JurisdictionEU     Jurisdiction = "EU"
	JurisdictionUK     Jurisdiction = "UK"
	JurisdictionGlobal Jurisdiction = "GLOBAL"
)

func (j Jurisdiction) IsValid() bool {
	switch j {
	case JurisdictionUS, JurisdictionEU, JurisdictionUK, JurisdictionGlobal:
		return true
	}
	return false
}

// Sensitivity orders data classes from least to most sensitive.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Rank returns 1..3 for known levels and 0 otherwise.
func (s Sensitivity) Rank() int {
	switch s {
	case SensitivityLow:
		return 1
	case SensitivityMedium:
		return 2
	case SensitivityHigh:
		return 3
	}
	return 0
}

func (s Sensitivity) IsValid() bool { return s.Rank() > 0 }

// Request is a single inbound data-access request. It is never mutated
// after construction.
type Request struct {
	RequesterID     string       `json:"requester_id"`
	SubjectID       string       `json:"subject_id,omitempty"`
	Role            Role         `json:"role"`
	Purpose         Purpose      `json:"purpose"`
	Jurisdiction    Jurisdiction `json:"location"`
	DataSensitivity Sensitivity  `json:"data_sensitivity"`
}

// Subject returns the data subject the request concerns. Requests without
// an explicit subject are about the requester.
func (r Request) Subject() string {
	if s := strings.TrimSpace(r.SubjectID); s != "" {
		return s
	}
	return strings.TrimSpace(r.RequesterID)
}

// Validate rejects requests that cannot be attributed. Enum values are not
// checked here; unknown values are a policy outcome, not an input error.
func (r Request) Validate() error {
	if strings.TrimSpace(r.RequesterID) == "" {
		return errors.NewValidationError("MISSING_REQUESTER", "requester_id is required")
	}
	return nil
}
