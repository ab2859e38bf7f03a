// Package policy implements the fixed role-based access table. Evaluation is
// pure: the same request always yields the same result.
package policy

import (
	"fmt"
	"strings"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
)

// Rule is one row of the access table.
type Rule struct {
	Purposes       map[access.Purpose]bool
	Jurisdictions  map[access.Jurisdiction]bool
	MaxSensitivity access.Sensitivity
	AllPurposes    bool
	AllLocations   bool
}

func (r Rule) allowsPurpose(p access.Purpose) bool {
	return p.IsValid() && (r.AllPurposes || r.Purposes[p])
}

func (r Rule) allowsJurisdiction(j access.Jurisdiction) bool {
	return j.IsValid() && (r.AllLocations || r.Jurisdictions[j])
}

func (r Rule) allowsSensitivity(s access.Sensitivity) bool {
	return s.IsValid() && s.Rank() <= r.MaxSensitivity.Rank()
}

// Table maps each role to its rule.
type Table map[access.Role]Rule

// DefaultTable returns the built-in access table.
func DefaultTable() Table {
	return Table{
		access.RoleAdmin: {
			AllPurposes:    true,
			AllLocations:   true,
			MaxSensitivity: access.SensitivityHigh,
		},
		access.RoleAnalyst: {
			Purposes: map[access.Purpose]bool{
				access.PurposeAnalytics: true,
				access.PurposeResearch:  true,
				access.PurposeReporting: true,
			},
			Jurisdictions: map[access.Jurisdiction]bool{
				access.JurisdictionUS: true,
				access.JurisdictionEU: true,
				access.JurisdictionUK: true,
			},
			MaxSensitivity: access.SensitivityMedium,
		},
		access.RoleExternal: {
			Purposes:       map[access.Purpose]bool{access.PurposeReporting: true},
			Jurisdictions:  map[access.Jurisdiction]bool{access.JurisdictionUS: true},
			MaxSensitivity: access.SensitivityLow,
		},
	}
}

// Checks is the four-way breakdown of a policy evaluation.
type Checks struct {
	RoleValid           bool `json:"role_valid"`
	PurposeAllowed      bool `json:"purpose_allowed"`
	JurisdictionAllowed bool `json:"jurisdiction_allowed"`
	SensitivityAllowed  bool `json:"sensitivity_allowed"`
}

// Result is the output of Evaluate.
type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Checks  Checks `json:"checks"`
}

// Engine evaluates requests against a Table.
type Engine struct {
	table Table
}

// NewEngine returns an engine over table, or over DefaultTable when nil.
func NewEngine(table Table) *Engine {
	if table == nil {
		table = DefaultTable()
	}
	return &Engine{table: table}
}

// Evaluate computes every check and returns their conjunction. Unknown enum
// values fail the corresponding check and are named in the reason.
func (e *Engine) Evaluate(req access.Request) Result {
	rule, roleKnown := e.table[req.Role]
	roleKnown = roleKnown && req.Role.IsValid()

	checks := Checks{RoleValid: roleKnown}
	if roleKnown {
		checks.PurposeAllowed = rule.allowsPurpose(req.Purpose)
		checks.JurisdictionAllowed = rule.allowsJurisdiction(req.Jurisdiction)
		checks.SensitivityAllowed = rule.allowsSensitivity(req.DataSensitivity)
	}

	allowed := checks.RoleValid && checks.PurposeAllowed &&
		checks.JurisdictionAllowed && checks.SensitivityAllowed

	return Result{
		Allowed: allowed,
		Reason:  reason(req, checks, allowed),
		Checks:  checks,
	}
}

func reason(req access.Request, c Checks, allowed bool) string {
	if allowed {
		return "policy compliant"
	}

	var unknown []string
	if !req.Role.IsValid() {
		unknown = append(unknown, fmt.Sprintf("role=%q", req.Role))
	}
	if !req.Purpose.IsValid() {
		unknown = append(unknown, fmt.Sprintf("purpose=%q", req.Purpose))
	}
	if !req.Jurisdiction.IsValid() {
		unknown = append(unknown, fmt.Sprintf("location=%q", req.Jurisdiction))
	}
	if !req.DataSensitivity.IsValid() {
		unknown = append(unknown, fmt.Sprintf("data_sensitivity=%q", req.DataSensitivity))
	}
	if len(unknown) > 0 {
		return "unknown value: " + strings.Join(unknown, ", ")
	}

	var failed []string
	if !c.RoleValid {
		failed = append(failed, fmt.Sprintf("role %s has no access rule", req.Role))
	}
	if !c.PurposeAllowed {
		failed = append(failed, fmt.Sprintf("purpose %s not permitted for role %s", req.Purpose, req.Role))
	}
	if !c.JurisdictionAllowed {
		failed = append(failed, fmt.Sprintf("location %s not permitted for role %s", req.Jurisdiction, req.Role))
	}
	if !c.SensitivityAllowed {
		failed = append(failed, fmt.Sprintf("%s sensitivity exceeds role %s limit", req.DataSensitivity, req.Role))
	}
	return strings.Join(failed, "; ")
}
