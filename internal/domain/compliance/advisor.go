package compliance

import (
	"strings"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
)

// Assessment is the merged view of every regime that applies to a request.
type Assessment struct {
	Regimes         []Regime     `json:"regimes"`
	Strictness      float64      `json:"strictness_score"`
	Requirements    Requirements `json:"requirements"`
	RequiredActions []string     `json:"required_actions"`
}

// Advisor maps a request location to privacy regimes. Its output is
// informational and never changes an access decision.
type Advisor struct{}

func NewAdvisor() *Advisor { return &Advisor{} }

// Regimes returns the regimes applying at location.
func (a *Advisor) Regimes(location string) []Regime {
	if rs, ok := locationRegimes[strings.ToUpper(strings.TrimSpace(location))]; ok {
		return rs
	}
	return strictestCombination
}

// Assess evaluates req. consentGranted reports whether the subject
// consented to the request's purpose.
func (a *Advisor) Assess(req access.Request, consentGranted bool) Assessment {
	rs := a.Regimes(string(req.Jurisdiction))
	out := Assessment{Regimes: rs, RequiredActions: []string{}}
	for _, r := range rs {
		info := regimes[r]
		out.Requirements = merge(out.Requirements, info.requirements)
		out.Strictness = max(out.Strictness, info.strictness)
	}

	reqs := out.Requirements
	if reqs.ConsentRequired && !consentGranted {
		out.RequiredActions = append(out.RequiredActions, "obtain subject consent before processing")
	}
	if reqs.ExplicitForSensitive && req.DataSensitivity == access.SensitivityHigh {
		out.RequiredActions = append(out.RequiredActions, "record explicit consent for sensitive data")
	}
	if reqs.DataMinimization && req.DataSensitivity == access.SensitivityHigh {
		out.RequiredActions = append(out.RequiredActions, "limit the query to strictly necessary fields")
	}
	if reqs.PurposeLimitation == PurposeLimitStrict && !strictPurposeAllowed(req.Purpose) {
		out.RequiredActions = append(out.RequiredActions, "document a lawful basis for purpose "+string(req.Purpose))
	}
	if reqs.ProfilingOptOut && req.Purpose == access.PurposeProfiling {
		out.RequiredActions = append(out.RequiredActions, "honor profiling opt-out requests")
	}
	if reqs.CrossBorderRestrictions && req.Role == access.RoleExternal {
		out.RequiredActions = append(out.RequiredActions, "verify transfer safeguards for external recipients")
	}
	return out
}

// Advise condenses an assessment for attaching to a decision.
func (a *Advisor) Advise(req access.Request, consentGranted bool) *access.Advisory {
	as := a.Assess(req, consentGranted)
	laws := make([]string, len(as.Regimes))
	for i, r := range as.Regimes {
		laws[i] = string(r)
	}
	return &access.Advisory{ApplicableLaws: laws, RequiredActions: as.RequiredActions}
}

func strictPurposeAllowed(p access.Purpose) bool {
	switch p {
	case access.PurposeAnalytics, access.PurposeResearch, access.PurposeCompliance,
		access.PurposeAudit, access.PurposeOperations, access.PurposeFraudDetection:
		return true
	}
	return false
}
