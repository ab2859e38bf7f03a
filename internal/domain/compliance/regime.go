package compliance

// Regime is a privacy law the gateway knows requirements for.
type Regime string

const (
	GDPR   Regime = "GDPR"
	UKGDPR Regime = "UK_GDPR"
	CCPA   Regime = "CCPA"
	DPDP   Regime = "DPDP"
	LGPD   Regime = "LGPD"
	PDPA   Regime = "PDPA"
)

// PurposeLimitation orders how tightly a regime binds processing purposes.
type PurposeLimitation int

const (
	PurposeLimitNone PurposeLimitation = iota
	PurposeLimitModerate
	PurposeLimitStrict
)

func (p PurposeLimitation) String() string {
	switch p {
	case PurposeLimitModerate:
		return "moderate"
	case PurposeLimitStrict:
		return "strict"
	}
	return "none"
}

func (p PurposeLimitation) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Requirements are the obligations a regime imposes. Zero
// BreachNotificationHours or ErasureDeadlineDays means the law sets no
// fixed figure.
type Requirements struct {
	ConsentRequired         bool              `json:"consent_required"`
	ExplicitForSensitive    bool              `json:"explicit_consent_for_sensitive"`
	RightToErasure          bool              `json:"right_to_erasure"`
	DataPortability         bool              `json:"data_portability"`
	BreachNotificationHours int               `json:"breach_notification_hours,omitempty"`
	ErasureDeadlineDays     int               `json:"erasure_deadline_days,omitempty"`
	DPORequired             bool              `json:"dpo_required"`
	CrossBorderRestrictions bool              `json:"cross_border_restrictions"`
	ProfilingOptOut         bool              `json:"profiling_opt_out"`
	PurposeLimitation       PurposeLimitation `json:"purpose_limitation"`
	DataMinimization        bool              `json:"data_minimization"`
}

type regimeInfo struct {
	strictness   float64
	requirements Requirements
}

var regimes = map[Regime]regimeInfo{
	GDPR: {0.95, Requirements{
		ConsentRequired: true, ExplicitForSensitive: true, RightToErasure: true,
		DataPortability: true, BreachNotificationHours: 72, ErasureDeadlineDays: 30,
		DPORequired: true, CrossBorderRestrictions: true, ProfilingOptOut: true,
		PurposeLimitation: PurposeLimitStrict, DataMinimization: true,
	}},
	UKGDPR: {0.93, Requirements{
		ConsentRequired: true, ExplicitForSensitive: true, RightToErasure: true,
		DataPortability: true, BreachNotificationHours: 72, ErasureDeadlineDays: 30,
		DPORequired: true, CrossBorderRestrictions: true, ProfilingOptOut: true,
		PurposeLimitation: PurposeLimitStrict, DataMinimization: true,
	}},
	CCPA: {0.75, Requirements{
		RightToErasure: true, DataPortability: true, ErasureDeadlineDays: 45,
		ProfilingOptOut: true, PurposeLimitation: PurposeLimitModerate,
	}},
	DPDP: {0.85, Requirements{
		ConsentRequired: true, ExplicitForSensitive: true, RightToErasure: true,
		DPORequired: true, CrossBorderRestrictions: true,
		PurposeLimitation: PurposeLimitStrict, DataMinimization: true,
	}},
	LGPD: {0.80, Requirements{
		ConsentRequired: true, ExplicitForSensitive: true, RightToErasure: true,
		DataPortability: true, ErasureDeadlineDays: 15, DPORequired: true,
		CrossBorderRestrictions: true, PurposeLimitation: PurposeLimitModerate,
		DataMinimization: true,
	}},
	PDPA: {0.70, Requirements{
		ConsentRequired: true, DataPortability: true, BreachNotificationHours: 72,
		DPORequired: true, CrossBorderRestrictions: true,
		PurposeLimitation: PurposeLimitModerate,
	}},
}

// locationRegimes maps request locations to regimes. Locations not listed
// get the strictest combination.
var locationRegimes = map[string][]Regime{
	"EU": {GDPR},
	"UK": {UKGDPR},
	"GB": {UKGDPR},
	"US": {CCPA},
	"IN": {DPDP},
	"BR": {LGPD},
	"SG": {PDPA},
}

var strictestCombination = []Regime{GDPR, DPDP}

// merge folds b into a keeping the stricter side of every requirement.
func merge(a, b Requirements) Requirements {
	a.ConsentRequired = a.ConsentRequired || b.ConsentRequired
	a.ExplicitForSensitive = a.ExplicitForSensitive || b.ExplicitForSensitive
	a.RightToErasure = a.RightToErasure || b.RightToErasure
	a.DataPortability = a.DataPortability || b.DataPortability
	a.DPORequired = a.DPORequired || b.DPORequired
	a.CrossBorderRestrictions = a.CrossBorderRestrictions || b.CrossBorderRestrictions
	a.ProfilingOptOut = a.ProfilingOptOut || b.ProfilingOptOut
	a.DataMinimization = a.DataMinimization || b.DataMinimization
	a.BreachNotificationHours = shortest(a.BreachNotificationHours, b.BreachNotificationHours)
	a.ErasureDeadlineDays = shortest(a.ErasureDeadlineDays, b.ErasureDeadlineDays)
	if b.PurposeLimitation > a.PurposeLimitation {
		a.PurposeLimitation = b.PurposeLimitation
	}
	return a
}

func shortest(a, b int) int {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	}
	return min(a, b)
}
