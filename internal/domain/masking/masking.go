package masking

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/davidleathers/privacy-decision-gateway/internal/clock"
)

// Level is the masking intensity chosen from a risk score.
type Level string

const (
	LevelNone     Level = "none"
	LevelLight    Level = "light"
	LevelModerate Level = "moderate"
	LevelHeavy    Level = "heavy"
	LevelFull     Level = "full"
)

// LevelFor maps a risk score onto fixed bands. Out-of-range and NaN scores
// fall to the nearest conservative band.
func LevelFor(score float64) Level {
	switch {
	case math.IsNaN(score) || score >= 0.8:
		return LevelFull
	case score >= 0.6:
		return LevelHeavy
	case score >= 0.4:
		return LevelModerate
	case score >= 0.2:
		return LevelLight
	}
	return LevelNone
}

func (l Level) rung() int {
	switch l {
	case LevelLight:
		return 0
	case LevelModerate:
		return 1
	case LevelHeavy:
		return 2
	case LevelFull:
		return 3
	}
	return -1
}

// Strategy names a value transformation.
type Strategy string

const (
	StrategyNone         Strategy = "none"
	StrategyHash         Strategy = "hash"
	StrategyPartial      Strategy = "partial"
	StrategyDomainOnly   Strategy = "domain_only"
	StrategySynthetic    Strategy = "synthetic"
	StrategyRedact       Strategy = "redact"
	StrategyInitials     Strategy = "initials"
	StrategyPseudonym    Strategy = "pseudonym"
	StrategyCityOnly     Strategy = "city_only"
	StrategyRegionOnly   Strategy = "region_only"
	StrategyYearOnly     Strategy = "year_only"
	StrategyAgeRange     Strategy = "age_range"
	StrategySubnet       Strategy = "subnet"
	StrategyLastFour     Strategy = "last_four"
	StrategyCategoryOnly Strategy = "category_only"
	StrategyRange        Strategy = "range"
)

// GenericType is assumed for fields without a declared type.
const GenericType = "generic"

// ladders lists strategies from light to full; levels past the end clamp
// to the last rung.
var ladders = map[string][]Strategy{
	"email":       {StrategyHash, StrategyDomainOnly, StrategySynthetic, StrategyRedact},
	"phone":       {StrategyPartial, StrategyHash, StrategySynthetic, StrategyRedact},
	"ssn":         {StrategyPartial, StrategyHash, StrategyRedact},
	"name":        {StrategyInitials, StrategyPseudonym, StrategySynthetic, StrategyRedact},
	"address":     {StrategyCityOnly, StrategyRegionOnly, StrategySynthetic, StrategyRedact},
	"dob":         {StrategyYearOnly, StrategyAgeRange, StrategySynthetic, StrategyRedact},
	"ip_address":  {StrategySubnet, StrategyHash, StrategySynthetic, StrategyRedact},
	"credit_card": {StrategyLastFour, StrategyHash, StrategyRedact},
	"medical":     {StrategyCategoryOnly, StrategySynthetic, StrategyRedact},
	"financial":   {StrategyRange, StrategySynthetic, StrategyRedact},
	GenericType:   {StrategyPartial, StrategyHash, StrategySynthetic, StrategyRedact},
}

// KnownType reports whether fieldType has a strategy ladder.
func KnownType(fieldType string) bool {
	_, ok := ladders[fieldType]
	return ok
}

// StrategyFor picks the strategy for a field type at a level. Undeclared
// types get redact at heavy and full, hash below.
func StrategyFor(fieldType string, level Level) Strategy {
	idx := level.rung()
	if idx < 0 {
		return StrategyNone
	}
	ladder, ok := ladders[fieldType]
	if !ok {
		if idx >= LevelHeavy.rung() {
			return StrategyRedact
		}
		return StrategyHash
	}
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	return ladder[idx]
}

// FieldDetail records what happened to one field.
type FieldDetail struct {
	FieldType         string   `json:"field_type"`
	Strategy          Strategy `json:"strategy"`
	OriginalPreserved bool     `json:"original_preserved"`
}

// Result is the masked copy of the input.
type Result struct {
	Data      map[string]interface{} `json:"data"`
	Level     Level                  `json:"level"`
	RiskScore float64                `json:"risk_score"`
	Details   map[string]FieldDetail `json:"details"`
}

// Engine applies risk-adaptive masking. It is safe for concurrent use.
type Engine struct {
	clock clock.Clock
	mu    sync.Mutex
	rng   *rand.Rand
}

// NewEngine builds an engine. A nil rng seeds a random source; tests pass a
// fixed one for reproducible synthetic values.
func NewEngine(clk clock.Clock, rng *rand.Rand) *Engine {
	if clk == nil {
		clk = clock.System()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Engine{clock: clk, rng: rng}
}

// Mask transforms every field of data. The input map is not modified.
func (e *Engine) Mask(data map[string]interface{}, fieldTypes map[string]string, riskScore float64) Result {
	level := LevelFor(riskScore)
	res := Result{
		Data:      make(map[string]interface{}, len(data)),
		Level:     level,
		RiskScore: riskScore,
		Details:   make(map[string]FieldDetail, len(data)),
	}

	for field, value := range data {
		fieldType, ok := fieldTypes[field]
		if !ok || fieldType == "" {
			fieldType = GenericType
		}
		strategy := StrategyFor(fieldType, level)
		if strategy == StrategyNone {
			res.Data[field] = value
			res.Details[field] = FieldDetail{FieldType: fieldType, Strategy: StrategyNone, OriginalPreserved: true}
			continue
		}
		res.Data[field] = e.apply(value, fieldType, strategy)
		res.Details[field] = FieldDetail{FieldType: fieldType, Strategy: strategy}
	}
	return res
}
