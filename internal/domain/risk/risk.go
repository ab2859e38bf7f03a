// Package risk computes a weighted heuristic risk score for an access
// request. The engine only reports a score; thresholds are applied by the
// caller.
package risk

import (
	"math"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

// UnknownScore is the sub-score used for any value missing from a table.
const UnknownScore = 1.0

// Weights controls how much each factor contributes. They must sum to 1.
type Weights struct {
	Sensitivity  float64 `json:"sensitivity" koanf:"sensitivity"`
	Role         float64 `json:"role" koanf:"role"`
	Purpose      float64 `json:"purpose" koanf:"purpose"`
	Jurisdiction float64 `json:"jurisdiction" koanf:"jurisdiction"`
}

// DefaultWeights returns 0.35/0.25/0.25/0.15.
func DefaultWeights() Weights {
	return Weights{Sensitivity: 0.35, Role: 0.25, Purpose: 0.25, Jurisdiction: 0.15}
}

// Validate checks every weight is non-negative and the total is 1.
func (w Weights) Validate() error {
	if w.Sensitivity < 0 || w.Role < 0 || w.Purpose < 0 || w.Jurisdiction < 0 {
		return errors.NewValidationError("INVALID_WEIGHTS", "risk weights must be non-negative")
	}
	sum := w.Sensitivity + w.Role + w.Purpose + w.Jurisdiction
	if math.Abs(sum-1) > 1e-9 {
		return errors.NewValidationError("INVALID_WEIGHTS", "risk weights must sum to 1")
	}
	return nil
}

var (
	sensitivityScores = map[access.Sensitivity]float64{
		access.SensitivityHigh:   0.9,
		access.SensitivityMedium: 0.5,
		access.SensitivityLow:    0.1,
	}
	roleScores = map[access.Role]float64{
		access.RoleExternal: 0.7,
		access.RoleAnalyst:  0.3,
		access.RoleAdmin:    0.1,
	}
	purposeScores = map[access.Purpose]float64{
		access.PurposeMarketing:      0.8,
		access.PurposeAITraining:     0.8,
		access.PurposeProfiling:      0.7,
		access.PurposeResearch:       0.5,
		access.PurposeAnalytics:      0.4,
		access.PurposeReporting:      0.3,
		access.PurposeFraudDetection: 0.3,
		access.PurposeCompliance:     0.2,
		access.PurposeOperations:     0.2,
		access.PurposeAudit:          0.1,
	}
	jurisdictionScores = map[access.Jurisdiction]float64{
		access.JurisdictionGlobal: 0.6,
		access.JurisdictionUS:     0.2,
		access.JurisdictionEU:     0.2,
		access.JurisdictionUK:     0.2,
	}
)

// Factors are the individual sub-scores behind a score.
type Factors struct {
	Sensitivity  float64 `json:"sensitivity"`
	Role         float64 `json:"role"`
	Purpose      float64 `json:"purpose"`
	Jurisdiction float64 `json:"jurisdiction"`
}

// Level is an informational label for a score.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Assessment is the result of scoring one request.
type Assessment struct {
	Score   float64 `json:"risk_score"`
	Level   Level   `json:"risk_level"`
	Factors Factors `json:"risk_factors"`
}

type Engine struct {
	weights Weights
}

// NewEngine validates weights and returns an engine using them.
func NewEngine(weights Weights) (*Engine, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Engine{weights: weights}, nil
}

// Score computes the weighted sum, clamped to [0,1].
func (e *Engine) Score(req access.Request) Assessment {
	f := Factors{
		Sensitivity:  lookup(sensitivityScores, req.DataSensitivity),
		Role:         lookup(roleScores, req.Role),
		Purpose:      lookup(purposeScores, req.Purpose),
		Jurisdiction: lookup(jurisdictionScores, req.Jurisdiction),
	}

	score := e.weights.Sensitivity*f.Sensitivity +
		e.weights.Role*f.Role +
		e.weights.Purpose*f.Purpose +
		e.weights.Jurisdiction*f.Jurisdiction
	score = clamp(round(score))

	return Assessment{Score: score, Level: LevelFor(score), Factors: f}
}

// LevelFor labels a score.
func LevelFor(score float64) Level {
	switch {
	case score < 0.3:
		return LevelLow
	case score < 0.7:
		return LevelMedium
	default:
		return LevelHigh
	}
}

func lookup[K comparable](table map[K]float64, key K) float64 {
	if v, ok := table[key]; ok {
		return v
	}
	return UnknownScore
}

// round trims float noise so equal inputs compare equal against thresholds.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
