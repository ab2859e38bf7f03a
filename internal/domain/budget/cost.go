package budget

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

// QueryType is how directly a query touches individual records.
type QueryType string

const (
	QueryAggregate  QueryType = "aggregate"
	QueryIndividual QueryType = "individual"
	QueryRaw        QueryType = "raw"
)

func (q QueryType) IsValid() bool {
	switch q {
	case QueryAggregate, QueryIndividual, QueryRaw:
		return true
	}
	return false
}

var baseCosts = map[QueryType]map[access.Sensitivity]decimal.Decimal{
	QueryAggregate: {
		access.SensitivityLow:    decimal.RequireFromString("0.01"),
		access.SensitivityMedium: decimal.RequireFromString("0.05"),
		access.SensitivityHigh:   decimal.RequireFromString("0.1"),
	},
	QueryIndividual: {
		access.SensitivityLow:    decimal.RequireFromString("0.1"),
		access.SensitivityMedium: decimal.RequireFromString("0.25"),
		access.SensitivityHigh:   decimal.RequireFromString("0.5"),
	},
	QueryRaw: {
		access.SensitivityLow:    decimal.RequireFromString("0.3"),
		access.SensitivityMedium: decimal.RequireFromString("0.5"),
		access.SensitivityHigh:   decimal.RequireFromString("1.0"),
	},
}

// BaseCost looks up the single-record cost of a query.
func BaseCost(qt QueryType, s access.Sensitivity) (decimal.Decimal, bool) {
	row, ok := baseCosts[qt]
	if !ok {
		return decimal.Zero, false
	}
	c, ok := row[s]
	return c, ok
}

// Curve selects how cost grows with the number of records.
type Curve string

const (
	CurveLog2 Curve = "log2"
	CurveLn   Curve = "ln"
	CurveFlat Curve = "flat"
)

// CostModel scales base costs by record count. Every curve is monotonic in
// the record count and leaves single-record queries at base cost.
type CostModel struct {
	Curve   Curve   `koanf:"curve"`
	Divisor float64 `koanf:"divisor"`
}

func DefaultCostModel() CostModel {
	return CostModel{Curve: CurveLog2, Divisor: 10}
}

func (m CostModel) Validate() error {
	switch m.Curve {
	case CurveLog2, CurveLn, CurveFlat:
	default:
		return errors.NewValidationError("INVALID_COST_CURVE", fmt.Sprintf("unknown cost curve %q", m.Curve))
	}
	if m.Curve != CurveFlat && m.Divisor <= 0 {
		return errors.NewValidationError("INVALID_COST_CURVE", "cost curve divisor must be positive")
	}
	return nil
}

// Multiplier returns the scale factor for n records.
func (m CostModel) Multiplier(n int) float64 {
	x := float64(max(n, 1))
	switch m.Curve {
	case CurveLog2:
		return 1 + math.Log2(x)/m.Divisor
	case CurveLn:
		return 1 + math.Log(x)/m.Divisor
	default:
		return 1
	}
}

// Cost prices one query. Unknown query types or sensitivities are
// validation errors.
func (m CostModel) Cost(qt QueryType, s access.Sensitivity, numRecords int) (decimal.Decimal, error) {
	base, ok := BaseCost(qt, s)
	if !ok {
		return decimal.Zero, errors.NewValidationError("UNKNOWN_QUERY_CLASS",
			fmt.Sprintf("unknown value: query_type=%q data_sensitivity=%q", qt, s))
	}
	if numRecords == 1 || numRecords == 0 {
		return base, nil
	}
	return base.Mul(decimal.NewFromFloat(m.Multiplier(numRecords))).Round(6), nil
}

// Query is one budget charge request.
type Query struct {
	SubjectID   string             `json:"subject_id"`
	RequesterID string             `json:"requester_id,omitempty"`
	QueryType   QueryType          `json:"query_type"`
	Sensitivity access.Sensitivity `json:"data_sensitivity"`
	NumRecords  int                `json:"num_records"`
	Purpose     access.Purpose     `json:"purpose"`
}

func (q Query) Validate() error {
	if strings.TrimSpace(q.SubjectID) == "" {
		return errors.NewValidationError("MISSING_SUBJECT", "subject_id is required")
	}
	if !q.QueryType.IsValid() {
		return errors.NewValidationError("UNKNOWN_QUERY_TYPE", fmt.Sprintf("unknown value: query_type=%q", q.QueryType))
	}
	if !q.Sensitivity.IsValid() {
		return errors.NewValidationError("UNKNOWN_SENSITIVITY", fmt.Sprintf("unknown value: data_sensitivity=%q", q.Sensitivity))
	}
	if q.NumRecords < 0 {
		return errors.NewValidationError("INVALID_NUM_RECORDS", "num_records must not be negative")
	}
	return nil
}
