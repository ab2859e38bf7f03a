package rest

import (
	"time"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/token"
	budgetsvc "github.com/davidleathers/privacy-decision-gateway/internal/service/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/service/decision"
	rtbfsvc "github.com/davidleathers/privacy-decision-gateway/internal/service/rtbf"
)

// Enum fields carry no oneof tags; unknown values are evaluated to DENY.

// EvaluateAccessRequest is the body of POST /access/evaluate.
type EvaluateAccessRequest struct {
	RequesterID     string                 `json:"requester_id" validate:"required,max=256"`
	SubjectID       string                 `json:"subject_id,omitempty" validate:"max=256"`
	Role            string                 `json:"role"`
	Purpose         string                 `json:"purpose"`
	Location        string                 `json:"location"`
	DataSensitivity string                 `json:"data_sensitivity"`
	Budget          *BudgetQueryRequest    `json:"budget,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
	FieldTypes      map[string]string      `json:"field_types,omitempty"`
}

func (r EvaluateAccessRequest) toDomain() (access.Request, decision.Options) {
	req := access.Request{
		RequesterID:     r.RequesterID,
		SubjectID:       r.SubjectID,
		Role:            access.Role(r.Role),
		Purpose:         access.Purpose(r.Purpose),
		Jurisdiction:    access.Jurisdiction(r.Location),
		DataSensitivity: access.Sensitivity(r.DataSensitivity),
	}
	opts := decision.Options{Data: r.Data, FieldTypes: r.FieldTypes}
	if r.Budget != nil {
		q := r.Budget.toQuery()
		// the budget charge is always against the decision's subject
		q.SubjectID = req.Subject()
		if q.RequesterID == "" {
			q.RequesterID = req.RequesterID
		}
		if q.Purpose == "" {
			q.Purpose = req.Purpose
		}
		if q.Sensitivity == "" {
			q.Sensitivity = req.DataSensitivity
		}
		opts.Budget = &q
	}
	return req, opts
}

// BudgetQueryRequest is the body of POST /budget/check and the optional
// budget block of an access evaluation.
type BudgetQueryRequest struct {
	SubjectID       string `json:"subject_id,omitempty" validate:"max=256"`
	RequesterID     string `json:"requester_id,omitempty"`
	QueryType       string `json:"query_type" validate:"required"`
	DataSensitivity string `json:"data_sensitivity,omitempty"`
	NumRecords      int    `json:"num_records" validate:"gte=0"`
	Purpose         string `json:"purpose,omitempty"`
}

func (r BudgetQueryRequest) toQuery() budget.Query {
	return budget.Query{
		SubjectID:   r.SubjectID,
		RequesterID: r.RequesterID,
		QueryType:   budget.QueryType(r.QueryType),
		Sensitivity: access.Sensitivity(r.DataSensitivity),
		NumRecords:  r.NumRecords,
		Purpose:     access.Purpose(r.Purpose),
	}
}

// SetBudgetRequest is the body of PUT /budget/{subject_id}.
type SetBudgetRequest struct {
	TotalEpsilon  float64 `json:"total_epsilon" validate:"gt=0"`
	WindowSeconds int64   `json:"window_seconds,omitempty" validate:"gte=0"`
}

func (r SetBudgetRequest) toDomain(subjectID string) budgetsvc.SetBudgetRequest {
	return budgetsvc.SetBudgetRequest{
		SubjectID:    subjectID,
		TotalEpsilon: r.TotalEpsilon,
		Window:       time.Duration(r.WindowSeconds) * time.Second,
	}
}

// GenerateTokenRequest is the body of POST /tokens. Ranges are enforced by
// the vault so the error codes match the function-level contract.
type GenerateTokenRequest struct {
	TaskID        string   `json:"task_id" validate:"required,max=256"`
	TaskType      string   `json:"task_type" validate:"required"`
	RequesterID   string   `json:"requester_id,omitempty"`
	MaxTTLSeconds int      `json:"max_ttl_seconds"`
	MaxUses       int      `json:"max_uses"`
	DataScope     []string `json:"data_scope,omitempty"`
}

func (r GenerateTokenRequest) toDomain() token.Spec {
	return token.Spec{
		TaskID:        r.TaskID,
		TaskType:      token.TaskType(r.TaskType),
		RequesterID:   r.RequesterID,
		MaxTTLSeconds: r.MaxTTLSeconds,
		MaxUses:       r.MaxUses,
		DataScope:     r.DataScope,
	}
}

// ValidateTokenRequest is the body of POST /tokens/validate.
type ValidateTokenRequest struct {
	TokenID string `json:"token_id,omitempty" validate:"required_without=Bearer"`
	Bearer  string `json:"bearer,omitempty"`
}

// MaskingRequest is the body of POST /masking/apply.
type MaskingRequest struct {
	Data       map[string]interface{} `json:"data" validate:"required"`
	FieldTypes map[string]string      `json:"field_types,omitempty"`
	RiskScore  float64                `json:"risk_score" validate:"gte=0,lte=1"`
}

// ConsentUpdateRequest is the body of the consent grant and revoke routes.
type ConsentUpdateRequest struct {
	Purposes []string `json:"purposes" validate:"required,min=1,dive,required"`
}

func (r ConsentUpdateRequest) purposes() []access.Purpose {
	out := make([]access.Purpose, len(r.Purposes))
	for i, p := range r.Purposes {
		out[i] = access.Purpose(p)
	}
	return out
}

// TriggerRTBFRequest is the body of POST /rtbf.
type TriggerRTBFRequest struct {
	SubjectID   string   `json:"subject_id" validate:"required,max=256"`
	RequestedBy string   `json:"requested_by,omitempty"`
	Reason      string   `json:"reason,omitempty" validate:"max=1024"`
	Scope       []string `json:"scope,omitempty"`
}

func (r TriggerRTBFRequest) toDomain() rtbfsvc.TriggerRequest {
	return rtbfsvc.TriggerRequest{
		SubjectID:   r.SubjectID,
		RequestedBy: r.RequestedBy,
		Reason:      r.Reason,
		Scope:       r.Scope,
	}
}

// BlockedResponse answers GET /rtbf/{subject_id}/blocked.
type BlockedResponse struct {
	SubjectID string `json:"subject_id"`
	Blocked   bool   `json:"blocked"`
}

// CompleteTaskResponse answers POST /tasks/{task_id}/complete.
type CompleteTaskResponse struct {
	TaskID          string `json:"task_id"`
	TokensDestroyed int    `json:"tokens_destroyed"`
}

// HealthResponse answers GET /healthz.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Layers   []string          `json:"rtbf_layers"`
	Breakers map[string]string `json:"rtbf_breakers,omitempty"`
}
