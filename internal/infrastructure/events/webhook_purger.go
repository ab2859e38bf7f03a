package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/rtbf"
)

// EventLayerPurge asks a downstream system to erase a subject.
const EventLayerPurge = "subject.purge"

// PurgeAck is the reply expected from a layer purge endpoint.
type PurgeAck struct {
	RecordsAffected int                    `json:"records_affected"`
	Details         map[string]interface{} `json:"details,omitempty"`
}

var _ rtbf.Purger = (*WebhookPurger)(nil)

// WebhookPurger erases a subject from a layer owned by another service
// (the search index, model training store) by posting a signed purge
// request and reading back the affected record count.
type WebhookPurger struct {
	layer    rtbf.Layer
	endpoint WebhookEndpoint
	client   *HTTPWebhookClient
}

func NewWebhookPurger(layer rtbf.Layer, endpoint WebhookEndpoint, timeout time.Duration) *WebhookPurger {
	if endpoint.Name == "" {
		endpoint.Name = string(layer)
	}
	return &WebhookPurger{layer: layer, endpoint: endpoint, client: NewHTTPWebhookClient(timeout)}
}

func (p *WebhookPurger) Layer() rtbf.Layer { return p.layer }

func (p *WebhookPurger) Purge(ctx context.Context, subjectID string) (rtbf.PurgeResult, error) {
	body, err := p.client.Send(ctx, p.endpoint, EventLayerPurge, ErasureNotice{
		Event:     EventLayerPurge,
		RequestID: rtbf.RequestIDFrom(ctx),
		SubjectID: subjectID,
		Layer:     string(p.layer),
		Timestamp: p.client.now().UTC(),
	})
	if err != nil {
		return rtbf.PurgeResult{}, err
	}

	var ack PurgeAck
	if len(body) > 0 {
		if err := json.Unmarshal(body, &ack); err != nil {
			return rtbf.PurgeResult{}, errors.NewExternalError(p.endpoint.Name, "malformed purge acknowledgement").WithCause(err)
		}
	}
	if ack.RecordsAffected < 0 {
		return rtbf.PurgeResult{}, errors.NewExternalError(p.endpoint.Name, "negative records_affected in acknowledgement")
	}
	return rtbf.PurgeResult{RecordsAffected: ack.RecordsAffected, Details: ack.Details}, nil
}
