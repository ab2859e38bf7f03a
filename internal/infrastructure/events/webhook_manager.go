package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

const (
	SignatureHeader = "X-PDG-Signature"
	TimestampHeader = "X-PDG-Timestamp"
	EventHeader     = "X-PDG-Event"

	// EventSubjectErased is sent to processors when a subject is erased.
	EventSubjectErased = "subject.erased"

	maxResponseBytes = 1 << 16
)

// RetryPolicy configures retry behavior for failed deliveries
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2,
	}
}

// WebhookEndpoint represents a webhook configuration
type WebhookEndpoint struct {
	Name        string
	URL         string
	Secret      string
	RetryPolicy RetryPolicy
}

// ErasureNotice is the body posted for every erasure delivery.
type ErasureNotice struct {
	Event     string    `json:"event"`
	RequestID string    `json:"request_id,omitempty"`
	SubjectID string    `json:"subject_id"`
	Layer     string    `json:"layer,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sign returns the signature header value for body sent at ts:
// "sha256=" + hex(HMAC-SHA256(secret, ts + "." + body)).
func Sign(secret string, ts int64, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte("."))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received signature in constant time.
func VerifySignature(secret string, ts int64, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature))
}

// HTTPWebhookClient delivers signed JSON with retries.
type HTTPWebhookClient struct {
	client *http.Client
	now    func() time.Time
}

// NewHTTPWebhookClient creates a new HTTP webhook client
func NewHTTPWebhookClient(timeout time.Duration) *HTTPWebhookClient {
	return &HTTPWebhookClient{
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Send posts payload and returns the response body of the first 2xx reply.
func (c *HTTPWebhookClient) Send(ctx context.Context, endpoint WebhookEndpoint, event string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewInternalError("failed to marshal webhook payload").WithCause(err)
	}

	policy := endpoint.RetryPolicy
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, retry, err := c.attempt(ctx, endpoint, event, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry || attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.NewExternalError(endpoint.Name, "webhook delivery cancelled").WithCause(ctx.Err())
		case <-time.After(calculateDelay(attempt, policy)):
		}
	}
	return nil, errors.NewExternalError(endpoint.Name, "webhook delivery failed").WithCause(lastErr)
}

func (c *HTTPWebhookClient) attempt(ctx context.Context, endpoint WebhookEndpoint, event string, body []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	ts := c.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "privacy-decision-gateway/1.0")
	req.Header.Set(EventHeader, event)
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	if endpoint.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(endpoint.Secret, ts, body))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, false, nil
	}
	return nil, isRetryable(resp.StatusCode), fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

func calculateDelay(attempt int, policy RetryPolicy) time.Duration {
	delay := policy.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * policy.BackoffFactor)
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			return policy.MaxDelay
		}
	}
	return delay
}

func isRetryable(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests
}

// WebhookManager notifies every configured processor of an erasure.
type WebhookManager struct {
	endpoints []WebhookEndpoint
	client    *HTTPWebhookClient
	logger    *zap.Logger
	now       func() time.Time
}

// NewWebhookManager creates a new webhook manager
func NewWebhookManager(logger *zap.Logger, timeout time.Duration, endpoints ...WebhookEndpoint) *WebhookManager {
	return &WebhookManager{
		endpoints: endpoints,
		client:    NewHTTPWebhookClient(timeout),
		logger:    logger.Named("webhooks"),
		now:       time.Now,
	}
}

func (wm *WebhookManager) Endpoints() []WebhookEndpoint {
	out := make([]WebhookEndpoint, len(wm.endpoints))
	copy(out, wm.endpoints)
	return out
}

// NotifyErasure posts to every endpoint concurrently and returns how many
// acknowledged. Any failed delivery makes the whole notification fail.
func (wm *WebhookManager) NotifyErasure(ctx context.Context, requestID, subjectID string) (int, error) {
	notice := ErasureNotice{
		Event:     EventSubjectErased,
		RequestID: requestID,
		SubjectID: subjectID,
		Timestamp: wm.now().UTC(),
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		acked int
		errs  []error
	)
	for _, endpoint := range wm.endpoints {
		wg.Add(1)
		go func(ep WebhookEndpoint) {
			defer wg.Done()

			_, err := wm.client.Send(ctx, ep, EventSubjectErased, notice)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ep.Name, err))
				wm.logger.Error("erasure webhook delivery failed",
					zap.String("processor", ep.Name),
					zap.String("request_id", requestID),
					zap.Error(err))
				return
			}
			acked++
		}(endpoint)
	}
	wg.Wait()

	if len(errs) > 0 {
		return acked, errors.NewExternalError("third_parties",
			fmt.Sprintf("%d of %d processors failed to acknowledge", len(errs), len(wm.endpoints))).
			WithCause(errs[0])
	}
	return acked, nil
}
