package token

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/clock"
	auditdomain "github.com/davidleathers/privacy-decision-gateway/internal/domain/audit"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/token"
	"github.com/davidleathers/privacy-decision-gateway/internal/keylock"
	"github.com/davidleathers/privacy-decision-gateway/internal/metrics"
	"github.com/davidleathers/privacy-decision-gateway/internal/service/audit"
)

const maxCASAttempts = 32

// Signer turns tokens into bearers and back.
type Signer interface {
	Sign(t token.Token) (string, error)
	Verify(bearer string) (string, error)
}

// Issued is a freshly generated token with its signed bearer.
type Issued struct {
	token.Token
	Bearer string `json:"bearer"`
}

// Vault issues and consumes self-destructing task tokens.
type Vault interface {
	Generate(ctx context.Context, spec token.Spec) (*Issued, error)
	ValidateAndConsume(ctx context.Context, tokenID string) (*token.Consumption, error)
	ValidateBearer(ctx context.Context, bearer string) (*token.Consumption, error)
	CompleteTask(ctx context.Context, taskID string) (int, error)
	Status(ctx context.Context, tokenID string) (*token.StatusView, error)
	ActiveTokens(ctx context.Context, requesterID string) ([]token.StatusView, error)
}

var _ Vault = (*vault)(nil)

type vault struct {
	logger  *zap.Logger
	store   token.Store
	signer  Signer
	audit   audit.Recorder
	clock   clock.Clock
	locks   *keylock.Locker
	metrics *metrics.Registry
}

// NewVault builds the token vault. recorder and registry may be nil.
func NewVault(
	logger *zap.Logger,
	store token.Store,
	signer Signer,
	recorder audit.Recorder,
	clk clock.Clock,
	registry *metrics.Registry,
) Vault {
	if clk == nil {
		clk = clock.System()
	}
	return &vault{
		logger:  logger.Named("token"),
		store:   store,
		signer:  signer,
		audit:   recorder,
		clock:   clk,
		locks:   keylock.New(),
		metrics: registry,
	}
}

func (v *vault) Generate(ctx context.Context, spec token.Spec) (*Issued, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	unlock := v.locks.Lock(spec.TaskID)
	defer unlock()

	done, err := v.store.IsTaskCompleted(ctx, spec.TaskID)
	if err != nil {
		return nil, errors.NewInternalError("failed to read task state").WithCause(err)
	}
	if done {
		return nil, errors.NewValidationError("TASK_COMPLETED", "task "+spec.TaskID+" is already completed")
	}

	t := token.New(spec, v.clock.Now())
	bearer, err := v.signer.Sign(t)
	if err != nil {
		return nil, err
	}
	if err := v.store.Put(ctx, &t); err != nil {
		if errors.IsValidation(err) {
			return nil, err
		}
		return nil, errors.NewInternalError("failed to store token").WithCause(err)
	}

	v.metrics.RecordTokenEvent(ctx, "issued", 1)
	v.logger.Info("token issued",
		zap.String("token_id", t.ID),
		zap.String("task_id", t.TaskID),
		zap.String("task_type", string(t.TaskType)),
		zap.Int("max_uses", t.MaxUses),
		zap.Int("ttl_seconds", t.MaxTTLSeconds))
	v.record(ctx, t, "issued")

	return &Issued{Token: t, Bearer: bearer}, nil
}

func (v *vault) ValidateAndConsume(ctx context.Context, tokenID string) (*token.Consumption, error) {
	if strings.TrimSpace(tokenID) == "" {
		return nil, errors.NewValidationError("MISSING_TOKEN", "token_id is required")
	}

	// The task lock covers CompleteTask, so look up the task first and
	// re-read under the lock.
	first, err := v.get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	unlock := v.locks.Lock(first.TaskID)
	defer unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := v.get(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		now := v.clock.Now()

		switch current.StateAt(now) {
		case token.StateExpired:
			if ok, err := v.destroy(ctx, current, "expired"); err != nil {
				return nil, err
			} else if !ok {
				continue
			}
			return nil, errors.NewExpiredError("token")
		case token.StateExhausted:
			if ok, err := v.destroy(ctx, current, "exhausted"); err != nil {
				return nil, err
			} else if !ok {
				continue
			}
			return nil, errors.NewExhaustedError("token")
		}

		res := &token.Consumption{
			TokenID:       current.ID,
			TaskID:        current.TaskID,
			UsesRemaining: current.UsesRemaining - 1,
			DataScope:     current.DataScope,
		}
		if res.UsesRemaining == 0 {
			ok, err := v.destroy(ctx, current, "consumed")
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			res.Destroyed = true
			return res, nil
		}

		next := *current
		next.UsesRemaining = res.UsesRemaining
		ok, err := v.store.CompareAndSwap(ctx, current.ID, current.Version, &next)
		if err != nil {
			return nil, errors.NewInternalError("failed to update token").WithCause(err)
		}
		if !ok {
			continue
		}
		v.metrics.RecordTokenEvent(ctx, "consumed", 0)
		return res, nil
	}
	return nil, errors.NewInternalError("token under sustained write contention")
}

func (v *vault) ValidateBearer(ctx context.Context, bearer string) (*token.Consumption, error) {
	tokenID, err := v.signer.Verify(bearer)
	if err != nil {
		return nil, err
	}
	return v.ValidateAndConsume(ctx, tokenID)
}

func (v *vault) CompleteTask(ctx context.Context, taskID string) (int, error) {
	if strings.TrimSpace(taskID) == "" {
		return 0, errors.NewValidationError("MISSING_TASK", "task_id is required")
	}
	unlock := v.locks.Lock(taskID)
	defer unlock()

	n, err := v.store.CompleteTask(ctx, taskID)
	if err != nil {
		return 0, errors.NewInternalError("failed to complete task").WithCause(err)
	}
	v.metrics.RecordTokenEvent(ctx, "task_completed", -int64(n))
	v.logger.Info("task completed", zap.String("task_id", taskID), zap.Int("tokens_destroyed", n))
	if v.audit != nil {
		if _, err := v.audit.Record(ctx, audit.Entry{
			Kind:    auditdomain.KindToken,
			Outcome: "task_completed",
			Payload: map[string]interface{}{"task_id": taskID, "tokens_destroyed": n},
		}); err != nil {
			v.logger.Warn("failed to audit task completion", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return n, nil
}

func (v *vault) Status(ctx context.Context, tokenID string) (*token.StatusView, error) {
	t, err := v.get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	view := t.Status(v.clock.Now())
	return &view, nil
}

// ActiveTokens lists the requester's tokens that are still alive.
func (v *vault) ActiveTokens(ctx context.Context, requesterID string) ([]token.StatusView, error) {
	if strings.TrimSpace(requesterID) == "" {
		return nil, errors.NewValidationError("MISSING_REQUESTER", "requester_id is required")
	}
	tokens, err := v.store.ListByRequester(ctx, requesterID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list tokens").WithCause(err)
	}
	now := v.clock.Now()
	out := make([]token.StatusView, 0, len(tokens))
	for _, t := range tokens {
		if t.StateAt(now) == token.StateAlive {
			out = append(out, t.Status(now))
		}
	}
	return out, nil
}

func (v *vault) get(ctx context.Context, tokenID string) (*token.Token, error) {
	t, err := v.store.Get(ctx, tokenID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.NewInternalError("failed to load token").WithCause(err)
	}
	return t, nil
}

func (v *vault) destroy(ctx context.Context, t *token.Token, why string) (bool, error) {
	ok, err := v.store.CompareAndSwap(ctx, t.ID, t.Version, nil)
	if err != nil {
		return false, errors.NewInternalError("failed to destroy token").WithCause(err)
	}
	if ok {
		v.metrics.RecordTokenEvent(ctx, "destroyed_"+why, -1)
		v.logger.Info("token destroyed", zap.String("token_id", t.ID), zap.String("cause", why))
		v.record(ctx, *t, "destroyed_"+why)
	}
	return ok, nil
}

// record audits lifecycle events best effort; token state is already
// committed when it runs.
func (v *vault) record(ctx context.Context, t token.Token, outcome string) {
	if v.audit == nil {
		return
	}
	_, err := v.audit.Record(ctx, audit.Entry{
		Kind:        auditdomain.KindToken,
		RequesterID: t.RequesterID,
		Outcome:     outcome,
		Payload: map[string]interface{}{
			"token_id":  t.ID,
			"task_id":   t.TaskID,
			"task_type": t.TaskType,
		},
	})
	if err != nil {
		v.logger.Warn("failed to audit token event", zap.String("token_id", t.ID), zap.Error(err))
	}
}
