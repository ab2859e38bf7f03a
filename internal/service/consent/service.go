package consent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/clock"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/access"
	auditdomain "github.com/davidleathers/privacy-decision-gateway/internal/domain/audit"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/consent"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/keylock"
	"github.com/davidleathers/privacy-decision-gateway/internal/service/audit"
)

const maxCASAttempts = 32

// Status is the consent answer for a single purpose.
type Status struct {
	Granted         bool     `json:"granted"`
	Reason          string   `json:"reason"`
	GrantedPurposes []string `json:"granted_purposes"`
}

// Service is the consent registry.
type Service interface {
	HasConsent(ctx context.Context, subjectID string, purpose access.Purpose) (*Status, error)
	Get(ctx context.Context, subjectID string) (*consent.Record, error)
	Grant(ctx context.Context, subjectID string, purposes ...access.Purpose) (*consent.Record, error)
	Revoke(ctx context.Context, subjectID string, purposes ...access.Purpose) (*consent.Record, error)
	Clear(ctx context.Context, subjectID string) (bool, error)
}

var _ Service = (*service)(nil)

type service struct {
	logger *zap.Logger
	store  consent.Store
	audit  audit.Recorder
	clock  clock.Clock
	locks  *keylock.Locker
}

// NewService creates the registry. recorder may be nil, in which case
// administrative changes are only logged.
func NewService(logger *zap.Logger, store consent.Store, recorder audit.Recorder, clk clock.Clock) Service {
	if clk == nil {
		clk = clock.System()
	}
	return &service{
		logger: logger.Named("consent"),
		store:  store,
		audit:  recorder,
		clock:  clk,
		locks:  keylock.New(),
	}
}

func (s *service) HasConsent(ctx context.Context, subjectID string, purpose access.Purpose) (*Status, error) {
	rec, err := s.load(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	st := &Status{GrantedPurposes: rec.PurposeStrings()}
	if rec.Has(purpose) {
		st.Granted = true
		st.Reason = fmt.Sprintf("consent granted for %s", purpose)
	} else {
		st.Reason = fmt.Sprintf("no consent for purpose %s", purpose)
	}
	return st, nil
}

// Get returns the subject's record. Subjects without one get an empty,
// unsaved record rather than an error.
func (s *service) Get(ctx context.Context, subjectID string) (*consent.Record, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, errors.NewValidationError("MISSING_SUBJECT", "subject_id is required")
	}
	return s.load(ctx, subjectID)
}

func (s *service) load(ctx context.Context, subjectID string) (*consent.Record, error) {
	rec, err := s.store.Get(ctx, subjectID)
	if errors.IsNotFound(err) {
		return &consent.Record{SubjectID: subjectID, Purposes: []access.Purpose{}}, nil
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to load consent record").WithCause(err)
	}
	return rec, nil
}

func (s *service) Grant(ctx context.Context, subjectID string, purposes ...access.Purpose) (*consent.Record, error) {
	return s.update(ctx, "granted", subjectID, purposes, func(r consent.Record) consent.Record {
		return r.WithGranted(s.clock.Now(), purposes...)
	})
}

func (s *service) Revoke(ctx context.Context, subjectID string, purposes ...access.Purpose) (*consent.Record, error) {
	return s.update(ctx, "revoked", subjectID, purposes, func(r consent.Record) consent.Record {
		return r.WithRevoked(s.clock.Now(), purposes...)
	})
}

func (s *service) update(
	ctx context.Context,
	action, subjectID string,
	purposes []access.Purpose,
	apply func(consent.Record) consent.Record,
) (*consent.Record, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, errors.NewValidationError("MISSING_SUBJECT", "subject_id is required")
	}
	if len(purposes) == 0 {
		return nil, errors.NewValidationError("MISSING_PURPOSES", "at least one purpose is required")
	}
	for _, p := range purposes {
		if !p.IsValid() {
			return nil, errors.NewValidationError("INVALID_PURPOSE", fmt.Sprintf("unknown purpose %q", p))
		}
	}

	unlock := s.locks.Lock(subjectID)
	defer unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.load(ctx, subjectID)
		if err != nil {
			return nil, err
		}
		next := apply(*current)
		ok, err := s.store.CompareAndSwap(ctx, current.Version, &next)
		if err != nil {
			return nil, errors.NewInternalError("failed to store consent record").WithCause(err)
		}
		if !ok {
			continue
		}
		next.Version = current.Version + 1

		s.logger.Info("consent "+action,
			zap.String("subject_id", subjectID),
			zap.Strings("purposes", next.PurposeStrings()))
		if s.audit != nil {
			if _, err := s.audit.Record(ctx, audit.Entry{
				Kind:      auditdomain.KindConsent,
				SubjectID: subjectID,
				Outcome:   action,
				Payload:   map[string]interface{}{"changed": purposes, "purposes": next.Purposes},
			}); err != nil {
				// the change is committed; report it rather than fail the caller
				s.logger.Error("failed to audit consent change",
					zap.String("subject_id", subjectID),
					zap.String("action", action),
					zap.Error(err))
			}
		}
		return &next, nil
	}
	return nil, errors.NewInternalError("consent record under sustained write contention")
}

// Clear removes the subject's record entirely.
func (s *service) Clear(ctx context.Context, subjectID string) (bool, error) {
	unlock := s.locks.Lock(subjectID)
	defer unlock()

	existed, err := s.store.Delete(ctx, subjectID)
	if err != nil {
		return false, errors.NewInternalError("failed to delete consent record").WithCause(err)
	}
	s.logger.Info("consent cleared", zap.String("subject_id", subjectID), zap.Bool("existed", existed))
	return existed, nil
}
