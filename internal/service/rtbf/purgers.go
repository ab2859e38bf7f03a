package rtbf

import (
	"context"
	"fmt"
	"sync"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/rtbf"
)

// AuditPolicy decides what erasure does to a subject's audit events.
type AuditPolicy string

const (
	// AuditAnonymize redacts the subject from every read of the audit log.
	AuditAnonymize AuditPolicy = "anonymize"
	// AuditRetain keeps audit events untouched.
	AuditRetain AuditPolicy = "retain"
)

func (p AuditPolicy) IsValid() bool {
	return p == AuditAnonymize || p == AuditRetain
}

// Forgetter drops a subject's analytics state.
type Forgetter interface {
	Forget(ctx context.Context, subjectID string) (int, error)
}

// Anonymizer hides a subject inside the audit log.
type Anonymizer interface {
	Anonymize(ctx context.Context, subjectID string) (int, error)
}

// BackupMarker flags snapshots holding a subject for purge at rotation.
type BackupMarker interface {
	MarkForRotation(ctx context.Context, subjectID string) (int, error)
}

// Notifier tells downstream processors about an erasure and returns how
// many acknowledged.
type Notifier interface {
	NotifyErasure(ctx context.Context, requestID, subjectID string) (int, error)
}

// AnalyticsPurger erases budget accounts and query history.
func AnalyticsPurger(f Forgetter) rtbf.Purger {
	return rtbf.PurgeFunc{L: rtbf.LayerAnalytics, F: func(ctx context.Context, subjectID string) (rtbf.PurgeResult, error) {
		n, err := f.Forget(ctx, subjectID)
		if err != nil {
			return rtbf.PurgeResult{}, err
		}
		return rtbf.PurgeResult{RecordsAffected: n, Details: map[string]interface{}{"action": "deleted"}}, nil
	}}
}

// AuditLogPurger applies policy to the audit log. Events are never deleted.
func AuditLogPurger(a Anonymizer, policy AuditPolicy) rtbf.Purger {
	return rtbf.PurgeFunc{L: rtbf.LayerAuditLogs, F: func(ctx context.Context, subjectID string) (rtbf.PurgeResult, error) {
		if policy == AuditRetain {
			return rtbf.PurgeResult{Details: map[string]interface{}{"action": "retained"}}, nil
		}
		n, err := a.Anonymize(ctx, subjectID)
		if err != nil {
			return rtbf.PurgeResult{}, err
		}
		return rtbf.PurgeResult{RecordsAffected: n, Details: map[string]interface{}{"action": "anonymized"}}, nil
	}}
}

// BackupPurger marks backups for rotation.
func BackupPurger(m BackupMarker) rtbf.Purger {
	return rtbf.PurgeFunc{L: rtbf.LayerBackups, F: func(ctx context.Context, subjectID string) (rtbf.PurgeResult, error) {
		n, err := m.MarkForRotation(ctx, subjectID)
		if err != nil {
			return rtbf.PurgeResult{}, err
		}
		return rtbf.PurgeResult{RecordsAffected: n, Details: map[string]interface{}{"action": "marked_for_rotation"}}, nil
	}}
}

// ThirdPartyPurger notifies configured processors.
func ThirdPartyPurger(n Notifier) rtbf.Purger {
	return rtbf.PurgeFunc{L: rtbf.LayerThirdParties, F: func(ctx context.Context, subjectID string) (rtbf.PurgeResult, error) {
		acked, err := n.NotifyErasure(ctx, rtbf.RequestIDFrom(ctx), subjectID)
		if err != nil {
			return rtbf.PurgeResult{RecordsAffected: acked}, err
		}
		return rtbf.PurgeResult{RecordsAffected: acked, Details: map[string]interface{}{"action": "notified"}}, nil
	}}
}

// MemoryBackupMarker records rotation marks in process. Every mark covers
// the configured number of retained snapshots.
type MemoryBackupMarker struct {
	Snapshots int

	mu     sync.Mutex
	marked map[string]int
}

func NewMemoryBackupMarker(snapshots int) *MemoryBackupMarker {
	return &MemoryBackupMarker{Snapshots: snapshots, marked: make(map[string]int)}
}

func (m *MemoryBackupMarker) MarkForRotation(_ context.Context, subjectID string) (int, error) {
	if subjectID == "" {
		return 0, fmt.Errorf("empty subject id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[subjectID] = m.Snapshots
	return m.Snapshots, nil
}

// Marked reports whether subjectID is pending rotation.
func (m *MemoryBackupMarker) Marked(subjectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.marked[subjectID]
	return ok
}
