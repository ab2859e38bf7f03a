package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/rtbf"
)

var _ rtbf.Purger = (*SubjectPurger)(nil)

const scanBatch = 200

// SubjectPurger erases the cache layer: every key under the subject's
// cache scope, found with SCAN and removed in batches.
type SubjectPurger struct {
	client *redis.Client
	keys   Keyspace
	logger *zap.Logger
}

func NewSubjectPurger(client *redis.Client, keys Keyspace, logger *zap.Logger) *SubjectPurger {
	return &SubjectPurger{client: client, keys: keys, logger: logger}
}

func (p *SubjectPurger) Layer() rtbf.Layer { return rtbf.LayerCache }

func (p *SubjectPurger) Purge(ctx context.Context, subjectID string) (rtbf.PurgeResult, error) {
	pattern := p.keys.subjectPattern(subjectID)
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := p.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return rtbf.PurgeResult{RecordsAffected: int(deleted)}, err
		}
		if len(keys) > 0 {
			n, err := p.client.Del(ctx, keys...).Result()
			if err != nil {
				return rtbf.PurgeResult{RecordsAffected: int(deleted)}, err
			}
			deleted += n
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	p.logger.Debug("subject cache purged", zap.String("subject_id", subjectID), zap.Int64("keys", deleted))
	return rtbf.PurgeResult{
		RecordsAffected: int(deleted),
		Details:         map[string]interface{}{"pattern": pattern},
	}, nil
}
