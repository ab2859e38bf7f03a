package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/consent"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

var (
	_ consent.Store = (*ConsentStore)(nil)
	_ consent.Store = (*CachedConsentStore)(nil)
)

// ConsentStore is the authoritative consent registry for the redis backend.
type ConsentStore struct {
	client *redis.Client
	keys   Keyspace
}

func NewConsentStore(client *redis.Client, keys Keyspace) *ConsentStore {
	return &ConsentStore{client: client, keys: keys}
}

func (s *ConsentStore) Get(ctx context.Context, subjectID string) (*consent.Record, error) {
	data, err := s.client.Get(ctx, s.keys.consent(subjectID)).Bytes()
	if err == redis.Nil {
		return nil, errors.NewNotFoundError("consent record")
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to read consent record").WithCause(err)
	}
	return decodeConsent(data)
}

func (s *ConsentStore) CompareAndSwap(ctx context.Context, expected int64, next *consent.Record) (bool, error) {
	stored := *next
	stored.Version = expected + 1
	payload, err := json.Marshal(stored)
	if err != nil {
		return false, errors.NewInternalError("failed to encode consent record").WithCause(err)
	}
	key := s.keys.consent(next.SubjectID)

	ok, err := watch(ctx, s.client, func(tx *redis.Tx) error {
		current, err := storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != expected {
			return errCASMismatch
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return false, errors.NewInternalError("failed to store consent record").WithCause(err)
	}
	return ok, nil
}

func (s *ConsentStore) Delete(ctx context.Context, subjectID string) (bool, error) {
	n, err := s.client.Del(ctx, s.keys.consent(subjectID)).Result()
	if err != nil {
		return false, errors.NewInternalError("failed to delete consent record").WithCause(err)
	}
	return n > 0, nil
}

func decodeConsent(data []byte) (*consent.Record, error) {
	var rec consent.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.NewInternalError("failed to decode consent record").WithCause(err)
	}
	return &rec, nil
}

// CachedConsentStore fronts a slower consent store with a Redis read-through
// cache. Entries live under the subject's cache scope. Successful writes
// replace the entry and fills use SETNX, so a reader holding an older
// record cannot overwrite a newer one.
type CachedConsentStore struct {
	next   consent.Store
	client *redis.Client
	keys   Keyspace
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedConsentStore(next consent.Store, client *redis.Client, keys Keyspace, ttl time.Duration, logger *zap.Logger) *CachedConsentStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedConsentStore{next: next, client: client, keys: keys, ttl: ttl, logger: logger}
}

func (c *CachedConsentStore) cacheKey(subjectID string) string {
	return c.keys.SubjectCache(subjectID, "consent")
}

func (c *CachedConsentStore) Get(ctx context.Context, subjectID string) (*consent.Record, error) {
	key := c.cacheKey(subjectID)
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if rec, decodeErr := decodeConsent(data); decodeErr == nil {
			return rec, nil
		}
	case err != redis.Nil:
		c.logger.Warn("consent cache read failed", zap.String("subject_id", subjectID), zap.Error(err))
	}

	rec, err := c.next.Get(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(rec); err == nil {
		if err := c.client.SetNX(ctx, key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn("consent cache fill failed", zap.String("subject_id", subjectID), zap.Error(err))
		}
	}
	return rec, nil
}

func (c *CachedConsentStore) CompareAndSwap(ctx context.Context, expected int64, next *consent.Record) (bool, error) {
	ok, err := c.next.CompareAndSwap(ctx, expected, next)
	if err != nil {
		return false, err
	}
	if !ok {
		c.invalidate(ctx, next.SubjectID)
		return false, nil
	}
	stored := *next
	stored.Version = expected + 1
	payload, err := json.Marshal(stored)
	if err == nil {
		err = c.client.Set(ctx, c.cacheKey(next.SubjectID), payload, c.ttl).Err()
	}
	if err != nil {
		c.invalidate(ctx, next.SubjectID)
	}
	return true, nil
}

func (c *CachedConsentStore) Delete(ctx context.Context, subjectID string) (bool, error) {
	existed, err := c.next.Delete(ctx, subjectID)
	if err != nil {
		return false, err
	}
	c.invalidate(ctx, subjectID)
	return existed, nil
}

func (c *CachedConsentStore) invalidate(ctx context.Context, subjectID string) {
	if err := c.client.Del(ctx, c.cacheKey(subjectID)).Err(); err != nil {
		c.logger.Warn("consent cache invalidation failed", zap.String("subject_id", subjectID), zap.Error(err))
	}
}
