package cache

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/token"
)

var _ token.Store = (*TokenStore)(nil)

// tokenRetention keeps a token key around past its lifetime so the vault
// still sees it, reports it expired and destroys it. After that Redis
// drops it on its own.
const tokenRetention = time.Hour

// TokenStore keeps each token as a JSON string plus per-task and
// per-requester id sets. Completed tasks are marked with a flag key that
// Put checks under WATCH.
type TokenStore struct {
	client *redis.Client
	keys   Keyspace
}

func NewTokenStore(client *redis.Client, keys Keyspace) *TokenStore {
	return &TokenStore{client: client, keys: keys}
}

func tokenTTL(t *token.Token) time.Duration {
	return time.Duration(t.MaxTTLSeconds)*time.Second + tokenRetention
}

func (s *TokenStore) Get(ctx context.Context, tokenID string) (*token.Token, error) {
	data, err := s.client.Get(ctx, s.keys.token(tokenID)).Bytes()
	if err == redis.Nil {
		return nil, errors.NewNotFoundError("token")
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to read token").WithCause(err)
	}
	return decodeToken(data)
}

func (s *TokenStore) Put(ctx context.Context, t *token.Token) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return errors.NewInternalError("failed to encode token").WithCause(err)
	}
	tokenKey := s.keys.token(t.ID)
	completedKey := s.keys.taskCompleted(t.TaskID)
	ttl := tokenTTL(t)

	var rejected error
	ok, err := watch(ctx, s.client, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, completedKey, tokenKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			done, err := tx.Exists(ctx, completedKey).Result()
			if err != nil {
				return err
			}
			if done > 0 {
				rejected = errors.NewValidationError("TASK_COMPLETED", "task "+t.TaskID+" is already completed")
			} else {
				rejected = errors.NewConflictError("token " + t.ID + " already exists")
			}
			return errCASMismatch
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, tokenKey, payload, ttl)
			p.SAdd(ctx, s.keys.taskTokens(t.TaskID), t.ID)
			p.SAdd(ctx, s.keys.requesterTokens(t.RequesterID), t.ID)
			return nil
		})
		return err
	}, completedKey, tokenKey)
	if err != nil {
		return errors.NewInternalError("failed to store token").WithCause(err)
	}
	if rejected != nil {
		return rejected
	}
	if !ok {
		return errors.NewConflictError("token " + t.ID + " is under contention")
	}
	return nil
}

func (s *TokenStore) CompareAndSwap(ctx context.Context, tokenID string, expected int64, next *token.Token) (bool, error) {
	key := s.keys.token(tokenID)

	ok, err := watch(ctx, s.client, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return errCASMismatch
		}
		if err != nil {
			return err
		}
		current, err := decodeToken(data)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return errCASMismatch
		}

		if next == nil {
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, key)
				p.SRem(ctx, s.keys.taskTokens(current.TaskID), tokenID)
				p.SRem(ctx, s.keys.requesterTokens(current.RequesterID), tokenID)
				return nil
			})
			return err
		}

		stored := *next
		stored.Version = expected + 1
		payload, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, payload, tokenTTL(&stored))
			return nil
		})
		return err
	}, key)
	if err != nil {
		return false, errors.NewInternalError("failed to update token").WithCause(err)
	}
	return ok, nil
}

func (s *TokenStore) ListByTask(ctx context.Context, taskID string) ([]token.Token, error) {
	return s.listSet(ctx, s.keys.taskTokens(taskID))
}

func (s *TokenStore) ListByRequester(ctx context.Context, requesterID string) ([]token.Token, error) {
	return s.listSet(ctx, s.keys.requesterTokens(requesterID))
}

// listSet loads the tokens named in an id set, pruning ids whose token key
// has already been dropped by Redis.
func (s *TokenStore) listSet(ctx context.Context, setKey string) ([]token.Token, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, errors.NewInternalError("failed to list tokens").WithCause(err)
	}
	out := make([]token.Token, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.token(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.NewInternalError("failed to load tokens").WithCause(err)
	}

	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		t, err := decodeToken([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if len(stale) > 0 {
		s.client.SRem(ctx, setKey, stale...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

// CompleteTask deletes every live token of the task and sets the completed
// flag in one MULTI block.
func (s *TokenStore) CompleteTask(ctx context.Context, taskID string) (int, error) {
	setKey := s.keys.taskTokens(taskID)
	completedKey := s.keys.taskCompleted(taskID)
	var destroyed int

	ok, err := watch(ctx, s.client, func(tx *redis.Tx) error {
		ids, err := tx.SMembers(ctx, setKey).Result()
		if err != nil {
			return err
		}
		live := make([]*token.Token, 0, len(ids))
		for _, id := range ids {
			data, err := tx.Get(ctx, s.keys.token(id)).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return err
			}
			t, err := decodeToken(data)
			if err != nil {
				return err
			}
			live = append(live, t)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, t := range live {
				p.Del(ctx, s.keys.token(t.ID))
				p.SRem(ctx, s.keys.requesterTokens(t.RequesterID), t.ID)
			}
			p.Del(ctx, setKey)
			p.Set(ctx, completedKey, time.Now().UTC().Format(time.RFC3339Nano), 0)
			return nil
		})
		if err == nil {
			destroyed = len(live)
		}
		return err
	}, setKey, completedKey)
	if err != nil {
		return 0, errors.NewInternalError("failed to complete task").WithCause(err)
	}
	if !ok {
		return 0, errors.NewInternalError("task " + taskID + " is under sustained write contention")
	}
	return destroyed, nil
}

func (s *TokenStore) IsTaskCompleted(ctx context.Context, taskID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keys.taskCompleted(taskID)).Result()
	if err != nil {
		return false, errors.NewInternalError("failed to read task state").WithCause(err)
	}
	return n > 0, nil
}

func decodeToken(data []byte) (*token.Token, error) {
	var t token.Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.NewInternalError("failed to decode token").WithCause(err)
	}
	return &t, nil
}
