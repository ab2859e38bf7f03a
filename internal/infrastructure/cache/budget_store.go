package cache

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/budget"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

var (
	_ budget.Store      = (*BudgetStore)(nil)
	_ budget.HistoryLog = (*BudgetHistory)(nil)
)

// BudgetStore keeps budget accounts as JSON strings. Writes are
// compare-and-swap on the account version under WATCH.
type BudgetStore struct {
	client *redis.Client
	keys   Keyspace
}

func NewBudgetStore(client *redis.Client, keys Keyspace) *BudgetStore {
	return &BudgetStore{client: client, keys: keys}
}

func (s *BudgetStore) Get(ctx context.Context, subjectID string) (*budget.Account, error) {
	data, err := s.client.Get(ctx, s.keys.budget(subjectID)).Bytes()
	if err == redis.Nil {
		return nil, errors.NewNotFoundError("budget account")
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to read budget account").WithCause(err)
	}
	var acct budget.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, errors.NewInternalError("failed to decode budget account").WithCause(err)
	}
	return &acct, nil
}

func (s *BudgetStore) CompareAndSwap(ctx context.Context, expected int64, next *budget.Account) (bool, error) {
	if next.Version != expected+1 {
		return false, errors.NewInternalError("budget account version must advance by one")
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return false, errors.NewInternalError("failed to encode budget account").WithCause(err)
	}
	key := s.keys.budget(next.SubjectID)

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
		return false, errors.NewInternalError("failed to store budget account").WithCause(err)
	}
	return ok, nil
}

func (s *BudgetStore) Delete(ctx context.Context, subjectID string) error {
	if err := s.client.Del(ctx, s.keys.budget(subjectID)).Err(); err != nil {
		return errors.NewInternalError("failed to delete budget account").WithCause(err)
	}
	return nil
}

// storedVersion reads the version field of a JSON value, 0 when absent.
func storedVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, err
	}
	return v.Version, nil
}

// BudgetHistory is a capped per-subject list, newest first.
type BudgetHistory struct {
	client *redis.Client
	keys   Keyspace
	limit  int64
}

func NewBudgetHistory(client *redis.Client, keys Keyspace, limit int) *BudgetHistory {
	if limit <= 0 {
		limit = budget.DefaultHistoryLimit
	}
	return &BudgetHistory{client: client, keys: keys, limit: int64(limit)}
}

func (h *BudgetHistory) Append(ctx context.Context, e budget.HistoryEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.NewInternalError("failed to encode budget history").WithCause(err)
	}
	key := h.keys.budgetHistory(e.SubjectID)
	_, err = h.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, payload)
		p.LTrim(ctx, key, 0, h.limit-1)
		return nil
	})
	if err != nil {
		return errors.NewInternalError("failed to append budget history").WithCause(err)
	}
	return nil
}

// List returns up to limit entries; limit <= 0 returns everything kept.
func (h *BudgetHistory) List(ctx context.Context, subjectID string, limit int) ([]budget.HistoryEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := h.client.LRange(ctx, h.keys.budgetHistory(subjectID), 0, stop).Result()
	if err != nil {
		return nil, errors.NewInternalError("failed to read budget history").WithCause(err)
	}
	out := make([]budget.HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var e budget.HistoryEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, errors.NewInternalError("failed to decode budget history").WithCause(err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (h *BudgetHistory) Clear(ctx context.Context, subjectID string) error {
	if err := h.client.Del(ctx, h.keys.budgetHistory(subjectID)).Err(); err != nil {
		return errors.NewInternalError("failed to clear budget history").WithCause(err)
	}
	return nil
}
