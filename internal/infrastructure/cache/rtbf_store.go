package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/rtbf"
)

var (
	_ rtbf.BlockList    = (*BlockList)(nil)
	_ rtbf.RequestStore = (*RequestStore)(nil)
)

// BlockList is a hash of subject id to block time. HSETNX makes Block
// idempotent across instances.
type BlockList struct {
	client *redis.Client
	keys   Keyspace
}

func NewBlockList(client *redis.Client, keys Keyspace) *BlockList {
	return &BlockList{client: client, keys: keys}
}

func (b *BlockList) Block(ctx context.Context, subjectID string, at time.Time) (bool, error) {
	added, err := b.client.HSetNX(ctx, b.keys.blocked(), subjectID, at.UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return false, errors.NewInternalError("failed to block subject").WithCause(err)
	}
	return added, nil
}

func (b *BlockList) IsBlocked(ctx context.Context, subjectID string) (bool, error) {
	ok, err := b.client.HExists(ctx, b.keys.blocked(), subjectID).Result()
	if err != nil {
		return false, errors.NewInternalError("failed to read block list").WithCause(err)
	}
	return ok, nil
}

// RequestStore keeps erasure requests as JSON with two sorted-set indexes
// scored by creation time: one global, one per subject.
type RequestStore struct {
	client *redis.Client
	keys   Keyspace
}

func NewRequestStore(client *redis.Client, keys Keyspace) *RequestStore {
	return &RequestStore{client: client, keys: keys}
}

func (s *RequestStore) Save(ctx context.Context, req *rtbf.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return errors.NewInternalError("failed to encode rtbf request").WithCause(err)
	}
	score := float64(req.CreatedAt.UnixNano())
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.keys.rtbfRequest(req.ID), payload, 0)
		p.ZAdd(ctx, s.keys.rtbfIndex(), redis.Z{Score: score, Member: req.ID})
		p.ZAdd(ctx, s.keys.rtbfSubject(req.SubjectID), redis.Z{Score: score, Member: req.ID})
		return nil
	})
	if err != nil {
		return errors.NewInternalError("failed to store rtbf request").WithCause(err)
	}
	return nil
}

func (s *RequestStore) Get(ctx context.Context, requestID string) (*rtbf.Request, error) {
	data, err := s.client.Get(ctx, s.keys.rtbfRequest(requestID)).Bytes()
	if err == redis.Nil {
		return nil, errors.NewNotFoundError("rtbf request")
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to read rtbf request").WithCause(err)
	}
	return decodeRequest(data)
}

func (s *RequestStore) List(ctx context.Context, status rtbf.Status) ([]rtbf.Request, error) {
	all, err := s.load(ctx, s.keys.rtbfIndex())
	if err != nil {
		return nil, err
	}
	if status == "" {
		return all, nil
	}
	out := make([]rtbf.Request, 0, len(all))
	for _, r := range all {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *RequestStore) LatestCompleted(ctx context.Context, subjectID string) (*rtbf.Request, error) {
	all, err := s.load(ctx, s.keys.rtbfSubject(subjectID))
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.Status == rtbf.StatusCompleted && r.Certificate != nil {
			return &r, nil
		}
	}
	return nil, errors.NewNotFoundError("deletion certificate")
}

// load returns the requests named by a sorted-set index, newest first.
func (s *RequestStore) load(ctx context.Context, index string) ([]rtbf.Request, error) {
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, errors.NewInternalError("failed to list rtbf requests").WithCause(err)
	}
	out := make([]rtbf.Request, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.rtbfRequest(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.NewInternalError("failed to load rtbf requests").WithCause(err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		r, err := decodeRequest([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func decodeRequest(data []byte) (*rtbf.Request, error) {
	var r rtbf.Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.NewInternalError("failed to decode rtbf request").WithCause(err)
	}
	return &r, nil
}
