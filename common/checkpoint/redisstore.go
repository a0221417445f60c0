package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
	"github.com/kkkqkx123/graph-agent-go/common/redis"
)

const (
	keyPrefix    = "ckpt:doc:"
	threadPrefix = "ckpt:thread:"
	globalKey    = "ckpt:all"
	threadsKey   = "ckpt:threads"
)

// RedisStore persists checkpoints in Redis. Each checkpoint document is
// a JSON value; per-thread and global sorted sets keyed by timestamp
// keep the eviction order queryable.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed checkpoint store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Put stores a checkpoint document and indexes it.
func (s *RedisStore) Put(ctx context.Context, cp *Checkpoint) error {
	doc, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}
	if err := s.client.Set(ctx, keyPrefix+cp.ID, string(doc), 0); err != nil {
		return err
	}
	score := float64(cp.Timestamp.UnixNano())
	if err := s.client.ZAdd(ctx, threadPrefix+cp.ThreadID, score, cp.ID); err != nil {
		return err
	}
	if err := s.client.ZAdd(ctx, globalKey, score, cp.ID); err != nil {
		return err
	}
	return s.client.SAdd(ctx, threadsKey, cp.ThreadID)
}

// Get returns a checkpoint by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	doc, err := s.client.Get(ctx, keyPrefix+id)
	if err != nil {
		if errors.Is(err, redis.ErrNotFound) {
			return nil, errs.NotFound("checkpoint %s not found", id)
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(doc), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

// Delete removes a checkpoint and its index entries. Deleting an
// unknown id is a no-op.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	cp, err := s.Get(ctx, id)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return nil
		}
		return err
	}
	if err := s.client.Delete(ctx, keyPrefix+id); err != nil {
		return err
	}
	if err := s.client.ZRem(ctx, threadPrefix+cp.ThreadID, id); err != nil {
		return err
	}
	if err := s.client.ZRem(ctx, globalKey, id); err != nil {
		return err
	}
	count, err := s.client.ZCard(ctx, threadPrefix+cp.ThreadID)
	if err != nil {
		return err
	}
	if count == 0 {
		return s.client.SRem(ctx, threadsKey, cp.ThreadID)
	}
	return nil
}

// ByThread returns a thread's checkpoints in ascending timestamp order.
func (s *RedisStore) ByThread(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	ids, err := s.client.ZRangeAsc(ctx, threadPrefix+threadID, 0, -1)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}
	docs, err := s.client.GetMultiple(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, 0, len(ids))
	for _, key := range keys {
		doc, ok := docs[key]
		if !ok {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal([]byte(doc), &cp); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint at %s: %w", key, err)
		}
		out = append(out, &cp)
	}
	return out, nil
}

// Oldest returns the globally oldest checkpoint.
func (s *RedisStore) Oldest(ctx context.Context) (*Checkpoint, error) {
	ids, err := s.client.ZRangeAsc(ctx, globalKey, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errs.NotFound("no checkpoints stored")
	}
	return s.Get(ctx, ids[0])
}

// Count returns the total number of stored checkpoints.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	count, err := s.client.ZCard(ctx, globalKey)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// Clear drops all checkpoints for one thread.
func (s *RedisStore) Clear(ctx context.Context, threadID string) error {
	ids, err := s.client.ZRangeAsc(ctx, threadPrefix+threadID, 0, -1)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ClearAll drops every checkpoint.
func (s *RedisStore) ClearAll(ctx context.Context) error {
	threads, err := s.client.SMembers(ctx, threadsKey)
	if err != nil {
		return err
	}
	for _, threadID := range threads {
		if err := s.Clear(ctx, threadID); err != nil {
			return err
		}
	}
	return nil
}
