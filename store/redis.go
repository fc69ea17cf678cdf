package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"scenereel/task"
)

const indexKey = "scenereel:tasks"

func recordKey(id string) string { return "scenereel:task:" + id }

// RedisStore keeps each task record under its own key and the set of ids in
// an index set.
type RedisStore struct {
	client *redis.Client
}

var _ task.Store = (*RedisStore)(nil)

// NewRedisClient creates a client with conservative timeouts.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, t task.Task) error {
	data, err := task.EncodeRecord(t)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, recordKey(t.ID), data, 0)
		p.SAdd(ctx, indexKey, t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put task %s: %w", t.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (task.Task, error) {
	data, err := s.client.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return task.Task{}, &task.NotFoundError{ID: id}
		}
		return task.Task{}, fmt.Errorf("redis get task %s: %w", id, err)
	}
	return task.DecodeRecord(data)
}

func (s *RedisStore) List(ctx context.Context) ([]task.Task, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list tasks: %w", err)
	}

	out := make([]task.Task, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// removed between SMEMBERS and MGET
			continue
		}
		t, err := task.DecodeRecord([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, recordKey(id))
		p.SRem(ctx, indexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete task %s: %w", id, err)
	}
	if del.Val() == 0 {
		return &task.NotFoundError{ID: id}
	}
	return nil
}
