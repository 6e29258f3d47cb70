package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps upload sessions in Redis so any server instance can
// accept any chunk. Keys expire after the TTL; every write refreshes the
// session's expiry so slow uploads are not cut off mid-flight.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed session store from a redis:// URL.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: redis.NewClient(opts), ttl: ttl}, nil
}

// Ping verifies connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func metaKey(id uuid.UUID) string  { return "annolab:upload:" + id.String() }
func partsKey(id uuid.UUID) string { return "annolab:upload:" + id.String() + ":parts" }
func chunkKey(id uuid.UUID, index int) string {
	return "annolab:upload:" + id.String() + ":chunk:" + strconv.Itoa(index)
}

func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return r.client.Set(ctx, metaKey(s.ID), body, r.ttl).Err()
}

func (r *RedisStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	body, err := r.client.Get(ctx, metaKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) PutChunk(ctx context.Context, id uuid.UUID, index int, data []byte) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, chunkKey(id, index), data, r.ttl)
	pipe.SAdd(ctx, partsKey(id), index)
	pipe.Expire(ctx, partsKey(id), r.ttl)
	pipe.Expire(ctx, metaKey(id), r.ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("store chunk %d: %w", index, err)
	}
	return nil
}

func (r *RedisStore) GetChunk(ctx context.Context, id uuid.UUID, index int) ([]byte, error) {
	data, err := r.client.Get(ctx, chunkKey(id, index)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrIncomplete
		}
		return nil, fmt.Errorf("get chunk %d: %w", index, err)
	}
	return data, nil
}

func (r *RedisStore) ReceivedIndexes(ctx context.Context, id uuid.UUID) ([]int, error) {
	members, err := r.client.SMembers(ctx, partsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	indexes := make([]int, 0, len(members))
	for _, m := range members {
		i, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("bad part index %q: %w", m, err)
		}
		indexes = append(indexes, i)
	}
	return indexes, nil
}

func (r *RedisStore) Delete(ctx context.Context, id uuid.UUID) error {
	indexes, err := r.ReceivedIndexes(ctx, id)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(indexes)+2)
	keys = append(keys, metaKey(id), partsKey(id))
	for _, i := range indexes {
		keys = append(keys, chunkKey(id, i))
	}
	return r.client.Del(ctx, keys...).Err()
}
