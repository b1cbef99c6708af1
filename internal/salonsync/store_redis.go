package salonsync

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each named store as a hash of id -> value plus a sorted set
// ordering ids by a shared counter, so several agents can share one queue.
// Replays of a shared queue are serialized by RedisLeases on the same client.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "salonsync:queue"
	}
	return &RedisStore{client: client, prefix: normalized}
}

// OpenRedisStore dials addr and verifies the connection.
func OpenRedisStore(ctx context.Context, addr string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, newError("queue.open", KindStorageOpen, err)
	}
	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) dataKey(store string) string  { return s.prefix + ":" + store + ":data" }
func (s *RedisStore) orderKey(store string) string { return s.prefix + ":" + store + ":order" }
func (s *RedisStore) seqKey() string               { return s.prefix + ":seq" }

func (s *RedisStore) Get(ctx context.Context, store, id string) ([]byte, bool, error) {
	b, err := s.client.HGet(ctx, s.dataKey(store), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, newError("queue.get", KindStorageIO, err)
	}
	return b, true, nil
}

func (s *RedisStore) Put(ctx context.Context, store, id string, value []byte) error {
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return newError("queue.put", KindStorageIO, err)
	}
	// ZADD overwrites the score of an existing id, moving it to the tail.
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.dataKey(store), id, value)
		pipe.ZAdd(ctx, s.orderKey(store), redis.Z{Score: float64(seq), Member: id})
		return nil
	})
	if err != nil {
		return newError("queue.put", KindStorageIO, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, store, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.dataKey(store), id)
		pipe.ZRem(ctx, s.orderKey(store), id)
		return nil
	})
	if err != nil {
		return newError("queue.delete", KindStorageIO, err)
	}
	return nil
}

func (s *RedisStore) GetAll(ctx context.Context, store string) ([]StoredRecord, error) {
	ids, err := s.client.ZRange(ctx, s.orderKey(store), 0, -1).Result()
	if err != nil {
		return nil, newError("queue.getall", KindStorageIO, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.dataKey(store), ids...).Result()
	if err != nil {
		return nil, newError("queue.getall", KindStorageIO, err)
	}
	out := make([]StoredRecord, 0, len(ids))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// removed between ZRANGE and HMGET
			continue
		}
		out = append(out, StoredRecord{ID: ids[i], Value: []byte(str)})
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
