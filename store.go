package swmrlock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL results reported by Store.TTL for keys in a non-expiring state.
// The values follow the Redis TTL command convention.
const (
	// TTLNone reports a key that exists but carries no expiry.
	TTLNone = time.Duration(-1)
	// TTLMissing reports a key that does not exist.
	TTLMissing = time.Duration(-2)
)

// Store is the coordination store contract the protocol runs against. Any
// key-value store providing atomic set-if-absent with expiry, counters and
// an atomic get-then-conditional-delete suffices; the stock implementation
// is RedisStore.
//
// Values are plain strings end to end, so that owner-token comparison is
// string equality and participants written against other client libraries
// interoperate.
type Store interface {
	// SetIfAbsent atomically sets key to value with expiry ttl, only if the
	// key does not exist. Reports whether the set happened.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// TTL returns the remaining time to live of key, TTLNone if the key has
	// no expiry, or TTLMissing if the key does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Expire assigns a TTL to an existing key. Reports whether the key
	// exists and the expiry was set.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Get returns the string value of key. The second result is false if
	// the key does not exist.
	Get(ctx context.Context, key string) (string, bool, error)

	// Incr atomically adds delta to the integer stored at key and returns
	// the post-image. Absent keys read as zero.
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	// Decr atomically subtracts delta from the integer stored at key and
	// returns the post-image. Absent keys read as zero.
	Decr(ctx context.Context, key string, delta int64) (int64, error)

	// CompareAndDelete atomically deletes key iff its current value equals
	// expected. Reports whether the delete happened. Implementations based
	// on optimistic transactions must retry transient conflicts until one
	// of the two definite outcomes is reached.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// Keys returns the keys matching the given glob-style pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Del removes the given keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Close releases the underlying connection resources.
	Close() error
}

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to the Redis endpoint described by cfg.
func NewRedisStore(cfg Config) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.addr(),
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	return &RedisStore{client: client}
}

// NewRedisStoreFromClient wraps an existing client. The caller keeps
// ownership of the client; Close is still forwarded to it.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Ping verifies the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.Expire(ctx, key, ttl).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	return s.client.IncrBy(ctx, key, delta).Result()
}

func (s *RedisStore) Decr(ctx context.Context, key string, delta int64) (int64, error) {
	return s.client.DecrBy(ctx, key, delta).Result()
}

// CompareAndDelete runs an optimistic WATCH/MULTI/EXEC transaction and
// retries while the watched key is concurrently modified.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	for {
		var deleted bool
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			if val != expected {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err == nil {
				deleted = true
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return deleted, nil
	}
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return s.client.Keys(ctx, pattern).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.client.Del(ctx, keys...).Result()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
