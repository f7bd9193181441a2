package concurrency

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const resourceKeyPrefix = "compliance:resource:"

// RedisStore keeps resources in Redis hashes. Each conditional write WATCHes
// the key, checks the version, runs the commit hook and only then applies the
// change in MULTI/EXEC, so nothing becomes visible before the hook succeeded.
// A write that lost the key to another writer after its hook ran reports a
// conflict; its hook side effects (an audit event) stay behind.
type RedisStore struct {
	client redis.UniversalClient
	logger zerolog.Logger
	now    func() time.Time
}

// NewRedisStore creates a store on client. The client's lifecycle is managed
// by the caller.
func NewRedisStore(client redis.UniversalClient, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger.With().Str("component", "redis_version_store").Logger(),
		now:    time.Now,
	}
}

// NewRedisClient parses url and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func resourceKey(id string) string {
	return resourceKeyPrefix + id
}

func (s *RedisStore) Get(ctx context.Context, id string) (Resource, error) {
	vals, err := s.client.HGetAll(ctx, resourceKey(id)).Result()
	if err != nil {
		return Resource{}, fmt.Errorf("redis get %s: %w", id, err)
	}
	return decodeResource(id, vals)
}

func decodeResource(id string, vals map[string]string) (Resource, error) {
	if len(vals) == 0 {
		return Resource{}, ErrNotFound
	}
	version, err := strconv.ParseInt(vals["version"], 10, 64)
	if err != nil {
		return Resource{}, fmt.Errorf("redis get %s: bad version %q", id, vals["version"])
	}
	updated, _ := time.Parse(time.RFC3339Nano, vals["updated_at"])
	return Resource{
		ID:        id,
		Type:      vals["type"],
		ClientID:  vals["client_id"],
		Version:   version,
		Data:      []byte(vals["data"]),
		UpdatedAt: updated,
	}, nil
}

// watch runs fn under WATCH on id's key. lost is returned when another
// writer touched the key before EXEC.
func (s *RedisStore) watch(ctx context.Context, id string, lost error, fn func(tx *redis.Tx, key string) error) error {
	key := resourceKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error { return fn(tx, key) }, key)
	if errors.Is(err, redis.TxFailedErr) {
		s.logger.Warn().Str("resource_id", id).Msg("resource changed between check and commit")
		return lost
	}
	return err
}

func (s *RedisStore) Insert(ctx context.Context, r Resource, hook CommitHook) (Resource, error) {
	r = r.clone()
	r.Version = 1
	r.UpdatedAt = s.now().UTC()

	err := s.watch(ctx, r.ID, ErrAlreadyExists, func(tx *redis.Tx, key string) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis insert %s: %w", r.ID, err)
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		if err := runHook(ctx, hook, r); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"type", r.Type,
				"client_id", r.ClientID,
				"version", r.Version,
				"data", string(r.Data),
				"updated_at", r.UpdatedAt.Format(time.RFC3339Nano))
			return nil
		})
		return err
	})
	if err != nil {
		return Resource{}, err
	}
	return r, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, expected int64, r Resource, hook CommitHook) (Resource, error) {
	var written Resource
	err := s.watch(ctx, r.ID, ErrVersionMismatch, func(tx *redis.Tx, key string) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis compare-and-swap %s: %w", r.ID, err)
		}
		cur, err := decodeResource(r.ID, vals)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			return ErrVersionMismatch
		}

		written = cur
		written.Version = cur.Version + 1
		written.Data = slices.Clone(r.Data)
		written.UpdatedAt = s.now().UTC()
		if err := runHook(ctx, hook, written); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"version", written.Version,
				"data", string(written.Data),
				"updated_at", written.UpdatedAt.Format(time.RFC3339Nano))
			return nil
		})
		return err
	})
	if err != nil {
		return Resource{}, err
	}
	return written, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string, expected int64, hook CommitHook) (Resource, error) {
	var removed Resource
	err := s.watch(ctx, id, ErrVersionMismatch, func(tx *redis.Tx, key string) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis delete %s: %w", id, err)
		}
		cur, err := decodeResource(id, vals)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			return ErrVersionMismatch
		}
		if err := runHook(ctx, hook, cur); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		removed = cur
		return err
	})
	if err != nil {
		return Resource{}, err
	}
	return removed, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
