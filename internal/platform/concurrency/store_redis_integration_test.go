//go:build integration

package concurrency

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/compliance/internal/platform/apperror"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, zerolog.Nop())
}

func TestRedisStore_CompareAndSwap(t *testing.T) {
	store := newRedisStore(t)
	c := newTestController(store)
	ctx := context.Background()
	seed(t, c, "R1", 3)

	got, err := c.Write(ctx, "R1", 3, setData("active"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, "client", got.Type)
	assert.Equal(t, "R1", got.ClientID)

	_, err = c.Write(ctx, "R1", 3, setData("stale"), nil)
	assert.Equal(t, apperror.CodeOptimisticLock, apperror.CodeOf(err))

	stored, err := store.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.Version)
	assert.JSONEq(t, `{"status":"active"}`, string(stored.Data))
}

func TestRedisStore_RacingWriters(t *testing.T) {
	store := newRedisStore(t)
	c := newTestController(store)
	seed(t, c, "R1", 3)

	var wins atomic.Int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := c.Write(context.Background(), "R1", 3, setData("racer"), nil)
			if err == nil {
				wins.Add(1)
				return nil
			}
			if apperror.IsCode(err, apperror.CodeOptimisticLock) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), wins.Load())
	stored, err := store.Get(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.Version)
}

func TestRedisStore_HookFailureReverts(t *testing.T) {
	store := newRedisStore(t)
	c := newTestController(store)
	ctx := context.Background()
	seed(t, c, "R1", 2)
	failing := func(context.Context, Resource) error { return errors.New("audit down") }

	_, err := c.Write(ctx, "R1", 2, setData("changed"), failing)
	require.Error(t, err)
	stored, err := store.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.JSONEq(t, `{"status":"v"}`, string(stored.Data))

	_, err = c.Create(ctx, Resource{ID: "R2", Type: "client", Data: json.RawMessage(`{}`)}, failing)
	require.Error(t, err)
	_, err = store.Get(ctx, "R2")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Delete(ctx, "R1", 2, failing)
	require.Error(t, err)
	restored, err := store.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, stored.Version, restored.Version)
	assert.Equal(t, "client", restored.Type)
}

func TestRedisStore_HookFailureLeavesNoUnauditedChange(t *testing.T) {
	store := newRedisStore(t)
	c := newTestController(store)
	ctx := context.Background()
	seed(t, c, "R1", 2)

	hook := func(ctx context.Context, written Resource) error {
		// Another writer reads and merges while this hook runs.
		cur, err := store.Get(ctx, "R1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), cur.Version, "the pending write is not visible")
		assert.JSONEq(t, `{"status":"v"}`, string(cur.Data))

		_, err = store.CompareAndSwap(ctx, cur.Version, Resource{ID: "R1", Data: json.RawMessage(`{"status":"other"}`)}, nil)
		require.NoError(t, err)
		return errors.New("audit down")
	}

	_, err := c.Write(ctx, "R1", 2, setData("unaudited"), hook)
	require.Error(t, err)

	stored, err := store.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Version)
	assert.JSONEq(t, `{"status":"other"}`, string(stored.Data))
}

func TestRedisStore_ConcurrentWriteDuringHookIsConflict(t *testing.T) {
	store := newRedisStore(t)
	c := newTestController(store)
	ctx := context.Background()
	seed(t, c, "R1", 1)

	var audited atomic.Int32
	hook := func(ctx context.Context, written Resource) error {
		audited.Add(1)
		_, err := store.CompareAndSwap(ctx, 1, Resource{ID: "R1", Data: json.RawMessage(`{"status":"other"}`)}, nil)
		return err
	}

	_, err := c.Write(ctx, "R1", 1, setData("late"), hook)
	assert.Equal(t, apperror.CodeOptimisticLock, apperror.CodeOf(err))
	assert.Equal(t, int32(1), audited.Load())

	stored, err := store.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.JSONEq(t, `{"status":"other"}`, string(stored.Data))

	hook = func(ctx context.Context, written Resource) error {
		_, err := store.Insert(ctx, Resource{ID: "R2", Type: "client", Data: json.RawMessage(`{}`)}, nil)
		return err
	}
	_, err = c.Create(ctx, Resource{ID: "R2", Type: "client", Data: json.RawMessage(`{"status":"mine"}`)}, hook)
	require.Error(t, err)
	created, err := store.Get(ctx, "R2")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(created.Data))

	hook = func(ctx context.Context, written Resource) error {
		_, err := store.CompareAndSwap(ctx, 2, Resource{ID: "R1", Data: json.RawMessage(`{"status":"kept"}`)}, nil)
		return err
	}
	_, err = c.Delete(ctx, "R1", 2, hook)
	assert.Equal(t, apperror.CodeOptimisticLock, apperror.CodeOf(err))
	kept, err := store.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), kept.Version)
}

func TestRedisStore_Delete(t *testing.T) {
	store := newRedisStore(t)
	c := newTestController(store)
	ctx := context.Background()
	seed(t, c, "R1", 1)

	_, err := c.Delete(ctx, "R1", 1, nil)
	require.NoError(t, err)
	_, err = store.Get(ctx, "R1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, store.Ping(ctx))
}
