package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_SubmitCreatesRecordAndQueueEntry(t *testing.T) {
	store, _ := setupRedisStore(t)
	svc := NewService(store, store)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StatusQueued, job.Status)

	got, err := svc.Lookup(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Message)
	assert.Equal(t, StatusQueued, got.Status)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Queued)

	id, err := store.TryPop(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, id)
}

func TestService_SubmitUniqueIDs(t *testing.T) {
	store, _ := setupRedisStore(t)
	svc := NewService(store, store)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		job, err := svc.Submit(ctx, "same message")
		require.NoError(t, err)
		assert.False(t, seen[job.ID], "duplicate id %s", job.ID)
		seen[job.ID] = true
	}
}

func TestService_SubmitRejectsEmptyMessage(t *testing.T) {
	store, mr := setupRedisStore(t)
	svc := NewService(store, store)
	ctx := context.Background()

	for _, msg := range []string{"", "   ", "\n\t"} {
		_, err := svc.Submit(ctx, msg)
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, mr.Keys())
}

func TestService_SubmitRejectsWhenQueueFull(t *testing.T) {
	store, _ := setupRedisStore(t)
	svc := NewService(store, store, WithMaxQueueDepth(2))
	ctx := context.Background()

	_, err := svc.Submit(ctx, "one")
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "two")
	require.NoError(t, err)

	_, err = svc.Submit(ctx, "three")
	assert.ErrorIs(t, err, ErrQueueFull)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

type failingQueue struct {
	Queue
}

func (failingQueue) Push(context.Context, string) error { return assert.AnError }
func (failingQueue) Len(context.Context) (int64, error) { return 0, nil }

func TestService_SubmitRemovesRecordWhenEnqueueFails(t *testing.T) {
	store, mr := setupRedisStore(t)
	svc := NewService(store, failingQueue{}, WithIDGenerator(func() string { return "fixed" }))

	_, err := svc.Submit(context.Background(), "hello")
	require.Error(t, err)
	assert.False(t, mr.Exists(DefaultKeyPrefix+"fixed"))
}

func TestService_LookupExpired(t *testing.T) {
	store, mr := setupRedisStore(t, WithTTL(time.Minute))
	svc := NewService(store, store)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "hello")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = svc.Lookup(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
