package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/chat-queue/internal/jobs"
	"github.com/vnmchuo/chat-queue/internal/provider"
	"github.com/vnmchuo/chat-queue/internal/usage"
)

type fakeGenerator struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     []string
	release   chan struct{}
}

func (g *fakeGenerator) Generate(ctx context.Context, jobID, message string) (*provider.Response, error) {
	g.mu.Lock()
	g.calls = append(g.calls, message)
	g.mu.Unlock()

	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := g.errs[message]; ok {
		return nil, err
	}
	return &provider.Response{
		Content:      g.responses[message],
		Provider:     "fake",
		Model:        "fake-1",
		InputTokens:  1,
		OutputTokens: 2,
	}, nil
}

func (g *fakeGenerator) Cost(resp *provider.Response) float64 { return 0.5 }

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type captureUsage struct {
	usage.NopStore
	mu   sync.Mutex
	logs []*usage.UsageLog
}

func (c *captureUsage) LogUsage(ctx context.Context, l *usage.UsageLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, l)
	return nil
}

func (c *captureUsage) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.logs)
}

type testEnv struct {
	store *jobs.RedisStore
	svc   *jobs.Service
	mr    *miniredis.Miniredis
}

func setup(t *testing.T) testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := jobs.NewRedisStore(client)
	return testEnv{store: store, svc: jobs.NewService(store, store), mr: mr}
}

func quietLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

func TestProcessOne_Completes(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	gen := &fakeGenerator{responses: map[string]string{"hello": "Hi!\n"}}
	w := New(env.store, env.store, gen, WithLogger(quietLogger()))

	job, err := env.svc.Submit(ctx, "hello")
	require.NoError(t, err)

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	got, err := env.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, "Hi!", got.Result)
	assert.Empty(t, got.Error)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "fake", got.Provider)

	n, err := env.store.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessOne_GenerationFailure(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	gen := &fakeGenerator{errs: map[string]error{"trigger-error": errors.New("model unavailable")}}
	w := New(env.store, env.store, gen, WithLogger(quietLogger()))

	job, err := env.svc.Submit(ctx, "trigger-error")
	require.NoError(t, err)
	before, _ := env.store.Len(ctx)

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err, "generation failures are recorded on the job, not returned")
	assert.True(t, processed)

	after, _ := env.store.Len(ctx)
	assert.Equal(t, before-1, after)

	got, err := env.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "model unavailable")
	assert.Empty(t, got.Result)
	assert.NotNil(t, got.FailedAt)
}

func TestProcessOne_GenerationTimeout(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	gen := &fakeGenerator{release: make(chan struct{})}
	w := New(env.store, env.store, gen, WithGenerationTimeout(50*time.Millisecond), WithLogger(quietLogger()))

	job, err := env.svc.Submit(ctx, "slow")
	require.NoError(t, err)

	_, err = w.ProcessOne(ctx)
	require.NoError(t, err)

	got, err := env.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "timed out")
}

func TestProcessOne_DropsExpiredJob(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	gen := &fakeGenerator{}
	w := New(env.store, env.store, gen, WithLogger(quietLogger()))

	require.NoError(t, env.store.Push(ctx, "vanished"))

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Zero(t, gen.callCount())
}

func TestProcessOne_SkipsFinishedJob(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	gen := &fakeGenerator{}
	w := New(env.store, env.store, gen, WithLogger(quietLogger()))

	job := jobs.NewJob("done", "hello", time.Now())
	require.NoError(t, job.Start(time.Now()))
	require.NoError(t, job.Complete("first", time.Now()))
	require.NoError(t, env.store.Save(ctx, job))
	require.NoError(t, env.store.Push(ctx, job.ID))

	_, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.Zero(t, gen.callCount())

	got, err := env.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Result)
}

func TestProcessOne_ResumesProcessingJob(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	gen := &fakeGenerator{responses: map[string]string{"hello": "Hi!"}}
	w := New(env.store, env.store, gen, WithLogger(quietLogger()))

	job := jobs.NewJob("resumed", "hello", time.Now())
	require.NoError(t, job.Start(time.Now()))
	require.NoError(t, env.store.Save(ctx, job))
	require.NoError(t, env.store.Push(ctx, job.ID))

	_, err := w.ProcessOne(ctx)
	require.NoError(t, err)

	got, err := env.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
}

type flakyRecords struct {
	jobs.Records
	failSaves int32
}

func (f *flakyRecords) Save(ctx context.Context, job *jobs.Job) error {
	if atomic.AddInt32(&f.failSaves, -1) >= 0 {
		return errors.New("connection reset")
	}
	return f.Records.Save(ctx, job)
}

func TestProcessOne_RequeuesOnStoreFailure(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	gen := &fakeGenerator{responses: map[string]string{"hello": "Hi!"}}
	records := &flakyRecords{Records: env.store, failSaves: 1}
	w := New(env.store, records, gen, WithLogger(quietLogger()))

	job, err := env.svc.Submit(ctx, "hello")
	require.NoError(t, err)

	_, err = w.ProcessOne(ctx)
	require.Error(t, err)

	n, err := env.store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "job id must go back on the queue")

	_, err = w.ProcessOne(ctx)
	require.NoError(t, err)

	got, err := env.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, 1, gen.callCount())
}

func TestProcessOne_StatusesNeverRegress(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	gen := &fakeGenerator{responses: map[string]string{"hello": "Hi!"}, release: make(chan struct{})}
	w := New(env.store, env.store, gen, WithLogger(quietLogger()))

	job, err := env.svc.Submit(ctx, "hello")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := w.ProcessOne(ctx)
		done <- err
	}()

	last := jobs.StatusQueued
	released := false
	deadline := time.After(5 * time.Second)
	for {
		got, err := env.store.Get(ctx, job.ID)
		require.NoError(t, err)
		require.False(t, got.Status.Before(last), "status went from %s to %s", last, got.Status)
		last = got.Status

		if got.Status == jobs.StatusProcessing && !released {
			close(gen.release)
			released = true
		}
		if got.Status.Terminal() {
			break
		}

		select {
		case <-deadline:
			t.Fatal("job never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}

	require.NoError(t, <-done)
	assert.Equal(t, jobs.StatusCompleted, last)
}

func TestDrain(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	gen := &fakeGenerator{responses: map[string]string{}}
	w := New(env.store, env.store, gen, WithLogger(quietLogger()))

	for _, m := range []string{"a", "b", "c"} {
		_, err := env.svc.Submit(ctx, m)
		require.NoError(t, err)
	}

	n, err := w.Drain(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = w.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = w.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"a", "b", "c"}, gen.calls)
}

func TestStartStop(t *testing.T) {
	env := setup(t)
	gen := &fakeGenerator{responses: map[string]string{"hello": "Hi!"}}
	capture := &captureUsage{}
	w := New(env.store, env.store, gen, WithUsageStore(capture), WithLogger(quietLogger()))

	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyRunning)

	job, err := env.svc.Submit(context.Background(), "hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := env.store.Get(context.Background(), job.ID)
		return err == nil && got.Status == jobs.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
	require.NoError(t, w.Stop(stopCtx), "stopping twice is a no-op")

	require.Equal(t, 1, capture.count())
	assert.Equal(t, job.ID, capture.logs[0].JobID)
	assert.Equal(t, 0.5, capture.logs[0].CostUSD)
}

type panickingGenerator struct{}

func (panickingGenerator) Generate(ctx context.Context, jobID, message string) (*provider.Response, error) {
	panic("sdk blew up")
}

func TestProcessOne_GeneratorPanics(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	w := New(env.store, env.store, panickingGenerator{}, WithLogger(quietLogger()))

	job, err := env.svc.Submit(ctx, "hello")
	require.NoError(t, err)

	var processed bool
	require.NotPanics(t, func() {
		processed, err = w.ProcessOne(ctx)
	})
	require.NoError(t, err)
	assert.True(t, processed)

	got, err := env.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "sdk blew up")
	assert.Empty(t, got.Result)
}

func TestProcessOne_EmptyResultFails(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	gen := &fakeGenerator{responses: map[string]string{"hello": "  \n"}}
	w := New(env.store, env.store, gen, WithLogger(quietLogger()))

	job, err := env.svc.Submit(ctx, "hello")
	require.NoError(t, err)

	_, err = w.ProcessOne(ctx)
	require.NoError(t, err)

	got, err := env.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, "generation returned an empty response", got.Error)
	assert.Empty(t, got.Result)
}

type stuckQueue struct {
	jobs.Queue
	release chan struct{}
}

func (q *stuckQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	<-q.release
	return "", jobs.ErrQueueEmpty
}

func TestStop_TimeoutKeepsWorkerRunning(t *testing.T) {
	env := setup(t)
	q := &stuckQueue{release: make(chan struct{})}
	w := New(q, env.store, &fakeGenerator{}, WithLogger(quietLogger()))

	require.NoError(t, w.Start(context.Background()))

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, w.Stop(short))

	assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyRunning,
		"a second loop must not start while the first is still running")

	close(q.release)
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelStop()
	require.NoError(t, w.Stop(stopCtx))

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop(stopCtx))
}

type brokenQueue struct {
	jobs.Queue
	pops int32
}

func (q *brokenQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	atomic.AddInt32(&q.pops, 1)
	return "", errors.New("dial tcp: connection refused")
}

func TestRun_BacksOffOnQueueErrors(t *testing.T) {
	env := setup(t)
	q := &brokenQueue{}
	w := New(q, env.store, &fakeGenerator{}, WithErrorBackoff(200*time.Millisecond), WithLogger(quietLogger()))

	require.NoError(t, w.Start(context.Background()))
	time.Sleep(500 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))

	pops := atomic.LoadInt32(&q.pops)
	assert.GreaterOrEqual(t, pops, int32(2), "loop must keep retrying")
	assert.LessOrEqual(t, pops, int32(4), "loop must back off between failures")
}
