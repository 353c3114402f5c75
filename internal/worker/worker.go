package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/chat-queue/internal/jobs"
	"github.com/vnmchuo/chat-queue/internal/provider"
	"github.com/vnmchuo/chat-queue/internal/usage"
)

const (
	DefaultDequeueTimeout    = time.Second
	DefaultErrorBackoff      = 5 * time.Second
	DefaultGenerationTimeout = 5 * time.Minute
)

var ErrAlreadyRunning = errors.New("worker already running")

var errEmptyResult = errors.New("generation returned an empty response")

// Generator is the external text-generation capability.
type Generator interface {
	Generate(ctx context.Context, jobID, message string) (*provider.Response, error)
}

// Coster is implemented by generators that can price a response.
type Coster interface {
	Cost(resp *provider.Response) float64
}

// Worker is the single consumer of the job queue. It is the only writer of
// a job record after submission.
type Worker struct {
	queue   jobs.Queue
	records jobs.Records
	gen     Generator
	usage   usage.Store
	tracer  trace.Tracer
	log     logrus.FieldLogger
	now     func() time.Time
	render  func(string) string

	dequeueTimeout    time.Duration
	errorBackoff      time.Duration
	generationTimeout time.Duration

	// cycle serializes the loop and manual drains so only one job is
	// processed at a time.
	cycle sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	pending sync.WaitGroup
}

type Option func(*Worker)

func WithDequeueTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.dequeueTimeout = d
		}
	}
}

func WithErrorBackoff(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.errorBackoff = d
		}
	}
}

func WithGenerationTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.generationTimeout = d
		}
	}
}

// WithRenderer sets the transformation applied to generated text before it
// is stored as the job result.
func WithRenderer(render func(string) string) Option {
	return func(w *Worker) {
		if render != nil {
			w.render = render
		}
	}
}

func WithUsageStore(store usage.Store) Option {
	return func(w *Worker) {
		if store != nil {
			w.usage = store
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(w *Worker) {
		if tracer != nil {
			w.tracer = tracer
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func New(queue jobs.Queue, records jobs.Records, gen Generator, opts ...Option) *Worker {
	w := &Worker{
		queue:             queue,
		records:           records,
		gen:               gen,
		usage:             usage.NopStore{},
		tracer:            noop.NewTracerProvider().Tracer("worker"),
		log:               logrus.StandardLogger(),
		now:               time.Now,
		render:            strings.TrimSpace,
		dequeueTimeout:    DefaultDequeueTimeout,
		errorBackoff:      DefaultErrorBackoff,
		generationTimeout: DefaultGenerationTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the worker loop. It returns ErrAlreadyRunning if the loop
// was started and not yet stopped.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
	return nil
}

// Stop cancels the loop and waits for the job in flight, if any, to be
// persisted. It gives up when ctx is done; the worker then still counts as
// running until the loop exits, and Stop may be called again.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("worker did not stop: %w", ctx.Err())
	}

	w.mu.Lock()
	if w.done == done {
		w.cancel, w.done = nil, nil
	}
	w.mu.Unlock()

	flushed := make(chan struct{})
	go func() {
		w.pending.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("usage logs not flushed: %w", ctx.Err())
	}
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	w.log.Info("worker started")

	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopped")
			return
		}

		if _, err := w.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.WithError(err).WithField("backoff", w.errorBackoff.String()).Error("worker cycle failed")
			select {
			case <-ctx.Done():
			case <-time.After(w.errorBackoff):
			}
		}
	}
}

// ProcessOne waits up to the dequeue timeout for a job and processes it.
// It reports whether a queue entry was consumed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	w.cycle.Lock()
	defer w.cycle.Unlock()

	id, err := w.queue.Pop(ctx, w.dequeueTimeout)
	if errors.Is(err, jobs.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	return true, w.handle(ctx, id)
}

// Drain processes queued jobs without blocking until the queue is empty or
// max jobs were handled. A max of zero or less means no limit.
func (w *Worker) Drain(ctx context.Context, max int) (int, error) {
	processed := 0
	for max <= 0 || processed < max {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		w.cycle.Lock()
		id, err := w.queue.TryPop(ctx)
		if errors.Is(err, jobs.ErrQueueEmpty) {
			w.cycle.Unlock()
			break
		}
		if err != nil {
			w.cycle.Unlock()
			return processed, fmt.Errorf("dequeue: %w", err)
		}
		err = w.handle(ctx, id)
		w.cycle.Unlock()

		if err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (w *Worker) handle(ctx context.Context, id string) error {
	// A popped job runs to completion even if the loop is being stopped.
	ctx = context.WithoutCancel(ctx)
	ctx, span := w.tracer.Start(ctx, "worker.process", trace.WithAttributes(attribute.String("job_id", id)))
	defer span.End()

	log := w.log.WithField("job_id", id)

	job, err := w.records.Get(ctx, id)
	if errors.Is(err, jobs.ErrNotFound) {
		log.Warn("job expired before processing, dropping")
		return nil
	}
	if err != nil {
		w.requeue(ctx, id, log)
		return fmt.Errorf("load job %s: %w", id, err)
	}

	switch job.Status {
	case jobs.StatusQueued:
		if err := job.Start(w.now()); err != nil {
			return err
		}
		if err := w.records.Save(ctx, job); err != nil {
			w.requeue(ctx, id, log)
			return fmt.Errorf("mark job %s processing: %w", id, err)
		}
	case jobs.StatusProcessing:
		log.Warn("resuming job left in processing")
	default:
		log.WithField("status", job.Status).Warn("job already finished, skipping")
		return nil
	}

	resp, genErr := w.generate(ctx, job)
	var result string
	if genErr == nil {
		result = w.render(resp.Content)
		if result == "" {
			genErr = errEmptyResult
		}
	}

	if genErr != nil {
		reason := w.describe(genErr)
		span.SetStatus(codes.Error, reason)
		if err := job.Fail(reason, w.now()); err != nil {
			return err
		}
	} else {
		job.Provider, job.Model = resp.Provider, resp.Model
		if err := job.Complete(result, w.now()); err != nil {
			return err
		}
	}

	if err := w.records.Save(ctx, job); err != nil {
		w.requeue(ctx, id, log)
		return fmt.Errorf("persist job %s: %w", id, err)
	}

	span.SetAttributes(attribute.String("status", string(job.Status)))
	entry := log.WithField("status", job.Status)
	if genErr != nil {
		entry.WithError(genErr).Warn("job failed")
		return nil
	}
	entry.WithField("provider", resp.Provider).Info("job completed")
	w.recordUsage(job, resp)
	return nil
}

// generate calls the generator under the generation timeout. A panic in the
// generator is returned as an error so the job still fails cleanly.
func (w *Worker) generate(ctx context.Context, job *jobs.Job) (resp *provider.Response, err error) {
	ctx, cancel := context.WithTimeout(ctx, w.generationTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("generation panicked: %v", r)
		}
	}()

	resp, err = w.gen.Generate(ctx, job.ID, job.Message)
	if err == nil && resp == nil {
		err = errors.New("generator returned no response")
	}
	return resp, err
}

func (w *Worker) describe(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("generation timed out after %s", w.generationTimeout)
	}
	return err.Error()
}

// requeue puts id back so a record that is still in the store is retried
// after the backoff.
func (w *Worker) requeue(ctx context.Context, id string, log logrus.FieldLogger) {
	if err := w.queue.Push(ctx, id); err != nil {
		log.WithError(err).Error("failed to requeue job")
	}
}

func (w *Worker) recordUsage(job *jobs.Job, resp *provider.Response) {
	var cost float64
	if c, ok := w.gen.(Coster); ok {
		cost = c.Cost(resp)
	}
	entry := &usage.UsageLog{
		JobID:        job.ID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      cost,
		LatencyMs:    resp.LatencyMs,
	}

	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.usage.LogUsage(ctx, entry); err != nil {
			w.log.WithError(err).WithField("job_id", job.ID).Warn("failed to record usage")
		}
	}()
}
