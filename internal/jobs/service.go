package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type submission struct {
	Message string `validate:"required"`
}

type Stats struct {
	Queued int64 `json:"queued"`
}

// Service creates job records and serves lookups. It never waits on
// generation; the worker owns every change after creation.
type Service struct {
	records  Records
	queue    Queue
	maxDepth int64
	validate *validator.Validate
	tracer   trace.Tracer
	log      logrus.FieldLogger
	newID    func() string
	now      func() time.Time
}

type ServiceOption func(*Service)

// WithMaxQueueDepth rejects submissions once the queue holds n entries.
// Zero disables the check.
func WithMaxQueueDepth(n int64) ServiceOption {
	return func(s *Service) { s.maxDepth = n }
}

func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func WithLogger(log logrus.FieldLogger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) { s.newID = newID }
}

func NewService(records Records, queue Queue, opts ...ServiceOption) *Service {
	s := &Service{
		records:  records,
		queue:    queue,
		validate: validator.New(),
		tracer:   noop.NewTracerProvider().Tracer("jobs"),
		log:      logrus.StandardLogger(),
		newID:    func() string { return uuid.New().String() },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit stores a queued job for message and enqueues its id.
func (s *Service) Submit(ctx context.Context, message string) (*Job, error) {
	ctx, span := s.tracer.Start(ctx, "jobs.submit")
	defer span.End()

	if err := s.validate.Struct(submission{Message: strings.TrimSpace(message)}); err != nil {
		return nil, ErrEmptyMessage
	}

	if s.maxDepth > 0 {
		n, err := s.queue.Len(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read queue length: %w", err)
		}
		if n >= s.maxDepth {
			return nil, fmt.Errorf("%w: %d pending", ErrQueueFull, n)
		}
	}

	job := NewJob(s.newID(), message, s.now())
	span.SetAttributes(attribute.String("job_id", job.ID))

	if err := s.records.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	if err := s.queue.Push(ctx, job.ID); err != nil {
		if delErr := s.records.Delete(ctx, job.ID); delErr != nil {
			s.log.WithError(delErr).WithField("job_id", job.ID).Warn("failed to remove unqueued job")
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.log.WithField("job_id", job.ID).Info("job queued")
	return job, nil
}

// Lookup returns the current record for id, or ErrNotFound once it expired.
func (s *Service) Lookup(ctx context.Context, id string) (*Job, error) {
	ctx, span := s.tracer.Start(ctx, "jobs.lookup")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", id))

	job, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("status", string(job.Status)))
	return job, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	n, err := s.queue.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Queued: n}, nil
}
