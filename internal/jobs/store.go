package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrQueueEmpty        = errors.New("queue empty")
	ErrQueueFull         = errors.New("queue is full")
	ErrEmptyMessage      = errors.New("message is required")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Queue signals pending jobs to the worker. It carries job ids only; the
// authoritative state lives in Records.
type Queue interface {
	Push(ctx context.Context, id string) error
	// Pop blocks up to timeout and returns ErrQueueEmpty when nothing arrived.
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	// TryPop returns immediately, with ErrQueueEmpty when the queue is empty.
	TryPop(ctx context.Context) (string, error)
	Len(ctx context.Context) (int64, error)
}

// Records holds job state by id. Every Save refreshes the record's expiry.
type Records interface {
	Save(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error
}

type Store interface {
	Queue
	Records
}
