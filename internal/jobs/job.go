package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// rank orders statuses so that a job only ever moves to a higher rank.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

func (s Status) Valid() bool { return s.rank() >= 0 }

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Before reports whether s strictly precedes other in the job lifecycle.
func (s Status) Before(other Status) bool { return s.rank() < other.rank() }

type Job struct {
	ID          string     `json:"id"`
	Message     string     `json:"message"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Provider    string     `json:"provider,omitempty"`
	Model       string     `json:"model,omitempty"`
}

func NewJob(id, message string, now time.Time) *Job {
	return &Job{
		ID:        id,
		Message:   message,
		Status:    StatusQueued,
		CreatedAt: now.UTC(),
	}
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (j *Job) MarshalBinary() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (j *Job) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, j)
}

// Start moves a queued job to processing.
func (j *Job) Start(now time.Time) error {
	if j.Status != StatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusProcessing)
	}
	t := now.UTC()
	j.Status = StatusProcessing
	j.StartedAt = &t
	return nil
}

// Complete records the rendered result of a processing job.
func (j *Job) Complete(result string, now time.Time) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCompleted)
	}
	t := now.UTC()
	j.Status = StatusCompleted
	j.Result = result
	j.Error = ""
	j.CompletedAt = &t
	return nil
}

// Fail records why a processing job could not produce a result.
func (j *Job) Fail(reason string, now time.Time) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusFailed)
	}
	if reason == "" {
		reason = "generation failed"
	}
	t := now.UTC()
	j.Status = StatusFailed
	j.Error = reason
	j.Result = ""
	j.FailedAt = &t
	return nil
}
