package usage

import (
	"context"
	"time"
)

// UsageLog records what one completed job cost.
type UsageLog struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsage(ctx context.Context, from, to time.Time) ([]*UsageLog, error)
	GetTotalCost(ctx context.Context, from, to time.Time) (float64, error)
}

// NopStore discards usage. It is used when no database is configured.
type NopStore struct{}

func (NopStore) LogUsage(context.Context, *UsageLog) error { return nil }

func (NopStore) GetUsage(context.Context, time.Time, time.Time) ([]*UsageLog, error) {
	return nil, nil
}

func (NopStore) GetTotalCost(context.Context, time.Time, time.Time) (float64, error) {
	return 0, nil
}
