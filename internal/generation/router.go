package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/chat-queue/internal/provider"
)

var ErrNoProvider = errors.New("all providers unavailable")

// Router picks a provider for a model and guards each one with a circuit
// breaker so a failing backend stops receiving jobs for a while.
type Router struct {
	providers []provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	model     string
	tracer    trace.Tracer
}

type Option func(*Router)

// WithModel sets the model requested for every generation.
func WithModel(model string) Option {
	return func(r *Router) { r.model = model }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Router) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

func NewRouter(providers []provider.Provider, opts ...Option) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	r := &Router{
		providers: providers,
		breakers:  breakers,
		tracer:    noop.NewTracerProvider().Tracer("generation"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Route(ctx context.Context, req *provider.Request) (provider.Provider, error) {
	var candidates []provider.Provider
	for _, p := range r.providers {
		cb := r.breakers[p.Name()]
		if cb.State() == gobreaker.StateOpen {
			continue
		}

		if req.Model != "" {
			for _, m := range p.SupportedModels() {
				if m == req.Model {
					candidates = append(candidates, p)
					break
				}
			}
		} else {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNoProvider
	}

	if req.Model != "" {
		return candidates[0], nil
	}

	best := candidates[0]
	for _, p := range candidates[1:] {
		if p.CostPerInputToken() < best.CostPerInputToken() {
			best = p
		}
	}
	return best, nil
}

func (r *Router) Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Response, error) {
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	resp, ok := result.(*provider.Response)
	if !ok || resp == nil {
		return nil, fmt.Errorf("%s returned no response", p.Name())
	}
	return resp, nil
}

// Generate sends a single user message to the routed provider.
func (r *Router) Generate(ctx context.Context, jobID, message string) (*provider.Response, error) {
	ctx, span := r.tracer.Start(ctx, "generation.generate")
	defer span.End()

	req := &provider.Request{
		Model:    r.model,
		Messages: []provider.Message{{Role: "user", Content: message}},
		JobID:    jobID,
	}
	span.SetAttributes(
		attribute.String("job_id", jobID),
		attribute.String("model", req.Model),
	)

	p, err := r.Route(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if req.Model != "" {
			return nil, fmt.Errorf("%w for model %s", err, req.Model)
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", p.Name()))

	start := time.Now()
	resp, err := r.Execute(ctx, req, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	resp.LatencyMs = time.Since(start).Milliseconds()
	if resp.Provider == "" {
		resp.Provider = p.Name()
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

// Cost returns the USD cost of resp according to its provider's prices.
func (r *Router) Cost(resp *provider.Response) float64 {
	for _, p := range r.providers {
		if p.Name() == resp.Provider {
			return float64(resp.InputTokens)*p.CostPerInputToken() + float64(resp.OutputTokens)*p.CostPerOutputToken()
		}
	}
	return 0
}
