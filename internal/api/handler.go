package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/chat-queue/internal/jobs"
	"github.com/vnmchuo/chat-queue/internal/usage"
	"github.com/vnmchuo/chat-queue/pkg/ratelimit"
)

// JobService is the submission and lookup side of the queue.
type JobService interface {
	Submit(ctx context.Context, message string) (*jobs.Job, error)
	Lookup(ctx context.Context, id string) (*jobs.Job, error)
	Stats(ctx context.Context) (jobs.Stats, error)
}

// Drainer processes queued jobs synchronously.
type Drainer interface {
	Drain(ctx context.Context, max int) (int, error)
}

// DefaultDrainBudget is how long POST /process-queue keeps taking jobs.
const DefaultDrainBudget = 30 * time.Second

type Handler struct {
	jobs    JobService
	drainer Drainer
	usage   usage.Store
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	log     logrus.FieldLogger
	ready   func(ctx context.Context) error

	drainMax    int
	drainBudget time.Duration
}

type Option func(*Handler)

func WithUsageStore(store usage.Store) Option {
	return func(h *Handler) {
		if store != nil {
			h.usage = store
		}
	}
}

// WithLimiter enables per-client submission limits.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(h *Handler) {
		if tracer != nil {
			h.tracer = tracer
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithDrainMax bounds how many jobs one manual drain may process.
func WithDrainMax(n int) Option {
	return func(h *Handler) { h.drainMax = n }
}

// WithDrainBudget stops a manual drain from starting new jobs once d has
// passed. The job in flight still runs to completion.
func WithDrainBudget(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.drainBudget = d
		}
	}
}

// WithReadiness sets the check behind /readyz.
func WithReadiness(check func(ctx context.Context) error) Option {
	return func(h *Handler) { h.ready = check }
}

func NewHandler(svc JobService, drainer Drainer, opts ...Option) *Handler {
	h := &Handler{
		jobs:        svc,
		drainer:     drainer,
		usage:       usage.NopStore{},
		tracer:      noop.NewTracerProvider().Tracer("api"),
		log:         logrus.StandardLogger(),
		drainMax:    10,
		drainBudget: DefaultDrainBudget,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type submitRequest struct {
	Message string `json:"message"`
}

type submitResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type jobResponse struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	Done        bool       `json:"done"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

func newJobResponse(job *jobs.Job) jobResponse {
	created := job.CreatedAt
	return jobResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		Done:        job.Status.Terminal(),
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   &created,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		FailedAt:    job.FailedAt,
	}
}

// HandleChat accepts a message from a JSON body or a form and queues it.
// htmx callers get a fragment that polls for the result.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, wantsHTML(r))
}

// HandleSubmitJob is the JSON-only variant of HandleChat.
func (h *Handler) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, false)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, html bool) {
	ctx, span := h.tracer.Start(r.Context(), "api.submit")
	defer span.End()

	fail := func(status int, msg string) {
		if html {
			writeFragment(w, status, "error", msg)
			return
		}
		writeError(w, status, msg)
	}

	message, err := readMessage(w, r)
	if err != nil {
		fail(http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(message) == "" {
		fail(http.StatusBadRequest, jobs.ErrEmptyMessage.Error())
		return
	}

	allowed, err := h.limiter.Allow(ctx, clientIP(r))
	if err != nil {
		h.log.WithError(err).Warn("rate limiter unavailable, denying submission")
	}
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		fail(http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	job, err := h.jobs.Submit(ctx, message)
	switch {
	case errors.Is(err, jobs.ErrEmptyMessage):
		fail(http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, jobs.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		fail(http.StatusServiceUnavailable, "queue is full, try again later")
		return
	case err != nil:
		h.log.WithError(err).Error("failed to submit job")
		fail(http.StatusInternalServerError, "failed to queue job")
		return
	}
	span.SetAttributes(attribute.String("job_id", job.ID))

	w.Header().Set(StatusHeader, string(job.Status))
	if html {
		writeFragment(w, http.StatusAccepted, "pending", newJobResponse(job))
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:   job.ID,
		Status:  string(job.Status),
		Message: "job queued, poll /get-response/" + job.ID,
	})
}

// readMessage takes the message from a JSON body when the request says it
// is JSON, and from the form otherwise.
func readMessage(w http.ResponseWriter, r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req submitRequest
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req)
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return req.Message, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return r.FormValue("message"), nil
}

// HandleGetResponse reports a job by id. Failed jobs are a normal 200
// response; only unknown ids are 404 in JSON.
func (h *Handler) HandleGetResponse(w http.ResponseWriter, r *http.Request) {
	h.lookup(w, r, chi.URLParam(r, "job_id"), wantsHTML(r))
}

func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	h.lookup(w, r, chi.URLParam(r, "id"), false)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request, id string, html bool) {
	job, err := h.jobs.Lookup(r.Context(), id)

	var resp jobResponse
	status := http.StatusOK
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		resp = jobResponse{JobID: id, Status: statusNotFound, Error: "job not found or expired"}
		if !html {
			status = http.StatusNotFound
		}
	case err != nil:
		h.log.WithError(err).WithField("job_id", id).Error("failed to look up job")
		if html {
			writeFragment(w, http.StatusInternalServerError, "error", "failed to read job")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to read job")
		return
	default:
		resp = newJobResponse(job)
	}

	w.Header().Set(StatusHeader, resp.Status)
	if html {
		writeFragment(w, status, fragmentFor(resp), resp)
		return
	}
	writeJSON(w, status, resp)
}

func (h *Handler) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.Stats(r.Context())
	if err != nil {
		h.log.WithError(err).Error("failed to read queue stats")
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleProcessQueue drains up to the configured number of jobs in the
// request goroutine and reports how many were handled.
func (h *Handler) HandleProcessQueue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.drainBudget)
	defer cancel()

	n, err := h.drainer.Drain(ctx, h.drainMax)
	if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
		writeJSON(w, http.StatusOK, map[string]any{"processed": n, "truncated": true})
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("processed", n).Error("manual drain failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"processed": n,
			"error":     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
		to = t
	}

	logs, err := h.usage.GetUsage(ctx, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	totalCost, err := h.usage.GetTotalCost(ctx, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []*usage.UsageLog{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_jobs":     len(logs),
		"total_cost_usd": totalCost,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "chat-queue"})
}

func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
