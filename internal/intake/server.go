// Package intake is the HTTP surface of the daemon: job submission, queue
// and metrics queries, health and Prometheus scraping.
package intake

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"healrun/internal/db"
	"healrun/internal/metrics"
	"healrun/internal/queue"
	"healrun/internal/ratelimit"
)

const (
	maxBodySize = 1 << 20 // 1MB

	// TokenHeader carries the shared intake secret.
	TokenHeader = "X-Healrun-Token"

	clientIdleTTL = 10 * time.Minute
)

// Queue is what the server needs from the job queue. *queue.Queue satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, sub queue.Submission) (db.Job, error)
	Stats(ctx context.Context) (db.QueueStats, error)
}

// Limits exposes bucket state. *ratelimit.Limiter satisfies it.
type Limits interface {
	Services() []string
	Snapshot(service string) (ratelimit.BucketState, error)
}

// Options tunes authentication and per-client throttling. A zero Rate
// disables throttling.
type Options struct {
	Token string
	Rate  float64
	Burst int
}

// Server handles intake requests.
type Server struct {
	opts      Options
	queue     Queue
	metrics   metrics.Querier
	limits    Limits
	wake      chan<- struct{}
	mux       *http.ServeMux
	validate  *validator.Validate
	startedAt time.Time
	now       func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewServer builds the handler. wake may be nil; when set, each accepted
// submission sends a non-blocking hint on it.
func NewServer(opts Options, q Queue, m metrics.Querier, wake chan<- struct{}) *Server {
	if opts.Burst <= 0 {
		opts.Burst = max(int(opts.Rate), 1)
	}
	s := &Server{
		opts:      opts,
		queue:     q,
		metrics:   m,
		wake:      wake,
		validate:  newValidator(),
		startedAt: time.Now(),
		now:       time.Now,
		clients:   make(map[string]*client),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.handleSubmit)
	mux.HandleFunc("GET /stats/queue", s.handleQueueStats)
	mux.HandleFunc("GET /stats/metrics", s.handleMetricsSummary)
	mux.HandleFunc("GET /stats/limits", s.handleLimits)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.mux = mux
	return s
}

// WithLimits enables GET /stats/limits.
func (s *Server) WithLimits(l Limits) *Server {
	s.limits = l
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names in errors so clients see the fields they sent.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type submitRequest struct {
	IssueRef string   `json:"issue_ref" validate:"required,max=512"`
	RepoKey  string   `json:"repo_key" validate:"required,max=256"`
	Title    string   `json:"title" validate:"max=1024"`
	Labels   []string `json:"labels" validate:"max=64,dive,required,max=128"`
	Priority string   `json:"priority" validate:"max=16"`
	Position *int64   `json:"position" validate:"omitempty,gte=0"`
	Notes    string   `json:"notes" validate:"max=4096"`
}

type submitResponse struct {
	JobID          string `json:"job_id"`
	Priority       string `json:"priority"`
	QueuePosition  int64  `json:"queue_position"`
	ManualPosition *int64 `json:"manual_position,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	if s.opts.Token != "" {
		token := r.Header.Get(TokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.IssueRef = strings.TrimSpace(req.IssueRef)
	req.RepoKey = strings.TrimSpace(req.RepoKey)
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, describeValidation(err))
		return
	}

	job, err := s.queue.Enqueue(r.Context(), queue.Submission{
		IssueRef: req.IssueRef,
		RepoKey:  req.RepoKey,
		Title:    req.Title,
		Labels:   req.Labels,
		Priority: req.Priority,
		Position: req.Position,
		Notes:    req.Notes,
	})
	if err != nil {
		var storeErr *queue.StoreError
		if errors.As(err, &storeErr) {
			slog.Error("intake: enqueue", "issue", req.IssueRef, "repo", req.RepoKey, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.wake != nil {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}

	slog.Info("intake: job submitted", "job", job.ID, "issue", job.IssueRef, "repo", job.RepoKey,
		"priority", job.Priority.String())
	writeJSON(w, http.StatusCreated, submitResponse{
		JobID:          job.ID,
		Priority:       job.Priority.String(),
		QueuePosition:  job.QueuePosition,
		ManualPosition: job.ManualPosition,
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		slog.Error("intake: queue stats", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	window, err := metrics.ParseWindow(r.URL.Query().Get("window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := metrics.Summarize(r.Context(), s.metrics, window, s.now())
	if err != nil {
		slog.Error("intake: metrics summary", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	if s.limits == nil {
		writeError(w, http.StatusNotFound, "rate limiter not configured")
		return
	}
	out := []ratelimit.BucketState{}
	for _, svc := range s.limits.Services() {
		st, err := s.limits.Snapshot(svc)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		slog.Error("health: queue stats", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "running",
		"uptime_seconds":  max(int(time.Since(s.startedAt).Seconds()), 0),
		"job_queue_depth": stats.ByStatus[db.StatusPending],
		"locks_held":      len(stats.Locks),
	})
}

// allow applies the per-client token bucket and forgets clients idle for
// longer than clientIdleTTL.
func (s *Server) allow(ip string) bool {
	if s.opts.Rate <= 0 {
		return true
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[ip]
	if !ok {
		for k, other := range s.clients {
			if now.Sub(other.lastSeen) > clientIdleTTL {
				delete(s.clients, k)
			}
		}
		c = &client{limiter: rate.NewLimiter(rate.Limit(s.opts.Rate), s.opts.Burst)}
		s.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || ip == "" {
		return r.RemoteAddr
	}
	return ip
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "max":
			parts = append(parts, fmt.Sprintf("%s exceeds max %s", fe.Field(), fe.Param()))
		case "gte":
			parts = append(parts, fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
