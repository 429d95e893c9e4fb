package intake

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"healrun/internal/db"
	"healrun/internal/queue"
	"healrun/internal/ratelimit"
)

func newTestServer(t *testing.T, opts Options, wake chan<- struct{}) (*Server, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "healrun.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewServer(opts, queue.New(store, nil), store, wake), store
}

func post(t *testing.T, srv http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:5555"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestSubmit_CreatesJobAndWakesWorkers(t *testing.T) {
	t.Parallel()

	wake := make(chan struct{}, 1)
	srv, store := newTestServer(t, Options{}, wake)

	rec := post(t, srv, `{"issue_ref":"GH-12","repo_key":"acme/api","title":"Fix login","labels":["bug","security"]}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var got submitResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.JobID == "" || got.QueuePosition != 1 {
		t.Fatalf("unexpected response %+v", got)
	}
	if got.Priority != "urgent" {
		t.Fatalf("security label should map to urgent, got %q", got.Priority)
	}

	select {
	case <-wake:
	default:
		t.Fatal("expected wake hint after submission")
	}

	job, err := store.GetJob(context.Background(), got.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != db.StatusPending || job.RepoKey != "acme/api" {
		t.Fatalf("unexpected job %+v", job)
	}

	// A full wake channel must not block the handler.
	rec = post(t, srv, `{"issue_ref":"GH-13","repo_key":"acme/api"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("second submit status=%d", rec.Code)
	}
	rec = post(t, srv, `{"issue_ref":"GH-14","repo_key":"acme/api"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("third submit status=%d", rec.Code)
	}
}

func TestSubmit_ExplicitPriorityAndPosition(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{}, nil)
	rec := post(t, srv, `{"issue_ref":"GH-1","repo_key":"acme/web","priority":"low","position":0}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var got submitResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Priority != "low" {
		t.Fatalf("priority=%q, want low", got.Priority)
	}
	if got.ManualPosition == nil || *got.ManualPosition != 0 {
		t.Fatalf("manual position not echoed: %+v", got)
	}
}

func TestSubmit_ValidationErrors(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{}, nil)
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad json", `{"issue_ref":`, "invalid JSON"},
		{"missing issue", `{"repo_key":"acme/api"}`, "issue_ref is required"},
		{"blank repo", `{"issue_ref":"GH-1","repo_key":"   "}`, "repo_key is required"},
		{"empty label", `{"issue_ref":"GH-1","repo_key":"r","labels":[""]}`, "labels[0] is required"},
		{"negative position", `{"issue_ref":"GH-1","repo_key":"r","position":-1}`, "position must be >= 0"},
		{"unknown priority", `{"issue_ref":"GH-1","repo_key":"r","priority":"asap"}`, "unknown priority"},
	}
	for _, tc := range cases {
		rec := post(t, srv, tc.body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d body=%s", tc.name, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), tc.want) {
			t.Fatalf("%s: body %q missing %q", tc.name, rec.Body.String(), tc.want)
		}
	}
}

func TestSubmit_Token(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{Token: "s3cret"}, nil)
	body := `{"issue_ref":"GH-1","repo_key":"r"}`

	if rec := post(t, srv, body, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status=%d", rec.Code)
	}
	if rec := post(t, srv, body, map[string]string{TokenHeader: "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status=%d", rec.Code)
	}
	if rec := post(t, srv, body, map[string]string{TokenHeader: "s3cret"}); rec.Code != http.StatusCreated {
		t.Fatalf("good token: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestSubmit_PerClientRateLimit(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{Rate: 1, Burst: 2}, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	srv.now = func() time.Time { return now }

	body := `{"issue_ref":"GH-1","repo_key":"r"}`
	for i := 0; i < 2; i++ {
		if rec := post(t, srv, body, nil); rec.Code != http.StatusCreated {
			t.Fatalf("request %d: status=%d", i, rec.Code)
		}
	}
	if rec := post(t, srv, body, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("other client: status=%d", rec.Code)
	}

	now = now.Add(time.Second)
	if rec := post(t, srv, body, nil); rec.Code != http.StatusCreated {
		t.Fatalf("after refill: status=%d", rec.Code)
	}
}

func TestQueueStatsAndHealth(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, Options{}, nil)
	ctx := context.Background()
	q := queue.New(store, nil)
	for _, ref := range []string{"A", "B", "C"} {
		if _, err := q.Enqueue(ctx, queue.Submission{IssueRef: ref, RepoKey: "acme/api"}); err != nil {
			t.Fatalf("enqueue %s: %v", ref, err)
		}
	}
	if _, err := q.Claim(ctx, "w-0"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/queue", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status=%d", rec.Code)
	}
	var stats db.QueueStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.ByStatus[db.StatusPending] != 2 || stats.ByStatus[db.StatusClaimed] != 1 {
		t.Fatalf("unexpected by_status %v", stats.ByStatus)
	}
	if len(stats.Locks) != 1 || stats.Locks[0].RepoKey != "acme/api" {
		t.Fatalf("unexpected locks %+v", stats.Locks)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status=%d", rec.Code)
	}
	var health struct {
		Status        string `json:"status"`
		JobQueueDepth int    `json:"job_queue_depth"`
		LocksHeld     int    `json:"locks_held"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "running" || health.JobQueueDepth != 2 || health.LocksHeld != 1 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestMetricsSummary(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, Options{}, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	rows := []db.ExecutionMetrics{
		{RunID: "r1", JobID: "j1", Provider: "claude", StartedAt: db.FormatTime(now.Add(-time.Hour)),
			EndedAt: db.FormatTime(now.Add(-time.Hour + 10*time.Second)), DurationMS: 10000, CostUSD: 0.5, Success: true},
		{RunID: "r2", JobID: "j2", Provider: "claude", StartedAt: db.FormatTime(now.Add(-2 * time.Hour)),
			EndedAt: db.FormatTime(now.Add(-2*time.Hour + 30*time.Second)), DurationMS: 30000, CostUSD: 0.25,
			ErrorCategory: "test_failure"},
		{RunID: "r3", JobID: "j3", Provider: "claude", StartedAt: db.FormatTime(now.Add(-72 * time.Hour)),
			EndedAt: db.FormatTime(now.Add(-72 * time.Hour)), Success: true},
	}
	for _, m := range rows {
		if err := store.InsertExecutionMetrics(ctx, m); err != nil {
			t.Fatalf("insert %s: %v", m.RunID, err)
		}
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/metrics?window=24", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var sum struct {
		TotalRuns       int            `json:"total_runs"`
		Completed       int            `json:"completed"`
		Failed          int            `json:"failed"`
		SuccessRate     float64        `json:"success_rate"`
		TotalCost       float64        `json:"total_cost"`
		AvgDuration     float64        `json:"avg_duration"`
		ErrorCategories map[string]int `json:"error_categories"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.TotalRuns != 2 || sum.Completed != 1 || sum.Failed != 1 {
		t.Fatalf("unexpected counts %+v", sum)
	}
	if sum.SuccessRate != 0.5 || sum.TotalCost != 0.75 || sum.AvgDuration != 20 {
		t.Fatalf("unexpected rates %+v", sum)
	}
	if sum.ErrorCategories["test_failure"] != 1 {
		t.Fatalf("unexpected categories %v", sum.ErrorCategories)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/metrics?window=all", nil))
	if err := json.NewDecoder(rec.Body).Decode(&sum); err != nil {
		t.Fatalf("decode all: %v", err)
	}
	if sum.TotalRuns != 3 {
		t.Fatalf("window=all total=%d, want 3", sum.TotalRuns)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/metrics?window=soon", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad window status=%d", rec.Code)
	}
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, queue.Submission) (db.Job, error) {
	return db.Job{}, &queue.StoreError{Op: "enqueue", Err: errors.New("disk I/O error")}
}

func (failingQueue) Stats(context.Context) (db.QueueStats, error) {
	return db.QueueStats{}, errors.New("database is locked")
}

func TestStoreFailuresAreInternalErrors(t *testing.T) {
	t.Parallel()

	srv := NewServer(Options{}, failingQueue{}, nil, nil)
	if rec := post(t, srv, `{"issue_ref":"GH-1","repo_key":"r"}`, nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("enqueue failure status=%d", rec.Code)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("health failure status=%d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "locked") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{}, nil)
	post(t, srv, `{"issue_ref":"GH-1","repo_key":"r"}`, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healrun_jobs_enqueued_total") {
		t.Fatal("expected healrun collectors in scrape output")
	}
}

func TestLimitsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{}, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/limits", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("without limiter: status=%d", rec.Code)
	}

	lim := ratelimit.New()
	ctx := context.Background()
	if err := lim.Configure(ctx, "codegen", 5, 1); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := lim.Configure(ctx, "build", 3, 0.5); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := lim.Acquire(ctx, "codegen", 2, 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	srv.WithLimits(lim)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/limits", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var got []ratelimit.BucketState
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Service != "build" || got[1].Service != "codegen" {
		t.Fatalf("unexpected buckets %+v", got)
	}
	if got[1].Tokens > 3.5 || got[1].Capacity != 5 {
		t.Fatalf("codegen bucket not drained: %+v", got[1])
	}
}
