package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "healrun.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustCreate(t *testing.T, store *Store, issue, repo string, p Priority) Job {
	t.Helper()
	j, err := store.CreateJob(context.Background(), NewJob{IssueRef: issue, RepoKey: repo, Title: issue, Priority: p})
	if err != nil {
		t.Fatalf("create job %s: %v", issue, err)
	}
	return j
}

func mustClaim(t *testing.T, store *Store, worker string) *Job {
	t.Helper()
	j, err := store.ClaimJob(context.Background(), worker)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return j
}

func TestCreateJobAssignsMonotonicPositions(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)

	a := mustCreate(t, store, "org/a#1", "org/a", PriorityNormal)
	b := mustCreate(t, store, "org/a#2", "org/a", PriorityNormal)

	if !strings.HasPrefix(a.ID, "hr-job-") || len(a.ID) != len("hr-job-")+16 {
		t.Fatalf("unexpected job id %q", a.ID)
	}
	if a.Status != StatusPending {
		t.Fatalf("expected pending, got %s", a.Status)
	}
	if b.QueuePosition <= a.QueuePosition {
		t.Fatalf("expected increasing positions, got %d then %d", a.QueuePosition, b.QueuePosition)
	}
	if a.Labels == nil || len(a.Labels) != 0 {
		t.Fatalf("expected empty labels, got %#v", a.Labels)
	}
}

func TestCreateJobValidates(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateJob(ctx, NewJob{RepoKey: "org/a"}); err == nil {
		t.Fatal("expected error for missing issue ref")
	}
	if _, err := store.CreateJob(ctx, NewJob{IssueRef: "x", RepoKey: "org/a", Priority: Priority(9)}); err == nil {
		t.Fatal("expected error for invalid priority")
	}
}

func TestClaimOrderScenario(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, store, "A", "repo-x", PriorityUrgent)
	b := mustCreate(t, store, "B", "repo-x", PriorityNormal)
	c := mustCreate(t, store, "C", "repo-y", PriorityHigh)

	got := mustClaim(t, store, "w1")
	if got == nil || got.ID != a.ID {
		t.Fatalf("first claim = %v, want A", got)
	}
	got = mustClaim(t, store, "w2")
	if got == nil || got.ID != c.ID {
		t.Fatalf("second claim = %v, want C", got)
	}
	if got := mustClaim(t, store, "w3"); got != nil {
		t.Fatalf("expected no eligible job while repo-x is locked, got %s", got.IssueRef)
	}

	if err := store.TransitionJob(ctx, a.ID, StatusClaimed, StatusRunning); err != nil {
		t.Fatalf("start A: %v", err)
	}
	if _, err := store.ReleaseJob(ctx, a.ID, StatusSucceeded, "", ""); err != nil {
		t.Fatalf("release A: %v", err)
	}

	got = mustClaim(t, store, "w3")
	if got == nil || got.ID != b.ID {
		t.Fatalf("third claim = %v, want B", got)
	}
	if got.WorkerID != "w3" || got.Status != StatusClaimed || got.ClaimedAt == "" {
		t.Fatalf("unexpected claimed job %+v", got)
	}
}

func TestClaimOrdersByPriorityThenPosition(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)

	low := mustCreate(t, store, "low", "r1", PriorityLow)
	normal1 := mustCreate(t, store, "n1", "r2", PriorityNormal)
	normal2 := mustCreate(t, store, "n2", "r3", PriorityNormal)
	high := mustCreate(t, store, "high", "r4", PriorityHigh)

	want := []string{high.ID, normal1.ID, normal2.ID, low.ID}
	for i, id := range want {
		got := mustClaim(t, store, "w")
		if got == nil || got.ID != id {
			t.Fatalf("claim %d = %v, want %s", i, got, id)
		}
	}
	if got := mustClaim(t, store, "w"); got != nil {
		t.Fatalf("expected empty queue, got %s", got.ID)
	}
}

func TestManualPositionOutranksPriority(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	urgent := mustCreate(t, store, "urgent", "r1", PriorityUrgent)
	two := int64(2)
	one := int64(1)
	manualLow, err := store.CreateJob(ctx, NewJob{IssueRef: "m2", RepoKey: "r2", Priority: PriorityLow, ManualPosition: &two})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	manualNormal := mustCreate(t, store, "m1", "r3", PriorityNormal)
	if err := store.SetManualPosition(ctx, manualNormal.ID, &one); err != nil {
		t.Fatalf("set manual position: %v", err)
	}

	for i, id := range []string{manualNormal.ID, manualLow.ID, urgent.ID} {
		got := mustClaim(t, store, "w")
		if got == nil || got.ID != id {
			t.Fatalf("claim %d = %v, want %s", i, got, id)
		}
	}

	if err := store.SetManualPosition(ctx, urgent.ID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for claimed job, got %v", err)
	}
}

func TestConcurrentClaimsKeepRepoExclusive(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)

	const repos, perRepo = 4, 5
	for r := 0; r < repos; r++ {
		for i := 0; i < perRepo; i++ {
			mustCreate(t, store, fmt.Sprintf("issue-%d-%d", r, i), fmt.Sprintf("repo-%d", r), Priority(i%4))
		}
	}

	var (
		mu      sync.Mutex
		claimed []*Job
		wg      sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				j, err := store.ClaimJob(context.Background(), fmt.Sprintf("w%d", w))
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if j != nil {
					mu.Lock()
					claimed = append(claimed, j)
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()

	if len(claimed) != repos {
		t.Fatalf("expected exactly %d claims (one per repo), got %d", repos, len(claimed))
	}
	seen := map[string]string{}
	for _, j := range claimed {
		if other, ok := seen[j.RepoKey]; ok {
			t.Fatalf("repo %s claimed twice: %s and %s", j.RepoKey, other, j.ID)
		}
		seen[j.RepoKey] = j.ID
	}

	locks, err := store.ListRepoLocks(context.Background())
	if err != nil {
		t.Fatalf("list locks: %v", err)
	}
	if len(locks) != repos {
		t.Fatalf("expected %d locks, got %d", repos, len(locks))
	}
}

func TestTransitionsAndRetryCounter(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, "i", "r", PriorityNormal)
	j := mustClaim(t, store, "w")

	if err := store.TransitionJob(ctx, j.ID, StatusPending, StatusClaimed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected CAS miss, got %v", err)
	}
	if err := store.TransitionJob(ctx, j.ID, StatusClaimed, StatusSucceeded); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal transition rejected, got %v", err)
	}
	if err := store.TransitionJob(ctx, j.ID, StatusClaimed, StatusRunning); err != nil {
		t.Fatalf("claimed->running: %v", err)
	}

	for want := 1; want <= 2; want++ {
		n, err := store.BeginRetry(ctx, j.ID)
		if err != nil {
			t.Fatalf("begin retry: %v", err)
		}
		if n != want {
			t.Fatalf("attempts = %d, want %d", n, want)
		}
		if err := store.TransitionJob(ctx, j.ID, StatusRetrying, StatusRunning); err != nil {
			t.Fatalf("retrying->running: %v", err)
		}
	}

	if _, err := store.BeginRetry(ctx, "hr-job-missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReleaseAlwaysDropsLock(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, "i", "r", PriorityNormal)
	j := mustClaim(t, store, "w")
	if err := store.TransitionJob(ctx, j.ID, StatusClaimed, StatusRunning); err != nil {
		t.Fatalf("start: %v", err)
	}

	released, err := store.ReleaseJob(ctx, j.ID, StatusFailed, "compile_error", "undefined: x")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != StatusFailed || released.ErrorCategory != "compile_error" || released.CompletedAt == "" {
		t.Fatalf("unexpected released job %+v", released)
	}

	locks, err := store.ListRepoLocks(ctx)
	if err != nil {
		t.Fatalf("list locks: %v", err)
	}
	if len(locks) != 0 {
		t.Fatalf("expected no locks, got %+v", locks)
	}

	if _, err := store.ReleaseJob(ctx, j.ID, StatusSucceeded, "", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second release rejected, got %v", err)
	}
	if _, err := store.ReleaseJob(ctx, j.ID, StatusRunning, "", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected non-terminal release rejected, got %v", err)
	}
	if _, err := store.ReleaseJob(ctx, "hr-job-0000000000000000", StatusFailed, "", ""); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRequeueFailedJob(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, "i", "r", PriorityNormal)
	j := mustClaim(t, store, "w")
	if err := store.TransitionJob(ctx, j.ID, StatusClaimed, StatusRunning); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := store.BeginRetry(ctx, j.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := store.ReleaseJob(ctx, j.ID, StatusFailed, "test_failure", "FAIL"); err != nil {
		t.Fatalf("release: %v", err)
	}

	requeued, err := store.RequeueJob(ctx, j.ID, "try a smaller diff")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != StatusPending || requeued.Attempts != 0 || requeued.ErrorCategory != "" {
		t.Fatalf("unexpected requeued job %+v", requeued)
	}
	if requeued.QueuePosition <= j.QueuePosition {
		t.Fatalf("expected fresh queue position, got %d (was %d)", requeued.QueuePosition, j.QueuePosition)
	}
	if requeued.Notes != "try a smaller diff" {
		t.Fatalf("notes = %q", requeued.Notes)
	}

	if _, err := store.RequeueJob(ctx, j.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected pending job not requeueable, got %v", err)
	}
}

func TestRecoverInFlightJobs(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, "i1", "r1", PriorityNormal)
	mustCreate(t, store, "i2", "r2", PriorityNormal)
	first := mustClaim(t, store, "w")
	mustClaim(t, store, "w")
	if err := store.TransitionJob(ctx, first.ID, StatusClaimed, StatusRunning); err != nil {
		t.Fatalf("start: %v", err)
	}

	n, err := store.RecoverInFlightJobs(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered %d, want 2", n)
	}
	locks, err := store.ListRepoLocks(ctx)
	if err != nil {
		t.Fatalf("list locks: %v", err)
	}
	if len(locks) != 0 {
		t.Fatalf("expected locks dropped, got %+v", locks)
	}
	if got := mustClaim(t, store, "w2"); got == nil {
		t.Fatal("expected recovered job to be claimable")
	}
}

func TestQueueStats(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, "a", "org/x", PriorityUrgent)
	mustCreate(t, store, "b", "org/x", PriorityNormal)
	mustCreate(t, store, "c", "org/y", PriorityNormal)
	claimed := mustClaim(t, store, "w1")

	stats, err := store.QueueStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ByPriority["urgent"] != 1 || stats.ByPriority["normal"] != 2 {
		t.Fatalf("unexpected priority counts %v", stats.ByPriority)
	}
	if stats.ByRepo["org/x"] != 2 || stats.ByRepo["org/y"] != 1 {
		t.Fatalf("unexpected repo counts %v", stats.ByRepo)
	}
	if stats.ByStatus[StatusPending] != 2 || stats.ByStatus[StatusClaimed] != 1 {
		t.Fatalf("unexpected status counts %v", stats.ByStatus)
	}
	if len(stats.Locks) != 1 || stats.Locks[0].JobID != claimed.ID || stats.Locks[0].RepoKey != "org/x" {
		t.Fatalf("unexpected locks %+v", stats.Locks)
	}
}

func TestResolveJobIDAndShortID(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	j := mustCreate(t, store, "i", "r", PriorityNormal)
	short := ShortID(j.ID)
	if len(short) != 8 || !strings.HasPrefix(j.ID, "hr-job-"+short) {
		t.Fatalf("ShortID(%s) = %s", j.ID, short)
	}

	for _, in := range []string{j.ID, short, "hr-job-" + short} {
		got, err := store.ResolveJobID(ctx, in)
		if err != nil {
			t.Fatalf("resolve %q: %v", in, err)
		}
		if got != j.ID {
			t.Fatalf("resolve %q = %s, want %s", in, got, j.ID)
		}
	}
	if _, err := store.ResolveJobID(ctx, "zzzz"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Priority
		ok   bool
	}{
		{"urgent", PriorityUrgent, true},
		{"HIGH", PriorityHigh, true},
		{" normal ", PriorityNormal, true},
		{"3", PriorityLow, true},
		{"4", 0, false},
		{"critical", 0, false},
	}
	for _, tc := range tests {
		got, err := ParsePriority(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("ParsePriority(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("ParsePriority(%q) expected error", tc.in)
		}
	}
	if PriorityHigh.String() != "high" {
		t.Errorf("String() = %q", PriorityHigh.String())
	}
}
