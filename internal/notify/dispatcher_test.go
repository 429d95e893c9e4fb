package notify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"healrun/internal/db"
	"healrun/internal/ratelimit"
)

type stubSender struct {
	name     string
	err      error
	payloads []Payload
}

func (s *stubSender) Name() string { return s.name }

func (s *stubSender) Send(_ context.Context, payload Payload) error {
	s.payloads = append(s.payloads, payload)
	return s.err
}

func openNotifyTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "healrun.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// finishTestJob creates, claims and releases a job so the outbox holds one
// event of type status.
func finishTestJob(t *testing.T, store *db.Store, title, status string) db.Job {
	t.Helper()
	ctx := context.Background()
	j, err := store.CreateJob(ctx, db.NewJob{IssueRef: "org/repo#7", RepoKey: "org/repo", Title: title, Priority: db.PriorityNormal})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := store.ClaimJob(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	category := ""
	if status == db.StatusFailed {
		category = "test_failure"
	}
	released, err := store.ReleaseJob(ctx, j.ID, status, category, "boom")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	return released
}

func countEvents(t *testing.T, store *db.Store, status string) []db.NotificationEvent {
	t.Helper()
	events, err := store.ListNotificationEvents(context.Background(), status, 0)
	if err != nil {
		t.Fatalf("list %s events: %v", status, err)
	}
	return events
}

func TestDispatcherMarksEventSent(t *testing.T) {
	t.Parallel()
	store := openNotifyTestStore(t)
	job := finishTestJob(t, store, "Fix notifications", db.StatusSucceeded)

	sender := &stubSender{name: "stub"}
	processed, err := NewDispatcher(store, []Sender{sender}, nil).runOnce(context.Background())
	if err != nil || !processed {
		t.Fatalf("runOnce = %v, %v", processed, err)
	}

	if got := countEvents(t, store, db.NotificationStatusSent); len(got) != 1 {
		t.Fatalf("expected 1 sent event, got %d", len(got))
	}
	if len(sender.payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(sender.payloads))
	}
	p := sender.payloads[0]
	if p.JobID != job.ID || p.Title != "Fix notifications" || p.Event != TriggerSucceeded {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestDispatcherSkipsDisabledTrigger(t *testing.T) {
	t.Parallel()
	store := openNotifyTestStore(t)
	finishTestJob(t, store, "Disabled trigger", db.StatusSucceeded)

	sender := &stubSender{name: "stub"}
	processed, err := NewDispatcher(store, []Sender{sender}, []string{TriggerFailed}).runOnce(context.Background())
	if err != nil || !processed {
		t.Fatalf("runOnce = %v, %v", processed, err)
	}
	if got := countEvents(t, store, db.NotificationStatusSkipped); len(got) != 1 {
		t.Fatalf("expected 1 skipped event, got %d", len(got))
	}
	if len(sender.payloads) != 0 {
		t.Fatal("disabled trigger was sent")
	}
}

func TestDispatcherSkipsWithoutChannels(t *testing.T) {
	t.Parallel()
	store := openNotifyTestStore(t)
	finishTestJob(t, store, "No channels", db.StatusFailed)

	if _, err := NewDispatcher(store, nil, nil).runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if got := countEvents(t, store, db.NotificationStatusSkipped); len(got) != 1 {
		t.Fatalf("expected 1 skipped event, got %d", len(got))
	}
}

func TestDispatcherMarksFailuresAndSkipsExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openNotifyTestStore(t)
	finishTestJob(t, store, "Failing sender", db.StatusFailed)

	d := NewDispatcher(store, []Sender{&stubSender{name: "stub", err: errors.New("boom")}}, nil).WithMaxAttempts(1)
	processed, err := d.runOnce(ctx)
	if !processed || err == nil {
		t.Fatalf("runOnce = %v, %v; want processed with error", processed, err)
	}

	failed := countEvents(t, store, db.NotificationStatusFailed)
	if len(failed) != 1 || failed[0].Attempts != 1 {
		t.Fatalf("unexpected failed events %+v", failed)
	}

	d.recover(ctx)
	if got := countEvents(t, store, db.NotificationStatusSkipped); len(got) != 1 {
		t.Fatalf("expected exhausted event to be skipped, got %d", len(got))
	}
}

func TestDispatcherPartialSuccessCountsAsSent(t *testing.T) {
	t.Parallel()
	store := openNotifyTestStore(t)
	finishTestJob(t, store, "Partial", db.StatusFailed)

	senders := []Sender{&stubSender{name: "bad", err: errors.New("down")}, &stubSender{name: "good"}}
	if _, err := NewDispatcher(store, senders, nil).runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if got := countEvents(t, store, db.NotificationStatusSent); len(got) != 1 {
		t.Fatalf("expected sent, got %d", len(got))
	}
}

func TestDispatcherLimiterTimeoutFailsEvent(t *testing.T) {
	t.Parallel()
	store := openNotifyTestStore(t)
	finishTestJob(t, store, "Throttled", db.StatusSucceeded)

	lim := ratelimit.New()
	if err := lim.Configure(context.Background(), LimiterService, 1, 0.001); err != nil {
		t.Fatal(err)
	}
	if err := lim.Acquire(context.Background(), LimiterService, 1, 0); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(store, []Sender{&stubSender{name: "stub"}}, nil).WithLimiter(lim)
	d.sendTimeout = 10 * time.Millisecond
	_, err := d.runOnce(context.Background())
	if !errors.Is(err, ratelimit.ErrTimeout) {
		t.Fatalf("want rate limit timeout, got %v", err)
	}
	if got := countEvents(t, store, db.NotificationStatusFailed); len(got) != 1 {
		t.Fatalf("expected failed event, got %d", len(got))
	}
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	store := openNotifyTestStore(t)
	finishTestJob(t, store, "Run loop", db.StatusSucceeded)

	sender := &stubSender{name: "stub"}
	d := NewDispatcher(store, []Sender{sender}, nil)
	d.pollEvery = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(countEvents(t, store, db.NotificationStatusSent)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event was not delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
