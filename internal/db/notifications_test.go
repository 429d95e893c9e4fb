package db

import (
	"context"
	"testing"
)

func TestReleaseQueuesNotificationEvent(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, "ok", "r1", PriorityNormal)
	mustCreate(t, store, "bad", "r2", PriorityNormal)
	first := mustClaim(t, store, "w")
	second := mustClaim(t, store, "w")

	if _, err := store.ReleaseJob(ctx, first.ID, StatusSucceeded, "", ""); err != nil {
		t.Fatalf("release first: %v", err)
	}
	if _, err := store.ReleaseJob(ctx, second.ID, StatusFailed, "timeout", "deadline exceeded"); err != nil {
		t.Fatalf("release second: %v", err)
	}

	events, err := store.ListNotificationEvents(ctx, NotificationStatusPending, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].JobID != first.ID || events[0].EventType != StatusSucceeded {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1].JobID != second.ID || events[1].EventType != StatusFailed {
		t.Fatalf("unexpected second event %+v", events[1])
	}
}

func TestNotificationEventLifecycle(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, "i", "r", PriorityNormal)
	j := mustClaim(t, store, "w")
	if _, err := store.ReleaseJob(ctx, j.ID, StatusFailed, "panic", "panic: boom"); err != nil {
		t.Fatalf("release: %v", err)
	}

	event, ok, err := store.ClaimNextNotificationEvent(ctx, 3)
	if err != nil || !ok {
		t.Fatalf("claim event: ok=%v err=%v", ok, err)
	}
	if event.Status != NotificationStatusProcessing {
		t.Fatalf("status = %s", event.Status)
	}
	if _, ok, err := store.ClaimNextNotificationEvent(ctx, 3); err != nil || ok {
		t.Fatalf("expected nothing claimable while processing: ok=%v err=%v", ok, err)
	}

	if err := store.FinishNotificationEvent(ctx, event.ID, NotificationStatusFailed, "  "); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, err := store.ListNotificationEvents(ctx, NotificationStatusFailed, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Attempts != 1 || failed[0].LastError != "unknown error" {
		t.Fatalf("unexpected failed events %+v", failed)
	}

	// Backoff keeps a just-failed event from being reclaimed.
	if _, ok, err := store.ClaimNextNotificationEvent(ctx, 3); err != nil || ok {
		t.Fatalf("expected backoff to hold event: ok=%v err=%v", ok, err)
	}

	recovered, skipped, err := store.RecoverNotificationEvents(ctx, 1)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 0 || skipped != 1 {
		t.Fatalf("recovered=%d skipped=%d", recovered, skipped)
	}

	if err := store.FinishNotificationEvent(ctx, event.ID, "bogus", ""); err == nil {
		t.Fatal("expected unsupported status error")
	}
}

func TestRecoverProcessingNotificationEvents(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, "i", "r", PriorityNormal)
	j := mustClaim(t, store, "w")
	if _, err := store.ReleaseJob(ctx, j.ID, StatusSucceeded, "", ""); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, err := store.ClaimNextNotificationEvent(ctx, 5); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	recovered, skipped, err := store.RecoverNotificationEvents(ctx, 5)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 || skipped != 0 {
		t.Fatalf("recovered=%d skipped=%d", recovered, skipped)
	}
	events, err := store.ListNotificationEvents(ctx, NotificationStatusFailed, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].LastError == "" {
		t.Fatalf("unexpected events %+v", events)
	}
}
