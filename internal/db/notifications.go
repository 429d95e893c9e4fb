package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Notification outbox statuses.
const (
	NotificationStatusPending    = "pending"
	NotificationStatusProcessing = "processing"
	NotificationStatusSent       = "sent"
	NotificationStatusFailed     = "failed"
	NotificationStatusSkipped    = "skipped"
)

// NotificationEvent is one outbox row. EventType is the terminal job status
// that produced it.
type NotificationEvent struct {
	ID        int64  `db:"id"`
	JobID     string `db:"job_id"`
	EventType string `db:"event_type"`
	Status    string `db:"status"`
	Attempts  int    `db:"attempts"`
	LastError string `db:"last_error"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

const notificationColumns = `id, job_id, event_type, status, attempts, last_error, created_at, updated_at`

func enqueueNotificationEventTx(ctx context.Context, tx *sql.Tx, jobID, eventType string) error {
	if !IsTerminal(eventType) {
		return fmt.Errorf("unsupported notification event type %q", eventType)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO notification_events(job_id, event_type) VALUES(?, ?)`, jobID, eventType); err != nil {
		return fmt.Errorf("enqueue notification event for job %s: %w", jobID, err)
	}
	return nil
}

// ListNotificationEvents returns outbox rows, oldest first.
func (s *Store) ListNotificationEvents(ctx context.Context, status string, limit int) ([]NotificationEvent, error) {
	q := `SELECT ` + notificationColumns + ` FROM notification_events`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY id ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	out := []NotificationEvent{}
	if err := s.rx.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("list notification events: %w", err)
	}
	return out, nil
}

// ClaimNextNotificationEvent marks the oldest deliverable event processing.
// Failed events become deliverable again after a backoff that grows with
// their attempt count.
func (s *Store) ClaimNextNotificationEvent(ctx context.Context, maxAttempts int) (NotificationEvent, bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var event NotificationEvent
	err := s.Writer.QueryRowContext(ctx, `
UPDATE notification_events
SET status = 'processing', updated_at = ?
WHERE id = (
	SELECT id FROM notification_events
	WHERE attempts < ?
	  AND (
		status = 'pending'
		OR (status = 'failed'
		    AND unixepoch(updated_at) <= unixepoch('now') - CASE
				WHEN attempts <= 1 THEN 5
				WHEN attempts = 2 THEN 15
				WHEN attempts = 3 THEN 60
				ELSE 300
			END)
	  )
	ORDER BY created_at ASC, id ASC
	LIMIT 1
)
RETURNING `+notificationColumns, nowUTC(), maxAttempts).Scan(
		&event.ID, &event.JobID, &event.EventType, &event.Status,
		&event.Attempts, &event.LastError, &event.CreatedAt, &event.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationEvent{}, false, nil
	}
	if err != nil {
		return NotificationEvent{}, false, fmt.Errorf("claim notification event: %w", err)
	}
	return event, true, nil
}

// FinishNotificationEvent records a delivery outcome: sent, failed (which
// counts an attempt) or skipped.
func (s *Store) FinishNotificationEvent(ctx context.Context, id int64, status, reason string) error {
	var q string
	switch status {
	case NotificationStatusSent:
		q = `UPDATE notification_events SET status = 'sent', last_error = '', updated_at = ? WHERE id = ?`
	case NotificationStatusFailed:
		q = `UPDATE notification_events SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`
	case NotificationStatusSkipped:
		q = `UPDATE notification_events SET status = 'skipped', last_error = ?, updated_at = ? WHERE id = ?`
	default:
		return fmt.Errorf("finish notification event %d: unsupported status %q", id, status)
	}
	args := []any{nowUTC(), id}
	if status != NotificationStatusSent {
		args = append([]any{trimNotificationError(reason)}, args...)
	}
	if _, err := s.Writer.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("mark notification event %d %s: %w", id, status, err)
	}
	return nil
}

// RecoverNotificationEvents fails events left processing by a previous
// process and skips failed events that ran out of attempts.
func (s *Store) RecoverNotificationEvents(ctx context.Context, maxAttempts int) (recovered, skipped int64, err error) {
	res, err := s.Writer.ExecContext(ctx, `
UPDATE notification_events
SET status = 'failed', attempts = attempts + 1,
    last_error = CASE WHEN last_error = '' THEN 'dispatcher restarted while event was processing' ELSE last_error END,
    updated_at = ?
WHERE status = 'processing'`, nowUTC())
	if err != nil {
		return 0, 0, fmt.Errorf("recover processing notification events: %w", err)
	}
	recovered, _ = res.RowsAffected()

	if maxAttempts <= 0 {
		return recovered, 0, nil
	}
	res, err = s.Writer.ExecContext(ctx, `
UPDATE notification_events
SET status = 'skipped',
    last_error = CASE WHEN last_error = '' THEN 'max attempts reached' ELSE last_error END,
    updated_at = ?
WHERE status = 'failed' AND attempts >= ?`, nowUTC(), maxAttempts)
	if err != nil {
		return recovered, 0, fmt.Errorf("skip exhausted notification events: %w", err)
	}
	skipped, _ = res.RowsAffected()
	return recovered, skipped, nil
}

// DeleteOldNotificationEvents removes delivered or skipped events older than
// olderThan.
func (s *Store) DeleteOldNotificationEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	res, err := s.Writer.ExecContext(ctx, `
DELETE FROM notification_events
WHERE status IN ('sent', 'skipped') AND updated_at < ?`, FormatTime(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("delete old notification events: %w", err)
	}
	return res.RowsAffected()
}

func trimNotificationError(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "unknown error"
	}
	if len(msg) > 512 {
		return msg[:512]
	}
	return msg
}
