package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the job's current status, including lost compare-and-swap races.
	ErrInvalidTransition = errors.New("invalid job transition")
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusClaimed   = "claimed"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ValidTransitions defines the allowed job status changes.
var ValidTransitions = map[string][]string{
	StatusPending:  {StatusClaimed},
	StatusClaimed:  {StatusRunning, StatusSucceeded, StatusFailed},
	StatusRunning:  {StatusRetrying, StatusSucceeded, StatusFailed},
	StatusRetrying: {StatusRunning, StatusFailed},
	StatusFailed:   {StatusPending},
}

// IsTerminal reports whether status ends a job's attempt chain.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// IsActive reports whether a job in status holds its repository lock.
func IsActive(status string) bool {
	switch status {
	case StatusClaimed, StatusRunning, StatusRetrying:
		return true
	default:
		return false
	}
}

func canTransition(from, to string) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Priority ranks jobs; lower values are claimed first.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = [...]string{"urgent", "high", "normal", "low"}

func (p Priority) String() string {
	if p.Valid() {
		return priorityNames[p]
	}
	return "priority(" + strconv.Itoa(int(p)) + ")"
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Valid reports whether p is one of the four defined ranks.
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

// ParsePriority accepts a rank name (case-insensitive) or its number.
func ParsePriority(s string) (Priority, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for i, name := range priorityNames {
		if v == name {
			return Priority(i), nil
		}
	}
	if n, err := strconv.Atoi(v); err == nil && Priority(n).Valid() {
		return Priority(n), nil
	}
	return 0, fmt.Errorf("unknown priority %q (want urgent, high, normal or low)", s)
}

type Job struct {
	ID             string   `json:"id"`
	IssueRef       string   `json:"issue_ref"`
	RepoKey        string   `json:"repo_key"`
	Title          string   `json:"title"`
	Labels         []string `json:"labels"`
	Priority       Priority `json:"priority"`
	QueuePosition  int64    `json:"queue_position"`
	ManualPosition *int64   `json:"manual_position,omitempty"`
	Status         string   `json:"status"`
	Attempts       int      `json:"self_heal_attempts"`
	WorkerID       string   `json:"worker_id,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	ErrorCategory  string   `json:"error_category,omitempty"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	ClaimedAt      string   `json:"claimed_at,omitempty"`
	CompletedAt    string   `json:"completed_at,omitempty"`
}

// NewJob carries the fields supplied at submission time.
type NewJob struct {
	IssueRef       string
	RepoKey        string
	Title          string
	Labels         []string
	Priority       Priority
	ManualPosition *int64
	Notes          string
}

const jobColumns = `id, issue_ref, repo_key, title, labels_json, priority, queue_position, manual_position,
       status, attempts, worker_id, notes, error_category, error_message,
       created_at, updated_at, COALESCE(claimed_at,''), COALESCE(completed_at,'')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j          Job
		labelsJSON string
		manual     sql.NullInt64
	)
	if err := row.Scan(
		&j.ID, &j.IssueRef, &j.RepoKey, &j.Title, &labelsJSON, &j.Priority, &j.QueuePosition, &manual,
		&j.Status, &j.Attempts, &j.WorkerID, &j.Notes, &j.ErrorCategory, &j.ErrorMessage,
		&j.CreatedAt, &j.UpdatedAt, &j.ClaimedAt, &j.CompletedAt,
	); err != nil {
		return Job{}, err
	}
	if manual.Valid {
		v := manual.Int64
		j.ManualPosition = &v
	}
	if labelsJSON != "" {
		if err := json.Unmarshal([]byte(labelsJSON), &j.Labels); err != nil {
			return Job{}, fmt.Errorf("decode labels for job %s: %w", j.ID, err)
		}
	}
	return j, nil
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// CreateJob inserts a pending job. Its queue position is one past the
// current maximum, assigned inside the insert so concurrent submitters never
// share a position.
func (s *Store) CreateJob(ctx context.Context, in NewJob) (Job, error) {
	if strings.TrimSpace(in.IssueRef) == "" || strings.TrimSpace(in.RepoKey) == "" {
		return Job{}, errors.New("create job: issue ref and repo key are required")
	}
	if !in.Priority.Valid() {
		return Job{}, fmt.Errorf("create job: invalid priority %d", in.Priority)
	}
	id, err := newJobID()
	if err != nil {
		return Job{}, err
	}
	labels := in.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return Job{}, fmt.Errorf("encode labels: %w", err)
	}

	q := `
INSERT INTO jobs(id, issue_ref, repo_key, title, labels_json, priority, queue_position, manual_position, notes)
VALUES(?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(queue_position), 0) + 1 FROM jobs), ?, ?)
RETURNING ` + jobColumns
	row := s.Writer.QueryRowContext(ctx, q,
		id, in.IssueRef, in.RepoKey, in.Title, string(labelsJSON), int(in.Priority), nullableInt(in.ManualPosition), in.Notes)
	j, err := scanJob(row)
	if err != nil {
		return Job{}, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

// ClaimJob hands the first eligible pending job to workerID and takes its
// repository lock in the same immediate transaction. Eligible means pending
// with no lock held on its repository. Jobs with a manual position come
// first, ordered by that position; the rest order by (priority, queue
// position). Returns nil, nil when nothing is eligible.
func (s *Store) ClaimJob(ctx context.Context, workerID string) (*Job, error) {
	tx, err := s.Writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim job: begin: %w", err)
	}
	defer tx.Rollback()

	var id, repoKey string
	err = tx.QueryRowContext(ctx, `
SELECT j.id, j.repo_key
FROM jobs j
WHERE j.status = 'pending'
  AND NOT EXISTS (SELECT 1 FROM repo_locks l WHERE l.repo_key = j.repo_key)
ORDER BY (j.manual_position IS NULL), j.manual_position, j.priority, j.queue_position
LIMIT 1`).Scan(&id, &repoKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: select: %w", err)
	}

	now := nowUTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO repo_locks(repo_key, job_id, worker_id, acquired_at) VALUES(?, ?, ?, ?)`,
		repoKey, id, workerID, now); err != nil {
		return nil, fmt.Errorf("claim job: lock repo %s: %w", repoKey, err)
	}

	row := tx.QueryRowContext(ctx, `
UPDATE jobs SET status = 'claimed', worker_id = ?, claimed_at = ?, updated_at = ?
WHERE id = ? AND status = 'pending'
RETURNING `+jobColumns, workerID, now, now, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim job: commit: %w", err)
	}
	return &j, nil
}

// TransitionJob moves a job between two non-terminal statuses with a
// compare-and-swap on from. Terminal statuses go through ReleaseJob.
func (s *Store) TransitionJob(ctx context.Context, jobID, from, to string) error {
	if !canTransition(from, to) || IsTerminal(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	res, err := s.Writer.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, nowUTC(), jobID, from)
	if err != nil {
		return fmt.Errorf("transition job %s %s->%s: %w", jobID, from, to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.explainMiss(ctx, jobID, from, to)
	}
	return nil
}

// BeginRetry moves a running job to retrying and increments its attempt
// counter in one statement. It returns the new attempt count.
func (s *Store) BeginRetry(ctx context.Context, jobID string) (int, error) {
	var attempts int
	err := s.Writer.QueryRowContext(ctx, `
UPDATE jobs SET status = 'retrying', attempts = attempts + 1, updated_at = ?
WHERE id = ? AND status = 'running'
RETURNING attempts`, nowUTC(), jobID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.explainMiss(ctx, jobID, StatusRunning, StatusRetrying)
	}
	if err != nil {
		return 0, fmt.Errorf("begin retry %s: %w", jobID, err)
	}
	return attempts, nil
}

// ReleaseJob sets a terminal status and deletes the job's repository lock in
// one transaction, and queues a notification event for the outcome. The lock
// is deleted even when the status change is rejected.
func (s *Store) ReleaseJob(ctx context.Context, jobID, to, category, message string) (Job, error) {
	if !IsTerminal(to) {
		return Job{}, fmt.Errorf("%w: release to non-terminal status %s", ErrInvalidTransition, to)
	}

	tx, err := s.Writer.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("release job %s: begin: %w", jobID, err)
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return Job{}, fmt.Errorf("release job %s: load status: %w", jobID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM repo_locks WHERE job_id = ?`, jobID); err != nil {
		return Job{}, fmt.Errorf("release job %s: unlock: %w", jobID, err)
	}

	if !canTransition(from, to) {
		if err := tx.Commit(); err != nil {
			return Job{}, fmt.Errorf("release job %s: commit unlock: %w", jobID, err)
		}
		return Job{}, fmt.Errorf("%w: job %s is %s, cannot become %s", ErrInvalidTransition, jobID, from, to)
	}

	now := nowUTC()
	row := tx.QueryRowContext(ctx, `
UPDATE jobs SET status = ?, error_category = ?, error_message = ?, completed_at = ?, updated_at = ?
WHERE id = ? AND status = ?
RETURNING `+jobColumns, to, category, trimMessage(message), now, now, jobID, from)
	j, err := scanJob(row)
	if err != nil {
		return Job{}, fmt.Errorf("release job %s: %w", jobID, err)
	}

	if err := enqueueNotificationEventTx(ctx, tx, jobID, to); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("release job %s: commit: %w", jobID, err)
	}
	return j, nil
}

// RequeueJob resets a failed job to pending with a fresh queue position and a
// zeroed attempt counter. Non-empty notes replace the stored notes.
func (s *Store) RequeueJob(ctx context.Context, jobID, notes string) (Job, error) {
	now := nowUTC()
	row := s.Writer.QueryRowContext(ctx, `
UPDATE jobs SET status = 'pending', attempts = 0, worker_id = '',
               error_category = '', error_message = '',
               notes = CASE WHEN ? = '' THEN notes ELSE ? END,
               queue_position = (SELECT COALESCE(MAX(queue_position), 0) + 1 FROM jobs),
               claimed_at = NULL, completed_at = NULL, updated_at = ?
WHERE id = ? AND status = 'failed'
RETURNING `+jobColumns, notes, notes, now, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, s.explainMiss(ctx, jobID, StatusFailed, StatusPending)
	}
	if err != nil {
		return Job{}, fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	return j, nil
}

// SetManualPosition overrides (or with nil, clears) the ordering of a
// pending job.
func (s *Store) SetManualPosition(ctx context.Context, jobID string, pos *int64) error {
	res, err := s.Writer.ExecContext(ctx,
		`UPDATE jobs SET manual_position = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		nullableInt(pos), nowUTC(), jobID)
	if err != nil {
		return fmt.Errorf("set manual position %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.explainMiss(ctx, jobID, StatusPending, StatusPending)
	}
	return nil
}

// RecoverInFlightJobs returns claimed, running and retrying jobs to pending
// and drops every repository lock. Called on daemon startup after a crash.
func (s *Store) RecoverInFlightJobs(ctx context.Context) (int64, error) {
	tx, err := s.Writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight jobs: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status = 'pending', attempts = 0, worker_id = '', claimed_at = NULL, updated_at = ?
WHERE status IN ('claimed', 'running', 'retrying')`, nowUTC())
	if err != nil {
		return 0, fmt.Errorf("recover in-flight jobs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM repo_locks`); err != nil {
		return 0, fmt.Errorf("recover in-flight jobs: drop locks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("recover in-flight jobs: commit: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	row := s.Reader.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return j, nil
}

// ListJobs returns jobs filtered by status and repo (empty or "all" means
// any), most recently updated first. limit <= 0 means no limit.
func (s *Store) ListJobs(ctx context.Context, status, repoKey string, limit int) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if status != "" && status != "all" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	if repoKey != "" {
		q += ` AND repo_key = ?`
		args = append(args, repoKey)
	}
	q += ` ORDER BY updated_at DESC, queue_position DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// explainMiss turns a compare-and-swap that touched no rows into
// ErrJobNotFound or ErrInvalidTransition.
func (s *Store) explainMiss(ctx context.Context, jobID, from, to string) error {
	var status string
	err := s.Writer.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("load job %s status: %w", jobID, err)
	}
	return fmt.Errorf("%w: job %s is %s, expected %s (-> %s)", ErrInvalidTransition, jobID, status, from, to)
}

// ResolveJobID expands a full id, an "hr-job-" prefix, or a bare hex
// fragment into a single job id.
func (s *Store) ResolveJobID(ctx context.Context, prefix string) (string, error) {
	var id string
	err := s.Reader.QueryRowContext(ctx, `SELECT id FROM jobs WHERE id = ?`, prefix).Scan(&id)
	if err == nil {
		return id, nil
	}

	like := prefix + "%"
	if !strings.HasPrefix(prefix, jobIDPrefix) {
		like = jobIDPrefix + prefix + "%"
	}

	rows, err := s.Reader.QueryContext(ctx, `SELECT id FROM jobs WHERE id LIKE ? ORDER BY updated_at DESC LIMIT 2`, like)
	if err != nil {
		return "", fmt.Errorf("resolve job ID %q: %w", prefix, err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return "", fmt.Errorf("scan job ID: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("resolve job ID %q: %w", prefix, err)
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: no job matching %q", ErrJobNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous job prefix %q: matches %s and others", prefix, matches[0])
	}
}

const jobIDPrefix = "hr-job-"

// ShortID returns the first 8 hex chars of a job id.
func ShortID(id string) string {
	// hr-job-2dad8b6b5f96e0df -> 2dad8b6b
	hex := strings.TrimPrefix(id, jobIDPrefix)
	if len(hex) > 8 {
		return hex[:8]
	}
	return hex
}

func newJobID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return jobIDPrefix + hex.EncodeToString(buf), nil
}

func trimMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > 4096 {
		return msg[:4096]
	}
	return msg
}
