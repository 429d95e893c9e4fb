package db

import (
	"context"
	"fmt"
)

// RepoLock is one held repository lock.
type RepoLock struct {
	RepoKey    string `db:"repo_key" json:"repo_key"`
	JobID      string `db:"job_id" json:"job_id"`
	WorkerID   string `db:"worker_id" json:"worker_id"`
	AcquiredAt string `db:"acquired_at" json:"acquired_at"`
}

// QueueStats summarizes the queue. Priority and repo counts cover jobs that
// have not reached a terminal status.
type QueueStats struct {
	ByPriority map[string]int `json:"by_priority"`
	ByRepo     map[string]int `json:"by_repo"`
	ByStatus   map[string]int `json:"by_status"`
	Locks      []RepoLock     `json:"locks"`
}

type countRow struct {
	Key   string `db:"k"`
	Count int    `db:"n"`
}

func (s *Store) countBy(ctx context.Context, query string) (map[string]int, error) {
	var rows []countRow
	if err := s.rx.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Count
	}
	return out, nil
}

// ListRepoLocks returns the held repository locks ordered by repo key.
func (s *Store) ListRepoLocks(ctx context.Context) ([]RepoLock, error) {
	locks := []RepoLock{}
	if err := s.rx.SelectContext(ctx, &locks,
		`SELECT repo_key, job_id, worker_id, acquired_at FROM repo_locks ORDER BY repo_key`); err != nil {
		return nil, fmt.Errorf("list repo locks: %w", err)
	}
	return locks, nil
}

func (s *Store) QueueStats(ctx context.Context) (QueueStats, error) {
	byPriority, err := s.countBy(ctx, `
SELECT CASE priority WHEN 0 THEN 'urgent' WHEN 1 THEN 'high' WHEN 2 THEN 'normal' ELSE 'low' END AS k,
       COUNT(*) AS n
FROM jobs WHERE status NOT IN ('succeeded', 'failed')
GROUP BY priority`)
	if err != nil {
		return QueueStats{}, fmt.Errorf("count jobs by priority: %w", err)
	}
	byRepo, err := s.countBy(ctx, `
SELECT repo_key AS k, COUNT(*) AS n
FROM jobs WHERE status NOT IN ('succeeded', 'failed')
GROUP BY repo_key`)
	if err != nil {
		return QueueStats{}, fmt.Errorf("count jobs by repo: %w", err)
	}
	byStatus, err := s.countBy(ctx, `SELECT status AS k, COUNT(*) AS n FROM jobs GROUP BY status`)
	if err != nil {
		return QueueStats{}, fmt.Errorf("count jobs by status: %w", err)
	}
	locks, err := s.ListRepoLocks(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{ByPriority: byPriority, ByRepo: byRepo, ByStatus: byStatus, Locks: locks}, nil
}
