package storage

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

// --- Jobs ---

// EnqueueJob adds a pending job. Enqueueing an id that already exists is a
// no-op, which makes job ids usable as idempotency keys.
func (s *Store) EnqueueJob(job Job) error {
	return s.withTx(func(tx *sql.Tx) error { return enqueueJobTx(tx, job) })
}

func enqueueJobTx(tx *sql.Tx, job Job) error {
	now := formatTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO jobs (id, type, payload_json, group_key, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, job.GroupKey, maxAttempts, runAfter, now, now,
	)
	return err
}

const jobColumns = `id, type, payload_json, group_key, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.GroupKey, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	var err error
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ClaimNextJob marks the oldest runnable job of one of types as running and
// returns it. It returns nil when nothing is runnable.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	var claimed *Job
	err := s.withTx(func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRow(query, args...))
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting next job: %w", err)
		}

		res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
		if err != nil {
			return fmt.Errorf("updating job status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking updated job rows: %w", err)
		}
		if n != 1 {
			return nil
		}
		j.Status = "running"
		j.UpdatedAt, _ = parseTime(now)
		claimed = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) CompleteJob(id string) error {
	now := formatTime(time.Now())
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is retried with exponential
// backoff until max_attempts, then marked failed.
func (s *Store) FailJob(id string, errMsg string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now()
		attempts++

		if attempts >= maxAttempts {
			_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				attempts, errMsg, formatTime(now), id)
		} else {
			backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
			_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
				attempts, errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
		}
		return err
	})
}

// DeferJob returns a claimed job to the queue to run again after delay
// without spending an attempt.
func (s *Store) DeferJob(id string, delay time.Duration) error {
	now := time.Now()
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', run_after = ?, updated_at = ? WHERE id = ?`,
		formatTime(now.Add(delay)), formatTime(now), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOpenJobs counts pending or running jobs in a group.
func (s *Store) CountOpenJobs(groupKey string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE group_key = ? AND status IN ('pending', 'running')`, groupKey).Scan(&n)
	return n, err
}

// RequeueRunningJobs returns jobs left running by a crashed process to the
// pending state. Call it once at startup before workers begin claiming.
func (s *Store) RequeueRunningJobs() (int, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', updated_at = ? WHERE status = 'running'`, formatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// JobStats counts jobs per status.
func (s *Store) JobStats() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
