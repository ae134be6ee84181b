// Package queue implements the durable prioritized job queue. Job rows are
// owned exclusively by this package; the engine composes queue mutations into
// its transactions through the *Tx methods.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"foundry/internal/domain"
	"foundry/internal/events"
)

const defaultMaxAttempts = 3

// backoffSchedule is the retry delay per failure count, capped at the last
// entry.
var backoffSchedule = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// Backoff returns the delay applied after the given failure count (1-based).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt-1]
}

type Queue struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB, ev events.Writer) Queue {
	return Queue{DB: db, Events: ev, Now: time.Now}
}

// Options tune a single enqueue. Zero values mean priority 0, the default
// max attempts, and immediate eligibility.
type Options struct {
	Priority    int
	MaxAttempts int
	Delay       time.Duration
}

func (q Queue) now() time.Time {
	if q.Now == nil {
		return time.Now()
	}
	return q.Now()
}

func (q Queue) stamp() string {
	return q.now().UTC().Format(time.RFC3339)
}

const jobColumns = `id,type,payload_json,status,priority,attempts,max_attempts,scheduled_at,started_at,completed_at,error,result_json`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var startedAt, completedAt, errMsg, result sql.NullString
	err := scan(&j.ID, &j.Type, &j.Payload, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&j.ScheduledAt, &startedAt, &completedAt, &errMsg, &result)
	if err == sql.ErrNoRows {
		return j, domain.ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.String
	}
	if errMsg.Valid {
		j.Error = &errMsg.String
	}
	if result.Valid {
		j.Result = &result.String
	}
	return j, nil
}

// Enqueue inserts a pending job. It never blocks; it fails only when the
// store does.
func (q Queue) Enqueue(ctx context.Context, jobType, payload string, opts Options) (domain.Job, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	job, err := q.EnqueueTx(ctx, tx, jobType, payload, opts)
	if err != nil {
		return domain.Job{}, err
	}
	return job, tx.Commit()
}

// EnqueueTx inserts a pending job inside the caller's transaction so pipeline
// status writes and their job enqueues commit together.
func (q Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, jobType, payload string, opts Options) (domain.Job, error) {
	if jobType == "" {
		return domain.Job{}, fmt.Errorf("job type is required")
	}
	if payload == "" {
		payload = "{}"
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	job := domain.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     payload,
		Status:      domain.JobPending,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		ScheduledAt: q.now().Add(opts.Delay).UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,type,payload_json,status,priority,attempts,max_attempts,scheduled_at) VALUES (?,?,?,?,?,0,?,?)`,
		job.ID, job.Type, job.Payload, job.Status, job.Priority, job.MaxAttempts, job.ScheduledAt); err != nil {
		return domain.Job{}, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	err := q.Events.Append(ctx, tx, events.Event{
		Type:       "job.enqueued",
		EntityKind: "job",
		EntityID:   job.ID,
		ToStatus:   domain.JobPending,
		JobID:      job.ID,
		Payload:    events.Payload{"type": jobType, "priority": job.Priority, "scheduled_at": job.ScheduledAt},
	})
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// Claim atomically selects up to limit due pending jobs, highest priority
// first, oldest first within a band, and marks each running. Every job is
// won by exactly one caller: the transition is a single conditional UPDATE
// checked via RowsAffected, so concurrent claimers cannot double-dispatch.
// Losing a candidate to a concurrent claimer just shortens the batch.
func (q Queue) Claim(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := q.stamp()
	rows, err := q.DB.QueryContext(ctx, `SELECT id FROM jobs WHERE status=? AND scheduled_at<=? ORDER BY priority DESC, scheduled_at ASC, rowid ASC LIMIT ?`,
		domain.JobPending, now, limit)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []domain.Job
	for _, id := range candidates {
		tx, err := q.DB.BeginTx(ctx, nil)
		if err != nil {
			return claimed, err
		}
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, started_at=? WHERE id=? AND status=? AND scheduled_at<=?`,
			domain.JobRunning, now, id, domain.JobPending, now)
		if err != nil {
			tx.Rollback()
			return claimed, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return claimed, err
		}
		if n == 0 {
			tx.Rollback()
			continue
		}
		job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id).Scan)
		if err != nil {
			tx.Rollback()
			return claimed, err
		}
		err = q.Events.Append(ctx, tx, events.Event{
			Type:       "job.claimed",
			EntityKind: "job",
			EntityID:   id,
			FromStatus: domain.JobPending,
			ToStatus:   domain.JobRunning,
			JobID:      id,
		})
		if err != nil {
			tx.Rollback()
			return claimed, err
		}
		if err := tx.Commit(); err != nil {
			return claimed, err
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// Release returns a claimed job to pending without consuming an attempt.
// Used when concurrency capacity is exhausted after claim and on dispatcher
// shutdown; scheduled_at is untouched so the job keeps its place in the band.
func (q Queue) Release(ctx context.Context, id string) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, started_at=NULL WHERE id=? AND status=?`,
		domain.JobPending, id, domain.JobRunning)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	err = q.Events.Append(ctx, tx, events.Event{
		Type:       "job.released",
		EntityKind: "job",
		EntityID:   id,
		FromStatus: domain.JobRunning,
		ToStatus:   domain.JobPending,
		JobID:      id,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Complete marks a running job done. Completing a job that is not running
// (already done, or cancelled mid-flight) is a no-op: the first completion's
// result and completed_at stick.
func (q Queue) Complete(ctx context.Context, id, resultJSON string) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := q.CompleteTx(ctx, tx, id, resultJSON); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteTx reports whether this call performed the completion; false means
// the job was not running and nothing changed.
func (q Queue) CompleteTx(ctx context.Context, tx *sql.Tx, id, resultJSON string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, completed_at=?, result_json=? WHERE id=? AND status=?`,
		domain.JobDone, q.stamp(), nullable(resultJSON), id, domain.JobRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return false, domain.ErrNotFound
		}
		return false, err
	}
	err = q.Events.Append(ctx, tx, events.Event{
		Type:       "job.completed",
		EntityKind: "job",
		EntityID:   id,
		FromStatus: domain.JobRunning,
		ToStatus:   domain.JobDone,
		JobID:      id,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Fail records a failed attempt. While attempts remain the job goes back to
// pending with the backoff delay; otherwise it lands in failed and the caller
// applies the pipeline's blocked transition. The returned status is the job's
// status after the call (unchanged when the job was not running).
func (q Queue) Fail(ctx context.Context, id, cause string) (string, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	status, err := q.FailTx(ctx, tx, id, cause)
	if err != nil {
		return "", err
	}
	return status, tx.Commit()
}

func (q Queue) FailTx(ctx context.Context, tx *sql.Tx, id, cause string) (string, error) {
	var status string
	var attempts, maxAttempts int
	err := tx.QueryRowContext(ctx, `SELECT status, attempts, max_attempts FROM jobs WHERE id=?`, id).
		Scan(&status, &attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if status != domain.JobRunning {
		return status, nil
	}
	attempts++
	if attempts < maxAttempts {
		next := q.now().Add(Backoff(attempts)).UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, attempts=?, scheduled_at=?, started_at=NULL, error=? WHERE id=? AND status=?`,
			domain.JobPending, attempts, next, cause, id, domain.JobRunning); err != nil {
			return "", err
		}
		err = q.Events.Append(ctx, tx, events.Event{
			Type:       "job.retried",
			EntityKind: "job",
			EntityID:   id,
			FromStatus: domain.JobRunning,
			ToStatus:   domain.JobPending,
			JobID:      id,
			Payload:    events.Payload{"attempts": attempts, "error": cause, "next_attempt_at": next},
		})
		if err != nil {
			return "", err
		}
		return domain.JobPending, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, attempts=?, completed_at=?, error=? WHERE id=? AND status=?`,
		domain.JobFailed, attempts, q.stamp(), cause, id, domain.JobRunning); err != nil {
		return "", err
	}
	err = q.Events.Append(ctx, tx, events.Event{
		Type:       "job.failed",
		EntityKind: "job",
		EntityID:   id,
		FromStatus: domain.JobRunning,
		ToStatus:   domain.JobFailed,
		JobID:      id,
		Payload:    events.Payload{"attempts": attempts, "error": cause},
	})
	if err != nil {
		return "", err
	}
	return domain.JobFailed, nil
}

// FailPermanentlyTx fails a running job without consuming the remaining
// attempts (budget denial, unregistered job type). Reports whether the job
// was transitioned.
func (q Queue) FailPermanentlyTx(ctx context.Context, tx *sql.Tx, id, cause string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, completed_at=?, error=? WHERE id=? AND status=?`,
		domain.JobFailed, q.stamp(), cause, id, domain.JobRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	err = q.Events.Append(ctx, tx, events.Event{
		Type:       "job.failed",
		EntityKind: "job",
		EntityID:   id,
		FromStatus: domain.JobRunning,
		ToStatus:   domain.JobFailed,
		JobID:      id,
		Payload:    events.Payload{"error": cause, "permanent": true},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Cancel stops a job. Pending jobs cancel immediately; cancelling a running
// job marks intent, and the dispatcher's watcher observes the status and
// cancels the executor context. Terminal jobs cannot be cancelled.
func (q Queue) Cancel(ctx context.Context, id string) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != domain.JobPending && status != domain.JobRunning {
		return &domain.TransitionError{Entity: "job", ID: id, From: status, To: domain.JobCancelled}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, completed_at=? WHERE id=? AND status=?`,
		domain.JobCancelled, q.stamp(), id, status); err != nil {
		return err
	}
	err = q.Events.Append(ctx, tx, events.Event{
		Type:       "job.cancelled",
		EntityKind: "job",
		EntityID:   id,
		FromStatus: status,
		ToStatus:   domain.JobCancelled,
		JobID:      id,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// CancelByRefTx cancels open jobs whose payload references the given entity;
// refKey is a JobRef field ("ticket_id", "idea_id"). Pending jobs terminate
// here; running jobs get the advisory status the dispatcher's watcher acts
// on. Returns how many jobs were cancelled.
func (q Queue) CancelByRefTx(ctx context.Context, tx *sql.Tx, refKey, refID string) (int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, status FROM jobs WHERE status IN (?,?) AND json_extract(payload_json, ?) = ?`,
		domain.JobPending, domain.JobRunning, "$."+refKey, refID)
	if err != nil {
		return 0, err
	}
	type candidate struct{ id, status string }
	var open []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.status); err != nil {
			rows.Close()
			return 0, err
		}
		open = append(open, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, c := range open {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, completed_at=? WHERE id=? AND status=?`,
			domain.JobCancelled, q.stamp(), c.id, c.status); err != nil {
			return 0, err
		}
		err := q.Events.Append(ctx, tx, events.Event{
			Type:       "job.cancelled",
			EntityKind: "job",
			EntityID:   c.id,
			FromStatus: c.status,
			ToStatus:   domain.JobCancelled,
			JobID:      c.id,
			Payload:    events.Payload{refKey: refID},
		})
		if err != nil {
			return 0, err
		}
	}
	return len(open), nil
}

// Requeue is the explicit human path back from failed: attempts reset, due
// immediately.
func (q Queue) Requeue(ctx context.Context, id string) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != domain.JobFailed {
		return &domain.TransitionError{Entity: "job", ID: id, From: status, To: domain.JobPending}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, attempts=0, scheduled_at=?, started_at=NULL, completed_at=NULL WHERE id=? AND status=?`,
		domain.JobPending, q.stamp(), id, domain.JobFailed); err != nil {
		return err
	}
	err = q.Events.Append(ctx, tx, events.Event{
		Type:       "job.requeued",
		EntityKind: "job",
		EntityID:   id,
		FromStatus: domain.JobFailed,
		ToStatus:   domain.JobPending,
		JobID:      id,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Prune deletes terminal jobs that completed before the cutoff and returns
// how many were removed.
func (q Queue) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan).UTC().Format(time.RFC3339)
	res, err := q.DB.ExecContext(ctx, `DELETE FROM jobs WHERE status IN (?,?,?) AND completed_at IS NOT NULL AND completed_at <= ?`,
		domain.JobDone, domain.JobFailed, domain.JobCancelled, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q Queue) Get(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(q.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id).Scan)
}

// Status is the cheap read used by the dispatcher's cancellation watcher.
func (q Queue) Status(ctx context.Context, id string) (string, error) {
	var status string
	err := q.DB.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", domain.ErrNotFound
	}
	return status, err
}

func (q Queue) List(ctx context.Context, status, jobType string, limit int) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var clauses []string
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if jobType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, jobType)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (q Queue) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
