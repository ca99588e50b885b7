// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/cumulus-compute/cumulus/lib/batch"
)

// Schema is the driver database schema. It is applied with CREATE ...
// IF NOT EXISTS so repeated startup is harmless.
const Schema = `
CREATE TABLE IF NOT EXISTS globals (
    instance_id    text NOT NULL,
    internal_token text NOT NULL,
    worker_type    text NOT NULL,
    worker_cores   bigint NOT NULL,
    worker_disk_gb bigint NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
    id         bigserial PRIMARY KEY,
    user_name  text NOT NULL,
    attributes jsonb,
    closed     boolean NOT NULL DEFAULT false,
    cancelled  boolean NOT NULL DEFAULT false,
    deleted    boolean NOT NULL DEFAULT false,
    created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
    batch_id        bigint NOT NULL REFERENCES batches (id),
    job_id          bigint NOT NULL,
    user_name       text NOT NULL,
    state           text NOT NULL,
    cancelled       boolean NOT NULL DEFAULT false,
    always_run      boolean NOT NULL DEFAULT false,
    attempt_id      text NOT NULL DEFAULT '',
    cores_mcpu      bigint NOT NULL,
    spec            jsonb NOT NULL,
    instance_name   text NOT NULL DEFAULT '',
    pending_parents int NOT NULL DEFAULT 0,
    start_time      bigint NOT NULL DEFAULT 0,
    end_time        bigint NOT NULL DEFAULT 0,
    status          jsonb,
    PRIMARY KEY (batch_id, job_id)
);
CREATE INDEX IF NOT EXISTS jobs_by_state ON jobs (state, batch_id, job_id);

CREATE TABLE IF NOT EXISTS job_parents (
    batch_id  bigint NOT NULL,
    job_id    bigint NOT NULL,
    parent_id bigint NOT NULL,
    PRIMARY KEY (batch_id, job_id, parent_id)
);
CREATE INDEX IF NOT EXISTS job_parents_by_parent ON job_parents (batch_id, parent_id);

CREATE TABLE IF NOT EXISTS instances (
    name             text PRIMARY KEY,
    state            text NOT NULL,
    activation_token text NOT NULL,
    token            text NOT NULL DEFAULT '',
    ip_address       text NOT NULL DEFAULT '',
    cores            bigint NOT NULL,
    last_healthcheck bigint NOT NULL DEFAULT 0,
    created_at       bigint NOT NULL,
    activated_at     bigint NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS user_resources (
    user_name                text PRIMARY KEY,
    n_ready_jobs             bigint NOT NULL DEFAULT 0,
    ready_cores_mcpu         bigint NOT NULL DEFAULT 0,
    n_running_jobs           bigint NOT NULL DEFAULT 0,
    running_cores_mcpu       bigint NOT NULL DEFAULT 0,
    n_cancelled_ready_jobs   bigint NOT NULL DEFAULT 0,
    n_cancelled_running_jobs bigint NOT NULL DEFAULT 0
);
`

type pgStore struct {
	db *sqlx.DB
}

// NewPostgres opens the driver database and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %s", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %s", err)
	}
	return &pgStore{db: db}, nil
}

// InitGlobals writes the globals row if the table is empty, minting
// the instance id and internal token on first boot.
func InitGlobals(ctx context.Context, s Store, workerType batch.WorkerType, workerCores, workerDiskGB int64) (*batch.Globals, error) {
	ps, ok := s.(*pgStore)
	if !ok {
		return s.Globals(ctx)
	}
	g, err := ps.Globals(ctx)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	g = &batch.Globals{
		InstanceID:    NewToken(8),
		InternalToken: NewToken(32),
		WorkerType:    workerType,
		WorkerCores:   workerCores,
		WorkerDiskGB:  workerDiskGB,
	}
	_, err = ps.db.ExecContext(ctx, `INSERT INTO globals
		(instance_id, internal_token, worker_type, worker_cores, worker_disk_gb)
		VALUES ($1, $2, $3, $4, $5)`,
		g.InstanceID, g.InternalToken, string(g.WorkerType), g.WorkerCores, g.WorkerDiskGB)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (ps *pgStore) Globals(ctx context.Context) (*batch.Globals, error) {
	var row struct {
		InstanceID    string `db:"instance_id"`
		InternalToken string `db:"internal_token"`
		WorkerType    string `db:"worker_type"`
		WorkerCores   int64  `db:"worker_cores"`
		WorkerDiskGB  int64  `db:"worker_disk_gb"`
	}
	err := ps.db.GetContext(ctx, &row, `SELECT * FROM globals LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &batch.Globals{
		InstanceID:    row.InstanceID,
		InternalToken: row.InternalToken,
		WorkerType:    batch.WorkerType(row.WorkerType),
		WorkerCores:   row.WorkerCores,
		WorkerDiskGB:  row.WorkerDiskGB,
	}, nil
}

func (ps *pgStore) tx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := ps.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type jobRow struct {
	BatchID        int64          `db:"batch_id"`
	JobID          int64          `db:"job_id"`
	UserName       string         `db:"user_name"`
	State          string         `db:"state"`
	Cancelled      bool           `db:"cancelled"`
	AlwaysRun      bool           `db:"always_run"`
	AttemptID      string         `db:"attempt_id"`
	CoresMCPU      int64          `db:"cores_mcpu"`
	Spec           []byte         `db:"spec"`
	InstanceName   string         `db:"instance_name"`
	PendingParents int            `db:"pending_parents"`
	StartTime      int64          `db:"start_time"`
	EndTime        int64          `db:"end_time"`
	Status         sql.NullString `db:"status"`
}

func (r *jobRow) toJob() (*batch.Job, error) {
	j := &batch.Job{
		BatchID:      r.BatchID,
		JobID:        r.JobID,
		User:         r.UserName,
		State:        batch.JobState(r.State),
		Cancelled:    r.Cancelled,
		AttemptID:    r.AttemptID,
		CoresMCPU:    r.CoresMCPU,
		InstanceName: r.InstanceName,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
	}
	if err := json.Unmarshal(r.Spec, &j.Spec); err != nil {
		return nil, fmt.Errorf("decoding spec for job %d/%d: %s", r.BatchID, r.JobID, err)
	}
	if r.Status.Valid {
		if err := json.Unmarshal([]byte(r.Status.String), &j.Status); err != nil {
			return nil, fmt.Errorf("decoding status for job %d/%d: %s", r.BatchID, r.JobID, err)
		}
	}
	return j, nil
}

// bucketFor mirrors memBatch.bucket for rows already joined with their
// batch flags.
func bucketFor(state string, jobCancelled, alwaysRun, batchCancelled, batchDeleted bool) aggBucket {
	runnable := !batchDeleted && (alwaysRun || !(jobCancelled || batchCancelled))
	switch batch.JobState(state) {
	case batch.JobStateReady:
		if runnable {
			return aggReady
		}
		return aggCancelledReady
	case batch.JobStateRunning:
		if runnable {
			return aggRunning
		}
		return aggCancelledRunning
	default:
		return aggNone
	}
}

func applyAggTx(tx *sqlx.Tx, user string, b aggBucket, mcpu, sign int64) error {
	var col, coresCol string
	switch b {
	case aggNone:
		return nil
	case aggReady:
		col, coresCol = "n_ready_jobs", "ready_cores_mcpu"
	case aggRunning:
		col, coresCol = "n_running_jobs", "running_cores_mcpu"
	case aggCancelledReady:
		col = "n_cancelled_ready_jobs"
	case aggCancelledRunning:
		col = "n_cancelled_running_jobs"
	}
	q := fmt.Sprintf(`INSERT INTO user_resources (user_name, %s) VALUES ($1, $2)
		ON CONFLICT (user_name) DO UPDATE SET %s = user_resources.%s + $2`, col, col, col)
	if _, err := tx.Exec(q, user, sign); err != nil {
		return err
	}
	if coresCol != "" {
		q := fmt.Sprintf(`UPDATE user_resources SET %s = %s + $2 WHERE user_name = $1`, coresCol, coresCol)
		if _, err := tx.Exec(q, user, sign*mcpu); err != nil {
			return err
		}
	}
	return nil
}

func shiftAggTx(tx *sqlx.Tx, user string, before, after aggBucket, mcpu int64) error {
	if before == after {
		return nil
	}
	if err := applyAggTx(tx, user, before, mcpu, -1); err != nil {
		return err
	}
	return applyAggTx(tx, user, after, mcpu, +1)
}

func (ps *pgStore) CreateBatch(ctx context.Context, user string, attributes map[string]string) (int64, error) {
	attrs, err := json.Marshal(attributes)
	if err != nil {
		return 0, err
	}
	var id int64
	err = ps.db.QueryRowContext(ctx, `INSERT INTO batches (user_name, attributes)
		VALUES ($1, $2) RETURNING id`, user, attrs).Scan(&id)
	return id, err
}

type batchRow struct {
	ID        int64     `db:"id"`
	UserName  string    `db:"user_name"`
	Attrs     []byte    `db:"attributes"`
	Closed    bool      `db:"closed"`
	Cancelled bool      `db:"cancelled"`
	Deleted   bool      `db:"deleted"`
	CreatedAt time.Time `db:"created_at"`
}

func getBatchTx(tx *sqlx.Tx, id int64, forUpdate bool) (*batchRow, error) {
	q := `SELECT * FROM batches WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var row batchRow
	err := tx.Get(&row, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	if row.Deleted {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (ps *pgStore) GetBatch(ctx context.Context, id int64) (*batch.Batch, error) {
	var row batchRow
	err := ps.db.GetContext(ctx, &row, `SELECT * FROM batches WHERE id = $1 AND NOT deleted`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	b := &batch.Batch{
		ID:        row.ID,
		User:      row.UserName,
		Closed:    row.Closed,
		Cancelled: row.Cancelled,
		CreatedAt: row.CreatedAt,
	}
	if len(row.Attrs) > 0 {
		if err := json.Unmarshal(row.Attrs, &b.Attributes); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (ps *pgStore) AddJobs(ctx context.Context, batchID int64, jobs []*batch.Job) error {
	return ps.tx(ctx, func(tx *sqlx.Tx) error {
		brow, err := getBatchTx(tx, batchID, true)
		if err != nil {
			return err
		}
		if brow.Closed {
			return ErrBatchClosed
		}
		inserted := map[int64]bool{}
		for _, j := range jobs {
			var n int
			if err := tx.Get(&n, `SELECT count(*) FROM jobs WHERE batch_id = $1 AND job_id = $2`, batchID, j.JobID); err != nil {
				return err
			}
			if n > 0 || inserted[j.JobID] {
				return fmt.Errorf("%w: job %d", ErrDuplicateJob, j.JobID)
			}
			for _, pid := range j.Spec.ParentIDs {
				var pn int
				if err := tx.Get(&pn, `SELECT count(*) FROM jobs WHERE batch_id = $1 AND job_id = $2`, batchID, pid); err != nil {
					return err
				}
				if pn == 0 && !inserted[pid] {
					return fmt.Errorf("%w: job %d parent %d", ErrBadParent, j.JobID, pid)
				}
			}
			inserted[j.JobID] = true
		}
		for _, j := range jobs {
			pendingParents := 0
			cancelled := false
			for _, pid := range j.Spec.ParentIDs {
				var pstate string
				if err := tx.Get(&pstate, `SELECT state FROM jobs WHERE batch_id = $1 AND job_id = $2`, batchID, pid); err != nil {
					return err
				}
				if !batch.JobState(pstate).Terminal() {
					pendingParents++
				} else if batch.JobState(pstate) != batch.JobStateSuccess && !j.Spec.AlwaysRun {
					cancelled = true
				}
				if _, err := tx.Exec(`INSERT INTO job_parents (batch_id, job_id, parent_id)
					VALUES ($1, $2, $3)`, batchID, j.JobID, pid); err != nil {
					return err
				}
			}
			state := batch.JobStateReady
			if pendingParents > 0 {
				state = batch.JobStatePending
			}
			spec, err := json.Marshal(j.Spec)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`INSERT INTO jobs
				(batch_id, job_id, user_name, state, cancelled, always_run, cores_mcpu, spec, pending_parents)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				batchID, j.JobID, brow.UserName, string(state), cancelled, j.Spec.AlwaysRun,
				j.CoresMCPU, spec, pendingParents); err != nil {
				return err
			}
			bucket := bucketFor(string(state), cancelled, j.Spec.AlwaysRun, brow.Cancelled, false)
			if err := applyAggTx(tx, brow.UserName, bucket, j.CoresMCPU, +1); err != nil {
				return err
			}
		}
		return nil
	})
}

func (ps *pgStore) CloseBatch(ctx context.Context, user string, batchID int64) error {
	res, err := ps.db.ExecContext(ctx, `UPDATE batches SET closed = true
		WHERE id = $1 AND user_name = $2 AND NOT deleted`, batchID, user)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// setBatchFlag flips cancelled (and optionally deleted) and reconciles
// the cached aggregates for every affected job.
func (ps *pgStore) setBatchFlag(ctx context.Context, user string, batchID int64, del bool) error {
	return ps.tx(ctx, func(tx *sqlx.Tx) error {
		var brow batchRow
		err := tx.Get(&brow, `SELECT * FROM batches WHERE id = $1 FOR UPDATE`, batchID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		if brow.UserName != user {
			return ErrNotFound
		}
		if !del && brow.Deleted {
			return ErrNotFound
		}
		if brow.Cancelled && (!del || brow.Deleted) {
			return nil
		}
		var rows []jobRow
		if err := tx.Select(&rows, `SELECT * FROM jobs
			WHERE batch_id = $1 AND state IN ('Ready', 'Running') FOR UPDATE`, batchID); err != nil {
			return err
		}
		for _, r := range rows {
			before := bucketFor(r.State, r.Cancelled, r.AlwaysRun, brow.Cancelled, brow.Deleted)
			after := bucketFor(r.State, r.Cancelled, r.AlwaysRun, true, del || brow.Deleted)
			if err := shiftAggTx(tx, r.UserName, before, after, r.CoresMCPU); err != nil {
				return err
			}
		}
		_, err = tx.Exec(`UPDATE batches SET cancelled = true, deleted = deleted OR $2 WHERE id = $1`, batchID, del)
		return err
	})
}

func (ps *pgStore) CancelBatch(ctx context.Context, user string, batchID int64) error {
	return ps.setBatchFlag(ctx, user, batchID, false)
}

func (ps *pgStore) DeleteBatch(ctx context.Context, user string, batchID int64) error {
	return ps.setBatchFlag(ctx, user, batchID, true)
}

func (ps *pgStore) GetJob(ctx context.Context, batchID, jobID int64) (*batch.Job, error) {
	var row jobRow
	err := ps.db.GetContext(ctx, &row, `SELECT jobs.* FROM jobs
		JOIN batches ON batches.id = jobs.batch_id
		WHERE batch_id = $1 AND job_id = $2 AND NOT batches.deleted`, batchID, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return row.toJob()
}

func (ps *pgStore) CancelJob(ctx context.Context, batchID, jobID int64) error {
	return ps.tx(ctx, func(tx *sqlx.Tx) error {
		brow, err := getBatchTx(tx, batchID, true)
		if err != nil {
			return err
		}
		var r jobRow
		err = tx.Get(&r, `SELECT * FROM jobs WHERE batch_id = $1 AND job_id = $2 FOR UPDATE`, batchID, jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		if r.Cancelled {
			return nil
		}
		before := bucketFor(r.State, false, r.AlwaysRun, brow.Cancelled, false)
		after := bucketFor(r.State, true, r.AlwaysRun, brow.Cancelled, false)
		if err := shiftAggTx(tx, r.UserName, before, after, r.CoresMCPU); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE jobs SET cancelled = true WHERE batch_id = $1 AND job_id = $2`, batchID, jobID)
		return err
	})
}

func (ps *pgStore) selectJobs(ctx context.Context, where string) ([]*batch.Job, error) {
	var rows []jobRow
	q := `SELECT jobs.* FROM jobs JOIN batches ON batches.id = jobs.batch_id WHERE ` + where +
		` ORDER BY jobs.batch_id, jobs.job_id`
	if err := ps.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, err
	}
	out := make([]*batch.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

const runnableCond = `(NOT batches.deleted AND (jobs.always_run OR NOT (jobs.cancelled OR batches.cancelled)))`

func (ps *pgStore) ReadyJobs(ctx context.Context) ([]*batch.Job, error) {
	return ps.selectJobs(ctx, `batches.closed AND jobs.state = 'Ready' AND `+runnableCond)
}

func (ps *pgStore) CancelledReadyJobs(ctx context.Context) ([]*batch.Job, error) {
	return ps.selectJobs(ctx, `jobs.state = 'Ready' AND NOT `+runnableCond)
}

func (ps *pgStore) CancelledRunningJobs(ctx context.Context) ([]*batch.Job, error) {
	return ps.selectJobs(ctx, `jobs.state = 'Running' AND NOT `+runnableCond)
}

func (ps *pgStore) RunningJobs(ctx context.Context) ([]*batch.Job, error) {
	return ps.selectJobs(ctx, `jobs.state = 'Running'`)
}

// casJob re-reads the job under FOR UPDATE, checks the precondition,
// and applies the update plus aggregate shift.
func (ps *pgStore) casJob(ctx context.Context, batchID, jobID int64, fn func(tx *sqlx.Tx, brow *batchRow, r *jobRow) error) error {
	return ps.tx(ctx, func(tx *sqlx.Tx) error {
		var brow batchRow
		err := tx.Get(&brow, `SELECT * FROM batches WHERE id = $1 FOR UPDATE`, batchID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		var r jobRow
		err = tx.Get(&r, `SELECT * FROM jobs WHERE batch_id = $1 AND job_id = $2 FOR UPDATE`, batchID, jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return fn(tx, &brow, &r)
	})
}

func (ps *pgStore) MarkJobScheduled(ctx context.Context, batchID, jobID int64, attemptID, instanceName string) error {
	return ps.casJob(ctx, batchID, jobID, func(tx *sqlx.Tx, brow *batchRow, r *jobRow) error {
		if batch.JobState(r.State) != batch.JobStateReady {
			return ErrWrongState
		}
		before := bucketFor(r.State, r.Cancelled, r.AlwaysRun, brow.Cancelled, brow.Deleted)
		after := bucketFor(string(batch.JobStateRunning), r.Cancelled, r.AlwaysRun, brow.Cancelled, brow.Deleted)
		if err := shiftAggTx(tx, r.UserName, before, after, r.CoresMCPU); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE jobs SET state = 'Running', attempt_id = $3, instance_name = $4
			WHERE batch_id = $1 AND job_id = $2`, batchID, jobID, attemptID, instanceName)
		return err
	})
}

func (ps *pgStore) UnmarkJobScheduled(ctx context.Context, batchID, jobID int64, attemptID string) error {
	return ps.casJob(ctx, batchID, jobID, func(tx *sqlx.Tx, brow *batchRow, r *jobRow) error {
		if batch.JobState(r.State) != batch.JobStateRunning || r.AttemptID != attemptID {
			return ErrWrongState
		}
		before := bucketFor(r.State, r.Cancelled, r.AlwaysRun, brow.Cancelled, brow.Deleted)
		after := bucketFor(string(batch.JobStateReady), r.Cancelled, r.AlwaysRun, brow.Cancelled, brow.Deleted)
		if err := shiftAggTx(tx, r.UserName, before, after, r.CoresMCPU); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE jobs SET state = 'Ready', attempt_id = '', instance_name = ''
			WHERE batch_id = $1 AND job_id = $2`, batchID, jobID)
		return err
	})
}

func (ps *pgStore) MarkJobStarted(ctx context.Context, batchID, jobID int64, attemptID string, startTime int64) error {
	_, err := ps.db.ExecContext(ctx, `UPDATE jobs
		SET start_time = CASE WHEN start_time = 0 OR $4 < start_time THEN $4 ELSE start_time END
		WHERE batch_id = $1 AND job_id = $2 AND attempt_id = $3`,
		batchID, jobID, attemptID, startTime)
	return err
}

func (ps *pgStore) MarkJobComplete(ctx context.Context, batchID, jobID int64, attemptID string, state batch.JobState, status *batch.JobStatus, startTime, endTime int64) (bool, error) {
	if !state.Terminal() {
		return false, fmt.Errorf("MarkJobComplete: %q is not a terminal state", state)
	}
	changed := false
	err := ps.casJob(ctx, batchID, jobID, func(tx *sqlx.Tx, brow *batchRow, r *jobRow) error {
		if batch.JobState(r.State).Terminal() {
			return nil
		}
		if attemptID != "" && r.AttemptID != "" && r.AttemptID != attemptID {
			return ErrWrongState
		}
		before := bucketFor(r.State, r.Cancelled, r.AlwaysRun, brow.Cancelled, brow.Deleted)
		if err := shiftAggTx(tx, r.UserName, before, aggNone, r.CoresMCPU); err != nil {
			return err
		}
		statusJSON, err := json.Marshal(status)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE jobs SET state = $3, status = $4,
			start_time = CASE WHEN $5 != 0 THEN $5 ELSE start_time END, end_time = $6
			WHERE batch_id = $1 AND job_id = $2`,
			batchID, jobID, string(state), statusJSON, startTime, endTime); err != nil {
			return err
		}
		if err := completeChildrenTx(tx, brow, batchID, jobID, state == batch.JobStateSuccess); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// completeChildrenTx decrements children's pending-parent counts after
// a parent reached a terminal state, cancelling non-always_run
// children when the parent did not succeed.
func completeChildrenTx(tx *sqlx.Tx, brow *batchRow, batchID, parentID int64, success bool) error {
	var childIDs []int64
	if err := tx.Select(&childIDs, `SELECT job_id FROM job_parents
		WHERE batch_id = $1 AND parent_id = $2 ORDER BY job_id`, batchID, parentID); err != nil {
		return err
	}
	for _, cid := range childIDs {
		var c jobRow
		if err := tx.Get(&c, `SELECT * FROM jobs WHERE batch_id = $1 AND job_id = $2 FOR UPDATE`, batchID, cid); err != nil {
			return err
		}
		newCancelled := c.Cancelled
		if !success && !c.AlwaysRun {
			newCancelled = true
		}
		newState := c.State
		if c.PendingParents == 1 && batch.JobState(c.State) == batch.JobStatePending {
			newState = string(batch.JobStateReady)
		}
		before := bucketFor(c.State, c.Cancelled, c.AlwaysRun, brow.Cancelled, brow.Deleted)
		after := bucketFor(newState, newCancelled, c.AlwaysRun, brow.Cancelled, brow.Deleted)
		if err := shiftAggTx(tx, c.UserName, before, after, c.CoresMCPU); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE jobs
			SET pending_parents = pending_parents - 1, cancelled = $3, state = $4
			WHERE batch_id = $1 AND job_id = $2`, batchID, cid, newCancelled, newState); err != nil {
			return err
		}
	}
	return nil
}

func (ps *pgStore) MarkJobCancelled(ctx context.Context, batchID, jobID int64) error {
	return ps.casJob(ctx, batchID, jobID, func(tx *sqlx.Tx, brow *batchRow, r *jobRow) error {
		runnable := !brow.Deleted && (r.AlwaysRun || !(r.Cancelled || brow.Cancelled))
		if batch.JobState(r.State) != batch.JobStateReady || runnable {
			return ErrWrongState
		}
		before := bucketFor(r.State, r.Cancelled, r.AlwaysRun, brow.Cancelled, brow.Deleted)
		if err := shiftAggTx(tx, r.UserName, before, aggNone, r.CoresMCPU); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE jobs SET state = 'Cancelled', end_time = $3
			WHERE batch_id = $1 AND job_id = $2`, batchID, jobID, batch.TimeMsecs()); err != nil {
			return err
		}
		return completeChildrenTx(tx, brow, batchID, jobID, false)
	})
}

type userResRow struct {
	UserName              string `db:"user_name"`
	NReadyJobs            int64  `db:"n_ready_jobs"`
	ReadyCoresMCPU        int64  `db:"ready_cores_mcpu"`
	NRunningJobs          int64  `db:"n_running_jobs"`
	RunningCoresMCPU      int64  `db:"running_cores_mcpu"`
	NCancelledReadyJobs   int64  `db:"n_cancelled_ready_jobs"`
	NCancelledRunningJobs int64  `db:"n_cancelled_running_jobs"`
}

func (ps *pgStore) UserResources(ctx context.Context) (map[string]*UserResources, error) {
	var rows []userResRow
	if err := ps.db.SelectContext(ctx, &rows, `SELECT * FROM user_resources`); err != nil {
		return nil, err
	}
	out := make(map[string]*UserResources, len(rows))
	for _, r := range rows {
		out[r.UserName] = &UserResources{
			NReadyJobs:            r.NReadyJobs,
			ReadyCoresMCPU:        r.ReadyCoresMCPU,
			NRunningJobs:          r.NRunningJobs,
			RunningCoresMCPU:      r.RunningCoresMCPU,
			NCancelledReadyJobs:   r.NCancelledReadyJobs,
			NCancelledRunningJobs: r.NCancelledRunningJobs,
		}
	}
	return out, nil
}

func (ps *pgStore) ComputedUserResources(ctx context.Context) (map[string]*UserResources, error) {
	var rows []jobRow
	err := ps.db.SelectContext(ctx, &rows, `SELECT jobs.* FROM jobs
		JOIN batches ON batches.id = jobs.batch_id
		WHERE jobs.state IN ('Ready', 'Running')`)
	if err != nil {
		return nil, err
	}
	var flags []struct {
		ID        int64 `db:"id"`
		Cancelled bool  `db:"cancelled"`
		Deleted   bool  `db:"deleted"`
	}
	if err := ps.db.SelectContext(ctx, &flags, `SELECT id, cancelled, deleted FROM batches`); err != nil {
		return nil, err
	}
	bflags := map[int64]struct{ cancelled, deleted bool }{}
	for _, f := range flags {
		bflags[f.ID] = struct{ cancelled, deleted bool }{f.Cancelled, f.Deleted}
	}
	out := map[string]*UserResources{}
	for _, r := range rows {
		ur := out[r.UserName]
		if ur == nil {
			ur = &UserResources{}
			out[r.UserName] = ur
		}
		bf := bflags[r.BatchID]
		switch bucketFor(r.State, r.Cancelled, r.AlwaysRun, bf.cancelled, bf.deleted) {
		case aggReady:
			ur.NReadyJobs++
			ur.ReadyCoresMCPU += r.CoresMCPU
		case aggRunning:
			ur.NRunningJobs++
			ur.RunningCoresMCPU += r.CoresMCPU
		case aggCancelledReady:
			ur.NCancelledReadyJobs++
		case aggCancelledRunning:
			ur.NCancelledRunningJobs++
		}
	}
	return out, nil
}

func (ps *pgStore) AddInstance(ctx context.Context, inst *batch.Instance) error {
	_, err := ps.db.ExecContext(ctx, `INSERT INTO instances
		(name, state, activation_token, ip_address, cores, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		inst.Name, string(inst.State), inst.ActivationToken, inst.IPAddress, inst.Cores, inst.CreatedAt)
	return err
}

type instanceRow struct {
	Name            string `db:"name"`
	State           string `db:"state"`
	ActivationToken string `db:"activation_token"`
	Token           string `db:"token"`
	IPAddress       string `db:"ip_address"`
	Cores           int64  `db:"cores"`
	LastHealthcheck int64  `db:"last_healthcheck"`
	CreatedAt       int64  `db:"created_at"`
	ActivatedAt     int64  `db:"activated_at"`
}

func (r *instanceRow) toInstance() *batch.Instance {
	return &batch.Instance{
		Name:            r.Name,
		State:           batch.InstanceState(r.State),
		ActivationToken: r.ActivationToken,
		Token:           r.Token,
		IPAddress:       r.IPAddress,
		Cores:           r.Cores,
		LastHealthcheck: r.LastHealthcheck,
		CreatedAt:       r.CreatedAt,
		ActivatedAt:     r.ActivatedAt,
	}
}

func (ps *pgStore) GetInstance(ctx context.Context, name string) (*batch.Instance, error) {
	var row instanceRow
	err := ps.db.GetContext(ctx, &row, `SELECT * FROM instances WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return row.toInstance(), nil
}

func (ps *pgStore) ListInstances(ctx context.Context) ([]*batch.Instance, error) {
	var rows []instanceRow
	if err := ps.db.SelectContext(ctx, &rows, `SELECT * FROM instances ORDER BY name`); err != nil {
		return nil, err
	}
	out := make([]*batch.Instance, len(rows))
	for i := range rows {
		out[i] = rows[i].toInstance()
	}
	return out, nil
}

func (ps *pgStore) ActivateInstance(ctx context.Context, name, activationToken, ipAddress string) (string, error) {
	var token string
	err := ps.tx(ctx, func(tx *sqlx.Tx) error {
		var row instanceRow
		err := tx.Get(&row, `SELECT * FROM instances WHERE name = $1 FOR UPDATE`, name)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		if batch.InstanceState(row.State) != batch.InstanceStatePending {
			return ErrWrongState
		}
		if subtle.ConstantTimeCompare([]byte(row.ActivationToken), []byte(activationToken)) != 1 {
			return ErrTokenMismatch
		}
		token = NewToken(32)
		now := batch.TimeMsecs()
		_, err = tx.Exec(`UPDATE instances
			SET state = 'active', ip_address = $2, token = $3, activated_at = $4, last_healthcheck = $4
			WHERE name = $1`, name, ipAddress, token, now)
		return err
	})
	return token, err
}

func (ps *pgStore) InstanceTokenValid(ctx context.Context, name, token string) (bool, error) {
	var row instanceRow
	err := ps.db.GetContext(ctx, &row, `SELECT * FROM instances WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	} else if err != nil {
		return false, err
	}
	if batch.InstanceState(row.State) != batch.InstanceStateActive || row.Token == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(row.Token), []byte(token)) == 1, nil
}

func (ps *pgStore) DeactivateInstance(ctx context.Context, name string) error {
	res, err := ps.db.ExecContext(ctx, `UPDATE instances SET state = 'inactive', token = ''
		WHERE name = $1 AND state != 'deleted'`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := ps.db.GetContext(ctx, &exists, `SELECT count(*) FROM instances WHERE name = $1`, name); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (ps *pgStore) RemoveInstance(ctx context.Context, name string) error {
	res, err := ps.db.ExecContext(ctx, `DELETE FROM instances WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *pgStore) TouchInstance(ctx context.Context, name string, when int64) error {
	_, err := ps.db.ExecContext(ctx, `UPDATE instances SET last_healthcheck = $2
		WHERE name = $1 AND last_healthcheck < $2`, name, when)
	return err
}
