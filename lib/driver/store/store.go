// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package store persists batches, jobs, and instances for the driver.
// It is the only state shared across processes; every job state
// transition goes through a compare-and-set operation here, so two
// racing completion callbacks for the same job cannot double-apply
// effects.
package store

import (
	"context"
	"errors"

	"github.com/cumulus-compute/cumulus/lib/batch"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrWrongState    = errors.New("record is not in the required state")
	ErrTokenMismatch = errors.New("token mismatch")
	ErrBatchClosed   = errors.New("batch is closed")
	ErrBadParent     = errors.New("parent job not defined in this batch")
	ErrDuplicateJob  = errors.New("job id already defined in this batch")
)

// UserResources are the per-user aggregates driving fair-share
// scheduling. They are derived from job state; any divergence between
// the cached and recomputed values is a corruption signal.
type UserResources struct {
	NReadyJobs            int64
	ReadyCoresMCPU        int64
	NRunningJobs          int64
	RunningCoresMCPU      int64
	NCancelledReadyJobs   int64
	NCancelledRunningJobs int64
}

// A Store provides serialized access to driver state.
//
// State-transition methods (MarkJob*, ActivateInstance, ...) treat
// the update itself as the linearization point: preconditions are
// re-checked under the store's own locking, and a call losing a race
// returns ErrWrongState (or reports no change) without mutating
// anything.
type Store interface {
	// Globals returns the persisted instance-wide settings
	// (worker shape, driver instance id, internal token), read
	// once at driver startup.
	Globals(ctx context.Context) (*batch.Globals, error)

	CreateBatch(ctx context.Context, user string, attributes map[string]string) (int64, error)
	GetBatch(ctx context.Context, id int64) (*batch.Batch, error)
	// AddJobs validates and inserts jobs into an open batch.
	// Parents must already be defined in the same batch; jobs
	// with unfinished parents are inserted as Pending, others as
	// Ready.
	AddJobs(ctx context.Context, batchID int64, jobs []*batch.Job) error
	// CloseBatch marks the batch closed; no further jobs may be
	// added.
	CloseBatch(ctx context.Context, user string, batchID int64) error
	// CancelBatch sets the batch's cancelled flag. Job state is
	// not changed here; the scheduler's cancellation passes pick
	// the jobs up.
	CancelBatch(ctx context.Context, user string, batchID int64) error
	// DeleteBatch cancels the batch and hides it; remaining jobs
	// are drained by the cancellation passes.
	DeleteBatch(ctx context.Context, user string, batchID int64) error

	GetJob(ctx context.Context, batchID, jobID int64) (*batch.Job, error)
	// CancelJob sets one job's cancelled flag.
	CancelJob(ctx context.Context, batchID, jobID int64) error

	// ReadyJobs returns runnable Ready jobs (oldest first) in
	// batches that are closed and not cancelled, plus always_run
	// jobs of cancelled batches.
	ReadyJobs(ctx context.Context) ([]*batch.Job, error)
	// CancelledReadyJobs returns Ready jobs that should be
	// cancelled without dispatching: job or batch cancelled, not
	// always_run.
	CancelledReadyJobs(ctx context.Context) ([]*batch.Job, error)
	// CancelledRunningJobs returns Running jobs whose job or
	// batch has been cancelled (not always_run).
	CancelledRunningJobs(ctx context.Context) ([]*batch.Job, error)
	// RunningJobs returns all Running jobs, used to rebuild
	// per-instance capacity accounting after a driver restart.
	RunningJobs(ctx context.Context) ([]*batch.Job, error)

	// MarkJobScheduled transitions Ready→Running, recording the
	// attempt id and instance. ErrWrongState if the job is not
	// Ready.
	MarkJobScheduled(ctx context.Context, batchID, jobID int64, attemptID, instanceName string) error
	// UnmarkJobScheduled rolls back a MarkJobScheduled whose
	// dispatch failed: Running→Ready for the same attempt only.
	UnmarkJobScheduled(ctx context.Context, batchID, jobID int64, attemptID string) error
	// MarkJobStarted records the worker-reported start time. Its
	// loss is only a bookkeeping gap; stale attempts are ignored.
	MarkJobStarted(ctx context.Context, batchID, jobID int64, attemptID string, startTime int64) error
	// MarkJobComplete transitions the job to the given terminal
	// state, records the worker status, decrements children's
	// pending-parent counts (readying children whose last parent
	// finished), and marks non-always_run children cancelled if
	// the outcome was not Success. Returns false with nil error
	// when the transition had already been applied (idempotent
	// at-least-once callbacks).
	MarkJobComplete(ctx context.Context, batchID, jobID int64, attemptID string, state batch.JobState, status *batch.JobStatus, startTime, endTime int64) (bool, error)
	// MarkJobCancelled transitions Ready→Cancelled. ErrWrongState
	// if the job is no longer Ready or is always_run.
	MarkJobCancelled(ctx context.Context, batchID, jobID int64) error

	// UserResources returns the cached per-user aggregates.
	UserResources(ctx context.Context) (map[string]*UserResources, error)
	// ComputedUserResources recomputes the aggregates from job
	// rows, for the corruption check.
	ComputedUserResources(ctx context.Context) (map[string]*UserResources, error)

	AddInstance(ctx context.Context, inst *batch.Instance) error
	GetInstance(ctx context.Context, name string) (*batch.Instance, error)
	ListInstances(ctx context.Context) ([]*batch.Instance, error)
	// ActivateInstance transitions pending→active if and only if
	// the presented activation token matches; it stores and
	// returns a freshly minted bearer token. ErrTokenMismatch /
	// ErrWrongState otherwise.
	ActivateInstance(ctx context.Context, name, activationToken, ipAddress string) (string, error)
	// InstanceTokenValid reports whether the presented bearer
	// token matches the instance's current token. Comparison is
	// constant-time.
	InstanceTokenValid(ctx context.Context, name, token string) (bool, error)
	// DeactivateInstance marks the instance inactive. Idempotent.
	DeactivateInstance(ctx context.Context, name string) error
	RemoveInstance(ctx context.Context, name string) error
	// TouchInstance refreshes the instance's last-health-check
	// timestamp.
	TouchInstance(ctx context.Context, name string, when int64) error
}
