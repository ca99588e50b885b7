// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cumulus-compute/cumulus/lib/batch"
)

// memStore is a single-process Store used by tests and local
// development. All methods take one mutex, so every transition is
// trivially linearizable.
type memStore struct {
	mtx     sync.Mutex
	globals batch.Globals

	nextBatchID int64
	batches     map[int64]*memBatch
	instances   map[string]*batch.Instance

	users map[string]*UserResources
}

type memBatch struct {
	batch.Batch
	deleted bool
	jobs    map[int64]*memJob
}

type memJob struct {
	batch.Job
	pendingParents int
	children       []int64
}

// NewMem returns an empty in-memory Store with the given globals.
func NewMem(globals batch.Globals) Store {
	return &memStore{
		globals:     globals,
		nextBatchID: 1,
		batches:     map[int64]*memBatch{},
		instances:   map[string]*batch.Instance{},
		users:       map[string]*UserResources{},
	}
}

// TokenEqual compares two tokens in constant time.
func TokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewToken returns n bytes of cryptographic randomness in hex.
func NewToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", buf)
}

func (ms *memStore) Globals(ctx context.Context) (*batch.Globals, error) {
	g := ms.globals
	return &g, nil
}

// runnable reports whether the job should (still) execute. Jobs of
// deleted batches never run, always_run or not.
func (mb *memBatch) runnable(mj *memJob) bool {
	if mb.deleted {
		return false
	}
	return mj.Spec.AlwaysRun || !(mj.Cancelled || mb.Cancelled)
}

type aggBucket int

const (
	aggNone aggBucket = iota
	aggReady
	aggRunning
	aggCancelledReady
	aggCancelledRunning
)

func (mb *memBatch) bucket(mj *memJob) aggBucket {
	switch mj.State {
	case batch.JobStateReady:
		if mb.runnable(mj) {
			return aggReady
		}
		return aggCancelledReady
	case batch.JobStateRunning:
		if mb.runnable(mj) {
			return aggRunning
		}
		return aggCancelledRunning
	default:
		return aggNone
	}
}

func (ms *memStore) userRes(user string) *UserResources {
	ur := ms.users[user]
	if ur == nil {
		ur = &UserResources{}
		ms.users[user] = ur
	}
	return ur
}

func (ms *memStore) applyAgg(user string, b aggBucket, mcpu, sign int64) {
	ur := ms.userRes(user)
	switch b {
	case aggReady:
		ur.NReadyJobs += sign
		ur.ReadyCoresMCPU += sign * mcpu
	case aggRunning:
		ur.NRunningJobs += sign
		ur.RunningCoresMCPU += sign * mcpu
	case aggCancelledReady:
		ur.NCancelledReadyJobs += sign
	case aggCancelledRunning:
		ur.NCancelledRunningJobs += sign
	}
}

// mutate applies fn to a job and keeps the cached per-user aggregates
// consistent with the job's before/after classification. Callers hold
// ms.mtx.
func (ms *memStore) mutate(mb *memBatch, mj *memJob, fn func()) {
	before := mb.bucket(mj)
	fn()
	after := mb.bucket(mj)
	if before != after {
		ms.applyAgg(mj.User, before, mj.CoresMCPU, -1)
		ms.applyAgg(mj.User, after, mj.CoresMCPU, +1)
	}
}

func (ms *memStore) CreateBatch(ctx context.Context, user string, attributes map[string]string) (int64, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	id := ms.nextBatchID
	ms.nextBatchID++
	ms.batches[id] = &memBatch{
		Batch: batch.Batch{
			ID:         id,
			User:       user,
			Attributes: attributes,
			CreatedAt:  time.Now(),
		},
		jobs: map[int64]*memJob{},
	}
	return id, nil
}

func (ms *memStore) getBatch(id int64) (*memBatch, error) {
	mb := ms.batches[id]
	if mb == nil || mb.deleted {
		return nil, ErrNotFound
	}
	return mb, nil
}

func (ms *memStore) GetBatch(ctx context.Context, id int64) (*batch.Batch, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	mb, err := ms.getBatch(id)
	if err != nil {
		return nil, err
	}
	b := mb.Batch
	return &b, nil
}

func (ms *memStore) AddJobs(ctx context.Context, batchID int64, jobs []*batch.Job) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	mb, err := ms.getBatch(batchID)
	if err != nil {
		return err
	}
	if mb.Closed {
		return ErrBatchClosed
	}
	// Validate the whole request before inserting any of it, so a
	// bad spec in the middle doesn't leave half a request behind.
	inserted := map[int64]bool{}
	for _, j := range jobs {
		if _, ok := mb.jobs[j.JobID]; ok || inserted[j.JobID] {
			return fmt.Errorf("%w: job %d", ErrDuplicateJob, j.JobID)
		}
		for _, pid := range j.Spec.ParentIDs {
			if _, ok := mb.jobs[pid]; !ok && !inserted[pid] {
				return fmt.Errorf("%w: job %d parent %d", ErrBadParent, j.JobID, pid)
			}
		}
		inserted[j.JobID] = true
	}
	for _, j := range jobs {
		mj := &memJob{Job: *j}
		mj.BatchID = batchID
		mj.User = mb.User
		mj.State = batch.JobStateReady
		for _, pid := range j.Spec.ParentIDs {
			parent := mb.jobs[pid]
			parent.children = append(parent.children, mj.JobID)
			if !parent.State.Terminal() {
				mj.pendingParents++
			} else if parent.State != batch.JobStateSuccess && !mj.Spec.AlwaysRun {
				mj.Cancelled = true
			}
		}
		if mj.pendingParents > 0 {
			mj.State = batch.JobStatePending
		}
		mb.jobs[mj.JobID] = mj
		ms.applyAgg(mj.User, mb.bucket(mj), mj.CoresMCPU, +1)
	}
	return nil
}

func (ms *memStore) CloseBatch(ctx context.Context, user string, batchID int64) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	mb, err := ms.getBatch(batchID)
	if err != nil {
		return err
	}
	if mb.User != user {
		return ErrNotFound
	}
	mb.Closed = true
	return nil
}

// reclassifyAll applies fn (a batch-level flag flip) and reconciles
// the cached aggregates for every job in the batch. Callers hold
// ms.mtx.
func (ms *memStore) reclassifyAll(mb *memBatch, fn func()) {
	before := make(map[int64]aggBucket, len(mb.jobs))
	for id, mj := range mb.jobs {
		before[id] = mb.bucket(mj)
	}
	fn()
	for id, mj := range mb.jobs {
		if after := mb.bucket(mj); after != before[id] {
			ms.applyAgg(mj.User, before[id], mj.CoresMCPU, -1)
			ms.applyAgg(mj.User, after, mj.CoresMCPU, +1)
		}
	}
}

func (ms *memStore) cancelBatchLocked(mb *memBatch) {
	if mb.Cancelled {
		return
	}
	ms.reclassifyAll(mb, func() { mb.Cancelled = true })
}

func (ms *memStore) CancelBatch(ctx context.Context, user string, batchID int64) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	mb, err := ms.getBatch(batchID)
	if err != nil {
		return err
	}
	if mb.User != user {
		return ErrNotFound
	}
	ms.cancelBatchLocked(mb)
	return nil
}

func (ms *memStore) DeleteBatch(ctx context.Context, user string, batchID int64) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	mb := ms.batches[batchID]
	if mb == nil {
		return ErrNotFound
	}
	if mb.User != user {
		return ErrNotFound
	}
	if mb.deleted {
		return nil
	}
	ms.cancelBatchLocked(mb)
	ms.reclassifyAll(mb, func() { mb.deleted = true })
	return nil
}

func (ms *memStore) getJob(batchID, jobID int64) (*memBatch, *memJob, error) {
	mb := ms.batches[batchID]
	if mb == nil {
		return nil, nil, ErrNotFound
	}
	mj := mb.jobs[jobID]
	if mj == nil {
		return nil, nil, ErrNotFound
	}
	return mb, mj, nil
}

func (ms *memStore) GetJob(ctx context.Context, batchID, jobID int64) (*batch.Job, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	mb, mj, err := ms.getJob(batchID, jobID)
	if err != nil || mb.deleted {
		return nil, ErrNotFound
	}
	j := mj.Job
	return &j, nil
}

func (ms *memStore) CancelJob(ctx context.Context, batchID, jobID int64) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	mb, mj, err := ms.getJob(batchID, jobID)
	if err != nil || mb.deleted {
		return ErrNotFound
	}
	ms.mutate(mb, mj, func() { mj.Cancelled = true })
	return nil
}

func (ms *memStore) listJobs(keep func(*memBatch, *memJob) bool) []*batch.Job {
	var out []*batch.Job
	for _, mb := range ms.batches {
		for _, mj := range mb.jobs {
			if keep(mb, mj) {
				j := mj.Job
				out = append(out, &j)
			}
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].BatchID != out[k].BatchID {
			return out[i].BatchID < out[k].BatchID
		}
		return out[i].JobID < out[k].JobID
	})
	return out
}

func (ms *memStore) ReadyJobs(ctx context.Context) ([]*batch.Job, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	return ms.listJobs(func(mb *memBatch, mj *memJob) bool {
		return mb.Closed && mj.State == batch.JobStateReady && mb.runnable(mj)
	}), nil
}

func (ms *memStore) CancelledReadyJobs(ctx context.Context) ([]*batch.Job, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	return ms.listJobs(func(mb *memBatch, mj *memJob) bool {
		return mj.State == batch.JobStateReady && !mb.runnable(mj)
	}), nil
}

func (ms *memStore) CancelledRunningJobs(ctx context.Context) ([]*batch.Job, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	return ms.listJobs(func(mb *memBatch, mj *memJob) bool {
		return mj.State == batch.JobStateRunning && !mb.runnable(mj)
	}), nil
}

func (ms *memStore) RunningJobs(ctx context.Context) ([]*batch.Job, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	return ms.listJobs(func(mb *memBatch, mj *memJob) bool {
		return mj.State == batch.JobStateRunning
	}), nil
}

func (ms *memStore) MarkJobScheduled(ctx context.Context, batchID, jobID int64, attemptID, instanceName string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	mb, mj, err := ms.getJob(batchID, jobID)
	if err != nil {
		return err
	}
	if mj.State != batch.JobStateReady {
		return ErrWrongState
	}
	ms.mutate(mb, mj, func() {
		mj.State = batch.JobStateRunning
		mj.AttemptID = attemptID
		mj.InstanceName = instanceName
	})
	return nil
}

func (ms *memStore) UnmarkJobScheduled(ctx context.Context, batchID, jobID int64, attemptID string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	mb, mj, err := ms.getJob(batchID, jobID)
	if err != nil {
		return err
	}
	if mj.State != batch.JobStateRunning || mj.AttemptID != attemptID {
		return ErrWrongState
	}
	ms.mutate(mb, mj, func() {
		mj.State = batch.JobStateReady
		mj.AttemptID = ""
		mj.InstanceName = ""
	})
	return nil
}

func (ms *memStore) MarkJobStarted(ctx context.Context, batchID, jobID int64, attemptID string, startTime int64) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	_, mj, err := ms.getJob(batchID, jobID)
	if err != nil {
		return err
	}
	if mj.AttemptID != attemptID {
		return nil
	}
	if mj.StartTime == 0 || startTime < mj.StartTime {
		mj.StartTime = startTime
	}
	return nil
}

func (ms *memStore) MarkJobComplete(ctx context.Context, batchID, jobID int64, attemptID string, state batch.JobState, status *batch.JobStatus, startTime, endTime int64) (bool, error) {
	if !state.Terminal() {
		return false, fmt.Errorf("MarkJobComplete: %q is not a terminal state", state)
	}
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	mb, mj, err := ms.getJob(batchID, jobID)
	if err != nil {
		return false, err
	}
	if mj.State.Terminal() {
		// A retried callback for an already-recorded outcome.
		return false, nil
	}
	if attemptID != "" && mj.AttemptID != "" && mj.AttemptID != attemptID {
		return false, ErrWrongState
	}
	ms.mutate(mb, mj, func() {
		mj.State = state
		mj.Status = status
		if startTime != 0 {
			mj.StartTime = startTime
		}
		mj.EndTime = endTime
	})
	for _, cid := range mj.children {
		child := mb.jobs[cid]
		ms.mutate(mb, child, func() {
			child.pendingParents--
			if state != batch.JobStateSuccess && !child.Spec.AlwaysRun {
				child.Cancelled = true
			}
			if child.pendingParents == 0 && child.State == batch.JobStatePending {
				child.State = batch.JobStateReady
			}
		})
	}
	return true, nil
}

func (ms *memStore) MarkJobCancelled(ctx context.Context, batchID, jobID int64) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	mb, mj, err := ms.getJob(batchID, jobID)
	if err != nil {
		return err
	}
	if mj.State != batch.JobStateReady || mb.runnable(mj) {
		return ErrWrongState
	}
	ms.mutate(mb, mj, func() {
		mj.State = batch.JobStateCancelled
		mj.EndTime = batch.TimeMsecs()
	})
	// Children can never run now; unblock and cascade.
	for _, cid := range mj.children {
		child := mb.jobs[cid]
		ms.mutate(mb, child, func() {
			child.pendingParents--
			if !child.Spec.AlwaysRun {
				child.Cancelled = true
			}
			if child.pendingParents == 0 && child.State == batch.JobStatePending {
				child.State = batch.JobStateReady
			}
		})
	}
	return nil
}

func (ms *memStore) UserResources(ctx context.Context) (map[string]*UserResources, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	out := make(map[string]*UserResources, len(ms.users))
	for user, ur := range ms.users {
		cp := *ur
		out[user] = &cp
	}
	return out, nil
}

func (ms *memStore) ComputedUserResources(ctx context.Context) (map[string]*UserResources, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	out := map[string]*UserResources{}
	get := func(user string) *UserResources {
		ur := out[user]
		if ur == nil {
			ur = &UserResources{}
			out[user] = ur
		}
		return ur
	}
	for _, mb := range ms.batches {
		for _, mj := range mb.jobs {
			ur := get(mj.User)
			switch mb.bucket(mj) {
			case aggReady:
				ur.NReadyJobs++
				ur.ReadyCoresMCPU += mj.CoresMCPU
			case aggRunning:
				ur.NRunningJobs++
				ur.RunningCoresMCPU += mj.CoresMCPU
			case aggCancelledReady:
				ur.NCancelledReadyJobs++
			case aggCancelledRunning:
				ur.NCancelledRunningJobs++
			}
		}
	}
	return out, nil
}

func (ms *memStore) AddInstance(ctx context.Context, inst *batch.Instance) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, ok := ms.instances[inst.Name]; ok {
		return fmt.Errorf("instance %q already exists", inst.Name)
	}
	cp := *inst
	ms.instances[inst.Name] = &cp
	return nil
}

func (ms *memStore) GetInstance(ctx context.Context, name string) (*batch.Instance, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	inst := ms.instances[name]
	if inst == nil {
		return nil, ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (ms *memStore) ListInstances(ctx context.Context) ([]*batch.Instance, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	out := make([]*batch.Instance, 0, len(ms.instances))
	for _, inst := range ms.instances {
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (ms *memStore) ActivateInstance(ctx context.Context, name, activationToken, ipAddress string) (string, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	inst := ms.instances[name]
	if inst == nil {
		return "", ErrNotFound
	}
	if inst.State != batch.InstanceStatePending {
		return "", ErrWrongState
	}
	if subtle.ConstantTimeCompare([]byte(inst.ActivationToken), []byte(activationToken)) != 1 {
		return "", ErrTokenMismatch
	}
	inst.State = batch.InstanceStateActive
	inst.IPAddress = ipAddress
	inst.Token = NewToken(32)
	inst.ActivatedAt = batch.TimeMsecs()
	inst.LastHealthcheck = inst.ActivatedAt
	return inst.Token, nil
}

func (ms *memStore) InstanceTokenValid(ctx context.Context, name, token string) (bool, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	inst := ms.instances[name]
	if inst == nil {
		return false, ErrNotFound
	}
	if inst.State != batch.InstanceStateActive || inst.Token == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(inst.Token), []byte(token)) == 1, nil
}

func (ms *memStore) DeactivateInstance(ctx context.Context, name string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	inst := ms.instances[name]
	if inst == nil {
		return ErrNotFound
	}
	if inst.State == batch.InstanceStateDeleted {
		return nil
	}
	inst.State = batch.InstanceStateInactive
	inst.Token = ""
	return nil
}

func (ms *memStore) RemoveInstance(ctx context.Context, name string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, ok := ms.instances[name]; !ok {
		return ErrNotFound
	}
	delete(ms.instances, name)
	return nil
}

func (ms *memStore) TouchInstance(ctx context.Context, name string, when int64) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	inst := ms.instances[name]
	if inst == nil {
		return ErrNotFound
	}
	if when > inst.LastHealthcheck {
		inst.LastHealthcheck = when
	}
	return nil
}
