// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"testing"

	check "gopkg.in/check.v1"

	"github.com/cumulus-compute/cumulus/lib/batch"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&StoreSuite{})

type StoreSuite struct {
	ctx   context.Context
	store Store
}

func (s *StoreSuite) SetUpTest(c *check.C) {
	s.ctx = context.Background()
	s.store = NewMem(batch.Globals{
		InstanceID:    "test",
		InternalToken: "internal",
		WorkerType:    batch.WorkerTypeStandard,
		WorkerCores:   16,
	})
}

func (s *StoreSuite) newJob(id int64, mcpu int64, parents []int64, alwaysRun bool) *batch.Job {
	return &batch.Job{
		JobID:     id,
		CoresMCPU: mcpu,
		Spec: batch.JobSpec{
			JobID:     id,
			Image:     "ubuntu:22.04",
			Command:   []string{"true"},
			ParentIDs: parents,
			AlwaysRun: alwaysRun,
		},
	}
}

func (s *StoreSuite) closedBatch(c *check.C, jobs ...*batch.Job) int64 {
	id, err := s.store.CreateBatch(s.ctx, "alice", nil)
	c.Assert(err, check.IsNil)
	c.Assert(s.store.AddJobs(s.ctx, id, jobs), check.IsNil)
	c.Assert(s.store.CloseBatch(s.ctx, "alice", id), check.IsNil)
	return id
}

func (s *StoreSuite) complete(c *check.C, batchID, jobID int64, state batch.JobState) {
	j, err := s.store.GetJob(s.ctx, batchID, jobID)
	c.Assert(err, check.IsNil)
	if j.State == batch.JobStateReady {
		c.Assert(s.store.MarkJobScheduled(s.ctx, batchID, jobID, "att", "inst-0"), check.IsNil)
		j.AttemptID = "att"
	}
	changed, err := s.store.MarkJobComplete(s.ctx, batchID, jobID, j.AttemptID, state, nil, 1000, 2000)
	c.Assert(err, check.IsNil)
	c.Assert(changed, check.Equals, true)
}

func (s *StoreSuite) assertState(c *check.C, batchID, jobID int64, state batch.JobState) {
	j, err := s.store.GetJob(s.ctx, batchID, jobID)
	c.Assert(err, check.IsNil)
	c.Check(j.State, check.Equals, state)
}

func (s *StoreSuite) TestAddJobsValidation(c *check.C) {
	id, err := s.store.CreateBatch(s.ctx, "alice", nil)
	c.Assert(err, check.IsNil)

	err = s.store.AddJobs(s.ctx, id, []*batch.Job{s.newJob(1, 1000, []int64{99}, false)})
	c.Check(err, check.ErrorMatches, `.*parent 99.*`)

	c.Assert(s.store.AddJobs(s.ctx, id, []*batch.Job{s.newJob(1, 1000, nil, false)}), check.IsNil)
	err = s.store.AddJobs(s.ctx, id, []*batch.Job{s.newJob(1, 1000, nil, false)})
	c.Check(err, check.ErrorMatches, `.*job 1.*`)

	// Parent defined earlier in the same request is acceptable.
	c.Assert(s.store.AddJobs(s.ctx, id, []*batch.Job{
		s.newJob(2, 1000, nil, false),
		s.newJob(3, 1000, []int64{2}, false),
	}), check.IsNil)

	c.Assert(s.store.CloseBatch(s.ctx, "alice", id), check.IsNil)
	err = s.store.AddJobs(s.ctx, id, []*batch.Job{s.newJob(4, 1000, nil, false)})
	c.Check(err, check.Equals, ErrBatchClosed)
}

func (s *StoreSuite) TestReadyRequiresClosedBatch(c *check.C) {
	id, err := s.store.CreateBatch(s.ctx, "alice", nil)
	c.Assert(err, check.IsNil)
	c.Assert(s.store.AddJobs(s.ctx, id, []*batch.Job{s.newJob(1, 1000, nil, false)}), check.IsNil)

	ready, err := s.store.ReadyJobs(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(ready, check.HasLen, 0)

	c.Assert(s.store.CloseBatch(s.ctx, "alice", id), check.IsNil)
	ready, err = s.store.ReadyJobs(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(ready, check.HasLen, 1)
}

func (s *StoreSuite) TestDependencyGating(c *check.C) {
	// Job 3 has two parents; it becomes Ready only when the second
	// of them finishes.
	id := s.closedBatch(c,
		s.newJob(1, 1000, nil, false),
		s.newJob(2, 1000, nil, false),
		s.newJob(3, 1000, []int64{1, 2}, false),
	)
	s.assertState(c, id, 3, batch.JobStatePending)

	s.complete(c, id, 1, batch.JobStateSuccess)
	s.assertState(c, id, 3, batch.JobStatePending)

	s.complete(c, id, 2, batch.JobStateSuccess)
	s.assertState(c, id, 3, batch.JobStateReady)
}

func (s *StoreSuite) TestParentFailureCancelsChildren(c *check.C) {
	// Diamond: 1 -> {2,3} -> 4, with 3 and 4 always_run.
	id := s.closedBatch(c,
		s.newJob(1, 1000, nil, false),
		s.newJob(2, 1000, []int64{1}, false),
		s.newJob(3, 1000, []int64{1}, true),
		s.newJob(4, 1000, []int64{2, 3}, true),
	)

	s.complete(c, id, 1, batch.JobStateFailed)

	// 2 inherits the failure; 3 runs anyway.
	j2, err := s.store.GetJob(s.ctx, id, 2)
	c.Assert(err, check.IsNil)
	c.Check(j2.Cancelled, check.Equals, true)
	c.Check(j2.State, check.Equals, batch.JobStateReady)
	s.assertState(c, id, 3, batch.JobStateReady)

	// The cancellation pass turns 2 into Cancelled, which unblocks
	// 4's dependency on it.
	cancelled, err := s.store.CancelledReadyJobs(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(cancelled, check.HasLen, 1)
	c.Check(cancelled[0].JobID, check.Equals, int64(2))
	c.Assert(s.store.MarkJobCancelled(s.ctx, id, 2), check.IsNil)
	s.assertState(c, id, 4, batch.JobStatePending)

	s.complete(c, id, 3, batch.JobStateSuccess)
	j4, err := s.store.GetJob(s.ctx, id, 4)
	c.Assert(err, check.IsNil)
	c.Check(j4.State, check.Equals, batch.JobStateReady)
	c.Check(j4.Cancelled, check.Equals, false)

	// always_run keeps 4 schedulable.
	ready, err := s.store.ReadyJobs(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(ready, check.HasLen, 1)
	c.Check(ready[0].JobID, check.Equals, int64(4))
}

func (s *StoreSuite) TestBatchCancellation(c *check.C) {
	id := s.closedBatch(c,
		s.newJob(1, 1000, nil, false),
		s.newJob(2, 1000, nil, true),
		s.newJob(3, 1000, nil, false),
	)
	c.Assert(s.store.MarkJobScheduled(s.ctx, id, 3, "att", "inst-0"), check.IsNil)

	c.Assert(s.store.CancelBatch(s.ctx, "alice", id), check.IsNil)

	// 1 is cancellable, 2 is always_run and still schedulable, 3
	// is running and must be killed.
	ready, err := s.store.ReadyJobs(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(ready, check.HasLen, 1)
	c.Check(ready[0].JobID, check.Equals, int64(2))

	cr, err := s.store.CancelledReadyJobs(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(cr, check.HasLen, 1)
	c.Check(cr[0].JobID, check.Equals, int64(1))

	crun, err := s.store.CancelledRunningJobs(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(crun, check.HasLen, 1)
	c.Check(crun[0].JobID, check.Equals, int64(3))
}

func (s *StoreSuite) TestMarkJobCompleteIdempotent(c *check.C) {
	id := s.closedBatch(c, s.newJob(1, 1000, nil, false))
	c.Assert(s.store.MarkJobScheduled(s.ctx, id, 1, "att", "inst-0"), check.IsNil)

	changed, err := s.store.MarkJobComplete(s.ctx, id, 1, "att", batch.JobStateSuccess, nil, 1000, 2000)
	c.Assert(err, check.IsNil)
	c.Check(changed, check.Equals, true)

	changed, err = s.store.MarkJobComplete(s.ctx, id, 1, "att", batch.JobStateSuccess, nil, 1000, 2000)
	c.Assert(err, check.IsNil)
	c.Check(changed, check.Equals, false)

	s.assertState(c, id, 1, batch.JobStateSuccess)
}

func (s *StoreSuite) TestScheduleRollback(c *check.C) {
	id := s.closedBatch(c, s.newJob(1, 1000, nil, false))
	c.Assert(s.store.MarkJobScheduled(s.ctx, id, 1, "att", "inst-0"), check.IsNil)
	c.Check(s.store.MarkJobScheduled(s.ctx, id, 1, "att2", "inst-1"), check.Equals, ErrWrongState)

	c.Assert(s.store.UnmarkJobScheduled(s.ctx, id, 1, "att"), check.IsNil)
	s.assertState(c, id, 1, batch.JobStateReady)

	c.Check(s.store.UnmarkJobScheduled(s.ctx, id, 1, "att"), check.Equals, ErrWrongState)
}

func (s *StoreSuite) TestUserResourceAccounting(c *check.C) {
	id := s.closedBatch(c,
		s.newJob(1, 2000, nil, false),
		s.newJob(2, 3000, nil, false),
		s.newJob(3, 1000, []int64{1}, false),
	)
	c.Assert(s.store.MarkJobScheduled(s.ctx, id, 2, "att", "inst-0"), check.IsNil)

	ur, err := s.store.UserResources(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(ur["alice"], check.NotNil)
	c.Check(ur["alice"].NReadyJobs, check.Equals, int64(1))
	c.Check(ur["alice"].ReadyCoresMCPU, check.Equals, int64(2000))
	c.Check(ur["alice"].NRunningJobs, check.Equals, int64(1))
	c.Check(ur["alice"].RunningCoresMCPU, check.Equals, int64(3000))

	// The cached aggregates must agree with a recomputation.
	computed, err := s.store.ComputedUserResources(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(computed["alice"], check.DeepEquals, ur["alice"])

	s.complete(c, id, 1, batch.JobStateSuccess)
	s.complete(c, id, 2, batch.JobStateSuccess)
	s.complete(c, id, 3, batch.JobStateSuccess)

	ur, err = s.store.UserResources(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(*ur["alice"], check.Equals, UserResources{})
	computed, err = s.store.ComputedUserResources(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(computed["alice"], check.IsNil)
}

func (s *StoreSuite) TestAccountingSurvivesCancellation(c *check.C) {
	id := s.closedBatch(c,
		s.newJob(1, 2000, nil, false),
		s.newJob(2, 3000, nil, true),
	)
	c.Assert(s.store.CancelBatch(s.ctx, "alice", id), check.IsNil)

	ur, err := s.store.UserResources(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(ur["alice"].NReadyJobs, check.Equals, int64(1))
	c.Check(ur["alice"].ReadyCoresMCPU, check.Equals, int64(3000))
	c.Check(ur["alice"].NCancelledReadyJobs, check.Equals, int64(1))

	computed, err := s.store.ComputedUserResources(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(computed["alice"], check.DeepEquals, ur["alice"])
}

func (s *StoreSuite) TestInstanceLifecycle(c *check.C) {
	inst := &batch.Instance{
		Name:            "inst-abc",
		State:           batch.InstanceStatePending,
		ActivationToken: "activation-secret",
		Cores:           16,
		CreatedAt:       batch.TimeMsecs(),
	}
	c.Assert(s.store.AddInstance(s.ctx, inst), check.IsNil)

	_, err := s.store.ActivateInstance(s.ctx, "inst-abc", "wrong", "10.0.0.5")
	c.Check(err, check.Equals, ErrTokenMismatch)

	token, err := s.store.ActivateInstance(s.ctx, "inst-abc", "activation-secret", "10.0.0.5")
	c.Assert(err, check.IsNil)
	c.Check(token, check.Not(check.Equals), "")

	// Re-activation is rejected; the first token stands.
	_, err = s.store.ActivateInstance(s.ctx, "inst-abc", "activation-secret", "10.0.0.6")
	c.Check(err, check.Equals, ErrWrongState)

	ok, err := s.store.InstanceTokenValid(s.ctx, "inst-abc", token)
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	ok, err = s.store.InstanceTokenValid(s.ctx, "inst-abc", "bogus")
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, false)

	c.Assert(s.store.DeactivateInstance(s.ctx, "inst-abc"), check.IsNil)
	ok, err = s.store.InstanceTokenValid(s.ctx, "inst-abc", token)
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, false)

	c.Assert(s.store.RemoveInstance(s.ctx, "inst-abc"), check.IsNil)
	_, err = s.store.GetInstance(s.ctx, "inst-abc")
	c.Check(err, check.Equals, ErrNotFound)
}

func (s *StoreSuite) TestDeleteBatchHidesJobs(c *check.C) {
	id := s.closedBatch(c,
		s.newJob(1, 1000, nil, true),
		s.newJob(2, 1000, nil, false),
	)
	c.Assert(s.store.DeleteBatch(s.ctx, "alice", id), check.IsNil)

	_, err := s.store.GetBatch(s.ctx, id)
	c.Check(err, check.Equals, ErrNotFound)

	// Even always_run jobs stop being schedulable once the batch is
	// deleted.
	ready, err := s.store.ReadyJobs(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(ready, check.HasLen, 0)
	cr, err := s.store.CancelledReadyJobs(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(cr, check.HasLen, 2)
}
