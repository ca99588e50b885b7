// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"

	"github.com/cumulus-compute/cumulus/lib/batch"
	"github.com/cumulus-compute/cumulus/lib/cloudvm"
	"github.com/cumulus-compute/cumulus/lib/ctxlog"
	"github.com/cumulus-compute/cumulus/lib/driver/instancepool"
	"github.com/cumulus-compute/cumulus/lib/driver/store"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&SchedulerSuite{})

// fakeWorker records create/delete calls the way a worker agent would
// receive them.
type fakeWorker struct {
	mtx      sync.Mutex
	created  []batch.CreateJobRequest
	deleted  []string
	failNext bool
	server   *httptest.Server
}

func newFakeWorker() *fakeWorker {
	fw := &fakeWorker{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1alpha/jobs/create", func(w http.ResponseWriter, r *http.Request) {
		fw.mtx.Lock()
		defer fw.mtx.Unlock()
		if fw.failNext {
			fw.failNext = false
			http.Error(w, "worker out of capacity", http.StatusServiceUnavailable)
			return
		}
		var req batch.CreateJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fw.created = append(fw.created, req)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1alpha/batches/", func(w http.ResponseWriter, r *http.Request) {
		fw.mtx.Lock()
		defer fw.mtx.Unlock()
		fw.deleted = append(fw.deleted, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	fw.server = httptest.NewServer(mux)
	return fw
}

func (fw *fakeWorker) port() int {
	u, err := url.Parse(fw.server.URL)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		panic(err)
	}
	return port
}

func (fw *fakeWorker) createdJobs() []batch.CreateJobRequest {
	fw.mtx.Lock()
	defer fw.mtx.Unlock()
	return append([]batch.CreateJobRequest(nil), fw.created...)
}

func (fw *fakeWorker) deletedPaths() []string {
	fw.mtx.Lock()
	defer fw.mtx.Unlock()
	return append([]string(nil), fw.deleted...)
}

type SchedulerSuite struct {
	ctx      context.Context
	store    store.Store
	provider *cloudvm.StubProvider
	pool     *instancepool.Pool
	worker   *fakeWorker
	sch      *Scheduler
}

func (s *SchedulerSuite) SetUpTest(c *check.C) {
	s.ctx = context.Background()
	globals := batch.Globals{
		InstanceID:    "test",
		InternalToken: "internal",
		WorkerType:    batch.WorkerTypeStandard,
		WorkerCores:   16,
	}
	s.store = store.NewMem(globals)
	s.provider = cloudvm.NewStubProvider()
	s.pool = instancepool.New(ctxlog.TestLogger(c), s.store, s.provider, globals, instancepool.Options{
		TargetSize:      1,
		MaxInstances:    1,
		NamePrefix:      "test-worker-",
		DriverURL:       "http://driver.test",
		SyncInterval:    time.Hour,
		InstanceTimeout: time.Hour,
	}, prometheus.NewRegistry())
	s.worker = newFakeWorker()
	s.sch = New(ctxlog.TestLogger(c), s.store, s.pool, Options{
		Interval:   time.Hour,
		WorkerPort: s.worker.port(),
	}, prometheus.NewRegistry())
}

func (s *SchedulerSuite) TearDownTest(c *check.C) {
	s.worker.server.Close()
}

// bootWorker creates and activates one 16-core instance whose address
// points at the fake worker.
func (s *SchedulerSuite) bootWorker(c *check.C) string {
	c.Assert(s.pool.Start(s.ctx), check.IsNil)
	// Start's maintenance goroutine may not have run yet; drive a
	// create by waiting for the record.
	var name string
	for i := 0; i < 100; i++ {
		instances, err := s.store.ListInstances(s.ctx)
		c.Assert(err, check.IsNil)
		if len(instances) > 0 {
			name = instances[0].Name
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Assert(name, check.Not(check.Equals), "")
	inst, err := s.store.GetInstance(s.ctx, name)
	c.Assert(err, check.IsNil)
	_, err = s.pool.Activate(s.ctx, name, inst.ActivationToken, "127.0.0.1")
	c.Assert(err, check.IsNil)
	return name
}

func (s *SchedulerSuite) submit(c *check.C, user string, n int, mcpu int64) int64 {
	id, err := s.store.CreateBatch(s.ctx, user, nil)
	c.Assert(err, check.IsNil)
	var jobs []*batch.Job
	for i := 1; i <= n; i++ {
		jobs = append(jobs, &batch.Job{
			JobID:     int64(i),
			CoresMCPU: mcpu,
			Spec: batch.JobSpec{
				JobID:   int64(i),
				Image:   "ubuntu:22.04",
				Command: []string{"true"},
			},
		})
	}
	c.Assert(s.store.AddJobs(s.ctx, id, jobs), check.IsNil)
	c.Assert(s.store.CloseBatch(s.ctx, user, id), check.IsNil)
	return id
}

func (s *SchedulerSuite) TestNextUser(c *check.C) {
	users := []string{"carol", "alice", "bob"}
	allocated := map[string]int64{"alice": 4000, "bob": 2000, "carol": 2000}
	c.Check(nextUser(users, allocated), check.Equals, "bob")
	allocated["bob"] = 6000
	c.Check(nextUser(users, allocated), check.Equals, "carol")
	allocated["carol"] = 6000
	c.Check(nextUser(users, allocated), check.Equals, "alice")
}

func (s *SchedulerSuite) TestCapacityLimitsDispatch(c *check.C) {
	s.bootWorker(c)
	id := s.submit(c, "alice", 5, 4000)

	s.sch.schedulePass(s.ctx)
	c.Check(s.worker.createdJobs(), check.HasLen, 4)

	// No capacity left; another pass dispatches nothing.
	s.sch.schedulePass(s.ctx)
	c.Check(s.worker.createdJobs(), check.HasLen, 4)

	// Completing one job frees its slot and the fifth job runs.
	running, err := s.store.RunningJobs(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(running, check.HasLen, 4)
	done := running[0]
	_, err = s.store.MarkJobComplete(s.ctx, id, done.JobID, done.AttemptID, batch.JobStateSuccess, nil, 1000, 2000)
	c.Assert(err, check.IsNil)
	s.pool.Release(done.InstanceName, done.CoresMCPU)

	s.sch.schedulePass(s.ctx)
	c.Check(s.worker.createdJobs(), check.HasLen, 5)
}

func (s *SchedulerSuite) TestFairShareBetweenUsers(c *check.C) {
	s.bootWorker(c)
	s.submit(c, "alice", 4, 4000)
	s.submit(c, "bob", 4, 4000)

	s.sch.schedulePass(s.ctx)
	created := s.worker.createdJobs()
	c.Assert(created, check.HasLen, 4)
	counts := map[string]int{}
	for _, req := range created {
		counts[req.User]++
	}
	// 16 cores split two ways: two 4-core jobs each.
	c.Check(counts["alice"], check.Equals, 2)
	c.Check(counts["bob"], check.Equals, 2)
}

func (s *SchedulerSuite) TestFairShareCountsRunningJobs(c *check.C) {
	s.bootWorker(c)
	s.submit(c, "alice", 2, 4000)

	s.sch.schedulePass(s.ctx)
	c.Assert(s.worker.createdJobs(), check.HasLen, 2)

	// Bob shows up while alice already holds 8 cores: even with
	// alice's new jobs queued, bob gets the whole remainder.
	s.submit(c, "alice", 2, 4000)
	s.submit(c, "bob", 3, 4000)
	s.sch.schedulePass(s.ctx)
	created := s.worker.createdJobs()
	c.Assert(created, check.HasLen, 4)
	c.Check(created[2].User, check.Equals, "bob")
	c.Check(created[3].User, check.Equals, "bob")
}

func (s *SchedulerSuite) TestDispatchFailureRollsBack(c *check.C) {
	name := s.bootWorker(c)
	id := s.submit(c, "alice", 1, 4000)

	s.worker.mtx.Lock()
	s.worker.failNext = true
	s.worker.mtx.Unlock()

	s.sch.schedulePass(s.ctx)
	c.Check(s.worker.createdJobs(), check.HasLen, 0)

	j, err := s.store.GetJob(s.ctx, id, 1)
	c.Assert(err, check.IsNil)
	c.Check(j.State, check.Equals, batch.JobStateReady)

	workers := s.pool.Workers()
	c.Assert(workers, check.HasLen, 1)
	c.Check(workers[0].Name, check.Equals, name)
	c.Check(workers[0].FreeCoresMCPU, check.Equals, int64(16000))

	// The retry succeeds.
	s.sch.schedulePass(s.ctx)
	c.Check(s.worker.createdJobs(), check.HasLen, 1)
}

func (s *SchedulerSuite) TestCancelPasses(c *check.C) {
	s.bootWorker(c)
	id := s.submit(c, "alice", 2, 4000)
	s.sch.schedulePass(s.ctx)
	c.Assert(s.worker.createdJobs(), check.HasLen, 2)

	id2 := s.submit(c, "alice", 1, 4000)
	c.Assert(s.store.CancelBatch(s.ctx, "alice", id), check.IsNil)
	c.Assert(s.store.CancelBatch(s.ctx, "alice", id2), check.IsNil)

	s.sch.cancelReadyPass(s.ctx)
	j, err := s.store.GetJob(s.ctx, id2, 1)
	c.Assert(err, check.IsNil)
	c.Check(j.State, check.Equals, batch.JobStateCancelled)

	s.sch.cancelRunningPass(s.ctx)
	deleted := s.worker.deletedPaths()
	c.Assert(deleted, check.HasLen, 2)
	c.Check(deleted[0], check.Matches, `/api/v1alpha/batches/\d+/jobs/\d+/delete`)
}

func (s *SchedulerSuite) TestAttemptIDForwarded(c *check.C) {
	s.bootWorker(c)
	id := s.submit(c, "alice", 1, 4000)
	s.sch.schedulePass(s.ctx)
	created := s.worker.createdJobs()
	c.Assert(created, check.HasLen, 1)
	c.Check(created[0].JobSpec.AttemptID, check.Not(check.Equals), "")

	j, err := s.store.GetJob(s.ctx, id, 1)
	c.Assert(err, check.IsNil)
	c.Check(j.AttemptID, check.Equals, created[0].JobSpec.AttemptID)
}
