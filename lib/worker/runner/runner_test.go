// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	check "gopkg.in/check.v1"

	"github.com/cumulus-compute/cumulus/lib/batch"
	"github.com/cumulus-compute/cumulus/lib/config"
	"github.com/cumulus-compute/cumulus/lib/ctxlog"
	"github.com/cumulus-compute/cumulus/lib/logstore"
	"github.com/cumulus-compute/cumulus/lib/semaphore"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&RunnerSuite{})

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "request timed out" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// stubExecutor is an in-memory Executor. Container ids equal container
// names.
type stubExecutor struct {
	mtx       sync.Mutex
	pulls     []string
	created   []ContainerSpec
	started   []string
	removed   []string
	exitCodes map[string]int64
	logs      map[string]string
	// pullFailures makes the first n ImagePull calls fail with a
	// timeout.
	pullFailures int
	// blockWait makes ContainerWait for the named container block
	// until its context is cancelled.
	blockWait map[string]bool
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{
		exitCodes: map[string]int64{},
		logs:      map[string]string{},
		blockWait: map[string]bool{},
	}
}

func (se *stubExecutor) ImageExists(ctx context.Context, ref string) (bool, error) {
	return false, nil
}

func (se *stubExecutor) ImagePull(ctx context.Context, ref string) error {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	if se.pullFailures > 0 {
		se.pullFailures--
		return timeoutErr{}
	}
	se.pulls = append(se.pulls, ref)
	return nil
}

func (se *stubExecutor) ContainerCreate(ctx context.Context, spec ContainerSpec) (string, error) {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	se.created = append(se.created, spec)
	return spec.Name, nil
}

func (se *stubExecutor) ContainerStart(ctx context.Context, id string) error {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	se.started = append(se.started, id)
	return nil
}

func (se *stubExecutor) ContainerWait(ctx context.Context, id string) (int64, error) {
	se.mtx.Lock()
	block := se.blockWait[id]
	code := se.exitCodes[id]
	se.mtx.Unlock()
	if block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return code, nil
}

func (se *stubExecutor) ContainerInspect(ctx context.Context, id string) (*batch.RuntimeStatus, error) {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	code := se.exitCodes[id]
	return &batch.RuntimeStatus{State: "exited", ExitCode: &code}, nil
}

func (se *stubExecutor) ContainerLogs(ctx context.Context, id string) ([]byte, error) {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	return []byte(se.logs[id]), nil
}

func (se *stubExecutor) ContainerRemove(ctx context.Context, id string) error {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	se.removed = append(se.removed, id)
	return nil
}

func (se *stubExecutor) createdNames() []string {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	var names []string
	for _, spec := range se.created {
		names = append(names, spec.Name)
	}
	return names
}

type RunnerSuite struct {
	exec     *stubExecutor
	logStore logstore.Store
	config   JobConfig

	started   []int64
	completed []int64
}

func (s *RunnerSuite) SetUpTest(c *check.C) {
	s.exec = newStubExecutor()
	var err error
	s.logStore, err = logstore.New(config.LogStoreConfig{Driver: "local", Path: c.MkDir()})
	c.Assert(err, check.IsNil)
	s.started = nil
	s.completed = nil
	s.config = JobConfig{
		WorkerName:  "test-worker",
		WorkerType:  batch.WorkerTypeStandard,
		ScratchRoot: c.MkDir(),
		LogStore:    s.logStore,
		Executor:    s.exec,
		CPUSem:      semaphore.NewFIFOWeighted(16000),
		OnStarted:   func(job *Job) { s.started = append(s.started, job.JobID()) },
		OnComplete:  func(job *Job) { s.completed = append(s.completed, job.JobID()) },
	}
}

func (s *RunnerSuite) request(spec batch.JobSpec) batch.CreateJobRequest {
	return batch.CreateJobRequest{
		BatchID: 7,
		User:    "alice",
		GSAKey:  map[string]string{"credentials": "[default]\naws_access_key_id=AKIA..."},
		JobSpec: spec,
	}
}

func (s *RunnerSuite) TestPipelineOrder(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.exec.logs["batch-7-job-1-main"] = "hello from main\n"
	job := NewJob(logger, s.config, s.request(batch.JobSpec{
		JobID:       1,
		AttemptID:   "att1",
		Image:       "ubuntu:22.04",
		Command:     []string{"echo", "hello"},
		Resources:   batch.Resources{CPU: "1", Memory: "1Gi"},
		InputFiles:  []batch.FileCopy{{From: "s3://bucket/in", To: "/io/in"}},
		OutputFiles: []batch.FileCopy{{From: "/io/out", To: "s3://bucket/out"}},
	}))
	job.Run(context.Background())

	c.Check(s.exec.createdNames(), check.DeepEquals, []string{
		"batch-7-job-1-input",
		"batch-7-job-1-main",
		"batch-7-job-1-output",
	})
	c.Check(job.State(), check.Equals, batch.WorkerJobSucceeded)
	c.Check(s.started, check.DeepEquals, []int64{1})
	c.Check(s.completed, check.DeepEquals, []int64{1})

	status := job.Status()
	c.Check(status.State, check.Equals, batch.WorkerJobSucceeded)
	c.Check(status.AttemptID, check.Equals, "att1")
	c.Check(status.Worker, check.Equals, "test-worker")
	c.Assert(status.ContainerStatuses, check.HasLen, 3)
	mainStatus := status.ContainerStatuses["main"]
	c.Assert(mainStatus, check.NotNil)
	c.Check(mainStatus.State, check.Equals, batch.ContainerStateSucceeded)
	for _, step := range []string{
		batch.ContainerStatePulling,
		batch.ContainerStateCreating,
		batch.ContainerStateStarting,
		batch.ContainerStateRunning,
		batch.ContainerStateUploadingLog,
	} {
		c.Check(mainStatus.Timing[step], check.NotNil, check.Commentf("missing timing for %s", step))
	}
	c.Check(status.StartTime, check.Not(check.Equals), int64(0))
	c.Check(status.EndTime >= status.StartTime, check.Equals, true)

	// The main log was persisted.
	data, err := s.logStore.ReadLogFile(context.Background(), 7, 1, "main")
	c.Assert(err, check.IsNil)
	c.Check(string(data), check.Equals, "hello from main\n")

	// All containers were removed.
	c.Check(s.exec.removed, check.HasLen, 3)
}

func (s *RunnerSuite) TestMainFailureSkipsOutput(c *check.C) {
	s.exec.exitCodes["batch-7-job-2-main"] = 1
	job := NewJob(ctxlog.TestLogger(c), s.config, s.request(batch.JobSpec{
		JobID:       2,
		Image:       "ubuntu:22.04",
		Command:     []string{"false"},
		Resources:   batch.Resources{CPU: "1", Memory: "1Gi"},
		OutputFiles: []batch.FileCopy{{From: "/io/out", To: "s3://bucket/out"}},
	}))
	job.Run(context.Background())

	c.Check(job.State(), check.Equals, batch.WorkerJobFailed)
	c.Check(s.exec.createdNames(), check.DeepEquals, []string{"batch-7-job-2-main"})
	c.Check(job.Status().ContainerStatuses["main"].State, check.Equals, batch.ContainerStateFailed)
}

func (s *RunnerSuite) TestInputFailureSkipsMain(c *check.C) {
	s.exec.exitCodes["batch-7-job-3-input"] = 1
	job := NewJob(ctxlog.TestLogger(c), s.config, s.request(batch.JobSpec{
		JobID:      3,
		Image:      "ubuntu:22.04",
		Command:    []string{"true"},
		Resources:  batch.Resources{CPU: "1", Memory: "1Gi"},
		InputFiles: []batch.FileCopy{{From: "s3://bucket/in", To: "/io/in"}},
	}))
	job.Run(context.Background())

	c.Check(job.State(), check.Equals, batch.WorkerJobFailed)
	c.Check(s.exec.createdNames(), check.DeepEquals, []string{"batch-7-job-3-input"})
	c.Check(s.started, check.HasLen, 0)
	c.Check(s.completed, check.DeepEquals, []int64{3})
}

func (s *RunnerSuite) TestDeleteCancelsRunningJob(c *check.C) {
	s.exec.mtx.Lock()
	s.exec.blockWait["batch-7-job-4-main"] = true
	s.exec.mtx.Unlock()
	job := NewJob(ctxlog.TestLogger(c), s.config, s.request(batch.JobSpec{
		JobID:     4,
		Image:     "ubuntu:22.04",
		Command:   []string{"sleep", "3600"},
		Resources: batch.Resources{CPU: "1", Memory: "1Gi"},
	}))
	go job.Run(context.Background())

	// Wait for the main container to start, then delete the job.
	for i := 0; i < 100 && job.State() != batch.WorkerJobRunning; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	c.Assert(job.State(), check.Equals, batch.WorkerJobRunning)
	job.Delete()

	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		c.Fatal("job did not finish after Delete")
	}
	c.Check(job.State(), check.Equals, batch.WorkerJobFailed)
	c.Check(s.exec.removed, check.DeepEquals, []string{"batch-7-job-4-main"})
}

func (s *RunnerSuite) TestTransientPullRetried(c *check.C) {
	s.exec.pullFailures = 2
	job := NewJob(ctxlog.TestLogger(c), s.config, s.request(batch.JobSpec{
		JobID:     5,
		Image:     "ubuntu:22.04",
		Command:   []string{"true"},
		Resources: batch.Resources{CPU: "1", Memory: "1Gi"},
	}))
	job.Run(context.Background())
	c.Check(job.State(), check.Equals, batch.WorkerJobSucceeded)
	c.Check(s.exec.pulls, check.DeepEquals, []string{"ubuntu:22.04"})
}

func (s *RunnerSuite) TestSemaphoreReleasedAfterRun(c *check.C) {
	sem := semaphore.NewFIFOWeighted(2000)
	s.config.CPUSem = sem
	job := NewJob(ctxlog.TestLogger(c), s.config, s.request(batch.JobSpec{
		JobID:     6,
		Image:     "ubuntu:22.04",
		Command:   []string{"true"},
		Resources: batch.Resources{CPU: "2", Memory: "1Gi"},
	}))
	job.Run(context.Background())
	c.Check(job.State(), check.Equals, batch.WorkerJobSucceeded)
	c.Check(sem.Available(), check.Equals, int64(2000))
}

func (s *RunnerSuite) TestMainSpecResources(c *check.C) {
	job := NewJob(ctxlog.TestLogger(c), s.config, s.request(batch.JobSpec{
		JobID:     8,
		Image:     "ubuntu",
		Command:   []string{"true"},
		Env:       []batch.EnvVar{{Name: "GREETING", Value: "hi"}},
		Resources: batch.Resources{CPU: "500m", Memory: "1Gi"},
		Secrets: []batch.Secret{{
			Name:      "ssh-key",
			MountPath: "/secrets/ssh",
			Data:      map[string]string{"id": "aGVsbG8="},
		}},
	}))
	job.Run(context.Background())
	c.Assert(job.State(), check.Equals, batch.WorkerJobSucceeded)

	c.Assert(s.exec.created, check.HasLen, 1)
	spec := s.exec.created[0]
	c.Check(spec.Image, check.Equals, "ubuntu:latest")
	c.Check(spec.CPUMilli, check.Equals, int64(500))
	c.Check(spec.Env, check.DeepEquals, []string{"GREETING=hi"})
	foundSecret := false
	for _, bind := range spec.Binds {
		if strings.HasSuffix(bind, ":/secrets/ssh") {
			foundSecret = true
		}
	}
	c.Check(foundSecret, check.Equals, true)
}

func (s *RunnerSuite) TestContainerRemovalIncludesVolumes(c *check.C) {
	c.Check(removeOptions.Force, check.Equals, true)
	c.Check(removeOptions.RemoveVolumes, check.Equals, true)
}

func (s *RunnerSuite) TestCopyScript(c *check.C) {
	script := copyScript([]batch.FileCopy{
		{From: "s3://bucket/data/*", To: "/io/data/"},
		{From: "/io/result", To: "s3://bucket/result"},
	})
	c.Check(strings.Contains(script, "mkdir -p '/io/data'"), check.Equals, true)
	c.Check(strings.Contains(script, "aws s3 cp --recursive 's3://bucket/data/' '/io/data/'"), check.Equals, true)
	c.Check(strings.Contains(script, "aws s3 cp '/io/result' 's3://bucket/result'"), check.Equals, true)
}
