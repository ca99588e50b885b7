// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cumulus-compute/cumulus/lib/batch"
	"github.com/cumulus-compute/cumulus/lib/driver/store"
	"github.com/cumulus-compute/cumulus/lib/logstore"
	"github.com/cumulus-compute/cumulus/lib/semaphore"
)

// copyImage runs the input and output containers; it only needs a
// shell and the aws CLI.
const copyImage = "amazon/aws-cli:latest"

// credentialsMount is where the storage credential is visible inside
// copy containers (and containers with a MountInCopy secret).
const credentialsMount = "/credentials"

// JobConfig carries the worker-level pieces a Job needs.
type JobConfig struct {
	WorkerName string
	WorkerType batch.WorkerType
	// ScratchRoot is the root under which each job gets a private
	// scratch directory.
	ScratchRoot string
	LogStore    logstore.Store
	Executor    Executor
	// CPUSem is the worker's core semaphore; main containers hold
	// it while running.
	CPUSem semaphore.Semaphore

	// OnStarted fires when the main container starts running;
	// OnComplete fires exactly once when the job reaches a
	// terminal state.
	OnStarted  func(*Job)
	OnComplete func(*Job)
}

// A Job executes one dispatched job: secrets staged to scratch, then
// the input, main, and output containers in order.
type Job struct {
	BatchID int64
	User    string
	Spec    batch.JobSpec
	GSAKey  map[string]string

	logger  logrus.FieldLogger
	config  JobConfig
	scratch string

	mtx        sync.Mutex
	state      string
	errText    string
	containers map[string]*Container
	startTime  int64
	endTime    int64
	deleted    bool

	cancelMtx sync.Mutex
	cancel    context.CancelFunc

	done chan struct{}
}

// NewJob builds a Job from a dispatch request.
func NewJob(logger logrus.FieldLogger, config JobConfig, req batch.CreateJobRequest) *Job {
	job := &Job{
		BatchID: req.BatchID,
		User:    req.User,
		Spec:    req.JobSpec,
		GSAKey:  req.GSAKey,
		logger: logger.WithFields(logrus.Fields{
			"BatchID": req.BatchID,
			"JobID":   req.JobSpec.JobID,
		}),
		config:     config,
		state:      batch.WorkerJobPending,
		containers: map[string]*Container{},
		done:       make(chan struct{}),
	}
	job.scratch = filepath.Join(config.ScratchRoot, fmt.Sprintf("%d-%d-%s", req.BatchID, req.JobSpec.JobID, store.NewToken(4)))
	return job
}

// JobID returns the job's id within its batch.
func (job *Job) JobID() int64 { return job.Spec.JobID }

// AttemptID returns the driver-assigned attempt id.
func (job *Job) AttemptID() string { return job.Spec.AttemptID }

// Done is closed when the job has reached a terminal state and its
// completion callback has been invoked.
func (job *Job) Done() <-chan struct{} { return job.done }

// State returns the worker-side job state.
func (job *Job) State() string {
	job.mtx.Lock()
	defer job.mtx.Unlock()
	return job.state
}

func (job *Job) setState(state string) {
	job.mtx.Lock()
	job.state = state
	job.mtx.Unlock()
}

// Deleted reports whether Delete has been called.
func (job *Job) Deleted() bool {
	job.mtx.Lock()
	defer job.mtx.Unlock()
	return job.deleted
}

// Delete stops the job: containers in progress are cancelled and
// removed, and no further containers start. The completion callback
// still fires.
func (job *Job) Delete() {
	job.mtx.Lock()
	already := job.deleted
	job.deleted = true
	job.mtx.Unlock()
	if already {
		return
	}
	job.logger.Info("job deleted")
	job.cancelMtx.Lock()
	if job.cancel != nil {
		job.cancel()
	}
	job.cancelMtx.Unlock()
}

// Run executes the job to completion and fires the lifecycle hooks.
func (job *Job) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	job.cancelMtx.Lock()
	job.cancel = cancel
	job.cancelMtx.Unlock()
	defer cancel()

	job.setState(batch.WorkerJobInitializing)
	err := job.initialize()
	if err == nil {
		err = job.runContainers(ctx)
	}

	job.mtx.Lock()
	switch {
	case err == nil:
		job.state = batch.WorkerJobSucceeded
	case err == errDeleted || errors.Is(err, context.Canceled):
		job.state = batch.WorkerJobFailed
	case err == errNonZeroExit:
		job.state = batch.WorkerJobFailed
	default:
		job.state = batch.WorkerJobError
		job.errText = err.Error()
	}
	job.endTime = batch.TimeMsecs()
	job.mtx.Unlock()

	if err := os.RemoveAll(job.scratch); err != nil {
		job.logger.WithError(err).Warn("removing scratch directory")
	}
	job.logger.WithField("State", job.State()).Info("job finished")
	if job.config.OnComplete != nil {
		job.config.OnComplete(job)
	}
	close(job.done)
}

// initialize creates the scratch layout and stages secrets.
func (job *Job) initialize() error {
	for _, dir := range []string{"io", "secrets", "gsa-key"} {
		if err := os.MkdirAll(filepath.Join(job.scratch, dir), 0o755); err != nil {
			return err
		}
	}
	if len(job.GSAKey) > 0 {
		for name, content := range job.GSAKey {
			if err := os.WriteFile(filepath.Join(job.scratch, "gsa-key", name), []byte(content), 0o600); err != nil {
				return err
			}
		}
	}
	for _, secret := range job.Spec.Secrets {
		dir := filepath.Join(job.scratch, "secrets", secret.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		for filename, b64 := range secret.Data {
			data, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return fmt.Errorf("secret %s/%s: %s", secret.Name, filename, err)
			}
			if err := os.WriteFile(filepath.Join(dir, filename), data, 0o600); err != nil {
				return err
			}
		}
	}
	return nil
}

func (job *Job) runContainers(ctx context.Context) error {
	cpuMilli, err := job.Spec.EffectiveCoresMCPU(job.config.WorkerType)
	if err != nil {
		return err
	}
	memoryBytes := batch.MemoryForCPU(cpuMilli, job.config.WorkerType)

	type phaseRun struct {
		ctr *Container
		sem semaphore.Semaphore
	}
	var sequence []phaseRun
	deleted := job.Deleted
	if len(job.Spec.InputFiles) > 0 {
		ctr := newContainer(job.logger, job.config.Executor, batch.ContainerInput,
			job.copySpec(batch.ContainerInput, job.Spec.InputFiles), deleted)
		ctr.upload = job.uploadFor(batch.ContainerInput)
		sequence = append(sequence, phaseRun{ctr, semaphore.Null{}})
	}

	main := newContainer(job.logger, job.config.Executor, batch.ContainerMain,
		job.mainSpec(cpuMilli, memoryBytes), deleted)
	main.upload = job.uploadFor(batch.ContainerMain)
	main.onRunning = func() {
		job.mtx.Lock()
		job.state = batch.WorkerJobRunning
		job.startTime = batch.TimeMsecs()
		job.mtx.Unlock()
		if job.config.OnStarted != nil {
			job.config.OnStarted(job)
		}
	}
	sequence = append(sequence, phaseRun{main, job.config.CPUSem})

	if len(job.Spec.OutputFiles) > 0 {
		ctr := newContainer(job.logger, job.config.Executor, batch.ContainerOutput,
			job.copySpec(batch.ContainerOutput, job.Spec.OutputFiles), deleted)
		ctr.upload = job.uploadFor(batch.ContainerOutput)
		sequence = append(sequence, phaseRun{ctr, semaphore.Null{}})
	}

	job.mtx.Lock()
	for _, entry := range sequence {
		job.containers[entry.ctr.phase] = entry.ctr
	}
	job.mtx.Unlock()

	// Containers run strictly in order; a failure stops the
	// sequence.
	for _, entry := range sequence {
		if err := entry.ctr.Run(ctx, entry.sem); err != nil {
			return err
		}
	}
	return nil
}

// mainSpec builds the docker spec for the user's container.
func (job *Job) mainSpec(cpuMilli, memoryBytes int64) ContainerSpec {
	spec := ContainerSpec{
		Name:        job.containerName(batch.ContainerMain),
		Image:       batch.NormalizeImage(job.Spec.Image),
		Command:     job.Spec.Command,
		CPUMilli:    cpuMilli,
		MemoryBytes: memoryBytes,
		Binds: []string{
			filepath.Join(job.scratch, "io") + ":/io",
		},
		MountDockerSocket: job.Spec.MountDockerSocket,
	}
	for _, env := range job.Spec.Env {
		spec.Env = append(spec.Env, env.Name+"="+env.Value)
	}
	for _, secret := range job.Spec.Secrets {
		spec.Binds = append(spec.Binds,
			filepath.Join(job.scratch, "secrets", secret.Name)+":"+secret.MountPath)
	}
	return spec
}

// copySpec builds the docker spec for an input or output container:
// a small shell script of aws s3 copies, with the storage credential
// mounted.
func (job *Job) copySpec(phase string, files []batch.FileCopy) ContainerSpec {
	spec := ContainerSpec{
		Name:    job.containerName(phase),
		Image:   copyImage,
		Command: []string{"sh", "-c", copyScript(files)},
		// Copies are I/O bound; a fraction of a core is enough.
		CPUMilli:    500,
		MemoryBytes: batch.MemoryForCPU(500, job.config.WorkerType),
		Binds: []string{
			filepath.Join(job.scratch, "io") + ":/io",
			filepath.Join(job.scratch, "gsa-key") + ":" + credentialsMount,
		},
		Env: []string{
			"AWS_SHARED_CREDENTIALS_FILE=" + credentialsMount + "/credentials",
		},
	}
	for _, secret := range job.Spec.Secrets {
		if secret.MountInCopy {
			spec.Binds = append(spec.Binds,
				filepath.Join(job.scratch, "secrets", secret.Name)+":"+secret.MountPath)
		}
	}
	return spec
}

func (job *Job) containerName(phase string) string {
	return fmt.Sprintf("batch-%d-job-%d-%s", job.BatchID, job.Spec.JobID, phase)
}

// copyScript renders the copy commands. Each copy retries a few times
// before giving up; local destination directories are created first.
func copyScript(files []batch.FileCopy) string {
	var sb strings.Builder
	sb.WriteString("set -e\n")
	sb.WriteString("retry() { for i in 1 2 3 4 5; do \"$@\" && return 0; sleep $((i*2)); done; \"$@\"; }\n")
	for _, f := range files {
		src, dst := f.From, f.To
		if !strings.HasPrefix(dst, "s3://") {
			fmt.Fprintf(&sb, "mkdir -p %s\n", shellQuote(filepath.Dir(dst)))
		}
		recursive := ""
		if strings.HasSuffix(src, "/") || strings.HasSuffix(src, "/*") {
			recursive = " --recursive"
			src = strings.TrimSuffix(src, "*")
		}
		fmt.Fprintf(&sb, "retry aws s3 cp%s %s %s\n", recursive, shellQuote(src), shellQuote(dst))
	}
	return sb.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// uploadFor returns the container's log-upload hook.
func (job *Job) uploadFor(phase string) func(context.Context, *Container) error {
	return func(ctx context.Context, ctr *Container) error {
		if err := job.config.LogStore.WriteLogFile(ctx, job.BatchID, job.Spec.JobID, phase, ctr.Log()); err != nil {
			return err
		}
		status, err := json.Marshal(ctr.Status())
		if err != nil {
			return err
		}
		return job.config.LogStore.WriteStatusFile(ctx, job.BatchID, job.Spec.JobID, phase, status)
	}
}

// Status assembles the full status report sent to the driver.
func (job *Job) Status() *batch.JobStatus {
	job.mtx.Lock()
	defer job.mtx.Unlock()
	status := &batch.JobStatus{
		Worker:            job.config.WorkerName,
		BatchID:           job.BatchID,
		JobID:             job.Spec.JobID,
		AttemptID:         job.Spec.AttemptID,
		User:              job.User,
		State:             job.state,
		Error:             job.errText,
		ContainerStatuses: map[string]*batch.ContainerStatus{},
		StartTime:         job.startTime,
		EndTime:           job.endTime,
	}
	for phase, ctr := range job.containers {
		status.ContainerStatuses[phase] = ctr.Status()
	}
	if main := job.containers[batch.ContainerMain]; main != nil {
		start, finish := main.runningInterval()
		if start != 0 {
			status.StartTime = start
		}
		if finish != 0 {
			status.EndTime = finish
		}
	}
	return status
}

// Log returns the collected logs by container phase.
func (job *Job) Log() map[string]string {
	job.mtx.Lock()
	defer job.mtx.Unlock()
	out := map[string]string{}
	for phase, ctr := range job.containers {
		out[phase] = string(ctr.Log())
	}
	return out
}

// RunDuration returns how long the main container ran, for the
// completion callback's eviction rule.
func (job *Job) RunDuration() int64 {
	job.mtx.Lock()
	start := job.startTime
	end := job.endTime
	job.mtx.Unlock()
	if start == 0 {
		return 0
	}
	if end == 0 {
		end = batch.TimeMsecs()
	}
	return end - start
}
