// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cumulus-compute/cumulus/lib/batch"
	"github.com/cumulus-compute/cumulus/lib/semaphore"
)

// errDeleted aborts the remaining steps of a deleted job's containers.
var errDeleted = fmt.Errorf("job deleted")

// A Container drives one container through its lifecycle steps,
// recording a timing entry and a state for each. It is not restarted:
// one Container, one run.
type Container struct {
	logger logrus.FieldLogger
	exec   Executor
	spec   ContainerSpec
	// phase is "input", "main", or "output".
	phase string
	// deleted reports whether the owning job has been deleted;
	// checked between steps.
	deleted func() bool
	// onRunning fires when the container enters its running step
	// (used to report main-container start to the driver).
	onRunning func()
	// upload, if set, persists the collected log once the
	// container has stopped.
	upload func(context.Context, *Container) error

	mtx         sync.Mutex
	state       string
	err         string
	timings     map[string]*batch.Timing
	containerID string
	runtime     *batch.RuntimeStatus
	log         []byte
}

func newContainer(logger logrus.FieldLogger, exec Executor, phase string, spec ContainerSpec, deleted func() bool) *Container {
	return &Container{
		logger:  logger.WithField("Container", phase),
		exec:    exec,
		spec:    spec,
		phase:   phase,
		deleted: deleted,
		state:   batch.ContainerStatePending,
		timings: map[string]*batch.Timing{},
	}
}

// step brackets one lifecycle step: it refuses to start if the job
// was deleted, publishes the step name as the container state, and
// records wall-clock timing.
func (ctr *Container) step(ctx context.Context, name string, fn func(context.Context) error) error {
	if ctr.deleted() {
		return errDeleted
	}
	ctr.mtx.Lock()
	ctr.state = name
	timing := &batch.Timing{StartTime: batch.TimeMsecs()}
	ctr.timings[name] = timing
	ctr.mtx.Unlock()
	err := fn(ctx)
	ctr.mtx.Lock()
	timing.FinishTime = batch.TimeMsecs()
	timing.Duration = timing.FinishTime - timing.StartTime
	ctr.mtx.Unlock()
	return err
}

// Run executes the container to completion. The semaphore is held,
// with the container's CPU request as weight, from just before start
// until the container stops.
func (ctr *Container) Run(ctx context.Context, sem semaphore.Semaphore) error {
	err := ctr.run(ctx, sem)
	ctr.mtx.Lock()
	defer ctr.mtx.Unlock()
	switch {
	case err == nil:
		ctr.state = batch.ContainerStateSucceeded
	case err == errDeleted || errors.Is(err, context.Canceled):
		ctr.state = batch.ContainerStateFailed
		ctr.err = "job deleted"
	case err == errNonZeroExit:
		ctr.state = batch.ContainerStateFailed
	default:
		ctr.state = batch.ContainerStateError
		ctr.err = err.Error()
	}
	if err != nil {
		ctr.logger.WithError(err).Info("container finished")
	}
	return err
}

var errNonZeroExit = fmt.Errorf("container exited with nonzero status")

func (ctr *Container) run(ctx context.Context, sem semaphore.Semaphore) error {
	defer ctr.cleanup()

	err := ctr.step(ctx, batch.ContainerStatePulling, func(ctx context.Context) error {
		exists, err := ctr.exec.ImageExists(ctx, ctr.spec.Image)
		if err != nil || exists {
			return err
		}
		return callWithRetry(ctx, ctr.logger, "image pull", func() error {
			return ctr.exec.ImagePull(ctx, ctr.spec.Image)
		})
	})
	if err != nil {
		return err
	}

	err = ctr.step(ctx, batch.ContainerStateCreating, func(ctx context.Context) error {
		id, err := ctr.exec.ContainerCreate(ctx, ctr.spec)
		if err != nil {
			return err
		}
		ctr.mtx.Lock()
		ctr.containerID = id
		ctr.mtx.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	if err := sem.Acquire(ctx, ctr.spec.CPUMilli); err != nil {
		return err
	}
	defer sem.Release(ctr.spec.CPUMilli)

	err = ctr.step(ctx, batch.ContainerStateStarting, func(ctx context.Context) error {
		return callWithRetry(ctx, ctr.logger, "container start", func() error {
			return ctr.exec.ContainerStart(ctx, ctr.containerID)
		})
	})
	if err != nil {
		return err
	}

	var exitCode int64
	err = ctr.step(ctx, batch.ContainerStateRunning, func(ctx context.Context) error {
		if ctr.onRunning != nil {
			ctr.onRunning()
		}
		code, err := ctr.exec.ContainerWait(ctx, ctr.containerID)
		exitCode = code
		return err
	})
	if err != nil {
		return err
	}

	if runtime, err := ctr.exec.ContainerInspect(ctx, ctr.containerID); err == nil {
		ctr.mtx.Lock()
		ctr.runtime = runtime
		ctr.mtx.Unlock()
	} else {
		ctr.logger.WithError(err).Warn("inspecting finished container")
	}
	if log, err := ctr.exec.ContainerLogs(ctx, ctr.containerID); err == nil {
		ctr.mtx.Lock()
		ctr.log = log
		ctr.mtx.Unlock()
	} else {
		ctr.logger.WithError(err).Warn("collecting container log")
	}

	if ctr.upload != nil {
		// Upload failures lose the log but not the job outcome.
		err := ctr.step(ctx, batch.ContainerStateUploadingLog, func(ctx context.Context) error {
			return ctr.upload(ctx, ctr)
		})
		if err != nil && err != errDeleted {
			ctr.logger.WithError(err).Warn("uploading container log")
		}
	}

	ctr.mtx.Lock()
	oom := ctr.runtime != nil && ctr.runtime.OutOfMemory
	ctr.mtx.Unlock()
	if exitCode != 0 || oom {
		return errNonZeroExit
	}
	return nil
}

// cleanup removes the container if it was created. It runs on every
// exit path, including deletion, with a fresh context so a cancelled
// job still gets its container removed.
func (ctr *Container) cleanup() {
	ctr.mtx.Lock()
	id := ctr.containerID
	if id != "" {
		ctr.state = batch.ContainerStateDeleting
	}
	ctr.mtx.Unlock()
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), retryDelayMax)
	defer cancel()
	if err := ctr.exec.ContainerRemove(ctx, id); err != nil {
		ctr.logger.WithError(err).Warn("removing container")
	}
}

// Log returns the collected container log, or nil if the container
// never ran to completion.
func (ctr *Container) Log() []byte {
	ctr.mtx.Lock()
	defer ctr.mtx.Unlock()
	return ctr.log
}

// State returns the container's current lifecycle state.
func (ctr *Container) State() string {
	ctr.mtx.Lock()
	defer ctr.mtx.Unlock()
	return ctr.state
}

// Status returns a snapshot for the job status report.
func (ctr *Container) Status() *batch.ContainerStatus {
	ctr.mtx.Lock()
	defer ctr.mtx.Unlock()
	cs := &batch.ContainerStatus{
		Name:      ctr.phase,
		State:     ctr.state,
		Timing:    map[string]*batch.Timing{},
		Error:     ctr.err,
		Container: ctr.runtime,
	}
	for name, t := range ctr.timings {
		cp := *t
		cs.Timing[name] = &cp
	}
	return cs
}

// runningInterval returns the running step's start and finish times
// (msec since epoch); zeros if the container never ran.
func (ctr *Container) runningInterval() (int64, int64) {
	ctr.mtx.Lock()
	defer ctr.mtx.Unlock()
	t := ctr.timings[batch.ContainerStateRunning]
	if t == nil {
		return 0, 0
	}
	return t.StartTime, t.FinishTime
}
