// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler assigns Ready jobs to worker instances and drains
// cancelled work. One scheduling loop per driver process; it wakes on
// pool capacity changes, on explicit pokes from the HTTP handlers, and
// on a coarse timer as a backstop.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/cumulus-compute/cumulus/lib/batch"
	"github.com/cumulus-compute/cumulus/lib/driver/instancepool"
	"github.com/cumulus-compute/cumulus/lib/driver/store"
)

// Options configures a Scheduler.
type Options struct {
	// Interval is the backstop period between scheduling passes.
	Interval time.Duration
	// WorkerPort is the port worker agents listen on.
	WorkerPort int
	// GSAKey is the storage credential forwarded to workers with
	// each dispatched job.
	GSAKey map[string]string
}

type Scheduler struct {
	logger  logrus.FieldLogger
	store   store.Store
	pool    *instancepool.Pool
	client  *http.Client
	options Options

	wakeSchedule      chan struct{}
	wakeCancelReady   chan struct{}
	wakeCancelRunning chan struct{}

	mScheduled    prometheus.Counter
	mDispatchFail prometheus.Counter
	mCorruption   prometheus.Counter
}

// New returns a Scheduler. Call Start to begin the loop.
func New(logger logrus.FieldLogger, st store.Store, pool *instancepool.Pool, options Options, reg *prometheus.Registry) *Scheduler {
	if options.WorkerPort == 0 {
		options.WorkerPort = 5000
	}
	sch := &Scheduler{
		logger:            logger,
		store:             st,
		pool:              pool,
		client:            &http.Client{Timeout: time.Minute},
		options:           options,
		wakeSchedule:      make(chan struct{}, 1),
		wakeCancelReady:   make(chan struct{}, 1),
		wakeCancelRunning: make(chan struct{}, 1),
	}
	sch.registerMetrics(reg)
	return sch
}

func (sch *Scheduler) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sch.mScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "scheduler",
		Name:      "jobs_scheduled_total",
		Help:      "Number of jobs dispatched to workers.",
	})
	reg.MustRegister(sch.mScheduled)
	sch.mDispatchFail = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "scheduler",
		Name:      "dispatch_failures_total",
		Help:      "Number of dispatches rolled back after a worker call failed.",
	})
	reg.MustRegister(sch.mDispatchFail)
	sch.mCorruption = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "scheduler",
		Name:      "resource_corruption_total",
		Help:      "Number of consistency checks where cached user aggregates diverged from recomputed values.",
	})
	reg.MustRegister(sch.mCorruption)
}

// Wake requests a scheduling pass soon (new Ready jobs, released
// capacity).
func (sch *Scheduler) Wake() { poke(sch.wakeSchedule) }

// WakeCancelReady requests a cancelled-Ready drain soon.
func (sch *Scheduler) WakeCancelReady() { poke(sch.wakeCancelReady) }

// WakeCancelRunning requests a cancelled-Running drain soon.
func (sch *Scheduler) WakeCancelRunning() { poke(sch.wakeCancelRunning) }

func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Start runs the scheduling loop until ctx is cancelled.
func (sch *Scheduler) Start(ctx context.Context) {
	go sch.run(ctx)
}

func (sch *Scheduler) run(ctx context.Context) {
	poolCh := sch.pool.Subscribe()
	defer sch.pool.Unsubscribe(poolCh)
	ticker := time.NewTicker(sch.options.Interval)
	defer ticker.Stop()
	passes := 0
	for {
		sch.cancelReadyPass(ctx)
		sch.cancelRunningPass(ctx)
		sch.schedulePass(ctx)
		passes++
		if passes%10 == 0 {
			sch.checkConsistency(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-poolCh:
		case <-sch.wakeSchedule:
		case <-sch.wakeCancelReady:
		case <-sch.wakeCancelRunning:
		}
	}
}

// nextUser returns the user with the smallest current allocation,
// breaking ties by username, so capacity is divided max-min fairly
// across users with runnable work.
func nextUser(users []string, allocated map[string]int64) string {
	best := ""
	for _, user := range users {
		if best == "" || allocated[user] < allocated[best] || (allocated[user] == allocated[best] && user < best) {
			best = user
		}
	}
	return best
}

// schedulePass dispatches as many Ready jobs as current capacity
// allows. Each job is offered capacity in max-min fair order: the
// next job considered always belongs to the user with the least
// running-plus-just-allocated mCPU. Within a user, older jobs go
// first.
func (sch *Scheduler) schedulePass(ctx context.Context) {
	ready, err := sch.store.ReadyJobs(ctx)
	if err != nil {
		sch.logger.WithError(err).Error("listing ready jobs")
		return
	}
	if len(ready) == 0 {
		return
	}
	userRes, err := sch.store.UserResources(ctx)
	if err != nil {
		sch.logger.WithError(err).Error("reading user resources")
		return
	}

	// ReadyJobs is ordered (batch, job) ascending, i.e. oldest
	// first; grouping preserves that order per user.
	queues := map[string][]*batch.Job{}
	var users []string
	for _, job := range ready {
		if _, ok := queues[job.User]; !ok {
			users = append(users, job.User)
		}
		queues[job.User] = append(queues[job.User], job)
	}
	allocated := map[string]int64{}
	for user, ur := range userRes {
		allocated[user] = ur.RunningCoresMCPU
	}

	for len(users) > 0 {
		user := nextUser(users, allocated)
		job := queues[user][0]
		queues[user] = queues[user][1:]
		if len(queues[user]) == 0 {
			users = removeString(users, user)
		}
		if worker, ok := sch.place(job); ok {
			allocated[user] += job.CoresMCPU
			sch.dispatch(ctx, job, worker)
		}
	}
}

func removeString(ss []string, s string) []string {
	for i, v := range ss {
		if v == s {
			return append(ss[:i], ss[i+1:]...)
		}
	}
	return ss
}

// place reserves capacity for the job on some active instance,
// preferring the fullest instance that still fits (bin packing keeps
// large slots available for large jobs).
func (sch *Scheduler) place(job *batch.Job) (instancepool.Worker, bool) {
	workers := sch.pool.Workers()
	sort.Slice(workers, func(i, k int) bool {
		if workers[i].FreeCoresMCPU != workers[k].FreeCoresMCPU {
			return workers[i].FreeCoresMCPU < workers[k].FreeCoresMCPU
		}
		return workers[i].Name < workers[k].Name
	})
	for _, worker := range workers {
		if worker.FreeCoresMCPU < job.CoresMCPU {
			continue
		}
		if sch.pool.Reserve(worker.Name, job.CoresMCPU) {
			return worker, true
		}
	}
	return instancepool.Worker{}, false
}

// dispatch transitions the job to Running and sends it to the worker.
// Any failure rolls back both the store transition and the capacity
// reservation, leaving the job Ready for the next pass.
func (sch *Scheduler) dispatch(ctx context.Context, job *batch.Job, worker instancepool.Worker) {
	attemptID := store.NewToken(8)
	logger := sch.logger.WithFields(logrus.Fields{
		"BatchID":      job.BatchID,
		"JobID":        job.JobID,
		"AttemptID":    attemptID,
		"InstanceName": worker.Name,
	})
	if err := sch.store.MarkJobScheduled(ctx, job.BatchID, job.JobID, attemptID, worker.Name); err != nil {
		// Lost a race (e.g. the job was cancelled since the
		// listing); give the capacity back.
		sch.pool.Release(worker.Name, job.CoresMCPU)
		if err != store.ErrWrongState {
			logger.WithError(err).Error("marking job scheduled")
		}
		return
	}
	spec := job.Spec
	spec.AttemptID = attemptID
	body, err := json.Marshal(batch.CreateJobRequest{
		BatchID: job.BatchID,
		User:    job.User,
		GSAKey:  sch.options.GSAKey,
		JobSpec: spec,
	})
	if err != nil {
		sch.rollback(ctx, job, worker, attemptID, logger, err)
		return
	}
	url := fmt.Sprintf("http://%s:%d/api/v1alpha/jobs/create", worker.IPAddress, sch.options.WorkerPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		sch.rollback(ctx, job, worker, attemptID, logger, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := sch.client.Do(req)
	if err != nil {
		sch.rollback(ctx, job, worker, attemptID, logger, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		sch.rollback(ctx, job, worker, attemptID, logger, fmt.Errorf("worker returned %s", resp.Status))
		return
	}
	sch.mScheduled.Inc()
	logger.Info("job dispatched")
}

func (sch *Scheduler) rollback(ctx context.Context, job *batch.Job, worker instancepool.Worker, attemptID string, logger logrus.FieldLogger, cause error) {
	sch.mDispatchFail.Inc()
	logger.WithError(cause).Warn("dispatch failed, rolling back")
	if err := sch.store.UnmarkJobScheduled(ctx, job.BatchID, job.JobID, attemptID); err != nil && err != store.ErrWrongState {
		logger.WithError(err).Error("rolling back job state")
	}
	sch.pool.Release(worker.Name, job.CoresMCPU)
	sch.Wake()
}

// cancelReadyPass finalizes Ready jobs whose job or batch has been
// cancelled.
func (sch *Scheduler) cancelReadyPass(ctx context.Context) {
	jobs, err := sch.store.CancelledReadyJobs(ctx)
	if err != nil {
		sch.logger.WithError(err).Error("listing cancelled ready jobs")
		return
	}
	for _, job := range jobs {
		err := sch.store.MarkJobCancelled(ctx, job.BatchID, job.JobID)
		if err != nil && err != store.ErrWrongState {
			sch.logger.WithFields(logrus.Fields{
				"BatchID": job.BatchID,
				"JobID":   job.JobID,
			}).WithError(err).Error("cancelling ready job")
		}
	}
}

// cancelRunningPass asks workers to kill Running jobs whose job or
// batch has been cancelled. Terminal state is still driven by the
// worker's completion callback, so a missed delete is retried on the
// next pass.
func (sch *Scheduler) cancelRunningPass(ctx context.Context) {
	jobs, err := sch.store.CancelledRunningJobs(ctx)
	if err != nil {
		sch.logger.WithError(err).Error("listing cancelled running jobs")
		return
	}
	for _, job := range jobs {
		logger := sch.logger.WithFields(logrus.Fields{
			"BatchID":      job.BatchID,
			"JobID":        job.JobID,
			"InstanceName": job.InstanceName,
		})
		inst, err := sch.store.GetInstance(ctx, job.InstanceName)
		if err != nil {
			logger.WithError(err).Warn("looking up instance for cancelled job")
			continue
		}
		url := fmt.Sprintf("http://%s:%d/api/v1alpha/batches/%d/jobs/%d/delete",
			inst.IPAddress, sch.options.WorkerPort, job.BatchID, job.JobID)
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			continue
		}
		resp, err := sch.client.Do(req)
		if err != nil {
			logger.WithError(err).Warn("asking worker to delete job")
			continue
		}
		resp.Body.Close()
	}
}

// checkConsistency recomputes the per-user aggregates from job rows
// and compares them to the incrementally maintained cache.
func (sch *Scheduler) checkConsistency(ctx context.Context) {
	cached, err := sch.store.UserResources(ctx)
	if err != nil {
		sch.logger.WithError(err).Error("reading cached user resources")
		return
	}
	computed, err := sch.store.ComputedUserResources(ctx)
	if err != nil {
		sch.logger.WithError(err).Error("recomputing user resources")
		return
	}
	for user, want := range computed {
		got := cached[user]
		if got == nil || *got != *want {
			sch.mCorruption.Inc()
			sch.logger.WithFields(logrus.Fields{
				"User":     user,
				"Cached":   got,
				"Computed": want,
			}).Error("user resource aggregates diverged")
		}
	}
	for user, got := range cached {
		if _, ok := computed[user]; !ok && *got != (store.UserResources{}) {
			sch.mCorruption.Inc()
			sch.logger.WithFields(logrus.Fields{
				"User":   user,
				"Cached": got,
			}).Error("user resource aggregates diverged")
		}
	}
}
