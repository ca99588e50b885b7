// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package worker implements the worker agent that runs on each
// ephemeral VM: it activates with the driver, accepts dispatched jobs
// over HTTP, runs them through the runner, reports outcomes back, and
// shuts itself down when idle.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/cumulus-compute/cumulus/lib/batch"
	"github.com/cumulus-compute/cumulus/lib/config"
	"github.com/cumulus-compute/cumulus/lib/httpserver"
	"github.com/cumulus-compute/cumulus/lib/logstore"
	"github.com/cumulus-compute/cumulus/lib/semaphore"
	"github.com/cumulus-compute/cumulus/lib/worker/runner"
)

// Completion-callback retry policy. The callback retries forever-ish:
// it gives up only after both an absolute floor and half the job's
// own runtime have elapsed, so long jobs get proportionally more
// patience.
var (
	completeRetryMin    = 100 * time.Millisecond
	completeRetryMax    = 30 * time.Second
	completeDeadlineMin = 3 * time.Minute
)

var idleCheckPeriod = 15 * time.Second

type jobKey struct {
	batchID int64
	jobID   int64
}

// Agent is the worker-side service.
type Agent struct {
	logger   logrus.FieldLogger
	cfg      config.WorkerConfig
	exec     runner.Executor
	logStore logstore.Store
	cpuSem   *semaphore.FIFOWeighted
	client   *http.Client
	handler  http.Handler

	mtx         sync.Mutex
	token       string
	gsaKey      map[string]string
	jobs        map[jobKey]*runner.Job
	lastUpdated time.Time

	// runCtx is the context job goroutines and callbacks run
	// under; it outlives individual requests.
	runCtx context.Context

	shutdown chan struct{}
	shutOnce sync.Once
}

// New returns an Agent ready to serve; call Run to activate and start
// the lifecycle loops.
func New(logger logrus.FieldLogger, cfg config.WorkerConfig, exec runner.Executor, logStore logstore.Store) *Agent {
	ag := &Agent{
		logger:      logger,
		cfg:         cfg,
		exec:        exec,
		logStore:    logStore,
		cpuSem:      semaphore.NewFIFOWeighted(cfg.Cores * 1000),
		client:      &http.Client{Timeout: time.Minute},
		jobs:        map[jobKey]*runner.Job{},
		lastUpdated: time.Now(),
		runCtx:      context.Background(),
		shutdown:    make(chan struct{}),
	}
	ag.setupRoutes()
	return ag
}

func (ag *Agent) setupRoutes() {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1alpha").Subrouter()
	api.HandleFunc("/jobs/create", ag.createJob).Methods("POST")
	api.HandleFunc("/batches/{batch_id:[0-9]+}/jobs/{job_id:[0-9]+}/delete", ag.deleteJob).Methods("DELETE")
	api.HandleFunc("/batches/{batch_id:[0-9]+}/jobs/{job_id:[0-9]+}/log", ag.jobLog).Methods("GET")
	api.HandleFunc("/batches/{batch_id:[0-9]+}/jobs/{job_id:[0-9]+}/status", ag.jobStatus).Methods("GET")
	r.HandleFunc("/healthcheck", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	ag.handler = r
}

func (ag *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ag.handler.ServeHTTP(w, r)
}

// Run activates with the driver, then watches for idleness. It
// returns, after deactivating, when the agent has been idle longer
// than MaxIdleTime, or when ctx is cancelled.
func (ag *Agent) Run(ctx context.Context) error {
	ag.runCtx = ctx
	if err := ag.activate(ctx); err != nil {
		return fmt.Errorf("activating with driver: %s", err)
	}
	ticker := time.NewTicker(idleCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ag.deactivate()
		case <-ag.shutdown:
			return ag.deactivate()
		case <-ticker.C:
		}
		ag.mtx.Lock()
		idle := len(ag.jobs) == 0 && time.Since(ag.lastUpdated) > ag.cfg.MaxIdleTime.Duration()
		ag.mtx.Unlock()
		if idle {
			ag.logger.WithField("MaxIdleTime", ag.cfg.MaxIdleTime).Info("idle too long, shutting down")
			return ag.deactivate()
		}
	}
}

// Shutdown asks Run to deactivate and return.
func (ag *Agent) Shutdown() {
	ag.shutOnce.Do(func() { close(ag.shutdown) })
}

// activate trades the boot-time activation token for a bearer token.
// The driver may not know about us yet (its create call races our
// boot), so this retries for a while.
func (ag *Agent) activate(ctx context.Context) error {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 12
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 15 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = time.Minute

	body, err := json.Marshal(batch.ActivateRequest{IPAddress: ag.cfg.IPAddress})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequest(http.MethodPost, ag.cfg.DriverURL+"/api/v1alpha/instances/activate", body)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(batch.InstanceNameHeader, ag.cfg.Name)
	req.Header.Set("Authorization", "Bearer "+ag.cfg.ActivationToken)
	resp, err := rc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("driver returned %s", resp.Status)
	}
	var ar batch.ActivateResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return err
	}
	ag.mtx.Lock()
	ag.token = ar.Token
	ag.gsaKey = ar.Key
	ag.mtx.Unlock()
	ag.logger.Info("activated with driver")
	return nil
}

func (ag *Agent) deactivate() error {
	err := ag.post(context.Background(), "/api/v1alpha/instances/deactivate", nil)
	if err != nil {
		ag.logger.WithError(err).Warn("deactivating")
	} else {
		ag.logger.Info("deactivated")
	}
	return err
}

// post sends an authenticated JSON request to the driver.
func (ag *Agent) post(ctx context.Context, path string, payload interface{}) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ag.cfg.DriverURL+path, &body)
	if err != nil {
		return err
	}
	ag.mtx.Lock()
	token := ag.token
	ag.mtx.Unlock()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(batch.InstanceNameHeader, ag.cfg.Name)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ag.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("driver returned %s", resp.Status)
	}
	return nil
}

// createJob accepts a dispatched job. Re-delivery of a job already
// known (same batch and job id) is acknowledged without starting a
// second copy.
func (ag *Agent) createJob(w http.ResponseWriter, r *http.Request) {
	var req batch.CreateJobRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httpserver.SendError(w, httpserver.ErrorWithStatus(fmt.Errorf("decoding request body: %s", err), http.StatusBadRequest))
		return
	}
	if req.JobSpec.JobID <= 0 || req.JobSpec.Image == "" {
		httpserver.SendError(w, httpserver.ErrorWithStatus(errors.New("invalid job spec"), http.StatusBadRequest))
		return
	}
	key := jobKey{req.BatchID, req.JobSpec.JobID}

	ag.mtx.Lock()
	ag.lastUpdated = time.Now()
	if _, ok := ag.jobs[key]; ok {
		ag.mtx.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}
	if req.GSAKey == nil {
		req.GSAKey = ag.gsaKey
	}
	job := runner.NewJob(ag.logger, runner.JobConfig{
		WorkerName:  ag.cfg.Name,
		WorkerType:  ag.cfg.WorkerType,
		ScratchRoot: ag.cfg.Scratch,
		LogStore:    ag.logStore,
		Executor:    ag.exec,
		CPUSem:      ag.cpuSem,
		OnStarted:   ag.postJobStarted,
		OnComplete:  ag.postJobComplete,
	}, req)
	ag.jobs[key] = job
	ag.mtx.Unlock()

	go job.Run(ag.runCtx)
	w.WriteHeader(http.StatusOK)
}

func (ag *Agent) lookupJob(w http.ResponseWriter, r *http.Request) *runner.Job {
	batchID, err1 := strconv.ParseInt(mux.Vars(r)["batch_id"], 10, 64)
	jobID, err2 := strconv.ParseInt(mux.Vars(r)["job_id"], 10, 64)
	if err1 != nil || err2 != nil {
		httpserver.SendError(w, httpserver.ErrorWithStatus(errors.New("bad job reference"), http.StatusBadRequest))
		return nil
	}
	ag.mtx.Lock()
	job := ag.jobs[jobKey{batchID, jobID}]
	ag.mtx.Unlock()
	if job == nil {
		httpserver.SendError(w, httpserver.ErrorWithStatus(errors.New("job not found"), http.StatusNotFound))
		return nil
	}
	return job
}

func (ag *Agent) deleteJob(w http.ResponseWriter, r *http.Request) {
	job := ag.lookupJob(w, r)
	if job == nil {
		return
	}
	job.Delete()
	w.WriteHeader(http.StatusOK)
}

func (ag *Agent) jobLog(w http.ResponseWriter, r *http.Request) {
	job := ag.lookupJob(w, r)
	if job == nil {
		return
	}
	httpserver.SendJSON(w, job.Log())
}

func (ag *Agent) jobStatus(w http.ResponseWriter, r *http.Request) {
	job := ag.lookupJob(w, r)
	if job == nil {
		return
	}
	httpserver.SendJSON(w, job.Status())
}

// postJobStarted tells the driver the main container is running. Best
// effort with a few retries; the driver only uses it for start-time
// bookkeeping.
func (ag *Agent) postJobStarted(job *runner.Job) {
	go func() {
		delay := completeRetryMin
		for attempt := 0; attempt < 5; attempt++ {
			err := ag.post(ag.runCtx, "/api/v1alpha/instances/job_started", batch.JobStatusUpdate{Status: job.Status()})
			if err == nil {
				return
			}
			ag.logger.WithError(err).Warn("reporting job start")
			select {
			case <-ag.runCtx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
		}
	}()
}

// postJobComplete delivers the job's terminal status. It retries with
// backoff until the driver acknowledges or the agent shuts down; once
// retries have gone on longer than both completeDeadlineMin and half
// the job's runtime, the job is evicted from the tracking table so a
// dead driver cannot pin the worker's memory forever, but the retries
// continue so the driver still learns the outcome when it comes back.
func (ag *Agent) postJobComplete(job *runner.Job) {
	go func() {
		defer ag.evict(job)
		start := time.Now()
		delay := completeRetryMin
		evicted := false
		for {
			err := ag.post(ag.runCtx, "/api/v1alpha/instances/job_complete", batch.JobStatusUpdate{Status: job.Status()})
			if err == nil {
				return
			}
			deadline := completeDeadlineMin
			if half := time.Duration(job.RunDuration()/2) * time.Millisecond; half > deadline {
				deadline = half
			}
			if !evicted && time.Since(start) > deadline {
				ag.logger.WithFields(logrus.Fields{
					"BatchID": job.BatchID,
					"JobID":   job.JobID(),
				}).WithError(err).Error("job completion not acknowledged in time, evicting job; will keep retrying")
				ag.evict(job)
				evicted = true
			}
			ag.logger.WithError(err).Warn("reporting job completion")
			select {
			case <-ag.runCtx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > completeRetryMax {
				delay = completeRetryMax
			}
		}
	}()
}

func (ag *Agent) evict(job *runner.Job) {
	ag.mtx.Lock()
	delete(ag.jobs, jobKey{job.BatchID, job.JobID()})
	ag.lastUpdated = time.Now()
	ag.mtx.Unlock()
}

// JobCount returns the number of jobs the agent is tracking.
func (ag *Agent) JobCount() int {
	ag.mtx.Lock()
	defer ag.mtx.Unlock()
	return len(ag.jobs)
}
