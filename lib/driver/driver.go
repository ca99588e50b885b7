// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package driver implements the batch driver service: the HTTP surface
// for batch submission and worker callbacks, wired to the store, the
// instance pool, and the scheduler.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cumulus-compute/cumulus/lib/batch"
	"github.com/cumulus-compute/cumulus/lib/driver/instancepool"
	"github.com/cumulus-compute/cumulus/lib/driver/scheduler"
	"github.com/cumulus-compute/cumulus/lib/driver/store"
	"github.com/cumulus-compute/cumulus/lib/httpserver"
	"github.com/cumulus-compute/cumulus/lib/logstore"
)

// Service is the driver's HTTP handler plus its background loops.
type Service struct {
	logger   logrus.FieldLogger
	globals  batch.Globals
	store    store.Store
	pool     *instancepool.Pool
	sch      *scheduler.Scheduler
	logStore logstore.Store
	gsaKey   map[string]string
	handler  http.Handler
}

// New assembles a Service from already-constructed components.
func New(logger logrus.FieldLogger, globals batch.Globals, st store.Store, pool *instancepool.Pool, sch *scheduler.Scheduler, logStore logstore.Store, gsaKey map[string]string, reg *prometheus.Registry) *Service {
	svc := &Service{
		logger:   logger,
		globals:  globals,
		store:    st,
		pool:     pool,
		sch:      sch,
		logStore: logStore,
		gsaKey:   gsaKey,
	}
	svc.setupRoutes(reg)
	return svc
}

// Start launches the pool maintenance and scheduling loops.
func (svc *Service) Start(ctx context.Context) error {
	if err := svc.pool.Start(ctx); err != nil {
		return err
	}
	svc.sch.Start(ctx)
	return nil
}

func (svc *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	svc.handler.ServeHTTP(w, r)
}

func (svc *Service) setupRoutes(reg *prometheus.Registry) {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1alpha").Subrouter()

	api.HandleFunc("/batches/create", svc.batchOnly(svc.createBatch)).Methods("POST")
	api.HandleFunc("/batches/{batch_id:[0-9]+}/jobs/create", svc.batchOnly(svc.createJobs)).Methods("POST")
	api.HandleFunc("/batches/{user}/{batch_id:[0-9]+}/close", svc.batchOnly(svc.closeBatch)).Methods("PATCH")
	api.HandleFunc("/batches/cancel", svc.batchOnly(svc.cancelBatch)).Methods("POST")
	api.HandleFunc("/batches/delete", svc.batchOnly(svc.deleteBatch)).Methods("POST")
	api.HandleFunc("/batches/{user}/{batch_id:[0-9]+}", svc.batchOnly(svc.getBatch)).Methods("GET")
	api.HandleFunc("/batches/{user}/{batch_id:[0-9]+}/jobs/{job_id:[0-9]+}", svc.batchOnly(svc.getJob)).Methods("GET")
	api.HandleFunc("/batches/{user}/{batch_id:[0-9]+}/jobs/{job_id:[0-9]+}/log", svc.batchOnly(svc.getJobLog)).Methods("GET")
	api.HandleFunc("/batches/{user}/{batch_id:[0-9]+}/jobs/{job_id:[0-9]+}/cancel", svc.batchOnly(svc.cancelJob)).Methods("POST")
	api.HandleFunc("/pool/config", svc.batchOnly(svc.configurePool)).Methods("POST")

	api.HandleFunc("/instances/activate", svc.activatingInstancesOnly(svc.activateInstance)).Methods("POST")
	api.HandleFunc("/instances/deactivate", svc.activeInstancesOnly(svc.deactivateInstance)).Methods("POST")
	api.HandleFunc("/instances/job_complete", svc.activeInstancesOnly(svc.jobComplete)).Methods("POST")
	api.HandleFunc("/instances/job_started", svc.activeInstancesOnly(svc.jobStarted)).Methods("POST")

	r.HandleFunc("/healthcheck", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	r.HandleFunc("/status", svc.batchOnly(svc.status)).Methods("GET")
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	svc.handler = r
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// batchOnly requires the driver's internal token. It guards the batch
// management surface, which is reachable only by the front-end
// service.
func (svc *Service) batchOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !tokenEqual(bearerToken(r), svc.globals.InternalToken) {
			httpserver.SendError(w, httpserver.ErrorWithStatus(errors.New("unauthorized"), http.StatusUnauthorized))
			return
		}
		h(w, r)
	}
}

// activatingInstancesOnly requires a pending instance's identity
// header. The activation token itself is verified inside the
// activation transaction.
func (svc *Service) activatingInstancesOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get(batch.InstanceNameHeader)
		if name == "" || bearerToken(r) == "" {
			httpserver.SendError(w, httpserver.ErrorWithStatus(errors.New("unauthorized"), http.StatusUnauthorized))
			return
		}
		inst, err := svc.store.GetInstance(r.Context(), name)
		if err != nil || inst.State != batch.InstanceStatePending {
			httpserver.SendError(w, httpserver.ErrorWithStatus(errors.New("unauthorized"), http.StatusUnauthorized))
			return
		}
		h(w, r)
	}
}

// activeInstancesOnly requires a valid bearer token from an active
// instance. An authenticated call doubles as a health check.
func (svc *Service) activeInstancesOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get(batch.InstanceNameHeader)
		token := bearerToken(r)
		if name == "" || token == "" {
			httpserver.SendError(w, httpserver.ErrorWithStatus(errors.New("unauthorized"), http.StatusUnauthorized))
			return
		}
		ok, err := svc.store.InstanceTokenValid(r.Context(), name, token)
		if err != nil || !ok {
			httpserver.SendError(w, httpserver.ErrorWithStatus(errors.New("unauthorized"), http.StatusUnauthorized))
			return
		}
		svc.pool.MarkHealthy(r.Context(), name)
		h(w, r)
	}
}

func tokenEqual(a, b string) bool {
	return store.TokenEqual(a, b)
}

func muxInt64(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, httpserver.ErrorWithStatus(fmt.Errorf("bad %s", name), http.StatusBadRequest)
	}
	return v, nil
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return httpserver.ErrorWithStatus(fmt.Errorf("decoding request body: %s", err), http.StatusBadRequest)
	}
	return nil
}

func sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpserver.SendError(w, httpserver.ErrorWithStatus(err, http.StatusNotFound))
	case errors.Is(err, store.ErrBatchClosed), errors.Is(err, store.ErrBadParent), errors.Is(err, store.ErrDuplicateJob):
		httpserver.SendError(w, httpserver.ErrorWithStatus(err, http.StatusBadRequest))
	case errors.Is(err, store.ErrWrongState):
		httpserver.SendError(w, httpserver.ErrorWithStatus(err, http.StatusConflict))
	default:
		httpserver.SendError(w, err)
	}
}

func (svc *Service) createBatch(w http.ResponseWriter, r *http.Request) {
	var req batch.CreateBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.SendError(w, err)
		return
	}
	if req.User == "" {
		httpserver.SendError(w, httpserver.ErrorWithStatus(errors.New("user is required"), http.StatusBadRequest))
		return
	}
	id, err := svc.store.CreateBatch(r.Context(), req.User, req.Attributes)
	if err != nil {
		sendStoreError(w, err)
		return
	}
	httpserver.SendJSON(w, batch.CreateBatchResponse{ID: id})
}

// validateJobSpec checks client-supplied fields and computes the
// job's effective core request.
func (svc *Service) validateJobSpec(spec *batch.JobSpec) (int64, error) {
	if spec.JobID <= 0 {
		return 0, fmt.Errorf("job_id must be positive")
	}
	if spec.Image == "" {
		return 0, fmt.Errorf("job %d: image is required", spec.JobID)
	}
	if len(spec.Command) == 0 {
		return 0, fmt.Errorf("job %d: command is required", spec.JobID)
	}
	mcpu, err := spec.EffectiveCoresMCPU(svc.globals.WorkerType)
	if err != nil {
		return 0, fmt.Errorf("job %d: %s", spec.JobID, err)
	}
	if mcpu > svc.globals.WorkerCores*1000 {
		return 0, fmt.Errorf("job %d: requests %d mcpu but workers have %d cores", spec.JobID, mcpu, svc.globals.WorkerCores)
	}
	return mcpu, nil
}

func (svc *Service) createJobs(w http.ResponseWriter, r *http.Request) {
	batchID, err := muxInt64(r, "batch_id")
	if err != nil {
		httpserver.SendError(w, err)
		return
	}
	var req batch.AddJobsRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.SendError(w, err)
		return
	}
	jobs := make([]*batch.Job, 0, len(req.Jobs))
	for i := range req.Jobs {
		spec := req.Jobs[i]
		mcpu, err := svc.validateJobSpec(&spec)
		if err != nil {
			httpserver.SendError(w, httpserver.ErrorWithStatus(err, http.StatusBadRequest))
			return
		}
		jobs = append(jobs, &batch.Job{
			JobID:     spec.JobID,
			CoresMCPU: mcpu,
			Spec:      spec,
		})
	}
	if err := svc.store.AddJobs(r.Context(), batchID, jobs); err != nil {
		sendStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (svc *Service) closeBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := muxInt64(r, "batch_id")
	if err != nil {
		httpserver.SendError(w, err)
		return
	}
	if err := svc.store.CloseBatch(r.Context(), mux.Vars(r)["user"], batchID); err != nil {
		sendStoreError(w, err)
		return
	}
	svc.sch.Wake()
	w.WriteHeader(http.StatusOK)
}

func (svc *Service) cancelBatch(w http.ResponseWriter, r *http.Request) {
	var ref batch.BatchRef
	if err := decodeJSON(r, &ref); err != nil {
		httpserver.SendError(w, err)
		return
	}
	if err := svc.store.CancelBatch(r.Context(), ref.User, ref.ID); err != nil {
		sendStoreError(w, err)
		return
	}
	svc.sch.WakeCancelReady()
	svc.sch.WakeCancelRunning()
	w.WriteHeader(http.StatusOK)
}

func (svc *Service) deleteBatch(w http.ResponseWriter, r *http.Request) {
	var ref batch.BatchRef
	if err := decodeJSON(r, &ref); err != nil {
		httpserver.SendError(w, err)
		return
	}
	if err := svc.store.DeleteBatch(r.Context(), ref.User, ref.ID); err != nil {
		sendStoreError(w, err)
		return
	}
	svc.sch.WakeCancelReady()
	svc.sch.WakeCancelRunning()
	w.WriteHeader(http.StatusOK)
}

func (svc *Service) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := muxInt64(r, "batch_id")
	if err != nil {
		httpserver.SendError(w, err)
		return
	}
	b, err := svc.store.GetBatch(r.Context(), batchID)
	if err != nil {
		sendStoreError(w, err)
		return
	}
	if b.User != mux.Vars(r)["user"] {
		sendStoreError(w, store.ErrNotFound)
		return
	}
	httpserver.SendJSON(w, b)
}

func (svc *Service) getJob(w http.ResponseWriter, r *http.Request) {
	batchID, err := muxInt64(r, "batch_id")
	if err != nil {
		httpserver.SendError(w, err)
		return
	}
	jobID, err := muxInt64(r, "job_id")
	if err != nil {
		httpserver.SendError(w, err)
		return
	}
	job, err := svc.store.GetJob(r.Context(), batchID, jobID)
	if err != nil {
		sendStoreError(w, err)
		return
	}
	if job.User != mux.Vars(r)["user"] {
		sendStoreError(w, store.ErrNotFound)
		return
	}
	httpserver.SendJSON(w, job)
}

func (svc *Service) getJobLog(w http.ResponseWriter, r *http.Request) {
	batchID, err := muxInt64(r, "batch_id")
	if err != nil {
		httpserver.SendError(w, err)
		return
	}
	jobID, err := muxInt64(r, "job_id")
	if err != nil {
		httpserver.SendError(w, err)
		return
	}
	job, err := svc.store.GetJob(r.Context(), batchID, jobID)
	if err != nil {
		sendStoreError(w, err)
		return
	}
	if job.User != mux.Vars(r)["user"] {
		sendStoreError(w, store.ErrNotFound)
		return
	}
	if !job.State.Terminal() {
		httpserver.SendError(w, httpserver.ErrorWithStatus(errors.New("job has not finished; fetch the live log from its worker"), http.StatusConflict))
		return
	}
	logs := map[string]string{}
	for _, container := range []string{batch.ContainerInput, batch.ContainerMain, batch.ContainerOutput} {
		data, err := svc.logStore.ReadLogFile(r.Context(), batchID, jobID, container)
		if err != nil {
			continue
		}
		logs[container] = string(data)
	}
	httpserver.SendJSON(w, logs)
}

func (svc *Service) cancelJob(w http.ResponseWriter, r *http.Request) {
	batchID, err := muxInt64(r, "batch_id")
	if err != nil {
		httpserver.SendError(w, err)
		return
	}
	jobID, err := muxInt64(r, "job_id")
	if err != nil {
		httpserver.SendError(w, err)
		return
	}
	job, err := svc.store.GetJob(r.Context(), batchID, jobID)
	if err != nil || job.User != mux.Vars(r)["user"] {
		sendStoreError(w, store.ErrNotFound)
		return
	}
	if err := svc.store.CancelJob(r.Context(), batchID, jobID); err != nil {
		sendStoreError(w, err)
		return
	}
	svc.sch.WakeCancelReady()
	svc.sch.WakeCancelRunning()
	w.WriteHeader(http.StatusOK)
}

func (svc *Service) configurePool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetSize   *int `json:"target_size"`
		MaxInstances *int `json:"max_instances"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httpserver.SendError(w, err)
		return
	}
	target, max := -1, -1
	if req.TargetSize != nil {
		target = *req.TargetSize
	}
	if req.MaxInstances != nil {
		max = *req.MaxInstances
	}
	svc.pool.SetSize(target, max)
	w.WriteHeader(http.StatusOK)
}

func (svc *Service) activateInstance(w http.ResponseWriter, r *http.Request) {
	name := r.Header.Get(batch.InstanceNameHeader)
	var req batch.ActivateRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.SendError(w, err)
		return
	}
	if req.IPAddress == "" {
		httpserver.SendError(w, httpserver.ErrorWithStatus(errors.New("ip_address is required"), http.StatusBadRequest))
		return
	}
	token, err := svc.pool.Activate(r.Context(), name, bearerToken(r), req.IPAddress)
	if err != nil {
		if errors.Is(err, store.ErrTokenMismatch) || errors.Is(err, store.ErrWrongState) {
			httpserver.SendError(w, httpserver.ErrorWithStatus(errors.New("unauthorized"), http.StatusUnauthorized))
			return
		}
		sendStoreError(w, err)
		return
	}
	httpserver.SendJSON(w, batch.ActivateResponse{Token: token, Key: svc.gsaKey})
}

func (svc *Service) deactivateInstance(w http.ResponseWriter, r *http.Request) {
	name := r.Header.Get(batch.InstanceNameHeader)
	if err := svc.pool.Deactivate(r.Context(), name); err != nil {
		sendStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// jobComplete records a worker's terminal report for a job. The
// worker retries this callback until it gets a 2xx, so the transition
// must be idempotent; capacity is released only when the transition
// actually happened.
func (svc *Service) jobComplete(w http.ResponseWriter, r *http.Request) {
	var req batch.JobStatusUpdate
	if err := decodeJSON(r, &req); err != nil {
		httpserver.SendError(w, err)
		return
	}
	status := req.Status
	if status == nil {
		httpserver.SendError(w, httpserver.ErrorWithStatus(errors.New("status is required"), http.StatusBadRequest))
		return
	}
	state, ok := batch.JobStateFromWorker(status.State)
	if !ok {
		httpserver.SendError(w, httpserver.ErrorWithStatus(fmt.Errorf("unexpected job state %q", status.State), http.StatusBadRequest))
		return
	}
	job, err := svc.store.GetJob(r.Context(), status.BatchID, status.JobID)
	if err != nil {
		sendStoreError(w, err)
		return
	}
	endTime := status.EndTime
	if endTime == 0 {
		endTime = batch.TimeMsecs()
	}
	changed, err := svc.store.MarkJobComplete(r.Context(), status.BatchID, status.JobID, status.AttemptID, state, status, status.StartTime, endTime)
	if err != nil {
		if errors.Is(err, store.ErrWrongState) {
			// Stale attempt; acknowledge so the worker stops
			// retrying.
			w.WriteHeader(http.StatusOK)
			return
		}
		sendStoreError(w, err)
		return
	}
	if changed {
		if job.InstanceName != "" {
			svc.pool.Release(job.InstanceName, job.CoresMCPU)
		}
		svc.sch.Wake()
		svc.logger.WithFields(logrus.Fields{
			"BatchID": status.BatchID,
			"JobID":   status.JobID,
			"State":   state,
		}).Info("job complete")
	}
	w.WriteHeader(http.StatusOK)
}

func (svc *Service) jobStarted(w http.ResponseWriter, r *http.Request) {
	var req batch.JobStatusUpdate
	if err := decodeJSON(r, &req); err != nil {
		httpserver.SendError(w, err)
		return
	}
	status := req.Status
	if status == nil {
		httpserver.SendError(w, httpserver.ErrorWithStatus(errors.New("status is required"), http.StatusBadRequest))
		return
	}
	startTime := status.StartTime
	if startTime == 0 {
		startTime = batch.TimeMsecs()
	}
	err := svc.store.MarkJobStarted(r.Context(), status.BatchID, status.JobID, status.AttemptID, startTime)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		sendStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (svc *Service) status(w http.ResponseWriter, r *http.Request) {
	users, err := svc.store.UserResources(r.Context())
	if err != nil {
		sendStoreError(w, err)
		return
	}
	httpserver.SendJSON(w, map[string]interface{}{
		"instance_id": svc.globals.InstanceID,
		"instances":   svc.pool.CountByState(),
		"users":       users,
	})
}
