// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package batch

// Wire payloads for the driver and worker HTTP surfaces. All bodies
// are JSON. Header names carry the instance identity on
// instance-originated calls.

const (
	// InstanceNameHeader carries the calling instance's name on
	// worker→driver requests.
	InstanceNameHeader = "X-Cumulus-Instance-Name"
)

// CreateJobRequest is the body of the worker's POST /jobs/create.
type CreateJobRequest struct {
	BatchID int64  `json:"batch_id"`
	User    string `json:"user"`
	// GSAKey is the storage credential handed to the instance at
	// activation, forwarded so copy containers can authenticate.
	GSAKey  map[string]string `json:"gsa_key,omitempty"`
	JobSpec JobSpec           `json:"job_spec"`
}

// ActivateRequest is the body of the driver's POST /instances/activate.
type ActivateRequest struct {
	IPAddress string `json:"ip_address"`
}

// ActivateResponse returns the minted bearer token and the service
// account key the worker uses for its own cloud calls.
type ActivateResponse struct {
	Token string            `json:"token"`
	Key   map[string]string `json:"key"`
}

// JobStatusUpdate is the body of POST /instances/job_complete and
// POST /instances/job_started.
type JobStatusUpdate struct {
	Status *JobStatus `json:"status"`
}

// JobStatus is the worker's report of one job's progress or outcome.
type JobStatus struct {
	Worker    string `json:"worker"`
	BatchID   int64  `json:"batch_id"`
	JobID     int64  `json:"job_id"`
	AttemptID string `json:"attempt_id"`
	User      string `json:"user"`
	// State is one of the worker-side job states.
	State string `json:"state"`
	// Error is a formatted trace, set when State == "error".
	Error             string                      `json:"error,omitempty"`
	ContainerStatuses map[string]*ContainerStatus `json:"container_statuses"`
	// StartTime/EndTime bracket the main container's runtime
	// step, in msec since epoch. Zero if main never ran.
	StartTime int64 `json:"start_time,omitempty"`
	EndTime   int64 `json:"end_time,omitempty"`
}

// ContainerStatus is the per-container breakdown inside a JobStatus.
type ContainerStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	// Timing is keyed by step name (pulling, creating, runtime,
	// starting, running, uploading_log, deleting).
	Timing map[string]*Timing `json:"timing"`
	Error  string             `json:"error,omitempty"`
	// Container is the docker-level status captured after the
	// process exited, absent if the container was never created.
	Container *RuntimeStatus `json:"container_status,omitempty"`
}

// Timing records one step's wall-clock interval in msec since epoch.
type Timing struct {
	StartTime  int64 `json:"start_time"`
	FinishTime int64 `json:"finish_time,omitempty"`
	Duration   int64 `json:"duration,omitempty"`
}

// RuntimeStatus is the docker-level outcome of a container. Exactly
// one of Error and ExitCode is meaningful: a docker-level error means
// there is no exit code worth reporting.
type RuntimeStatus struct {
	State       string `json:"state"`
	StartedAt   string `json:"started_at,omitempty"`
	FinishedAt  string `json:"finished_at,omitempty"`
	OutOfMemory bool   `json:"out_of_memory"`
	Error       string `json:"error,omitempty"`
	ExitCode    *int64 `json:"exit_code,omitempty"`
}

// CreateBatchRequest is the body of the driver's POST /batches/create.
type CreateBatchRequest struct {
	User       string            `json:"user"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// CreateBatchResponse returns the new batch id.
type CreateBatchResponse struct {
	ID int64 `json:"id"`
}

// AddJobsRequest is the body of POST /batches/{batch_id}/jobs/create.
type AddJobsRequest struct {
	Jobs []JobSpec `json:"jobs"`
}

// BatchRef names a batch in cancel/delete requests.
type BatchRef struct {
	ID   int64  `json:"id"`
	User string `json:"user"`
}
