// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package batch provides the types shared between the cumulus driver
// and worker: batch/job/instance records, the job and container state
// vocabularies, resource parsing, and the wire payloads exchanged over
// the internal HTTP surfaces.
package batch

import "time"

// JobState is the driver's view of a job.
type JobState string

const (
	// JobStatePending means one or more parent jobs have not
	// reached a terminal state yet.
	JobStatePending JobState = "Pending"
	// JobStateReady means the job is runnable and waiting for
	// capacity.
	JobStateReady JobState = "Ready"
	// JobStateRunning means the job has been dispatched to a
	// worker instance.
	JobStateRunning JobState = "Running"

	JobStateSuccess   JobState = "Success"
	JobStateFailed    JobState = "Failed"
	JobStateError     JobState = "Error"
	JobStateCancelled JobState = "Cancelled"
)

// Terminal reports whether no further state transitions are possible.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSuccess, JobStateFailed, JobStateError, JobStateCancelled:
		return true
	default:
		return false
	}
}

// Worker-side job states. The worker reports one of the terminal
// values in its job_complete callback; the driver maps them to
// JobState values via JobStateFromWorker.
const (
	WorkerJobPending      = "pending"
	WorkerJobInitializing = "initializing"
	WorkerJobRunning      = "running"
	WorkerJobSucceeded    = "succeeded"
	WorkerJobFailed       = "failed"
	WorkerJobError        = "error"
)

// JobStateFromWorker maps the worker vocabulary to the job vocabulary.
// The second return value is false for unknown or non-terminal input.
func JobStateFromWorker(state string) (JobState, bool) {
	switch state {
	case WorkerJobSucceeded:
		return JobStateSuccess, true
	case WorkerJobFailed:
		return JobStateFailed, true
	case WorkerJobError:
		return JobStateError, true
	default:
		return "", false
	}
}

// Container phase names within one job.
const (
	ContainerInput  = "input"
	ContainerMain   = "main"
	ContainerOutput = "output"
)

// Container runner states.
const (
	ContainerStatePending      = "pending"
	ContainerStatePulling      = "pulling"
	ContainerStateCreating     = "creating"
	ContainerStateStarting     = "starting"
	ContainerStateRunning      = "running"
	ContainerStateUploadingLog = "uploading_log"
	ContainerStateDeleting     = "deleting"
	ContainerStateSucceeded    = "succeeded"
	ContainerStateFailed       = "failed"
	ContainerStateError        = "error"
)

// InstanceState is the driver's view of a worker VM.
type InstanceState string

const (
	InstanceStatePending  InstanceState = "pending"
	InstanceStateActive   InstanceState = "active"
	InstanceStateInactive InstanceState = "inactive"
	InstanceStateDeleted  InstanceState = "deleted"
)

// Batch is a named collection of jobs with shared attributes and
// cancellation scope.
type Batch struct {
	ID         int64             `json:"id"`
	User       string            `json:"user"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Closed     bool              `json:"closed"`
	Cancelled  bool              `json:"cancelled"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Job is the driver's record of one unit of work.
type Job struct {
	BatchID   int64    `json:"batch_id"`
	JobID     int64    `json:"job_id"`
	User      string   `json:"user"`
	State     JobState `json:"state"`
	Cancelled bool     `json:"cancelled"`
	AttemptID string   `json:"attempt_id,omitempty"`
	CoresMCPU int64    `json:"cores_mcpu"`
	Spec      JobSpec  `json:"spec"`

	// Instance the job was dispatched to, if any.
	InstanceName string `json:"instance_name,omitempty"`

	StartTime int64 `json:"start_time,omitempty"` // msec since epoch
	EndTime   int64 `json:"end_time,omitempty"`   // msec since epoch

	// Status is the worker's final status report, retained verbatim.
	Status *JobStatus `json:"status,omitempty"`
}

// Runnable reports whether the job should still execute, taking the
// always_run flag and job/batch cancellation into account.
func (j *Job) Runnable(batchCancelled bool) bool {
	return j.Spec.AlwaysRun || !(j.Cancelled || batchCancelled)
}

// JobSpec is the client-supplied description of a job. Specs are
// validated at ingestion; unknown fields are rejected at the HTTP
// boundary.
type JobSpec struct {
	JobID     int64     `json:"job_id"`
	AttemptID string    `json:"attempt_id,omitempty"`
	Image     string    `json:"image"`
	Command   []string  `json:"command"`
	Env       []EnvVar  `json:"env,omitempty"`
	Resources Resources `json:"resources"`
	// ParentIDs must reference jobs in the same batch.
	ParentIDs []int64 `json:"parent_ids,omitempty"`
	// AlwaysRun jobs execute even if an ancestor failed or the
	// batch was cancelled.
	AlwaysRun bool `json:"always_run,omitempty"`

	InputFiles  []FileCopy `json:"input_files,omitempty"`
	OutputFiles []FileCopy `json:"output_files,omitempty"`
	Secrets     []Secret   `json:"secrets,omitempty"`

	MountDockerSocket bool `json:"mount_docker_socket,omitempty"`
}

// EnvVar is one environment variable for the main container.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Resources is a job's resource request. CPU and memory use the
// "500m" / "0.5Gi" forms accepted by ParseCPUMilli and
// ParseMemoryBytes.
type Resources struct {
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
	DiskGB int64  `json:"disk_gb,omitempty"`
}

// FileCopy describes one copy performed by an input or output
// container.
type FileCopy struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Secret is materialized into a per-job scratch directory before any
// container starts, then bind-mounted at MountPath.
type Secret struct {
	Name      string `json:"name"`
	MountPath string `json:"mount_path"`
	// Data maps file name to base64-encoded content.
	Data map[string]string `json:"data,omitempty"`
	// MountInCopy also mounts the secret into the input/output
	// containers (used for the storage credential).
	MountInCopy bool `json:"mount_in_copy,omitempty"`
}

// Instance is the driver's record of a worker VM.
type Instance struct {
	Name            string        `json:"name"`
	State           InstanceState `json:"state"`
	ActivationToken string        `json:"-"`
	Token           string        `json:"-"`
	IPAddress       string        `json:"ip_address,omitempty"`
	Cores           int64         `json:"cores"`
	FreeCoresMCPU   int64         `json:"free_cores_mcpu"`
	LastHealthcheck int64         `json:"last_healthcheck"` // msec since epoch
	CreatedAt       int64         `json:"created_at"`       // msec since epoch
	ActivatedAt     int64         `json:"activated_at,omitempty"`
}

// Globals are the persisted instance-wide settings read once at driver
// startup.
type Globals struct {
	InstanceID    string     `json:"instance_id"`
	InternalToken string     `json:"-"`
	WorkerType    WorkerType `json:"worker_type"`
	WorkerCores   int64      `json:"worker_cores"`
	WorkerDiskGB  int64      `json:"worker_disk_gb"`
}

// TimeMsecs returns the current wall time in milliseconds since the
// epoch, the unit used in all wire payload timestamps.
func TimeMsecs() int64 {
	return time.Now().UnixMilli()
}
