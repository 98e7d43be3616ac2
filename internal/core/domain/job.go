package domain

import (
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs are never
// transitioned again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

type JobKind string

const (
	JobKindBuild  JobKind = "build"
	JobKindLaunch JobKind = "launch"
)

// CommandSpec describes an external command to spawn: argv, working
// directory and extra environment merged over the parent environment.
type CommandSpec struct {
	Argv []string          `json:"argv"`
	Dir  string            `json:"dir,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// JobParams is the closed set of per-kind job payloads. Dispatch is a
// lookup over registered executors keyed by Kind, never a stored closure.
type JobParams interface {
	Kind() JobKind
}

// BuildParams runs a build command to completion, streaming its output
// into the job log.
type BuildParams struct {
	Command CommandSpec `json:"command"`
}

func (BuildParams) Kind() JobKind { return JobKindBuild }

// LaunchParams starts an app on a virtual display and hands the spawned
// process over to the process registry for supervision.
type LaunchParams struct {
	Name       string      `json:"name"`
	Command    CommandSpec `json:"command"`
	Display    int         `json:"display"`
	StreamPort int         `json:"stream_port,omitempty"`
}

func (LaunchParams) Kind() JobKind { return JobKindLaunch }

type Job struct {
	ID       string            `json:"id"`
	Kind     JobKind           `json:"kind"`
	Status   JobStatus         `json:"status"`
	Params   JobParams         `json:"params,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	Progress int      `json:"progress"` // 0-100
	Message  string   `json:"message,omitempty"`
	Error    string   `json:"error,omitempty"`
	Result   any      `json:"result,omitempty"`
	Log      []string `json:"log,omitempty"`

	// Seq is the submission order, used for FIFO promotion independent of
	// how listings are sorted.
	Seq uint64 `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a copy safe to hand out of the scheduler. Log and
// Metadata are copied; Params and Result are shared read-only values.
func (j *Job) Clone() *Job {
	c := *j
	if j.Log != nil {
		c.Log = append([]string(nil), j.Log...)
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
