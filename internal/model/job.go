package model

import (
	"time"
)

// Status is a state of a Job in the scheduler state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition happens without a retry.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Retryable reports whether retry may move the job back to pending.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusCancelled
}

// ErrorKind classifies why a job has failed.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindEngineNotFound ErrorKind = "engine_not_found"
	ErrorKindInputNotFound  ErrorKind = "input_not_found"
	ErrorKindSpawn          ErrorKind = "spawn_failure"
	ErrorKindNonZeroExit    ErrorKind = "nonzero_exit"
)

// FrameRange is an inclusive range of frames.
type FrameRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Single reports whether the range covers exactly one frame.
func (r FrameRange) Single() bool {
	return r.Start == r.End
}

// Len returns the number of frames in the range, zero or less for a
// degenerate range.
func (r FrameRange) Len() int {
	return r.End - r.Start + 1
}

// JobSpec is what a caller submits. It is copied into the Job and never
// changes afterwards.
type JobSpec struct {
	InputFile    string        `json:"input" yaml:"input" validate:"required"`
	OutputTarget string        `json:"output" yaml:"output" validate:"required"`
	FrameRange   *FrameRange   `json:"frames,omitempty" yaml:"frames,omitempty"`
	Options      RenderOptions `json:"options" yaml:"options"`
}

// Job is the unit of work tracked by the scheduler. Values handed out by the
// store are snapshots, mutating them has no effect on the scheduler.
type Job struct {
	ID string `json:"id"`
	JobSpec

	Status       Status `json:"status"`
	Progress     int    `json:"progress"`
	CurrentFrame int    `json:"current_frame,omitempty"`
	TotalFrames  int    `json:"total_frames,omitempty"`
	Attempt      int    `json:"attempt"`

	// advisory data parsed from the engine output
	Elapsed   string `json:"elapsed,omitempty"`
	Remaining string `json:"remaining,omitempty"`
	LastSaved string `json:"last_saved,omitempty"`
	Warning   string `json:"warning,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
}

// NewJob creates a pending job for spec.
func NewJob(id string, spec JobSpec, now time.Time) Job {
	if spec.FrameRange != nil {
		fr := *spec.FrameRange
		spec.FrameRange = &fr
	}
	return Job{
		ID:        id,
		JobSpec:   spec,
		Status:    StatusPending,
		CreatedAt: now,
	}
}

// Clone returns a copy of j sharing no memory with it.
func (j Job) Clone() Job {
	if j.FrameRange != nil {
		fr := *j.FrameRange
		j.FrameRange = &fr
	}
	if j.ExitCode != nil {
		code := *j.ExitCode
		j.ExitCode = &code
	}
	return j
}

// Reset clears everything a run has written and makes the job pending again.
// Identity, configuration and CreatedAt are preserved.
func (j *Job) Reset() {
	*j = Job{
		ID:        j.ID,
		JobSpec:   j.JobSpec,
		Status:    StatusPending,
		Attempt:   j.Attempt,
		CreatedAt: j.CreatedAt,
	}
}
