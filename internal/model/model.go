package model

import (
	"encoding/json"
	"errors"
	"time"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further progress will be recorded for the job.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCanceled:
		return true
	}
	return false
}

const (
	ProcessROMGenerator = "ROM Generator"
	ProcessCoveragePlot = "Coverage Plot"

	DefaultUserName = "Guest"
	StatusWaiting   = "Waiting"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrMissingUserID    = errors.New("userId is required")
	ErrStoreUnavailable = errors.New("queue store unavailable")
)

// QueueEntry is one user's claim on a named automation process type.
// Entries are ordered by JoinedAt, with Seq breaking ties in insertion order.
type QueueEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName"`
	ProcessType string    `json:"processType"`
	JoinedAt    time.Time `json:"joinedAt"`
	Status      string    `json:"status"`
	Seq         int64     `json:"-"`
}

// Job is a server-side automation run as seen by the job status endpoint.
//
// - Payload is the request body the job was started with.
// - Result holds the terminal payload once the job completes.
// - OutputKey is the relative key of the result artifact in the blob store.
type Job struct {
	ID             string          `json:"id"`
	ProcessType    string          `json:"processType"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Status         JobStatus       `json:"status"`
	Progress       float64         `json:"progress"`
	Step           string          `json:"step"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	OutputKey      string          `json:"outputKey,omitempty"`
	Error          string          `json:"error,omitempty"`
	LeaseExpiresAt time.Time       `json:"leaseExpiresAt"`
}

// JobPatch is used for partial updates.
type JobPatch struct {
	Status         *JobStatus
	Progress       *float64
	Step           *string
	Result         json.RawMessage
	OutputKey      *string
	Error          *string
	LeaseExpiresAt *time.Time
}

// Frame is one newline-delimited event on a job stream. Success is set only
// on the terminal frame.
type Frame struct {
	JobID    string          `json:"jobId,omitempty"`
	Progress float64         `json:"progress"`
	Step     string          `json:"step,omitempty"`
	Status   string          `json:"status,omitempty"`
	Success  *bool           `json:"success,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Terminal reports whether the frame ends the stream.
func (f Frame) Terminal() bool { return f.Success != nil }

// JobStatusView is the body returned by the job status endpoint.
type JobStatusView struct {
	ID       string          `json:"id"`
	Status   JobStatus       `json:"status"`
	Progress float64         `json:"progress"`
	Step     string          `json:"step,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// StatusView projects a Job onto the job status endpoint shape.
func (j Job) StatusView() JobStatusView {
	return JobStatusView{
		ID:       j.ID,
		Status:   j.Status,
		Progress: j.Progress,
		Step:     j.Step,
		Result:   j.Result,
		Error:    j.Error,
	}
}
