package model

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobTimedOut  JobStatus = "TIMED_OUT"
	JobCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition can leave s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimedOut, JobCancelled:
		return true
	}
	return false
}

// JobRequest is the incoming evaluation request before it is admitted.
type JobRequest struct {
	Profile        string    `json:"profile"`
	Subject        string    `json:"subject"`
	Robot          string    `json:"robot,omitempty"`
	OutputDir      string    `json:"outputDir,omitempty"`
	Caller         string    `json:"caller,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	SubmittedAt    time.Time `json:"submittedAt"`
}

// Job is the record of one requested evaluation run.
type Job struct {
	ID           uuid.UUID  `json:"id"`
	Request      JobRequest `json:"request"`
	Status       JobStatus  `json:"status"`
	CreationTime *time.Time `json:"creationTime"`
	StartTime    *time.Time `json:"startTime,omitempty"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	ExitCode     *int       `json:"exitCode,omitempty"`
	ArtifactPath string     `json:"artifactPath,omitempty"`
	ErrorDetail  string     `json:"errorDetail,omitempty"`
	ReportURL    string     `json:"reportUrl,omitempty"`
}

// Clone returns a copy of j that shares no pointers with it.
func (j Job) Clone() Job {
	c := j
	c.CreationTime = copyTime(j.CreationTime)
	c.StartTime = copyTime(j.StartTime)
	c.EndTime = copyTime(j.EndTime)
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	return c
}

// Outcome is the normalized terminal result handed to result sinks.
type Outcome struct {
	JobID        uuid.UUID     `json:"jobId"`
	Subject      string        `json:"subject"`
	Profile      string        `json:"profile"`
	Robot        string        `json:"robot,omitempty"`
	Caller       string        `json:"caller,omitempty"`
	Status       JobStatus     `json:"status"`
	ExitCode     *int          `json:"exitCode,omitempty"`
	ErrorDetail  string        `json:"errorDetail,omitempty"`
	ArtifactPath string        `json:"artifactPath,omitempty"`
	ReportURL    string        `json:"reportUrl,omitempty"`
	StartTime    *time.Time    `json:"startTime,omitempty"`
	EndTime      *time.Time    `json:"endTime,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// OutcomeOf builds the sink view of a terminal job. Duration is zero for jobs
// that never started.
func OutcomeOf(j Job) Outcome {
	j = j.Clone()
	o := Outcome{
		JobID:        j.ID,
		Subject:      j.Request.Subject,
		Profile:      j.Request.Profile,
		Robot:        j.Request.Robot,
		Caller:       j.Request.Caller,
		Status:       j.Status,
		ExitCode:     j.ExitCode,
		ErrorDetail:  j.ErrorDetail,
		ArtifactPath: j.ArtifactPath,
		ReportURL:    j.ReportURL,
		StartTime:    j.StartTime,
		EndTime:      j.EndTime,
	}
	if j.StartTime != nil && j.EndTime != nil {
		o.Duration = j.EndTime.Sub(*j.StartTime)
	}
	return o
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
