package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobType string

const (
	JobTypeSearch           JobType = "SEARCH"
	JobTypeDocumentAnalysis JobType = "DOCUMENT_ANALYSIS"
	JobTypeWebScraping      JobType = "WEB_SCRAPING"
	JobTypeWebSearch        JobType = "WEB_SEARCH"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeSearch, JobTypeDocumentAnalysis, JobTypeWebScraping, JobTypeWebSearch:
		return true
	}
	return false
}

type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

// Job is a tracked unit of asynchronous work.
//
// EndTime is set iff the job is terminal, Result iff COMPLETED, Error iff
// FAILED, and Progress is 100 iff COMPLETED.
type Job struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	Status     JobStatus       `json:"status"`
	Progress   int             `json:"progress"`
	Query      string          `json:"query"`
	DocumentID *string         `json:"documentId,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	StartTime  time.Time       `json:"startTime"`
	EndTime    *time.Time      `json:"endTime,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *string         `json:"error,omitempty"`
	Owner      *string         `json:"owner,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// CheckInvariants reports the first lifecycle invariant j violates.
func (j *Job) CheckInvariants() error {
	terminal := j.Status.Terminal()
	switch {
	case terminal != (j.EndTime != nil):
		return fmt.Errorf("job %s: endTime set=%t with status %s", j.ID, j.EndTime != nil, j.Status)
	case (j.Status == JobCompleted) != (j.Result != nil):
		return fmt.Errorf("job %s: result set=%t with status %s", j.ID, j.Result != nil, j.Status)
	case (j.Status == JobFailed) != (j.Error != nil):
		return fmt.Errorf("job %s: error set=%t with status %s", j.ID, j.Error != nil, j.Status)
	case (j.Status == JobCompleted) != (j.Progress == 100):
		return fmt.Errorf("job %s: progress %d with status %s", j.ID, j.Progress, j.Status)
	case j.Progress < 0 || j.Progress > 100:
		return fmt.Errorf("job %s: progress %d out of range", j.ID, j.Progress)
	}
	return nil
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.DocumentID = cloneString(j.DocumentID)
	c.Error = cloneString(j.Error)
	c.Owner = cloneString(j.Owner)
	if j.EndTime != nil {
		t := *j.EndTime
		c.EndTime = &t
	}
	if j.Parameters != nil {
		c.Parameters = append(json.RawMessage(nil), j.Parameters...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	return &c
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Owner  string
	Type   JobType
	Status JobStatus
}

type JobPage struct {
	Jobs     []*Job `json:"jobs"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr is a small helper for optional fields.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
