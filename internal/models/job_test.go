package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJob_CheckInvariants(t *testing.T) {
	now := time.Now()
	msg := "boom"

	ok := []*Job{
		{ID: "p", Status: JobPending},
		{ID: "r", Status: JobProcessing, Progress: 40},
		{ID: "c", Status: JobCompleted, Progress: 100, EndTime: &now, Result: json.RawMessage(`{}`)},
		{ID: "f", Status: JobFailed, Progress: 30, EndTime: &now, Error: &msg},
	}
	for _, j := range ok {
		assert.NoError(t, j.CheckInvariants(), j.ID)
	}

	bad := []*Job{
		{ID: "end-on-pending", Status: JobPending, EndTime: &now},
		{ID: "completed-no-result", Status: JobCompleted, Progress: 100, EndTime: &now},
		{ID: "completed-partial", Status: JobCompleted, Progress: 90, EndTime: &now, Result: json.RawMessage(`{}`)},
		{ID: "failed-no-error", Status: JobFailed, EndTime: &now},
		{ID: "processing-100", Status: JobProcessing, Progress: 100},
	}
	for _, j := range bad {
		assert.Error(t, j.CheckInvariants(), j.ID)
	}
}

func TestJob_CloneIsDeep(t *testing.T) {
	owner := "u1"
	j := &Job{ID: "1", Owner: &owner, Parameters: json.RawMessage(`{"a":1}`)}

	c := j.Clone()
	*c.Owner = "u2"
	c.Parameters[0] = '['

	assert.Equal(t, "u1", *j.Owner)
	assert.Equal(t, `{"a":1}`, string(j.Parameters))
}
