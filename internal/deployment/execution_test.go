package deployment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessorExecution_EndOnce(t *testing.T) {
	e := NewProcessorExecution("delayProcessor")

	assert.Equal(t, "delayProcessor", e.ProcessorName())
	assert.True(t, e.IsRunning())
	assert.Nil(t, e.Record().End)

	assert.True(t, e.End(StatusSuccess))
	assert.False(t, e.End(StatusFailure))
	assert.False(t, e.Fail(errors.New("late")))

	assert.False(t, e.IsRunning())
	assert.Equal(t, StatusSuccess, e.Status())
	assert.Nil(t, e.StatusDetail())
	assert.NotNil(t, e.Record().End)
}

func TestProcessorExecution_Fail(t *testing.T) {
	e := NewProcessorExecution("commandLineProcessor")

	assert.True(t, e.Fail(errors.New("exit status 1")))
	assert.Equal(t, StatusFailure, e.Status())
	assert.Equal(t, "exit status 1", e.StatusDetail())
}

func TestProcessorExecution_StatusDetail(t *testing.T) {
	e := NewProcessorExecution("s3SyncProcessor")
	e.SetStatusDetail(map[string]int{"uploaded": 2})
	e.End(StatusSuccess)

	r := e.Record()
	assert.Equal(t, map[string]int{"uploaded": 2}, r.StatusDetails)
	assert.Equal(t, StatusSuccess, r.Status)
	assert.False(t, r.Running)
}
