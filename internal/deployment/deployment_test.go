package deployment

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

var testTarget = TargetRef{ID: "foo-test", Env: "test", SiteName: "foo"}

func newTestDeployment(t *testing.T, params map[string]interface{}) *Deployment {
	t.Helper()
	d, err := New(testTarget, params)
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	t.Run("defaults to publish", func(t *testing.T) {
		d := newTestDeployment(t, nil)

		assert.NotEmpty(t, d.ID())
		assert.Equal(t, ModePublish, d.Mode())
		assert.Equal(t, testTarget, d.Target())
		assert.False(t, d.IsRunning())
		assert.False(t, d.IsEnded())
		assert.Nil(t, d.StartTime())
	})

	t.Run("mode from params", func(t *testing.T) {
		d := newTestDeployment(t, map[string]interface{}{ParamMode: "search_index"})
		assert.Equal(t, ModeSearchIndex, d.Mode())
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := New(testTarget, map[string]interface{}{ParamMode: "BOGUS"})
		assert.ErrorIs(t, err, ErrUnknownMode)
	})

	t.Run("params are copied", func(t *testing.T) {
		params := map[string]interface{}{"k": "v"}
		d := newTestDeployment(t, params)
		params["k"] = "changed"
		assert.Equal(t, "v", d.StringParam("k"))
	})

	t.Run("ids are unique", func(t *testing.T) {
		a := newTestDeployment(t, nil)
		b := newTestDeployment(t, nil)
		assert.NotEqual(t, a.ID(), b.ID())
	})
}

func TestDeployment_Lifecycle(t *testing.T) {
	d := newTestDeployment(t, nil)

	d.Start()
	require.True(t, d.IsRunning())
	start := d.StartTime()
	require.NotNil(t, start)

	// second start is a no-op
	time.Sleep(2 * time.Millisecond)
	d.Start()
	assert.Equal(t, *start, *d.StartTime())

	assert.True(t, d.End(StatusSuccess))
	assert.False(t, d.IsRunning())
	assert.True(t, d.IsEnded())
	assert.Equal(t, StatusSuccess, d.Status())
	assert.NotNil(t, d.EndTime())
	assert.GreaterOrEqual(t, d.Duration(), time.Duration(0))
}

func TestDeployment_EndKeepsFirstStatus(t *testing.T) {
	d := newTestDeployment(t, nil)
	d.Start()

	require.True(t, d.End(StatusFailure))
	assert.False(t, d.End(StatusSuccess))
	assert.Equal(t, StatusFailure, d.Status())
}

func TestDeployment_InterruptBeforeStart(t *testing.T) {
	d := newTestDeployment(t, nil)

	require.True(t, d.End(StatusInterrupted))

	// an interrupted pending deployment never starts
	d.Start()
	assert.False(t, d.IsRunning())
	assert.Nil(t, d.StartTime())
	assert.Equal(t, StatusInterrupted, d.Status())
	assert.Equal(t, time.Duration(0), d.Duration())
}

func TestDeployment_Params(t *testing.T) {
	d := newTestDeployment(t, map[string]interface{}{
		ParamReprocessAllFiles: "true",
		"flag":                 true,
		"count":                3,
	})

	assert.True(t, d.BoolParam(ParamReprocessAllFiles))
	assert.True(t, d.BoolParam("flag"))
	assert.False(t, d.BoolParam("missing"))
	assert.False(t, d.BoolParam("count"))
	assert.Equal(t, "3", d.StringParam("count"))

	d.SetParam(ParamJumpingTo, "label")
	v, ok := d.Param(ParamJumpingTo)
	require.True(t, ok)
	assert.Equal(t, "label", v)

	d.RemoveParam(ParamJumpingTo)
	_, ok = d.Param(ParamJumpingTo)
	assert.False(t, ok)

	params := d.Params()
	params["flag"] = false
	assert.True(t, d.BoolParam("flag"))
}

func TestDeployment_ConcurrentAccess(t *testing.T) {
	d := newTestDeployment(t, nil)
	d.Start()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.AddExecution(NewProcessorExecution("p"))
			d.SetChangeSet(NewChangeSet([]string{"/a"}, nil, nil))
		}()
		go func() {
			defer wg.Done()
			_ = d.Record()
			_ = d.IsRunning()
		}()
	}
	wg.Wait()

	assert.Len(t, d.Executions(), 20)
}

func TestDeployment_Record(t *testing.T) {
	d := newTestDeployment(t, nil)
	d.Start()
	d.SetChangeSet(NewChangeSet([]string{"/a"}, []string{"/b"}, []string{"/c"}))

	exec := NewProcessorExecution("gitDiffProcessor")
	d.AddExecution(exec)
	exec.Fail(errors.New("boom"))
	d.End(StatusFailure)

	data, err := json.Marshal(d)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "PUBLISH", decoded["mode"])
	assert.Equal(t, "FAILURE", decoded["status"])
	assert.Equal(t, false, decoded["running"])
	assert.Contains(t, decoded, "duration")
	assert.Contains(t, decoded, "start")
	assert.Contains(t, decoded, "end")
	assert.Equal(t, []interface{}{"/a"}, decoded["created_files"])
	assert.Equal(t, []interface{}{"/b"}, decoded["updated_files"])
	assert.Equal(t, []interface{}{"/c"}, decoded["deleted_files"])

	executions, ok := decoded["processor_executions"].([]interface{})
	require.True(t, ok)
	require.Len(t, executions, 1)
	first := executions[0].(map[string]interface{})
	assert.Equal(t, "gitDiffProcessor", first["processor_name"])
	assert.Equal(t, "FAILURE", first["status"])
	assert.Equal(t, "boom", first["status_details"])
}

func TestDeployment_RecordMsgpack(t *testing.T) {
	d := newTestDeployment(t, nil)
	d.Start()
	d.SetChangeSet(NewChangeSet([]string{"/a"}, nil, nil))
	d.End(StatusSuccess)

	data, err := msgpack.Marshal(d.Record())
	require.NoError(t, err)

	var decoded Record
	require.NoError(t, msgpack.Unmarshal(data, &decoded))
	assert.Equal(t, d.ID(), decoded.ID)
	assert.Equal(t, StatusSuccess, decoded.Status)
	assert.Equal(t, []string{"/a"}, decoded.CreatedFiles)
	assert.Equal(t, testTarget, decoded.Target)
}
