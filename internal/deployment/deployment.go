package deployment

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Deployment is one run of a target's pipeline.
//
// Start, end and status are set only by the pipeline (or by the owning target when it
// interrupts the run). All accessors are safe to call while the run is in progress.
type Deployment struct {
	id     string
	target TargetRef
	mode   Mode

	mu         sync.RWMutex
	start      *time.Time
	end        *time.Time
	running    bool
	status     Status
	changeSet  *ChangeSet
	executions []*ProcessorExecution
	params     map[string]interface{}
}

// New creates a deployment for the target. The mode is read from params[ParamMode]
// and defaults to PUBLISH; it is fixed for the lifetime of the run.
func New(target TargetRef, params map[string]interface{}) (*Deployment, error) {
	mode := ModePublish
	if raw, ok := params[ParamMode]; ok && raw != nil {
		parsed, err := ParseMode(fmt.Sprint(raw))
		if err != nil {
			return nil, err
		}
		mode = parsed
	}

	p := make(map[string]interface{}, len(params))
	for k, v := range params {
		p[k] = v
	}

	return &Deployment{
		id:     uuid.NewString(),
		target: target,
		mode:   mode,
		params: p,
	}, nil
}

// ID returns the unique deployment id
func (d *Deployment) ID() string {
	return d.id
}

// Target returns the owning target reference
func (d *Deployment) Target() TargetRef {
	return d.target
}

// Mode returns the deployment mode
func (d *Deployment) Mode() Mode {
	return d.mode
}

// Start marks the deployment as running. It is a no-op if the deployment
// is already running or has already ended.
func (d *Deployment) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running || d.status != "" {
		return
	}
	now := time.Now()
	d.start = &now
	d.running = true
}

// End records a terminal status. Only the first call has an effect, so a status a
// processor already set is never overwritten. Returns whether this call ended the run.
func (d *Deployment) End(status Status) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.status != "" {
		return false
	}
	now := time.Now()
	d.end = &now
	d.running = false
	d.status = status
	return true
}

// IsRunning reports whether the pipeline is actively running this deployment
func (d *Deployment) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// IsEnded reports whether the deployment reached a terminal status
func (d *Deployment) IsEnded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status != ""
}

// Status returns the terminal status, empty while pending or running
func (d *Deployment) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// StartTime returns the start time, nil if never started
func (d *Deployment) StartTime() *time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyTime(d.start)
}

// EndTime returns the end time, nil if not ended
func (d *Deployment) EndTime() *time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyTime(d.end)
}

// Duration returns the run duration; zero unless both start and end are set
func (d *Deployment) Duration() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.start == nil || d.end == nil {
		return 0
	}
	return d.end.Sub(*d.start)
}

// ChangeSet returns the current change set (nil when nothing was computed)
func (d *Deployment) ChangeSet() *ChangeSet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.changeSet
}

// SetChangeSet replaces the change set seen by subsequent processors
func (d *Deployment) SetChangeSet(cs *ChangeSet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.changeSet = cs
}

// AddExecution appends a processor execution record
func (d *Deployment) AddExecution(e *ProcessorExecution) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executions = append(d.executions, e)
}

// Executions returns a copy of the execution records in invocation order
func (d *Deployment) Executions() []*ProcessorExecution {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*ProcessorExecution(nil), d.executions...)
}

// Param returns a run-scoped parameter
func (d *Deployment) Param(key string) (interface{}, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.params[key]
	return v, ok
}

// StringParam returns a parameter as a string, empty if absent
func (d *Deployment) StringParam(key string) string {
	v, ok := d.Param(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// BoolParam returns a parameter as a boolean; strings such as "true" are parsed
func (d *Deployment) BoolParam(key string) bool {
	v, ok := d.Param(key)
	if !ok || v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	}
	return false
}

// SetParam sets a run-scoped parameter
func (d *Deployment) SetParam(key string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params[key] = value
}

// RemoveParam removes a run-scoped parameter
func (d *Deployment) RemoveParam(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.params, key)
}

// Params returns a copy of the parameter map
func (d *Deployment) Params() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]interface{}, len(d.params))
	for k, v := range d.params {
		out[k] = v
	}
	return out
}

// Record is the external representation of a deployment consumed by reporting collaborators
type Record struct {
	ID                  string            `json:"id" msgpack:"id"`
	Target              TargetRef         `json:"target" msgpack:"target"`
	Mode                Mode              `json:"mode" msgpack:"mode"`
	Status              Status            `json:"status,omitempty" msgpack:"status,omitempty"`
	Running             bool              `json:"running" msgpack:"running"`
	Duration            int64             `json:"duration" msgpack:"duration"`
	Start               *time.Time        `json:"start,omitempty" msgpack:"start,omitempty"`
	End                 *time.Time        `json:"end,omitempty" msgpack:"end,omitempty"`
	CreatedFiles        []string          `json:"created_files" msgpack:"created_files"`
	UpdatedFiles        []string          `json:"updated_files" msgpack:"updated_files"`
	DeletedFiles        []string          `json:"deleted_files" msgpack:"deleted_files"`
	ProcessorExecutions []ExecutionRecord `json:"processor_executions" msgpack:"processor_executions"`
}

// Record returns a consistent snapshot of the deployment
func (d *Deployment) Record() Record {
	d.mu.RLock()
	cs := d.changeSet
	r := Record{
		ID:      d.id,
		Target:  d.target,
		Mode:    d.mode,
		Status:  d.status,
		Running: d.running,
		Start:   copyTime(d.start),
		End:     copyTime(d.end),
	}
	if d.start != nil && d.end != nil {
		r.Duration = d.end.Sub(*d.start).Milliseconds()
	}
	executions := append([]*ProcessorExecution(nil), d.executions...)
	d.mu.RUnlock()

	csr := cs.Record()
	r.CreatedFiles = csr.CreatedFiles
	r.UpdatedFiles = csr.UpdatedFiles
	r.DeletedFiles = csr.DeletedFiles

	r.ProcessorExecutions = make([]ExecutionRecord, 0, len(executions))
	for _, e := range executions {
		r.ProcessorExecutions = append(r.ProcessorExecutions, e.Record())
	}
	return r
}

// MarshalJSON encodes the external representation
func (d *Deployment) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Record())
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
