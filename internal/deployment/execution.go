package deployment

import (
	"encoding/json"
	"sync"
	"time"
)

// ProcessorExecution is the audit record of one processor invocation within a deployment.
// It is started at construction and ended exactly once.
type ProcessorExecution struct {
	name string

	mu           sync.RWMutex
	start        time.Time
	end          time.Time
	running      bool
	status       Status
	statusDetail interface{}
}

// NewProcessorExecution starts a new execution record
func NewProcessorExecution(processorName string) *ProcessorExecution {
	return &ProcessorExecution{
		name:    processorName,
		start:   time.Now(),
		running: true,
	}
}

// ProcessorName returns the processor name
func (e *ProcessorExecution) ProcessorName() string {
	return e.name
}

// IsRunning reports whether the execution has not ended yet
func (e *ProcessorExecution) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Status returns the terminal status, empty while running
func (e *ProcessorExecution) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// StatusDetail returns the opaque status detail
func (e *ProcessorExecution) StatusDetail() interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.statusDetail
}

// SetStatusDetail records processor-specific output (counts, command output)
func (e *ProcessorExecution) SetStatusDetail(detail interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statusDetail = detail
}

// End ends the execution. Only the first call has an effect.
func (e *ProcessorExecution) End(status Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return false
	}
	e.running = false
	e.status = status
	e.end = time.Now()
	return true
}

// Fail ends the execution with FAILURE and the error description as detail
func (e *ProcessorExecution) Fail(err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return false
	}
	e.running = false
	e.status = StatusFailure
	e.end = time.Now()
	if err != nil {
		e.statusDetail = err.Error()
	}
	return true
}

// ExecutionRecord is the external representation of a processor execution
type ExecutionRecord struct {
	ProcessorName string      `json:"processor_name" msgpack:"processor_name"`
	Start         time.Time   `json:"start" msgpack:"start"`
	End           *time.Time  `json:"end,omitempty" msgpack:"end,omitempty"`
	Running       bool        `json:"running" msgpack:"running"`
	Status        Status      `json:"status,omitempty" msgpack:"status,omitempty"`
	StatusDetails interface{} `json:"status_details,omitempty" msgpack:"status_details,omitempty"`
}

// Record returns a consistent snapshot of the execution
func (e *ProcessorExecution) Record() ExecutionRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r := ExecutionRecord{
		ProcessorName: e.name,
		Start:         e.start,
		Running:       e.running,
		Status:        e.status,
		StatusDetails: e.statusDetail,
	}
	if !e.running {
		end := e.end
		r.End = &end
	}
	return r
}

// MarshalJSON encodes the external representation
func (e *ProcessorExecution) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Record())
}
