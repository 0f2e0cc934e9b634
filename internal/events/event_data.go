package events

import (
	"github.com/aristath/deployer/internal/deployment"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// TargetCreatedData contains data for TargetCreated events
type TargetCreatedData struct {
	Target deployment.TargetRef `json:"target"`
}

// EventType returns the event type for TargetCreatedData
func (d *TargetCreatedData) EventType() EventType {
	return TargetCreated
}

// TargetInitFailedData contains data for TargetInitFailed events
type TargetInitFailedData struct {
	Target deployment.TargetRef `json:"target"`
	Error  string               `json:"error"`
}

// EventType returns the event type for TargetInitFailedData
func (d *TargetInitFailedData) EventType() EventType {
	return TargetInitFailed
}

// TargetDeletedData contains data for TargetDeleted events
type TargetDeletedData struct {
	Target deployment.TargetRef `json:"target"`
}

// EventType returns the event type for TargetDeletedData
func (d *TargetDeletedData) EventType() EventType {
	return TargetDeleted
}

// DeploymentStartedData contains data for DeploymentStarted events
type DeploymentStartedData struct {
	Target       deployment.TargetRef `json:"target"`
	DeploymentID string               `json:"deployment_id"`
	Mode         deployment.Mode      `json:"mode"`
}

// EventType returns the event type for DeploymentStartedData
func (d *DeploymentStartedData) EventType() EventType {
	return DeploymentStarted
}

// DeploymentFinishedData contains data for DeploymentFinished events
type DeploymentFinishedData struct {
	Target     deployment.TargetRef `json:"target"`
	Deployment deployment.Record    `json:"deployment"`
}

// EventType returns the event type for DeploymentFinishedData
func (d *DeploymentFinishedData) EventType() EventType {
	return DeploymentFinished
}

// SystemStatusData summarizes the targets when their aggregate state changes
type SystemStatusData struct {
	Targets  int            `json:"targets"`
	ByStatus map[string]int `json:"by_status"`
	Busy     int            `json:"busy"`
	Pending  int            `json:"pending"`
}

// EventType returns the event type for SystemStatusData
func (d *SystemStatusData) EventType() EventType {
	return SystemStatusChanged
}
