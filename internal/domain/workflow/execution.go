package workflow

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the status of a run.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "PENDING"
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// IsTerminal reports whether the run has finished.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed
}

// NodeExecutionStatus is the status of one action node's attempt.
type NodeExecutionStatus string

const (
	NodeExecutionRunning NodeExecutionStatus = "RUNNING"
	NodeExecutionSuccess NodeExecutionStatus = "SUCCESS"
	NodeExecutionFailed  NodeExecutionStatus = "FAILED"
)

// TriggerSource records what started a run.
type TriggerSource string

const (
	TriggerManual   TriggerSource = "manual"
	TriggerWebhook  TriggerSource = "webhook"
	TriggerSchedule TriggerSource = "schedule"
	TriggerCLI      TriggerSource = "cli"
)

// Execution is one run of a workflow. Created by the caller before the runner
// starts and finalized by the caller afterwards.
type Execution struct {
	ID             string          `json:"id" gorm:"primaryKey"`
	WorkflowID     string          `json:"workflowId" gorm:"not null;index"`
	WorkflowName   string          `json:"workflowName,omitempty" gorm:"-"`
	Status         ExecutionStatus `json:"status" gorm:"not null;index"`
	Trigger        TriggerSource   `json:"trigger"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"startedAt"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
	NodeExecutions []NodeExecution `json:"nodeExecutions,omitempty" gorm:"foreignKey:ExecutionID"`
}

func (Execution) TableName() string {
	return "executions"
}

// NewExecution creates a PENDING run of workflowID.
func NewExecution(workflowID string, trigger TriggerSource) *Execution {
	return &Execution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     ExecutionPending,
		Trigger:    trigger,
		StartedAt:  time.Now().UTC(),
	}
}

// Finish moves the run to its terminal status.
func (e *Execution) Finish(runErr error) {
	now := time.Now().UTC()
	e.EndedAt = &now
	if runErr != nil {
		e.Status = ExecutionFailed
		e.Error = runErr.Error()
		return
	}
	e.Status = ExecutionSuccess
	e.Error = ""
}

// Duration is zero until the run has ended.
func (e *Execution) Duration() time.Duration {
	if e.EndedAt == nil {
		return time.Since(e.StartedAt)
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// NodeExecution is the tracking row for one action node within one run.
type NodeExecution struct {
	ID          string              `json:"id" gorm:"primaryKey"`
	ExecutionID string              `json:"executionId" gorm:"not null;index"`
	NodeID      string              `json:"nodeId" gorm:"not null"`
	NodeType    string              `json:"nodeType"`
	Status      NodeExecutionStatus `json:"status" gorm:"not null"`
	StartedAt   time.Time           `json:"startedAt"`
	EndedAt     *time.Time          `json:"endedAt,omitempty"`
	Output      interface{}         `json:"output,omitempty" gorm:"type:text;serializer:json"`
	Error       string              `json:"error,omitempty"`
}

func (NodeExecution) TableName() string {
	return "node_executions"
}
