package recorder

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relayflow-go/internal/domain/workflow"
	"github.com/relayflow-go/internal/execution/ports"
	"github.com/relayflow-go/pkg/logger"
)

// Recorder persists the lifecycle of one node attempt: a RUNNING row before
// dispatch and exactly one terminal update afterwards. Every store failure is
// returned as *workflow.RecorderError.
type Recorder struct {
	repo   ports.NodeExecutionRepository
	logger logger.Logger
}

// New creates a recorder writing to repo.
func New(repo ports.NodeExecutionRepository, log logger.Logger) *Recorder {
	return &Recorder{repo: repo, logger: log}
}

// Create writes a RUNNING row for nodeID and returns its id.
func (r *Recorder) Create(ctx context.Context, runID, nodeID, nodeType string) (string, error) {
	nodeExec := &workflow.NodeExecution{
		ID:          uuid.New().String(),
		ExecutionID: runID,
		NodeID:      nodeID,
		NodeType:    nodeType,
		Status:      workflow.NodeExecutionRunning,
		StartedAt:   time.Now().UTC(),
	}

	if err := r.repo.CreateNodeExecution(ctx, nodeExec); err != nil {
		r.logger.Error("Failed to create node execution", "executionId", runID, "nodeId", nodeID, "error", err)
		return "", &workflow.RecorderError{Op: "create", Err: err}
	}
	return nodeExec.ID, nil
}

// Update moves a row to its terminal status.
func (r *Recorder) Update(ctx context.Context, recordID string, status workflow.NodeExecutionStatus, output interface{}, errMsg string, endedAt time.Time) error {
	if err := r.repo.FinishNodeExecution(ctx, recordID, status, output, errMsg, endedAt.UTC()); err != nil {
		r.logger.Error("Failed to update node execution", "nodeExecutionId", recordID, "status", status, "error", err)
		return &workflow.RecorderError{Op: "update", Err: err}
	}
	return nil
}
