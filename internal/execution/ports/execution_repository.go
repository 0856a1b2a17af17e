package ports

import (
	"context"
	"time"

	"github.com/relayflow-go/internal/domain/workflow"
	"github.com/relayflow-go/pkg/database"
)

// ExecutionRepository is the Run Store. Runs are written by the caller of the
// runner, never by the runner itself.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *workflow.Execution) error
	Update(ctx context.Context, execution *workflow.Execution) error
	GetByID(ctx context.Context, id string) (*workflow.Execution, error)
	ListByWorkflow(ctx context.Context, workflowID string, page *database.Pagination) ([]workflow.Execution, error)
}

// NodeExecutionRepository is the Node Execution Store.
type NodeExecutionRepository interface {
	CreateNodeExecution(ctx context.Context, nodeExec *workflow.NodeExecution) error
	FinishNodeExecution(ctx context.Context, id string, status workflow.NodeExecutionStatus, output interface{}, errMsg string, endedAt time.Time) error
	ListNodeExecutions(ctx context.Context, executionID string) ([]workflow.NodeExecution, error)
}

// WorkflowRepository is the Graph Store.
type WorkflowRepository interface {
	CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	ListEnabledWorkflows(ctx context.Context) ([]*workflow.Workflow, error)
}
