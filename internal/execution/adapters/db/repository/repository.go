package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/relayflow-go/internal/domain/workflow"
	"github.com/relayflow-go/pkg/database"
)

// ExecutionRepository stores runs and their node executions.
type ExecutionRepository struct {
	db *database.DB
}

// NewExecutionRepository creates the run and node execution store on db.
func NewExecutionRepository(db *database.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Create inserts a run without its node executions.
func (r *ExecutionRepository) Create(ctx context.Context, execution *workflow.Execution) error {
	return r.db.WithContext(ctx).Omit("NodeExecutions").Create(execution).Error
}

// Update saves the run's own columns; node executions are written separately.
func (r *ExecutionRepository) Update(ctx context.Context, execution *workflow.Execution) error {
	return r.db.WithContext(ctx).Omit("NodeExecutions").Save(execution).Error
}

// GetByID loads a run with its node executions in start order.
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*workflow.Execution, error) {
	var execution workflow.Execution
	err := r.db.WithContext(ctx).
		Preload("NodeExecutions", func(db *gorm.DB) *gorm.DB {
			return db.Order("started_at ASC")
		}).
		Where("id = ?", id).
		First(&execution).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, workflow.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return &execution, nil
}

// ListByWorkflow returns a page of runs of workflowID, newest first.
func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string, page *database.Pagination) ([]workflow.Execution, error) {
	if page == nil {
		page = &database.Pagination{Limit: 20, Page: 1}
	}
	if page.Sort == "" {
		page.Sort = "started_at DESC"
	}

	var executions []workflow.Execution
	if err := r.db.Paginate(ctx, &workflow.Execution{}, &executions, page, "workflow_id = ?", workflowID); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return executions, nil
}

// CreateNodeExecution inserts a RUNNING node record.
func (r *ExecutionRepository) CreateNodeExecution(ctx context.Context, nodeExec *workflow.NodeExecution) error {
	return r.db.WithContext(ctx).Create(nodeExec).Error
}

// FinishNodeExecution writes the terminal status of a node execution.
func (r *ExecutionRepository) FinishNodeExecution(ctx context.Context, id string, status workflow.NodeExecutionStatus, output interface{}, errMsg string, endedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&workflow.NodeExecution{ID: id}).
		Select("Status", "Output", "Error", "EndedAt").
		Updates(&workflow.NodeExecution{
			Status:  status,
			Output:  output,
			Error:   errMsg,
			EndedAt: &endedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("node execution %s not found", id)
	}
	return nil
}

// ListNodeExecutions returns the node records of a run in start order.
func (r *ExecutionRepository) ListNodeExecutions(ctx context.Context, executionID string) ([]workflow.NodeExecution, error) {
	var nodeExecs []workflow.NodeExecution
	err := r.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("started_at ASC").
		Find(&nodeExecs).Error
	return nodeExecs, err
}

// WorkflowRepository reads workflow graphs.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates the Graph Store on db.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

func (r *WorkflowRepository) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	return r.db.WithContext(ctx).Create(wf).Error
}

// GetWorkflow returns workflow.ErrWorkflowNotFound for unknown ids.
func (r *WorkflowRepository) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&wf).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, workflow.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	return &wf, nil
}

// ListEnabledWorkflows returns every enabled workflow.
func (r *WorkflowRepository) ListEnabledWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	var workflows []*workflow.Workflow
	err := r.db.WithContext(ctx).Where("enabled = ?", true).Find(&workflows).Error
	return workflows, err
}

// Models lists every table the engine owns, for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&workflow.Workflow{},
		&workflow.Execution{},
		&workflow.NodeExecution{},
	}
}
