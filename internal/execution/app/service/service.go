package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relayflow-go/internal/domain/workflow"
	"github.com/relayflow-go/internal/execution/app/runner"
	"github.com/relayflow-go/internal/execution/ports"
	"github.com/relayflow-go/pkg/database"
	"github.com/relayflow-go/pkg/events"
	"github.com/relayflow-go/pkg/logger"
	"github.com/relayflow-go/pkg/metrics"
)

// WorkflowRunner runs a graph under an existing run id.
type WorkflowRunner interface {
	Run(ctx context.Context, graph runner.Graph, runID, triggerNodeID string) error
}

// TriggerRequest asks for one run of a stored workflow.
type TriggerRequest struct {
	WorkflowID string
	// UserID restricts the trigger to the workflow's owner. Empty skips the check.
	UserID string
	Source workflow.TriggerSource
}

// ExecutionService owns the run record around a runner call: it creates the
// run, hands the graph to the runner and persists the terminal status.
type ExecutionService struct {
	workflows  ports.WorkflowRepository
	executions ports.ExecutionRepository
	runner     WorkflowRunner
	eventBus   events.EventBus
	logger     logger.Logger
}

// NewExecutionService creates the service. A nil eventBus drops lifecycle events.
func NewExecutionService(
	workflows ports.WorkflowRepository,
	executions ports.ExecutionRepository,
	runner WorkflowRunner,
	eventBus events.EventBus,
	log logger.Logger,
) *ExecutionService {
	if eventBus == nil {
		eventBus = events.NopEventBus{}
	}
	return &ExecutionService{
		workflows:  workflows,
		executions: executions,
		runner:     runner,
		eventBus:   eventBus,
		logger:     log,
	}
}

// ExecuteWorkflow runs flow under an existing run id. The run record itself is
// left to the caller.
func (s *ExecutionService) ExecuteWorkflow(ctx context.Context, workflowID string, flow workflow.Flow, runID, triggerNodeID string) error {
	return s.runner.Run(ctx, graphOf(workflowID, flow), runID, triggerNodeID)
}

func graphOf(workflowID string, flow workflow.Flow) runner.Graph {
	return runner.Graph{WorkflowID: workflowID, Nodes: flow.Nodes, Edges: flow.Edges}
}

// Trigger loads the workflow, creates its run and executes it synchronously.
// The returned execution is non-nil once the run record exists, including
// when the run itself failed.
func (s *ExecutionService) Trigger(ctx context.Context, req TriggerRequest) (*workflow.Execution, error) {
	wf, err := s.workflows.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			return nil, workflow.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	if req.UserID != "" && wf.UserID != req.UserID {
		return nil, workflow.ErrWorkflowNotFound
	}
	if !wf.Enabled {
		return nil, workflow.ErrWorkflowDisabled
	}

	source := req.Source
	if source == "" {
		source = workflow.TriggerManual
	}

	execution := workflow.NewExecution(wf.ID, source)
	execution.WorkflowName = wf.Name
	if err := s.executions.Create(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	execution.Status = workflow.ExecutionRunning
	if err := s.executions.Update(ctx, execution); err != nil {
		startErr := fmt.Errorf("failed to start execution: %w", err)
		execution.Finish(startErr)
		if err := s.executions.Update(context.WithoutCancel(ctx), execution); err != nil {
			s.logger.Error("Failed to persist execution status", "executionId", execution.ID, "status", execution.Status, "error", err)
			return execution, errors.Join(startErr, err)
		}
		return execution, startErr
	}

	s.logger.Info("Execution started", "executionId", execution.ID, "workflowId", wf.ID, "trigger", source)
	s.publish(ctx, events.ExecutionStarted, wf, execution)

	triggerNodeID := ""
	if node, ok := wf.Flow.TriggerNode(); ok {
		triggerNodeID = node.ID
	}

	metrics.WorkflowsRunning.Inc()
	runErr := s.runner.Run(ctx, graphOf(wf.ID, wf.Flow), execution.ID, triggerNodeID)
	metrics.WorkflowsRunning.Dec()

	execution.Finish(runErr)
	metrics.RecordWorkflowExecution(strings.ToLower(string(execution.Status)), string(source), execution.Duration().Seconds())

	// the run's own context may already be gone; the terminal status must still land
	if err := s.executions.Update(context.WithoutCancel(ctx), execution); err != nil {
		s.logger.Error("Failed to persist execution status", "executionId", execution.ID, "status", execution.Status, "error", err)
		if runErr != nil {
			return execution, errors.Join(runErr, err)
		}
		return execution, fmt.Errorf("failed to finish execution: %w", err)
	}

	if runErr != nil {
		s.logger.Warn("Execution failed", "executionId", execution.ID, "workflowId", wf.ID, "error", runErr)
		s.publish(ctx, events.ExecutionFailed, wf, execution)
		return execution, runErr
	}

	s.logger.Info("Execution completed", "executionId", execution.ID, "workflowId", wf.ID, "duration", execution.Duration())
	s.publish(ctx, events.ExecutionCompleted, wf, execution)
	return execution, nil
}

// GetExecution returns a run with its node executions.
func (s *ExecutionService) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	return s.executions.GetByID(ctx, id)
}

func (s *ExecutionService) publish(ctx context.Context, eventType string, wf *workflow.Workflow, execution *workflow.Execution) {
	event := events.NewEventBuilder(eventType).
		WithAggregateID(wf.ID).
		WithAggregateType("workflow").
		WithUserID(wf.UserID).
		WithCorrelationID(execution.ID).
		WithPayload("executionId", execution.ID).
		WithPayload("status", string(execution.Status)).
		WithPayload("trigger", string(execution.Trigger)).
		WithPayload("error", execution.Error).
		Build()

	if err := s.eventBus.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("Failed to publish execution event", "type", eventType, "executionId", execution.ID, "error", err)
	}
}

// ListExecutions returns one page of a workflow's runs, newest first.
func (s *ExecutionService) ListExecutions(ctx context.Context, workflowID string, page *database.Pagination) ([]workflow.Execution, error) {
	return s.executions.ListByWorkflow(ctx, workflowID, page)
}
