package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/relayflow-go/internal/domain/workflow"
	"github.com/relayflow-go/internal/execution/app/service"
	"github.com/relayflow-go/pkg/database"
	"github.com/relayflow-go/pkg/events"
	"github.com/relayflow-go/pkg/logger"
	"github.com/relayflow-go/pkg/middleware/auth"
)

// ExecutionService is what the handlers need from the service layer.
type ExecutionService interface {
	Trigger(ctx context.Context, req service.TriggerRequest) (*workflow.Execution, error)
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	ListExecutions(ctx context.Context, workflowID string, page *database.Pagination) ([]workflow.Execution, error)
}

// StatusStream is the live status feed; *events.Bus satisfies it.
type StatusStream interface {
	Subscribe(ctx context.Context) (<-chan events.StatusEvent, func())
}

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// ExecutionHandlers serves the execution HTTP and WebSocket API.
type ExecutionHandlers struct {
	service ExecutionService
	stream  StatusStream
	ready   []ReadinessCheck
	logger  logger.Logger
}

// NewExecutionHandlers wires the handlers. checks run on every /ready call.
func NewExecutionHandlers(svc ExecutionService, stream StatusStream, log logger.Logger, checks ...ReadinessCheck) *ExecutionHandlers {
	return &ExecutionHandlers{
		service: svc,
		stream:  stream,
		ready:   checks,
		logger:  log,
	}
}

// Health always answers 200 while the process is up.
func (h *ExecutionHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Ready answers 503 if any readiness check fails.
func (h *ExecutionHandlers) Ready(c *gin.Context) {
	for _, check := range h.ready {
		if err := check(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type startExecutionRequest struct {
	WorkflowID string `json:"workflowId" binding:"required"`
}

// StartExecution runs one of the caller's workflows and answers once the run
// has finished.
func (h *ExecutionHandlers) StartExecution(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
		return
	}

	var req startExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "workflowId is required"})
		return
	}

	execution, err := h.service.Trigger(c.Request.Context(), service.TriggerRequest{
		WorkflowID: req.WorkflowID,
		UserID:     userID,
		Source:     workflow.TriggerManual,
	})
	switch {
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Workflow not found"})
	case errors.Is(err, workflow.ErrWorkflowDisabled):
		c.JSON(http.StatusNonAuthoritativeInfo, gin.H{"success": false, "message": "Workflow is not enabled"})
	case err != nil:
		h.logger.Error("Workflow execution failed", "workflowId", req.WorkflowID, "error", err)
		c.JSON(http.StatusInternalServerError, failure(err, execution))
	default:
		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"message":     "Workflow executed successfully",
			"executionId": execution.ID,
		})
	}
}

// Webhook is the unauthenticated inbound hook.
func (h *ExecutionHandlers) Webhook(c *gin.Context) {
	workflowID := c.Param("workflowId")

	execution, err := h.service.Trigger(c.Request.Context(), service.TriggerRequest{
		WorkflowID: workflowID,
		Source:     workflow.TriggerWebhook,
	})
	switch {
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Workflow not found"})
	case errors.Is(err, workflow.ErrWorkflowDisabled):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Workflow is not enabled"})
	case err != nil:
		h.logger.Error("Webhook execution failed", "workflowId", workflowID, "error", err)
		c.JSON(http.StatusInternalServerError, failure(err, execution))
	default:
		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"message":      "Webhook received and workflow executed successfully",
			"workflowName": execution.WorkflowName,
			"executionId":  execution.ID,
		})
	}
}

func failure(err error, execution *workflow.Execution) gin.H {
	body := gin.H{"success": false, "message": err.Error()}
	if execution != nil {
		body["executionId"] = execution.ID
	}
	return body
}

// GetExecution returns a run with its node executions.
func (h *ExecutionHandlers) GetExecution(c *gin.Context) {
	execution, err := h.service.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Execution not found"})
			return
		}
		h.logger.Error("Failed to get execution", "executionId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Error while getting execution"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "execution": execution})
}

// ListExecutions pages through the runs of one workflow.
func (h *ExecutionHandlers) ListExecutions(c *gin.Context) {
	page := &database.Pagination{
		Page:  queryInt(c, "page", 1),
		Limit: queryInt(c, "limit", 20),
	}

	executions, err := h.service.ListExecutions(c.Request.Context(), c.Param("workflowId"), page)
	if err != nil {
		h.logger.Error("Failed to list executions", "workflowId", c.Param("workflowId"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Error while listing executions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"executions": executions,
		"total":      page.Total,
		"page":       page.Page,
		"pages":      page.Pages,
	})
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}
