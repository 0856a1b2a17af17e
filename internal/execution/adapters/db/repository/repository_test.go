package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/relayflow-go/internal/domain/workflow"
	"github.com/relayflow-go/pkg/database"
)

func setupTestDB(t *testing.T) *database.DB {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, gormDB.AutoMigrate(Models()...))
	return &database.DB{DB: gormDB}
}

func TestExecutionRepository_CreateAndGet(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()

	execution := workflow.NewExecution(uuid.New().String(), workflow.TriggerManual)
	require.NoError(t, repo.Create(ctx, execution))

	got, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.WorkflowID, got.WorkflowID)
	assert.Equal(t, workflow.ExecutionPending, got.Status)
	assert.Equal(t, workflow.TriggerManual, got.Trigger)
	assert.Empty(t, got.NodeExecutions)
}

func TestExecutionRepository_GetByID_NotFound(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))

	_, err := repo.GetByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, workflow.ErrExecutionNotFound))
}

func TestExecutionRepository_Finish(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()

	execution := workflow.NewExecution("wf-1", workflow.TriggerWebhook)
	require.NoError(t, repo.Create(ctx, execution))

	execution.Finish(errors.New("credential not found: c1"))
	require.NoError(t, repo.Update(ctx, execution))

	got, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionFailed, got.Status)
	assert.Equal(t, "credential not found: c1", got.Error)
	require.NotNil(t, got.EndedAt)
}

func TestExecutionRepository_NodeExecutions(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()

	execution := workflow.NewExecution("wf-1", workflow.TriggerManual)
	require.NoError(t, repo.Create(ctx, execution))

	started := time.Now().UTC()
	first := &workflow.NodeExecution{ID: uuid.New().String(), ExecutionID: execution.ID, NodeID: "n1", NodeType: "resend", Status: workflow.NodeExecutionRunning, StartedAt: started}
	second := &workflow.NodeExecution{ID: uuid.New().String(), ExecutionID: execution.ID, NodeID: "n2", NodeType: "telegram", Status: workflow.NodeExecutionRunning, StartedAt: started.Add(time.Millisecond)}
	require.NoError(t, repo.CreateNodeExecution(ctx, first))
	require.NoError(t, repo.CreateNodeExecution(ctx, second))

	require.NoError(t, repo.FinishNodeExecution(ctx, first.ID, workflow.NodeExecutionSuccess, "msg_1", "", time.Now().UTC()))
	require.NoError(t, repo.FinishNodeExecution(ctx, second.ID, workflow.NodeExecutionFailed, nil, "chat not found", time.Now().UTC()))

	nodes, err := repo.ListNodeExecutions(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1", nodes[0].NodeID)
	assert.Equal(t, workflow.NodeExecutionSuccess, nodes[0].Status)
	assert.Equal(t, "msg_1", nodes[0].Output)
	assert.NotNil(t, nodes[0].EndedAt)
	assert.Equal(t, workflow.NodeExecutionFailed, nodes[1].Status)
	assert.Equal(t, "chat not found", nodes[1].Error)
	assert.Nil(t, nodes[1].Output)

	got, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Len(t, got.NodeExecutions, 2)

	err = repo.FinishNodeExecution(ctx, "missing", workflow.NodeExecutionSuccess, nil, "", time.Now())
	assert.Error(t, err)
}

func TestExecutionRepository_ListByWorkflow(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := workflow.NewExecution("wf-1", workflow.TriggerSchedule)
		e.StartedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.Create(ctx, e))
	}
	require.NoError(t, repo.Create(ctx, workflow.NewExecution("wf-2", workflow.TriggerManual)))

	page := &database.Pagination{Limit: 2, Page: 1}
	list, err := repo.ListByWorkflow(ctx, "wf-1", page)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 2, page.Pages)
	assert.True(t, list[0].StartedAt.After(list[1].StartedAt))
}

func TestWorkflowRepository(t *testing.T) {
	repo := NewWorkflowRepository(setupTestDB(t))
	ctx := context.Background()

	flow := workflow.Flow{Nodes: []workflow.Node{
		{ID: "t", Kind: workflow.KindTrigger, Type: "manual", Config: map[string]interface{}{"cron": "0 * * * * *"}},
		{ID: "a", Kind: workflow.KindAction, Type: "resend", Config: map[string]interface{}{"to": "a@x.io"}},
	}}
	enabled := workflow.NewWorkflow("digest", "user-1", flow)
	disabled := workflow.NewWorkflow("off", "user-1", flow)
	disabled.Enabled = false
	require.NoError(t, repo.CreateWorkflow(ctx, enabled))
	require.NoError(t, repo.CreateWorkflow(ctx, disabled))

	got, err := repo.GetWorkflow(ctx, enabled.ID)
	require.NoError(t, err)
	require.Len(t, got.Flow.Nodes, 2)
	assert.Equal(t, workflow.KindTrigger, got.Flow.Nodes[0].Kind)
	assert.Equal(t, "0 * * * * *", got.CronExpression())

	list, err := repo.ListEnabledWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, enabled.ID, list[0].ID)

	_, err = repo.GetWorkflow(ctx, "missing")
	assert.True(t, errors.Is(err, workflow.ErrWorkflowNotFound))
}
