package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayflow-go/internal/domain/credential"
	"github.com/relayflow-go/internal/domain/workflow"
	"github.com/relayflow-go/internal/execution/adapters/http/handlers"
	"github.com/relayflow-go/pkg/config"
	"github.com/relayflow-go/pkg/database"
	"github.com/relayflow-go/pkg/events"
	"github.com/relayflow-go/pkg/logger"
	"github.com/relayflow-go/pkg/middleware/auth"
	"github.com/relayflow-go/pkg/ratelimit"
)

type testEnv struct {
	router *gin.Engine
	engine *Engine
	jwt    *auth.JWTMiddleware
	bus    *events.Bus
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	gin.SetMode(gin.TestMode)

	db, err := database.New(database.Config{Driver: "sqlite", Name: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(Models()...))

	log := logger.NewNop()
	bus := events.NewBus()
	engine, err := NewEngine(cfg, db, bus, events.NopEventBus{}, nil, log)
	require.NoError(t, err)

	jwt := auth.NewJWTMiddleware("test-secret", "relayflow-test", nil)
	h := handlers.NewExecutionHandlers(engine.Service, bus, log, db.Ping)
	router := NewRouter(h, RouterOptions{
		Auth:           jwt.Handle(),
		WebhookLimiter: ratelimit.NewKeyedTokenBucket(0.001, 2),
		Logger:         log,
	})

	return &testEnv{router: router, engine: engine, jwt: jwt, bus: bus}
}

func defaultConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Engine.Ordering = "array"
	cfg.Engine.UnknownNodePolicy = "fail"
	return cfg
}

func (e *testEnv) saveWorkflow(t *testing.T, userID string, nodes ...workflow.Node) *workflow.Workflow {
	flow := workflow.Flow{Nodes: append([]workflow.Node{{ID: "trigger", Kind: workflow.KindTrigger, Type: "webhook"}}, nodes...)}
	wf := workflow.NewWorkflow("Nightly digest", userID, flow)
	require.NoError(t, e.engine.Workflows.CreateWorkflow(context.Background(), wf))
	return wf
}

func (e *testEnv) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	env := newTestEnv(t, defaultConfig())

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health/live", "", "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health/ready", "", "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/metrics", "", "").Code)
}

func TestRouter_ManualTrigger(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	wf := env.saveWorkflow(t, "user-1")

	w := env.do(http.MethodPost, "/api/v1/executions", "", `{"workflowId":"`+wf.ID+`"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := env.jwt.IssueToken("user-1", time.Hour)
	require.NoError(t, err)
	w = env.do(http.MethodPost, "/api/v1/executions", token, `{"workflowId":"`+wf.ID+`"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	executionID := body["executionId"].(string)

	w = env.do(http.MethodGet, "/api/v1/executions/"+executionID, token, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"SUCCESS"`)

	other, err := env.jwt.IssueToken("user-2", time.Hour)
	require.NoError(t, err)
	w = env.do(http.MethodPost, "/api/v1/executions", other, `{"workflowId":"`+wf.ID+`"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_WebhookFailureAndRateLimit(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	wf := env.saveWorkflow(t, "user-1", workflow.Node{
		ID:     "mail",
		Kind:   workflow.KindAction,
		Type:   "resend",
		Config: map[string]interface{}{"to": "ops@x.io", "subject": "s", "body": "b", "credential": "missing"},
	})

	w := env.do(http.MethodPost, "/api/v1/webhooks/"+wf.ID, "", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "credential not found: missing")

	w = env.do(http.MethodPost, "/api/v1/webhooks/"+wf.ID, "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = env.do(http.MethodPost, "/api/v1/webhooks/"+wf.ID, "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = env.do(http.MethodPost, "/api/v1/webhooks/unknown", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_WebhookSkipPolicy(t *testing.T) {
	cfg := defaultConfig()
	cfg.Engine.UnknownNodePolicy = "skip"
	env := newTestEnv(t, cfg)
	wf := env.saveWorkflow(t, "user-1", workflow.Node{ID: "agent", Kind: workflow.KindAction, Type: "agent"})

	ch, unsubscribe := env.bus.Subscribe(context.Background())
	defer unsubscribe()

	w := env.do(http.MethodPost, "/api/v1/webhooks/"+wf.ID, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"workflowName":"Nightly digest"`)

	var statuses []string
	for i := 0; i < 3; i++ {
		e := <-ch
		statuses = append(statuses, e.NodeID+":"+e.Status)
	}
	assert.Equal(t, []string{"trigger:SUCCESS", "agent:RUNNING", "agent:SUCCESS"}, statuses)
}

func TestNewEngine_EncryptedCredential(t *testing.T) {
	cfg := defaultConfig()
	cfg.Credentials.EncryptionKey = "0123456789abcdef0123456789abcdef"
	env := newTestEnv(t, cfg)
	require.NotNil(t, env.engine.Vault)

	cred := credential.NewCredential("ops mail", credential.ApplicationResend, "user-1", map[string]interface{}{"apikey": "re_123"})
	require.NoError(t, env.engine.Vault.EncryptCredential(context.Background(), cred))
	require.NoError(t, env.engine.Credentials.CreateCredential(context.Background(), cred))

	stored, err := env.engine.Credentials.GetCredential(context.Background(), cred.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsEncrypted())
	assert.NotEqual(t, "re_123", stored.Data["apikey"])

	assert.ElementsMatch(t, []string{
		"send-email", "resend", "send-chat-message", "telegram", "send-business-message",
		"whatsapp", "complete-prompt", "openai", "transfer-value", "solana",
	}, env.engine.Registry.Types())
}

func TestNewEngine_RejectsUnknownOrdering(t *testing.T) {
	cfg := defaultConfig()
	cfg.Engine.Ordering = "random"

	db, err := database.New(database.Config{Driver: "sqlite", Name: ":memory:"})
	require.NoError(t, err)
	defer db.Close()

	_, err = NewEngine(cfg, db, events.NewBus(), events.NopEventBus{}, nil, logger.NewNop())
	assert.Error(t, err)
}
