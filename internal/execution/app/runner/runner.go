package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/relayflow-go/internal/domain/workflow"
	"github.com/relayflow-go/internal/executor/connector"
	"github.com/relayflow-go/pkg/events"
	"github.com/relayflow-go/pkg/logger"
	"github.com/relayflow-go/pkg/metrics"
	"github.com/relayflow-go/pkg/resilience"
	"github.com/relayflow-go/pkg/telemetry"
)

const (
	PolicyFail = "fail"
	PolicySkip = "skip"
)

// CredentialResolver turns a credential id into its decrypted secret.
type CredentialResolver interface {
	Resolve(ctx context.Context, credentialID string) (map[string]interface{}, error)
}

// NodeRecorder persists one row per dispatched node.
type NodeRecorder interface {
	Create(ctx context.Context, runID, nodeID, nodeType string) (string, error)
	Update(ctx context.Context, recordID string, status workflow.NodeExecutionStatus, output interface{}, errMsg string, endedAt time.Time) error
}

// ConnectorRegistry maps a node type to its connector.
type ConnectorRegistry interface {
	Get(nodeType string) (connector.Connector, bool)
}

// Graph is the immutable input to one run.
type Graph struct {
	WorkflowID string
	Nodes      []workflow.Node
	Edges      []workflow.Edge
}

// Options tune a Runner. The zero value is usable.
type Options struct {
	Ordering          Ordering
	UnknownNodePolicy string
	// NodeTimeout bounds a single connector call. Zero disables it.
	NodeTimeout time.Duration
	// Breakers wraps connector calls in a per-node-type circuit breaker when set.
	Breakers *resilience.CircuitBreakerRegistry
	Tracer   trace.Tracer
}

// Runner walks the action nodes of a graph one at a time, recording and
// announcing every transition. It holds no per-run state.
type Runner struct {
	resolver  CredentialResolver
	recorder  NodeRecorder
	registry  ConnectorRegistry
	publisher events.Publisher
	logger    logger.Logger
	opts      Options
}

// New creates a Runner. Unset options fall back to array ordering, the fail
// policy and the global tracer.
func New(resolver CredentialResolver, recorder NodeRecorder, registry ConnectorRegistry, publisher events.Publisher, log logger.Logger, opts Options) *Runner {
	if opts.Ordering == nil {
		opts.Ordering = ArrayOrder{}
	}
	if opts.UnknownNodePolicy == "" {
		opts.UnknownNodePolicy = PolicyFail
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("relayflow/runner")
	}
	return &Runner{
		resolver:  resolver,
		recorder:  recorder,
		registry:  registry,
		publisher: publisher,
		logger:    log,
		opts:      opts,
	}
}

// run holds what lives for a single Run call.
type run struct {
	graph         Graph
	runID         string
	triggerNodeID string
	priorOutputs  []interface{}
	secrets       map[string]map[string]interface{}
	dispatched    int
}

// Run executes the graph's action nodes in order and stops at the first
// failure. It returns nil only when every action node succeeded.
func (r *Runner) Run(ctx context.Context, graph Graph, runID, triggerNodeID string) error {
	ctx, span := r.opts.Tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		telemetry.WorkflowIDAttribute(graph.WorkflowID),
		telemetry.ExecutionIDAttribute(runID),
	))
	defer span.End()

	actions := actionNodes(r.opts.Ordering.Order(graph.Nodes, graph.Edges))
	if len(actions) == 0 {
		r.logger.Debug("No action nodes to run", "executionId", runID)
		return nil
	}

	state := &run{
		graph:         graph,
		runID:         runID,
		triggerNodeID: triggerNodeID,
		secrets:       make(map[string]map[string]interface{}),
	}

	for _, node := range actions {
		if err := r.runNode(ctx, state, node); err != nil {
			telemetry.RecordError(span, err)
			r.logger.Error("Workflow run failed", "executionId", runID, "nodeId", node.ID, "nodeType", node.Type, "error", err)
			return err
		}
	}

	r.logger.Info("Workflow run completed", "executionId", runID, "nodes", len(actions))
	return nil
}

func (r *Runner) runNode(ctx context.Context, state *run, node workflow.Node) error {
	ctx, span := r.opts.Tracer.Start(ctx, "node.execute", trace.WithAttributes(
		telemetry.NodeIDAttribute(node.ID),
		telemetry.NodeTypeAttribute(node.Type),
	))
	defer span.End()

	conn, ok := r.registry.Get(node.Type)
	if !ok {
		if r.opts.UnknownNodePolicy == PolicySkip {
			return r.skipNode(ctx, state, node)
		}
		return workflow.NewUnknownNodeTypeError(node.ID, node.Type)
	}

	config, err := bindConfig(node, conn.Spec(), state.priorOutputs)
	if err != nil {
		return err
	}

	secret, err := r.credential(ctx, state, node.CredentialID())
	if err != nil {
		return err
	}

	recordID, err := r.begin(ctx, state, node)
	if err != nil {
		return err
	}

	started := time.Now()
	output, callErr := r.invoke(ctx, conn, node.Type, config, secret)
	metrics.RecordNodeExecution(node.Type, nodeStatus(callErr), time.Since(started).Seconds())

	if callErr != nil {
		telemetry.RecordError(span, callErr)
		return r.fail(ctx, state, node, recordID, callErr)
	}
	return r.succeed(ctx, state, node, recordID, output)
}

// begin writes the RUNNING row and announces it. The trigger's SUCCESS goes
// out just before the first node's RUNNING.
func (r *Runner) begin(ctx context.Context, state *run, node workflow.Node) (string, error) {
	recordID, err := r.recorder.Create(ctx, state.runID, node.ID, node.Type)
	if err != nil {
		return "", err
	}

	if state.dispatched == 0 && state.triggerNodeID != "" {
		r.publish(state, state.triggerNodeID, string(workflow.NodeExecutionSuccess), "")
	}
	state.dispatched++

	r.publish(state, node.ID, string(workflow.NodeExecutionRunning), "")
	return recordID, nil
}

func (r *Runner) succeed(ctx context.Context, state *run, node workflow.Node, recordID string, output interface{}) error {
	if err := r.recorder.Update(ctx, recordID, workflow.NodeExecutionSuccess, output, "", time.Now()); err != nil {
		r.publish(state, node.ID, string(workflow.NodeExecutionFailed), err.Error())
		return err
	}
	r.publish(state, node.ID, string(workflow.NodeExecutionSuccess), "")

	if output != nil {
		state.priorOutputs = append(state.priorOutputs, output)
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, state *run, node workflow.Node, recordID string, callErr error) error {
	recErr := r.recorder.Update(ctx, recordID, workflow.NodeExecutionFailed, nil, callErr.Error(), time.Now())
	r.publish(state, node.ID, string(workflow.NodeExecutionFailed), callErr.Error())
	if recErr != nil {
		return errors.Join(callErr, recErr)
	}
	return callErr
}

// skipNode records an unregistered node as a no-op success.
func (r *Runner) skipNode(ctx context.Context, state *run, node workflow.Node) error {
	r.logger.Warn("Skipping node with unknown type", "executionId", state.runID, "nodeId", node.ID, "nodeType", node.Type)

	recordID, err := r.begin(ctx, state, node)
	if err != nil {
		return err
	}
	return r.succeed(ctx, state, node, recordID, nil)
}

// credential resolves a reference once per run.
func (r *Runner) credential(ctx context.Context, state *run, credentialID string) (map[string]interface{}, error) {
	if secret, ok := state.secrets[credentialID]; ok {
		return secret, nil
	}
	secret, err := r.resolver.Resolve(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	state.secrets[credentialID] = secret
	return secret, nil
}

// invoke calls the connector with panic recovery, the optional timeout and
// the optional circuit breaker. Every failure comes back as *ConnectorError.
func (r *Runner) invoke(ctx context.Context, conn connector.Connector, nodeType string, config, secret map[string]interface{}) (interface{}, error) {
	call := func(ctx context.Context) (interface{}, error) {
		return r.callWithTimeout(ctx, conn, nodeType, config, secret)
	}

	var (
		output interface{}
		err    error
	)
	if r.opts.Breakers != nil {
		output, err = r.opts.Breakers.Get(nodeType).Execute(ctx, call)
	} else {
		output, err = call(ctx)
	}

	if err != nil {
		var connErr *workflow.ConnectorError
		if errors.As(err, &connErr) {
			return nil, connErr
		}
		return nil, workflow.NewConnectorError(nodeType, err)
	}
	return output, nil
}

type callResult struct {
	output interface{}
	err    error
}

func (r *Runner) callWithTimeout(ctx context.Context, conn connector.Connector, nodeType string, config, secret map[string]interface{}) (interface{}, error) {
	if r.opts.NodeTimeout <= 0 {
		return safeExecute(ctx, conn, nodeType, config, secret)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.NodeTimeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		output, err := safeExecute(ctx, conn, nodeType, config, secret)
		done <- callResult{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, workflow.NewConnectorError(nodeType, fmt.Errorf("%s timed out after %s", nodeType, r.opts.NodeTimeout))
		}
		return nil, workflow.NewConnectorError(nodeType, ctx.Err())
	}
}

func safeExecute(ctx context.Context, conn connector.Connector, nodeType string, config, secret map[string]interface{}) (output interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			output = nil
			err = workflow.NewConnectorError(nodeType, fmt.Errorf("%s connector panicked: %v", nodeType, p))
		}
	}()

	res, err := conn.Execute(ctx, config, secret)
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

func (r *Runner) publish(state *run, nodeID, status, errMsg string) {
	r.publisher.Publish(events.StatusEvent{
		RunID:      state.runID,
		WorkflowID: state.graph.WorkflowID,
		NodeID:     nodeID,
		Status:     status,
		Timestamp:  time.Now().UTC(),
		Error:      errMsg,
	})
}

func nodeStatus(err error) string {
	if err != nil {
		return strings.ToLower(string(workflow.NodeExecutionFailed))
	}
	return strings.ToLower(string(workflow.NodeExecutionSuccess))
}
