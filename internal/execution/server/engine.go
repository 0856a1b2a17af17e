package server

import (
	"fmt"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace"

	credrepo "github.com/relayflow-go/internal/credential/adapters/db/repository"
	"github.com/relayflow-go/internal/credential/app/resolver"
	"github.com/relayflow-go/internal/credential/app/vault"
	"github.com/relayflow-go/internal/credential/ports"
	"github.com/relayflow-go/internal/domain/credential"
	execrepo "github.com/relayflow-go/internal/execution/adapters/db/repository"
	"github.com/relayflow-go/internal/execution/app/recorder"
	"github.com/relayflow-go/internal/execution/app/runner"
	"github.com/relayflow-go/internal/execution/app/service"
	"github.com/relayflow-go/internal/executor/connector"
	"github.com/relayflow-go/pkg/config"
	"github.com/relayflow-go/pkg/database"
	"github.com/relayflow-go/pkg/events"
	"github.com/relayflow-go/pkg/logger"
	"github.com/relayflow-go/pkg/resilience"
)

// Engine is the assembled execution core, independent of any transport.
type Engine struct {
	Workflows   *execrepo.WorkflowRepository
	Executions  *execrepo.ExecutionRepository
	Credentials *credrepo.CredentialRepository
	Vault       *vault.VaultManager
	Registry    *connector.Registry
	Runner      *runner.Runner
	Service     *service.ExecutionService
}

// Models lists every table the engine reads or writes.
func Models() []interface{} {
	return append(execrepo.Models(), &credential.Credential{})
}

// NewEngine wires stores, credential resolution, connectors and the runner
// from configuration. Status events go to publisher, run lifecycle events to
// eventBus.
func NewEngine(cfg *config.Config, db *database.DB, publisher events.Publisher, eventBus events.EventBus, tracer trace.Tracer, log logger.Logger) (*Engine, error) {
	ordering, err := runner.OrderingByName(cfg.Engine.Ordering)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Workflows:   execrepo.NewWorkflowRepository(db),
		Executions:  execrepo.NewExecutionRepository(db),
		Credentials: credrepo.NewCredentialRepository(db),
	}

	var secrets ports.Vault
	if cfg.Credentials.EncryptionKey != "" {
		e.Vault, err = vault.NewVaultManager(cfg.Credentials.EncryptionKey, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create credential vault: %w", err)
		}
		secrets = e.Vault
	}

	e.Registry = connector.NewDefaultRegistry(connector.Options{
		EmailFrom:           cfg.Connectors.Email.From,
		WhatsAppBaseURL:     cfg.Connectors.WhatsApp.BaseURL,
		WhatsAppTimeout:     cfg.Connectors.WhatsApp.Timeout,
		OpenAIModel:         cfg.Connectors.OpenAI.Model,
		OpenAIBaseURL:       cfg.Connectors.OpenAI.BaseURL,
		SolanaRPCURL:        cfg.Connectors.Solana.RPCURL,
		TelegramAPIEndpoint: cfg.Connectors.Telegram.APIEndpoint,
	}, log)

	opts := runner.Options{
		Ordering:          ordering,
		UnknownNodePolicy: cfg.Engine.UnknownNodePolicy,
		NodeTimeout:       cfg.Engine.NodeTimeout,
		Tracer:            tracer,
	}
	if cfg.Engine.CircuitBreaker.Enabled {
		breaker := cfg.Engine.CircuitBreaker.ToBreakerConfig()
		breaker.OnStateChange = func(name string, from, to gobreaker.State) {
			log.Warn("Connector circuit breaker changed state", "nodeType", name, "from", from.String(), "to", to.String())
		}
		opts.Breakers = resilience.NewCircuitBreakerRegistry(breaker)
	}

	e.Runner = runner.New(
		resolver.New(e.Credentials, secrets, log),
		recorder.New(e.Executions, log),
		e.Registry,
		publisher,
		log,
		opts,
	)
	e.Service = service.NewExecutionService(e.Workflows, e.Executions, e.Runner, eventBus, log)

	log.Info("Execution engine ready",
		"ordering", cfg.Engine.Ordering,
		"unknownNodePolicy", opts.UnknownNodePolicy,
		"nodeTimeout", opts.NodeTimeout,
		"circuitBreaker", cfg.Engine.CircuitBreaker.Enabled,
		"connectors", e.Registry.Types(),
	)
	return e, nil
}
