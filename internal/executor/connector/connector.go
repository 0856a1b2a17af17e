// Package connector holds the capability table that maps a node type to the
// external integration that performs its side effect.
package connector

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relayflow-go/pkg/logger"
)

// Capability names. Each connector is also registered under the editor's
// provider name (resend, telegram, ...).
const (
	SendEmail           = "send-email"
	SendChatMessage     = "send-chat-message"
	SendBusinessMessage = "send-business-message"
	CompletePrompt      = "complete-prompt"
	TransferValue       = "transfer-value"
)

// Result is what a connector call produced. Output may be nil.
type Result struct {
	Output interface{}
}

// FieldSpec declares the config fields a connector needs. Bindable fields may
// be filled from the previous node's output when left empty.
type FieldSpec struct {
	Required []string
	Bindable []string
}

// IsBindable reports whether field may be filled from an earlier output.
func (s FieldSpec) IsBindable(field string) bool {
	for _, f := range s.Bindable {
		if f == field {
			return true
		}
	}
	return false
}

// Connector performs one external side effect. Errors must carry a single
// readable message; the runner stores it on the node execution as-is.
type Connector interface {
	Execute(ctx context.Context, config, secret map[string]interface{}) (Result, error)
	Spec() FieldSpec
}

// Registry maps node types to connectors.
type Registry struct {
	connectors map[string]Connector
	mu         sync.RWMutex
	logger     logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		connectors: make(map[string]Connector),
		logger:     log,
	}
}

// Register adds a connector under one or more node types.
func (r *Registry) Register(c Connector, nodeTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range nodeTypes {
		r.connectors[t] = c
	}
}

// Get returns the connector registered for nodeType.
func (r *Registry) Get(nodeType string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[nodeType]
	return c, ok
}

// Types returns every registered node type, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.connectors))
	for t := range r.connectors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Options configures the built-in connectors.
type Options struct {
	EmailFrom           string
	WhatsAppBaseURL     string
	WhatsAppTimeout     time.Duration
	OpenAIModel         string
	OpenAIBaseURL       string
	SolanaRPCURL        string
	TelegramAPIEndpoint string
}

// NewDefaultRegistry registers the five built-in connectors under their
// capability names and provider aliases.
func NewDefaultRegistry(opts Options, log logger.Logger) *Registry {
	r := NewRegistry(log)
	r.Register(NewEmailConnector(opts.EmailFrom), SendEmail, "resend")
	r.Register(NewChatConnector(opts.TelegramAPIEndpoint), SendChatMessage, "telegram")
	var httpClient *http.Client
	if opts.WhatsAppTimeout > 0 {
		httpClient = &http.Client{Timeout: opts.WhatsAppTimeout}
	}
	r.Register(NewBusinessMessageConnector(opts.WhatsAppBaseURL, httpClient), SendBusinessMessage, "whatsapp")
	r.Register(NewPromptConnector(opts.OpenAIModel, opts.OpenAIBaseURL), CompletePrompt, "openai")
	r.Register(NewTransferConnector(opts.SolanaRPCURL), TransferValue, "solana")
	return r
}

// StringValue renders a config value as text. Numbers keep their shortest
// form so chat ids and amounts survive a JSON round trip.
func StringValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func configString(config map[string]interface{}, key string) string {
	if config == nil {
		return ""
	}
	return StringValue(config[key])
}

func requireConfig(config map[string]interface{}, keys ...string) error {
	for _, key := range keys {
		if configString(config, key) == "" {
			return fmt.Errorf("%s is required", key)
		}
	}
	return nil
}

func secretString(secret map[string]interface{}, key string) (string, error) {
	v, _ := secret[key].(string)
	if v == "" {
		return "", fmt.Errorf("credential is missing %s", key)
	}
	return v, nil
}
