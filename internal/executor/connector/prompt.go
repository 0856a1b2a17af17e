package connector

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/relayflow-go/internal/domain/credential"
)

const defaultOpenAIModel = "gpt-4o-mini"

// ModelFactory builds an LLM client for one call.
type ModelFactory func(apiKey, model string) (llms.Model, error)

// PromptConnector sends a single prompt to an OpenAI model. Output is the
// completion text.
type PromptConnector struct {
	model    string
	newModel ModelFactory
}

// NewPromptConnector creates an OpenAI connector. The API key comes from the
// credential at call time.
func NewPromptConnector(model, baseURL string) *PromptConnector {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &PromptConnector{
		model: model,
		newModel: func(apiKey, model string) (llms.Model, error) {
			opts := []openai.Option{openai.WithToken(apiKey), openai.WithModel(model)}
			if baseURL != "" {
				opts = append(opts, openai.WithBaseURL(baseURL))
			}
			return openai.New(opts...)
		},
	}
}

// NewPromptConnectorWithFactory is used when the caller owns model creation.
func NewPromptConnectorWithFactory(model string, factory ModelFactory) *PromptConnector {
	c := NewPromptConnector(model, "")
	c.newModel = factory
	return c
}

// Spec requires prompt, which can be bound from a prior output.
func (c *PromptConnector) Spec() FieldSpec {
	return FieldSpec{
		Required: []string{"prompt"},
		Bindable: []string{"prompt"},
	}
}

// Execute sends prompt to the model and returns the completion text.
func (c *PromptConnector) Execute(ctx context.Context, config, secret map[string]interface{}) (Result, error) {
	if err := requireConfig(config, "prompt"); err != nil {
		return Result{}, err
	}
	apiKey, err := secretString(secret, credential.KeyAPIKey)
	if err != nil {
		return Result{}, err
	}

	modelName := configString(config, "model")
	if modelName == "" {
		modelName = c.model
	}

	model, err := c.newModel(apiKey, modelName)
	if err != nil {
		return Result{}, fmt.Errorf("openai: %v", err)
	}

	completion, err := llms.GenerateFromSinglePrompt(ctx, model, configString(config, "prompt"))
	if err != nil {
		return Result{}, fmt.Errorf("openai: %v", err)
	}

	return Result{Output: completion}, nil
}
