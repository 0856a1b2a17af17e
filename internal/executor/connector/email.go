package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"

	"github.com/relayflow-go/internal/domain/credential"
)

const defaultEmailFrom = "onboarding@resend.dev"

// MailClient is the part of the Resend emails service the connector uses.
type MailClient interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// EmailConnector sends a plain-text email through Resend. Output is the
// provider message id.
type EmailConnector struct {
	from      string
	newClient func(apiKey string) MailClient
}

// NewEmailConnector creates a Resend connector sending as from.
func NewEmailConnector(from string) *EmailConnector {
	if from == "" {
		from = defaultEmailFrom
	}
	return &EmailConnector{
		from: from,
		newClient: func(apiKey string) MailClient {
			return resend.NewClient(apiKey).Emails
		},
	}
}

// Spec requires to, subject and body. subject and body can be bound.
func (c *EmailConnector) Spec() FieldSpec {
	return FieldSpec{
		Required: []string{"to", "subject", "body"},
		Bindable: []string{"subject", "body"},
	}
}

// Execute sends the email through Resend and returns the provider message id.
func (c *EmailConnector) Execute(ctx context.Context, config, secret map[string]interface{}) (Result, error) {
	if err := requireConfig(config, "to", "subject", "body"); err != nil {
		return Result{}, err
	}
	apiKey, err := secretString(secret, credential.KeyAPIKey)
	if err != nil {
		return Result{}, err
	}

	resp, err := c.newClient(apiKey).SendWithContext(ctx, &resend.SendEmailRequest{
		From:    c.from,
		To:      recipients(config["to"]),
		Subject: configString(config, "subject"),
		Text:    configString(config, "body"),
	})
	if err != nil {
		return Result{}, fmt.Errorf("resend: %v", err)
	}
	if resp == nil || resp.Id == "" {
		return Result{}, fmt.Errorf("resend: no message id returned")
	}

	return Result{Output: resp.Id}, nil
}

// recipients accepts a single address, a comma separated list or a JSON array.
func recipients(v interface{}) []string {
	var raw []string
	switch t := v.(type) {
	case []interface{}:
		for _, item := range t {
			raw = append(raw, StringValue(item))
		}
	case []string:
		raw = t
	default:
		raw = strings.Split(StringValue(v), ",")
	}

	out := make([]string, 0, len(raw))
	for _, addr := range raw {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
