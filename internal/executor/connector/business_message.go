package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/relayflow-go/internal/domain/credential"
)

const defaultWhatsAppBaseURL = "https://graph.facebook.com/v20.0"

// BusinessMessageConnector sends a WhatsApp text message through the Graph
// API. Output is the decoded API response.
type BusinessMessageConnector struct {
	baseURL string
	client  *http.Client
}

// NewBusinessMessageConnector creates the connector. A nil client gets a
// default one with a 30s timeout.
func NewBusinessMessageConnector(baseURL string, client *http.Client) *BusinessMessageConnector {
	if baseURL == "" {
		baseURL = defaultWhatsAppBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &BusinessMessageConnector{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Spec requires phone and message. message can be bound from a prior output.
func (c *BusinessMessageConnector) Spec() FieldSpec {
	return FieldSpec{
		Required: []string{"phone", "message"},
		Bindable: []string{"message"},
	}
}

type whatsAppMessage struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

// Execute posts a text message to the WhatsApp Cloud API and returns the decoded reply.
func (c *BusinessMessageConnector) Execute(ctx context.Context, config, secret map[string]interface{}) (Result, error) {
	if err := requireConfig(config, "phone", "message"); err != nil {
		return Result{}, err
	}
	token, err := secretString(secret, credential.KeyAccessToken)
	if err != nil {
		return Result{}, err
	}
	accountID, err := secretString(secret, credential.KeyBusinessAccountID)
	if err != nil {
		return Result{}, err
	}

	payload := whatsAppMessage{MessagingProduct: "whatsapp", To: configString(config, "phone"), Type: "text"}
	payload.Text.Body = configString(config, "message")

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", c.baseURL, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("whatsapp: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("whatsapp: failed to read response: %v", err)
	}

	var decoded map[string]interface{}
	decodeErr := json.Unmarshal(raw, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fallback := resp.Status
		if decodeErr != nil && len(raw) > 0 {
			fallback = fmt.Sprintf("%s: %s", resp.Status, truncateBody(raw))
		}
		return Result{}, fmt.Errorf("whatsapp API error: %s", apiErrorMessage(decoded, fallback))
	}
	if decodeErr != nil {
		return Result{}, fmt.Errorf("whatsapp: invalid response %q: %v", truncateBody(raw), decodeErr)
	}
	if _, ok := decoded["messages"]; !ok {
		return Result{}, fmt.Errorf("whatsapp API error: %s", apiErrorMessage(decoded, "response has no messages"))
	}

	return Result{Output: decoded}, nil
}

const maxErrorBody = 200

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBody {
		return string(raw)
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	return strings.ToValidUTF8(string(raw[:cut]), "\uFFFD") + "..."
}

func apiErrorMessage(decoded map[string]interface{}, fallback string) string {
	if apiErr, ok := decoded["error"].(map[string]interface{}); ok {
		if msg, ok := apiErr["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return fallback
}
