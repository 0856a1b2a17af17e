package connector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relayflow-go/internal/domain/credential"
)

// ChatClient is the part of the Telegram bot API the connector uses.
type ChatClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// ChatConnector posts a message as a Telegram bot. chatId is either a numeric
// chat id or an @channel username. Output is the sent message.
type ChatConnector struct {
	newClient func(token string) (ChatClient, error)
}

// NewChatConnector creates a Telegram connector. An empty apiEndpoint uses the
// public Bot API.
func NewChatConnector(apiEndpoint string) *ChatConnector {
	if apiEndpoint == "" {
		apiEndpoint = tgbotapi.APIEndpoint
	}
	return &ChatConnector{
		newClient: func(token string) (ChatClient, error) {
			return tgbotapi.NewBotAPIWithAPIEndpoint(token, apiEndpoint)
		},
	}
}

// Spec requires chatId and message. message can be bound from a prior output.
func (c *ChatConnector) Spec() FieldSpec {
	return FieldSpec{
		Required: []string{"chatId", "message"},
		Bindable: []string{"message"},
	}
}

// Execute sends message to the Telegram chat and returns the sent message.
func (c *ChatConnector) Execute(ctx context.Context, config, secret map[string]interface{}) (Result, error) {
	if err := requireConfig(config, "chatId", "message"); err != nil {
		return Result{}, err
	}
	token, err := secretString(secret, credential.KeyAPIKey)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	bot, err := c.newClient(token)
	if err != nil {
		return Result{}, fmt.Errorf("telegram: %v", err)
	}

	chatID := configString(config, "chatId")
	text := configString(config, "message")

	var msg tgbotapi.MessageConfig
	if id, convErr := strconv.ParseInt(chatID, 10, 64); convErr == nil {
		msg = tgbotapi.NewMessage(id, text)
	} else {
		if !strings.HasPrefix(chatID, "@") {
			chatID = "@" + chatID
		}
		msg = tgbotapi.NewMessageToChannel(chatID, text)
	}

	sent, err := bot.Send(msg)
	if err != nil {
		return Result{}, fmt.Errorf("telegram: %v", err)
	}

	output := map[string]interface{}{
		"messageId": sent.MessageID,
		"date":      sent.Date,
		"text":      sent.Text,
	}
	if sent.Chat != nil {
		output["chatId"] = sent.Chat.ID
	}
	return Result{Output: output}, nil
}
