package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Credential is owned by the credential-management service; the engine only
// reads it.
type Credential struct {
	ID          string                 `json:"id" gorm:"primaryKey"`
	UserID      string                 `json:"userId" gorm:"not null;index"`
	Name        string                 `json:"name" gorm:"not null"`
	Application string                 `json:"application" gorm:"not null"`
	Data        map[string]interface{} `json:"data" gorm:"type:text;serializer:json"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

func (Credential) TableName() string {
	return "credentials"
}

// Applications
const (
	ApplicationResend   = "resend"
	ApplicationTelegram = "telegram"
	ApplicationWhatsApp = "whatsapp"
	ApplicationOpenAI   = "openai"
	ApplicationSolana   = "solana"
)

// Secret keys
const (
	KeyAPIKey            = "apikey"
	KeyAccessToken       = "accessToken"
	KeyBusinessAccountID = "businessAccountId"
	KeyPrivateKey        = "privateKey"

	// KeyEncrypted marks a bundle whose string values are vault ciphertext.
	KeyEncrypted = "encrypted"
)

var requiredKeys = map[string][]string{
	ApplicationResend:   {KeyAPIKey},
	ApplicationTelegram: {KeyAPIKey},
	ApplicationWhatsApp: {KeyAccessToken, KeyBusinessAccountID},
	ApplicationOpenAI:   {KeyAPIKey},
	ApplicationSolana:   {KeyPrivateKey},
}

// NewCredential creates an unencrypted credential with a fresh id.
func NewCredential(name, application, userID string, data map[string]interface{}) *Credential {
	now := time.Now().UTC()
	return &Credential{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        name,
		Application: application,
		Data:        data,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks the secret keys an application needs are present. Unknown
// applications are accepted as-is.
func (c *Credential) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("credential name is required")
	}
	for _, key := range requiredKeys[c.Application] {
		v, ok := c.Data[key].(string)
		if !ok || v == "" {
			return fmt.Errorf("%s credential requires %s", c.Application, key)
		}
	}
	return nil
}

func (c *Credential) IsEncrypted() bool {
	encrypted, _ := c.Data[KeyEncrypted].(bool)
	return encrypted
}

// ErrNotFound is returned when no credential has the requested id.
var ErrNotFound = errors.New("credential not found")
