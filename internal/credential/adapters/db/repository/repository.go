package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/relayflow-go/internal/domain/credential"
	"github.com/relayflow-go/pkg/database"
)

// CredentialRepository is the gorm-backed Credential Store.
type CredentialRepository struct {
	db *database.DB
}

// NewCredentialRepository creates a credential repository on db.
func NewCredentialRepository(db *database.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// CreateCredential inserts cred as given; encryption is the caller's job.
func (r *CredentialRepository) CreateCredential(ctx context.Context, cred *credential.Credential) error {
	return r.db.WithContext(ctx).Create(cred).Error
}

// GetCredential returns credential.ErrNotFound when no row matches.
func (r *CredentialRepository) GetCredential(ctx context.Context, id string) (*credential.Credential, error) {
	var cred credential.Credential
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, credential.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return &cred, nil
}
