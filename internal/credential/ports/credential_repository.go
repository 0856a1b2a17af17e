package ports

import (
	"context"

	"github.com/relayflow-go/internal/domain/credential"
)

// CredentialRepository is the read side of the credential store, plus Create
// for seeding from the CLI and tests.
type CredentialRepository interface {
	CreateCredential(ctx context.Context, cred *credential.Credential) error
	GetCredential(ctx context.Context, id string) (*credential.Credential, error)
}

// Vault encrypts credential payloads at rest.
type Vault interface {
	EncryptCredential(ctx context.Context, cred *credential.Credential) error
	DecryptCredential(ctx context.Context, cred *credential.Credential) error
}
