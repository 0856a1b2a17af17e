package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relayflow-go/internal/credential/ports"
	"github.com/relayflow-go/internal/domain/credential"
	"github.com/relayflow-go/internal/domain/workflow"
	"github.com/relayflow-go/pkg/logger"
)

// Resolver looks up the secret bundle a node's credential reference points at.
type Resolver struct {
	repo   ports.CredentialRepository
	vault  ports.Vault
	logger logger.Logger
}

// New creates a Resolver. vault may be nil, in which case encrypted bundles
// cannot be resolved.
func New(repo ports.CredentialRepository, vault ports.Vault, log logger.Logger) *Resolver {
	return &Resolver{repo: repo, vault: vault, logger: log}
}

// Resolve returns the decrypted secret bundle for credentialID. An empty id, a
// missing row or an empty bundle yield *workflow.CredentialNotFoundError.
func (r *Resolver) Resolve(ctx context.Context, credentialID string) (map[string]interface{}, error) {
	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return nil, &workflow.CredentialNotFoundError{}
	}

	cred, err := r.repo.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil, &workflow.CredentialNotFoundError{CredentialID: credentialID}
		}
		return nil, fmt.Errorf("failed to resolve credential %s: %w", credentialID, err)
	}

	if cred.IsEncrypted() {
		if r.vault == nil {
			return nil, fmt.Errorf("credential %s is encrypted but no vault is configured", credentialID)
		}
		if err := r.vault.DecryptCredential(ctx, cred); err != nil {
			return nil, fmt.Errorf("failed to decrypt credential %s: %w", credentialID, err)
		}
	}

	if len(cred.Data) == 0 {
		return nil, &workflow.CredentialNotFoundError{CredentialID: credentialID}
	}

	r.logger.Debug("Resolved credential", "credentialId", credentialID, "application", cred.Application)
	return cred.Data, nil
}
