package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/relayflow-go/internal/domain/credential"
	"github.com/relayflow-go/pkg/database"
)

func setupTestDB(t *testing.T) *database.DB {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, gormDB.AutoMigrate(&credential.Credential{}))
	return &database.DB{DB: gormDB}
}

func TestCredentialRepository_CreateAndGet(t *testing.T) {
	repo := NewCredentialRepository(setupTestDB(t))
	ctx := context.Background()

	cred := credential.NewCredential("mail", credential.ApplicationResend, "user-1", map[string]interface{}{"apikey": "re_123"})
	require.NoError(t, repo.CreateCredential(ctx, cred))

	got, err := repo.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.ApplicationResend, got.Application)
	assert.Equal(t, "re_123", got.Data["apikey"])
}

func TestCredentialRepository_NotFound(t *testing.T) {
	repo := NewCredentialRepository(setupTestDB(t))

	_, err := repo.GetCredential(context.Background(), "nope")
	assert.True(t, errors.Is(err, credential.ErrNotFound))
}
