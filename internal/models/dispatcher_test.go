package models

import (
	"context"
	"testing"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/auth"
	"github.com/code-100-precent/LingDispatch/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDispatcherCredential(t *testing.T) {
	db := setupTestDBWithSilentLogger(t, &DispatcherCredential{})

	cred, secret, err := CreateDispatcherCredential(db, "D1", "Dana", auth.RoleDispatcher)
	require.NoError(t, err)
	assert.NotEmpty(t, cred.APIKey)
	assert.Len(t, secret, 64)
	assert.NotEqual(t, secret, cred.SecretHash)
	assert.True(t, cred.Enabled)

	_, _, err = CreateDispatcherCredential(db, "", "x", auth.RoleDispatcher)
	assert.Error(t, err)
	_, _, err = CreateDispatcherCredential(db, "D2", "x", auth.Role("root"))
	assert.Error(t, err)

	found, err := GetDispatcherCredentialByAPIKey(db, cred.APIKey)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "D1", found.DispatcherID)

	missing, err := GetDispatcherCredentialByAPIKey(db, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := ListDispatcherCredentials(db, "D1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCredentialValidator(t *testing.T) {
	db := setupTestDBWithSilentLogger(t, &DispatcherCredential{})
	cred, secret, err := CreateDispatcherCredential(db, "S1", "Sam", auth.RoleSupervisor)
	require.NoError(t, err)

	v := NewCredentialValidator(db)
	ctx := context.Background()

	p, err := v.Validate(ctx, auth.Credential{APIKey: cred.APIKey, APISecret: secret})
	require.NoError(t, err)
	assert.Equal(t, "S1", p.DispatcherID)
	assert.Equal(t, auth.RoleSupervisor, p.Role)

	found, err := GetDispatcherCredentialByAPIKey(db, cred.APIKey)
	require.NoError(t, err)
	assert.NotNil(t, found.LastUsedAt)

	tests := []struct {
		name string
		cred auth.Credential
	}{
		{"empty", auth.Credential{}},
		{"unknown key", auth.Credential{APIKey: "unknown", APISecret: secret}},
		{"wrong secret", auth.Credential{APIKey: cred.APIKey, APISecret: "wrong"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(ctx, tt.cred)
			assert.ErrorIs(t, err, auth.ErrRejected)
		})
	}

	require.NoError(t, SetDispatcherCredentialEnabled(db, cred.APIKey, false))
	_, err = v.Validate(ctx, auth.Credential{APIKey: cred.APIKey, APISecret: secret})
	assert.ErrorIs(t, err, auth.ErrRejected)

	assert.Error(t, SetDispatcherCredentialEnabled(db, "nope", true))
}

func TestCredentialValidator_DatabaseFailureIsNotRejection(t *testing.T) {
	db := setupTestDBWithSilentLogger(t, &DispatcherCredential{})
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = NewCredentialValidator(db).Validate(context.Background(), auth.Credential{APIKey: "k", APISecret: "s"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrRejected)
}

func TestCachedCredential_DisableTakesEffectImmediately(t *testing.T) {
	db := setupTestDBWithSilentLogger(t, &DispatcherCredential{})
	cred, secret, err := CreateDispatcherCredential(db, "D1", "Dana", auth.RoleDispatcher)
	require.NoError(t, err)

	v := auth.NewCachedValidator(NewCredentialValidator(db), cache.NewLocalCache(cache.LocalConfig{MaxSize: 10}), time.Hour)
	ctx := context.Background()
	c := auth.Credential{APIKey: cred.APIKey, APISecret: secret}

	_, err = v.Validate(ctx, c)
	require.NoError(t, err)
	_, err = v.Validate(ctx, c)
	require.NoError(t, err)

	require.NoError(t, SetDispatcherCredentialEnabled(db, cred.APIKey, false))
	_, err = v.Validate(ctx, c)
	assert.ErrorIs(t, err, auth.ErrRejected)

	require.NoError(t, SetDispatcherCredentialEnabled(db, cred.APIKey, true))
	p, err := v.Validate(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "D1", p.DispatcherID)
}

func TestCredentialValidator_Enabled(t *testing.T) {
	db := setupTestDBWithSilentLogger(t, &DispatcherCredential{})
	cred, _, err := CreateDispatcherCredential(db, "D1", "Dana", auth.RoleDispatcher)
	require.NoError(t, err)
	v := NewCredentialValidator(db)
	ctx := context.Background()

	ok, err := v.Enabled(ctx, cred.APIKey)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Enabled(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
