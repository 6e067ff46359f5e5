package main

import (
	"bytes"
	"io"
	"log"
	"regexp"
	"testing"

	"github.com/code-100-precent/LingDispatch/cmd/bootstrap"
	"github.com/code-100-precent/LingDispatch/internal/models"
	"github.com/code-100-precent/LingDispatch/pkg/auth"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	glog "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: glog.New(log.New(io.Discard, "", 0), glog.Config{LogLevel: glog.Silent}),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, bootstrap.RunMigrations(db))
	return db
}

func TestCreateDisableList(t *testing.T) {
	db := openTestDB(t)

	var out bytes.Buffer
	require.NoError(t, run(db, "create", []string{"-id", "d7", "-name", "Night Desk", "-role", "supervisor"}, &out))
	m := regexp.MustCompile(`apiKey:\s+(\S+)\napiSecret:\s+(\S+)`).FindStringSubmatch(out.String())
	require.Len(t, m, 3)

	p, err := models.NewCredentialValidator(db).Validate(t.Context(), auth.Credential{APIKey: m[1], APISecret: m[2]})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleSupervisor, p.Role)

	out.Reset()
	require.NoError(t, run(db, "disable", []string{"-key", m[1]}, &out))
	_, err = models.NewCredentialValidator(db).Validate(t.Context(), auth.Credential{APIKey: m[1], APISecret: m[2]})
	assert.ErrorIs(t, err, auth.ErrRejected)

	out.Reset()
	require.NoError(t, run(db, "list", []string{"-id", "d7"}, &out))
	assert.Contains(t, out.String(), `"enabled": false`)
	assert.NotContains(t, out.String(), m[2])
}

func TestRunErrors(t *testing.T) {
	db := openTestDB(t)
	var out bytes.Buffer
	assert.Error(t, run(db, "create", []string{"-id", "d1", "-role", "admin"}, &out))
	assert.Error(t, run(db, "enable", nil, &out))
	assert.Error(t, run(db, "enable", []string{"-key", "missing"}, &out))
	assert.Error(t, run(db, "bogus", nil, &out))
}

func TestAuditEmpty(t *testing.T) {
	db := openTestDB(t)
	var out bytes.Buffer
	require.NoError(t, run(db, "audit", []string{"-call", "C1"}, &out))
	assert.Equal(t, "[]\n", out.String())
}
