package bootstrap

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/maauso/storyboard-tasks/internal/access"
	"github.com/maauso/storyboard-tasks/internal/billing"
	"github.com/maauso/storyboard-tasks/internal/config"
	"github.com/maauso/storyboard-tasks/internal/orchestrator"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Port:                     8080,
		ProviderBaseURL:          "http://provider.invalid",
		ProviderAPIKey:           "key",
		ProviderMaxJobSeconds:    10,
		ProviderTimeout:          time.Second,
		ProviderMaxRetries:       1,
		ProviderProbeTTL:         time.Second,
		DefaultModel:             "sora-2",
		DefaultSize:              "720x1280",
		MaxSubtasksPerRequest:    6,
		MaxConcurrentSubmits:     2,
		DevProjectOwners:         "proj-1:user-1",
		TempDir:                  filepath.Join(dir, "tmp"),
		LocalMediaDir:            filepath.Join(dir, "media"),
		PublicBaseURL:            "http://localhost:8080/media",
		MigrationTimeout:         time.Second,
		RegistrationMaxWait:      time.Second,
		RegistrationPollInterval: 10 * time.Millisecond,
		AuthJWTSecret:            "secret",
		LogFormat:                "text",
		LogLevel:                 "info",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewDependencies_InMemory(t *testing.T) {
	cfg := testConfig(t)

	deps, err := NewDependencies(t.Context(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, deps.Close()) })

	require.NotNil(t, deps.Tasks)
	require.NotNil(t, deps.Characters)
	require.NotNil(t, deps.Auth)
	assert.Equal(t, cfg.LocalMediaDir, deps.MediaDir)

	got := deps.Tasks.Config()
	assert.Equal(t, 10, got.MaxJobSeconds)
	assert.Equal(t, 6, got.MaxSubtasks)
	assert.Equal(t, 2, got.MaxConcurrentSubmits)

	// Seeded owner can list, anyone else is rejected.
	tasks, err := deps.Tasks.ListTasks(t.Context(), "user-1", "proj-1")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	_, err = deps.Tasks.ListTasks(t.Context(), "user-2", "proj-1")
	assert.ErrorIs(t, err, orchestrator.ErrAuthorization)
}

func TestNewDependencies_MalformedOwners(t *testing.T) {
	cfg := testConfig(t)
	cfg.DevProjectOwners = "proj-1"

	_, err := NewDependencies(t.Context(), cfg, discardLogger())
	assert.ErrorIs(t, err, access.ErrMalformedOwners)
}

func TestNewDependencies_EmptySecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthJWTSecret = ""

	_, err := NewDependencies(t.Context(), cfg, discardLogger())
	assert.Error(t, err)
}

func TestNewGormStores(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	st, err := newGormStores(t.Context(), db, sqlDB.Close, map[string]string{"proj-1": "user-1"}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.closer() })

	owns, err := st.owners.OwnsProject(t.Context(), "proj-1", "user-1")
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = st.owners.OwnsProject(t.Context(), "proj-1", "user-2")
	require.NoError(t, err)
	assert.False(t, owns)

	_, err = st.identities.Get(t.Context(), "missing")
	assert.Error(t, err)
}

func TestInitLedger(t *testing.T) {
	cfg := testConfig(t)

	ledger, err := initLedger(cfg, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, billing.Unmetered{}, ledger)

	cfg.BillingURL = "http://billing.invalid"
	ledger, err = initLedger(cfg, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &billing.HTTPLedger{}, ledger)
}
