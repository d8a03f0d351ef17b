package character

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestNewIdentity(t *testing.T) {
	i, err := NewIdentity("hero", "user-1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, i.Status)
	assert.False(t, i.IsRegistered())

	_, err = NewIdentity("", "user-1", "proj-1")
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = NewIdentity(strings.Repeat("c", 65), "user-1", "proj-1")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestIdentity_MarkRegistered(t *testing.T) {
	i, err := NewIdentity("hero", "user-1", "proj-1")
	require.NoError(t, err)
	i.RecordFailure("provider busy")

	assert.ErrorIs(t, i.MarkRegistered("", "@hero.1"), ErrMissingReferenceVideo)
	assert.ErrorIs(t, i.MarkRegistered("https://cdn/ref.mp4", ""), ErrInvalidIdentity)
	assert.Equal(t, StatusPending, i.Status)

	require.NoError(t, i.MarkRegistered("https://cdn/ref.mp4", "@hero.1"))
	assert.True(t, i.IsRegistered())
	assert.Empty(t, i.LastError)
	assert.NoError(t, i.Validate())
}

func TestIdentity_ValidateRegisteredNeedsCode(t *testing.T) {
	i, err := NewIdentity("hero", "user-1", "proj-1")
	require.NoError(t, err)
	i.Status = StatusRegistered
	assert.ErrorIs(t, i.Validate(), ErrInvalidIdentity)

	i.Status = "archived"
	assert.ErrorIs(t, i.Validate(), ErrInvalidIdentity)
}

func runIdentityRepositoryContract(t *testing.T, repo IdentityRepository) {
	ctx := context.Background()

	_, err := repo.Get(ctx, "hero")
	assert.ErrorIs(t, err, ErrIdentityNotFound)

	i, err := NewIdentity("hero", "user-1", "proj-1")
	require.NoError(t, err)
	i.ReferenceTaskID = "task_1"
	require.NoError(t, repo.Save(ctx, i))

	got, err := repo.Get(ctx, "hero")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "task_1", got.ReferenceTaskID)

	// last write wins
	require.NoError(t, got.MarkRegistered("https://cdn/ref.mp4", "@hero.1"))
	require.NoError(t, repo.Save(ctx, got))

	got, err = repo.Get(ctx, "hero")
	require.NoError(t, err)
	assert.Equal(t, StatusRegistered, got.Status)
	assert.Equal(t, "@hero.1", got.ProviderIdentityCode)
	assert.Equal(t, "https://cdn/ref.mp4", got.ReferenceVideoURL)

	invalid := got.Clone()
	invalid.ProviderIdentityCode = ""
	assert.ErrorIs(t, repo.Save(ctx, invalid), ErrInvalidIdentity)
}

func TestMemoryIdentityRepository(t *testing.T) {
	runIdentityRepositoryContract(t, NewMemoryIdentityRepository())
}

func TestMemoryIdentityRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryIdentityRepository()
	i, err := NewIdentity("hero", "user-1", "proj-1")
	require.NoError(t, err)
	require.NoError(t, repo.Save(context.Background(), i))

	got, err := repo.Get(context.Background(), "hero")
	require.NoError(t, err)
	got.LastError = "mutated"

	again, err := repo.Get(context.Background(), "hero")
	require.NoError(t, err)
	assert.Empty(t, again.LastError)
}

func TestGormIdentityRepository(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := NewGormIdentityRepository(db)
	require.NoError(t, repo.AutoMigrate(context.Background()))

	runIdentityRepositoryContract(t, repo)
}
