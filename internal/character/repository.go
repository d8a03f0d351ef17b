package character

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdentityRepository persists character identities.
// Save is last-write-wins; registration is rare and user initiated.
type IdentityRepository interface {
	// Get returns the identity of characterID or ErrIdentityNotFound.
	Get(ctx context.Context, characterID string) (*Identity, error)
	// Save inserts or replaces the identity.
	Save(ctx context.Context, i *Identity) error
}

// MemoryIdentityRepository keeps identities in memory.
type MemoryIdentityRepository struct {
	mu         sync.RWMutex
	identities map[string]*Identity
}

var _ IdentityRepository = (*MemoryIdentityRepository)(nil)

// NewMemoryIdentityRepository creates an empty MemoryIdentityRepository.
func NewMemoryIdentityRepository() *MemoryIdentityRepository {
	return &MemoryIdentityRepository{identities: make(map[string]*Identity)}
}

// Get returns a copy of the stored identity or ErrIdentityNotFound.
func (r *MemoryIdentityRepository) Get(_ context.Context, characterID string) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.identities[characterID]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return i.Clone(), nil
}

// Save validates and stores a copy of i, replacing any previous value.
func (r *MemoryIdentityRepository) Save(_ context.Context, i *Identity) error {
	if err := i.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[i.CharacterID] = i.Clone()
	return nil
}

// GormIdentityRepository stores identities through gorm.
type GormIdentityRepository struct {
	db *gorm.DB
}

var _ IdentityRepository = (*GormIdentityRepository)(nil)

// NewGormIdentityRepository creates a GormIdentityRepository backed by db.
func NewGormIdentityRepository(db *gorm.DB) *GormIdentityRepository {
	return &GormIdentityRepository{db: db}
}

// AutoMigrate creates or updates the identity table.
func (r *GormIdentityRepository) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&Identity{}); err != nil {
		return fmt.Errorf("migrate %s: %w", IdentityTableName, err)
	}
	return nil
}

// Get loads the identity of characterID or returns ErrIdentityNotFound.
func (r *GormIdentityRepository) Get(ctx context.Context, characterID string) (*Identity, error) {
	var i Identity
	err := r.db.WithContext(ctx).Where("character_id = ?", characterID).First(&i).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("find identity %s: %w", characterID, err)
	}
	return &i, nil
}

// Save validates i and upserts it by character id. The last write wins.
func (r *GormIdentityRepository) Save(ctx context.Context, i *Identity) error {
	if err := i.Validate(); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "character_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"user_id",
				"project_id",
				"reference_video_url",
				"reference_task_id",
				"provider_identity_code",
				"status",
				"last_error",
				"updated_at",
			}),
		}).
		Create(i).Error
	if err != nil {
		return fmt.Errorf("save identity %s: %w", i.CharacterID, err)
	}
	return nil
}
