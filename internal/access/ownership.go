package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrForbidden is returned when a user does not own the project.
	ErrForbidden = errors.New("access: project not owned by caller")
	// ErrMalformedOwners is returned by ParseOwners for entries without a project:user pair.
	ErrMalformedOwners = errors.New("access: malformed project owner list")
)

// Ownership answers whether a user owns a project.
type Ownership interface {
	OwnsProject(ctx context.Context, projectID, userID string) (bool, error)
}

// Check returns ErrForbidden unless userID owns projectID.
func Check(ctx context.Context, o Ownership, projectID, userID string) error {
	if projectID == "" || userID == "" {
		return ErrForbidden
	}
	ok, err := o.OwnsProject(ctx, projectID, userID)
	if err != nil {
		return fmt.Errorf("check ownership of %s: %w", projectID, err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// ParseOwners parses "project:user,project:user" into a project to owner map.
func ParseOwners(s string) (map[string]string, error) {
	owners := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		project, user, ok := strings.Cut(entry, ":")
		project, user = strings.TrimSpace(project), strings.TrimSpace(user)
		if !ok || project == "" || user == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedOwners, entry)
		}
		owners[project] = user
	}
	return owners, nil
}

// MemoryOwnership is an in-memory Ownership for development and tests.
type MemoryOwnership struct {
	mu     sync.RWMutex
	owners map[string]string
}

var _ Ownership = (*MemoryOwnership)(nil)

// NewMemoryOwnership creates a MemoryOwnership seeded with a project to owner map.
func NewMemoryOwnership(owners map[string]string) *MemoryOwnership {
	m := &MemoryOwnership{owners: make(map[string]string, len(owners))}
	for p, u := range owners {
		m.owners[p] = u
	}
	return m
}

// Grant records userID as the owner of projectID.
func (m *MemoryOwnership) Grant(projectID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[projectID] = userID
}

// OwnsProject reports whether userID owns projectID.
func (m *MemoryOwnership) OwnsProject(_ context.Context, projectID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.owners[projectID]
	return ok && owner == userID, nil
}

// Project is the ownership row read from the shared projects table.
type Project struct {
	ID        string `gorm:"primaryKey;size:64"`
	UserID    string `gorm:"size:64;index;not null"`
	CreatedAt time.Time
}

// TableName implements gorm's tabler.
func (Project) TableName() string { return "projects" }

// GormOwnership reads project owners from the database.
type GormOwnership struct {
	db *gorm.DB
}

var _ Ownership = (*GormOwnership)(nil)

// NewGormOwnership creates a GormOwnership backed by db.
func NewGormOwnership(db *gorm.DB) *GormOwnership {
	return &GormOwnership{db: db}
}

// AutoMigrate creates the projects table when it does not exist.
func (g *GormOwnership) AutoMigrate(ctx context.Context) error {
	if err := g.db.WithContext(ctx).AutoMigrate(&Project{}); err != nil {
		return fmt.Errorf("migrate projects: %w", err)
	}
	return nil
}

// Grant upserts the owner of projectID.
func (g *GormOwnership) Grant(ctx context.Context, projectID, userID string) error {
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id"}),
		}).
		Create(&Project{ID: projectID, UserID: userID, CreatedAt: time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("grant project %s: %w", projectID, err)
	}
	return nil
}

// OwnsProject reports whether a projects row links projectID to userID.
func (g *GormOwnership) OwnsProject(ctx context.Context, projectID, userID string) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&Project{}).
		Where("id = ? AND user_id = ?", projectID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("query project owner: %w", err)
	}
	return count > 0, nil
}
