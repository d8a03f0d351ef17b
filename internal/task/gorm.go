package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Compile-time check that GormRepository implements Repository.
var _ Repository = (*GormRepository)(nil)

// GormRepository stores tasks in a relational database through gorm.
// Conditional UPDATE statements enforce the forward-only status rule and the
// set-once permanent URL without row locks.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a repository backed by db.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// AutoMigrate creates or updates the task table.
func (r *GormRepository) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&Task{}); err != nil {
		return fmt.Errorf("migrate %s: %w", TableName, err)
	}
	return nil
}

// Create inserts t; an existing row with the same ID yields ErrTaskExists.
func (r *GormRepository) Create(ctx context.Context, t *Task) error {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(t)
	if res.Error != nil {
		return fmt.Errorf("create task %s: %w", t.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTaskExists
	}
	return nil
}

// FindByID retrieves a task by ID.
func (r *GormRepository) FindByID(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("find task %s: %w", id, err)
	}
	return &t, nil
}

// ListByProject returns the tasks of a project.
func (r *GormRepository) ListByProject(ctx context.Context, projectID string) ([]*Task, error) {
	return r.list(ctx, "project_id = ?", projectID)
}

// ListByCharacter returns the tasks linked to a character.
func (r *GormRepository) ListByCharacter(ctx context.Context, characterID string) ([]*Task, error) {
	return r.list(ctx, "character_id = ?", characterID)
}

func (r *GormRepository) list(ctx context.Context, query string, arg string) ([]*Task, error) {
	tasks := make([]*Task, 0)
	err := r.db.WithContext(ctx).
		Where(query, arg).
		Order("created_at ASC, sequence ASC, id ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateState writes the reconciliation-owned columns when the stored status allows it.
func (r *GormRepository) UpdateState(ctx context.Context, id string, s State) (*Task, error) {
	allowed := Predecessors(s.Status)
	if len(allowed) == 0 {
		return nil, ErrInvalidTransition
	}
	res := r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(map[string]interface{}{
			"status":          s.Status,
			"progress":        s.Progress,
			"provider_job_id": s.ProviderJobID,
			"provider_url":    s.ProviderURL,
			"error":           s.Error,
			"point_cost":      s.PointCost,
			"version":         gorm.Expr("version + 1"),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("update task %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrInvalidTransition
	}
	return r.FindByID(ctx, id)
}

// SetPermanentURL records url only while the column is still empty.
func (r *GormRepository) SetPermanentURL(ctx context.Context, id, url string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ? AND (permanent_url = '' OR permanent_url IS NULL)", id, StatusCompleted).
		Updates(map[string]interface{}{
			"permanent_url": url,
			"version":       gorm.Expr("version + 1"),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("set permanent url %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	t, err := r.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status != StatusCompleted {
		return false, ErrNotCompleted
	}
	return false, nil
}

// PatchLinkage fills each empty linkage column with one conditional UPDATE per column.
func (r *GormRepository) PatchLinkage(ctx context.Context, id string, l Linkage) (bool, error) {
	if _, err := r.FindByID(ctx, id); err != nil {
		return false, err
	}
	columns := []struct {
		name  string
		value string
	}{
		{"scene_id", l.SceneID},
		{"shot_id", l.ShotID},
		{"character_id", l.CharacterID},
	}
	patched := false
	for _, c := range columns {
		if c.value == "" {
			continue
		}
		res := r.db.WithContext(ctx).Model(&Task{}).
			Where(fmt.Sprintf("id = ? AND (%s = '' OR %s IS NULL)", c.name, c.name), id).
			Updates(map[string]interface{}{
				c.name:       c.value,
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return patched, fmt.Errorf("patch %s on task %s: %w", c.name, id, res.Error)
		}
		if res.RowsAffected > 0 {
			patched = true
		}
	}
	return patched, nil
}
