package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// It uses a map with RWMutex for thread-safe access.
// Suitable for development and testing; use GormRepository in production.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryRepository creates a new in-memory task repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks: make(map[string]*Task),
	}
}

// Create stores a clone of t.
func (r *MemoryRepository) Create(_ context.Context, t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return ErrTaskExists
	}
	r.tasks[t.ID] = t.Clone()
	return nil
}

// FindByID retrieves a task by its ID.
// Returns a clone to prevent external mutations.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// ListByProject returns clones of the tasks of a project.
func (r *MemoryRepository) ListByProject(_ context.Context, projectID string) ([]*Task, error) {
	return r.filter(func(t *Task) bool { return t.ProjectID == projectID }), nil
}

// ListByCharacter returns clones of the tasks linked to a character.
func (r *MemoryRepository) ListByCharacter(_ context.Context, characterID string) ([]*Task, error) {
	return r.filter(func(t *Task) bool { return t.CharacterID == characterID }), nil
}

func (r *MemoryRepository) filter(keep func(*Task) bool) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Task, 0)
	for _, t := range r.tasks {
		if keep(t) {
			result = append(result, t.Clone())
		}
	}
	sortTasks(result)
	return result
}

// UpdateState writes the reconciliation-owned fields of a task.
func (r *MemoryRepository) UpdateState(_ context.Context, id string, s State) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if !CanTransition(t.Status, s.Status) {
		return nil, ErrInvalidTransition
	}
	t.apply(s, time.Now().UTC())
	return t.Clone(), nil
}

// SetPermanentURL records url unless a permanent URL is already stored.
func (r *MemoryRepository) SetPermanentURL(_ context.Context, id, url string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if t.Status != StatusCompleted {
		return false, ErrNotCompleted
	}
	if t.PermanentURL != "" {
		return false, nil
	}
	t.PermanentURL = url
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

// PatchLinkage fills empty linkage fields.
func (r *MemoryRepository) PatchLinkage(_ context.Context, id string, l Linkage) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	patched := false
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			patched = true
		}
	}
	fill(&t.SceneID, l.SceneID)
	fill(&t.ShotID, l.ShotID)
	fill(&t.CharacterID, l.CharacterID)
	if patched {
		t.Version++
		t.UpdatedAt = time.Now().UTC()
	}
	return patched, nil
}

// sortTasks orders tasks by creation time, then sub-task sequence, then ID.
func sortTasks(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.ID < b.ID
	})
}
