package task

import "context"

// Repository defines the interface for task persistence.
// It acts as a port in the hexagonal architecture pattern. Each write touches
// only the columns its caller owns, so reconciliation, migration and backfill
// never overwrite each other's fields.
type Repository interface {
	// Create inserts a new task.
	// Returns ErrTaskExists if a task with the same ID is already stored.
	Create(ctx context.Context, t *Task) error

	// FindByID retrieves a task by its unique identifier.
	// Returns ErrTaskNotFound if the task does not exist.
	FindByID(ctx context.Context, id string) (*Task, error)

	// ListByProject returns the tasks of a project ordered by creation time.
	ListByProject(ctx context.Context, projectID string) ([]*Task, error)

	// ListByCharacter returns the tasks linked to a character ordered by creation time.
	ListByCharacter(ctx context.Context, characterID string) ([]*Task, error)

	// UpdateState writes the reconciliation-owned fields and returns the stored task.
	// Returns ErrInvalidTransition if the stored status does not allow s.Status.
	UpdateState(ctx context.Context, id string, s State) (*Task, error)

	// SetPermanentURL records the migrated URL if none is stored yet.
	// It reports false when a permanent URL was already present.
	// Returns ErrNotCompleted if the task is not completed.
	SetPermanentURL(ctx context.Context, id, url string) (bool, error)

	// PatchLinkage fills linkage fields that are currently empty and leaves
	// populated ones untouched. It reports whether anything was written.
	PatchLinkage(ctx context.Context, id string, l Linkage) (bool, error)
}
