package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maauso/storyboard-tasks/internal/task"
)

// Descriptor describes a task that exists at the provider but may be missing locally.
type Descriptor struct {
	// ID is the task id to reconcile.
	ID string `validate:"required,max=128"`
	// ProviderJobID defaults to ID.
	ProviderJobID string `validate:"max=128"`
	// Type defaults to task.TypeShotGeneration.
	Type        task.Type
	SceneID     string `validate:"max=64"`
	ShotID      string `validate:"max=64"`
	CharacterID string `validate:"max=64"`
	Prompt      string
	Model       string
}

// BackfillResult counts the rows written by Backfill.
type BackfillResult struct {
	Inserted int
	Updated  int
}

// Backfill inserts queued placeholder rows for unknown ids and fills missing
// linkage fields on existing rows of the project. Rows belonging to other
// projects are left alone. Running it twice with the same input writes nothing new.
func (s *Service) Backfill(ctx context.Context, userID, projectID string, descriptors []Descriptor) (BackfillResult, error) {
	var res BackfillResult
	if projectID == "" {
		return res, fmt.Errorf("%w: project id is required", ErrValidation)
	}
	for i, d := range descriptors {
		if err := validate.Struct(d); err != nil {
			return res, fmt.Errorf("%w: descriptor %d: %s", ErrValidation, i, err.Error())
		}
		if d.Type != "" && !d.Type.IsValid() {
			return res, fmt.Errorf("%w: descriptor %d: unknown type %q", ErrValidation, i, d.Type)
		}
	}
	if err := s.authorize(ctx, projectID, userID); err != nil {
		return res, err
	}

	log := s.logger.With(slog.String("project_id", projectID), slog.String("user_id", userID))

	for _, d := range descriptors {
		inserted, updated, err := s.backfillOne(ctx, log, userID, projectID, d)
		if err != nil {
			return res, err
		}
		if inserted {
			res.Inserted++
		}
		if updated {
			res.Updated++
		}
	}

	log.Info("backfill finished",
		slog.Int("descriptors", len(descriptors)),
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
	)
	return res, nil
}

func (s *Service) backfillOne(ctx context.Context, log *slog.Logger, userID, projectID string, d Descriptor) (inserted, updated bool, err error) {
	existing, err := s.repo.FindByID(ctx, d.ID)
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		t, err := placeholder(userID, projectID, d)
		if err != nil {
			return false, false, err
		}
		err = s.repo.Create(ctx, t)
		if err == nil {
			return true, false, nil
		}
		if !errors.Is(err, task.ErrTaskExists) {
			return false, false, fmt.Errorf("backfill %s: %w", d.ID, err)
		}
		// lost the insert race; fall through to patching the winner's row
		existing, err = s.repo.FindByID(ctx, d.ID)
		if err != nil {
			return false, false, fmt.Errorf("backfill %s: %w", d.ID, err)
		}
	case err != nil:
		return false, false, fmt.Errorf("backfill %s: %w", d.ID, err)
	}

	if existing.ProjectID != projectID {
		log.Warn("backfill skipped task of another project",
			slog.String("task_id", d.ID),
			slog.String("task_project_id", existing.ProjectID),
		)
		return false, false, nil
	}

	patched, err := s.repo.PatchLinkage(ctx, d.ID, task.Linkage{
		SceneID:     d.SceneID,
		ShotID:      d.ShotID,
		CharacterID: d.CharacterID,
	})
	if err != nil {
		return false, false, fmt.Errorf("backfill %s: %w", d.ID, err)
	}
	return false, patched, nil
}

func placeholder(userID, projectID string, d Descriptor) (*task.Task, error) {
	typ := d.Type
	if typ == "" {
		typ = task.TypeShotGeneration
	}
	jobID := d.ProviderJobID
	if jobID == "" {
		jobID = d.ID
	}
	t, err := task.New(task.Params{
		ID:            d.ID,
		UserID:        userID,
		ProjectID:     projectID,
		SceneID:       d.SceneID,
		ShotID:        d.ShotID,
		CharacterID:   d.CharacterID,
		Type:          typ,
		Model:         d.Model,
		Prompt:        d.Prompt,
		ProviderJobID: jobID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return t, nil
}
