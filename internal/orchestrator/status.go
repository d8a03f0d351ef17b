package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maauso/storyboard-tasks/internal/artifact"
	"github.com/maauso/storyboard-tasks/internal/metrics"
	"github.com/maauso/storyboard-tasks/internal/provider"
	"github.com/maauso/storyboard-tasks/internal/task"
)

// StatusView is what callers see for a task.
type StatusView struct {
	TaskID string
	// Status is the canonical status, or the raw provider string when the
	// provider reported a state missing from the mapping table.
	Status string
	// KnownStatus is false when Status is a raw provider string.
	KnownStatus  bool
	Progress     int
	VideoURL     string
	ProviderURL  string
	PermanentURL string
	Error        string
	Task         *task.Task
}

func newView(t *task.Task) *StatusView {
	return &StatusView{
		TaskID:       t.ID,
		Status:       string(t.Status),
		KnownStatus:  true,
		Progress:     t.EffectiveProgress(),
		VideoURL:     t.VideoURL(),
		ProviderURL:  t.ProviderURL,
		PermanentURL: t.PermanentURL,
		Error:        t.Error,
		Task:         t,
	}
}

// GetStatus returns the current state of a task, reconciling it with the
// provider when it is not terminal. Terminal tasks are served from the store.
func (s *Service) GetStatus(ctx context.Context, userID, taskID string) (*StatusView, error) {
	t, err := s.repo.FindByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, t.ProjectID, userID); err != nil {
		return nil, err
	}

	if t.Status.IsTerminal() || t.ProviderJobID == "" {
		if t.NeedsMigration() {
			t = s.migrateQuietly(ctx, t)
		}
		return newView(t), nil
	}

	if err := s.provider.AssertReachable(ctx); err != nil {
		return nil, err
	}

	log := s.logger.With(slog.String("task_id", t.ID), slog.String("provider_job_id", t.ProviderJobID))

	live, err := s.provider.GetJobStatus(ctx, t.ProviderJobID)
	if errors.Is(err, provider.ErrJobNotFound) {
		metrics.PollsTotal.WithLabelValues("not_found").Inc()
		log.Warn("provider no longer knows job, marking task failed")
		next := t.State()
		next.Status = task.StatusFailed
		next.Error = "provider job not found"
		return newView(s.writeState(ctx, log, t, next)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("poll task %s: %w", t.ID, err)
	}

	metrics.PollsTotal.WithLabelValues(pollLabel(live)).Inc()

	next := reconcile(t, live)
	if next != t.State() {
		t = s.writeState(ctx, log, t, next)
	}

	if t.NeedsMigration() {
		t = s.migrateQuietly(ctx, t)
	}

	view := newView(t)
	if !live.Known && !t.Status.IsTerminal() {
		view.Status = live.RawStatus
		view.KnownStatus = false
	}
	return view, nil
}

// reconcile merges a live provider status into the stored state.
// Unknown provider states and backwards moves leave the status untouched.
func reconcile(t *task.Task, live provider.JobStatus) task.State {
	next := t.State()
	if !live.Known {
		return next
	}
	if live.Status == task.StatusCompleted && live.ResultURL == "" && t.ProviderURL == "" {
		// Completed without a result is held open so a later poll can pick up the URL.
		live.Status = task.StatusProcessing
		live.Progress = min(live.Progress, 99)
	}
	if live.Status != t.Status && !task.CanTransition(t.Status, live.Status) {
		return next
	}

	next.Status = live.Status
	switch live.Status {
	case task.StatusCompleted:
		next.Progress = 100
		if live.ResultURL != "" {
			next.ProviderURL = live.ResultURL
		}
	case task.StatusFailed:
		next.Error = live.Error
	default:
		if live.Progress > next.Progress {
			next.Progress = live.Progress
		}
	}
	return next
}

// writeState persists next. When a concurrent reader already moved the task
// on, the stored row wins.
func (s *Service) writeState(ctx context.Context, log *slog.Logger, t *task.Task, next task.State) *task.Task {
	updated, err := s.repo.UpdateState(ctx, t.ID, next)
	if err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			if fresh, ferr := s.repo.FindByID(ctx, t.ID); ferr == nil {
				return fresh
			}
		}
		log.Error("failed to persist task state", slog.String("error", err.Error()))
		return t
	}
	if updated.Status != t.Status {
		metrics.TransitionsTotal.WithLabelValues(string(t.Status), string(updated.Status)).Inc()
		log.Info("task status changed",
			slog.String("from", string(t.Status)),
			slog.String("to", string(updated.Status)),
		)
	}
	return updated
}

// ReconcileCompletion migrates the artifact of a completed task and records
// its permanent URL. It is a no-op when the task does not need migration.
// Concurrent calls for one task share a single migration.
func (s *Service) ReconcileCompletion(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.repo.FindByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.NeedsMigration() {
		return t, nil
	}

	v, err, _ := s.migrations.Do(taskID, func() (interface{}, error) {
		// Detached: the migration is shared by every waiting caller.
		return s.migrate(context.WithoutCancel(ctx), taskID)
	})
	if err != nil {
		return t, err
	}
	return v.(*task.Task), nil
}

func (s *Service) migrate(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.repo.FindByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.NeedsMigration() {
		return t, nil
	}

	log := s.logger.With(slog.String("task_id", t.ID))
	start := time.Now()
	url, err := s.migrator.Migrate(ctx, artifact.RequestFor(t))
	metrics.ObserveMigration(start, err)
	if err != nil {
		return t, fmt.Errorf("migrate task %s: %w", t.ID, err)
	}

	set, err := s.repo.SetPermanentURL(ctx, t.ID, url)
	if err != nil {
		return t, fmt.Errorf("record permanent url for %s: %w", t.ID, err)
	}
	if !set {
		log.Info("permanent url already recorded by another writer")
	} else {
		log.Info("artifact migrated", slog.String("permanent_url", url))
	}
	return s.repo.FindByID(ctx, t.ID)
}

// migrateQuietly runs ReconcileCompletion and degrades to the provider URL on failure.
func (s *Service) migrateQuietly(ctx context.Context, t *task.Task) *task.Task {
	migrated, err := s.ReconcileCompletion(ctx, t.ID)
	if err != nil {
		s.logger.Warn("artifact migration failed, serving provider url",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
		return t
	}
	return migrated
}

func pollLabel(live provider.JobStatus) string {
	if !live.Known {
		return "unknown"
	}
	return string(live.Status)
}
