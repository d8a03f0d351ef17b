// Package orchestrator drives generation tasks through their lifecycle:
// submission, status reconciliation, artifact migration and backfill.
// It has no scheduler of its own; every transition happens inside a caller's request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/maauso/storyboard-tasks/internal/access"
	"github.com/maauso/storyboard-tasks/internal/artifact"
	"github.com/maauso/storyboard-tasks/internal/billing"
	"github.com/maauso/storyboard-tasks/internal/provider"
	"github.com/maauso/storyboard-tasks/internal/task"
)

var (
	// ErrValidation is returned for malformed requests. Nothing is written.
	ErrValidation = errors.New("orchestrator: invalid request")
	// ErrAuthorization is returned when the caller does not own the project. Nothing is written.
	ErrAuthorization = errors.New("orchestrator: project not owned by caller")
	// ErrProviderUnavailable is returned when the provider cannot be reached. Nothing is written.
	ErrProviderUnavailable = provider.ErrProviderUnavailable
	// ErrMissingDependency is returned by NewService when a collaborator is nil.
	ErrMissingDependency = errors.New("orchestrator: missing dependency")
)

// Migrator copies a finished artifact to durable storage.
type Migrator interface {
	Migrate(ctx context.Context, req artifact.Request) (string, error)
}

// Config holds the orchestration limits and submit defaults.
type Config struct {
	// MaxJobSeconds is the longest duration the provider accepts for one job.
	MaxJobSeconds int
	// MaxSubtasks caps the number of sub-tasks a single submit may create.
	MaxSubtasks int
	// MaxConcurrentSubmits bounds parallel provider submissions within a batch.
	MaxConcurrentSubmits int
	DefaultModel         string
	DefaultSize          string
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxJobSeconds:        15,
		MaxSubtasks:          12,
		MaxConcurrentSubmits: 3,
		DefaultModel:         "sora-2",
		DefaultSize:          "720x1280",
	}
}

// Deps are the collaborators of the Service.
type Deps struct {
	Repo     task.Repository
	Provider provider.Client
	Migrator Migrator
	Owners   access.Ownership
	Ledger   billing.Ledger
	Logger   *slog.Logger
}

// Service is the task orchestrator.
type Service struct {
	repo     task.Repository
	provider provider.Client
	migrator Migrator
	owners   access.Ownership
	ledger   billing.Ledger
	logger   *slog.Logger
	cfg      Config

	// migrations narrows concurrent reconcilers of one task to a single migration.
	migrations singleflight.Group
}

// NewService creates a Service. Zero values in cfg fall back to DefaultConfig.
func NewService(d Deps, cfg Config) (*Service, error) {
	switch {
	case d.Repo == nil:
		return nil, fmt.Errorf("%w: task repository", ErrMissingDependency)
	case d.Provider == nil:
		return nil, fmt.Errorf("%w: provider client", ErrMissingDependency)
	case d.Migrator == nil:
		return nil, fmt.Errorf("%w: artifact migrator", ErrMissingDependency)
	case d.Owners == nil:
		return nil, fmt.Errorf("%w: ownership", ErrMissingDependency)
	}

	def := DefaultConfig()
	if cfg.MaxJobSeconds <= 0 {
		cfg.MaxJobSeconds = def.MaxJobSeconds
	}
	if cfg.MaxSubtasks <= 0 {
		cfg.MaxSubtasks = def.MaxSubtasks
	}
	if cfg.MaxConcurrentSubmits <= 0 {
		cfg.MaxConcurrentSubmits = def.MaxConcurrentSubmits
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = def.DefaultModel
	}
	if cfg.DefaultSize == "" {
		cfg.DefaultSize = def.DefaultSize
	}

	ledger := d.Ledger
	if ledger == nil {
		ledger = billing.Unmetered{Pricing: billing.DefaultPricing()}
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		repo:     d.Repo,
		provider: d.Provider,
		migrator: d.Migrator,
		owners:   d.Owners,
		ledger:   ledger,
		logger:   logger,
		cfg:      cfg,
	}, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// ListTasks returns the tasks of a project owned by userID.
func (s *Service) ListTasks(ctx context.Context, userID, projectID string) ([]*task.Task, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrValidation)
	}
	if err := s.authorize(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListByProject(ctx, projectID)
}

// LatestReference returns the newest completed character_reference task of
// characterID in projectID that has a result URL, or task.ErrTaskNotFound.
func (s *Service) LatestReference(ctx context.Context, userID, projectID, characterID string) (*task.Task, error) {
	if projectID == "" || characterID == "" {
		return nil, fmt.Errorf("%w: project id and character id are required", ErrValidation)
	}
	if err := s.authorize(ctx, projectID, userID); err != nil {
		return nil, err
	}
	tasks, err := s.repo.ListByCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	// tasks are ordered oldest first
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		if t.ProjectID == projectID &&
			t.Type == task.TypeCharacterReference &&
			t.Status == task.StatusCompleted &&
			t.VideoURL() != "" {
			return t, nil
		}
	}
	return nil, task.ErrTaskNotFound
}

// authorize maps ownership failures to ErrAuthorization.
func (s *Service) authorize(ctx context.Context, projectID, userID string) error {
	if err := access.Check(ctx, s.owners, projectID, userID); err != nil {
		if errors.Is(err, access.ErrForbidden) {
			return fmt.Errorf("%w: %s", ErrAuthorization, projectID)
		}
		return err
	}
	return nil
}
