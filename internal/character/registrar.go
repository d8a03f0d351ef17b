package character

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maauso/storyboard-tasks/internal/access"
	"github.com/maauso/storyboard-tasks/internal/metrics"
	"github.com/maauso/storyboard-tasks/internal/orchestrator"
	"github.com/maauso/storyboard-tasks/internal/provider"
	"github.com/maauso/storyboard-tasks/internal/task"
)

// DefaultReferenceSeconds is the length of a reference video when none is requested.
const DefaultReferenceSeconds = 4

// Tasks is the part of the orchestrator used by the registrar.
type Tasks interface {
	Config() orchestrator.Config
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.SubmitResult, error)
	GetStatus(ctx context.Context, userID, taskID string) (*orchestrator.StatusView, error)
	LatestReference(ctx context.Context, userID, projectID, characterID string) (*task.Task, error)
}

// IdentityProvider registers a reference video and returns its identity code.
type IdentityProvider interface {
	RegisterCharacterIdentity(ctx context.Context, videoURL string, sampleTimestamps []float64) (string, error)
}

// Config bounds the wait-and-register loop.
type Config struct {
	MaxWait      time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns a 10 minute wait polled every 5 seconds.
func DefaultConfig() Config {
	return Config{MaxWait: 10 * time.Minute, PollInterval: 5 * time.Second}
}

// Registrar generates character reference videos and registers them with the provider.
type Registrar struct {
	tasks    Tasks
	provider IdentityProvider
	repo     IdentityRepository
	owners   access.Ownership
	cfg      Config
	logger   *slog.Logger
}

// NewRegistrar creates a Registrar. Zero values in cfg fall back to DefaultConfig.
func NewRegistrar(tasks Tasks, p IdentityProvider, repo IdentityRepository, owners access.Ownership, cfg Config, logger *slog.Logger) *Registrar {
	def := DefaultConfig()
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		tasks:    tasks,
		provider: p,
		repo:     repo,
		owners:   owners,
		cfg:      cfg,
		logger:   logger,
	}
}

// ReferenceRequest asks for a reference video of a character.
type ReferenceRequest struct {
	UserID      string      `validate:"required"`
	Role        access.Role `validate:"-"`
	ProjectID   string      `validate:"required"`
	CharacterID string      `validate:"required,max=64"`
	SceneID     string      `validate:"max=64"`
	ShotID      string      `validate:"max=64"`
	Prompt      string      `validate:"required"`
	Duration    int         `validate:"gte=0"`
	ImageURL    string      `validate:"omitempty,url"`
	Model       string
	Size        string
}

// GenerateReferenceVideo submits a character_reference task and returns it without waiting.
func (r *Registrar) GenerateReferenceVideo(ctx context.Context, req ReferenceRequest) (*task.Task, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrValidation, err.Error())
	}
	seconds := req.Duration
	if seconds == 0 {
		seconds = DefaultReferenceSeconds
	}
	if limit := r.tasks.Config().MaxJobSeconds; seconds > limit {
		return nil, fmt.Errorf("%w: reference video longer than %ds", orchestrator.ErrValidation, limit)
	}

	res, err := r.tasks.Submit(ctx, orchestrator.SubmitRequest{
		UserID:      req.UserID,
		Role:        req.Role,
		ProjectID:   req.ProjectID,
		Type:        task.TypeCharacterReference,
		SceneID:     req.SceneID,
		CharacterID: req.CharacterID,
		Model:       req.Model,
		Size:        req.Size,
		Items: []orchestrator.SubmitItem{{
			ShotID:   req.ShotID,
			Prompt:   req.Prompt,
			Duration: seconds,
			ImageURL: req.ImageURL,
		}},
	})
	if err != nil {
		return nil, err
	}
	t := res.Tasks[0]
	r.logger.Info("reference video submitted",
		slog.String("character_id", req.CharacterID),
		slog.String("task_id", t.ID),
		slog.String("status", string(t.Status)),
	)
	return t, nil
}

// WaitAndRegisterTask polls a reference task until it is terminal, then
// registers its video. The wait is bounded by Config.MaxWait; on timeout the
// identity stays pending and ErrTimeout is returned.
func (r *Registrar) WaitAndRegisterTask(ctx context.Context, userID, taskID string, sampleTimestamps []float64) (*Identity, error) {
	log := r.logger.With(slog.String("task_id", taskID), slog.String("user_id", userID))

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.MaxWait)
	defer cancel()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	var ref *task.Task
	for {
		view, err := r.tasks.GetStatus(waitCtx, userID, taskID)
		switch {
		case err == nil:
			if view.Task.Type != task.TypeCharacterReference || view.Task.CharacterID == "" {
				return nil, fmt.Errorf("%w: %s", ErrNotReferenceTask, taskID)
			}
			ref = view.Task
			switch view.Status {
			case string(task.StatusCompleted):
				return r.registerReference(ctx, log, ref, view.VideoURL, sampleTimestamps)
			case string(task.StatusFailed):
				detail := fmt.Sprintf("reference task %s failed: %s", taskID, view.Error)
				r.recordPending(ctx, log, ref, detail)
				return nil, fmt.Errorf("%w: %s", ErrReferenceFailed, view.Error)
			}
		case errors.Is(err, orchestrator.ErrProviderUnavailable) && waitCtx.Err() == nil:
			log.Warn("provider unavailable while waiting for reference video", slog.String("error", err.Error()))
		case waitCtx.Err() == nil || ctx.Err() != nil:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCtx.Done():
			if ref != nil {
				r.recordPending(ctx, log, ref, fmt.Sprintf("timed out after %s waiting for reference task %s", r.cfg.MaxWait, taskID))
			}
			return nil, fmt.Errorf("%w: task %s", ErrTimeout, taskID)
		case <-ticker.C:
		}
	}
}

// RegisterRequest registers a character directly from an existing reference video.
type RegisterRequest struct {
	UserID      string `validate:"required"`
	ProjectID   string `validate:"required"`
	CharacterID string `validate:"required,max=64"`
	// VideoURL overrides the stored and task-derived reference video.
	VideoURL         string `validate:"omitempty,url"`
	SampleTimestamps []float64
}

// RegisterCharacter registers a character synchronously. The reference video
// is the explicit URL, else the stored identity's video, else the newest
// completed reference task of the character.
func (r *Registrar) RegisterCharacter(ctx context.Context, req RegisterRequest) (*Identity, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrValidation, err.Error())
	}
	if err := r.authorize(ctx, req.ProjectID, req.UserID); err != nil {
		return nil, err
	}
	ident, err := r.loadIdentity(ctx, req.CharacterID, req.UserID, req.ProjectID)
	if err != nil {
		return nil, err
	}

	videoURL := req.VideoURL
	if videoURL == "" {
		videoURL = ident.ReferenceVideoURL
	}
	if videoURL == "" {
		ref, err := r.tasks.LatestReference(ctx, req.UserID, req.ProjectID, req.CharacterID)
		switch {
		case err == nil:
			videoURL = ref.VideoURL()
			ident.ReferenceTaskID = ref.ID
		case !errors.Is(err, task.ErrTaskNotFound):
			return nil, err
		}
	}
	if videoURL == "" {
		return nil, fmt.Errorf("%w: character %s", ErrMissingReferenceVideo, req.CharacterID)
	}

	log := r.logger.With(slog.String("character_id", req.CharacterID), slog.String("user_id", req.UserID))
	return r.register(ctx, log, ident, videoURL, req.SampleTimestamps)
}

// Identity returns the stored identity of characterID when userID owns its project.
func (r *Registrar) Identity(ctx context.Context, userID, characterID string) (*Identity, error) {
	ident, err := r.repo.Get(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, ident.ProjectID, userID); err != nil {
		return nil, err
	}
	return ident, nil
}

// Registration is a detached wait-and-register run.
type Registration struct {
	done     chan struct{}
	identity *Identity
	err      error
}

// Done is closed when the registration finished.
func (g *Registration) Done() <-chan struct{} {
	return g.done
}

// Err blocks until Done and returns the outcome.
func (g *Registration) Err() error {
	<-g.done
	return g.err
}

// Identity returns the registered identity, or nil on failure. It blocks until Done.
func (g *Registration) Identity() *Identity {
	<-g.done
	return g.identity
}

// StartRegistration runs WaitAndRegisterTask in the background, detached from
// ctx cancellation. Failures are logged and recorded on the identity.
func (r *Registrar) StartRegistration(ctx context.Context, userID, taskID string, sampleTimestamps []float64) *Registration {
	g := &Registration{done: make(chan struct{})}
	bg := context.WithoutCancel(ctx)
	go func() {
		defer close(g.done)
		g.identity, g.err = r.WaitAndRegisterTask(bg, userID, taskID, sampleTimestamps)
		if g.err != nil {
			r.logger.Error("background character registration failed",
				slog.String("task_id", taskID),
				slog.String("user_id", userID),
				slog.String("error", g.err.Error()),
			)
		}
	}()
	return g
}

func (r *Registrar) registerReference(ctx context.Context, log *slog.Logger, ref *task.Task, videoURL string, ts []float64) (*Identity, error) {
	ident, err := r.loadIdentity(ctx, ref.CharacterID, ref.UserID, ref.ProjectID)
	if err != nil {
		return nil, err
	}
	ident.ReferenceTaskID = ref.ID
	if videoURL == "" {
		ident.RecordFailure("reference task completed without a video url")
		r.save(ctx, log, ident)
		return nil, fmt.Errorf("%w: task %s", ErrMissingReferenceVideo, ref.ID)
	}
	return r.register(ctx, log.With(slog.String("character_id", ref.CharacterID)), ident, videoURL, ts)
}

// register calls the provider and persists the outcome on ident.
func (r *Registrar) register(ctx context.Context, log *slog.Logger, ident *Identity, videoURL string, ts []float64) (*Identity, error) {
	if ts == nil {
		ts = provider.DefaultSampleTimestamps
	}
	if ident.ReferenceVideoURL == "" {
		ident.ReferenceVideoURL = videoURL
	}

	code, err := r.provider.RegisterCharacterIdentity(ctx, videoURL, ts)
	metrics.RegistrationsTotal.WithLabelValues(metrics.Outcome(err)).Inc()
	if err != nil {
		ident.RecordFailure(err.Error())
		r.save(ctx, log, ident)
		log.Warn("character registration failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	if err := ident.MarkRegistered(videoURL, code); err != nil {
		return nil, err
	}
	if err := r.repo.Save(ctx, ident); err != nil {
		return nil, fmt.Errorf("save identity %s: %w", ident.CharacterID, err)
	}
	log.Info("character registered", slog.String("identity_code", code))
	return ident, nil
}

// recordPending stores detail on the identity of ref without touching its registration.
func (r *Registrar) recordPending(ctx context.Context, log *slog.Logger, ref *task.Task, detail string) {
	ident, err := r.loadIdentity(ctx, ref.CharacterID, ref.UserID, ref.ProjectID)
	if err != nil {
		log.Warn("could not load identity", slog.String("error", err.Error()))
		return
	}
	ident.ReferenceTaskID = ref.ID
	ident.RecordFailure(detail)
	r.save(context.WithoutCancel(ctx), log, ident)
}

func (r *Registrar) save(ctx context.Context, log *slog.Logger, ident *Identity) {
	if err := r.repo.Save(ctx, ident); err != nil {
		log.Error("failed to save identity", slog.String("character_id", ident.CharacterID), slog.String("error", err.Error()))
	}
}

// loadIdentity returns the stored identity or a new pending one. An identity
// recorded under another project is not reassigned.
func (r *Registrar) loadIdentity(ctx context.Context, characterID, userID, projectID string) (*Identity, error) {
	ident, err := r.repo.Get(ctx, characterID)
	switch {
	case errors.Is(err, ErrIdentityNotFound):
		return NewIdentity(characterID, userID, projectID)
	case err != nil:
		return nil, err
	}
	if ident.ProjectID != projectID {
		return nil, fmt.Errorf("%w: character %s belongs to another project", orchestrator.ErrAuthorization, characterID)
	}
	return ident, nil
}

func (r *Registrar) authorize(ctx context.Context, projectID, userID string) error {
	if err := access.Check(ctx, r.owners, projectID, userID); err != nil {
		if errors.Is(err, access.ErrForbidden) {
			return fmt.Errorf("%w: %s", orchestrator.ErrAuthorization, projectID)
		}
		return err
	}
	return nil
}
