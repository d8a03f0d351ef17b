package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/maauso/storyboard-tasks/internal/access"
	"github.com/maauso/storyboard-tasks/internal/metrics"
	"github.com/maauso/storyboard-tasks/internal/provider"
	"github.com/maauso/storyboard-tasks/internal/task"
	"github.com/maauso/storyboard-tasks/internal/task/id"
)

var validate = validator.New()

// SubmitItem is one shot (or reference clip) to generate.
type SubmitItem struct {
	SceneID  string `validate:"max=64"`
	ShotID   string `validate:"max=64"`
	Prompt   string `validate:"required"`
	Duration int    `validate:"gte=0"`
	ImageURL string `validate:"omitempty,url"`
	// CharacterCodes are registered identity codes forwarded to the provider.
	CharacterCodes []string `validate:"dive,required"`
}

// SubmitRequest covers a single shot, a set of shots or a whole project batch.
type SubmitRequest struct {
	UserID    string      `validate:"required"`
	Role      access.Role `validate:"-"`
	ProjectID string      `validate:"required"`
	// Type defaults to task.TypeShotGeneration.
	Type        task.Type
	SceneID     string `validate:"max=64"`
	CharacterID string `validate:"max=64"`
	Model       string
	Size        string
	Items       []SubmitItem `validate:"required,min=1,dive"`
}

// SubmitResult lists the created tasks in submission order.
type SubmitResult struct {
	BatchID string
	Tasks   []*task.Task
}

// TaskIDs returns the ids of the created tasks.
func (r *SubmitResult) TaskIDs() []string {
	ids := make([]string, len(r.Tasks))
	for i, t := range r.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// planned is one sub-task row plus the provider spec that goes with it.
type planned struct {
	task *task.Task
	spec provider.JobSpec
}

// Submit validates the request, checks ownership and provider reachability,
// writes one queued row per sub-task, then submits every sub-task to the provider.
// Accepted sub-tasks are never rolled back; rejected ones are marked failed.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.Type == "" {
		req.Type = task.TypeShotGeneration
	}
	if err := s.validateSubmit(req); err != nil {
		return nil, err
	}
	batchID := id.GenerateBatch()
	plan, err := s.plan(req, batchID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, req.ProjectID, req.UserID); err != nil {
		return nil, err
	}
	if err := s.provider.AssertReachable(ctx); err != nil {
		return nil, err
	}

	log := s.logger.With(
		slog.String("batch_id", batchID),
		slog.String("project_id", req.ProjectID),
		slog.String("user_id", req.UserID),
	)
	log.Info("submitting batch",
		slog.Int("items", len(req.Items)),
		slog.Int("sub_tasks", len(plan)),
		slog.String("type", string(req.Type)),
	)

	for i, p := range plan {
		if err := s.repo.Create(ctx, p.task); err != nil {
			s.abandon(ctx, plan[:i], fmt.Sprintf("batch aborted: %v", err))
			return nil, fmt.Errorf("create task %s: %w", p.task.ID, err)
		}
	}

	results := make([]*task.Task, len(plan))
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrentSubmits)
	for i, p := range plan {
		g.Go(func() error {
			results[i] = s.submitOne(ctx, log, req.Role, p)
			return nil
		})
	}
	_ = g.Wait()

	return &SubmitResult{BatchID: batchID, Tasks: results}, nil
}

func (s *Service) validateSubmit(req SubmitRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	if !req.Type.IsValid() {
		return fmt.Errorf("%w: unknown task type %q", ErrValidation, req.Type)
	}
	if req.Type == task.TypeCharacterReference && req.CharacterID == "" {
		return fmt.Errorf("%w: character id is required for %s", ErrValidation, req.Type)
	}
	return nil
}

// plan expands every item into its sub-tasks.
func (s *Service) plan(req SubmitRequest, batchID string) ([]planned, error) {
	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	size := req.Size
	if size == "" {
		size = s.cfg.DefaultSize
	}

	var plan []planned
	for _, item := range req.Items {
		parts := SplitDuration(item.Duration, s.cfg.MaxJobSeconds)
		if len(plan)+len(parts) > s.cfg.MaxSubtasks {
			return nil, fmt.Errorf("%w: request needs more than %d sub-tasks", ErrValidation, s.cfg.MaxSubtasks)
		}
		sceneID := item.SceneID
		if sceneID == "" {
			sceneID = req.SceneID
		}
		for _, seconds := range parts {
			t, err := task.New(task.Params{
				UserID:         req.UserID,
				ProjectID:      req.ProjectID,
				SceneID:        sceneID,
				ShotID:         item.ShotID,
				CharacterID:    req.CharacterID,
				BatchID:        batchID,
				Sequence:       len(plan),
				Type:           req.Type,
				Model:          model,
				Prompt:         item.Prompt,
				TargetDuration: seconds,
				TargetSize:     size,
			})
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrValidation, err)
			}
			plan = append(plan, planned{
				task: t,
				spec: provider.JobSpec{
					Model:          model,
					Prompt:         item.Prompt,
					Seconds:        seconds,
					Size:           size,
					ImageURL:       item.ImageURL,
					CharacterCodes: item.CharacterCodes,
				},
			})
		}
	}
	return plan, nil
}

// submitOne submits a queued row and records the outcome on it.
func (s *Service) submitOne(ctx context.Context, log *slog.Logger, role access.Role, p planned) *task.Task {
	log = log.With(slog.String("task_id", p.task.ID), slog.Int("sequence", p.task.Sequence))

	handle, err := s.provider.SubmitJob(ctx, p.spec)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues(string(p.task.Type), "rejected").Inc()
		log.Warn("provider rejected sub-task", slog.String("error", err.Error()))
		return s.markFailed(ctx, log, p.task, err.Error())
	}
	metrics.SubmissionsTotal.WithLabelValues(string(p.task.Type), "accepted").Inc()

	cost := s.ledger.CalculateCost(p.task.Type, role)
	updated, err := s.repo.UpdateState(ctx, p.task.ID, task.State{
		Status:        task.StatusProcessing,
		ProviderJobID: handle,
		PointCost:     cost,
	})
	if err != nil {
		log.Error("failed to record provider job",
			slog.String("provider_job_id", handle),
			slog.String("error", err.Error()),
		)
		updated = p.task
	}

	if cost > 0 {
		reason := fmt.Sprintf("%s %s", p.task.Type, p.task.ID)
		if err := s.ledger.ConsumeCredits(ctx, p.task.UserID, cost, reason); err != nil {
			log.Warn("failed to consume credits",
				slog.Int("amount", cost),
				slog.String("error", err.Error()),
			)
		}
	}

	log.Info("sub-task accepted", slog.String("provider_job_id", handle))
	return updated
}

func (s *Service) markFailed(ctx context.Context, log *slog.Logger, t *task.Task, detail string) *task.Task {
	next := t.State()
	next.Status = task.StatusFailed
	next.Error = detail
	updated, err := s.repo.UpdateState(ctx, t.ID, next)
	if err != nil {
		log.Error("failed to mark task failed", slog.String("error", err.Error()))
		return t
	}
	return updated
}

// abandon marks rows created before a storage failure as failed so they are not left queued forever.
func (s *Service) abandon(ctx context.Context, created []planned, detail string) {
	for _, p := range created {
		s.markFailed(ctx, s.logger.With(slog.String("task_id", p.task.ID)), p.task, detail)
	}
}

// SplitDuration divides total seconds into the fewest parts no longer than limit,
// as evenly as possible (earlier parts take the remainder).
// A non-positive total yields one part of that length; a non-positive limit disables splitting.
func SplitDuration(total, limit int) []int {
	if total <= 0 || limit <= 0 || total <= limit {
		return []int{total}
	}
	n := (total + limit - 1) / limit
	base, rem := total/n, total%n
	parts := make([]int, n)
	for i := range parts {
		parts[i] = base
		if i < rem {
			parts[i]++
		}
	}
	return parts
}
