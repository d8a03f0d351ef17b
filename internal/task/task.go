// Package task provides the Task record for video-generation work, its status
// state machine, and the repository port used as the durable Task Store.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/storyboard-tasks/internal/task/id"
)

// Type classifies what a task generates.
type Type string

const (
	// TypeShotGeneration renders a storyboard shot.
	TypeShotGeneration Type = "shot_generation"
	// TypeCharacterReference renders a short reference clip used to register a character identity.
	TypeCharacterReference Type = "character_reference"
)

// IsValid returns true if the type is known.
func (t Type) IsValid() bool {
	return t == TypeShotGeneration || t == TypeCharacterReference
}

// Status represents the canonical lifecycle state of a Task.
type Status string

const (
	// StatusQueued indicates the task row exists but the provider has not acknowledged it yet.
	StatusQueued Status = "queued"
	// StatusProcessing indicates the provider accepted the job and is working on it.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the provider produced a result.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the provider rejected or lost the job.
	StatusFailed Status = "failed"
)

// Statuses lists every canonical status.
var Statuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}

// rank orders statuses along the forward-only lifecycle.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// IsValid returns true if s is one of the canonical statuses.
func (s Status) IsValid() bool {
	return s.rank() >= 0
}

// IsTerminal returns true for completed and failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a task in status from may be written with status to.
// Terminal statuses never change; otherwise status only moves forward, and a
// same-status write (progress or URL refresh) is allowed.
func CanTransition(from, to Status) bool {
	if !from.IsValid() || !to.IsValid() || from.IsTerminal() {
		return false
	}
	return to.rank() >= from.rank()
}

// Predecessors returns every status from which a write of status to is allowed.
func Predecessors(to Status) []Status {
	var out []Status
	for _, s := range Statuses {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// Errors returned by the task package.
var (
	// ErrTaskNotFound is returned when a task cannot be found by ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned when creating a task whose ID is already stored.
	ErrTaskExists = errors.New("task already exists")
	// ErrInvalidTransition is returned when a state write would move a task backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotCompleted is returned when a permanent URL is written for a task that is not completed.
	ErrNotCompleted = errors.New("task is not completed")
	// ErrInvalidTask is returned when a task fails constructor validation.
	ErrInvalidTask = errors.New("invalid task")
)

// TableName is the name of the task table.
const TableName = "generation_tasks"

// Task is a single unit of generation work tracked from submission to a terminal state.
type Task struct {
	ID          string `gorm:"column:id;primaryKey;size:128" json:"id" validate:"required,max=128"`
	UserID      string `gorm:"column:user_id;not null;size:64;index" json:"userId" validate:"required,max=64"`
	ProjectID   string `gorm:"column:project_id;not null;size:64;index" json:"projectId" validate:"required,max=64"`
	SceneID     string `gorm:"column:scene_id;size:64" json:"sceneId,omitempty" validate:"max=64"`
	ShotID      string `gorm:"column:shot_id;size:64" json:"shotId,omitempty" validate:"max=64"`
	CharacterID string `gorm:"column:character_id;size:64;index" json:"characterId,omitempty" validate:"max=64"`

	// BatchID groups the sub-tasks created by one submit call; Sequence is the sub-task index.
	BatchID  string `gorm:"column:batch_id;size:64" json:"batchId,omitempty"`
	Sequence int    `gorm:"column:sequence;not null;default:0" json:"sequence"`

	Type     Type   `gorm:"column:type;size:32;not null" json:"type" validate:"required"`
	Status   Status `gorm:"column:status;size:32;not null" json:"status"`
	Progress int    `gorm:"column:progress;not null;default:0" json:"progress"`

	Model          string `gorm:"column:model;size:64" json:"model,omitempty"`
	Prompt         string `gorm:"column:prompt;type:text" json:"prompt,omitempty"`
	TargetDuration int    `gorm:"column:target_duration;not null;default:0" json:"targetDuration" validate:"gte=0"`
	TargetSize     string `gorm:"column:target_size;size:32" json:"targetSize,omitempty"`
	PointCost      int    `gorm:"column:point_cost;not null;default:0" json:"pointCost"`

	ProviderJobID string `gorm:"column:provider_job_id;size:128" json:"providerJobId,omitempty"`
	ProviderURL   string `gorm:"column:provider_url;type:text" json:"providerUrl,omitempty"`
	PermanentURL  string `gorm:"column:permanent_url;type:text" json:"permanentUrl,omitempty"`
	Error         string `gorm:"column:error;type:text" json:"error,omitempty"`

	// Version increments on every write after creation.
	Version   int       `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName returns the gorm table name.
func (*Task) TableName() string {
	return TableName
}

// Params are the inputs accepted by New.
type Params struct {
	ID             string
	UserID         string
	ProjectID      string
	SceneID        string
	ShotID         string
	CharacterID    string
	BatchID        string
	Sequence       int
	Type           Type
	Model          string
	Prompt         string
	TargetDuration int
	TargetSize     string
	ProviderJobID  string
}

var validate = validator.New()

// New creates a validated Task in queued status.
// An ID is generated when p.ID is empty.
func New(p Params) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID:             p.ID,
		UserID:         p.UserID,
		ProjectID:      p.ProjectID,
		SceneID:        p.SceneID,
		ShotID:         p.ShotID,
		CharacterID:    p.CharacterID,
		BatchID:        p.BatchID,
		Sequence:       p.Sequence,
		Type:           p.Type,
		Status:         StatusQueued,
		Model:          p.Model,
		Prompt:         p.Prompt,
		TargetDuration: p.TargetDuration,
		TargetSize:     p.TargetSize,
		ProviderJobID:  p.ProviderJobID,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.ID == "" {
		t.ID = id.Generate()
	}
	if err := validate.Struct(t); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTask, err.Error())
	}
	if !t.Type.IsValid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidTask, t.Type)
	}
	return t, nil
}

// EffectiveProgress returns the progress reported to callers: always 100 for a
// completed task, otherwise the stored value clamped to [0,100].
func (t *Task) EffectiveProgress() int {
	if t.Status == StatusCompleted {
		return 100
	}
	return ClampProgress(t.Progress)
}

// VideoURL returns the best available result URL: permanent, then provider, then "".
func (t *Task) VideoURL() string {
	if t.PermanentURL != "" {
		return t.PermanentURL
	}
	return t.ProviderURL
}

// NeedsMigration returns true when the result exists only at the transient provider URL.
func (t *Task) NeedsMigration() bool {
	return t.Status == StatusCompleted && t.PermanentURL == "" && t.ProviderURL != ""
}

// Linkage returns the asset linkage of the task.
func (t *Task) Linkage() Linkage {
	return Linkage{SceneID: t.SceneID, ShotID: t.ShotID, CharacterID: t.CharacterID}
}

// State returns the reconciliation-owned fields of the task.
func (t *Task) State() State {
	return State{
		Status:        t.Status,
		Progress:      t.Progress,
		ProviderJobID: t.ProviderJobID,
		ProviderURL:   t.ProviderURL,
		Error:         t.Error,
		PointCost:     t.PointCost,
	}
}

// Clone creates a copy of the task for safe reads.
func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// apply copies s into t and bumps the version.
func (t *Task) apply(s State, now time.Time) {
	t.Status = s.Status
	t.Progress = s.Progress
	t.ProviderJobID = s.ProviderJobID
	t.ProviderURL = s.ProviderURL
	t.Error = s.Error
	t.PointCost = s.PointCost
	t.Version++
	t.UpdatedAt = now
}

// State holds the fields written by submission and reconciliation.
type State struct {
	Status        Status
	Progress      int
	ProviderJobID string
	ProviderURL   string
	Error         string
	PointCost     int
}

// Linkage ties a task to the creative asset it generates.
type Linkage struct {
	SceneID     string
	ShotID      string
	CharacterID string
}

// IsZero returns true if no linkage field is set.
func (l Linkage) IsZero() bool {
	return l == Linkage{}
}

// ClampProgress bounds p to [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
