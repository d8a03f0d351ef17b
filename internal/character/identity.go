// Package character registers characters with the provider so their identity
// codes can be used in later generation prompts.
package character

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Status is the registration state of a character identity.
type Status string

// Identity statuses.
const (
	// StatusPending means no provider identity code has been obtained yet.
	StatusPending Status = "pending"
	// StatusRegistered means the provider issued an identity code.
	StatusRegistered Status = "registered"
)

var (
	// ErrIdentityNotFound is returned when no identity is stored for a character.
	ErrIdentityNotFound = errors.New("character: identity not found")
	// ErrInvalidIdentity is returned when an identity fails validation.
	ErrInvalidIdentity = errors.New("character: invalid identity")
	// ErrMissingReferenceVideo is returned when no reference video URL can be resolved.
	ErrMissingReferenceVideo = errors.New("character: no reference video")
	// ErrTimeout is returned when the reference video does not finish within the maximum wait.
	ErrTimeout = errors.New("character: timed out waiting for reference video")
	// ErrReferenceFailed is returned when the reference video task failed.
	ErrReferenceFailed = errors.New("character: reference video failed")
	// ErrNotReferenceTask is returned when a task is not a character reference task.
	ErrNotReferenceTask = errors.New("character: task is not a character reference")
	// ErrRegistrationFailed wraps provider failures during registration.
	ErrRegistrationFailed = errors.New("character: registration failed")
)

// IdentityTableName is the name of the identity table.
const IdentityTableName = "character_identities"

// Identity is the provider identity of one character.
type Identity struct {
	CharacterID string `gorm:"column:character_id;primaryKey;size:64" json:"characterId" validate:"required,max=64"`
	UserID      string `gorm:"column:user_id;not null;size:64" json:"userId" validate:"required,max=64"`
	ProjectID   string `gorm:"column:project_id;not null;size:64;index" json:"projectId" validate:"required,max=64"`

	ReferenceVideoURL    string `gorm:"column:reference_video_url;type:text" json:"referenceVideoUrl,omitempty" validate:"omitempty,url"`
	ReferenceTaskID      string `gorm:"column:reference_task_id;size:128" json:"referenceTaskId,omitempty"`
	ProviderIdentityCode string `gorm:"column:provider_identity_code;size:128" json:"providerIdentityCode,omitempty"`
	Status               Status `gorm:"column:status;size:16;not null" json:"status" validate:"oneof=pending registered"`
	// LastError holds the most recent registration failure, cleared on success.
	LastError string `gorm:"column:last_error;type:text" json:"lastError,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName returns the gorm table name.
func (*Identity) TableName() string {
	return IdentityTableName
}

var validate = validator.New()

// NewIdentity creates a pending identity.
func NewIdentity(characterID, userID, projectID string) (*Identity, error) {
	now := time.Now().UTC()
	i := &Identity{
		CharacterID: characterID,
		UserID:      userID,
		ProjectID:   projectID,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := i.Validate(); err != nil {
		return nil, err
	}
	return i, nil
}

// Validate checks the identity fields and the registered-state invariant.
func (i *Identity) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidIdentity, err.Error())
	}
	if i.Status == StatusRegistered && (i.ProviderIdentityCode == "" || i.ReferenceVideoURL == "") {
		return fmt.Errorf("%w: registered identity needs a code and a reference video", ErrInvalidIdentity)
	}
	return nil
}

// MarkRegistered records a successful registration of videoURL.
func (i *Identity) MarkRegistered(videoURL, code string) error {
	if videoURL == "" {
		return ErrMissingReferenceVideo
	}
	if code == "" {
		return fmt.Errorf("%w: empty identity code", ErrInvalidIdentity)
	}
	i.ReferenceVideoURL = videoURL
	i.ProviderIdentityCode = code
	i.Status = StatusRegistered
	i.LastError = ""
	i.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordFailure keeps the current registration state and stores detail as LastError.
func (i *Identity) RecordFailure(detail string) {
	i.LastError = detail
	i.UpdatedAt = time.Now().UTC()
}

// IsRegistered returns true once the provider issued an identity code.
func (i *Identity) IsRegistered() bool {
	return i.Status == StatusRegistered && i.ProviderIdentityCode != ""
}

// Clone creates a copy of the identity for safe reads.
func (i *Identity) Clone() *Identity {
	c := *i
	return &c
}
