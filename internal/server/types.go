// Package server provides the HTTP server for the storyboard task API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/storyboard-tasks/internal/character"
	"github.com/maauso/storyboard-tasks/internal/orchestrator"
	"github.com/maauso/storyboard-tasks/internal/task"
)

// SubmitItemRequest is one shot to generate.
type SubmitItemRequest struct {
	SceneID string `json:"scene_id" validate:"max=64"`
	ShotID  string `json:"shot_id" validate:"max=64"`
	// Prompt is the generation prompt; it may reference registered character codes.
	Prompt string `json:"prompt" validate:"required,max=4000"`
	// Duration is the target length in seconds; longer shots are split into sub-tasks.
	Duration int `json:"duration" validate:"gte=0,lte=600"`
	// ImageURL is an optional first-frame image.
	ImageURL       string   `json:"image_url" validate:"omitempty,url"`
	CharacterCodes []string `json:"character_codes" validate:"dive,required,max=128"`
}

// SubmitTasksRequest is the HTTP request body for POST /projects/{projectID}/tasks.
type SubmitTasksRequest struct {
	Type        string              `json:"type" validate:"omitempty,oneof=shot_generation character_reference"`
	SceneID     string              `json:"scene_id" validate:"max=64"`
	CharacterID string              `json:"character_id" validate:"max=64"`
	Model       string              `json:"model" validate:"max=64"`
	Size        string              `json:"size" validate:"max=32"`
	Items       []SubmitItemRequest `json:"items" validate:"required,min=1,max=50,dive"`
}

// SubmitTasksResponse lists the created tasks.
type SubmitTasksResponse struct {
	BatchID string         `json:"batch_id"`
	TaskIDs []string       `json:"task_ids"`
	Tasks   []TaskResponse `json:"tasks"`
}

// TaskResponse is the HTTP representation of a task.
// URL fields are null until known.
type TaskResponse struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	SceneID     string `json:"scene_id,omitempty"`
	ShotID      string `json:"shot_id,omitempty"`
	CharacterID string `json:"character_id,omitempty"`
	Type        string `json:"type"`
	// Status is one of queued, processing, completed, failed, or a raw
	// provider status when KnownStatus is false.
	Status       string    `json:"status"`
	KnownStatus  bool      `json:"known_status"`
	Progress     int       `json:"progress"`
	VideoURL     *string   `json:"video_url"`
	ProviderURL  *string   `json:"provider_url"`
	PermanentURL *string   `json:"permanent_url"`
	Error        string    `json:"error,omitempty"`
	BatchID      string    `json:"batch_id,omitempty"`
	Sequence     int       `json:"sequence"`
	PointCost    int       `json:"point_cost"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListTasksResponse is the HTTP response for GET /projects/{projectID}/tasks.
type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// BackfillDescriptor describes one externally known task.
type BackfillDescriptor struct {
	ID            string `json:"id" validate:"required,max=128"`
	ProviderJobID string `json:"provider_job_id" validate:"max=128"`
	Type          string `json:"type" validate:"omitempty,oneof=shot_generation character_reference"`
	SceneID       string `json:"scene_id" validate:"max=64"`
	ShotID        string `json:"shot_id" validate:"max=64"`
	CharacterID   string `json:"character_id" validate:"max=64"`
	Prompt        string `json:"prompt"`
	Model         string `json:"model" validate:"max=64"`
}

// BackfillRequest is the HTTP request body for POST /projects/{projectID}/tasks/backfill.
type BackfillRequest struct {
	Tasks []BackfillDescriptor `json:"tasks" validate:"required,max=500,dive"`
}

// BackfillResponse reports the rows written by a backfill.
type BackfillResponse struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// ReferenceVideoRequest is the HTTP request body for POST /characters/{characterID}/reference-video.
type ReferenceVideoRequest struct {
	ProjectID string `json:"project_id" validate:"required,max=64"`
	SceneID   string `json:"scene_id" validate:"max=64"`
	ShotID    string `json:"shot_id" validate:"max=64"`
	Prompt    string `json:"prompt" validate:"required,max=4000"`
	Duration  int    `json:"duration" validate:"gte=0,lte=60"`
	ImageURL  string `json:"image_url" validate:"omitempty,url"`
	Model     string `json:"model" validate:"max=64"`
	Size      string `json:"size" validate:"max=32"`
	// AutoRegister starts a background registration once the video completes.
	AutoRegister     bool      `json:"auto_register"`
	SampleTimestamps []float64 `json:"sample_timestamps" validate:"dive,gte=0"`
}

// ReferenceVideoResponse is the HTTP response after submitting a reference video.
type ReferenceVideoResponse struct {
	Task                TaskResponse `json:"task"`
	RegistrationStarted bool         `json:"registration_started"`
}

// RegisterTaskRequest is the optional body of POST /tasks/{id}/register-character.
type RegisterTaskRequest struct {
	SampleTimestamps []float64 `json:"sample_timestamps" validate:"dive,gte=0"`
}

// RegisterCharacterRequest is the HTTP request body for POST /characters/{characterID}/register.
type RegisterCharacterRequest struct {
	ProjectID        string    `json:"project_id" validate:"required,max=64"`
	VideoURL         string    `json:"video_url" validate:"omitempty,url"`
	SampleTimestamps []float64 `json:"sample_timestamps" validate:"dive,gte=0"`
}

// IdentityResponse is the HTTP representation of a character identity.
type IdentityResponse struct {
	CharacterID          string    `json:"character_id"`
	ProjectID            string    `json:"project_id"`
	Status               string    `json:"status"`
	ReferenceVideoURL    string    `json:"reference_video_url,omitempty"`
	ReferenceTaskID      string    `json:"reference_task_id,omitempty"`
	ProviderIdentityCode string    `json:"provider_identity_code,omitempty"`
	LastError            string    `json:"last_error,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func newTaskResponse(t *task.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		ProjectID:    t.ProjectID,
		SceneID:      t.SceneID,
		ShotID:       t.ShotID,
		CharacterID:  t.CharacterID,
		Type:         string(t.Type),
		Status:       string(t.Status),
		KnownStatus:  true,
		Progress:     t.EffectiveProgress(),
		VideoURL:     optional(t.VideoURL()),
		ProviderURL:  optional(t.ProviderURL),
		PermanentURL: optional(t.PermanentURL),
		Error:        t.Error,
		BatchID:      t.BatchID,
		Sequence:     t.Sequence,
		PointCost:    t.PointCost,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func newStatusResponse(v *orchestrator.StatusView) TaskResponse {
	resp := newTaskResponse(v.Task)
	resp.Status = v.Status
	resp.KnownStatus = v.KnownStatus
	resp.Progress = v.Progress
	resp.VideoURL = optional(v.VideoURL)
	resp.ProviderURL = optional(v.ProviderURL)
	resp.PermanentURL = optional(v.PermanentURL)
	resp.Error = v.Error
	return resp
}

func newTaskResponses(tasks []*task.Task) []TaskResponse {
	out := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = newTaskResponse(t)
	}
	return out
}

func newIdentityResponse(i *character.Identity) IdentityResponse {
	return IdentityResponse{
		CharacterID:          i.CharacterID,
		ProjectID:            i.ProjectID,
		Status:               string(i.Status),
		ReferenceVideoURL:    i.ReferenceVideoURL,
		ReferenceTaskID:      i.ReferenceTaskID,
		ProviderIdentityCode: i.ProviderIdentityCode,
		LastError:            i.LastError,
		UpdatedAt:            i.UpdatedAt,
	}
}
