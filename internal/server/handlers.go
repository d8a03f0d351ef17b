package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/storyboard-tasks/internal/access"
	"github.com/maauso/storyboard-tasks/internal/character"
	"github.com/maauso/storyboard-tasks/internal/orchestrator"
	"github.com/maauso/storyboard-tasks/internal/provider"
	"github.com/maauso/storyboard-tasks/internal/task"
)

// TaskService is the orchestrator surface used by the handlers.
type TaskService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.SubmitResult, error)
	GetStatus(ctx context.Context, userID, taskID string) (*orchestrator.StatusView, error)
	ListTasks(ctx context.Context, userID, projectID string) ([]*task.Task, error)
	Backfill(ctx context.Context, userID, projectID string, descriptors []orchestrator.Descriptor) (orchestrator.BackfillResult, error)
}

// CharacterService is the registrar surface used by the handlers.
type CharacterService interface {
	GenerateReferenceVideo(ctx context.Context, req character.ReferenceRequest) (*task.Task, error)
	StartRegistration(ctx context.Context, userID, taskID string, sampleTimestamps []float64) *character.Registration
	WaitAndRegisterTask(ctx context.Context, userID, taskID string, sampleTimestamps []float64) (*character.Identity, error)
	RegisterCharacter(ctx context.Context, req character.RegisterRequest) (*character.Identity, error)
	Identity(ctx context.Context, userID, characterID string) (*character.Identity, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	tasks      TaskService
	characters CharacterService
	validator  *validator.Validate
	logger     *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(tasks TaskService, characters CharacterService, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		tasks:      tasks,
		characters: characters,
		validator:  validator.New(),
		logger:     logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// SubmitTasks handles POST /projects/{projectID}/tasks requests.
func (h *Handlers) SubmitTasks(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req SubmitTasksRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	items := make([]orchestrator.SubmitItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = orchestrator.SubmitItem{
			SceneID:        it.SceneID,
			ShotID:         it.ShotID,
			Prompt:         it.Prompt,
			Duration:       it.Duration,
			ImageURL:       it.ImageURL,
			CharacterCodes: it.CharacterCodes,
		}
	}

	res, err := h.tasks.Submit(r.Context(), orchestrator.SubmitRequest{
		UserID:      p.UserID,
		Role:        p.Role,
		ProjectID:   r.PathValue("projectID"),
		Type:        task.Type(req.Type),
		SceneID:     req.SceneID,
		CharacterID: req.CharacterID,
		Model:       req.Model,
		Size:        req.Size,
		Items:       items,
	})
	if err != nil {
		h.writeServiceError(w, "submit tasks", err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitTasksResponse{
		BatchID: res.BatchID,
		TaskIDs: res.TaskIDs(),
		Tasks:   newTaskResponses(res.Tasks),
	})
}

// ListTasks handles GET /projects/{projectID}/tasks requests.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	tasks, err := h.tasks.ListTasks(r.Context(), p.UserID, r.PathValue("projectID"))
	if err != nil {
		h.writeServiceError(w, "list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, ListTasksResponse{Tasks: newTaskResponses(tasks)})
}

// Backfill handles POST /projects/{projectID}/tasks/backfill requests.
func (h *Handlers) Backfill(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req BackfillRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	descriptors := make([]orchestrator.Descriptor, len(req.Tasks))
	for i, d := range req.Tasks {
		descriptors[i] = orchestrator.Descriptor{
			ID:            d.ID,
			ProviderJobID: d.ProviderJobID,
			Type:          task.Type(d.Type),
			SceneID:       d.SceneID,
			ShotID:        d.ShotID,
			CharacterID:   d.CharacterID,
			Prompt:        d.Prompt,
			Model:         d.Model,
		}
	}

	res, err := h.tasks.Backfill(r.Context(), p.UserID, r.PathValue("projectID"), descriptors)
	if err != nil {
		h.writeServiceError(w, "backfill", err)
		return
	}
	writeJSON(w, http.StatusOK, BackfillResponse{Inserted: res.Inserted, Updated: res.Updated})
}

// GetTask handles GET /tasks/{id} requests.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required", "MISSING_TASK_ID")
		return
	}

	view, err := h.tasks.GetStatus(r.Context(), p.UserID, taskID)
	if err != nil {
		h.writeServiceError(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(view))
}

// GenerateReferenceVideo handles POST /characters/{characterID}/reference-video requests.
func (h *Handlers) GenerateReferenceVideo(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req ReferenceVideoRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	t, err := h.characters.GenerateReferenceVideo(r.Context(), character.ReferenceRequest{
		UserID:      p.UserID,
		Role:        p.Role,
		ProjectID:   req.ProjectID,
		CharacterID: r.PathValue("characterID"),
		SceneID:     req.SceneID,
		ShotID:      req.ShotID,
		Prompt:      req.Prompt,
		Duration:    req.Duration,
		ImageURL:    req.ImageURL,
		Model:       req.Model,
		Size:        req.Size,
	})
	if err != nil {
		h.writeServiceError(w, "generate reference video", err)
		return
	}

	started := false
	if req.AutoRegister && t.Status != task.StatusFailed {
		// Runs past the end of the request; failures land on the identity.
		h.characters.StartRegistration(r.Context(), p.UserID, t.ID, req.SampleTimestamps)
		started = true
	}

	writeJSON(w, http.StatusAccepted, ReferenceVideoResponse{
		Task:                newTaskResponse(t),
		RegistrationStarted: started,
	})
}

// RegisterFromTask handles POST /tasks/{id}/register-character requests.
// It blocks until the reference task finishes or the registration wait expires.
func (h *Handlers) RegisterFromTask(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req RegisterTaskRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	ident, err := h.characters.WaitAndRegisterTask(r.Context(), p.UserID, r.PathValue("id"), req.SampleTimestamps)
	if err != nil {
		h.writeServiceError(w, "register character from task", err)
		return
	}
	writeJSON(w, http.StatusOK, newIdentityResponse(ident))
}

// RegisterCharacter handles POST /characters/{characterID}/register requests.
func (h *Handlers) RegisterCharacter(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req RegisterCharacterRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	ident, err := h.characters.RegisterCharacter(r.Context(), character.RegisterRequest{
		UserID:           p.UserID,
		ProjectID:        req.ProjectID,
		CharacterID:      r.PathValue("characterID"),
		VideoURL:         req.VideoURL,
		SampleTimestamps: req.SampleTimestamps,
	})
	if err != nil {
		h.writeServiceError(w, "register character", err)
		return
	}
	writeJSON(w, http.StatusOK, newIdentityResponse(ident))
}

// GetIdentity handles GET /characters/{characterID}/identity requests.
func (h *Handlers) GetIdentity(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	ident, err := h.characters.Identity(r.Context(), p.UserID, r.PathValue("characterID"))
	if err != nil {
		h.writeServiceError(w, "get identity", err)
		return
	}
	writeJSON(w, http.StatusOK, newIdentityResponse(ident))
}

func (h *Handlers) principal(w http.ResponseWriter, r *http.Request) (access.Principal, bool) {
	p, ok := access.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required", "UNAUTHORIZED")
	}
	return p, ok
}

// decode reads and validates a JSON body into dst. An empty body is accepted when optional.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			h.logger.Warn("failed to decode request body",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
			return false
		}
	}

	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

// writeServiceError maps core errors to HTTP status codes.
func (h *Handlers) writeServiceError(w http.ResponseWriter, op string, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	message := err.Error()

	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		status, code = http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, orchestrator.ErrAuthorization):
		status, code = http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, task.ErrTaskNotFound):
		status, code = http.StatusNotFound, "TASK_NOT_FOUND"
	case errors.Is(err, character.ErrIdentityNotFound):
		status, code = http.StatusNotFound, "IDENTITY_NOT_FOUND"
	case errors.Is(err, character.ErrMissingReferenceVideo):
		status, code = http.StatusUnprocessableEntity, "MISSING_REFERENCE_VIDEO"
	case errors.Is(err, character.ErrNotReferenceTask):
		status, code = http.StatusUnprocessableEntity, "NOT_REFERENCE_TASK"
	case errors.Is(err, character.ErrReferenceFailed):
		status, code = http.StatusUnprocessableEntity, "REFERENCE_FAILED"
	case errors.Is(err, character.ErrTimeout):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, orchestrator.ErrProviderUnavailable):
		status, code = http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE"
	case errors.Is(err, provider.ErrProviderError), errors.Is(err, character.ErrRegistrationFailed):
		status, code = http.StatusBadGateway, "PROVIDER_ERROR"
	default:
		message = op + " failed"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", slog.String("error", err.Error()), slog.String("code", code))
	} else {
		h.logger.Warn(op+" rejected", slog.String("error", err.Error()), slog.String("code", code))
	}
	writeError(w, status, message, code)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
