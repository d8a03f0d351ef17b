// Package provider provides an HTTP client for the external video-generation
// provider: job submission, job status, character identity registration and a
// reachability probe.
package provider

import (
	"time"

	"github.com/maauso/storyboard-tasks/internal/task"
)

// Config holds the connection settings of the provider client.
type Config struct {
	// BaseURL is the provider API root, e.g. https://api.provider.example.
	BaseURL string
	// APIKey is sent as a bearer token.
	APIKey string
	// Timeout bounds each HTTP request (default: 60s).
	Timeout time.Duration
	// ProbeTimeout bounds the reachability probe (default: 5s).
	ProbeTimeout time.Duration
	// ProbeTTL caches the probe result (default: 5s, 0 disables caching).
	ProbeTTL time.Duration
}

// JobSpec describes one video-generation job.
type JobSpec struct {
	Model   string
	Prompt  string
	Seconds int
	Size    string
	// ImageURL is an optional first-frame reference.
	ImageURL string
	// CharacterCodes are registered identity codes the prompt refers to.
	CharacterCodes []string
}

// JobStatus is the normalized result of polling a job.
type JobStatus struct {
	// Status is the canonical status; for unknown provider states it holds the raw string.
	Status task.Status
	// RawStatus is the status string exactly as the provider sent it.
	RawStatus string
	// Known is false when RawStatus is missing from the mapping table.
	Known bool
	// Progress is the provider-reported percentage clamped to [0,100].
	Progress int
	// ResultURL is the transient result URL (set when completed).
	ResultURL string
	// Error is the provider failure detail (set when failed).
	Error string
}

// DefaultSampleTimestamps are the seconds sampled from a reference video when the caller gives none.
var DefaultSampleTimestamps = []float64{1, 3}

// submitRequest is the request body for POST /v1/videos.
type submitRequest struct {
	Model      string   `json:"model,omitempty"`
	Prompt     string   `json:"prompt"`
	Seconds    int      `json:"seconds,omitempty"`
	Size       string   `json:"size,omitempty"`
	ImageURL   string   `json:"image_url,omitempty"`
	Characters []string `json:"characters,omitempty"`
}

// jobResponse is returned by POST /v1/videos and GET /v1/videos/{id}.
type jobResponse struct {
	ID       string        `json:"id"`
	Status   string        `json:"status"`
	Progress float64       `json:"progress,omitempty"`
	VideoURL string        `json:"video_url,omitempty"`
	Error    *errorPayload `json:"error,omitempty"`
}

// characterRequest is the request body for POST /v1/characters.
type characterRequest struct {
	URL        string `json:"url"`
	Timestamps string `json:"timestamps"`
}

// characterResponse is returned by POST /v1/characters.
type characterResponse struct {
	ID     string        `json:"id"`
	Code   string        `json:"code,omitempty"`
	Status string        `json:"status,omitempty"`
	Error  *errorPayload `json:"error,omitempty"`
}
