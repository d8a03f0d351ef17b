package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maauso/storyboard-tasks/internal/task"
)

// ErrUnknownStatus is returned by Normalize for provider states missing from the mapping table.
var ErrUnknownStatus = errors.New("provider: unknown job status")

// statusTable maps every provider status string we know about to a canonical task status.
// Keys are lower-case.
var statusTable = map[string]task.Status{
	"queued":      task.StatusQueued,
	"pending":     task.StatusQueued,
	"in_queue":    task.StatusQueued,
	"submitted":   task.StatusQueued,
	"processing":  task.StatusProcessing,
	"running":     task.StatusProcessing,
	"generating":  task.StatusProcessing,
	"in_progress": task.StatusProcessing,
	"completed":   task.StatusCompleted,
	"complete":    task.StatusCompleted,
	"succeeded":   task.StatusCompleted,
	"success":     task.StatusCompleted,
	"failed":      task.StatusFailed,
	"failure":     task.StatusFailed,
	"error":       task.StatusFailed,
	"cancelled":   task.StatusFailed,
	"canceled":    task.StatusFailed,
	"expired":     task.StatusFailed,
	"timed_out":   task.StatusFailed,
}

// Normalize maps a provider status string to the canonical vocabulary.
// Unknown strings are passed through unchanged alongside ErrUnknownStatus,
// so callers can surface them instead of misclassifying new provider states.
func Normalize(raw string) (task.Status, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if s, ok := statusTable[key]; ok {
		return s, nil
	}
	return task.Status(raw), fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}
