// Package id provides unique identifier generation for tasks and batches.
package id

import (
	"github.com/google/uuid"
)

// Generate creates a new unique task ID.
// Format: task_<uuidv7>, so IDs sort by creation time.
// Example: task_01927f5e-7b9c-7a3e-9c1d-2f6a8e4b0c11
func Generate() string {
	return "task_" + newUUID()
}

// GenerateBatch creates a new unique batch ID for the sub-tasks of one submission.
func GenerateBatch() string {
	return "batch_" + newUUID()
}

func newUUID() string {
	v7, err := uuid.NewV7()
	if err != nil {
		// Fall back to a random v4 if the v7 clock source fails
		return uuid.NewString()
	}
	return v7.String()
}
