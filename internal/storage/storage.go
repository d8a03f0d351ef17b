// Package storage provides temporary spooling and durable object storage for
// generated videos. It defines the Storage interface (port) and
// implementations backed by local disk and S3.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrInvalidKey is returned for object keys that are empty, absolute or escape the storage root.
var ErrInvalidKey = errors.New("storage: invalid object key")

// Storage defines temporary file handling plus durable object publication.
type Storage interface {
	// SaveTemp saves data to a temporary file and returns the file path.
	// The name parameter is used as a hint for the filename.
	SaveTemp(ctx context.Context, name string, data io.Reader) (path string, err error)

	// LoadTemp reads a temporary file and returns a reader.
	// The caller is responsible for closing the returned ReadCloser.
	LoadTemp(ctx context.Context, path string) (io.ReadCloser, error)

	// CleanupTemp removes the specified temporary files.
	// It continues cleanup even if some files fail to delete.
	CleanupTemp(ctx context.Context, paths []string) error

	// PutObject stores data under key and returns its durable public URL.
	// Writing the same key twice overwrites the object.
	PutObject(ctx context.Context, key string, data io.Reader, contentType string) (url string, err error)
}

// ValidateKey rejects keys that are empty, absolute or contain ".." segments.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return ErrInvalidKey
		}
	}
	if path.Clean(key) != key {
		return ErrInvalidKey
	}
	return nil
}

// joinURL appends key to base with exactly one slash between them.
func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
