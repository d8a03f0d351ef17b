package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrPublicBaseURLRequired is returned when local publication has no public base URL.
var ErrPublicBaseURLRequired = errors.New("storage: public base URL is required")

// LocalConfig holds the configuration for disk-backed storage.
type LocalConfig struct {
	// TempDir holds spooled downloads. Defaults to $TMPDIR/storyboard-tasks.
	TempDir string
	// MediaDir is the root of published objects. Defaults to ./media.
	MediaDir string
	// PublicBaseURL is the URL prefix under which MediaDir is served.
	PublicBaseURL string
}

// LocalStorage implements Storage on local disk. Published objects are
// written below MediaDir and addressed through PublicBaseURL, which the HTTP
// server exposes with a file server.
type LocalStorage struct {
	tempDir       string
	mediaDir      string
	publicBaseURL string
}

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)

// NewLocalStorage creates a LocalStorage and both of its directories.
func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "storyboard-tasks")
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = "media"
	}
	if cfg.PublicBaseURL == "" {
		return nil, ErrPublicBaseURLRequired
	}

	for _, dir := range []string{cfg.TempDir, cfg.MediaDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return &LocalStorage{
		tempDir:       cfg.TempDir,
		mediaDir:      cfg.MediaDir,
		publicBaseURL: cfg.PublicBaseURL,
	}, nil
}

// TempDir returns the temporary directory path.
func (s *LocalStorage) TempDir() string {
	return s.tempDir
}

// MediaDir returns the root directory of published objects.
func (s *LocalStorage) MediaDir() string {
	return s.mediaDir
}

// SaveTemp saves data to a temporary file and returns the file path.
// The name is used as a base for the filename with a unique suffix.
func (s *LocalStorage) SaveTemp(ctx context.Context, name string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}

	f, err := os.CreateTemp(s.tempDir, name+"_*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	fileName := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(fileName)
		return "", fmt.Errorf("write temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(fileName)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	return fileName, nil
}

// LoadTemp opens a temporary file for reading.
func (s *LocalStorage) LoadTemp(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	f, err := os.Open(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return nil, fmt.Errorf("open temp file: %w", err)
	}

	return f, nil
}

// CleanupTemp removes the specified temporary files, returning the first error encountered.
func (s *LocalStorage) CleanupTemp(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}

		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove temp file %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// PutObject writes data below the media directory. The file appears
// atomically: it is written to a sibling temp file and renamed into place.
func (s *LocalStorage) PutObject(ctx context.Context, key string, data io.Reader, _ string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}

	dest := filepath.Join(s.mediaDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return "", fmt.Errorf("create object directory: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(dest), ".upload_*")
	if err != nil {
		return "", fmt.Errorf("create object file: %w", err)
	}
	tmp := f.Name()

	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Chmod(tmp, 0640); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("chmod object: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish object: %w", err)
	}

	return joinURL(s.publicBaseURL, key), nil
}
