package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLocalStorage(t *testing.T) {
	t.Run("creates directories if not exist", func(t *testing.T) {
		root := t.TempDir()
		tempDir := filepath.Join(root, "tmp")
		mediaDir := filepath.Join(root, "media")

		storage, err := NewLocalStorage(LocalConfig{TempDir: tempDir, MediaDir: mediaDir, PublicBaseURL: "http://localhost/media"})
		if err != nil {
			t.Fatalf("NewLocalStorage() error = %v", err)
		}

		if storage.TempDir() != tempDir {
			t.Errorf("TempDir() = %v, want %v", storage.TempDir(), tempDir)
		}
		if storage.MediaDir() != mediaDir {
			t.Errorf("MediaDir() = %v, want %v", storage.MediaDir(), mediaDir)
		}
		for _, dir := range []string{tempDir, mediaDir} {
			info, err := os.Stat(dir)
			if err != nil {
				t.Fatalf("directory not created: %v", err)
			}
			if !info.IsDir() {
				t.Errorf("expected directory at %s", dir)
			}
		}
	})

	t.Run("requires public base URL", func(t *testing.T) {
		_, err := NewLocalStorage(LocalConfig{TempDir: t.TempDir(), MediaDir: t.TempDir()})
		if !errors.Is(err, ErrPublicBaseURLRequired) {
			t.Errorf("expected ErrPublicBaseURLRequired, got %v", err)
		}
	})
}

func TestLocalStorage_SaveTemp(t *testing.T) {
	storage := setupTestStorage(t)

	t.Run("saves data to temp file", func(t *testing.T) {
		path, err := storage.SaveTemp(context.Background(), "download", bytes.NewReader([]byte("test data")))
		if err != nil {
			t.Fatalf("SaveTemp() error = %v", err)
		}

		if !strings.Contains(filepath.Base(path), "download_") {
			t.Errorf("path %s should contain 'download_'", path)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read saved file: %v", err)
		}
		if string(content) != "test data" {
			t.Errorf("got %q, want %q", string(content), "test data")
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := storage.SaveTemp(ctx, "download", bytes.NewReader([]byte("data")))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestLocalStorage_LoadTemp(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	t.Run("loads saved file", func(t *testing.T) {
		path, err := storage.SaveTemp(ctx, "load_test", bytes.NewReader([]byte("load data")))
		if err != nil {
			t.Fatalf("SaveTemp() error = %v", err)
		}

		reader, err := storage.LoadTemp(ctx, path)
		if err != nil {
			t.Fatalf("LoadTemp() error = %v", err)
		}
		defer func() { _ = reader.Close() }()

		content, err := io.ReadAll(reader)
		if err != nil {
			t.Fatalf("failed to read: %v", err)
		}
		if string(content) != "load data" {
			t.Errorf("got %q, want %q", string(content), "load data")
		}
	})

	t.Run("returns error for non-existent file", func(t *testing.T) {
		if _, err := storage.LoadTemp(ctx, "/non/existent/file"); err == nil {
			t.Error("expected error for non-existent file")
		}
	})
}

func TestLocalStorage_CleanupTemp(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	t.Run("removes files", func(t *testing.T) {
		var paths []string
		for i := 0; i < 3; i++ {
			path, err := storage.SaveTemp(ctx, "cleanup", bytes.NewReader([]byte("data")))
			if err != nil {
				t.Fatalf("SaveTemp() error = %v", err)
			}
			paths = append(paths, path)
		}

		if err := storage.CleanupTemp(ctx, paths); err != nil {
			t.Fatalf("CleanupTemp() error = %v", err)
		}

		for _, p := range paths {
			if _, err := os.Stat(p); !os.IsNotExist(err) {
				t.Errorf("file %s still exists", p)
			}
		}
	})

	t.Run("ignores non-existent files", func(t *testing.T) {
		if err := storage.CleanupTemp(ctx, []string{"/non/existent/file"}); err != nil {
			t.Errorf("CleanupTemp() should ignore non-existent files, got %v", err)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := storage.CleanupTemp(ctx, []string{"/some/path"})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestLocalStorage_PutObject(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	key := "users/u1/projects/p1/shots/s1/task_1.mp4"

	url, err := storage.PutObject(ctx, key, bytes.NewReader([]byte("v1")), "video/mp4")
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if want := "http://localhost:8080/media/" + key; url != want {
		t.Errorf("url = %v, want %v", url, want)
	}

	// same key overwrites in place
	url2, err := storage.PutObject(ctx, key, bytes.NewReader([]byte("v2")), "video/mp4")
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if url2 != url {
		t.Errorf("url changed on overwrite: %v != %v", url2, url)
	}

	content, err := os.ReadFile(filepath.Join(storage.MediaDir(), filepath.FromSlash(key)))
	if err != nil {
		t.Fatalf("failed to read object: %v", err)
	}
	if string(content) != "v2" {
		t.Errorf("got %q, want %q", string(content), "v2")
	}

	entries, err := os.ReadDir(filepath.Join(storage.MediaDir(), "users/u1/projects/p1/shots/s1"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the published object, found %d entries", len(entries))
	}
}

func TestLocalStorage_PutObject_InvalidKey(t *testing.T) {
	storage := setupTestStorage(t)

	for _, key := range []string{"", "/abs.mp4", "../escape.mp4", "a/../../b.mp4", "a//b.mp4"} {
		if _, err := storage.PutObject(context.Background(), key, bytes.NewReader(nil), ""); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("PutObject(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func setupTestStorage(t *testing.T) *LocalStorage {
	t.Helper()
	root := t.TempDir()

	storage, err := NewLocalStorage(LocalConfig{
		TempDir:       filepath.Join(root, "tmp"),
		MediaDir:      filepath.Join(root, "media"),
		PublicBaseURL: "http://localhost:8080/media/",
	})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return storage
}
