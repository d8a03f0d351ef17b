// Package artifact copies finished videos from transient provider URLs into
// durable storage.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/maauso/storyboard-tasks/internal/retry"
	"github.com/maauso/storyboard-tasks/internal/storage"
	"github.com/maauso/storyboard-tasks/internal/task"
)

// Static errors for migration.
var (
	// ErrSourceURLRequired is returned when there is nothing to migrate.
	ErrSourceURLRequired = errors.New("artifact: source URL is required")
	// ErrTaskIDRequired is returned when the destination key cannot be derived.
	ErrTaskIDRequired = errors.New("artifact: task ID is required")
	// ErrDownloadFailed is returned when the transient artifact cannot be fetched.
	ErrDownloadFailed = errors.New("artifact: download failed")
	// ErrUploadFailed is returned when durable storage rejects the artifact.
	ErrUploadFailed = errors.New("artifact: upload failed")
)

// Request identifies the artifact to migrate and its owner.
type Request struct {
	TaskID    string
	UserID    string
	ProjectID string
	Linkage   task.Linkage
	SourceURL string
}

// RequestFor builds a migration request from a completed task.
func RequestFor(t *task.Task) Request {
	return Request{
		TaskID:    t.ID,
		UserID:    t.UserID,
		ProjectID: t.ProjectID,
		Linkage:   t.Linkage(),
		SourceURL: t.ProviderURL,
	}
}

// Migrator downloads an artifact to a temp file and re-uploads it to storage.
type Migrator struct {
	store   storage.Storage
	http    *resty.Client
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithHTTPClient sets the resty client used for downloads.
func WithHTTPClient(c *resty.Client) Option {
	return func(m *Migrator) {
		m.http = c
	}
}

// WithRetryPolicy sets the retry policy for both transfer legs.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Migrator) {
		m.policy = p
	}
}

// WithTimeout bounds a whole migration (default: 2m).
func WithTimeout(d time.Duration) Option {
	return func(m *Migrator) {
		m.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Migrator) {
		m.logger = l
	}
}

// NewMigrator creates a Migrator publishing into store.
func NewMigrator(store storage.Storage, opts ...Option) *Migrator {
	m := &Migrator{
		store:   store,
		http:    resty.New(),
		policy:  retry.Default(),
		timeout: 2 * time.Minute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Migrate copies req.SourceURL to its deterministic destination key and
// returns the durable URL. Migrating the same task twice writes the same key.
func (m *Migrator) Migrate(ctx context.Context, req Request) (string, error) {
	if req.SourceURL == "" {
		return "", ErrSourceURLRequired
	}
	if req.TaskID == "" {
		return "", ErrTaskIDRequired
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	key := DestinationKey(req)
	log := m.logger.With(slog.String("task_id", req.TaskID), slog.String("key", key))
	start := time.Now()

	var tmpPath string
	err := m.policy.WithNotify(m.notify(log, "download")).Do(ctx, func(ctx context.Context) error {
		p, err := m.download(ctx, req.SourceURL, req.TaskID)
		if err != nil {
			return err
		}
		tmpPath = p
		return nil
	})
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := m.store.CleanupTemp(context.WithoutCancel(ctx), []string{tmpPath}); cerr != nil {
			log.Warn("failed to clean up spooled artifact", slog.String("error", cerr.Error()))
		}
	}()

	var publicURL string
	err = m.policy.WithNotify(m.notify(log, "upload")).Do(ctx, func(ctx context.Context) error {
		u, err := m.upload(ctx, tmpPath, key)
		if err != nil {
			return err
		}
		publicURL = u
		return nil
	})
	if err != nil {
		return "", err
	}

	log.Info("artifact migrated",
		slog.String("url", publicURL),
		slog.Duration("duration", time.Since(start)),
	)
	return publicURL, nil
}

// download streams sourceURL into a temp file. 5xx, 429 and transport errors are transient.
func (m *Migrator) download(ctx context.Context, sourceURL, name string) (string, error) {
	resp, err := m.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(sourceURL)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %w", ErrDownloadFailed, ctx.Err())
		}
		return "", retry.Transient(fmt.Errorf("%w: %v", ErrDownloadFailed, err))
	}
	body := resp.RawBody()
	defer func() { _ = body.Close() }()

	code := resp.StatusCode()
	switch {
	case code >= 500, code == http.StatusTooManyRequests:
		return "", retry.Transient(fmt.Errorf("%w: status %d", ErrDownloadFailed, code))
	case code < 200 || code >= 300:
		return "", fmt.Errorf("%w: status %d", ErrDownloadFailed, code)
	}

	p, err := m.store.SaveTemp(ctx, name, body)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("%w: %v", ErrDownloadFailed, err))
	}
	return p, nil
}

func (m *Migrator) upload(ctx context.Context, tmpPath, key string) (string, error) {
	r, err := m.store.LoadTemp(ctx, tmpPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer func() { _ = r.Close() }()

	u, err := m.store.PutObject(ctx, key, r, contentType(key))
	if err != nil {
		if errors.Is(err, storage.ErrInvalidKey) {
			return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
		}
		return "", retry.Transient(fmt.Errorf("%w: %v", ErrUploadFailed, err))
	}
	return u, nil
}

func (m *Migrator) notify(log *slog.Logger, leg string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		log.Warn("artifact transfer failed, retrying",
			slog.String("leg", leg),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
}

var videoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
}

// DestinationKey derives the storage key from the owner, linkage and task id:
//
//	videos/{user}/{project}[/scenes/{scene}][/shots/{shot}][/characters/{character}]/{task}{ext}
//
// The extension comes from the source URL when it is a known video type, else .mp4.
func DestinationKey(req Request) string {
	parts := []string{"videos", segment(req.UserID), segment(req.ProjectID)}
	if req.Linkage.SceneID != "" {
		parts = append(parts, "scenes", segment(req.Linkage.SceneID))
	}
	if req.Linkage.ShotID != "" {
		parts = append(parts, "shots", segment(req.Linkage.ShotID))
	}
	if req.Linkage.CharacterID != "" {
		parts = append(parts, "characters", segment(req.Linkage.CharacterID))
	}
	parts = append(parts, segment(req.TaskID)+extension(req.SourceURL))
	return strings.Join(parts, "/")
}

func extension(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return ".mp4"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if _, ok := videoExtensions[ext]; ok {
		return ext
	}
	return ".mp4"
}

func contentType(key string) string {
	if ct, ok := videoExtensions[path.Ext(key)]; ok {
		return ct
	}
	return "application/octet-stream"
}

// segment makes s safe as a single key segment.
func segment(s string) string {
	if s == "" {
		return "_"
	}
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			b[i] = '_'
		}
	}
	out := string(b)
	if strings.Trim(out, ".") == "" {
		return strings.Repeat("_", len(out))
	}
	return out
}
