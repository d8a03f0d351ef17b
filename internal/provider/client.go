package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/maauso/storyboard-tasks/internal/retry"
	"github.com/maauso/storyboard-tasks/internal/task"
)

// Static errors for provider client operations.
var (
	// ErrBaseURLRequired is returned when the provider base URL is not configured.
	ErrBaseURLRequired = errors.New("provider: base URL is required")
	// ErrAPIKeyRequired is returned when the provider API key is not configured.
	ErrAPIKeyRequired = errors.New("provider: API key is required")
	// ErrHandleRequired is returned when a status request has no job handle.
	ErrHandleRequired = errors.New("provider: job handle is required")
	// ErrNoHandleReturned is returned when the submit response carries no job id.
	ErrNoHandleReturned = errors.New("provider: submit failed: no job id returned")
	// ErrVideoURLRequired is returned when identity registration has no reference video.
	ErrVideoURLRequired = errors.New("provider: reference video URL is required")
	// ErrNoIdentityCode is returned when the registration response carries no identity code.
	ErrNoIdentityCode = errors.New("provider: registration failed: no identity code returned")
	// ErrInvalidTimestamp is returned for negative sample timestamps.
	ErrInvalidTimestamp = errors.New("provider: sample timestamps must be non-negative")
	// ErrProviderUnavailable is returned when the provider cannot be reached.
	ErrProviderUnavailable = errors.New("provider: unavailable")
	// ErrProviderError matches every *Error returned by the client.
	ErrProviderError = errors.New("provider: request rejected")
	// ErrJobNotFound is returned when the provider no longer knows a job handle.
	ErrJobNotFound = errors.New("provider: job not found")
)

// Error is a non-2xx provider response. errors.Is(err, ErrProviderError) matches it.
type Error struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("provider: status %d: %s", e.StatusCode, e.Message)
}

// Is reports whether target is ErrProviderError.
func (e *Error) Is(target error) bool {
	return target == ErrProviderError
}

// Client defines the operations the orchestration core needs from the provider.
type Client interface {
	// SubmitJob starts a video-generation job and returns its opaque handle.
	SubmitJob(ctx context.Context, spec JobSpec) (handle string, err error)

	// GetJobStatus fetches and normalizes the current state of a job.
	GetJobStatus(ctx context.Context, handle string) (JobStatus, error)

	// RegisterCharacterIdentity registers a reference video as a reusable
	// character identity and returns the provider's identity code.
	RegisterCharacterIdentity(ctx context.Context, videoURL string, sampleTimestamps []float64) (code string, err error)

	// AssertReachable returns ErrProviderUnavailable when the provider cannot be reached.
	AssertReachable(ctx context.Context) error
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	policy       retry.Policy
	probeTimeout time.Duration
	probeTTL     time.Duration
	logger       *slog.Logger
	now          func() time.Time

	probeMu  sync.Mutex
	probedAt time.Time
	probeErr error
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithRetryPolicy replaces the retry policy for transient failures.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(hc *HTTPClient) {
		hc.policy = p
	}
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) ClientOption {
	return func(hc *HTTPClient) {
		hc.policy = hc.policy.WithMaxRetries(n)
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.policy.InitialInterval = d
	}
}

// WithLogger sets the logger used to report retries.
func WithLogger(l *slog.Logger) ClientOption {
	return func(hc *HTTPClient) {
		hc.logger = l
	}
}

// NewClient creates a provider HTTP client from explicit configuration.
func NewClient(cfg Config, opts ...ClientOption) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}

	c := &HTTPClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		httpClient:   &http.Client{Timeout: timeout},
		policy:       retry.Default(),
		probeTimeout: probeTimeout,
		probeTTL:     cfg.ProbeTTL,
		logger:       slog.Default(),
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// SubmitJob starts a video-generation job and returns its handle.
func (c *HTTPClient) SubmitJob(ctx context.Context, spec JobSpec) (string, error) {
	reqBody := submitRequest{
		Model:      spec.Model,
		Prompt:     spec.Prompt,
		Seconds:    spec.Seconds,
		Size:       spec.Size,
		ImageURL:   spec.ImageURL,
		Characters: spec.CharacterCodes,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("provider: marshal request: %w", err)
	}

	var resp jobResponse
	if err := c.doRequestWithRetry(ctx, http.MethodPost, c.baseURL+"/v1/videos", bodyBytes, &resp); err != nil {
		return "", err
	}

	if resp.ID == "" {
		if msg := resp.Error.String(); msg != "" {
			return "", &Error{StatusCode: http.StatusOK, Message: msg}
		}
		return "", ErrNoHandleReturned
	}

	return resp.ID, nil
}

// GetJobStatus fetches the state of a job. A 404 yields ErrJobNotFound.
// Unknown provider states are returned with Known=false and the raw string as Status.
func (c *HTTPClient) GetJobStatus(ctx context.Context, handle string) (JobStatus, error) {
	if handle == "" {
		return JobStatus{}, ErrHandleRequired
	}

	endpoint := c.baseURL + "/v1/videos/" + url.PathEscape(handle)

	var resp jobResponse
	if err := c.doRequestWithRetry(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
			return JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, handle)
		}
		return JobStatus{}, err
	}

	status, normErr := Normalize(resp.Status)
	result := JobStatus{
		Status:    status,
		RawStatus: resp.Status,
		Known:     normErr == nil,
		Progress:  task.ClampProgress(int(math.Round(resp.Progress))),
	}

	switch status {
	case task.StatusCompleted:
		result.ResultURL = resp.VideoURL
		result.Progress = 100
	case task.StatusFailed:
		result.Error = resp.Error.String()
		if result.Error == "" {
			result.Error = "provider reported status " + resp.Status
		}
	}

	return result, nil
}

// RegisterCharacterIdentity registers videoURL as a character identity.
// With no timestamps, DefaultSampleTimestamps are used.
func (c *HTTPClient) RegisterCharacterIdentity(ctx context.Context, videoURL string, sampleTimestamps []float64) (string, error) {
	if videoURL == "" {
		return "", ErrVideoURLRequired
	}
	if len(sampleTimestamps) == 0 {
		sampleTimestamps = DefaultSampleTimestamps
	}

	parts := make([]string, 0, len(sampleTimestamps))
	for _, ts := range sampleTimestamps {
		if ts < 0 {
			return "", ErrInvalidTimestamp
		}
		parts = append(parts, strconv.FormatFloat(ts, 'f', -1, 64))
	}

	bodyBytes, err := json.Marshal(characterRequest{
		URL:        videoURL,
		Timestamps: strings.Join(parts, ","),
	})
	if err != nil {
		return "", fmt.Errorf("provider: marshal request: %w", err)
	}

	var resp characterResponse
	if err := c.doRequestWithRetry(ctx, http.MethodPost, c.baseURL+"/v1/characters", bodyBytes, &resp); err != nil {
		return "", err
	}

	code := resp.Code
	if code == "" {
		code = resp.ID
	}
	if code == "" {
		if msg := resp.Error.String(); msg != "" {
			return "", &Error{StatusCode: http.StatusOK, Message: msg}
		}
		return "", ErrNoIdentityCode
	}

	return code, nil
}

// AssertReachable probes the provider. Any HTTP response below 500 counts as
// reachable. The outcome is cached for the configured probe TTL.
func (c *HTTPClient) AssertReachable(ctx context.Context) error {
	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	if c.probeTTL > 0 && !c.probedAt.IsZero() && c.now().Sub(c.probedAt) < c.probeTTL {
		return c.probeErr
	}

	c.probeErr = c.probe(ctx)
	c.probedAt = c.now()
	return c.probeErr
}

func (c *HTTPClient) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("provider: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: probe returned status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}

// doRequestWithRetry performs an HTTP request under the client's retry policy.
func (c *HTTPClient) doRequestWithRetry(ctx context.Context, method, endpoint string, body []byte, result interface{}) error {
	policy := c.policy.WithNotify(func(err error, wait time.Duration) {
		c.logger.Warn("provider request failed, retrying",
			slog.String("method", method),
			slog.String("url", endpoint),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})

	return policy.Do(ctx, func(ctx context.Context) error {
		return c.doRequest(ctx, method, endpoint, body, result)
	})
}

// doRequest performs a single HTTP request.
func (c *HTTPClient) doRequest(ctx context.Context, method, endpoint string, body []byte, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("provider: create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("provider: %w", ctx.Err())
		}
		return retry.Transient(fmt.Errorf("%w: %v", ErrProviderUnavailable, err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.Transient(fmt.Errorf("%w: read response: %v", ErrProviderUnavailable, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := errorMessage(respBody)
		switch {
		case resp.StatusCode == http.StatusBadGateway,
			resp.StatusCode == http.StatusServiceUnavailable,
			resp.StatusCode == http.StatusGatewayTimeout:
			return retry.Transient(fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, msg))
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
			return retry.Transient(&Error{StatusCode: resp.StatusCode, Message: msg})
		default:
			return &Error{StatusCode: resp.StatusCode, Message: msg}
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("provider: unmarshal response: %w", err)
		}
	}

	return nil
}

// errorPayload accepts both {"error":"text"} and {"error":{"message":"text","code":"x"}}.
type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (p *errorPayload) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		p.Message = s
		return nil
	}
	type plain errorPayload
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = errorPayload(v)
	return nil
}

// String returns the most specific text in the payload. A nil payload yields "".
func (p *errorPayload) String() string {
	if p == nil {
		return ""
	}
	if p.Message != "" {
		return p.Message
	}
	return p.Code
}

const maxErrorBody = 512

// errorMessage extracts the provider's error text from a response body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error *errorPayload `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if msg := envelope.Error.String(); msg != "" {
			return msg
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}
