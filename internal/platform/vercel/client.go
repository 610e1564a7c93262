package vercel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Platform build states as reported by the deployments API.
const (
	StateQueued       = "QUEUED"
	StateInitializing = "INITIALIZING"
	StateBuilding     = "BUILDING"
	StateReady        = "READY"
	StateError        = "ERROR"
	StateCanceled     = "CANCELED"
)

// TerminalState reports whether the platform will not progress the build further.
func TerminalState(state string) bool {
	switch state {
	case StateReady, StateError, StateCanceled:
		return true
	}
	return false
}

// APIError is a non-2xx response from the platform.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("vercel: request failed with status %d", e.Status)
	}
	return fmt.Sprintf("vercel: request failed (%d): %s", e.Status, e.Message)
}

// Transient reports whether the failure is worth retrying: rate limits and
// server-side errors are, other 4xx are not.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Config holds platform connection settings.
type Config struct {
	APIURL        string
	Token         string
	PollInterval  time.Duration
	RetryInterval time.Duration
	RetryCeiling  time.Duration
}

// Client is a long-lived adapter over the remote deployment API. It is safe
// for concurrent use; the underlying http.Client pools connections.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient overrides the default pooled HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// NewClient constructs a Client. Construct once and inject; never per call.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.vercel.com"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = time.Minute
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.APIURL = strings.TrimRight(c.cfg.APIURL, "/")
	return c
}

// FilePayload is one file in a deployment payload.
type FilePayload struct {
	File     string `json:"file"`
	Data     string `json:"data"`
	Encoding string `json:"encoding"`
}

// ProjectSettings configure the platform-side build.
type ProjectSettings struct {
	Framework       string `json:"framework"`
	BuildCommand    string `json:"buildCommand"`
	InstallCommand  string `json:"installCommand"`
	OutputDirectory string `json:"outputDirectory"`
}

// CreateRequest is the payload for a new deployment.
type CreateRequest struct {
	Name            string          `json:"name"`
	Files           []FilePayload   `json:"files"`
	ProjectSettings ProjectSettings `json:"projectSettings"`
	Target          string          `json:"target"`
}

// Deployment is the platform's view of a build job.
type Deployment struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	State string `json:"state"`
}

// CreateDeployment submits a deployment and returns the platform job.
func (c *Client) CreateDeployment(ctx context.Context, req CreateRequest) (*Deployment, error) {
	if req.Target == "" {
		req.Target = "production"
	}
	var out Deployment
	if err := c.doRetry(ctx, http.MethodPost, "/v13/deployments", req, &out); err != nil {
		return nil, err
	}
	c.logger.Info("platform deployment created", "platform_deployment_id", out.ID, "state", out.State)
	return &out, nil
}

// GetDeployment fetches the current build state.
func (c *Client) GetDeployment(ctx context.Context, deploymentID string) (*Deployment, error) {
	var out Deployment
	path := "/v13/deployments/" + url.PathEscape(deploymentID)
	if err := c.doRetry(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AwaitCompletion polls until the deployment reaches a terminal state or ctx
// expires. The caller bounds total wait through the context deadline.
func (c *Client) AwaitCompletion(ctx context.Context, deploymentID string) (*Deployment, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		deployment, err := c.GetDeployment(ctx, deploymentID)
		if err != nil {
			return nil, err
		}
		if TerminalState(deployment.State) {
			return deployment, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("vercel: await deployment %s: %w", deploymentID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// SetDomain attaches a custom domain to a platform project.
func (c *Client) SetDomain(ctx context.Context, projectID, domain string) error {
	path := "/v9/projects/" + url.PathEscape(projectID) + "/domains"
	payload := map[string]string{"name": domain}
	return c.doRetry(ctx, http.MethodPost, path, payload, nil)
}

// DeleteDeployment removes a deployment from the platform.
func (c *Client) DeleteDeployment(ctx context.Context, deploymentID string) error {
	path := "/v13/deployments/" + url.PathEscape(deploymentID)
	return c.doRetry(ctx, http.MethodDelete, path, nil, nil)
}

// doRetry performs one API call with exponential backoff on transient
// failures. Permanent failures surface immediately; the backoff's elapsed
// ceiling bounds total retry duration so no call blocks indefinitely.
func (c *Client) doRetry(ctx context.Context, method, path string, body, out any) error {
	operation := func() error {
		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Transient() {
			return backoff.Permanent(err)
		}
		c.logger.Warn("platform call retrying", "method", method, "path", path, "error", err)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInterval
	policy.MaxElapsedTime = c.cfg.RetryCeiling
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("vercel: encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("vercel: build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vercel: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("vercel: decode response: %w", err))
		}
	}
	return nil
}

// readErrorMessage extracts the platform's error message, falling back to the
// raw body.
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var wrapper struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Error.Message != "" {
		return wrapper.Error.Message
	}
	return strings.TrimSpace(string(data))
}
