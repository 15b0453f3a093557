// Package hotreload swaps the artifact served by a running deployment without
// rebuilding or redeploying its container.
package hotreload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloudship/internal/artifact"
	"cloudship/internal/deployment"
	"cloudship/internal/observability"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = 2 * time.Second
	DefaultTimeout  = 30 * time.Second

	// ReloadPath is served by every deployed model service.
	ReloadPath = "/admin/reload-model"

	// APIKeyHeader carries the deployment's capability token.
	APIKeyHeader = "X-API-Key"

	maxErrorBody = 1024
)

// DeploymentReader resolves deployments by id.
type DeploymentReader interface {
	Get(ctx context.Context, id string) (*deployment.Deployment, error)
}

// VersionReader resolves the active artifact of a notebook.
type VersionReader interface {
	ActiveVersion(ctx context.Context, notebookID string) (*artifact.Version, error)
}

// Result describes a completed reload.
type Result struct {
	DeploymentID string `json:"deployment_id"`
	Version      int    `json:"version"`
	Attempts     int    `json:"attempts"`
	// Timestamp is the time reported by the deployed service.
	Timestamp string `json:"timestamp"`
}

type reloadRequest struct {
	NotebookID string `json:"notebook_id"`
	Version    int    `json:"version"`
	Location   string `json:"location"`
}

type reloadResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Coordinator pushes artifact swaps to deployed services. Concurrent reloads
// of one deployment are not serialized; the last response to complete wins.
type Coordinator struct {
	Deployments DeploymentReader
	Versions    VersionReader
	Client      *http.Client
	Attempts    int
	Delay       time.Duration
	Timeout     time.Duration
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// NewCoordinator returns a Coordinator with default retry settings.
func NewCoordinator(deployments DeploymentReader, versions VersionReader, logger *slog.Logger, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		Deployments: deployments,
		Versions:    versions,
		Client:      &http.Client{},
		Attempts:    DefaultAttempts,
		Delay:       DefaultDelay,
		Timeout:     DefaultTimeout,
		Logger:      logger,
		Metrics:     metrics,
	}
}

// Reload asks the deployment's service to load the notebook's active
// artifact. Each attempt is independent. A rejected API key fails
// immediately with deployment.ErrUnauthorized.
func (c *Coordinator) Reload(ctx context.Context, deploymentID string) (Result, error) {
	d, err := c.Deployments.Get(ctx, deploymentID)
	if err != nil {
		return Result{}, err
	}
	if d.Status != deployment.StatusDeployed || d.ServiceURL == "" {
		return Result{}, fmt.Errorf("%w: deployment %s is %s, reload needs a deployed service",
			deployment.ErrInvalidState, d.ID, d.Status)
	}

	v, err := c.Versions.ActiveVersion(ctx, d.NotebookID)
	if err != nil {
		return Result{}, err
	}

	attempts := c.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	res := Result{DeploymentID: d.ID, Version: v.Version}
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt

		ts, err := c.call(ctx, d, v)
		if err == nil {
			c.Metrics.ReloadAttempt("success")
			res.Timestamp = ts
			c.Logger.Info("model reloaded",
				"deployment_id", d.ID,
				"version", v.Version,
				"attempts", attempt)
			return res, nil
		}

		lastErr = err
		if errors.Is(err, deployment.ErrUnauthorized) {
			c.Metrics.ReloadAttempt("unauthorized")
			c.Logger.Error("reload rejected by service", "deployment_id", d.ID, "attempt", attempt)
			return res, err
		}

		c.Metrics.ReloadAttempt("error")
		c.Logger.Warn("reload attempt failed",
			"deployment_id", d.ID,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err)

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, c.Delay); err != nil {
			return res, err
		}
	}

	return res, fmt.Errorf("%w: reload failed after %d attempts: %v", deployment.ErrExternalService, attempts, lastErr)
}

func (c *Coordinator) call(ctx context.Context, d *deployment.Deployment, v *artifact.Version) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(reloadRequest{NotebookID: v.NotebookID, Version: v.Version, Location: v.Location})
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(d.ServiceURL, "/") + ReloadPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build reload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, d.ReloadToken)

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: service rejected the reload key (HTTP %d)", deployment.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("reload returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out reloadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode reload response: %w", err)
	}
	if out.Status != "reloaded" {
		return "", fmt.Errorf("unexpected reload status %q", out.Status)
	}
	return out.Timestamp, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
