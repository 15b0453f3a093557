package hotreload

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cloudship/internal/artifact"
	"cloudship/internal/deployment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "capability-token-for-tests-0123456789abcdef"

type stubDeployments map[string]*deployment.Deployment

func (s stubDeployments) Get(ctx context.Context, id string) (*deployment.Deployment, error) {
	d, ok := s[id]
	if !ok {
		return nil, deployment.ErrNotFound
	}
	return d.Clone(), nil
}

type stubVersions struct {
	v *artifact.Version
}

func (s stubVersions) ActiveVersion(ctx context.Context, notebookID string) (*artifact.Version, error) {
	if s.v == nil {
		return nil, deployment.ErrNotFound
	}
	return s.v, nil
}

// modelService mimics a deployed service. The first failFirst calls answer
// 500.
func modelService(t *testing.T, failFirst int32, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.URL.Path != ReloadPath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get(APIKeyHeader) != token {
			http.Error(w, `{"detail":"Invalid API key"}`, http.StatusUnauthorized)
			return
		}
		var req reloadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if n <= failFirst {
			http.Error(w, "model file not yet visible", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "reloaded", "timestamp": "2026-05-04T10:00:00Z"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newCoordinator(url, key string, status deployment.Status) *Coordinator {
	deps := stubDeployments{"d1": {
		ID:          "d1",
		NotebookID:  "nb-1",
		Status:      status,
		ServiceURL:  url,
		ReloadToken: key,
	}}
	versions := stubVersions{v: &artifact.Version{NotebookID: "nb-1", Version: 4, Location: "gs://b/models/nb-1/x.pkl", Active: true}}

	c := NewCoordinator(deps, versions, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	c.Delay = 10 * time.Millisecond
	return c
}

func TestReloadSucceedsOnThirdAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := modelService(t, 2, &calls)
	c := newCoordinator(srv.URL, token, deployment.StatusDeployed)

	res, err := c.Reload(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 4, res.Version)
	assert.Equal(t, "2026-05-04T10:00:00Z", res.Timestamp)
	assert.EqualValues(t, 3, calls.Load())
}

func TestReloadGivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := modelService(t, 10, &calls)
	c := newCoordinator(srv.URL, token, deployment.StatusDeployed)

	res, err := c.Reload(context.Background(), "d1")
	require.ErrorIs(t, err, deployment.ErrExternalService)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestReloadBadKeyIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := modelService(t, 0, &calls)
	c := newCoordinator(srv.URL, "wrong-key", deployment.StatusDeployed)

	res, err := c.Reload(context.Background(), "d1")
	require.ErrorIs(t, err, deployment.ErrUnauthorized)
	assert.NotContains(t, err.Error(), "wrong-key")
	assert.Equal(t, 1, res.Attempts)
	assert.EqualValues(t, 1, calls.Load())
}

func TestReloadPreconditions(t *testing.T) {
	var calls atomic.Int32
	srv := modelService(t, 0, &calls)

	for _, status := range []deployment.Status{deployment.StatusPending, deployment.StatusBuilding, deployment.StatusFailed} {
		c := newCoordinator(srv.URL, token, status)
		_, err := c.Reload(context.Background(), "d1")
		assert.ErrorIs(t, err, deployment.ErrInvalidState, status)
	}

	c := newCoordinator(srv.URL, token, deployment.StatusDeployed)
	_, err := c.Reload(context.Background(), "missing")
	assert.ErrorIs(t, err, deployment.ErrNotFound)

	c.Versions = stubVersions{}
	_, err = c.Reload(context.Background(), "d1")
	assert.ErrorIs(t, err, deployment.ErrNotFound)

	assert.Zero(t, calls.Load())
}

func TestReloadDelayIsCancellable(t *testing.T) {
	var calls atomic.Int32
	srv := modelService(t, 10, &calls)
	c := newCoordinator(srv.URL, token, deployment.StatusDeployed)
	c.Delay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := c.Reload(ctx, "d1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, res.Attempts)
	assert.Less(t, time.Since(start), 5*time.Second)
}
