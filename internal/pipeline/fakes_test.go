package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cloudship/internal/deployment"
	"cloudship/internal/observability"
	"cloudship/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

// pollStep is one scripted answer of the fake build service.
type pollStep struct {
	status BuildStatus
	detail string
	err    error
}

// fakeBuilds replays a script of status answers. Once the script runs out the
// last step repeats.
type fakeBuilds struct {
	mu        sync.Mutex
	ref       string
	submitErr error
	script    []pollStep
	hold      chan struct{}

	submits   int
	images    []string
	polls     int
	cancelled []string
}

func (f *fakeBuilds) Submit(ctx context.Context, sourceRef, imageName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.images = append(f.images, imageName)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.ref, nil
}

func (f *fakeBuilds) GetStatus(ctx context.Context, buildRef string) (BuildReport, error) {
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return BuildReport{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.script) == 0 {
		return BuildReport{Status: BuildWorking}, nil
	}
	step := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	if step.err != nil {
		return BuildReport{}, step.err
	}
	return BuildReport{Status: step.status, Detail: step.detail}, nil
}

func (f *fakeBuilds) Cancel(ctx context.Context, buildRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, buildRef)
	return nil
}

func (f *fakeBuilds) stats() (submits, polls int, cancelled []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.polls, append([]string(nil), f.cancelled...)
}

type fakeRuns struct {
	mu    sync.Mutex
	url   string
	err   error
	calls int
	last  DeployRequest
}

func (f *fakeRuns) Deploy(ctx context.Context, req DeployRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func (f *fakeRuns) snapshot() (int, DeployRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.last
}

var errHiccup = errors.New("connection reset by peer")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPoller(builds BuildService) *Poller {
	return &Poller{
		Builds:   builds,
		Interval: time.Millisecond,
		Deadline: 5 * time.Second,
		Logger:   discardLogger(),
	}
}

func newTestOrchestrator(t *testing.T, repo *store.Store, builds *fakeBuilds, runs *fakeRuns) *Orchestrator {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	poller := fastPoller(builds)
	poller.Metrics = metrics
	o := NewOrchestrator(repo, builds, runs, poller, Config{
		Registry:      "us-central1-docker.pkg.dev/demo/models",
		PointerBucket: "cloudship-artifacts",
	}, discardLogger(), metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func testSpec() deployment.Spec {
	return deployment.Spec{
		Name:       "iris-model",
		NotebookID: "nb-7",
		SourceRef:  "gs://cloudship-sources/nb-7/source.tar.gz",
		Region:     "us-central1",
		Resources:  deployment.Resources{CPU: "1", Memory: "512Mi", MinInstances: 0, MaxInstances: 10},
	}
}
