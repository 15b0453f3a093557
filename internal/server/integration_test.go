package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloudship/internal/artifact"
	"cloudship/internal/deployment"
	"cloudship/internal/hotreload"
	"cloudship/internal/pipeline"
	"cloudship/internal/store"
	"cloudship/internal/store/storetest"
	"cloudship/internal/webhook"
)

// instantBuilds reports every build as succeeded on the first poll.
type instantBuilds struct {
	submitted atomic.Int32
}

func (b *instantBuilds) Submit(ctx context.Context, sourceRef, imageName string) (string, error) {
	return fmt.Sprintf("build-%d", b.submitted.Add(1)), nil
}

func (b *instantBuilds) GetStatus(ctx context.Context, buildRef string) (pipeline.BuildReport, error) {
	return pipeline.BuildReport{Status: pipeline.BuildSuccess}, nil
}

func (b *instantBuilds) Cancel(ctx context.Context, buildRef string) error { return nil }

// modelService stands in for the deployed notebook service.
type modelService struct {
	srv *httptest.Server

	mu       sync.Mutex
	apiKey   string
	images   []string
	reloaded []int
}

func newModelService(t *testing.T) *modelService {
	m := &modelService{}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if r.URL.Path != hotreload.ReloadPath || r.Header.Get(hotreload.APIKeyHeader) != m.apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			Version int `json:"version"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		m.reloaded = append(m.reloaded, req.Version)
		json.NewEncoder(w).Encode(map[string]string{"status": "reloaded", "timestamp": "2026-05-04T10:00:00Z"})
	}))
	t.Cleanup(m.srv.Close)
	return m
}

// Deploy records the rollout and hands back the stand-in's URL.
func (m *modelService) Deploy(ctx context.Context, req pipeline.DeployRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKey = req.Env["ADMIN_API_KEY"]
	m.images = append(m.images, req.Image)
	return m.srv.URL, nil
}

func waitForStatus(t *testing.T, h http.Handler, id string, cycle int, want deployment.Status) deployment.Deployment {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var d deployment.Deployment
	for time.Now().Before(deadline) {
		rr := doJSON(t, h, "GET", "/api/v1/deployments/"+id, "")
		decodeBody(t, rr, &d)
		if d.Cycle == cycle && d.Status == want {
			return d
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Deployment %s did not reach %s in cycle %d; last seen %s in cycle %d", id, want, cycle, d.Status, d.Cycle)
	return d
}

func TestEndToEnd_DeployUploadReloadPush(t *testing.T) {
	logger := testLogger()
	st := storetest.Open(t)
	builds := &instantBuilds{}
	svc := newModelService(t)

	poller := &pipeline.Poller{Builds: builds, Interval: time.Millisecond, Deadline: 5 * time.Second, Logger: logger}
	orch := pipeline.NewOrchestrator(st, builds, svc, poller, pipeline.Config{
		Registry:      "us-central1-docker.pkg.dev/demo/models",
		PointerBucket: "demo-artifacts",
	}, logger, nil)
	t.Cleanup(func() { orch.Shutdown(context.Background()) })

	reloader := hotreload.NewCoordinator(st, st, logger, nil)
	reloader.Delay = time.Millisecond

	server := NewServer(Dependencies{
		Pipeline:    orch,
		Transitions: st,
		Reloads:     reloader,
		Artifacts:   artifact.NewService(st, &memBlobs{objects: make(map[string][]byte)}, logger),
		Webhooks:    webhook.NewDispatcher(testSecret, st, orch, "main", logger, nil),
		Health:      st,
	}, Settings{
		DefaultRegion:    "us-central1",
		DefaultResources: deployment.Resources{CPU: "1", Memory: "512Mi", MaxInstances: 10},
	}, logger, nil)
	router := server.Router()

	// Submit and wait for the first cycle to go live.
	rr := doJSON(t, router, "POST", "/api/v1/deployments", `{
		"name": "iris-model",
		"notebook_id": "nb-7",
		"source_ref": "gs://sources/nb-7.tar.gz",
		"repository": "acme/iris",
		"branch": "main"
	}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var created deployment.Deployment
	decodeBody(t, rr, &created)

	live := waitForStatus(t, router, created.ID, 1, deployment.StatusDeployed)
	if live.ServiceURL != svc.srv.URL {
		t.Errorf("Expected endpoint %s, got %s", svc.srv.URL, live.ServiceURL)
	}

	// Upload a model and push it to the running service.
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, uploadRequest(t, "nb-7", "model.pkl", pickleBytes, "0.93"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected upload status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, router, "POST", "/api/v1/deployments/"+created.ID+"/reload", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected reload status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res hotreload.Result
	decodeBody(t, rr, &res)
	if res.Version != 1 || res.Attempts != 1 {
		t.Errorf("Expected version 1 on first attempt, got %+v", res)
	}
	svc.mu.Lock()
	if len(svc.reloaded) != 1 || svc.reloaded[0] != 1 {
		t.Errorf("Expected the service to load version 1 once, got %v", svc.reloaded)
	}
	svc.mu.Unlock()

	// A push to the tracked branch starts cycle two.
	payload := []byte(`{"ref":"refs/heads/main","after":"def456","repository":{"full_name":"acme/iris"},"commits":[{"id":"def456"}]}`)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, webhookRequest(payload, webhook.Sign(payload, []byte(testSecret))))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected webhook status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	waitForStatus(t, router, created.ID, 2, deployment.StatusDeployed)

	svc.mu.Lock()
	images := append([]string(nil), svc.images...)
	svc.mu.Unlock()
	want := []string{
		"us-central1-docker.pkg.dev/demo/models/iris-model:c1",
		"us-central1-docker.pkg.dev/demo/models/iris-model:c2",
	}
	if len(images) != 2 || images[0] != want[0] || images[1] != want[1] {
		t.Errorf("Expected images %v, got %v", want, images)
	}

	rr = doJSON(t, router, "GET", "/api/v1/deployments/"+created.ID+"/transitions", "")
	var history struct {
		Transitions []store.Transition `json:"transitions"`
	}
	decodeBody(t, rr, &history)
	last := history.Transitions[len(history.Transitions)-1]
	if last.Cycle != 2 || last.Status != string(deployment.StatusDeployed) {
		t.Errorf("Expected last transition deployed in cycle 2, got %+v", last)
	}
}
