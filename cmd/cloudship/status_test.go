package main

import (
	"bytes"
	"strings"
	"testing"

	"cloudship/internal/deployment"
	"cloudship/internal/store"
)

func TestPrintStatus(t *testing.T) {
	d := &deployment.Deployment{
		ID:           "dep-1",
		Name:         "iris-model",
		NotebookID:   "nb-7",
		Region:       "us-central1",
		Status:       deployment.StatusDeployed,
		Cycle:        2,
		ServiceURL:   "https://iris-model.run.app",
		RepoFullName: "acme/iris",
		Branch:       "main",
	}
	transitions := []store.Transition{
		{Seq: 1, Cycle: 1, Status: "pending", RecordedAt: "2026-05-04T10:00:00Z"},
		{Seq: 2, Cycle: 1, Status: "failed", RecordedAt: "2026-05-04T10:05:00Z", ErrorMessage: "build failed"},
	}

	var buf bytes.Buffer
	if err := printStatus(&buf, d, transitions); err != nil {
		t.Fatalf("printStatus() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"Deployment dep-1 (iris-model)",
		"deployed (cycle 2)",
		"Endpoint:  https://iris-model.run.app",
		"Tracking:  acme/iris@main",
		"build failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Image:") {
		t.Errorf("Empty image should be omitted:\n%s", out)
	}
}

func TestGetEnvOrDefaultInt(t *testing.T) {
	t.Setenv("CLOUDSHIP_TEST_PORT", "9090")
	if got := getEnvOrDefaultInt("CLOUDSHIP_TEST_PORT", 8080); got != 9090 {
		t.Errorf("Expected 9090, got %d", got)
	}

	t.Setenv("CLOUDSHIP_TEST_PORT", "not-a-port")
	if got := getEnvOrDefaultInt("CLOUDSHIP_TEST_PORT", 8080); got != 8080 {
		t.Errorf("Expected fallback 8080, got %d", got)
	}
}
