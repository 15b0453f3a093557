// Package gcp adapts Cloud Build, Cloud Run and Cloud Storage to the
// pipeline and artifact ports.
package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloudship/internal/pipeline"
	"cloudship/internal/security"

	"github.com/kballard/go-shellquote"
	"google.golang.org/api/cloudbuild/v1"
	"google.golang.org/api/option"
)

const dockerBuilder = "gcr.io/cloud-builders/docker"

// CloudBuild submits docker builds of uploaded source archives.
type CloudBuild struct {
	svc       *cloudbuild.Service
	projectID string
	buildArgs []string
	timeout   time.Duration
}

// NewCloudBuild creates a client for projectID. buildArgs is a shell-style
// string of extra arguments for "docker build", e.g.
// `--build-arg PYTHON_VERSION=3.11 --label "team=ml platform"`.
func NewCloudBuild(ctx context.Context, projectID, buildArgs string, timeout time.Duration, opts ...option.ClientOption) (*CloudBuild, error) {
	args, err := shellquote.Split(buildArgs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse build args: %w", err)
	}

	svc, err := cloudbuild.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud Build client: %w", err)
	}

	return &CloudBuild{svc: svc, projectID: projectID, buildArgs: args, timeout: timeout}, nil
}

// Submit starts a build of the archive at sourceRef (a gs:// URI) and pushes
// the result as imageName. The returned reference is the Cloud Build id.
func (c *CloudBuild) Submit(ctx context.Context, sourceRef, imageName string) (string, error) {
	bucket, object, err := security.ParseGCSURI(sourceRef)
	if err != nil {
		return "", err
	}

	buildArgs := []string{"build", "-t", imageName, "-f", "Dockerfile"}
	buildArgs = append(buildArgs, c.buildArgs...)
	buildArgs = append(buildArgs, ".")

	build := &cloudbuild.Build{
		Source: &cloudbuild.Source{
			StorageSource: &cloudbuild.StorageSource{Bucket: bucket, Object: object},
		},
		Steps: []*cloudbuild.BuildStep{
			{Name: dockerBuilder, Args: buildArgs},
			{Name: dockerBuilder, Args: []string{"push", imageName}},
		},
		Images: []string{imageName},
	}
	if c.timeout > 0 {
		build.Timeout = fmt.Sprintf("%ds", int(c.timeout.Seconds()))
	}

	op, err := c.svc.Projects.Builds.Create(c.projectID, build).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create build: %w", err)
	}

	var meta cloudbuild.BuildOperationMetadata
	if err := json.Unmarshal(op.Metadata, &meta); err != nil {
		return "", fmt.Errorf("failed to decode build operation metadata: %w", err)
	}
	if meta.Build == nil || meta.Build.Id == "" {
		return "", fmt.Errorf("build operation %s carries no build id", op.Name)
	}
	return meta.Build.Id, nil
}

// GetStatus reads the build and folds Cloud Build's statuses onto the
// pipeline's five.
func (c *CloudBuild) GetStatus(ctx context.Context, buildRef string) (pipeline.BuildReport, error) {
	b, err := c.svc.Projects.Builds.Get(c.projectID, buildRef).Context(ctx).Do()
	if err != nil {
		return pipeline.BuildReport{}, fmt.Errorf("failed to get build %s: %w", buildRef, err)
	}
	return pipeline.BuildReport{Status: mapBuildStatus(b.Status), Detail: buildDetail(b)}, nil
}

// Cancel asks Cloud Build to stop a running build.
func (c *CloudBuild) Cancel(ctx context.Context, buildRef string) error {
	_, err := c.svc.Projects.Builds.Cancel(c.projectID, buildRef, &cloudbuild.CancelBuildRequest{
		Id:        buildRef,
		ProjectId: c.projectID,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to cancel build %s: %w", buildRef, err)
	}
	return nil
}

func mapBuildStatus(s string) pipeline.BuildStatus {
	switch s {
	case "SUCCESS":
		return pipeline.BuildSuccess
	case "FAILURE", "INTERNAL_ERROR", "TIMEOUT", "EXPIRED":
		return pipeline.BuildFailure
	case "CANCELLED":
		return pipeline.BuildCancelled
	case "WORKING":
		return pipeline.BuildWorking
	default:
		return pipeline.BuildQueued
	}
}

func buildDetail(b *cloudbuild.Build) string {
	switch b.Status {
	case "INTERNAL_ERROR", "TIMEOUT", "EXPIRED":
		if b.StatusDetail == "" {
			return b.Status
		}
		return b.Status + ": " + b.StatusDetail
	}
	return b.StatusDetail
}
