package pipeline

import (
	"context"
	"fmt"

	"cloudship/internal/deployment"
)

// BuildStatus is the remote state of a build job.
type BuildStatus string

const (
	BuildQueued    BuildStatus = "QUEUED"
	BuildWorking   BuildStatus = "WORKING"
	BuildSuccess   BuildStatus = "SUCCESS"
	BuildFailure   BuildStatus = "FAILURE"
	BuildCancelled BuildStatus = "CANCELLED"
)

// Terminal reports whether the build will not change status again.
func (s BuildStatus) Terminal() bool {
	return s == BuildSuccess || s == BuildFailure || s == BuildCancelled
}

// BuildReport is one status observation of a build.
type BuildReport struct {
	Status BuildStatus
	// Detail is the remote status message, if any.
	Detail string
}

// BuildService packages a source archive into a container image.
type BuildService interface {
	Submit(ctx context.Context, sourceRef, imageName string) (string, error)
	GetStatus(ctx context.Context, buildRef string) (BuildReport, error)
	Cancel(ctx context.Context, buildRef string) error
}

// DeployRequest describes the service revision to roll out.
type DeployRequest struct {
	ServiceName string
	Region      string
	Image       string
	Resources   deployment.Resources
	Env         map[string]string
}

// RunService creates or updates a network service and returns its URL.
// Failures are reported as *DeployError.
type RunService interface {
	Deploy(ctx context.Context, req DeployRequest) (string, error)
}

// DeployError is a structured failure from the run service.
type DeployError struct {
	Service string
	Code    int
	Message string
}

func (e *DeployError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("deploy %s failed (code %d): %s", e.Service, e.Code, e.Message)
	}
	return fmt.Sprintf("deploy %s failed: %s", e.Service, e.Message)
}
