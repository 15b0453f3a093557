package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"cloudship/internal/pipeline"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	run "google.golang.org/api/run/v2"
)

const (
	containerPort       = 8080
	defaultOpPollPeriod = 2 * time.Second
	invokerRole         = "roles/run.invoker"
)

// CloudRun creates or updates Cloud Run services.
type CloudRun struct {
	svc       *run.Service
	projectID string
	// Public grants allUsers the invoker role after each deploy.
	Public       bool
	PollInterval time.Duration
	Logger       *slog.Logger
}

// NewCloudRun creates a client for projectID.
func NewCloudRun(ctx context.Context, projectID string, logger *slog.Logger, opts ...option.ClientOption) (*CloudRun, error) {
	svc, err := run.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud Run client: %w", err)
	}
	return &CloudRun{
		svc:          svc,
		projectID:    projectID,
		Public:       true,
		PollInterval: defaultOpPollPeriod,
		Logger:       logger,
	}, nil
}

// Deploy rolls out req.Image as the named service and returns its URL. The
// call is idempotent: an existing service is patched with the same template.
func (c *CloudRun) Deploy(ctx context.Context, req pipeline.DeployRequest) (string, error) {
	parent := fmt.Sprintf("projects/%s/locations/%s", c.projectID, req.Region)
	name := parent + "/services/" + req.ServiceName
	services := c.svc.Projects.Locations.Services

	desired := serviceSpec(req)

	var op *run.GoogleLongrunningOperation
	_, err := services.Get(name).Context(ctx).Do()
	switch {
	case isNotFound(err):
		op, err = services.Create(parent, desired).ServiceId(req.ServiceName).Context(ctx).Do()
	case err != nil:
		return "", deployError(req.ServiceName, err)
	default:
		op, err = services.Patch(name, desired).Context(ctx).Do()
	}
	if err != nil {
		return "", deployError(req.ServiceName, err)
	}

	if err := c.wait(ctx, req.ServiceName, op); err != nil {
		return "", err
	}

	live, err := services.Get(name).Context(ctx).Do()
	if err != nil {
		return "", deployError(req.ServiceName, err)
	}
	if live.Uri == "" {
		return "", &pipeline.DeployError{Service: req.ServiceName, Message: "service has no URL after rollout"}
	}

	if c.Public {
		c.allowUnauthenticated(ctx, name)
	}
	return live.Uri, nil
}

func serviceSpec(req pipeline.DeployRequest) *run.GoogleCloudRunV2Service {
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]*run.GoogleCloudRunV2EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, &run.GoogleCloudRunV2EnvVar{Name: k, Value: req.Env[k]})
	}

	return &run.GoogleCloudRunV2Service{
		Ingress: "INGRESS_TRAFFIC_ALL",
		Template: &run.GoogleCloudRunV2RevisionTemplate{
			Containers: []*run.GoogleCloudRunV2Container{{
				Image: req.Image,
				Ports: []*run.GoogleCloudRunV2ContainerPort{{ContainerPort: containerPort}},
				Resources: &run.GoogleCloudRunV2ResourceRequirements{
					Limits: map[string]string{
						"cpu":    req.Resources.CPU,
						"memory": req.Resources.Memory,
					},
				},
				Env: env,
			}},
			Scaling: &run.GoogleCloudRunV2RevisionScaling{
				MinInstanceCount: int64(req.Resources.MinInstances),
				MaxInstanceCount: int64(req.Resources.MaxInstances),
				ForceSendFields:  []string{"MinInstanceCount"},
			},
		},
	}
}

// wait polls the long-running operation until it is done.
func (c *CloudRun) wait(ctx context.Context, service string, op *run.GoogleLongrunningOperation) error {
	interval := c.PollInterval
	if interval <= 0 {
		interval = defaultOpPollPeriod
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !op.Done {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var err error
		op, err = c.svc.Projects.Locations.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return deployError(service, err)
		}
	}

	if op.Error != nil {
		return &pipeline.DeployError{Service: service, Code: int(op.Error.Code), Message: op.Error.Message}
	}
	return nil
}

func (c *CloudRun) allowUnauthenticated(ctx context.Context, name string) {
	_, err := c.svc.Projects.Locations.Services.SetIamPolicy(name, &run.GoogleIamV1SetIamPolicyRequest{
		Policy: &run.GoogleIamV1Policy{
			Bindings: []*run.GoogleIamV1Binding{{Role: invokerRole, Members: []string{"allUsers"}}},
		},
	}).Context(ctx).Do()
	if err != nil {
		c.Logger.Warn("failed to grant public invoker role", "service", name, "error", err)
	}
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func deployError(service string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &pipeline.DeployError{Service: service, Code: gerr.Code, Message: gerr.Message}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &pipeline.DeployError{Service: service, Message: err.Error()}
}
