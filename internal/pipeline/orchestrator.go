package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloudship/internal/deployment"
	"cloudship/internal/observability"
	"cloudship/internal/security"
	"cloudship/pkg/templates"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultImageTemplate names the image built for each cycle.
	DefaultImageTemplate = "{{REGISTRY}}/{{NAME}}:c{{CYCLE}}"

	// persistTimeout bounds the final state write of a run so a stopping
	// process still records terminal states.
	persistTimeout = 10 * time.Second
)

// imagePlaceholders are the variables an image template may reference.
var imagePlaceholders = map[string]bool{"REGISTRY": true, "NAME": true, "ID": true, "CYCLE": true}

// ValidateImageTemplate rejects templates that reference variables the
// orchestrator never supplies, or that would reuse one image across cycles.
func ValidateImageTemplate(tmpl string) error {
	var unknown []string
	hasCycle := false
	for _, name := range templates.Placeholders(tmpl) {
		switch {
		case name == "CYCLE":
			hasCycle = true
		case !imagePlaceholders[name]:
			unknown = append(unknown, "{{"+name+"}}")
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown placeholders %s", strings.Join(unknown, ", "))
	}
	if !hasCycle {
		return errors.New("must contain {{CYCLE}} so each cycle gets its own image")
	}
	return nil
}

// Config tunes the orchestrator.
type Config struct {
	Registry      string
	ImageTemplate string
	// PointerBucket is where artifact latest pointers live; it is passed to
	// deployed services so they can find their active artifact.
	PointerBucket string
}

// Orchestrator owns the deployment state machine. Each run executes on its
// own goroutine and holds the id's claim until it reaches a terminal state.
type Orchestrator struct {
	Repo    deployment.Repository
	Builds  BuildService
	Runs    RunService
	Poller  *Poller
	Claims  *deployment.ClaimManager
	Config  Config
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer

	Now      func() time.Time
	NewID    func() string
	NewToken func() (string, error)

	runCtx  context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator wires an orchestrator with production defaults.
func NewOrchestrator(repo deployment.Repository, builds BuildService, runs RunService, poller *Poller, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if cfg.ImageTemplate == "" {
		cfg.ImageTemplate = DefaultImageTemplate
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		Repo:     repo,
		Builds:   builds,
		Runs:     runs,
		Poller:   poller,
		Claims:   deployment.NewClaimManager(),
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   observability.Tracer(),
		Now:      time.Now,
		NewID:    uuid.NewString,
		NewToken: security.GenerateToken,
		runCtx:   ctx,
		stopAll:  cancel,
	}
}

// Submit validates spec, persists a pending deployment and starts its run.
// It returns as soon as the deployment is stored.
func (o *Orchestrator) Submit(ctx context.Context, spec deployment.Spec) (*deployment.Deployment, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	token, err := o.NewToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate reload token: %w", err)
	}

	d := deployment.New(o.NewID(), spec, token, o.Now().UTC())

	if !o.Claims.TryClaim(d.ID) {
		return nil, fmt.Errorf("%w: a run is already in flight for %s", deployment.ErrConflict, d.ID)
	}

	if err := o.Repo.Create(ctx, d); err != nil {
		o.Claims.Release(d.ID)
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	o.Logger.Info("deployment submitted", "deployment", d)
	// The run goroutine owns d from here on.
	out := d.Clone()
	o.start(d)
	return out, nil
}

// RedeployOptions optionally restate the placement of a redeploy. Region and
// service name are fixed for the life of a deployment, so any value that
// differs from the stored one is rejected.
type RedeployOptions struct {
	Region      string
	ServiceName string
}

// Redeploy re-arms a deployed service for a new build cycle.
func (o *Orchestrator) Redeploy(ctx context.Context, id string, opts RedeployOptions) (*deployment.Deployment, error) {
	if !o.Claims.TryClaim(id) {
		return nil, fmt.Errorf("%w: a run is already in flight for %s", deployment.ErrConflict, id)
	}

	d, err := o.rearm(ctx, id, opts)
	if err != nil {
		o.Claims.Release(id)
		return nil, err
	}

	o.Logger.Info("redeploy accepted", "deployment", d)
	out := d.Clone()
	o.start(d)
	return out, nil
}

func (o *Orchestrator) rearm(ctx context.Context, id string, opts RedeployOptions) (*deployment.Deployment, error) {
	d, err := o.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if opts.Region != "" && opts.Region != d.Region {
		return nil, fmt.Errorf("%w: region is fixed to %s for deployment %s", deployment.ErrValidation, d.Region, id)
	}
	if opts.ServiceName != "" && opts.ServiceName != d.Name {
		return nil, fmt.Errorf("%w: service name is fixed to %s for deployment %s", deployment.ErrValidation, d.Name, id)
	}

	if err := d.Apply(deployment.RedeployRequested{}, o.Now().UTC()); err != nil {
		return nil, err
	}
	if err := o.Repo.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to persist redeploy: %w", err)
	}
	return d, nil
}

// Get returns a deployment by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*deployment.Deployment, error) {
	return o.Repo.Get(ctx, id)
}

// List returns deployments, newest first.
func (o *Orchestrator) List(ctx context.Context, limit, offset int) ([]*deployment.Deployment, error) {
	return o.Repo.List(ctx, limit, offset)
}

// LinkRepository sets the repository and branch whose pushes redeploy id.
func (o *Orchestrator) LinkRepository(ctx context.Context, id, fullName, branch string) (*deployment.Deployment, error) {
	if err := security.ValidateRepoFullName(fullName); err != nil {
		return nil, fmt.Errorf("%w: %v", deployment.ErrValidation, err)
	}
	if err := security.ValidateBranchName(branch); err != nil {
		return nil, fmt.Errorf("%w: %v", deployment.ErrValidation, err)
	}

	// The claim keeps the single-writer rule while the record is rewritten.
	if !o.Claims.TryClaim(id) {
		return nil, fmt.Errorf("%w: a run is already in flight for %s", deployment.ErrConflict, id)
	}
	defer o.Claims.Release(id)

	d, err := o.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d.RepoFullName = fullName
	d.Branch = branch
	d.UpdatedAt = o.Now().UTC()
	if err := o.Repo.UpdateRepository(ctx, d.ID, fullName, branch, d.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to link repository: %w", err)
	}
	return d, nil
}

// Recover resumes runs interrupted by a previous process. It must be called
// before the API starts accepting requests.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	pending, err := o.Repo.ListInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list in-flight deployments: %w", err)
	}

	resumed := 0
	for _, d := range pending {
		if !o.Claims.TryClaim(d.ID) {
			continue
		}

		if reason := unrecoverable(d); reason != "" {
			o.Logger.Warn("deployment cannot be resumed", "deployment", d, "detail", reason)
			o.fail(ctx, d, fmt.Errorf("%w: %s", deployment.ErrInterrupted, reason), o.Now())
			o.Claims.Release(d.ID)
			continue
		}

		o.Logger.Info("resuming deployment", "deployment", d, "build_ref", d.BuildRef)
		o.start(d)
		resumed++
	}
	return resumed, nil
}

func unrecoverable(d *deployment.Deployment) string {
	switch d.Status {
	case deployment.StatusBuilding:
		if d.BuildRef == "" {
			return "process stopped before the build reference was recorded"
		}
	case deployment.StatusDeploying:
		if d.ImageRef == "" {
			return "process stopped during deploy with no image reference"
		}
	}
	return ""
}

// Wait blocks until every run started so far has stopped.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops in-flight runs at their next suspension point and waits for
// them. Interrupted runs keep their persisted state and are picked up by
// Recover on the next start.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopAll()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start launches the run for a claimed deployment. The claim is released
// when the goroutine exits.
func (o *Orchestrator) start(d *deployment.Deployment) {
	o.wg.Add(1)
	o.Metrics.RunStarted()
	go func() {
		defer o.wg.Done()
		defer o.Claims.Release(d.ID)
		defer o.Metrics.RunEnded()
		o.run(o.runCtx, d)
	}()
}

// run drives d from its current status to a terminal one. Every transition
// is persisted before the next external call is made.
func (o *Orchestrator) run(ctx context.Context, d *deployment.Deployment) {
	started := o.Now()
	ctx, span := o.Tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("deployment.id", d.ID),
		attribute.Int("deployment.cycle", d.Cycle),
	))
	defer span.End()

	err := o.advance(ctx, d)
	if err != nil && ctx.Err() != nil {
		o.Logger.Warn("run interrupted by shutdown", "deployment", d)
		span.SetStatus(codes.Error, "interrupted")
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(deployment.ReasonOf(err)))
		o.fail(ctx, d, err, started)
		return
	}

	o.Metrics.DeploymentFinished("deployed", "", o.Now().Sub(started))
	o.Logger.Info("deployment completed", "deployment", d, "service_url", d.ServiceURL)
}

func (o *Orchestrator) advance(ctx context.Context, d *deployment.Deployment) error {
	if d.Status == deployment.StatusPending {
		if err := o.transition(ctx, d, deployment.BuildStarted{}); err != nil {
			return err
		}
	}

	if d.Status == deployment.StatusBuilding {
		if d.BuildRef == "" {
			if err := o.submitBuild(ctx, d); err != nil {
				return err
			}
		}

		pollCtx, span := o.Tracer.Start(ctx, "pipeline.poll_build", trace.WithAttributes(attribute.String("build.ref", d.BuildRef)))
		_, err := o.Poller.Poll(pollCtx, d.BuildRef)
		span.End()
		if err != nil {
			return err
		}

		if err := o.transition(ctx, d, deployment.BuildSucceeded{}); err != nil {
			return err
		}
	}

	if d.Status == deployment.StatusDeploying {
		url, err := o.deploy(ctx, d)
		if err != nil {
			return err
		}
		return o.transition(ctx, d, deployment.ServiceDeployed{URL: url})
	}

	if d.Status != deployment.StatusDeployed {
		return fmt.Errorf("%w: run ended in status %s", deployment.ErrInvalidState, d.Status)
	}
	return nil
}

func (o *Orchestrator) submitBuild(ctx context.Context, d *deployment.Deployment) error {
	image, err := templates.Render(o.Config.ImageTemplate, templates.TemplateData{
		"REGISTRY": o.Config.Registry,
		"NAME":     d.Name,
		"ID":       d.ID,
		"CYCLE":    strconv.Itoa(d.Cycle),
	})
	if err != nil {
		return fmt.Errorf("%w: image name: %v", deployment.ErrValidation, err)
	}

	ctx, span := o.Tracer.Start(ctx, "pipeline.submit_build")
	defer span.End()

	ref, err := o.Builds.Submit(ctx, d.SourceRef, image)
	if err != nil {
		return wrapExternal("build submit", err)
	}

	o.Logger.Info("build submitted", "deployment_id", d.ID, "build_ref", ref, "image", image)
	return o.transition(ctx, d, deployment.BuildSubmitted{BuildRef: ref, ImageRef: image})
}

func (o *Orchestrator) deploy(ctx context.Context, d *deployment.Deployment) (string, error) {
	ctx, span := o.Tracer.Start(ctx, "pipeline.deploy", trace.WithAttributes(attribute.String("service.name", d.Name)))
	defer span.End()

	env := map[string]string{"ADMIN_API_KEY": d.ReloadToken}
	if o.Config.PointerBucket != "" {
		env["MODEL_POINTER"] = "gs://" + o.Config.PointerBucket + "/models/" + d.NotebookID + "/latest.json"
	}

	url, err := o.Runs.Deploy(ctx, DeployRequest{
		ServiceName: d.Name,
		Region:      d.Region,
		Image:       d.ImageRef,
		Resources:   d.Resources,
		Env:         env,
	})
	if err != nil {
		return "", wrapExternal("deploy", err)
	}
	return url, nil
}

// transition applies e and persists the result. A rejected event or a failed
// write leaves the stored record at its previous state.
func (o *Orchestrator) transition(ctx context.Context, d *deployment.Deployment, e deployment.Event) error {
	next := d.Clone()
	if err := next.Apply(e, o.Now().UTC()); err != nil {
		return err
	}
	if err := o.Repo.Update(ctx, next); err != nil {
		return fmt.Errorf("failed to persist %s: %w", e.Name(), err)
	}
	*d = *next

	o.Logger.Info("deployment transition",
		"deployment_id", d.ID,
		"event", e.Name(),
		"status", d.Status,
		"cycle", d.Cycle)
	return nil
}

// fail records the terminal failure of a run. Persisting uses a detached
// context so the write survives cancellation of the run.
func (o *Orchestrator) fail(ctx context.Context, d *deployment.Deployment, cause error, started time.Time) {
	reason := deployment.ReasonOf(cause)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := o.transition(writeCtx, d, deployment.RunFailed{Reason: reason, Detail: cause.Error()}); err != nil {
		o.Logger.Error("failed to record deployment failure", "deployment", d, "cause", cause, "error", err)
		return
	}

	outcome := "failed"
	if d.Status == deployment.StatusDeployed {
		outcome = "kept_last_good"
	}
	o.Metrics.DeploymentFinished(outcome, string(reason), o.Now().Sub(started))
	o.Logger.Error("deployment run failed",
		"deployment", d,
		"reason", reason,
		"outcome", outcome,
		"error_message", d.ErrorMessage)
}

// wrapExternal tags errors from remote services so they classify as
// ExternalServiceError unless they already carry a reason.
func wrapExternal(stage string, err error) error {
	if errors.Is(err, deployment.ErrTimeout) || errors.Is(err, deployment.ErrExternalService) ||
		errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", deployment.ErrExternalService, stage, err)
}
