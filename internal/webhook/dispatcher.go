// Package webhook turns verified GitHub push deliveries into redeploys.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"cloudship/internal/deployment"
	"cloudship/internal/observability"
	"cloudship/internal/pipeline"

	"github.com/google/go-github/v57/github"
)

// Outcome is the result of handling one delivery.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeNoMatch   Outcome = "no_match"
)

// StatusCode is the HTTP status answered for o.
func (o Outcome) StatusCode() int {
	switch o {
	case OutcomeAccepted, OutcomeDuplicate:
		return http.StatusAccepted
	case OutcomeNoMatch:
		return http.StatusNoContent
	default:
		return http.StatusOK
	}
}

// Delivery is one inbound webhook request.
type Delivery struct {
	Event      string
	DeliveryID string
	Signature  string
	Body       []byte
}

// Finder resolves the deployment that tracks a repository.
type Finder interface {
	FindByRepository(ctx context.Context, fullName string) (*deployment.Deployment, error)
}

// Redeployer re-arms a deployed service.
type Redeployer interface {
	Redeploy(ctx context.Context, id string, opts pipeline.RedeployOptions) (*deployment.Deployment, error)
}

// Dispatcher verifies deliveries and maps pushes onto redeploys.
type Dispatcher struct {
	Secret        []byte
	Deployments   Finder
	Pipeline      Redeployer
	Dedup         *DedupCache
	DefaultBranch string
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// NewDispatcher returns a Dispatcher with a default dedup cache.
func NewDispatcher(secret string, finder Finder, redeployer Redeployer, defaultBranch string, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		Secret:        []byte(secret),
		Deployments:   finder,
		Pipeline:      redeployer,
		Dedup:         NewDedupCache(DefaultDedupTTL, DefaultDedupCapacity),
		DefaultBranch: defaultBranch,
		Logger:        logger,
		Metrics:       metrics,
	}
}

// Handle processes one delivery. A bad signature returns
// deployment.ErrUnauthorized before anything else is looked at. Redeploys are
// started, not awaited.
func (d *Dispatcher) Handle(ctx context.Context, in Delivery) (Outcome, error) {
	if !VerifySignature(in.Body, in.Signature, d.Secret) {
		d.Metrics.WebhookEvent("unauthorized")
		d.Logger.Warn("webhook signature mismatch", "delivery_id", in.DeliveryID)
		return "", fmt.Errorf("%w: invalid webhook signature", deployment.ErrUnauthorized)
	}

	key := DeliveryKey(in.Signature, in.Body)
	if !d.Dedup.Add(key) {
		d.Metrics.WebhookEvent(string(OutcomeDuplicate))
		d.Logger.Info("duplicate webhook delivery", "delivery_id", in.DeliveryID)
		return OutcomeDuplicate, nil
	}

	outcome, err := d.dispatch(ctx, in)
	if err != nil {
		d.Dedup.Forget(key)
		d.Metrics.WebhookEvent("error")
		return "", err
	}
	d.Metrics.WebhookEvent(string(outcome))
	return outcome, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, in Delivery) (Outcome, error) {
	if in.Event != "push" {
		d.Logger.Info("ignoring webhook event", "event", in.Event, "delivery_id", in.DeliveryID)
		return OutcomeIgnored, nil
	}

	payload, err := github.ParseWebHook(in.Event, in.Body)
	if err != nil {
		return "", fmt.Errorf("%w: malformed push payload: %v", deployment.ErrValidation, err)
	}
	push, ok := payload.(*github.PushEvent)
	if !ok {
		return "", fmt.Errorf("%w: unexpected payload type %T", deployment.ErrValidation, payload)
	}

	fullName := push.GetRepo().GetFullName()
	if fullName == "" {
		return "", fmt.Errorf("%w: push payload has no repository", deployment.ErrValidation)
	}

	target, err := d.Deployments.FindByRepository(ctx, fullName)
	if errors.Is(err, deployment.ErrNotFound) {
		d.Logger.Info("no deployment tracks repository", "repository", fullName)
		return OutcomeNoMatch, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve deployment: %w", err)
	}

	branch := target.Branch
	if branch == "" {
		branch = d.DefaultBranch
	}
	if push.GetRef() != "refs/heads/"+branch {
		d.Logger.Info("ignoring push to untracked ref",
			"deployment_id", target.ID,
			"ref", push.GetRef(),
			"tracked_branch", branch)
		return OutcomeIgnored, nil
	}

	if _, err := d.Pipeline.Redeploy(ctx, target.ID, pipeline.RedeployOptions{}); err != nil {
		d.Logger.Warn("webhook redeploy rejected", "deployment_id", target.ID, "error", err)
		return "", err
	}

	d.Logger.Info("webhook redeploy started",
		"deployment_id", target.ID,
		"repository", fullName,
		"after", push.GetAfter(),
		"commits", len(push.Commits))
	return OutcomeAccepted, nil
}
