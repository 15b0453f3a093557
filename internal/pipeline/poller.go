package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloudship/internal/deployment"
	"cloudship/internal/observability"

	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval  = 10 * time.Second
	DefaultBuildDeadline = 600 * time.Second

	cancelTimeout = 15 * time.Second
)

// Poller waits for a remote build to reach a terminal status. Builds are
// paced by the remote side, so polling uses a fixed cadence with no backoff.
type Poller struct {
	Builds   BuildService
	Interval time.Duration
	Deadline time.Duration
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// Poll queries the build until it succeeds, fails, or the deadline passes.
//
// A SUCCESS report returns a nil error. FAILURE and CANCELLED return an
// error wrapping deployment.ErrExternalService with the remote detail. An
// elapsed deadline gets one last status query at the deadline, then returns
// deployment.ErrTimeout after a best-effort cancel of the remote job. Cancellation of ctx itself returns ctx.Err() and leaves
// the remote job alone so a later process can resume polling.
func (p *Poller) Poll(ctx context.Context, buildRef string) (BuildReport, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := p.Deadline
	if deadline <= 0 {
		deadline = DefaultBuildDeadline
	}

	pollCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// Burst of one: the first poll is immediate, later ones are spaced by
	// exactly one interval.
	cadence := rate.NewLimiter(rate.Every(interval), 1)
	polls := 0

	for {
		// Wait fails early when the next slot lies past the deadline.
		if err := cadence.Wait(pollCtx); err != nil {
			return p.expire(ctx, pollCtx, buildRef, polls, deadline)
		}

		polls++
		report, err := p.Builds.GetStatus(pollCtx, buildRef)
		if err != nil {
			if pollCtx.Err() != nil {
				return p.expire(ctx, pollCtx, buildRef, polls, deadline)
			}
			p.Metrics.BuildPolled("error")
			p.Logger.Warn("build status query failed, will retry",
				"build_ref", buildRef,
				"poll", polls,
				"error", err)
			continue
		}

		if done, err := p.settle(buildRef, polls, report); done {
			return report, err
		}
	}
}

// settle records one status observation and reports whether it ends polling.
func (p *Poller) settle(buildRef string, polls int, report BuildReport) (bool, error) {
	p.Metrics.BuildPolled(string(report.Status))
	p.Logger.Debug("build status", "build_ref", buildRef, "poll", polls, "status", report.Status)

	switch report.Status {
	case BuildSuccess:
		return true, nil
	case BuildFailure, BuildCancelled:
		msg := fmt.Sprintf("Build failed with status: %s", report.Status)
		if report.Detail != "" {
			msg += ": " + report.Detail
		}
		return true, fmt.Errorf("%w: %s", deployment.ErrExternalService, msg)
	}
	return false, nil
}

// expire holds until the deadline itself has passed, then asks for the build
// status one last time before giving up on it.
func (p *Poller) expire(ctx, pollCtx context.Context, buildRef string, polls int, deadline time.Duration) (BuildReport, error) {
	<-pollCtx.Done()
	if ctx.Err() != nil {
		return BuildReport{}, ctx.Err()
	}

	finalCtx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	polls++
	report, err := p.Builds.GetStatus(finalCtx, buildRef)
	if err == nil {
		if done, err := p.settle(buildRef, polls, report); done {
			return report, err
		}
	} else if ctx.Err() != nil {
		return BuildReport{}, ctx.Err()
	}
	return p.timeout(ctx, buildRef, polls, deadline)
}

func (p *Poller) timeout(ctx context.Context, buildRef string, polls int, deadline time.Duration) (BuildReport, error) {
	p.Logger.Warn("build deadline elapsed, requesting cancellation",
		"build_ref", buildRef,
		"polls", polls,
		"deadline", deadline.String())

	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := p.Builds.Cancel(cancelCtx, buildRef); err != nil {
		p.Logger.Warn("failed to cancel timed out build", "build_ref", buildRef, "error", err)
	}

	return BuildReport{}, fmt.Errorf("%w: Build timeout after %s (%d polls)", deployment.ErrTimeout, deadline, polls)
}
