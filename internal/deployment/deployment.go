package deployment

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloudship/internal/security"
)

// Resources are the runtime limits requested for the deployed service.
type Resources struct {
	CPU          string `json:"cpu" yaml:"cpu"`
	Memory       string `json:"memory" yaml:"memory"`
	MinInstances int    `json:"min_instances" yaml:"min_instances"`
	MaxInstances int    `json:"max_instances" yaml:"max_instances"`
}

// Spec describes a deployment request.
type Spec struct {
	Name         string
	NotebookID   string
	SourceRef    string
	Region       string
	Resources    Resources
	RepoFullName string
	Branch       string
}

// Validate rejects specs that must not create any state.
func (s Spec) Validate() error {
	var problems []string

	if err := security.ValidateServiceName(s.Name); err != nil {
		problems = append(problems, err.Error())
	}
	if strings.TrimSpace(s.NotebookID) == "" {
		problems = append(problems, "notebook id is required")
	}
	if _, _, err := security.ParseGCSURI(s.SourceRef); err != nil {
		problems = append(problems, fmt.Sprintf("source ref: %v", err))
	}
	if err := security.ValidateRegion(s.Region); err != nil {
		problems = append(problems, err.Error())
	}
	if s.Resources.MinInstances < 0 || s.Resources.MaxInstances < 1 || s.Resources.MinInstances > s.Resources.MaxInstances {
		problems = append(problems, fmt.Sprintf("invalid instance bounds min=%d max=%d", s.Resources.MinInstances, s.Resources.MaxInstances))
	}
	if s.RepoFullName != "" {
		if err := security.ValidateRepoFullName(s.RepoFullName); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if s.Branch != "" {
		if err := security.ValidateBranchName(s.Branch); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Deployment is one notebook service and the state of its current run.
type Deployment struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	NotebookID    string     `json:"notebook_id"`
	SourceRef     string     `json:"source_ref"`
	Region        string     `json:"region"`
	Resources     Resources  `json:"resources"`
	RepoFullName  string     `json:"repository,omitempty"`
	Branch        string     `json:"branch,omitempty"`
	Status        Status     `json:"status"`
	Cycle         int        `json:"cycle"`
	BuildRef      string     `json:"build_ref,omitempty"`
	ImageRef      string     `json:"image_ref,omitempty"`
	ServiceURL    string     `json:"service_url,omitempty"`
	FailureReason Reason     `json:"failure_reason,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ReloadToken   string     `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	BuildStarted  *time.Time `json:"build_started_at,omitempty"`
	DeployStarted *time.Time `json:"deploy_started_at,omitempty"`
	DeployedAt    *time.Time `json:"deployed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
}

// New creates a pending deployment from a validated spec.
func New(id string, spec Spec, token string, now time.Time) *Deployment {
	return &Deployment{
		ID:           id,
		Name:         spec.Name,
		NotebookID:   spec.NotebookID,
		SourceRef:    spec.SourceRef,
		Region:       spec.Region,
		Resources:    spec.Resources,
		RepoFullName: spec.RepoFullName,
		Branch:       spec.Branch,
		Status:       StatusPending,
		Cycle:        1,
		ReloadToken:  token,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy.
func (d *Deployment) Clone() *Deployment {
	c := *d
	c.BuildStarted = cloneTime(d.BuildStarted)
	c.DeployStarted = cloneTime(d.DeployStarted)
	c.DeployedAt = cloneTime(d.DeployedAt)
	c.FailedAt = cloneTime(d.FailedAt)
	return &c
}

// HasServedBefore reports whether an earlier cycle left a live endpoint.
func (d *Deployment) HasServedBefore() bool {
	return d.ServiceURL != "" && d.DeployedAt != nil
}

// LogValue keeps the reload token out of structured logs.
func (d *Deployment) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", d.ID),
		slog.String("name", d.Name),
		slog.String("status", string(d.Status)),
		slog.Int("cycle", d.Cycle),
		slog.String("region", d.Region),
	)
}

// Event is an input to the deployment state machine.
type Event interface {
	Name() string
	isEvent()
}

// BuildStarted moves a pending deployment into building.
type BuildStarted struct{}

// BuildSubmitted records the remote build handle while building.
type BuildSubmitted struct {
	BuildRef string
	ImageRef string
}

// BuildSucceeded moves building into deploying.
type BuildSucceeded struct{}

// ServiceDeployed records the live endpoint.
type ServiceDeployed struct {
	URL string
}

// RunFailed ends the current run. On a redeploy cycle the last good endpoint
// keeps serving and the status goes back to deployed.
type RunFailed struct {
	Reason Reason
	Detail string
}

// RedeployRequested re-arms a deployed service for a new build cycle.
type RedeployRequested struct{}

func (BuildStarted) Name() string      { return "build_started" }
func (BuildSubmitted) Name() string    { return "build_submitted" }
func (BuildSucceeded) Name() string    { return "build_succeeded" }
func (ServiceDeployed) Name() string   { return "service_deployed" }
func (RunFailed) Name() string         { return "run_failed" }
func (RedeployRequested) Name() string { return "redeploy_requested" }

func (BuildStarted) isEvent()      {}
func (BuildSubmitted) isEvent()    {}
func (BuildSucceeded) isEvent()    {}
func (ServiceDeployed) isEvent()   {}
func (RunFailed) isEvent()         {}
func (RedeployRequested) isEvent() {}

// Apply is the only way a deployment changes state. It returns an error
// wrapping ErrInvalidState and leaves d untouched when e is not legal in the
// current status.
func (d *Deployment) Apply(e Event, now time.Time) error {
	switch ev := e.(type) {
	case BuildStarted:
		if d.Status != StatusPending {
			return d.illegal(e)
		}
		d.Status = StatusBuilding
		d.BuildStarted = timePtr(now)

	case BuildSubmitted:
		if d.Status != StatusBuilding {
			return d.illegal(e)
		}
		if ev.BuildRef == "" {
			return fmt.Errorf("%w: empty build reference", ErrInvalidState)
		}
		d.BuildRef = ev.BuildRef
		d.ImageRef = ev.ImageRef

	case BuildSucceeded:
		if d.Status != StatusBuilding || d.BuildRef == "" {
			return d.illegal(e)
		}
		d.Status = StatusDeploying
		d.DeployStarted = timePtr(now)

	case ServiceDeployed:
		if d.Status != StatusDeploying {
			return d.illegal(e)
		}
		if ev.URL == "" {
			return fmt.Errorf("%w: empty service url", ErrInvalidState)
		}
		d.Status = StatusDeployed
		d.ServiceURL = ev.URL
		d.DeployedAt = timePtr(now)
		d.FailureReason = ReasonNone
		d.ErrorMessage = ""

	case RunFailed:
		if !d.Status.InFlight() {
			return d.illegal(e)
		}
		reason := ev.Reason
		if reason == ReasonNone {
			reason = ReasonExternalService
		}
		d.FailureReason = reason
		d.ErrorMessage = FormatError(reason, ev.Detail)
		d.FailedAt = timePtr(now)
		if d.Cycle > 1 && d.HasServedBefore() {
			d.Status = StatusDeployed
		} else {
			d.Status = StatusFailed
		}

	case RedeployRequested:
		if d.Status != StatusDeployed {
			return d.illegal(e)
		}
		d.Status = StatusBuilding
		d.Cycle++
		d.BuildRef = ""
		d.ImageRef = ""
		d.BuildStarted = timePtr(now)
		d.DeployStarted = nil

	default:
		return fmt.Errorf("%w: unknown event %T", ErrInvalidState, e)
	}

	d.UpdatedAt = now
	return nil
}

func (d *Deployment) illegal(e Event) error {
	return fmt.Errorf("%w: cannot apply %s to deployment %s in status %s", ErrInvalidState, e.Name(), d.ID, d.Status)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
