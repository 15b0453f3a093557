package deployment

// Status is the lifecycle state of a deployment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBuilding  Status = "building"
	StatusDeploying Status = "deploying"
	StatusDeployed  Status = "deployed"
	StatusFailed    Status = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusBuilding, StatusDeploying, StatusDeployed, StatusFailed}

// ParseStatus converts a stored value back into a Status.
func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// InFlight reports whether a run owns the deployment in this status.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusBuilding || s == StatusDeploying
}

func (s Status) String() string { return string(s) }
