package deployment

import "sync"

// ClaimManager grants at most one in-flight run per deployment id.
//
// Claims are process-local, so running more than one orchestrator against
// the same database is not supported.
type ClaimManager struct {
	mu     sync.Mutex
	claims map[string]struct{}
}

// NewClaimManager creates an empty claim table.
func NewClaimManager() *ClaimManager {
	return &ClaimManager{
		claims: make(map[string]struct{}),
	}
}

// TryClaim attempts to take the run claim for id without blocking.
// It returns false when another run already holds it.
func (cm *ClaimManager) TryClaim(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, held := cm.claims[id]; held {
		return false
	}
	cm.claims[id] = struct{}{}
	return true
}

// Release gives the claim back and forgets id. Releasing an id that is not
// claimed is a no-op.
func (cm *ClaimManager) Release(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.claims, id)
}

