package migration

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// activeMigration is one in-flight migration's registry entry. The
// cancel func carries a real termination signal to any running
// subprocess of the pipeline.
type activeMigration struct {
	result *MigrationResult
	cancel context.CancelFunc
	status Status
}

// registry tracks at most one active migration per container id.
type registry struct {
	mu     sync.Mutex
	active map[string]*activeMigration
}

func newRegistry() *registry {
	return &registry{active: make(map[string]*activeMigration)}
}

// acquire registers an entry, rejecting a second migration for the
// same container id instead of proceeding silently.
func (r *registry) acquire(containerID string, entry *activeMigration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[containerID]; exists {
		return fmt.Errorf("migration already in progress for container %s", containerID)
	}
	r.active[containerID] = entry
	return nil
}

// release removes an entry. Idempotent; safe on every exit path.
func (r *registry) release(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, containerID)
}

// setStatus records the observable status of an active migration.
// A no-op for ids that are not (or no longer) tracked.
func (r *registry) setStatus(containerID string, st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.active[containerID]; ok {
		entry.status = st
	}
}

// status reads the observable status of an active migration.
func (r *registry) status(containerID string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.active[containerID]
	if !ok {
		return "", false
	}
	return entry.status, true
}

func (r *registry) get(containerID string) (*activeMigration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.active[containerID]
	return entry, ok
}

// ids returns the tracked container ids in stable order.
func (r *registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
