package supervisor

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Registry is the authoritative account_id -> Runtime map. Only the
// Reconciler mutates it; readers get copies.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[int64]*Runtime
}

func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[int64]*Runtime)}
}

func (r *Registry) Get(accountID int64) (*Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.runtimes[accountID]
	return rt, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runtimes)
}

// IDs returns registered account ids in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.runtimes))
	for id := range r.runtimes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Snapshot copies every runtime's status, ordered by account id.
func (r *Registry) Snapshot() []RuntimeStatus {
	runtimes := r.all()
	statuses := make([]RuntimeStatus, 0, len(runtimes))
	for _, rt := range runtimes {
		statuses = append(statuses, rt.Status())
	}
	slices.SortFunc(statuses, func(a, b RuntimeStatus) int {
		return cmp.Compare(a.AccountID, b.AccountID)
	})
	return statuses
}

func (r *Registry) all() []*Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runtimes := make([]*Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		runtimes = append(runtimes, rt)
	}
	return runtimes
}

// put registers rt. A second runtime for the same account is refused.
func (r *Registry) put(rt *Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := rt.cfg.AccountID
	if _, exists := r.runtimes[id]; exists {
		return fmt.Errorf("account %d already has a runtime", id)
	}
	r.runtimes[id] = rt
	return nil
}

// remove drops accountID only if it still maps to rt.
func (r *Registry) remove(accountID int64, rt *Runtime) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.runtimes[accountID]; !ok || current != rt {
		return false
	}
	delete(r.runtimes, accountID)
	return true
}
