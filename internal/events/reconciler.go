package events

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxPending bounds how many in-flight actions a Reconciler remembers.
const DefaultMaxPending = 256

// Reconciler decides whether an incoming event was caused by one of the
// client's own requests. The client tags each request with a fresh action id
// (NewActionID), calls Track before sending it, and asks Observe for every
// event it receives. Matching is by exact action id only; there is no time
// window, so an unrelated event arriving while a request is in flight is
// never mistaken for the client's own.
type Reconciler struct {
	mu         sync.Mutex
	pending    map[string]struct{}
	order      []string
	maxPending int
}

// NewReconciler creates a Reconciler that remembers at most maxPending actions.
func NewReconciler(maxPending int) *Reconciler {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Reconciler{
		pending:    make(map[string]struct{}),
		maxPending: maxPending,
	}
}

// NewActionID returns a fresh originating action id.
func NewActionID() string {
	return uuid.NewString()
}

// Track records an in-flight action. The oldest action is forgotten once
// maxPending actions are tracked.
func (r *Reconciler) Track(actionID string) {
	if actionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[actionID]; ok {
		return
	}
	if len(r.order) >= r.maxPending {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.pending, oldest)
	}
	r.pending[actionID] = struct{}{}
	r.order = append(r.order, actionID)
}

// Forget drops an action, for example when its request failed.
func (r *Reconciler) Forget(actionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forget(actionID)
}

// Observe reports whether event originates from a tracked action. A match
// consumes the action: one action yields one aggregate event.
func (r *Reconciler) Observe(event Event) bool {
	if event.OriginActionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[event.OriginActionID]; !ok {
		return false
	}
	r.forget(event.OriginActionID)
	return true
}

// Pending returns the number of tracked actions.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reconciler) forget(actionID string) {
	if _, ok := r.pending[actionID]; !ok {
		return
	}
	delete(r.pending, actionID)
	for i, id := range r.order {
		if id == actionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
