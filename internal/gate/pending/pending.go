// Package pending tracks outstanding approval requests and guarantees
// exactly-once resolution.
//
// The registry is the single rendezvous point for every callback ingress
// (HTTP, drop-directory poller, chat-log tailer) and for the per-request
// deadline timer: all of them converge on Resolve. Whichever fires first
// removes the entry under the lock and wakes the suspended requester;
// later attempts observe no entry and are silent no-ops.
package pending

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Outcome is the terminal state of a pending request.
type Outcome int

const (
	// OutcomeApproved means an operator explicitly approved the request.
	OutcomeApproved Outcome = iota
	// OutcomeDenied means an operator explicitly denied the request.
	OutcomeDenied
	// OutcomeTimeout means the deadline passed with no resolution.
	OutcomeTimeout
	// OutcomeShutdown means the broker is stopping; treated as a denial
	// without channel notification.
	OutcomeShutdown
)

// String returns the audit-friendly name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeDenied:
		return "denied"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// entry is one outstanding approval. The done channel is buffered so the
// resolver never blocks; it is written exactly once.
type entry struct {
	timer *time.Timer
	done  chan Outcome
}

// Registry is the central map of outstanding approvals. Safe for
// concurrent use by the orchestrator, the HTTP listener, the directory
// poller, and per-entry timers.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// NewID mints a 64-bit random request identifier rendered as 16 lowercase
// hex characters.
func NewID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate request id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Register adds a pending entry for id with a deadline of now + timeout and
// returns the channel the requester suspends on. The deadline timer is owned
// by the registry; expiry resolves the entry with OutcomeTimeout.
func (r *Registry) Register(id string, timeout time.Duration) <-chan Outcome {
	e := &entry{
		done: make(chan Outcome, 1),
	}
	e.timer = time.AfterFunc(timeout, func() {
		r.fire(id, OutcomeTimeout)
	})

	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()

	return e.done
}

// Resolve completes the pending request id with an operator decision.
// It returns true when a waiter was woken, false when no such id is pending
// (already resolved, timed out, or never registered).
func (r *Registry) Resolve(id string, approved bool) bool {
	outcome := OutcomeDenied
	if approved {
		outcome = OutcomeApproved
	}
	return r.fire(id, outcome)
}

// Cancel removes the pending request id without delivering an outcome.
// The suspended waiter is not woken; the caller owns its own unwinding.
// Later Resolve calls for the id are silent no-ops.
func (r *Registry) Cancel(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if ok {
		e.timer.Stop()
	}
}

// Snapshot returns the number of currently pending requests.
func (r *Registry) Snapshot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the ids of all currently pending requests. The directory
// poller keys its scans off this set.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// ShutdownAll resolves every pending request with OutcomeShutdown.
// Called once from the broker's teardown path.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	drained := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		delete(r.entries, id)
		drained = append(drained, e)
	}
	r.mu.Unlock()

	for _, e := range drained {
		e.timer.Stop()
		e.done <- OutcomeShutdown
	}
}

// fire removes the entry and delivers outcome to its waiter. The removal
// happens under the lock before the channel send, which is what makes
// resolution exactly-once even when a callback and the deadline timer race.
func (r *Registry) fire(id string, outcome Outcome) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	e.timer.Stop()
	e.done <- outcome
	return true
}
