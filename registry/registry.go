/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Builder Registry — tracks in-flight request builders per
             idempotency key, lets a second caller for the same key
             wait on the first builder instead of racing it, and
             converts abnormal termination (liveness death) into a
             releasable outcome instead of leaving waiters hanging.
Root Cause:  Sprint task T202 — concurrent duplicate collapsing for
             idempotency keys.
Context:     Adapted from the gateway's request Deduplicator: same
             one-shot done-channel release mechanism, generalized to
             a three-way outcome (finished/died/still_running) and a
             bounded wait instead of an unconditional block.
Suitability: L4 — concurrency correctness is critical here; a bug
             either double-executes a handler or deadlocks a waiter.
──────────────────────────────────────────────────────────────
*/

package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AlfredDev/idempotency-gateway/store"
)

// ErrAlreadyRegistered is returned by Register when a builder is
// already live for the given request_id.
var ErrAlreadyRegistered = errors.New("registry: builder already registered for this request_id")

// ErrNotRegistered is returned by WaitFor when nothing is tracked for
// the given request_id — the builder deregistered between the
// tracker's Store lookup and this call.
var ErrNotRegistered = errors.New("registry: no builder registered for this request_id")

// ResultKind is the outcome WaitFor resolves to.
type ResultKind string

const (
	ResultFinished     ResultKind = "finished"
	ResultDied         ResultKind = "died"
	ResultStillRunning ResultKind = "still_running"
)

// Result is what a waiter receives from WaitFor.
type Result struct {
	Kind      ResultKind
	Response  *store.CachedResponse // set only when Kind == ResultFinished
	ExpiresAt time.Time             // set when Kind is Finished or Died
}

// builder is the registry-only bookkeeping for one in-flight
// request_id. done is closed exactly once, by Finish or MarkDied.
type builder struct {
	done   chan struct{}
	once   sync.Once
	result Result
}

// Registry tracks in-flight builders by request_id. A request_id is
// registered iff the corresponding Store entry is Processing; the
// tracker owns that invariant, the registry only tracks liveness.
type Registry struct {
	mu       sync.Mutex
	builders map[string]*builder
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{builders: make(map[string]*builder)}
}

// Register attaches a new in-flight builder to request_id.
func (r *Registry) Register(requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.builders[requestID]; ok {
		return ErrAlreadyRegistered
	}
	r.builders[requestID] = &builder{done: make(chan struct{})}
	return nil
}

// WaitFor blocks up to timeout (or until ctx is cancelled) for the
// registered builder to finish. Returns ResultStillRunning on timeout
// or cancellation — the caller MUST NOT execute the request in that
// case (§5 of the request contract).
func (r *Registry) WaitFor(ctx context.Context, requestID string, timeout time.Duration) (Result, error) {
	r.mu.Lock()
	b, ok := r.builders[requestID]
	r.mu.Unlock()
	if !ok {
		return Result{}, ErrNotRegistered
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-b.done:
		return b.result, nil
	case <-timer.C:
		return Result{Kind: ResultStillRunning}, nil
	case <-ctx.Done():
		return Result{Kind: ResultStillRunning}, nil
	}
}

// Finish releases all waiters with a finished outcome and deregisters
// the builder. Called by the tracker at finalize.
func (r *Registry) Finish(requestID string, response *store.CachedResponse, expiresAt time.Time) {
	r.complete(requestID, Result{Kind: ResultFinished, Response: response, ExpiresAt: expiresAt})
}

// MarkDied releases all waiters with a died outcome and deregisters the
// builder. Called by the tracker when liveness observation detects
// abnormal termination before finalize.
func (r *Registry) MarkDied(requestID string, expiresAt time.Time) {
	r.complete(requestID, Result{Kind: ResultDied, ExpiresAt: expiresAt})
}

func (r *Registry) complete(requestID string, result Result) {
	r.mu.Lock()
	b, ok := r.builders[requestID]
	if ok {
		delete(r.builders, requestID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	b.once.Do(func() {
		b.result = result
		close(b.done)
	})
}

// Deregister removes a builder without releasing any waiter with a
// specific outcome. The tracker does not call it; Finish and MarkDied
// deregister on their own.
func (r *Registry) Deregister(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.builders, requestID)
}

// IsRegistered reports whether a builder is currently tracked for
// request_id.
func (r *Registry) IsRegistered(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.builders[requestID]
	return ok
}

// Count returns the number of in-flight builders, for metrics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.builders)
}
