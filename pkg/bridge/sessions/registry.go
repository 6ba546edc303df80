// Package sessions tracks live call sessions keyed by caller identity and
// enforces at-most-one active session per caller.
package sessions

import (
	"context"
	"errors"
	"sync"
)

// ErrCallerBusy means a session already exists for the caller and the
// registry was asked not to evict it.
var ErrCallerBusy = errors.New("caller already has an active session")

// Handle lets the registry cancel a session it tracks. Cancel is set by the
// owner once the session exists; SetCancel is safe to call concurrently
// with CancelAll.
type Handle struct {
	mu     sync.Mutex
	cancel func()
}

func (h *Handle) SetCancel(cancel func()) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
}

func (h *Handle) invoke() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	handle *Handle
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Busy reports whether the caller currently has an active session. Callers
// use it to reject a duplicate upgrade before committing to it; Acquire
// still decides authoritatively.
func (r *Registry) Busy(caller string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[caller]
	return ok
}

// Acquire claims the caller key. When the key is held and evict is false,
// ErrCallerBusy is returned; with evict true the previous session is
// canceled and displaced. The returned release is idempotent.
func (r *Registry) Acquire(caller string, h *Handle, evict bool) (release func(), err error) {
	if r == nil {
		return func() {}, nil
	}

	newEntry := &entry{handle: h}

	r.mu.Lock()
	old, held := r.entries[caller]
	if held && !evict {
		r.mu.Unlock()
		return nil, ErrCallerBusy
	}
	r.entries[caller] = newEntry
	r.wg.Add(1)
	r.mu.Unlock()

	if held {
		old.handle.invoke()
		r.release(caller, old)
	}
	return func() { r.release(caller, newEntry) }, nil
}

func (r *Registry) release(caller string, e *entry) {
	if r == nil || e == nil {
		return
	}
	e.once.Do(func() {
		r.mu.Lock()
		if r.entries[caller] == e {
			delete(r.entries, caller)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CancelAll asks every tracked session to shut down. Used on drain.
func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}

	var handles []*Handle
	r.mu.Lock()
	for _, e := range r.entries {
		handles = append(handles, e.handle)
	}
	r.mu.Unlock()

	for _, h := range handles {
		if h.invoke() {
			canceled++
		}
	}
	return canceled
}

// Wait blocks until every acquired key has been released, or the context
// expires. Returns false on expiry.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
