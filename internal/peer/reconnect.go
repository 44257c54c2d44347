package peer

import (
	"sync"
	"time"

	"github.com/postalsys/onionmesh/internal/backoff"
)

// reconnectState tracks reconnection attempts for one address.
type reconnectState struct {
	attempts int
	timer    *time.Timer
}

// Reconnector redials addresses with exponential backoff until the
// callback succeeds or the attempt budget is spent.
type Reconnector struct {
	cfg      backoff.Config
	callback func(addr string) error

	mu     sync.Mutex
	states map[string]*reconnectState
	closed bool
}

// NewReconnector creates a new reconnector.
func NewReconnector(cfg backoff.Config, callback func(addr string) error) *Reconnector {
	return &Reconnector{
		cfg:      cfg,
		callback: callback,
		states:   make(map[string]*reconnectState),
	}
}

// Schedule schedules a reconnection attempt for addr. Scheduling an
// address that is already pending restarts its timer.
func (r *Reconnector) Schedule(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	state, exists := r.states[addr]
	if !exists {
		state = &reconnectState{}
		r.states[addr] = state
	}
	if state.timer != nil {
		state.timer.Stop()
	}
	if r.cfg.Exhausted(state.attempts) {
		delete(r.states, addr)
		return
	}

	state.timer = time.AfterFunc(r.cfg.Delay(state.attempts), func() {
		r.attempt(addr)
	})
}

func (r *Reconnector) attempt(addr string) {
	r.mu.Lock()
	state, exists := r.states[addr]
	if !exists || r.closed {
		r.mu.Unlock()
		return
	}
	state.attempts++
	r.mu.Unlock()

	err := r.callback(addr)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	// Cancelled while the callback ran.
	if cur, ok := r.states[addr]; !ok || cur != state {
		return
	}
	if err == nil || r.cfg.Exhausted(state.attempts) {
		delete(r.states, addr)
		return
	}
	state.timer = time.AfterFunc(r.cfg.Delay(state.attempts), func() {
		r.attempt(addr)
	})
}

// Cancel cancels any pending reconnection for addr.
func (r *Reconnector) Cancel(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, exists := r.states[addr]; exists {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(r.states, addr)
	}
}

// Attempts returns the number of attempts made for addr.
func (r *Reconnector) Attempts(addr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, exists := r.states[addr]; exists {
		return state.attempts
	}
	return 0
}

// IsPending reports whether addr has a reconnection scheduled.
func (r *Reconnector) IsPending(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.states[addr]
	return exists
}

// Stop cancels all reconnection attempts.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for addr, state := range r.states {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(r.states, addr)
	}
}
