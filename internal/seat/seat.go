// Package seat provides the seat registry and keyboard-focus tracking that the
// selection broker consumes. A seat is a named group of input focus; the
// compositor owns the focus state and updates it as windows gain focus.
package seat

import (
	"log/slog"
	"sort"
	"sync"
)

// DefaultSeat is the name used when no seats are configured.
const DefaultSeat = "seat0"

// Seat is one logical input focus group.
type Seat struct {
	name string

	mu    sync.Mutex
	state any
}

// Name returns the seat handle.
func (s *Seat) Name() string { return s.name }

// UserState returns the per-seat value of type T, creating it with init on
// first use. A seat carries at most one user state value.
func UserState[T any](s *Seat, init func() *T) *T {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.state.(*T); ok {
		return v
	}
	v := init()
	s.state = v
	return v
}

// Registry resolves seat handles and records which client holds keyboard
// focus on each seat.
type Registry struct {
	mu    sync.RWMutex
	seats map[string]*Seat
	focus map[string]string // seat → client ID
}

// NewRegistry returns a registry containing the given seats.
func NewRegistry(names ...string) *Registry {
	r := &Registry{
		seats: make(map[string]*Seat),
		focus: make(map[string]string),
	}
	for _, n := range names {
		r.Add(n)
	}
	return r
}

// Add registers a seat. Adding an existing seat is a no-op.
func (r *Registry) Add(name string) *Seat {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.seats[name]; ok {
		return s
	}
	s := &Seat{name: name}
	r.seats[name] = s
	return s
}

// Resolve looks up a seat by handle.
func (r *Registry) Resolve(handle string) (*Seat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.seats[handle]
	return s, ok
}

// Names returns the registered seat names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.seats))
	for n := range r.seats {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SetFocus gives keyboard focus on seat to client. An empty client clears
// focus. Returns false if the seat is unknown.
func (r *Registry) SetFocus(seatName, client string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seats[seatName]; !ok {
		return false
	}
	if client == "" {
		delete(r.focus, seatName)
	} else {
		r.focus[seatName] = client
	}
	slog.Debug("keyboard focus changed", "seat", seatName, "client", client)
	return true
}

// Focus returns the client holding keyboard focus on seat, or "".
func (r *Registry) Focus(seatName string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.focus[seatName]
}

// HasFocus reports whether client currently holds keyboard focus on seat.
func (r *Registry) HasFocus(seatName, client string) bool {
	if client == "" {
		return false
	}
	return r.Focus(seatName) == client
}

// ClearClient drops focus from every seat held by client. Called when the
// client disconnects.
func (r *Registry) ClearClient(client string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s, c := range r.focus {
		if c == client {
			delete(r.focus, s)
		}
	}
}
