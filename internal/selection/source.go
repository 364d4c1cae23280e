package selection

import (
	"slices"
	"sync"
)

// Metadata describes what a source offers.
type Metadata struct {
	// MimeTypes in the order the client offered them. Duplicates are kept.
	MimeTypes []string
}

// Source is one client's offer of data for the selection.
type Source struct {
	ref Ref

	// mu guards meta and alive, which are read outside the broker lock.
	mu    sync.Mutex
	meta  Metadata
	alive bool
}

func newSource(ref Ref) *Source {
	return &Source{ref: ref, alive: true}
}

// Ref returns the source's reference.
func (s *Source) Ref() Ref { return s.ref }

// Alive reports whether the source has not been destroyed.
func (s *Source) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// WithMetadata calls f with the source's metadata under its lock. f must not
// retain the slice.
func (s *Source) WithMetadata(f func(Metadata)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s.meta)
}

// MimeTypes returns a copy of the offered MIME types.
func (s *Source) MimeTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.meta.MimeTypes)
}

func (s *Source) offer(mime string) {
	s.mu.Lock()
	s.meta.MimeTypes = append(s.meta.MimeTypes, mime)
	s.mu.Unlock()
}

func (s *Source) offers(mime string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.meta.MimeTypes, mime)
}

func (s *Source) kill() {
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()
}
