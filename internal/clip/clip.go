// Package clip watches the host system clipboard and reports which MIME
// types it currently holds. Build constraints select the implementation:
//
//	clip_system.go: Linux, macOS and Windows via golang.design/x/clipboard
//	clip_other.go:  headless stub everywhere else
//
// On a supported platform without a display (a server, a container) New
// also falls back to the headless stub.
package clip

import (
	"slices"
	"sync"
)

// MIME types reported for the host clipboard formats.
const (
	MimeText     = "text/plain;charset=utf-8"
	MimeTextBare = "text/plain"
	MimePNG      = "image/png"
)

// Backend is a host clipboard.
type Backend interface {
	// Name returns a human-readable name for the backend.
	Name() string

	// MimeTypes returns the MIME types the clipboard currently holds, in a
	// stable order. Nil means empty or unsupported content.
	MimeTypes() []string

	// Watch returns a channel that receives a signal whenever the clipboard
	// changes. Signals coalesce; the channel is closed by Close.
	Watch() <-chan struct{}

	// Close stops watching and releases resources.
	Close()
}

// formats tracks which clipboard formats are present.
type formats struct {
	mu    sync.Mutex
	text  bool
	image bool
}

func (f *formats) set(text, image bool) (changed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed = f.text != text || f.image != image
	f.text, f.image = text, image
	return changed
}

func (f *formats) mimeTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	if f.text {
		out = append(out, MimeText, MimeTextBare)
	}
	if f.image {
		out = append(out, MimePNG)
	}
	return slices.Clip(out)
}

// headlessBackend never changes and holds nothing.
type headlessBackend struct {
	watchCh   chan struct{}
	closeOnce sync.Once
}

// Headless returns a backend for hosts without a clipboard.
func Headless() Backend {
	return &headlessBackend{watchCh: make(chan struct{})}
}

func (b *headlessBackend) Name() string           { return "headless (no-op)" }
func (b *headlessBackend) MimeTypes() []string    { return nil }
func (b *headlessBackend) Watch() <-chan struct{} { return b.watchCh }
func (b *headlessBackend) Close()                 { b.closeOnce.Do(func() { close(b.watchCh) }) }
