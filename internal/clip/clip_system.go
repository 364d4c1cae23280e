//go:build linux || darwin || windows

package clip

import (
	"context"
	"log/slog"

	"golang.design/x/clipboard"
)

type systemBackend struct {
	formats
	cancel  context.CancelFunc
	watchCh chan struct{}
}

// New returns the system clipboard backend, or the headless stub when the
// clipboard cannot be opened (no X11/Wayland display, no cgo).
// clipboard.Init runs here rather than in init() so CLI subcommands never
// touch the display.
func New() Backend {
	if err := clipboard.Init(); err != nil {
		slog.Warn("clipboard unavailable, running headless", "err", err)
		return Headless()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &systemBackend{
		cancel:  cancel,
		watchCh: make(chan struct{}, 1),
	}
	b.set(clipboard.Read(clipboard.FmtText) != nil, clipboard.Read(clipboard.FmtImage) != nil)
	go b.watch(ctx, clipboard.Watch(ctx, clipboard.FmtText), clipboard.Watch(ctx, clipboard.FmtImage))
	return b
}

func (b *systemBackend) Name() string { return "system clipboard" }

func (b *systemBackend) watch(ctx context.Context, text, image <-chan []byte) {
	defer close(b.watchCh)
	hasText, hasImage := b.has()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-text:
			if !ok {
				return
			}
			hasText = d != nil
		case d, ok := <-image:
			if !ok {
				return
			}
			hasImage = d != nil
		}
		if !b.set(hasText, hasImage) {
			continue
		}
		select {
		case b.watchCh <- struct{}{}:
		default:
		}
	}
}

func (b *systemBackend) has() (text, image bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text, b.image
}

func (b *systemBackend) MimeTypes() []string    { return b.mimeTypes() }
func (b *systemBackend) Watch() <-chan struct{} { return b.watchCh }
func (b *systemBackend) Close()                 { b.cancel() }
