// Package hostpeer mirrors the host system clipboard onto one seat.
//
// The peer is an ordinary broker client that lives in the server process. When
// the host clipboard changes it creates a source advertising the host's MIME
// types and asks for the seat's selection. Like any client it is subject to
// the focus guard, so the compositor decides whether the host may copy.
package hostpeer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.klb.dev/datactl/internal/clip"
	"go.klb.dev/datactl/internal/message"
	"go.klb.dev/datactl/internal/selection"
)

// ClientID is the broker client ID of the host peer. Focus is granted to it
// like to any other client.
const ClientID selection.ClientID = "host"

const (
	managerID message.ObjectID = 1
	deviceID  message.ObjectID = 2
	firstID   message.ObjectID = 3
)

// Peer is the host clipboard client.
type Peer struct {
	b       *selection.Broker
	backend clip.Backend
	seat    string

	mu      sync.Mutex
	pending []message.Event
	wake    chan struct{} // signalled when pending becomes non-empty

	nextID message.ObjectID
	source message.ObjectID // current host source, 0 when none
	offer  message.ObjectID // latest offer on the host device
}

// New creates the host peer for seatName but does not start it.
func New(b *selection.Broker, backend clip.Backend, seatName string) *Peer {
	return &Peer{
		b:       b,
		backend: backend,
		seat:    seatName,
		wake:    make(chan struct{}, 1),
		nextID:  firstID,
	}
}

// Send implements selection.Sink. The queue is unbounded: a lost cancelled
// or selection event would leak a source or hide a change. Offer events are
// skipped since the peer reads MIME types from the offer on selection.
func (p *Peer) Send(ev message.Event) {
	if ev.Type == message.EventOffer {
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, ev)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Peer) drain() []message.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	evs := p.pending
	p.pending = nil
	return evs
}

// Run connects to the broker and mirrors the host clipboard until ctx is
// cancelled or the backend closes. All host objects are destroyed on return.
func (p *Peer) Run(ctx context.Context) error {
	info := message.ClientInfo{Name: p.backend.Name(), Transport: "local", ConnectedAt: time.Now()}
	if err := p.b.Connect(ClientID, info, p); err != nil {
		return fmt.Errorf("hostpeer: connect: %w", err)
	}
	defer p.b.Disconnect(ClientID)

	if err := p.b.BindManager(ClientID, managerID); err != nil {
		return fmt.Errorf("hostpeer: bind manager: %w", err)
	}
	if err := p.b.GetDevice(ClientID, managerID, deviceID, p.seat); err != nil {
		return fmt.Errorf("hostpeer: get device: %w", err)
	}
	slog.Info("host clipboard peer started", "backend", p.backend.Name(), "seat", p.seat)

	if err := p.publish(p.backend.MimeTypes()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-p.backend.Watch():
			if !ok {
				return nil
			}
			if err := p.publish(p.backend.MimeTypes()); err != nil {
				return err
			}
		case <-p.wake:
			for _, ev := range p.drain() {
				if err := p.handle(ev); err != nil {
					return err
				}
			}
		}
	}
}

// publish offers the host clipboard as the seat selection. A change the focus
// guard rejects is discarded along with its source.
func (p *Peer) publish(mimes []string) error {
	if len(mimes) == 0 {
		return nil
	}
	id := p.nextID
	p.nextID++
	if err := p.b.CreateSource(ClientID, managerID, id); err != nil {
		return fmt.Errorf("hostpeer: create source: %w", err)
	}
	for _, m := range mimes {
		if err := p.b.Offer(ClientID, id, m); err != nil {
			return fmt.Errorf("hostpeer: offer: %w", err)
		}
	}
	if err := p.b.SetSelection(ClientID, deviceID, &id); err != nil {
		return fmt.Errorf("hostpeer: set selection: %w", err)
	}

	ref, ok := p.b.Current(p.seat).Source()
	if !ok || ref != (selection.Ref{Client: ClientID, ID: id}) {
		slog.Debug("host clipboard change not mirrored, host lacks focus", "seat", p.seat)
		return p.b.DestroySource(ClientID, id)
	}
	slog.Debug("host clipboard mirrored", "seat", p.seat, "mime_types", mimes)
	p.source = id
	return nil
}

func (p *Peer) handle(ev message.Event) error {
	switch ev.Type {
	case message.EventCancelled:
		if ev.Object == p.source {
			p.source = 0
		}
		return p.b.DestroySource(ClientID, ev.Object)

	case message.EventDataOffer:
		if p.offer != 0 {
			if err := p.b.DestroyOffer(ClientID, p.offer); err != nil {
				return err
			}
		}
		p.offer = ev.Offer

	case message.EventSelection:
		mimes, err := p.b.OfferMimeTypes(ClientID, ev.Offer)
		if err != nil {
			// superseded before we got here; a newer selection event follows
			return nil
		}
		slog.Info("seat selection changed", "seat", p.seat, "mime_types", mimes)

	case message.EventSelectionCleared:
		slog.Info("seat selection cleared", "seat", p.seat)

	case message.EventSend:
		slog.Warn("transfer from host clipboard requested but not supported",
			"transfer", ev.Transfer, "mime", ev.MimeType)
	}
	return nil
}
