// Package session adapts one client connection into a selection broker
// client. It decodes requests in arrival order, turns them into broker calls,
// and queues the broker's events for the connection's writer.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.klb.dev/datactl/internal/message"
	"go.klb.dev/datactl/internal/selection"
)

// DefaultQueueSize is the per-client event queue length.
const DefaultQueueSize = 256

// Transport is a framed, ordered, bidirectional request/event stream.
// ReadRequest is called from one goroutine and WriteEvent from another.
type Transport interface {
	ReadRequest() (*message.Request, error)
	WriteEvent(*message.Event) error
	Close() error
}

// Config describes a session.
type Config struct {
	// Name is the client's self-reported name, for status output.
	Name string
	// Transport names the kind of connection ("line", "grpc", "local").
	Transport string
	// QueueSize bounds the outgoing event queue. A client that falls this
	// far behind is disconnected. Zero means DefaultQueueSize.
	QueueSize int
	// OnClose is called with the client ID after the broker has reclaimed
	// the client's objects.
	OnClose func(selection.ClientID)
}

// Session is one connected client.
type Session struct {
	id  selection.ClientID
	b   *selection.Broker
	tr  Transport
	cfg Config
	log *slog.Logger

	sendCh    chan message.Event
	closeOnce sync.Once
}

// New creates a session for tr with a fresh client ID.
func New(b *selection.Broker, tr Transport, cfg Config) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	id := selection.ClientID(uuid.NewString())
	return &Session{
		id:     id,
		b:      b,
		tr:     tr,
		cfg:    cfg,
		log:    slog.With("client", id),
		sendCh: make(chan message.Event, cfg.QueueSize),
	}
}

// ID returns the client ID assigned to this session.
func (s *Session) ID() selection.ClientID { return s.id }

// Send implements selection.Sink. It never blocks; if the queue is full the
// connection is closed and the client is reclaimed by Serve.
func (s *Session) Send(ev message.Event) {
	select {
	case s.sendCh <- ev:
	default:
		s.log.Warn("client event queue full, disconnecting", "queue", cap(s.sendCh))
		s.closeTransport()
	}
}

// Serve registers the client with the broker and processes requests until
// the connection ends, ctx is cancelled, or the client violates the protocol.
// On return every object the client owned has been destroyed.
func (s *Session) Serve(ctx context.Context) error {
	info := message.ClientInfo{
		Name:        s.cfg.Name,
		Transport:   s.cfg.Transport,
		ConnectedAt: time.Now(),
	}
	if err := s.b.Connect(s.id, info, s); err != nil {
		s.closeTransport()
		return err
	}
	s.Send(message.Event{Type: message.EventWelcome, Client: string(s.id)})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range s.sendCh {
			if err := s.tr.WriteEvent(&ev); err != nil {
				s.log.Debug("write failed", "err", err)
				s.closeTransport()
				// keep draining so Send never sees a full queue forever
			}
		}
	}()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.closeTransport()
		case <-stop:
		}
	}()

	err := s.readLoop()
	close(stop)

	s.b.Disconnect(s.id)
	if s.cfg.OnClose != nil {
		s.cfg.OnClose(s.id)
	}

	var perr *selection.ProtocolError
	if errors.As(err, &perr) {
		s.log.Warn("protocol error, disconnecting client",
			"object", perr.Object, "code", perr.Code, "err", perr.Msg)
		select {
		case s.sendCh <- message.Event{Type: message.EventError, Object: perr.Object, Code: perr.Code, Error: perr.Msg}:
		default:
		}
		err = nil
	}

	// The broker no longer holds this sink, so nothing else sends.
	close(s.sendCh)
	<-writerDone
	s.closeTransport()

	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Session) readLoop() error {
	for {
		req, err := s.tr.ReadRequest()
		if err != nil {
			return err
		}
		if err := s.dispatch(req); err != nil {
			return err
		}
	}
}

func (s *Session) closeTransport() {
	s.closeOnce.Do(func() { _ = s.tr.Close() })
}

// dispatch performs one request. A returned error ends the session.
func (s *Session) dispatch(req *message.Request) error {
	c := s.id
	switch req.Op {
	case message.OpBindManager:
		return s.b.BindManager(c, req.NewID)
	case message.OpCreateSource:
		return s.b.CreateSource(c, req.Object, req.NewID)
	case message.OpGetDevice:
		return s.b.GetDevice(c, req.Object, req.NewID, req.Seat)
	case message.OpOffer:
		return s.b.Offer(c, req.Object, req.MimeType)
	case message.OpSetSelection:
		return s.b.SetSelection(c, req.Object, req.Source)
	case message.OpDestroy:
		return s.destroy(req.Object)
	case message.OpMimeTypes:
		mimes, err := s.b.OfferMimeTypes(c, req.Object)
		ev := message.Event{Type: message.EventMimeTypes, Object: req.Object, MimeTypes: mimes}
		if err != nil {
			if !errors.Is(err, selection.ErrStaleOffer) {
				return err
			}
			ev.Code = message.CodeStaleOffer
		}
		s.Send(ev)
		return nil
	case message.OpReceive:
		transfer, err := s.b.Receive(c, req.Object, req.MimeType)
		ev := message.Event{Type: message.EventTransfer, Object: req.Object, MimeType: req.MimeType, Transfer: transfer}
		switch {
		case errors.Is(err, selection.ErrStaleOffer):
			ev.Code = message.CodeStaleOffer
		case errors.Is(err, selection.ErrNotOffered):
			ev.Code = message.CodeNotOffered
		case err != nil:
			return err
		}
		s.Send(ev)
		return nil
	case message.OpSync:
		s.Send(message.Event{Type: message.EventDone, Serial: req.Serial})
		return nil
	default:
		return &selection.ProtocolError{Object: req.Object, Code: message.CodeInvalidRequest, Msg: "unknown op " + string(req.Op)}
	}
}

func (s *Session) destroy(id message.ObjectID) error {
	c := s.id
	switch s.b.Kind(selection.Ref{Client: c, ID: id}) {
	case "manager":
		return s.b.DestroyManager(c, id)
	case "source":
		return s.b.DestroySource(c, id)
	case "device":
		return s.b.DestroyDevice(c, id)
	case "offer":
		return s.b.DestroyOffer(c, id)
	default:
		return &selection.ProtocolError{Object: id, Code: message.CodeInvalidObject, Msg: "destroy of unknown object"}
	}
}
