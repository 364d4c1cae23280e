// Package selection implements the per-seat selection broker.
//
// Clients create sources (offers of data described by MIME types) and devices
// (per-seat observers). A device may install one of its client's sources as
// the seat's selection, but only while the client holds keyboard focus on
// that seat. Every change of a seat's selection is fanned out to all devices
// on the seat; each observing device receives a fresh offer through which its
// client may query the MIME types and request a transfer.
//
// The broker is transport-agnostic: transports decode requests into the typed
// calls below, one client at a time in FIFO order, and deliver events through
// the client's Sink. All mutating calls are serialised by the broker's lock.
// Objects refer to each other through Refs, never pointers, so a dead
// referent is always a lookup miss.
package selection

import (
	"errors"
	"fmt"

	"go.klb.dev/datactl/internal/message"
	"go.klb.dev/datactl/internal/seat"
)

// ClientID identifies one client connection.
type ClientID string

// ObjectID is re-exported from the wire protocol.
type ObjectID = message.ObjectID

// Ref is a non-owning reference to a protocol object.
type Ref struct {
	Client ClientID
	ID     ObjectID
}

func (r Ref) String() string { return fmt.Sprintf("%s#%d", r.Client, r.ID) }

// Selection is a seat's current selection: either empty or owned by a source.
// The zero value is empty.
type Selection struct {
	source Ref
	owned  bool
}

// Empty is the selection with no owner.
var Empty = Selection{}

// Owned returns the selection held by source.
func Owned(source Ref) Selection { return Selection{source: source, owned: true} }

// IsEmpty reports whether no source holds the selection.
func (s Selection) IsEmpty() bool { return !s.owned }

// Source returns the owning source, and false for an empty selection.
func (s Selection) Source() (Ref, bool) { return s.source, s.owned }

func (s Selection) String() string {
	if !s.owned {
		return "empty"
	}
	return "owned(" + s.source.String() + ")"
}

// Sink receives events destined for one client. Send must not block; it is
// called with the broker lock held so that each client observes events in
// transition order.
type Sink interface {
	Send(message.Event)
}

// FocusChecker answers whether a client holds keyboard focus on a seat.
type FocusChecker interface {
	HasFocus(seatName, client string) bool
}

// SeatResolver maps a seat handle to a seat.
type SeatResolver interface {
	Resolve(handle string) (*seat.Seat, bool)
}

// SelectionListener is notified after a seat's selection changes, in the
// order the changes happened. mimeTypes are the owning source's types at the
// moment of the change, nil for an empty selection. Calls are serialised and
// must not call back into the broker.
type SelectionListener interface {
	OnSelection(seatName string, sel Selection, mimeTypes []string)
}

var (
	// ErrUnmanaged is returned by lookups against a handle that carries no
	// source data.
	ErrUnmanaged = errors.New("unmanaged resource")
	// ErrStaleOffer is returned for queries against an offer whose source is
	// no longer the seat's selection.
	ErrStaleOffer = errors.New("offer is stale")
	// ErrNotOffered is returned when a transfer names a MIME type the source
	// does not advertise.
	ErrNotOffered = errors.New("mime type not offered")
	// ErrUnknownClient is returned for calls naming a client that is not
	// connected.
	ErrUnknownClient = errors.New("unknown client")
)

// ProtocolError is a fatal per-client violation. The transport reports it to
// the client and disconnects it; the broker reclaims the client's objects
// through Disconnect.
type ProtocolError struct {
	Object ObjectID
	Code   string
	Msg    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on object %d: %s: %s", e.Object, e.Code, e.Msg)
}

func invalidObject(id ObjectID, kind string) *ProtocolError {
	return &ProtocolError{Object: id, Code: message.CodeInvalidObject, Msg: "no such " + kind}
}
