// Package message defines the datactl wire protocol.
//
// Clients send Requests and receive Events. On the line transport every
// message is one line of JSON: <json>\n. The gRPC transport carries the same
// structs through a JSON codec, so both transports share one vocabulary.
//
// Object IDs below ServerIDBase are allocated by the client when it creates a
// manager, source or device. Offers are created by the server and take IDs
// from ServerIDBase upward, per client.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// ObjectID names a protocol object within one client's namespace.
type ObjectID uint32

// ServerIDBase is the first ID the server hands out for offers.
const ServerIDBase ObjectID = 0xff000000

// Op identifies the kind of request.
type Op string

const (
	OpBindManager  Op = "bind_manager"
	OpCreateSource Op = "create_source"
	OpGetDevice    Op = "get_data_device"
	OpDestroy      Op = "destroy"
	OpOffer        Op = "offer"
	OpSetSelection Op = "set_selection"
	OpReceive      Op = "receive"
	OpMimeTypes    Op = "mime_types"
	OpSync         Op = "sync"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventWelcome          EventType = "welcome"           // first event; carries the client ID
	EventDataOffer        EventType = "data_offer"        // device introduces a new offer
	EventOffer            EventType = "offer"             // offer advertises one MIME type
	EventSelection        EventType = "selection"         // device's seat selection is now offer
	EventSelectionCleared EventType = "selection_cleared" // device's seat has no selection
	EventCancelled        EventType = "cancelled"         // source is no longer the selection
	EventSend             EventType = "send"              // source must serve a transfer
	EventMimeTypes        EventType = "mime_types"        // reply to OpMimeTypes
	EventTransfer         EventType = "transfer"          // reply to OpReceive
	EventDone             EventType = "done"              // reply to OpSync
	EventError            EventType = "error"             // fatal protocol error
)

// Error codes carried by EventError and by failed replies.
const (
	CodeInvalidObject  = "invalid_object"
	CodeIDInUse        = "id_in_use"
	CodeInvalidRequest = "invalid_request"
	CodeStaleOffer     = "stale_offer"
	CodeNotOffered     = "not_offered"
)

// Request is one client → server call. Object is the target of the call;
// NewID is set for requests that create an object.
type Request struct {
	Op       Op        `json:"op"`
	Object   ObjectID  `json:"object,omitempty"`
	NewID    ObjectID  `json:"new_id,omitempty"`
	Seat     string    `json:"seat,omitempty"`
	Source   *ObjectID `json:"source,omitempty"` // set_selection; nil clears
	MimeType string    `json:"mime_type,omitempty"`
	Serial   uint32    `json:"serial,omitempty"` // sync
}

// Event is one server → client message.
type Event struct {
	Type      EventType `json:"type"`
	Client    string    `json:"client,omitempty"`
	Object    ObjectID  `json:"object,omitempty"`
	Offer     ObjectID  `json:"offer,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
	MimeTypes []string  `json:"mime_types,omitempty"`
	Transfer  string    `json:"transfer,omitempty"`
	Serial    uint32    `json:"serial,omitempty"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Encode serialises the value to JSON without a trailing newline.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeRequest deserialises a request from raw JSON bytes.
func DecodeRequest(b []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("request decode: %w", err)
	}
	return &r, nil
}

// DecodeEvent deserialises an event from raw JSON bytes.
func DecodeEvent(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("event decode: %w", err)
	}
	return &e, nil
}

// ClientInfo carries metadata about a connected client, used in status.
type ClientInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Transport   string    `json:"transport"`
	ConnectedAt time.Time `json:"connected_at"`
	Sources     int       `json:"sources"`
	Devices     int       `json:"devices"`
	Offers      int       `json:"offers"`
}

// SeatInfo describes one seat's selection state.
type SeatInfo struct {
	Name      string   `json:"name"`
	Focus     string   `json:"focus,omitempty"`
	Owner     string   `json:"owner,omitempty"`  // client ID, empty when no selection
	Source    ObjectID `json:"source,omitempty"` // owner's source ID
	MimeTypes []string `json:"mime_types,omitempty"`
	Devices   int      `json:"devices"`
	Serial    uint64   `json:"serial"`
}

// StatusRequest asks for a broker snapshot.
type StatusRequest struct{}

// StatusResponse is the broker snapshot.
type StatusResponse struct {
	Version string       `json:"version,omitempty"`
	Seats   []SeatInfo   `json:"seats"`
	Clients []ClientInfo `json:"clients"`
}

// SetFocusRequest moves keyboard focus on a seat to a client. An empty Client
// clears focus.
type SetFocusRequest struct {
	Seat   string `json:"seat"`
	Client string `json:"client"`
}

// SetFocusResponse acknowledges SetFocusRequest.
type SetFocusResponse struct{}
