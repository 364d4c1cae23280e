package selection

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"go.klb.dev/datactl/internal/message"
	"go.klb.dev/datactl/internal/seat"
)

// Device is a client's handle on one seat's selection.
type Device struct {
	ref  Ref
	seat string
}

// Offer is one client's view of one selection event.
type Offer struct {
	ref    Ref
	device Ref
	source Ref
	seat   string
	serial uint64 // seat serial at issue; differs once the offer is stale
}

type clientState struct {
	info      message.ClientInfo
	sink      Sink
	nextOffer ObjectID
}

func (c *clientState) allocOffer() ObjectID {
	id := c.nextOffer
	c.nextOffer++
	if c.nextOffer == 0 {
		c.nextOffer = message.ServerIDBase
	}
	return id
}

// change records a selection transition for the listener. The MIME types
// are captured when the transition happens.
type change struct {
	seat  string
	sel   Selection
	mimes []string
}

// Broker routes selection changes between clients.
type Broker struct {
	seats SeatResolver
	focus FocusChecker

	mu       sync.RWMutex
	clients  map[ClientID]*clientState
	managers map[Ref]struct{}
	sources  map[Ref]*Source
	devices  map[Ref]*Device
	offers   map[Ref]*Offer
	states   map[string]*SeatState // seat name → state, for seats that have one

	// notifyMu is taken before mu is released, so listeners see transitions
	// in the order they happened.
	notifyMu sync.Mutex
	listener SelectionListener
}

// New returns an empty Broker that resolves seats through seats and checks
// keyboard focus through focus.
func New(seats SeatResolver, focus FocusChecker) *Broker {
	return &Broker{
		seats:    seats,
		focus:    focus,
		clients:  make(map[ClientID]*clientState),
		managers: make(map[Ref]struct{}),
		sources:  make(map[Ref]*Source),
		devices:  make(map[Ref]*Device),
		offers:   make(map[Ref]*Offer),
		states:   make(map[string]*SeatState),
	}
}

// SetSelectionListener registers a listener called after every selection
// change. Only one listener is supported; calling again replaces it.
func (b *Broker) SetSelectionListener(l SelectionListener) {
	b.notifyMu.Lock()
	b.listener = l
	b.notifyMu.Unlock()
}

// Connect registers a client. Events for the client are delivered to sink.
func (b *Broker) Connect(id ClientID, info message.ClientInfo, sink Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[id]; ok {
		return &ProtocolError{Code: message.CodeIDInUse, Msg: "client " + string(id) + " already connected"}
	}
	info.ID = string(id)
	b.clients[id] = &clientState{info: info, sink: sink, nextOffer: message.ServerIDBase}
	slog.Info("client connected", "client", id, "name", info.Name, "transport", info.Transport, "total", len(b.clients))
	return nil
}

// Disconnect destroys every object owned by the client, as if the client had
// destroyed each one, and forgets the client. Unknown clients are ignored.
func (b *Broker) Disconnect(id ClientID) {
	b.mu.Lock()
	if _, ok := b.clients[id]; !ok {
		b.mu.Unlock()
		return
	}

	// Devices go first: a departing client cannot observe its own clearing.
	var nDevices, nSources int
	for ref, d := range b.devices {
		if ref.Client == id {
			b.removeDeviceLocked(d)
			nDevices++
		}
	}
	var changes []change
	for _, src := range b.clientSourcesLocked(id) {
		changes = append(changes, b.destroySourceLocked(src)...)
		nSources++
	}
	for ref := range b.offers {
		if ref.Client == id {
			delete(b.offers, ref)
		}
	}
	for ref := range b.managers {
		if ref.Client == id {
			delete(b.managers, ref)
		}
	}
	delete(b.clients, id)

	slog.Info("client disconnected",
		"client", id,
		"sources", nSources,
		"devices", nDevices,
		"total", len(b.clients),
	)
	b.unlockAndNotify(changes)
}

// BindManager creates the client's manager object.
func (b *Broker) BindManager(c ClientID, newID ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkNewIDLocked(c, newID); err != nil {
		return err
	}
	b.managers[Ref{c, newID}] = struct{}{}
	return nil
}

// DestroyManager releases a manager. Objects it created are unaffected.
func (b *Broker) DestroyManager(c ClientID, id ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := Ref{c, id}
	if _, ok := b.managers[ref]; !ok {
		return invalidObject(id, "manager")
	}
	delete(b.managers, ref)
	return nil
}

// CreateSource creates an empty, alive source. It has no effect on any seat.
func (b *Broker) CreateSource(c ClientID, manager, newID ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.managers[Ref{c, manager}]; !ok {
		return invalidObject(manager, "manager")
	}
	if err := b.checkNewIDLocked(c, newID); err != nil {
		return err
	}
	ref := Ref{c, newID}
	b.sources[ref] = newSource(ref)
	slog.Debug("source created", "client", c, "source", newID)
	return nil
}

// GetDevice creates a device bound to the seat named by handle. A handle that
// does not resolve is logged and ignored: no device is created and no error
// is returned.
func (b *Broker) GetDevice(c ClientID, manager, newID ObjectID, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.managers[Ref{c, manager}]; !ok {
		return invalidObject(manager, "manager")
	}
	if err := b.checkNewIDLocked(c, newID); err != nil {
		return err
	}
	s, ok := b.seats.Resolve(handle)
	if !ok {
		slog.Error("unmanaged seat given to a data device", "client", c, "device", newID, "seat", handle)
		return nil
	}
	st := b.seatStateLocked(s)
	ref := Ref{c, newID}
	b.devices[ref] = &Device{ref: ref, seat: s.Name()}
	st.devices[ref] = struct{}{}
	slog.Debug("device created", "client", c, "device", newID, "seat", s.Name(), "devices", len(st.devices))
	return nil
}

// Offer appends mime to the source's metadata.
func (b *Broker) Offer(c ClientID, source ObjectID, mime string) error {
	b.mu.RLock()
	src, ok := b.sources[Ref{c, source}]
	b.mu.RUnlock()
	if !ok {
		return invalidObject(source, "source")
	}
	src.offer(mime)
	return nil
}

// DestroySource kills the source. If it is the selection of any seat, that
// seat's selection becomes empty and every device on it is told so. A second
// destroy of the same source is a protocol error.
func (b *Broker) DestroySource(c ClientID, id ObjectID) error {
	b.mu.Lock()
	src, ok := b.sources[Ref{c, id}]
	if !ok {
		b.mu.Unlock()
		return invalidObject(id, "source")
	}
	b.unlockAndNotify(b.destroySourceLocked(src))
	return nil
}

// SetSelection installs source (or nothing, when source is nil) as the
// selection of the device's seat. The request is silently dropped unless the
// client holds keyboard focus on that seat.
func (b *Broker) SetSelection(c ClientID, device ObjectID, source *ObjectID) error {
	b.mu.Lock()
	dev, ok := b.devices[Ref{c, device}]
	if !ok {
		b.mu.Unlock()
		return invalidObject(device, "device")
	}
	sel := Empty
	if source != nil {
		ref := Ref{c, *source}
		if _, ok := b.sources[ref]; !ok {
			b.mu.Unlock()
			return invalidObject(*source, "source")
		}
		sel = Owned(ref)
	}

	if !b.focus.HasFocus(dev.seat, string(c)) {
		b.mu.Unlock()
		slog.Debug("denying setting selection by a non-focused client", "client", c, "seat", dev.seat)
		return nil
	}

	st := b.states[dev.seat]
	prev, changed := st.set(sel)
	if !changed {
		b.mu.Unlock()
		return nil
	}
	// A source still selected on another seat stays valid there.
	if ref, ok := prev.Source(); ok && !b.isSelectedLocked(ref) {
		if _, alive := b.sources[ref]; alive {
			b.sendLocked(ref.Client, message.Event{Type: message.EventCancelled, Object: ref.ID})
		}
	}
	b.fanoutLocked(st)
	b.unlockAndNotify([]change{b.changeLocked(dev.seat, sel)})
	return nil
}

// DestroyDevice removes the device from its seat. It is not notified.
func (b *Broker) DestroyDevice(c ClientID, id ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, ok := b.devices[Ref{c, id}]
	if !ok {
		return invalidObject(id, "device")
	}
	b.removeDeviceLocked(dev)
	return nil
}

// OfferMimeTypes returns the MIME types currently advertised through the
// offer. Metadata is read live from the source; a stale offer returns
// ErrStaleOffer.
func (b *Broker) OfferMimeTypes(c ClientID, id ObjectID) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src, err := b.liveOfferSourceLocked(c, id)
	if err != nil {
		return nil, err
	}
	return src.MimeTypes(), nil
}

// Receive authorizes a transfer of mime from the offer's source. The source's
// client is sent a send event carrying the returned transfer ID; moving the
// bytes is up to the transport.
func (b *Broker) Receive(c ClientID, id ObjectID, mime string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	src, err := b.liveOfferSourceLocked(c, id)
	if err != nil {
		return "", err
	}
	if !src.offers(mime) {
		return "", ErrNotOffered
	}
	transfer := uuid.NewString()
	b.sendLocked(src.ref.Client, message.Event{
		Type:     message.EventSend,
		Object:   src.ref.ID,
		MimeType: mime,
		Transfer: transfer,
	})
	slog.Debug("transfer authorized", "client", c, "offer", id, "source", src.ref.String(), "mime", mime, "transfer", transfer)
	return transfer, nil
}

// DestroyOffer releases an offer.
func (b *Broker) DestroyOffer(c ClientID, id ObjectID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := Ref{c, id}
	if _, ok := b.offers[ref]; !ok {
		return invalidObject(id, "offer")
	}
	delete(b.offers, ref)
	return nil
}

// WithMetadata calls f with the metadata of the source named by ref. It
// returns ErrUnmanaged if ref does not name a live source. Safe to call from
// any goroutine.
func (b *Broker) WithMetadata(ref Ref, f func(Metadata)) error {
	b.mu.RLock()
	src, ok := b.sources[ref]
	b.mu.RUnlock()
	if !ok {
		return ErrUnmanaged
	}
	src.WithMetadata(f)
	return nil
}

// Current returns the selection of the named seat. A seat that has never been
// used reports Empty.
func (b *Broker) Current(seatName string) Selection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if st, ok := b.states[seatName]; ok {
		return st.current
	}
	return Empty
}

// Devices returns the devices bound to the named seat.
func (b *Broker) Devices(seatName string) []Ref {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if st, ok := b.states[seatName]; ok {
		return st.sortedDevices()
	}
	return nil
}

// Kind reports the kind of object ref names: "manager", "source", "device",
// "offer", or "" if it names nothing.
func (b *Broker) Kind(ref Ref) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.kindLocked(ref)
}

// Seats returns a snapshot of every seat that has selection state.
func (b *Broker) Seats() []message.SeatInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]message.SeatInfo, 0, len(b.states))
	for name, st := range b.states {
		info := message.SeatInfo{Name: name, Devices: len(st.devices), Serial: st.serial}
		if ref, ok := st.current.Source(); ok {
			info.Owner = string(ref.Client)
			info.Source = ref.ID
			if src, ok := b.sources[ref]; ok {
				info.MimeTypes = src.MimeTypes()
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clients returns a snapshot of every connected client.
func (b *Broker) Clients() []message.ClientInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := make(map[ClientID]*message.ClientInfo, len(b.clients))
	for id, cs := range b.clients {
		info := cs.info
		counts[id] = &info
	}
	for ref := range b.sources {
		counts[ref.Client].Sources++
	}
	for ref := range b.devices {
		counts[ref.Client].Devices++
	}
	for ref := range b.offers {
		counts[ref.Client].Offers++
	}
	out := make([]message.ClientInfo, 0, len(counts))
	for _, info := range counts {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// ── internals (broker lock held) ─────────────────────────────────────────────

func (b *Broker) checkNewIDLocked(c ClientID, id ObjectID) error {
	if _, ok := b.clients[c]; !ok {
		return ErrUnknownClient
	}
	if id == 0 || id >= message.ServerIDBase {
		return &ProtocolError{Object: id, Code: message.CodeInvalidRequest, Msg: "object ID outside client range"}
	}
	if b.kindLocked(Ref{c, id}) != "" {
		return &ProtocolError{Object: id, Code: message.CodeIDInUse, Msg: "object ID already in use"}
	}
	return nil
}

func (b *Broker) kindLocked(ref Ref) string {
	if _, ok := b.managers[ref]; ok {
		return "manager"
	}
	if _, ok := b.sources[ref]; ok {
		return "source"
	}
	if _, ok := b.devices[ref]; ok {
		return "device"
	}
	if _, ok := b.offers[ref]; ok {
		return "offer"
	}
	return ""
}

func (b *Broker) seatStateLocked(s *seat.Seat) *SeatState {
	st := seat.UserState(s, newSeatState(s.Name()))
	b.states[s.Name()] = st
	return st
}

func (b *Broker) clientSourcesLocked(id ClientID) []*Source {
	var out []*Source
	for ref, src := range b.sources {
		if ref.Client == id {
			out = append(out, src)
		}
	}
	return out
}

func (b *Broker) removeDeviceLocked(d *Device) {
	delete(b.devices, d.ref)
	if st, ok := b.states[d.seat]; ok {
		delete(st.devices, d.ref)
	}
}

// destroySourceLocked kills src and empties every seat it currently holds.
func (b *Broker) destroySourceLocked(src *Source) []change {
	src.kill()
	delete(b.sources, src.ref)

	var changes []change
	for name, st := range b.states {
		if ref, ok := st.current.Source(); ok && ref == src.ref {
			st.set(Empty)
			b.fanoutLocked(st)
			changes = append(changes, change{seat: name, sel: Empty})
			slog.Debug("selection cleared by source destruction", "seat", name, "source", src.ref.String())
		}
	}
	return changes
}

// fanoutLocked tells every device on the seat about its current selection,
// issuing one fresh offer per device when the seat is owned.
func (b *Broker) fanoutLocked(st *SeatState) {
	ref, owned := st.current.Source()
	var mimes []string
	if owned {
		mimes = b.sources[ref].MimeTypes()
	}

	for _, dref := range st.sortedDevices() {
		cs, ok := b.clients[dref.Client]
		if !ok {
			continue
		}
		if !owned {
			cs.sink.Send(message.Event{Type: message.EventSelectionCleared, Object: dref.ID})
			continue
		}

		oid := cs.allocOffer()
		oref := Ref{dref.Client, oid}
		b.offers[oref] = &Offer{ref: oref, device: dref, source: ref, seat: st.name, serial: st.serial}

		cs.sink.Send(message.Event{Type: message.EventDataOffer, Object: dref.ID, Offer: oid})
		for _, m := range mimes {
			cs.sink.Send(message.Event{Type: message.EventOffer, Object: oid, MimeType: m})
		}
		cs.sink.Send(message.Event{Type: message.EventSelection, Object: dref.ID, Offer: oid})
	}
}

// liveOfferSourceLocked resolves an offer to its source, failing with
// ErrStaleOffer once the seat has moved on.
func (b *Broker) liveOfferSourceLocked(c ClientID, id ObjectID) (*Source, error) {
	o, ok := b.offers[Ref{c, id}]
	if !ok {
		return nil, invalidObject(id, "offer")
	}
	st, ok := b.states[o.seat]
	if !ok || st.serial != o.serial {
		return nil, ErrStaleOffer
	}
	src, ok := b.sources[o.source]
	if !ok {
		return nil, ErrStaleOffer
	}
	return src, nil
}

// isSelectedLocked reports whether ref is the current selection of any seat.
func (b *Broker) isSelectedLocked(ref Ref) bool {
	for _, st := range b.states {
		if cur, ok := st.current.Source(); ok && cur == ref {
			return true
		}
	}
	return false
}

func (b *Broker) changeLocked(seatName string, sel Selection) change {
	ch := change{seat: seatName, sel: sel}
	if ref, ok := sel.Source(); ok {
		if src, ok := b.sources[ref]; ok {
			ch.mimes = src.MimeTypes()
		}
	}
	return ch
}

func (b *Broker) sendLocked(c ClientID, ev message.Event) {
	if cs, ok := b.clients[c]; ok {
		cs.sink.Send(ev)
	}
}

// unlockAndNotify releases b.mu and hands changes to the listener. It must be
// called with b.mu held.
func (b *Broker) unlockAndNotify(changes []change) {
	if len(changes) == 0 {
		b.mu.Unlock()
		return
	}
	b.notifyMu.Lock()
	b.mu.Unlock()
	defer b.notifyMu.Unlock()
	if b.listener == nil {
		return
	}
	for _, ch := range changes {
		b.listener.OnSelection(ch.seat, ch.sel, ch.mimes)
	}
}
