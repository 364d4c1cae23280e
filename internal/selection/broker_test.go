package selection

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/datactl/internal/message"
	"go.klb.dev/datactl/internal/seat"
)

// recorder is a Sink that keeps every event it is sent.
type recorder struct {
	mu     sync.Mutex
	events []message.Event
}

func (r *recorder) Send(ev message.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) take() []message.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

// fixture wires a broker to a two-seat registry.
type fixture struct {
	t     *testing.T
	reg   *seat.Registry
	b     *Broker
	sinks map[ClientID]*recorder
}

const (
	managerID ObjectID = 1
	s1                 = "seat0"
	s2                 = "seat1"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := seat.NewRegistry(s1, s2)
	return &fixture{t: t, reg: reg, b: New(reg, reg), sinks: make(map[ClientID]*recorder)}
}

func (f *fixture) connect(c ClientID) *recorder {
	f.t.Helper()
	r := &recorder{}
	require.NoError(f.t, f.b.Connect(c, message.ClientInfo{Name: string(c), ConnectedAt: time.Now()}, r))
	require.NoError(f.t, f.b.BindManager(c, managerID))
	f.sinks[c] = r
	return r
}

func (f *fixture) device(c ClientID, id ObjectID, seatName string) {
	f.t.Helper()
	require.NoError(f.t, f.b.GetDevice(c, managerID, id, seatName))
}

func (f *fixture) source(c ClientID, id ObjectID, mimes ...string) {
	f.t.Helper()
	require.NoError(f.t, f.b.CreateSource(c, managerID, id))
	for _, m := range mimes {
		require.NoError(f.t, f.b.Offer(c, id, m))
	}
}

func (f *fixture) set(c ClientID, device, source ObjectID) {
	f.t.Helper()
	require.NoError(f.t, f.b.SetSelection(c, device, &source))
}

func ptr(id ObjectID) *ObjectID { return &id }

func eventTypes(evs []message.Event) []message.EventType {
	out := make([]message.EventType, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func TestNewDeviceSeesEmptySelection(t *testing.T) {
	f := newFixture(t)
	r := f.connect("c1")
	f.device("c1", 2, s1)

	assert.True(t, f.b.Current(s1).IsEmpty())
	assert.Equal(t, []Ref{{"c1", 2}}, f.b.Devices(s1))
	assert.Empty(t, r.take())
}

func TestFocusedSetNotifiesEveryDevice(t *testing.T) {
	f := newFixture(t)
	r1 := f.connect("c1")
	r2 := f.connect("c2")
	f.device("c2", 2, s1)
	f.device("c1", 2, s1)
	f.source("c1", 3, "text/plain")
	f.reg.SetFocus(s1, "c1")

	f.set("c1", 2, 3)

	sel := f.b.Current(s1)
	ref, owned := sel.Source()
	require.True(t, owned)
	assert.Equal(t, Ref{"c1", 3}, ref)

	evs := r2.take()
	require.Equal(t, []message.EventType{
		message.EventDataOffer, message.EventOffer, message.EventSelection,
	}, eventTypes(evs))
	offer := evs[0].Offer
	assert.GreaterOrEqual(t, offer, message.ServerIDBase)
	assert.Equal(t, ObjectID(2), evs[0].Object)
	assert.Equal(t, "text/plain", evs[1].MimeType)
	assert.Equal(t, offer, evs[2].Offer)

	mimes, err := f.b.OfferMimeTypes("c2", offer)
	require.NoError(t, err)
	assert.Equal(t, []string{"text/plain"}, mimes)

	// The setter's own device is notified too.
	assert.Equal(t, []message.EventType{
		message.EventDataOffer, message.EventOffer, message.EventSelection,
	}, eventTypes(r1.take()))
}

func TestUnfocusedSetIsDropped(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	r2 := f.connect("c2")
	r3 := f.connect("c3")
	f.device("c1", 2, s1)
	f.device("c2", 2, s1)
	f.device("c3", 2, s1)
	f.source("c3", 3, "text/plain")
	f.source("c1", 3, "image/png")

	f.reg.SetFocus(s1, "c3")
	f.set("c3", 2, 3)
	before := f.b.Current(s1)
	r2.take()
	r3.take()

	f.reg.SetFocus(s1, "c2")
	f.set("c1", 2, 3)

	assert.Equal(t, before, f.b.Current(s1))
	assert.Empty(t, r2.take())
	assert.Empty(t, r3.take(), "owner must not be cancelled by a denied set")
}

func TestUnfocusedClearIsDropped(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	f.device("c1", 2, s1)
	f.source("c1", 3)
	f.reg.SetFocus(s1, "c1")
	f.set("c1", 2, 3)

	f.reg.SetFocus(s1, "")
	require.NoError(t, f.b.SetSelection("c1", 2, nil))
	assert.False(t, f.b.Current(s1).IsEmpty())
}

func TestSupersededSourceIsCancelledButAlive(t *testing.T) {
	f := newFixture(t)
	r1 := f.connect("c1")
	r2 := f.connect("c2")
	f.device("c1", 2, s1)
	f.device("c2", 2, s1)
	f.source("c1", 3, "text/plain")
	f.source("c2", 3, "text/html")

	f.reg.SetFocus(s1, "c1")
	f.set("c1", 2, 3)
	old := r2.take()
	oldOffer := old[0].Offer
	r1.take()

	f.reg.SetFocus(s1, "c2")
	f.set("c2", 2, 3)

	evs := r1.take()
	require.NotEmpty(t, evs)
	assert.Equal(t, message.Event{Type: message.EventCancelled, Object: 3}, evs[0])
	assert.Equal(t, "source", f.b.Kind(Ref{"c1", 3}))

	_, err := f.b.OfferMimeTypes("c2", oldOffer)
	assert.ErrorIs(t, err, ErrStaleOffer)
}

func TestSourceSelectedElsewhereIsNotCancelled(t *testing.T) {
	f := newFixture(t)
	r1 := f.connect("c1")
	f.connect("c2")
	f.device("c1", 2, s1)
	f.device("c1", 4, s2)
	f.device("c2", 2, s1)
	f.source("c1", 3, "text/plain")
	f.source("c2", 3, "text/html")

	f.reg.SetFocus(s1, "c1")
	f.reg.SetFocus(s2, "c1")
	f.set("c1", 2, 3)
	f.set("c1", 4, 3)
	r1.take()

	f.reg.SetFocus(s1, "c2")
	f.set("c2", 2, 3)

	for _, ev := range r1.take() {
		assert.NotEqual(t, message.EventCancelled, ev.Type, "source still owns %s", s2)
	}
	assert.Equal(t, Owned(Ref{"c1", 3}), f.b.Current(s2))

	// Losing the last seat cancels it.
	f.reg.SetFocus(s2, "c2")
	require.NoError(t, f.b.GetDevice("c2", managerID, 4, s2))
	f.set("c2", 4, 3)
	evs := r1.take()
	require.NotEmpty(t, evs)
	assert.Equal(t, message.Event{Type: message.EventCancelled, Object: 3}, evs[0])
}

func TestClearSelection(t *testing.T) {
	f := newFixture(t)
	r1 := f.connect("c1")
	r2 := f.connect("c2")
	f.device("c1", 2, s1)
	f.device("c2", 2, s1)
	f.source("c1", 3)
	f.reg.SetFocus(s1, "c1")
	f.set("c1", 2, 3)
	r1.take()
	r2.take()

	require.NoError(t, f.b.SetSelection("c1", 2, nil))

	assert.True(t, f.b.Current(s1).IsEmpty())
	assert.Equal(t, []message.EventType{message.EventCancelled, message.EventSelectionCleared}, eventTypes(r1.take()))
	assert.Equal(t, []message.EventType{message.EventSelectionCleared}, eventTypes(r2.take()))

	// Clearing an empty selection changes nothing.
	require.NoError(t, f.b.SetSelection("c1", 2, nil))
	assert.Empty(t, r2.take())
}

func TestSettingSameSourceTwiceIsNoChange(t *testing.T) {
	f := newFixture(t)
	r := f.connect("c1")
	f.device("c1", 2, s1)
	f.source("c1", 3)
	f.reg.SetFocus(s1, "c1")
	f.set("c1", 2, 3)
	r.take()

	f.set("c1", 2, 3)
	assert.Empty(t, r.take())
}

func TestDestroyOwnedSourceClearsSeat(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	r2 := f.connect("c2")
	r3 := f.connect("c3")
	f.device("c1", 2, s1)
	f.device("c2", 2, s1)
	f.device("c3", 2, s2)
	f.source("c1", 3)
	f.reg.SetFocus(s1, "c1")
	f.set("c1", 2, 3)
	r2.take()

	require.NoError(t, f.b.DestroySource("c1", 3))

	assert.True(t, f.b.Current(s1).IsEmpty())
	assert.Equal(t, []message.Event{{Type: message.EventSelectionCleared, Object: 2}}, r2.take())
	assert.Empty(t, r3.take(), "other seats are untouched")

	var perr *ProtocolError
	require.ErrorAs(t, f.b.DestroySource("c1", 3), &perr)
	assert.Equal(t, message.CodeInvalidObject, perr.Code)
}

func TestDestroyUnselectedSourceIsQuiet(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	r2 := f.connect("c2")
	f.device("c2", 2, s1)
	f.source("c1", 3)

	require.NoError(t, f.b.DestroySource("c1", 3))
	assert.Empty(t, r2.take())
}

func TestDestroyedDeviceIsNotNotified(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	r2 := f.connect("c2")
	f.device("c1", 2, s1)
	f.device("c2", 2, s1)
	require.NoError(t, f.b.DestroyDevice("c2", 2))
	assert.Equal(t, []Ref{{"c1", 2}}, f.b.Devices(s1))

	f.source("c1", 3)
	f.reg.SetFocus(s1, "c1")
	f.set("c1", 2, 3)
	assert.Empty(t, r2.take())
}

func TestDisconnectReclaimsOnlyOwnObjects(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	r2 := f.connect("c2")
	f.device("c1", 2, s1)
	f.device("c2", 2, s1)
	f.source("c1", 3, "text/plain")
	f.source("c2", 3, "text/html")
	f.reg.SetFocus(s1, "c1")
	f.set("c1", 2, 3)
	r2.take()

	f.b.Disconnect("c1")

	assert.True(t, f.b.Current(s1).IsEmpty())
	assert.Equal(t, []message.Event{{Type: message.EventSelectionCleared, Object: 2}}, r2.take())
	assert.Equal(t, []Ref{{"c2", 2}}, f.b.Devices(s1))
	assert.Empty(t, f.b.Kind(Ref{"c1", 3}))
	assert.Empty(t, f.b.Kind(Ref{"c1", managerID}))
	assert.Equal(t, "source", f.b.Kind(Ref{"c2", 3}))
	assert.Equal(t, "manager", f.b.Kind(Ref{"c2", managerID}))

	clients := f.b.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, "c2", clients[0].ID)
	assert.Equal(t, 1, clients[0].Sources)
	assert.Equal(t, 1, clients[0].Devices)

	// Disconnecting twice is harmless.
	f.b.Disconnect("c1")
}

func TestOfferOrderKeepsDuplicates(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	in := []string{"text/plain", "image/png", "text/plain", "text/uri-list"}
	f.source("c1", 3, in...)

	var got []string
	require.NoError(t, f.b.WithMetadata(Ref{"c1", 3}, func(m Metadata) {
		got = append(got, m.MimeTypes...)
	}))
	assert.Equal(t, in, got)
}

func TestWithMetadataUnmanaged(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	f.device("c1", 2, s1)

	called := false
	err := f.b.WithMetadata(Ref{"c1", 2}, func(Metadata) { called = true })
	assert.ErrorIs(t, err, ErrUnmanaged)
	assert.ErrorIs(t, f.b.WithMetadata(Ref{"nobody", 9}, func(Metadata) {}), ErrUnmanaged)
	assert.False(t, called)
}

func TestOfferReadsMetadataLive(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	r2 := f.connect("c2")
	f.device("c1", 2, s1)
	f.device("c2", 2, s1)
	f.source("c1", 3, "text/plain")
	f.reg.SetFocus(s1, "c1")
	f.set("c1", 2, 3)
	offer := r2.take()[0].Offer

	require.NoError(t, f.b.Offer("c1", 3, "text/html"))
	mimes, err := f.b.OfferMimeTypes("c2", offer)
	require.NoError(t, err)
	assert.Equal(t, []string{"text/plain", "text/html"}, mimes)
}

func TestUnknownSeatCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	require.NoError(t, f.b.GetDevice("c1", managerID, 2, "nope"))
	assert.Empty(t, f.b.Kind(Ref{"c1", 2}))

	var perr *ProtocolError
	require.ErrorAs(t, f.b.SetSelection("c1", 2, nil), &perr)
	assert.Equal(t, message.CodeInvalidObject, perr.Code)
}

func TestForeignSourceIsRejected(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	f.connect("c2")
	f.device("c1", 2, s1)
	f.source("c2", 3)
	f.reg.SetFocus(s1, "c1")

	var perr *ProtocolError
	require.ErrorAs(t, f.b.SetSelection("c1", 2, ptr(3)), &perr)
	assert.True(t, f.b.Current(s1).IsEmpty())
}

func TestObjectIDRules(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	f.source("c1", 3)

	var perr *ProtocolError
	require.ErrorAs(t, f.b.CreateSource("c1", managerID, 3), &perr)
	assert.Equal(t, message.CodeIDInUse, perr.Code)

	require.ErrorAs(t, f.b.CreateSource("c1", managerID, message.ServerIDBase), &perr)
	assert.Equal(t, message.CodeInvalidRequest, perr.Code)

	require.ErrorAs(t, f.b.CreateSource("c1", 42, 4), &perr)
	assert.Equal(t, message.CodeInvalidObject, perr.Code)

	assert.ErrorIs(t, f.b.BindManager("ghost", 1), ErrUnknownClient)
}

func TestManagerDestroyDoesNotCascade(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	f.device("c1", 2, s1)
	f.source("c1", 3)
	require.NoError(t, f.b.DestroyManager("c1", managerID))

	assert.Equal(t, "device", f.b.Kind(Ref{"c1", 2}))
	assert.Equal(t, "source", f.b.Kind(Ref{"c1", 3}))
}

func TestReceiveAuthorizesTransfer(t *testing.T) {
	f := newFixture(t)
	r1 := f.connect("c1")
	r2 := f.connect("c2")
	f.device("c1", 2, s1)
	f.device("c2", 2, s1)
	f.source("c1", 3, "text/plain")
	f.reg.SetFocus(s1, "c1")
	f.set("c1", 2, 3)
	r1.take()
	offer := r2.take()[0].Offer

	_, err := f.b.Receive("c2", offer, "image/png")
	assert.ErrorIs(t, err, ErrNotOffered)

	transfer, err := f.b.Receive("c2", offer, "text/plain")
	require.NoError(t, err)
	assert.NotEmpty(t, transfer)
	assert.Equal(t, []message.Event{{
		Type: message.EventSend, Object: 3, MimeType: "text/plain", Transfer: transfer,
	}}, r1.take())

	require.NoError(t, f.b.DestroySource("c1", 3))
	_, err = f.b.Receive("c2", offer, "text/plain")
	assert.ErrorIs(t, err, ErrStaleOffer)

	require.NoError(t, f.b.DestroyOffer("c2", offer))
	var perr *ProtocolError
	_, err = f.b.Receive("c2", offer, "text/plain")
	assert.True(t, errors.As(err, &perr))
}

type listenerFunc func(string, Selection, []string)

func (f listenerFunc) OnSelection(s string, sel Selection, mimes []string) { f(s, sel, mimes) }

func TestSelectionListener(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	f.device("c1", 2, s1)
	f.source("c1", 3)
	f.reg.SetFocus(s1, "c1")

	var got []Selection
	f.b.SetSelectionListener(listenerFunc(func(_ string, sel Selection, _ []string) { got = append(got, sel) }))

	f.set("c1", 2, 3)
	f.b.Disconnect("c1")

	require.Len(t, got, 2)
	assert.Equal(t, Owned(Ref{"c1", 3}), got[0])
	assert.True(t, got[1].IsEmpty())
}

func TestSelectionListenerSeesTypesAtTransition(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	f.connect("c2")
	f.device("c1", 2, s1)
	f.device("c2", 2, s1)
	f.source("c1", 3, "text/plain")
	f.source("c2", 3, "image/png")

	type seen struct {
		sel   Selection
		mimes []string
	}
	var mu sync.Mutex
	var got []seen
	f.b.SetSelectionListener(listenerFunc(func(_ string, sel Selection, mimes []string) {
		mu.Lock()
		got = append(got, seen{sel, mimes})
		mu.Unlock()
	}))

	f.reg.SetFocus(s1, "c1")
	f.set("c1", 2, 3)
	// The source dies before anyone inspects the first transition.
	require.NoError(t, f.b.DestroySource("c1", 3))
	f.reg.SetFocus(s1, "c2")
	f.set("c2", 2, 3)

	assert.Equal(t, []seen{
		{Owned(Ref{"c1", 3}), []string{"text/plain"}},
		{Empty, nil},
		{Owned(Ref{"c2", 3}), []string{"image/png"}},
	}, got)
}

func TestSelectionListenerOrderUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	clients := []ClientID{"a", "b", "c", "d"}
	for _, c := range clients {
		f.connect(c)
		f.device(c, 2, s1)
		f.source(c, 3)
	}

	var mu sync.Mutex
	var heard []Selection
	f.b.SetSelectionListener(listenerFunc(func(_ string, sel Selection, _ []string) {
		mu.Lock()
		heard = append(heard, sel)
		mu.Unlock()
	}))

	// The focus checker lets everyone through so the sets race.
	f.b.focus = allFocused{}
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = f.b.SetSelection(c, 2, ptr(3))
				_ = f.b.SetSelection(c, 2, nil)
			}
		}()
	}
	wg.Wait()

	require.NotEmpty(t, heard)
	assert.Equal(t, f.b.Current(s1), heard[len(heard)-1], "last notification must match final state")
	assert.EqualValues(t, len(heard), f.b.states[s1].serial, "one notification per transition")
}

type allFocused struct{}

func (allFocused) HasFocus(string, string) bool { return true }

func TestSeatsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.connect("c1")
	f.device("c1", 2, s1)
	f.source("c1", 3, "text/plain")
	f.reg.SetFocus(s1, "c1")
	f.set("c1", 2, 3)

	seats := f.b.Seats()
	require.Len(t, seats, 1)
	assert.Equal(t, message.SeatInfo{
		Name: s1, Owner: "c1", Source: 3, MimeTypes: []string{"text/plain"}, Devices: 1, Serial: 1,
	}, seats[0])
}

// TestRandomInterleavings drives random set/destroy/disconnect sequences and
// checks the seat invariants after every step: the owner is alive, an
// unfocused set changes nothing, and each transition reaches every live device
// on the seat exactly once.
func TestRandomInterleavings(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	clients := []ClientID{"a", "b", "c", "d"}
	seats := []string{s1, s2}

	for round := 0; round < 20; round++ {
		f := newFixture(t)
		connected := map[ClientID]bool{}
		nextID := map[ClientID]ObjectID{}

		ensure := func(c ClientID) {
			if !connected[c] {
				f.connect(c)
				connected[c] = true
				nextID[c] = 10
			}
		}

		for step := 0; step < 300; step++ {
			c := clients[rng.IntN(len(clients))]
			ensure(c)
			before := map[string]Selection{s1: f.b.Current(s1), s2: f.b.Current(s2)}
			focusBefore := map[string]string{s1: f.reg.Focus(s1), s2: f.reg.Focus(s2)}

			switch rng.IntN(7) {
			case 0:
				nextID[c]++
				_ = f.b.GetDevice(c, managerID, nextID[c], seats[rng.IntN(2)])
			case 1:
				nextID[c]++
				_ = f.b.CreateSource(c, managerID, nextID[c])
				_ = f.b.Offer(c, nextID[c], "text/plain")
			case 2:
				f.reg.SetFocus(seats[rng.IntN(2)], string(c))
			case 3, 4:
				dev := ObjectID(11 + rng.IntN(int(nextID[c]-9)))
				var src *ObjectID
				if rng.IntN(4) > 0 {
					src = ptr(ObjectID(11 + rng.IntN(int(nextID[c]-9))))
				}
				err := f.b.SetSelection(c, dev, src)
				if f.b.Kind(Ref{c, dev}) == "device" && err == nil {
					seatName := f.b.devices[Ref{c, dev}].seat
					if focusBefore[seatName] != string(c) {
						assert.Equal(t, before[seatName], f.b.Current(seatName), "unfocused set changed state")
					}
				}
			case 5:
				_ = f.b.DestroySource(c, ObjectID(11+rng.IntN(int(nextID[c]-9))))
			case 6:
				f.b.Disconnect(c)
				f.reg.ClearClient(string(c))
				connected[c] = false
			}

			for _, s := range seats {
				ref, owned := f.b.Current(s).Source()
				if !owned {
					continue
				}
				kind := f.b.Kind(ref)
				require.Equal(t, "source", kind, "seat %s owned by dead source %s", s, ref)
				require.True(t, f.b.sources[ref].Alive())
			}

			want := map[Ref]int{}
			for _, s := range seats {
				if f.b.Current(s) != before[s] {
					for _, d := range f.b.Devices(s) {
						want[d] = 1
					}
				}
			}
			got := map[Ref]int{}
			for c, r := range f.sinks {
				for _, ev := range r.take() {
					if ev.Type == message.EventSelection || ev.Type == message.EventSelectionCleared {
						got[Ref{c, ev.Object}]++
					}
				}
			}
			require.Equal(t, want, got, "round %d step %d: device notifications", round, step)
		}
	}
}
