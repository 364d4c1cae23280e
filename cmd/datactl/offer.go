package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/datactl/internal/message"
	"go.klb.dev/datactl/internal/seat"
)

const (
	offerManager message.ObjectID = 1
	offerDevice  message.ObjectID = 2
	offerSource  message.ObjectID = 3
)

// errNotFocused is returned when the broker dropped the selection request
// because this client lacks keyboard focus.
var errNotFocused = errors.New("selection request ignored: client lacks keyboard focus")

func newOfferCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Take the selection on a seat with the given MIME types",
		Long: `Creates a data source advertising --mime types and makes it the seat's
selection, then waits until another client replaces it. Transfer requests
are reported but no data is served.

The broker ignores the request unless this client holds keyboard focus on the
seat. --grab-focus moves focus to this client first, acting as the
compositor would.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runOffer(v) },
	}

	f := cmd.Flags()
	f.String("seat", seat.DefaultSeat, "seat name")
	f.StringSlice("mime", []string{"text/plain;charset=utf-8"}, "MIME types to offer")
	f.Bool("grab-focus", false, "move keyboard focus to this client before setting the selection")
	addClientFlags(cmd)

	return cmd
}

func runOffer(v *viper.Viper) error {
	client, _, err := dialControl(v)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := client.Session(ctx)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	welcome, err := st.Recv()
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	seatName := v.GetString("seat")
	if v.GetBool("grab-focus") {
		if err := client.SetFocus(ctx, seatName, welcome.Client); err != nil {
			return fmt.Errorf("focus: %w", err)
		}
	}

	o := &offerer{out: os.Stdout, seat: seatName, id: welcome.Client}
	for _, req := range o.requests(v.GetStringSlice("mime")) {
		if err := st.Send(&req); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}
	err = pump(ctx, st, o.handle)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// offerer tracks one source through set_selection until it is replaced.
type offerer struct {
	out   io.Writer
	seat  string
	id    string
	owned bool
}

// requests returns the request sequence that creates the source and asks for
// the selection, ending in a sync barrier.
func (o *offerer) requests(mimes []string) []message.Request {
	reqs := []message.Request{
		{Op: message.OpBindManager, NewID: offerManager},
		{Op: message.OpCreateSource, Object: offerManager, NewID: offerSource},
	}
	for _, m := range mimes {
		reqs = append(reqs, message.Request{Op: message.OpOffer, Object: offerSource, MimeType: m})
	}
	src := offerSource
	return append(reqs,
		message.Request{Op: message.OpGetDevice, Object: offerManager, NewID: offerDevice, Seat: o.seat},
		message.Request{Op: message.OpSetSelection, Object: offerDevice, Source: &src},
		message.Request{Op: message.OpSync, Serial: 1},
	)
}

// handle is a pump callback. It returns io.EOF once the selection has been
// taken over by another client.
func (o *offerer) handle(ev *message.Event) ([]message.Request, error) {
	switch ev.Type {
	case message.EventSelection:
		// only our own set fans out to our device before the barrier
		o.owned = true
		return []message.Request{{Op: message.OpDestroy, Object: ev.Offer}}, nil
	case message.EventDone:
		if !o.owned {
			return nil, fmt.Errorf("%w on %s (grant it with: datactl focus --seat %s --client %s)",
				errNotFocused, o.seat, o.seat, o.id)
		}
		fmt.Fprintf(o.out, "%s\tselection owned by %s\n", o.seat, o.id)
	case message.EventSend:
		fmt.Fprintf(o.out, "%s\ttransfer %s requested for %s\n", o.seat, ev.Transfer, ev.MimeType)
	case message.EventCancelled:
		if ev.Object == offerSource {
			fmt.Fprintf(o.out, "%s\tselection replaced\n", o.seat)
			return nil, io.EOF
		}
	case message.EventError:
		return nil, fmt.Errorf("server: %s (%s)", ev.Error, ev.Code)
	}
	return nil, nil
}
