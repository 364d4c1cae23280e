package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/datactl/internal/message"
	"go.klb.dev/datactl/internal/rpc"
	"go.klb.dev/datactl/internal/seat"
)

const (
	watchManager message.ObjectID = 1
	watchDevice  message.ObjectID = 2
)

func newWatchCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print selection changes on a seat",
		Long: `Binds a data device on a seat and prints one line per selection change with
the MIME types the new selection offers. Runs until interrupted.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runWatch(v) },
	}

	f := cmd.Flags()
	f.String("seat", seat.DefaultSeat, "seat name")
	f.Bool("json", false, "print raw events as JSON lines")
	addClientFlags(cmd)

	return cmd
}

func runWatch(v *viper.Viper) error {
	client, _, err := dialControl(v)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seatName := v.GetString("seat")
	st, err := client.Session(ctx)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	for _, req := range []message.Request{
		{Op: message.OpBindManager, NewID: watchManager},
		{Op: message.OpGetDevice, Object: watchManager, NewID: watchDevice, Seat: seatName},
	} {
		if err := st.Send(&req); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}

	w := &watcher{out: os.Stdout, seat: seatName, json: v.GetBool("json"), types: map[message.ObjectID][]string{}}
	return pump(ctx, st, w.handle)
}

// pump feeds events from st to handle and sends the requests it returns,
// until the stream ends or handle returns an error.
func pump(ctx context.Context, st *rpc.Stream, handle func(*message.Event) ([]message.Request, error)) error {
	for {
		ev, err := st.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("session: %w", err)
		}
		reqs, err := handle(ev)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			if err := st.Send(&req); err != nil {
				return fmt.Errorf("session: %w", err)
			}
		}
	}
}

// watcher renders device events. Offers are collected until their selection
// event arrives; the previous offer is released when a new one is announced
// or the selection is cleared.
type watcher struct {
	out     io.Writer
	seat    string
	json    bool
	current message.ObjectID
	types   map[message.ObjectID][]string
}

func (w *watcher) handle(ev *message.Event) ([]message.Request, error) {
	if w.json {
		if err := json.NewEncoder(w.out).Encode(ev); err != nil {
			return nil, err
		}
	}

	var reqs []message.Request
	switch ev.Type {
	case message.EventWelcome:
		if !w.json {
			fmt.Fprintf(w.out, "%s\twatching as %s\n", w.seat, ev.Client)
		}
	case message.EventDataOffer:
		reqs = w.release()
		w.current = ev.Offer
		w.types[ev.Offer] = nil
	case message.EventOffer:
		if _, ok := w.types[ev.Object]; ok {
			w.types[ev.Object] = append(w.types[ev.Object], ev.MimeType)
		}
	case message.EventSelection:
		if !w.json {
			fmt.Fprintf(w.out, "%s\tselection\t%s\n", w.seat, strings.Join(w.types[ev.Offer], ","))
		}
	case message.EventSelectionCleared:
		reqs = w.release()
		if !w.json {
			fmt.Fprintf(w.out, "%s\tcleared\n", w.seat)
		}
	case message.EventError:
		return nil, fmt.Errorf("server: %s (%s)", ev.Error, ev.Code)
	}
	return reqs, nil
}

// release destroys the offer held for the current selection, if any.
func (w *watcher) release() []message.Request {
	if w.current == 0 {
		return nil
	}
	id := w.current
	w.current = 0
	delete(w.types, id)
	return []message.Request{{Op: message.OpDestroy, Object: id}}
}
