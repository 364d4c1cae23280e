package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/soheilhy/cmux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"go.klb.dev/datactl/internal/clip"
	"go.klb.dev/datactl/internal/crypto"
	"go.klb.dev/datactl/internal/hostpeer"
	"go.klb.dev/datactl/internal/ipc"
	"go.klb.dev/datactl/internal/rpc"
	"go.klb.dev/datactl/internal/seat"
	"go.klb.dev/datactl/internal/selection"
	"go.klb.dev/datactl/internal/session"
	"go.klb.dev/datactl/internal/tlsconf"
	"go.klb.dev/datactl/internal/wire"
)

func newServerCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the selection broker",
		Long: `Starts the datactl broker on the local socket. The socket carries both the
line protocol and gRPC; the kind of each connection is detected from its
first bytes. --tcp-addr adds a TLS gRPC listener for remote control, keyed
by --token.

Config file search order:
  /etc/datactl/datactl.toml
  $HOME/.config/datactl/datactl.toml
  path supplied via --config

Precedence (lowest → highest): defaults → config file → DATACTL_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runServer(v) },
	}

	f := cmd.Flags()
	f.String("socket", ipc.SocketPath(), "local socket path")
	f.String("tcp-addr", "", "TLS gRPC listen address (empty = local socket only)")
	f.String("token", "", "shared secret (empty = no auth, no encryption)")
	f.StringSlice("seats", []string{seat.DefaultSeat}, "seat names")
	f.Bool("host-mirror", true, "mirror the host clipboard onto --host-seat")
	f.String("host-seat", seat.DefaultSeat, "seat the host clipboard is mirrored onto")
	f.Int("queue-size", session.DefaultQueueSize, "per-client event queue length")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

type serverConfig struct {
	socket     string
	tcpAddr    string
	token      string
	seats      []string
	hostMirror bool
	hostSeat   string
	queueSize  int
}

func loadServerConfig(v *viper.Viper) (serverConfig, error) {
	cfg := serverConfig{
		socket:     v.GetString("socket"),
		tcpAddr:    v.GetString("tcp-addr"),
		token:      v.GetString("token"),
		seats:      v.GetStringSlice("seats"),
		hostMirror: v.GetBool("host-mirror"),
		hostSeat:   v.GetString("host-seat"),
		queueSize:  v.GetInt("queue-size"),
	}
	if len(cfg.seats) == 0 {
		return cfg, errors.New("at least one seat is required")
	}
	if cfg.tcpAddr != "" && cfg.token == "" {
		return cfg, errors.New("--tcp-addr requires --token")
	}
	return cfg, nil
}

func runServer(v *viper.Viper) error {
	setupLogging(v)

	cfg, err := loadServerConfig(v)
	if err != nil {
		return err
	}

	reg := seat.NewRegistry(cfg.seats...)
	if cfg.hostMirror {
		if _, ok := reg.Resolve(cfg.hostSeat); !ok {
			return fmt.Errorf("host seat %q is not one of %v", cfg.hostSeat, reg.Names())
		}
	}
	b := selection.New(reg, reg)
	b.SetSelectionListener(selectionLogger{})

	var key *crypto.Key
	if cfg.token != "" {
		key, err = crypto.DeriveKey(cfg.token)
		if err != nil {
			return fmt.Errorf("key derivation: %w", err)
		}
	}

	slog.Info("datactl server starting",
		"version", Version,
		"socket", cfg.socket,
		"tcp_addr", cfg.tcpAddr,
		"seats", reg.Names(),
		"host_mirror", cfg.hostMirror,
		"encrypted", key != nil,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tcpLn net.Listener
	if cfg.tcpAddr != "" {
		creds, err := tlsconf.New(cfg.token)
		if err != nil {
			return err
		}
		l, err := net.Listen("tcp", cfg.tcpAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.tcpAddr, err)
		}
		tcpLn = tls.NewListener(l, creds.ServerConfig())
		slog.Info("listening", "addr", l.Addr(), "tls", true)
	}

	ln, err := ipc.Listen(cfg.socket)
	if err != nil {
		if tcpLn != nil {
			_ = tcpLn.Close()
		}
		return fmt.Errorf("listen %s: %w", cfg.socket, err)
	}
	slog.Info("listening", "socket", ln.Addr())

	gs := grpc.NewServer()
	rpc.New(b, reg, rpc.Config{Token: cfg.token, Version: Version, QueueSize: cfg.queueSize}).Register(gs)

	m := cmux.New(ln)
	grpcL := m.Match(cmux.HTTP2())
	lineL := m.Match(cmux.Any())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gs.Serve(grpcL) })
	g.Go(func() error { return serveLine(ctx, lineL, b, reg, key, cfg.queueSize) })
	g.Go(func() error {
		if err := m.Serve(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("mux: %w", err)
		}
		return nil
	})

	if tcpLn != nil {
		g.Go(func() error { return gs.Serve(tcpLn) })
	}

	if cfg.hostMirror {
		g.Go(func() error {
			backend := clip.New()
			defer backend.Close()
			return hostpeer.New(b, backend, cfg.hostSeat).Run(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		gs.Stop()
		m.Close()
		return nil
	})

	return g.Wait()
}

// serveLine accepts line-protocol connections until ln closes. It returns
// after every session it started has ended.
func serveLine(ctx context.Context, ln net.Listener, b *selection.Broker, reg *seat.Registry, key *crypto.Key, queueSize int) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, cmux.ErrListenerClosed) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("line accept: %w", err)
		}
		sess := session.New(b, wire.New(conn, key), session.Config{
			Transport: "line",
			QueueSize: queueSize,
			OnClose:   func(id selection.ClientID) { reg.ClearClient(string(id)) },
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Serve(ctx); err != nil {
				slog.Warn("session ended", "client", sess.ID(), "err", err)
			}
		}()
	}
}

// selectionLogger logs every selection transition.
type selectionLogger struct{}

func (selectionLogger) OnSelection(seatName string, sel selection.Selection, mimes []string) {
	selection.LogSelection("selection changed", seatName, sel, mimes)
}
