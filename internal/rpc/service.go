// Package rpc serves the datactl protocol over gRPC.
//
// The service is registered by hand with a JSON codec instead of generated
// protobuf stubs: requests and events are the message package structs. It
// exposes one bidirectional Session stream per client (the same protocol as
// the line transport) plus the Status and SetFocus control calls used by the
// CLI and by the compositor.
package rpc

import (
	"context"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"go.klb.dev/datactl/internal/message"
	"go.klb.dev/datactl/internal/seat"
	"go.klb.dev/datactl/internal/selection"
	"go.klb.dev/datactl/internal/session"
)

const (
	serviceName    = "datactl.v1.DataControl"
	methodSession  = "/" + serviceName + "/Session"
	methodStatus   = "/" + serviceName + "/Status"
	methodSetFocus = "/" + serviceName + "/SetFocus"

	// NameHeader carries the client's self-reported name.
	NameHeader = "x-datactl-name"
)

// DataControlServer is the server API of the DataControl service.
type DataControlServer interface {
	Session(grpc.ServerStream) error
	Status(context.Context, *message.StatusRequest) (*message.StatusResponse, error)
	SetFocus(context.Context, *message.SetFocusRequest) (*message.SetFocusResponse, error)
}

// ServiceDesc describes the DataControl service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DataControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "SetFocus", Handler: setFocusHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "datactl/v1/datactl.proto",
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(DataControlServer).Session(stream)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(message.StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DataControlServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DataControlServer).Status(ctx, req.(*message.StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func setFocusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(message.SetFocusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DataControlServer).SetFocus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSetFocus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DataControlServer).SetFocus(ctx, req.(*message.SetFocusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Service implements DataControlServer.
type Service struct {
	b         *selection.Broker
	reg       *seat.Registry
	token     string // empty = no auth
	version   string
	queueSize int
}

// Config configures a Service.
type Config struct {
	Token     string
	Version   string
	QueueSize int
}

// New returns a Service backed by b and reg.
func New(b *selection.Broker, reg *seat.Registry, cfg Config) *Service {
	return &Service{b: b, reg: reg, token: cfg.Token, version: cfg.Version, queueSize: cfg.QueueSize}
}

// Register adds the service to gs.
func (s *Service) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Session implements DataControlServer.Session. The stream lives as long as
// the client: when it ends, the client's objects are reclaimed.
func (s *Service) Session(stream grpc.ServerStream) error {
	ctx := stream.Context()
	if err := s.auth(ctx); err != nil {
		return err
	}
	tr := newStreamTransport(stream)
	sess := session.New(s.b, tr, session.Config{
		Name:      nameFromCtx(ctx),
		Transport: "grpc " + addrFromCtx(ctx),
		QueueSize: s.queueSize,
		OnClose:   func(id selection.ClientID) { s.reg.ClearClient(string(id)) },
	})
	return sess.Serve(ctx)
}

// Status implements DataControlServer.Status.
func (s *Service) Status(ctx context.Context, _ *message.StatusRequest) (*message.StatusResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	known := make(map[string]message.SeatInfo)
	for _, info := range s.b.Seats() {
		known[info.Name] = info
	}
	resp := &message.StatusResponse{Version: s.version, Clients: s.b.Clients()}
	for _, name := range s.reg.Names() {
		info, ok := known[name]
		if !ok {
			info = message.SeatInfo{Name: name}
		}
		info.Focus = s.reg.Focus(name)
		resp.Seats = append(resp.Seats, info)
	}
	return resp, nil
}

// SetFocus implements DataControlServer.SetFocus.
func (s *Service) SetFocus(ctx context.Context, req *message.SetFocusRequest) (*message.SetFocusResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	if !s.reg.SetFocus(req.Seat, req.Client) {
		return nil, status.Errorf(codes.NotFound, "unknown seat %q", req.Seat)
	}
	return &message.SetFocusResponse{}, nil
}

// auth validates the bearer token in ctx metadata. Skipped when s.token is empty.
func (s *Service) auth(ctx context.Context) error {
	if s.token == "" {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization header")
	}
	const prefix = "Bearer "
	tok := vals[0]
	if len(tok) > len(prefix) && tok[:len(prefix)] == prefix {
		tok = tok[len(prefix):]
	}
	if tok != s.token {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}

func nameFromCtx(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(NameHeader); len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

func addrFromCtx(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

// ── streamTransport ──────────────────────────────────────────────────────────

type recvResult struct {
	req *message.Request
	err error
}

// streamTransport adapts a server stream to session.Transport. Receives run
// in their own goroutine so Close can unblock a pending ReadRequest.
type streamTransport struct {
	stream grpc.ServerStream
	reqs   chan recvResult
	closed chan struct{}
	once   sync.Once
}

func newStreamTransport(stream grpc.ServerStream) *streamTransport {
	t := &streamTransport{
		stream: stream,
		reqs:   make(chan recvResult),
		closed: make(chan struct{}),
	}
	go t.pump()
	return t
}

func (t *streamTransport) pump() {
	for {
		req := new(message.Request)
		err := t.stream.RecvMsg(req)
		select {
		case t.reqs <- recvResult{req, err}:
		case <-t.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *streamTransport) ReadRequest() (*message.Request, error) {
	select {
	case r := <-t.reqs:
		return r.req, r.err
	case <-t.closed:
		return nil, net.ErrClosed
	}
}

func (t *streamTransport) WriteEvent(ev *message.Event) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}
	return t.stream.SendMsg(ev)
}

func (t *streamTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
