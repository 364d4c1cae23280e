package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"go.klb.dev/datactl/internal/message"
)

// Client is a DataControl client.
type Client struct {
	conn *grpc.ClientConn
}

// DialOptions configures Dial.
type DialOptions struct {
	// Token is sent as a bearer token with every call.
	Token string
	// Name is reported to the server as the client's name.
	Name string
	// Creds secures the connection. Nil means plaintext, which is only
	// appropriate for the local socket.
	Creds credentials.TransportCredentials
}

// Dial returns a client for target ("unix:///run/user/1000/datactl.sock",
// "host:port"). The connection is established lazily on the first call.
func Dial(target string, o DialOptions, extra ...grpc.DialOption) (*Client, error) {
	creds := o.Creds
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if o.Token != "" || o.Name != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&callCreds{token: o.Token, name: o.Name}))
	}
	conn, err := grpc.NewClient(target, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Status fetches a broker snapshot.
func (c *Client) Status(ctx context.Context) (*message.StatusResponse, error) {
	out := new(message.StatusResponse)
	if err := c.conn.Invoke(ctx, methodStatus, &message.StatusRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetFocus moves keyboard focus on seatName to client. An empty client clears
// focus.
func (c *Client) SetFocus(ctx context.Context, seatName, client string) error {
	return c.conn.Invoke(ctx, methodSetFocus,
		&message.SetFocusRequest{Seat: seatName, Client: client}, new(message.SetFocusResponse))
}

// Session opens a protocol session. The stream ends when ctx is cancelled or
// CloseSend is called and the server finishes.
func (c *Client) Session(ctx context.Context) (*Stream, error) {
	cs, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], methodSession)
	if err != nil {
		return nil, err
	}
	return &Stream{cs: cs}, nil
}

// Stream is the client side of a Session. Send and Recv may be called from
// different goroutines, but neither from more than one at a time.
type Stream struct {
	cs grpc.ClientStream
}

// Send writes one request.
func (s *Stream) Send(req *message.Request) error { return s.cs.SendMsg(req) }

// Recv reads the next event.
func (s *Stream) Recv() (*message.Event, error) {
	ev := new(message.Event)
	if err := s.cs.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// CloseSend half-closes the stream.
func (s *Stream) CloseSend() error { return s.cs.CloseSend() }

type callCreds struct {
	token string
	name  string
}

func (c *callCreds) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	md := make(map[string]string, 2)
	if c.token != "" {
		md["authorization"] = "Bearer " + c.token
	}
	if c.name != "" {
		md[NameHeader] = c.name
	}
	return md, nil
}

func (c *callCreds) RequireTransportSecurity() bool { return false }
