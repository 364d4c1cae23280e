// Package wire frames datactl messages over a stream connection as
// newline-delimited JSON, optionally sealed with a shared-token key.
//
// Wire format (plain):
//
//	<json>\n
//
// Wire format (sealed):
//
//	<base64(nonce+ciphertext)>\n
//
// Sealed frames are base64 so that framing stays line-based either way.
package wire

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.klb.dev/datactl/internal/crypto"
	"go.klb.dev/datactl/internal/message"
)

const (
	// MaxFrameSize is the largest frame we will read (1 MiB). Selection
	// traffic carries only MIME type names, never payloads.
	MaxFrameSize = 1 << 20

	writeDeadline = 5 * time.Second
)

// Conn wraps a net.Conn with line framing and optional sealing. Reads must
// come from one goroutine; writes may come from any.
type Conn struct {
	conn net.Conn
	sc   *bufio.Scanner
	key  *crypto.Key // nil = plain

	wmu sync.Mutex
}

// New wraps conn. If key is non-nil every frame is sealed before it is
// written and opened after it is read.
func New(conn net.Conn, key *crypto.Key) *Conn {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &Conn{conn: conn, sc: sc, key: key}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }

// WriteEvent writes one server → client event.
func (c *Conn) WriteEvent(ev *message.Event) error { return c.write(ev) }

// WriteRequest writes one client → server request.
func (c *Conn) WriteRequest(req *message.Request) error { return c.write(req) }

// ReadRequest reads one client → server request.
func (c *Conn) ReadRequest() (*message.Request, error) {
	raw, err := c.read()
	if err != nil {
		return nil, err
	}
	return message.DecodeRequest(raw)
}

// ReadEvent reads one server → client event.
func (c *Conn) ReadEvent() (*message.Event, error) {
	raw, err := c.read()
	if err != nil {
		return nil, err
	}
	return message.DecodeEvent(raw)
}

func (c *Conn) write(v any) error {
	raw, err := message.Encode(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	var line []byte
	if c.key != nil {
		sealed, err := c.key.Seal(raw)
		if err != nil {
			return fmt.Errorf("seal: %w", err)
		}
		line = base64.StdEncoding.AppendEncode(nil, sealed)
	} else {
		line = raw
	}
	line = append(line, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_, err = c.conn.Write(line)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return err
}

func (c *Conn) read() ([]byte, error) {
	if !c.sc.Scan() {
		if err := c.sc.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := c.sc.Bytes()
	if c.key == nil {
		return line, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(string(line))
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	raw, err := c.key.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return raw, nil
}
