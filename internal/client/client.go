// Package client implements a small broker client used by the command
// line tools and the integration tests. It speaks either raw framing
// over TCP or binary WebSocket messages, and redials with exponential
// backoff.
package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/wireline-mq/wireline/pkg/protocol"
)

// Kind selects the client transport.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindWebSocket Kind = "ws"
)

const dialAttempts = 5

// ErrNotConnected is returned when sending before Connect succeeded.
var ErrNotConnected = errors.New("client: not connected")

// Client is one broker connection from the client side.
type Client struct {
	addr    string
	name    string
	channel string
	kind    Kind

	conn net.Conn        // set for KindTCP
	ws   *websocket.Conn // set for KindWebSocket

	frames chan *protocol.Frame
	quit   chan struct{}
}

// New creates a client for addr. name identifies the client in Join
// frames and channel scopes its traffic.
func New(addr, name, channel string, kind Kind) *Client {
	return &Client{
		addr:    addr,
		name:    name,
		channel: channel,
		kind:    kind,
		frames:  make(chan *protocol.Frame, 32),
		quit:    make(chan struct{}),
	}
}

// Connect dials the broker, retrying with exponential backoff, and
// starts the receive loop.
func (c *Client) Connect() error {
	b := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    2 * time.Second,
		Jitter: true,
	}

	var lastErr error
	for i := 0; i < dialAttempts; i++ {
		if lastErr = c.dial(); lastErr == nil {
			go c.readLoop()
			return nil
		}
		time.Sleep(b.Duration())
	}
	return fmt.Errorf("client: connect %s: %w", c.addr, lastErr)
}

func (c *Client) dial() error {
	switch c.kind {
	case KindWebSocket:
		ws, _, err := websocket.DefaultDialer.Dial("ws://"+c.addr+"/ws", nil)
		if err != nil {
			return err
		}
		c.ws = ws
		return nil
	default:
		conn, err := net.Dial("tcp", c.addr)
		if err != nil {
			return err
		}
		c.conn = conn
		return nil
	}
}

// Join announces the client on its channel.
func (c *Client) Join() error {
	return c.send(&protocol.Frame{Op: protocol.OpJoin, Channel: c.channel, Body: []byte(c.name)})
}

// Leave announces departure; the broker ends the session.
func (c *Client) Leave() error {
	return c.send(&protocol.Frame{Op: protocol.OpLeave, Channel: c.channel, Body: []byte(c.name)})
}

// Publish sends one data payload on the client's channel.
func (c *Client) Publish(data []byte) error {
	return c.send(&protocol.Frame{Op: protocol.OpData, Channel: c.channel, Body: data})
}

// Frames returns the stream of frames received from the broker. The
// channel is closed when the connection ends.
func (c *Client) Frames() <-chan *protocol.Frame {
	return c.frames
}

// Disconnect closes the connection.
func (c *Client) Disconnect() error {
	close(c.quit)
	if c.ws != nil {
		return c.ws.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) send(f *protocol.Frame) error {
	payload := f.Encode()
	switch {
	case c.ws != nil:
		return c.ws.WriteMessage(websocket.BinaryMessage, payload)
	case c.conn != nil:
		_, err := c.conn.Write(payload)
		return err
	default:
		return ErrNotConnected
	}
}

func (c *Client) readLoop() {
	defer close(c.frames)
	if c.ws != nil {
		c.readWebSocket()
		return
	}
	c.readTCP()
}

func (c *Client) readTCP() {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := c.conn.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)
		for {
			f, leftover, err := protocol.Parse(buf)
			if errors.Is(err, protocol.ErrShortFrame) {
				buf = leftover
				break
			}
			if err != nil {
				buf = leftover
				continue
			}
			buf = leftover
			if !c.deliver(f) {
				return
			}
		}
	}
}

// readWebSocket reads data frames off the wire directly. The broker
// masks its outbound frames, which gorilla's reader rejects on the
// client side, so frames are decoded with gobwas/ws instead.
func (c *Client) readWebSocket() {
	raw := c.ws.UnderlyingConn()
	var buf []byte
	for {
		wf, err := ws.ReadFrame(raw)
		if err != nil {
			return
		}
		if wf.Header.Masked {
			ws.Cipher(wf.Payload, wf.Header.Mask, 0)
		}
		if wf.Header.OpCode == ws.OpClose {
			return
		}
		if wf.Header.OpCode != ws.OpBinary {
			continue
		}
		buf = append(buf, wf.Payload...)
		for {
			f, leftover, err := protocol.Parse(buf)
			if errors.Is(err, protocol.ErrShortFrame) {
				buf = leftover
				break
			}
			if err != nil {
				buf = leftover
				continue
			}
			buf = leftover
			if !c.deliver(f) {
				return
			}
		}
	}
}

func (c *Client) deliver(f *protocol.Frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.quit:
		return false
	}
}
