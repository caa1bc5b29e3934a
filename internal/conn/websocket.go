package conn

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gobwas/ws"
	"github.com/valyala/bytebufferpool"

	"github.com/wireline-mq/wireline/internal/transport"
)

// maxHandshakeSize bounds the bytes buffered while waiting for the
// HTTP upgrade request to complete.
const maxHandshakeSize = 8192

var headerTerminator = []byte("\r\n\r\n")

// wsState is the WebSocket unwrapping state machine. It starts awaiting
// the upgrade handshake and, once open, extracts data frames from the
// byte stream. Binary payloads feed the inner frame codec; every other
// opcode is accepted and ignored.
type wsState struct {
	open bool
	buf  []byte
}

// ingestWebSocket feeds one inbound chunk through the WebSocket layer.
// Handshake and frame-decode failures are fatal to the connection.
func (a *Actor) ingestWebSocket(data []byte) error {
	a.ws.buf = append(a.ws.buf, data...)
	if !a.ws.open {
		end := bytes.Index(a.ws.buf, headerTerminator)
		if end < 0 {
			if len(a.ws.buf) > maxHandshakeSize {
				return fmt.Errorf("conn: websocket handshake exceeds %d bytes", maxHandshakeSize)
			}
			return nil
		}
		head := a.ws.buf[:end+len(headerTerminator)]
		rest := a.ws.buf[end+len(headerTerminator):]
		if err := a.upgradeWebSocket(head); err != nil {
			return fmt.Errorf("conn: websocket handshake: %w", err)
		}
		a.ws.open = true
		a.ws.buf = nil
		a.recvBuf = nil
		if len(rest) == 0 {
			return nil
		}
		a.ws.buf = append(a.ws.buf, rest...)
	}
	return a.decodeWebSocketFrames()
}

// upgradeWebSocket validates the buffered upgrade request and writes the
// handshake response straight to the socket, bypassing the batching
// queue. This is the connection's one unbuffered write.
func (a *Actor) upgradeWebSocket(head []byte) error {
	rw := struct {
		io.Reader
		io.Writer
	}{
		Reader: bytes.NewReader(head),
		Writer: directWriter{sock: a.sock},
	}
	_, err := ws.Upgrade(rw)
	return err
}

// decodeWebSocketFrames drains complete frames from the buffer. An
// incomplete trailing frame stays buffered for the next chunk.
func (a *Actor) decodeWebSocketFrames() error {
	for len(a.ws.buf) > 0 {
		br := bytes.NewReader(a.ws.buf)
		f, err := ws.ReadFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("conn: websocket frame decode: %w", err)
		}
		a.ws.buf = a.ws.buf[len(a.ws.buf)-br.Len():]

		if f.Header.Masked {
			ws.Cipher(f.Payload, f.Header.Mask, 0)
		}
		if f.Header.OpCode == ws.OpBinary {
			a.feedCodec(f.Payload)
		}
	}
	return nil
}

// wrapWebSocket wraps one outbound chunk as a masked binary data frame
// and writes it into dst.
func wrapWebSocket(dst *bytebufferpool.ByteBuffer, data []byte) error {
	return ws.WriteFrame(dst, ws.MaskFrame(ws.NewBinaryFrame(data)))
}

// directWriter adapts a socket's unbuffered write path to io.Writer for
// the handshake response.
type directWriter struct {
	sock *transport.Socket
}

func (w directWriter) Write(p []byte) (int, error) {
	if err := w.sock.WriteDirect(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
