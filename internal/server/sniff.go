package server

import (
	"bufio"
	"bytes"
	"net"

	"github.com/wireline-mq/wireline/internal/transport"
)

// httpMethodPrefixes are the first four bytes of every HTTP method a
// WebSocket client could open with. Anything else is treated as raw
// broker framing.
var httpMethodPrefixes = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
	[]byte("OPTI"),
	[]byte("PATC"),
	[]byte("DELE"),
	[]byte("CONN"),
}

// classify peeks at the first bytes of a connection and picks the
// listener kind: WebSocket for HTTP-looking openings, plain framing
// otherwise.
func classify(r *bufio.Reader, tlsSide bool) (transport.ListenerKind, error) {
	peek, err := r.Peek(4)
	if err != nil {
		return 0, err
	}
	for _, prefix := range httpMethodPrefixes {
		if bytes.HasPrefix(peek, prefix) {
			if tlsSide {
				return transport.ListenerWebSocketTLS, nil
			}
			return transport.ListenerWebSocket, nil
		}
	}
	if tlsSide {
		return transport.ListenerTLS, nil
	}
	return transport.ListenerTCP, nil
}

// bufferedConn replays bytes held in the sniffing reader before handing
// reads back to the underlying connection.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}
