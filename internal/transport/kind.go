package transport

// Kind identifies the underlying transport of a socket. It is fixed when
// the socket is created and determines which close and write primitives
// apply.
type Kind int

const (
	Plain Kind = iota
	TLS
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case Plain:
		return "plain"
	case TLS:
		return "tls"
	default:
		return "unknown"
	}
}

// ListenerKind identifies the flavor of listener a connection arrived on.
// It decides whether inbound bytes go straight to the frame codec or pass
// through the WebSocket layer first.
type ListenerKind int

const (
	ListenerTCP ListenerKind = iota
	ListenerTLS
	ListenerWebSocket
	ListenerWebSocketTLS
)

// String returns the string representation of ListenerKind.
func (lk ListenerKind) String() string {
	switch lk {
	case ListenerTCP:
		return "tcp"
	case ListenerTLS:
		return "tls"
	case ListenerWebSocket:
		return "ws"
	case ListenerWebSocketTLS:
		return "wss"
	default:
		return "unknown"
	}
}

// IsWebSocket reports whether connections from this listener speak
// WebSocket framing around the application protocol.
func (lk ListenerKind) IsWebSocket() bool {
	return lk == ListenerWebSocket || lk == ListenerWebSocketTLS
}

// Transport returns the transport kind carrying this listener's
// connections.
func (lk ListenerKind) Transport() Kind {
	if lk == ListenerTLS || lk == ListenerWebSocketTLS {
		return TLS
	}
	return Plain
}
