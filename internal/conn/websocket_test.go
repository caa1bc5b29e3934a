package conn

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/require"
	"github.com/valyala/bytebufferpool"

	"github.com/wireline-mq/wireline/internal/transport"
	"github.com/wireline-mq/wireline/pkg/protocol"
)

const upgradeRequest = "GET /ws HTTP/1.1\r\n" +
	"Host: broker\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Version: 13\r\n" +
	"\r\n"

// readUpgradeResponse reads the handshake response up to the header
// terminator.
func readUpgradeResponse(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var resp bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		resp.WriteString(line)
		if line == "\r\n" {
			return resp.String()
		}
	}
}

func TestWebSocketUpgradeFragmented(t *testing.T) {
	verifyLeaks(t)

	sess := newStubSession()
	_, remote := startActor(t, transport.ListenerWebSocket, sess)
	br := bufio.NewReader(remote)

	// Deliver the upgrade request in two fragments; the handshake state
	// must buffer until the headers are complete.
	half := len(upgradeRequest) / 2
	_, err := remote.Write([]byte(upgradeRequest[:half]))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = remote.Write([]byte(upgradeRequest[half:]))
	require.NoError(t, err)

	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := readUpgradeResponse(t, br)
	require.Contains(t, resp, "101 Switching Protocols")
	require.Contains(t, resp, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
}

func TestWebSocketBinaryFrameReachesSession(t *testing.T) {
	verifyLeaks(t)

	sess := newStubSession()
	_, remote := startActor(t, transport.ListenerWebSocket, sess)
	br := bufio.NewReader(remote)

	_, err := remote.Write([]byte(upgradeRequest))
	require.NoError(t, err)
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	readUpgradeResponse(t, br)

	inner := &protocol.Frame{Op: protocol.OpData, Channel: "room", Body: []byte("via ws")}
	frame := ws.MaskFrame(ws.NewBinaryFrame(inner.Encode()))
	require.NoError(t, ws.WriteFrame(remote, frame))

	got := waitFrame(t, sess)
	require.Equal(t, "room", got.Channel)
	require.Equal(t, []byte("via ws"), got.Body)
}

func TestWebSocketNonBinaryFramesIgnored(t *testing.T) {
	verifyLeaks(t)

	sess := newStubSession()
	a, remote := startActor(t, transport.ListenerWebSocket, sess)
	br := bufio.NewReader(remote)

	_, err := remote.Write([]byte(upgradeRequest))
	require.NoError(t, err)
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	readUpgradeResponse(t, br)

	// Text and ping frames are accepted and dropped without reply.
	require.NoError(t, ws.WriteFrame(remote, ws.MaskFrame(ws.NewTextFrame([]byte("ignored")))))
	require.NoError(t, ws.WriteFrame(remote, ws.MaskFrame(ws.NewPingFrame([]byte("ping")))))

	// A binary frame after them still decodes.
	inner := &protocol.Frame{Op: protocol.OpData, Body: []byte("still works")}
	require.NoError(t, ws.WriteFrame(remote, ws.MaskFrame(ws.NewBinaryFrame(inner.Encode()))))
	require.Equal(t, []byte("still works"), waitFrame(t, sess).Body)

	select {
	case <-a.Done():
		t.Fatal("connection terminated on ignorable frames")
	default:
	}
}

func TestWebSocketOutboundWrapped(t *testing.T) {
	verifyLeaks(t)

	sess := newStubSession()
	_, remote := startActor(t, transport.ListenerWebSocket, sess)
	br := bufio.NewReader(remote)

	_, err := remote.Write([]byte(upgradeRequest))
	require.NoError(t, err)
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	readUpgradeResponse(t, br)

	outbound := &protocol.Frame{Op: protocol.OpData, Channel: "room", Body: []byte("downstream")}
	sess.out.SendFrames(outbound)

	f, err := ws.ReadFrame(br)
	require.NoError(t, err)
	require.Equal(t, ws.OpBinary, f.Header.OpCode)
	if f.Header.Masked {
		ws.Cipher(f.Payload, f.Header.Mask, 0)
	}
	require.Equal(t, outbound.Encode(), f.Payload)
}

func TestWebSocketBadHandshakeIsFatal(t *testing.T) {
	verifyLeaks(t)

	sess := newStubSession()
	a, remote := startActor(t, transport.ListenerWebSocket, sess)

	_, err := remote.Write([]byte("GET /ws HTTP/1.1\r\nHost: broker\r\n\r\n"))
	require.NoError(t, err)

	// Drain whatever error response the upgrade writes, then expect the
	// connection to die.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := remote.Read(buf); err != nil {
				return
			}
		}
	}()

	waitDone(t, a.Done())
	require.Error(t, sess.Err())
}

func TestWebSocketWrapUnwrapRoundTrip(t *testing.T) {
	payload := []byte("round trip payload")

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	require.NoError(t, wrapWebSocket(bb, payload))

	f, err := ws.ReadFrame(bytes.NewReader(bb.B))
	require.NoError(t, err)
	require.True(t, f.Header.Masked)
	ws.Cipher(f.Payload, f.Header.Mask, 0)
	require.Equal(t, payload, f.Payload)
}
