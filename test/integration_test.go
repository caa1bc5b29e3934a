package test

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wireline-mq/wireline/internal/client"
	"github.com/wireline-mq/wireline/internal/server"
	"github.com/wireline-mq/wireline/internal/session"
	"github.com/wireline-mq/wireline/pkg/protocol"
)

func startBroker(t *testing.T) *server.Server {
	t.Helper()
	hub := session.NewHub(slog.Default())
	srv := server.New(server.Config{
		Addr:           "127.0.0.1:0",
		SessionFactory: hub.NewSession,
	})
	go func() { _ = srv.Start() }()
	require.Eventually(t, func() bool { return srv.Addr() != "" },
		2*time.Second, 10*time.Millisecond)
	t.Cleanup(srv.Stop)
	return srv
}

func connect(t *testing.T, addr, name string, kind client.Kind) *client.Client {
	t.Helper()
	c := client.New(addr, name, "lobby", kind)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Disconnect() })
	require.NoError(t, c.Join())
	return c
}

// waitForData skips join/leave notifications and returns the next data frame.
func waitForData(t *testing.T, c *client.Client) *protocol.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.Frames():
			if f.Op == protocol.OpData {
				return f
			}
		case <-deadline:
			t.Fatal("timed out waiting for data frame")
		}
	}
}

func TestIntegrationPublishBothDirections(t *testing.T) {
	srv := startBroker(t)

	alice := connect(t, srv.Addr(), "alice", client.KindTCP)
	bob := connect(t, srv.Addr(), "bob", client.KindTCP)

	require.Eventually(t, func() bool { return srv.ConnCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Publish([]byte("hello from alice")))
	got := waitForData(t, bob)
	require.Equal(t, []byte("hello from alice"), got.Body)

	require.NoError(t, bob.Publish([]byte("hello from bob")))
	got = waitForData(t, alice)
	require.Equal(t, []byte("hello from bob"), got.Body)
}

func TestIntegrationMixedTransports(t *testing.T) {
	srv := startBroker(t)

	tcp := connect(t, srv.Addr(), "tcp-side", client.KindTCP)
	ws := connect(t, srv.Addr(), "ws-side", client.KindWebSocket)

	require.NoError(t, tcp.Publish([]byte("over the wire")))
	got := waitForData(t, ws)
	require.Equal(t, []byte("over the wire"), got.Body)

	require.NoError(t, ws.Publish([]byte("back again")))
	got = waitForData(t, tcp)
	require.Equal(t, []byte("back again"), got.Body)
}

func TestIntegrationBroadcastToMany(t *testing.T) {
	srv := startBroker(t)

	sender := connect(t, srv.Addr(), "sender", client.KindTCP)
	receivers := make([]*client.Client, 4)
	for i := range receivers {
		receivers[i] = connect(t, srv.Addr(), fmt.Sprintf("recv%d", i), client.KindTCP)
	}

	require.Eventually(t, func() bool { return srv.ConnCount() == 5 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, sender.Publish([]byte("fan out")))
	for i, r := range receivers {
		got := waitForData(t, r)
		require.Equal(t, []byte("fan out"), got.Body, "receiver %d", i)
	}
}

func TestIntegrationLeaveDropsConnection(t *testing.T) {
	srv := startBroker(t)

	c := connect(t, srv.Addr(), "leaver", client.KindTCP)
	require.Eventually(t, func() bool { return srv.ConnCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Leave())
	require.Eventually(t, func() bool { return srv.ConnCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}
