package conn

import (
	"log/slog"
	"time"

	"github.com/wireline-mq/wireline/internal/session"
	"github.com/wireline-mq/wireline/internal/stats"
)

const (
	// DefaultHandoverTimeout bounds the wait for the one socket handover
	// after actor creation.
	DefaultHandoverTimeout = 5 * time.Second

	// DefaultIdleTimeout is how long an actor with nothing queued blocks
	// on its mailbox before cycling through an idle wakeup.
	DefaultIdleTimeout = 5 * time.Second

	// DefaultFlushThreshold is the queued-byte size that triggers an
	// eager flush. Sized just under one TCP segment's payload, leaving
	// room for framing overhead.
	DefaultFlushThreshold = 1400

	// mailboxDepth is the actor mailbox buffer size.
	mailboxDepth = 64
)

// Options configure a connection actor. The zero value gets defaults for
// everything except SessionFactory, which is required.
type Options struct {
	// SessionFactory creates the session linked to the actor.
	SessionFactory session.Factory

	// Stats receives coalesced connection counters. Defaults to a no-op
	// sink.
	Stats stats.Sink

	// Logger is the base logger; the actor derives a per-connection
	// logger from it. Defaults to slog.Default.
	Logger *slog.Logger

	HandoverTimeout time.Duration
	IdleTimeout     time.Duration
	FlushThreshold  int
}

func (o Options) withDefaults() Options {
	if o.Stats == nil {
		o.Stats = stats.Nop{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HandoverTimeout <= 0 {
		o.HandoverTimeout = DefaultHandoverTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = DefaultFlushThreshold
	}
	return o
}
