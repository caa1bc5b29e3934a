// Package stats aggregates connection and byte counters across all
// connection actors. The sink itself is safe for concurrent use; the
// per-second coalescing happens inside each actor via Meter.
package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives coalesced counter updates from connection actors.
type Sink interface {
	// ConnOpened records one successful socket handover.
	ConnOpened()

	// AddBytesReceived records n bytes read from client sockets.
	AddBytesReceived(n int)

	// AddBytesSent records n bytes written to client sockets.
	AddBytesSent(n int)
}

// Prom is a Sink backed by prometheus counters.
type Prom struct {
	openSockets   prometheus.Counter
	bytesReceived prometheus.Counter
	bytesSent     prometheus.Counter
}

// NewProm creates a Prom sink and registers its collectors on reg.
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		openSockets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wireline_open_sockets_total",
			Help: "Number of client sockets handed over to connection actors.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wireline_bytes_received_total",
			Help: "Bytes received from client sockets.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wireline_bytes_sent_total",
			Help: "Bytes written to client sockets.",
		}),
	}
	reg.MustRegister(p.openSockets, p.bytesReceived, p.bytesSent)
	return p
}

func (p *Prom) ConnOpened()            { p.openSockets.Inc() }
func (p *Prom) AddBytesReceived(n int) { p.bytesReceived.Add(float64(n)) }
func (p *Prom) AddBytesSent(n int)     { p.bytesSent.Add(float64(n)) }

// Nop is a Sink that discards all updates.
type Nop struct{}

func (Nop) ConnOpened()          {}
func (Nop) AddBytesReceived(int) {}
func (Nop) AddBytesSent(int)     {}

// Meter accumulates byte counts and emits them at most once per
// wall-clock second. It is owned by a single actor and is not safe for
// concurrent use.
type Meter struct {
	sec  int64
	n    int
	emit func(n int)
}

// NewMeter creates a Meter that forwards coalesced counts to emit.
func NewMeter(emit func(n int)) *Meter {
	return &Meter{emit: emit}
}

// Add accumulates n bytes observed at time t. Counts gathered during a
// previous second are emitted before the new count is recorded.
func (m *Meter) Add(t time.Time, n int) {
	sec := t.Unix()
	if sec != m.sec {
		m.Flush()
		m.sec = sec
	}
	m.n += n
}

// Flush emits any accumulated count immediately. Flushing an empty meter
// is a no-op.
func (m *Meter) Flush() {
	if m.n == 0 {
		return
	}
	m.emit(m.n)
	m.n = 0
}
