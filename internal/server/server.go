// Package server is the accept layer of the broker: it listens for
// client connections, sniffs whether each one speaks raw broker framing
// or WebSocket, and hands the live socket over to a fresh connection
// actor. Both protocols share one port; an optional second listener
// serves the same mix over TLS.
package server

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/wireline-mq/wireline/internal/conn"
	"github.com/wireline-mq/wireline/internal/session"
	"github.com/wireline-mq/wireline/internal/stats"
)

// Config configures a Server. Addr and SessionFactory are required.
type Config struct {
	// Addr is the plain listener address (raw framing and WebSocket).
	Addr string

	// TLSAddr, when non-empty, adds a TLS listener serving the same
	// protocol mix. TLSConfig must then carry at least one certificate.
	TLSAddr   string
	TLSConfig *tls.Config

	// SessionFactory creates the session for every connection.
	SessionFactory session.Factory

	// Stats receives connection counters. Defaults to a no-op sink.
	Stats stats.Sink

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Conn overrides the per-connection actor tunables; the session
	// factory, stats sink and logger above are filled in by the server.
	Conn conn.Options
}

// Server accepts broker connections and owns their lifecycle until the
// per-connection actors take over.
type Server struct {
	cfg    Config
	logger *slog.Logger

	ln    net.Listener
	tlsLn net.Listener

	mu    sync.Mutex
	conns map[net.Conn]bool

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.Nop{}
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		conns:  make(map[net.Conn]bool),
		quit:   make(chan struct{}),
	}
}

// Start opens the listeners and serves until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.ln = ln
	s.logger.Info("listening", "addr", ln.Addr().String())

	if s.cfg.TLSAddr != "" {
		tlsLn, err := net.Listen("tcp", s.cfg.TLSAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("server: tls listen: %w", err)
		}
		s.tlsLn = tlsLn
		s.logger.Info("listening", "addr", tlsLn.Addr().String(), "tls", true)

		s.wg.Add(1)
		go s.acceptLoop(tlsLn, true)
	}

	s.wg.Add(1)
	go s.acceptLoop(ln, false)

	<-s.quit
	return nil
}

// Stop closes the listeners and every live connection, then waits for
// the accept machinery to wind down. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.ln != nil {
			s.ln.Close()
		}
		if s.tlsLn != nil {
			s.tlsLn.Close()
		}

		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
	})
}

// Addr returns the plain listener's address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// TLSAddr returns the TLS listener's address.
func (s *Server) TLSAddr() string {
	if s.tlsLn == nil {
		return ""
	}
	return s.tlsLn.Addr().String()
}

// ConnCount returns the number of connections currently tracked.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop(ln net.Listener, tlsSide bool) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.logger.Warn("accept failed", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(c, tlsSide)
	}
}

// handleConn sniffs the protocol, creates the connection actor and hands
// the socket over. The sniff is bounded by the same deadline the actor
// applies to the handover itself.
func (s *Server) handleConn(c net.Conn, tlsSide bool) {
	defer s.wg.Done()

	raw := c
	if tlsSide {
		c = tls.Server(c, s.cfg.TLSConfig)
	}
	s.track(raw)

	c.SetReadDeadline(time.Now().Add(conn.DefaultHandoverTimeout))
	reader := bufio.NewReader(c)
	lk, err := classify(reader, tlsSide)
	if err != nil {
		s.logger.Warn("dropping unclassifiable connection",
			"peer", raw.RemoteAddr().String(), "error", err)
		s.untrack(raw)
		raw.Close()
		return
	}
	c.SetReadDeadline(time.Time{})

	opts := s.cfg.Conn
	opts.SessionFactory = s.cfg.SessionFactory
	opts.Stats = s.cfg.Stats
	opts.Logger = s.logger

	a := conn.Start(raw.RemoteAddr().String(), lk, opts)
	a.Handover(&bufferedConn{Conn: c, reader: reader}, raw)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-a.Done():
		case <-s.quit:
		}
		s.untrack(raw)
	}()
}

func (s *Server) track(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = true
	s.mu.Unlock()
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
