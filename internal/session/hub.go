package session

import (
	"log/slog"
	"sync"

	"github.com/wireline-mq/wireline/pkg/protocol"
)

// Hub relays Data frames between the members of a channel. It is the
// default session wiring for the broker daemon; one Hub instance is
// shared by every connection of a server.
type Hub struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	members map[*hubSession]bool
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		members: make(map[*hubSession]bool),
	}
}

// NewSession is a Factory producing hub-backed sessions.
func (h *Hub) NewSession(out Outbound, peer string) Session {
	s := &hubSession{
		base: newBase(),
		hub:  h,
		out:  out,
		peer: peer,
	}
	h.mu.Lock()
	h.members[s] = true
	h.mu.Unlock()
	return s
}

// MemberCount returns the number of live sessions.
func (h *Hub) MemberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

func (h *Hub) remove(s *hubSession) {
	h.mu.Lock()
	delete(h.members, s)
	h.mu.Unlock()
}

// broadcast relays a frame to every member except the sender.
func (h *Hub) broadcast(f *protocol.Frame, sender *hubSession) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for m := range h.members {
		if m != sender {
			m.out.SendFrames(f)
		}
	}
}

// hubSession is one connection's membership in the Hub.
type hubSession struct {
	base
	hub  *Hub
	out  Outbound
	peer string
	name string
}

// Deliver routes one inbound frame through the hub.
func (s *hubSession) Deliver(f *protocol.Frame) {
	switch f.Op {
	case protocol.OpJoin:
		s.name = string(f.Body)
		s.hub.logger.Info("peer joined", "peer", s.peer, "name", s.name, "channel", f.Channel)
		s.hub.broadcast(f, s)
	case protocol.OpLeave:
		s.hub.logger.Info("peer left", "peer", s.peer, "name", s.name)
		s.hub.broadcast(f, s)
		s.Close(nil)
	case protocol.OpData:
		s.hub.broadcast(f, s)
	default:
		s.hub.logger.Warn("dropping frame with unknown op", "peer", s.peer, "op", uint8(f.Op))
	}
}

// Close removes the session from the hub and terminates it.
func (s *hubSession) Close(err error) {
	s.hub.remove(s)
	s.finish(err)
}
