package server

import (
	"time"

	"github.com/rbraunm/eqbcs/pkg/protocol"
)

// Session is the state of one accepted connection. Every field is owned by
// the server's event loop; nothing here is safe for use from other
// goroutines.
type Session struct {
	ID         uint64
	Conn       *SafeConn
	RemoteAddr string
	Transport  string // "tcp" or "ssh"

	// Name is empty until login and the session's identity afterwards
	Name       string
	Authorized bool
	LocalEcho  bool

	pending  protocol.Kind
	channels map[string]struct{}

	lastPingAt time.Time
	lastPongAt time.Time

	inbound *protocol.LineBuffer
	closing bool
}

func newSession(id uint64, conn *SafeConn, transport string, maxLine int, now time.Time) *Session {
	return &Session{
		ID:         id,
		Conn:       conn,
		RemoteAddr: conn.RemoteAddr().String(),
		Transport:  transport,
		lastPingAt: now,
		lastPongAt: now,
		inbound:    protocol.NewLineBuffer(maxLine),
	}
}

// Label names the session in log lines: its character name once logged in,
// its peer address before that.
func (s *Session) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.RemoteAddr
}

// Arm marks the next line from this session as a payload of kind k
func (s *Session) Arm(k protocol.Kind) {
	s.pending = k
}

// Pending returns the armed payload kind without consuming it
func (s *Session) Pending() protocol.Kind {
	return s.pending
}

// Consume returns the armed kind and resets the latch. It is called for
// every line the session sends after login, so an armed kind never
// outlives the line that follows it.
func (s *Session) Consume() protocol.Kind {
	k := s.pending
	s.pending = protocol.KindNone
	return k
}

// SetChannels replaces the session's channel subscriptions
func (s *Session) SetChannels(tokens []string) {
	s.channels = make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		s.channels[t] = struct{}{}
	}
}

// InChannel reports whether the session subscribes to token (case-sensitive)
func (s *Session) InChannel(token string) bool {
	_, ok := s.channels[token]
	return ok
}

// Closing reports whether teardown has started
func (s *Session) Closing() bool {
	return s.closing
}

// authorize moves the session into the logged-in state
func (s *Session) authorize(name string, now time.Time) {
	s.Name = name
	s.Authorized = true
	s.lastPingAt = now
	s.lastPongAt = now
}
