package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rbraunm/eqbcs/pkg/protocol"
)

const (
	// DefaultPingInterval is how often a logged-in session is sent PING
	DefaultPingInterval = 30 * time.Second

	// AdvisoryTimeout is the silence after which advisory mode notes a
	// missing PONG (and does nothing else)
	AdvisoryTimeout = 75 * time.Second

	tickInterval = time.Second
	readSize     = 4096
)

// Server is one EQBCS instance: a listener, its sessions and the event
// loop that owns them.
type Server struct {
	config   Config
	registry *Registry
	metrics  *Metrics
	label    string // port, used for metrics
	prefix   string // log prefix
	now      func() time.Time

	listener    net.Listener
	sshListener net.Listener

	events   chan event
	shutdown chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Mirrors of registry counts for readers outside the loop
	activeCount     atomic.Int64
	authorizedCount atomic.Int64
}

// Config holds the settings of one server instance
type Config struct {
	Instance      int
	Bind          string
	Port          int
	Password      string        // empty = no password required
	MaxClients    int           // counts every connection, logged in or not
	PingInterval  time.Duration
	ClientTimeout time.Duration // 0 = advisory keepalive, never disconnect
	WriteTimeout  time.Duration
	MaxLineBytes  int
	LogKeepalive  bool

	SSHPort        int // 0 = disabled
	SSHHostKeyPath string
}

// DefaultConfig returns the settings of a stand-alone instance
func DefaultConfig() Config {
	return Config{
		Bind:           "0.0.0.0",
		Port:           protocol.DefaultPort,
		MaxClients:     250,
		PingInterval:   DefaultPingInterval,
		ClientTimeout:  120 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxLineBytes:   protocol.MaxLineSize,
		SSHHostKeyPath: "~/.eqbcs/ssh_host_key",
	}
}

// Addr is the configured listen address
func (c Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

type eventKind uint8

const (
	evAccept eventKind = iota
	evData
	evClosed
)

// event is what the accept and read goroutines hand to the loop
type event struct {
	kind      eventKind
	conn      Conn
	transport string
	sess      *Session
	data      []byte
	err       error
}

// Stats is a point-in-time view of an instance for health reporting
type Stats struct {
	Instance   int `json:"instance"`
	Port       int `json:"port"`
	Sessions   int `json:"sessions"`
	Authorized int `json:"authorized"`
}

// ErrServerClosed is returned by Start on a server that has been stopped
var ErrServerClosed = errors.New("server closed")

// NewServer creates a server instance. metrics may be nil.
func NewServer(config Config, metrics *Metrics) *Server {
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	return &Server{
		config:   config,
		registry: NewRegistry(),
		metrics:  metrics,
		label:    strconv.Itoa(config.Port),
		prefix:   fmt.Sprintf("%d ", config.Port),
		now:      time.Now,
		events:   make(chan event, 64),
		shutdown: make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start binds the listener (and the SSH listener when configured) and
// starts the event loop. It returns once the server is accepting.
func (s *Server) Start() error {
	select {
	case <-s.shutdown:
		return ErrServerClosed
	default:
	}

	addr := s.config.Addr()

	// Use ListenConfig to enable SO_REUSEADDR
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = setSocketOptions(fd)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		s.listener = nil
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	s.logf("EQBCS listening on %s (instance %d, max clients %d, client timeout %s)",
		listener.Addr(), s.config.Instance, s.config.MaxClients, s.config.ClientTimeout)
	s.debugf("[config] password=%t keepalive_log=%t write_timeout=%s max_line=%d",
		s.config.Password != "", s.config.LogKeepalive, s.config.WriteTimeout, s.config.MaxLineBytes)

	go s.run()

	s.wg.Add(1)
	go s.acceptLoop(listener, "tcp")

	return nil
}

// Addr returns the bound TCP address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats reports current session counts; safe from any goroutine
func (s *Server) Stats() Stats {
	return Stats{
		Instance:   s.config.Instance,
		Port:       s.config.Port,
		Sessions:   int(s.activeCount.Load()),
		Authorized: int(s.authorizedCount.Load()),
	}
}

// Stop closes the listeners, then disconnects every session with reason
// "server shutdown" and waits for all goroutines to finish.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.logf("Graceful shutdown initiated...")

		if s.listener != nil {
			s.listener.Close()
		}
		if s.sshListener != nil {
			s.sshListener.Close()
		}

		close(s.shutdown)
		if s.listener != nil {
			<-s.loopDone
		}
		s.wg.Wait()

		// Connections accepted while the loop was exiting
	drain:
		for {
			select {
			case ev := <-s.events:
				if ev.kind == evAccept {
					ev.conn.Close()
				}
			default:
				break drain
			}
		}

		s.logf("Graceful shutdown complete")
	})
	return nil
}

// acceptLoop hands accepted connections to the event loop
func (s *Server) acceptLoop(listener net.Listener, transport string) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("%s[accept] error: %v", s.prefix, err)
				continue
			}
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		if !s.post(event{kind: evAccept, conn: conn, transport: transport}) {
			conn.Close()
			return
		}
	}
}

// post delivers ev to the loop; false means the server is shutting down
func (s *Server) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.shutdown:
		return false
	}
}

// readLoop feeds raw bytes from one session to the event loop
func (s *Server) readLoop(sess *Session) {
	defer s.wg.Done()

	buf := make([]byte, readSize)
	for {
		n, err := sess.Conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !s.post(event{kind: evData, sess: sess, data: data}) {
				return
			}
		}
		if err != nil {
			s.post(event{kind: evClosed, sess: sess, err: err})
			return
		}
	}
}

// run is the event loop. It is the only goroutine that touches the
// registry or any session state.
func (s *Server) run() {
	defer close(s.loopDone)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			s.closeAll()
			return
		case ev := <-s.events:
			s.dispatch(ev)
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

func (s *Server) dispatch(ev event) {
	switch ev.kind {
	case evAccept:
		if sess := s.accept(ev.conn, ev.transport); sess != nil {
			s.wg.Add(1)
			go s.readLoop(sess)
		}
	case evData:
		s.handleData(ev.sess, ev.data)
	case evClosed:
		s.disconnect(ev.sess, readFailureReason(ev.err))
	}
}

// accept registers a new connection, or refuses it when the instance is full
func (s *Server) accept(conn Conn, transport string) *Session {
	safe := NewSafeConn(conn, s.config.WriteTimeout)

	if s.config.MaxClients > 0 && s.registry.Len() >= s.config.MaxClients {
		safe.WriteLine(protocol.EncodeLine(protocol.ServerFull))
		safe.Close()
		s.metrics.RecordConnection(s.label, "full")
		s.logf("[conn] %s refused: server full (clients=%d)", conn.RemoteAddr(), s.registry.Len())
		return nil
	}

	sess := s.registry.Add(safe, transport, s.config.MaxLineBytes, s.now())
	s.metrics.RecordConnection(s.label, "accepted")
	s.recordCounts()
	s.logf("[conn] %s connected via %s (clients=%d)", sess.RemoteAddr, transport, s.registry.Len())
	return sess
}

// handleData splits inbound bytes into lines and interprets each one
func (s *Server) handleData(sess *Session, data []byte) {
	if sess.closing {
		return
	}
	lines, err := sess.inbound.Feed(data)
	for _, line := range lines {
		if sess.closing {
			return
		}
		s.handleLine(sess, line)
	}
	if err != nil && !sess.closing {
		s.disconnect(sess, reasonLineTooLong)
	}
}

// disconnect tears a session down exactly once. The session leaves the
// registry and its connection is closed before any peer is notified.
func (s *Server) disconnect(sess *Session, reason string) {
	if sess.closing {
		return
	}
	sess.closing = true

	sess.Conn.Close()
	s.registry.Remove(sess)
	s.recordCounts()
	s.metrics.RecordDisconnect(s.label, disconnectCause(reason))

	s.logf("[disc] %s: %s", sess.Label(), reason)
	if sess.Authorized && sess.Name != "" {
		s.broadcastControl(protocol.QuitBody(sess.Name))
		s.logf("[system] %s", protocol.LeftServer(sess.Name))
		s.broadcastRoster()
	}
}

// closeAll disconnects every session; the listeners are already closed
func (s *Server) closeAll() {
	for _, sess := range s.registry.All() {
		s.disconnect(sess, reasonShutdown)
	}
}

// tick runs keepalive for every logged-in session
func (s *Server) tick(now time.Time) {
	for _, sess := range s.registry.Authorized() {
		if sess.closing {
			continue
		}

		if now.Sub(sess.lastPingAt) >= s.config.PingInterval {
			if !s.sendControl(sess, protocol.ControlPing) {
				continue
			}
			sess.lastPingAt = now
			if s.config.LogKeepalive {
				s.debugf("TX keepalive PING -> %s", sess.Name)
			}
		}

		silent := now.Sub(sess.lastPongAt)
		if s.config.ClientTimeout > 0 {
			if silent >= s.config.ClientTimeout {
				s.disconnect(sess, timeoutReason(s.config.ClientTimeout))
			}
			continue
		}

		if silent >= AdvisoryTimeout {
			if s.config.LogKeepalive {
				s.debugf("PONG timeout (advisory) for %s (silent %s)", sess.Name, silent.Truncate(time.Second))
			}
			sess.lastPongAt = now
		}
	}
}

func (s *Server) recordCounts() {
	active, authorized := s.registry.Len(), s.registry.CountAuthorized()
	s.activeCount.Store(int64(active))
	s.authorizedCount.Store(int64(authorized))
	s.metrics.RecordSessions(s.label, active, authorized)
}

func (s *Server) logf(format string, args ...any) {
	log.Printf(s.prefix+format, args...)
}

func (s *Server) debugf(format string, args ...any) {
	debugLog.Printf(s.prefix+format, args...)
}

// Disconnect reasons
const (
	reasonEmptyName   = "empty login name"
	reasonBadPassword = "bad password"
	reasonClient      = "client requested disconnect"
	reasonReplaced    = "duplicate name (replaced by new connection)"
	reasonSendFailure = "send failure"
	reasonShutdown    = "server shutdown"
	reasonLineTooLong = "line too long"
	reasonEOF         = "eof"
	reasonReset       = "reset by peer"
)

func timeoutReason(timeout time.Duration) string {
	return fmt.Sprintf("timeout > %ds without PONG", int(timeout/time.Second))
}

func readFailureReason(err error) string {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return reasonEOF
	case errors.Is(err, syscall.ECONNRESET):
		return reasonReset
	default:
		return "read error: " + err.Error()
	}
}

// disconnectCause maps a reason to a bounded metrics label
func disconnectCause(reason string) string {
	switch reason {
	case reasonEmptyName, reasonLineTooLong:
		return "protocol"
	case reasonBadPassword:
		return "password"
	case reasonClient:
		return "client"
	case reasonReplaced:
		return "replaced"
	case reasonSendFailure:
		return "send_failure"
	case reasonShutdown:
		return "shutdown"
	case reasonEOF, reasonReset:
		return "peer_closed"
	}
	if strings.HasPrefix(reason, "timeout") {
		return "timeout"
	}
	return "io"
}
