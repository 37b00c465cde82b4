package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn records everything the server writes to it
type fakeConn struct {
	mu         sync.Mutex
	out        bytes.Buffer
	closed     bool
	failWrites bool
	addr       net.Addr
}

var errFakeWrite = errors.New("fake write failure")

func newFakeConn(port int) *fakeConn {
	return &fakeConn{addr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: port}}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	return 0, io.EOF
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.failWrites {
		return 0, errFakeWrite
	}
	return c.out.Write(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return c.addr
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// take returns the lines written since the last call, without terminators
func (c *fakeConn) take() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := c.out.String()
	c.out.Reset()
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

// harness drives a Server's loop methods directly from the test goroutine,
// standing in for the event loop, with a manual clock.
type harness struct {
	t     tester
	srv   *Server
	clock time.Time
	ports int
}

// tester is satisfied by both *testing.T and *rapid.T
type tester interface {
	require.TestingT
	Helper()
}

func newHarness(t tester, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Port = 2112
	cfg.WriteTimeout = 0
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		t:     t,
		srv:   NewServer(cfg, nil),
		clock: time.Unix(1_700_000_000, 0),
		ports: 40000,
	}
	h.srv.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

// connect registers a new connection that has not logged in
func (h *harness) connect() (*Session, *fakeConn) {
	h.t.Helper()
	h.ports++
	fc := newFakeConn(h.ports)
	sess := h.srv.accept(fc, "tcp")
	require.NotNil(h.t, sess, "connection refused")
	return sess, fc
}

// send feeds complete lines from sess
func (h *harness) send(sess *Session, lines ...string) {
	for _, line := range lines {
		h.srv.handleData(sess, []byte(line+"\n"))
	}
}

// login connects and logs in name, then discards the login traffic of
// every connection passed in others.
func (h *harness) login(name string, others ...*fakeConn) (*Session, *fakeConn) {
	h.t.Helper()
	sess, fc := h.connect()
	h.send(sess, fmt.Sprintf("LOGIN=%s;", name))
	require.True(h.t, sess.Authorized, "login of %s failed", name)
	fc.take()
	for _, o := range others {
		o.take()
	}
	return sess, fc
}
