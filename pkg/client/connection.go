// Package client is a minimal EQBCS line-protocol client. It speaks the
// same wire format as the MacroQuest plugins: a LOGIN line, tab-prefixed
// commands, and payload lines armed by the command before them.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rbraunm/eqbcs/pkg/protocol"
)

// ErrNotConnected is returned by every write after Close
var ErrNotConnected = errors.New("not connected")

// DefaultDialTimeout bounds Dial when the context carries no deadline
const DefaultDialTimeout = 5 * time.Second

// Connection is one client connection to an EQBCS server. Writes are
// serialized; ReadLine must be called from a single goroutine.
type Connection struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader

	sendMu sync.Mutex
	mu     sync.RWMutex
	closed bool
}

// Dial connects to addr ("host:port")
func Dial(ctx context.Context, addr string) (*Connection, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s failed: %w", addr, err)
	}

	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	return &Connection{
		addr:   addr,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 4096),
	}, nil
}

// Addr returns the server address this connection was dialed with
func (c *Connection) Addr() string {
	return c.addr
}

// Login sends the LOGIN line. An empty password selects the password-less form.
func (c *Connection) Login(name, password string) error {
	return c.SendLine(protocol.LoginLine(name, password))
}

// Command sends a tab-prefixed command with an optional argument
func (c *Connection) Command(token, arg string) error {
	return c.SendLine(protocol.CommandLine(token, arg))
}

// Arm sends a payload command (MSGALL, NBMSG, TELL, CHANNELS, BCI); the
// next line sent is its payload.
func (c *Connection) Arm(token string) error {
	return c.Command(token, "")
}

// Send arms token and sends payload as the following line
func (c *Connection) Send(token, payload string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.writeLocked(protocol.CommandLine(token, "")); err != nil {
		return err
	}
	return c.writeLocked(payload)
}

// SendLine writes one line verbatim, adding the terminator
func (c *Connection) SendLine(line string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.writeLocked(line)
}

func (c *Connection) writeLocked(line string) error {
	if c.isClosed() {
		return ErrNotConnected
	}
	if _, err := c.conn.Write(protocol.EncodeLine(line)); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// ReadLine blocks for the next line from the server, without its
// terminator. It returns io.EOF once the server hangs up.
func (c *Connection) ReadLine() (string, error) {
	raw, err := c.reader.ReadBytes('\n')
	if err != nil {
		if len(raw) > 0 && errors.Is(err, io.EOF) {
			// Unterminated trailing data is still a line
			return protocol.DecodeLine(trimEOL(raw)), nil
		}
		if c.isClosed() {
			return "", io.EOF
		}
		return "", err
	}
	return protocol.DecodeLine(trimEOL(raw)), nil
}

// SetReadDeadline bounds the next ReadLine calls
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the connection; it is safe to call more than once
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func trimEOL(raw []byte) []byte {
	n := len(raw)
	if n > 0 && raw[n-1] == '\n' {
		n--
	}
	if n > 0 && raw[n-1] == '\r' {
		n--
	}
	return raw[:n]
}
