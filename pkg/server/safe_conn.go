package server

import (
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is the transport under a session: a TCP connection or an SSH
// session channel.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// SafeConn wraps a Conn with write synchronization and a per-write
// deadline. Writes are synchronous: a line is either fully handed to the
// kernel within the deadline or the write fails.
type SafeConn struct {
	conn         Conn
	writeTimeout time.Duration
	mu           sync.Mutex // Protects writes to conn
	closeOnce    sync.Once
	closeErr     error
}

// NewSafeConn wraps conn. A writeTimeout of 0 disables the deadline. A
// transport without deadline support is closed when a write overruns it.
func NewSafeConn(conn Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// WriteLine writes one encoded line
func (sc *SafeConn) WriteLine(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.writeTimeout <= 0 {
		_, err := sc.conn.Write(data)
		return err
	}
	if d, ok := sc.conn.(writeDeadliner); ok {
		if err := d.SetWriteDeadline(time.Now().Add(sc.writeTimeout)); err != nil {
			return err
		}
		_, err := sc.conn.Write(data)
		return err
	}

	var expired atomic.Bool
	timer := time.AfterFunc(sc.writeTimeout, func() {
		expired.Store(true)
		sc.Close()
	})
	_, err := sc.conn.Write(data)
	timer.Stop()
	if expired.Load() {
		return os.ErrDeadlineExceeded
	}
	return err
}

// Read reads from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) Read(p []byte) (int, error) {
	return sc.conn.Read(p)
}

// Close closes the underlying connection; repeated calls return the first result
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
