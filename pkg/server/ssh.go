package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH listener when an SSH port is configured.
// SSH carries the same line protocol as TCP: identity and password still
// come from the LOGIN line, so the handshake itself does not authenticate.
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		return nil
	}

	hostKey, err := loadOrGenerateHostKey(s.config.SSHHostKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: "SSH-2.0-EQBCS",
	}
	config.AddHostKey(hostKey)

	addr := net.JoinHostPort(s.config.Bind, fmt.Sprint(s.config.SSHPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener

	s.logf("SSH listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)

	return nil
}

// SSHAddr returns the bound SSH address, or nil when SSH is disabled
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
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
				errorLog.Printf("%sSSH accept error: %v", s.prefix, err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection performs the handshake and turns every session
// channel into an EQBCS connection.
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.debugf("SSH handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()

	// Discard global out-of-band requests
	go ssh.DiscardRequests(reqs)

	// Closing the connection on shutdown ends chans
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-done:
		}
	}()

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.debugf("Could not accept SSH channel: %v", err)
			continue
		}
		go handleSSHChannelRequests(requests)

		wrapped := &sshChannelConn{Channel: channel, conn: sshConn, remote: sshConn.RemoteAddr()}
		if !s.post(event{kind: evAccept, conn: wrapped, transport: "ssh"}) {
			channel.Close()
			return
		}
	}
}

// handleSSHChannelRequests acks what an interactive client asks for before
// it starts typing; exec and subsystem requests are refused.
func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		ok := interactiveRequests[req.Type]
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

var interactiveRequests = map[string]bool{
	"shell":         true,
	"pty-req":       true,
	"env":           true,
	"window-change": true,
}

// sshChannelConn is a session channel seen as a Conn. A channel write
// blocked on the peer's window cannot be interrupted by closing the channel,
// so a write that outlives its deadline closes the whole SSH connection.
type sshChannelConn struct {
	ssh.Channel
	conn   ssh.Conn
	remote net.Addr

	mu       sync.Mutex
	deadline time.Time
}

func (c *sshChannelConn) RemoteAddr() net.Addr { return c.remote }

// SetWriteDeadline bounds later writes; the zero time removes the bound.
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()
	if deadline.IsZero() {
		return c.Channel.Write(b)
	}

	wait := time.Until(deadline)
	if wait <= 0 {
		return 0, os.ErrDeadlineExceeded
	}
	var expired atomic.Bool
	timer := time.AfterFunc(wait, func() {
		expired.Store(true)
		c.conn.Close()
	})
	n, err := c.Channel.Write(b)
	timer.Stop()
	if expired.Load() {
		return n, os.ErrDeadlineExceeded
	}
	return n, err
}

// loadOrGenerateHostKey reads the OpenSSH-format host key at keyPath. A
// missing file gets a fresh ed25519 key, written with 0600 permissions.
func loadOrGenerateHostKey(keyPath string) (ssh.Signer, error) {
	keyPath, err := expandHome(keyPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [ssh].host_key or disable SSH with [ssh].port = 0")
	}

	pemBytes, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		if pemBytes, err = generateHostKey(keyPath); err != nil {
			return nil, err
		}
		log.Printf("Generated SSH host key %s", keyPath)
	default:
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host key %s: %w", keyPath, err)
	}
	return signer, nil
}

func generateHostKey(keyPath string) ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "eqbcs host key")
	if err != nil {
		return nil, fmt.Errorf("failed to encode host key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(block)

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}
	return pemBytes, nil
}
