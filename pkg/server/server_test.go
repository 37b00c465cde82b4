package server

import (
	"bufio"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const lineTimeout = 2 * time.Second

// lineClient reads newline-terminated lines from a server over any transport
type lineClient struct {
	w         io.Writer
	closer    func()
	lines     chan string
	closeOnce sync.Once
}

func newLineClient(rw io.ReadWriter, closer func()) *lineClient {
	c := &lineClient{w: rw, closer: closer, lines: make(chan string, 64)}
	go func() {
		defer close(c.lines)
		scanner := bufio.NewScanner(rw)
		for scanner.Scan() {
			c.lines <- scanner.Text()
		}
	}()
	return c
}

func dialTCP(t *testing.T, addr string) *lineClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, lineTimeout)
	require.NoError(t, err)
	c := newLineClient(conn, func() { conn.Close() })
	t.Cleanup(c.close)
	return c
}

func dialSSH(t *testing.T, addr string) *lineClient {
	t.Helper()
	config := &ssh.ClientConfig{
		User:            "eqbc",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         lineTimeout,
	}
	client, err := ssh.Dial("tcp", addr, config)
	require.NoError(t, err)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		t.Fatalf("SSH open channel: %v", err)
	}
	go ssh.DiscardRequests(requests)

	c := newLineClient(channel, func() {
		channel.Close()
		client.Close()
	})
	t.Cleanup(c.close)
	return c
}

func (c *lineClient) send(t *testing.T, lines ...string) {
	t.Helper()
	for _, line := range lines {
		_, err := io.WriteString(c.w, line+"\n")
		require.NoError(t, err)
	}
}

func (c *lineClient) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got, ok := <-c.lines:
		require.True(t, ok, "connection closed while waiting for %q", want)
		assert.Equal(t, want, got)
	case <-time.After(lineTimeout):
		t.Fatalf("timed out waiting for %q", want)
	}
}

// expectClosed waits for the server to hang up, failing on any further line
func (c *lineClient) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case got, ok := <-c.lines:
		require.False(t, ok, "unexpected line %q", got)
	case <-time.After(lineTimeout):
		t.Fatal("timed out waiting for the server to close the connection")
	}
}

func (c *lineClient) close() {
	c.closeOnce.Do(c.closer)
}

// startTestServer starts an instance on loopback with an SSH listener on an
// ephemeral port.
func startTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Bind = "127.0.0.1"
	cfg.Port = 0
	cfg.SSHHostKeyPath = filepath.Join(t.TempDir(), "ssh_host_key")
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewServer(cfg, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	hostKey, err := loadOrGenerateHostKey(cfg.SSHHostKeyPath)
	require.NoError(t, err)
	sshConfig := &ssh.ServerConfig{NoClientAuth: true, ServerVersion: "SSH-2.0-EQBCS"}
	sshConfig.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.sshListener = listener
	srv.wg.Add(1)
	go srv.acceptSSHLoop(listener, sshConfig)

	return srv
}

func TestServerRelaysOverTCPAndSSH(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTCP(t, srv.Addr().String())
	alice.send(t, "LOGIN=Alice;")
	alice.expect(t, "\tNBCLIENTLIST=Alice")
	alice.expect(t, "\tNBCLIENTLIST=Alice")

	bob := dialSSH(t, srv.SSHAddr().String())
	bob.send(t, "LOGIN=Bob;")
	bob.expect(t, "\tNBCLIENTLIST=Alice Bob")
	bob.expect(t, "\tNBCLIENTLIST=Alice Bob")
	alice.expect(t, "\tNBJOIN=Bob")
	alice.expect(t, "\tNBCLIENTLIST=Alice Bob")

	alice.send(t, "\tMSGALL", "hello over tcp")
	bob.expect(t, "<Alice> hello over tcp")

	bob.send(t, "\tTELL", "alice hello over ssh")
	alice.expect(t, "[Bob] hello over ssh")

	bob.send(t, "\tNBMSG", "[NB]|hp=90")
	alice.expect(t, "\tNBPKT:Bob:[NB]|hp=90")

	bob.close()
	alice.expect(t, "\tNBQUIT=Bob")
	alice.expect(t, "\tNBCLIENTLIST=Alice")

	assert.Eventually(t, func() bool { return srv.Stats().Sessions == 1 }, lineTimeout, 10*time.Millisecond)
	assert.Equal(t, 1, srv.Stats().Authorized)
}

func TestStalledSSHReaderIsDisconnected(t *testing.T) {
	srv := startTestServer(t, func(c *Config) {
		c.WriteTimeout = 200 * time.Millisecond
	})

	alice := dialTCP(t, srv.Addr().String())
	alice.send(t, "LOGIN=Alice;")
	alice.expect(t, "\tNBCLIENTLIST=Alice")

	// Logs in over SSH, then never reads
	client, err := ssh.Dial("tcp", srv.SSHAddr().String(), &ssh.ClientConfig{
		User:            "eqbc",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         lineTimeout,
	})
	require.NoError(t, err)
	defer client.Close()
	channel, requests, err := client.OpenChannel("session", nil)
	require.NoError(t, err)
	go ssh.DiscardRequests(requests)
	_, err = io.WriteString(channel, "LOGIN=Stall;\n")
	require.NoError(t, err)

	alice.expect(t, "\tNBJOIN=Stall")
	alice.expect(t, "\tNBCLIENTLIST=Alice Stall")

	// Far more than the SSH channel window
	chunk := strings.Repeat("x", 60*1024)
	for i := 0; i < 60; i++ {
		alice.send(t, chunk)
	}

	alice.expect(t, "\tNBQUIT=Stall")
	alice.expect(t, "\tNBCLIENTLIST=Alice")

	carol := dialTCP(t, srv.Addr().String())
	carol.send(t, "LOGIN=Carol;")
	carol.expect(t, "\tNBCLIENTLIST=Alice Carol")
}

func TestServerRejectsBadPassword(t *testing.T) {
	srv := startTestServer(t, func(c *Config) { c.Password = "raidnight" })

	intruder := dialTCP(t, srv.Addr().String())
	intruder.send(t, "LOGIN:guess=Mallory;")
	intruder.expectClosed(t)

	member := dialTCP(t, srv.Addr().String())
	member.send(t, "LOGIN:raidnight=Alice;")
	member.expect(t, "\tNBCLIENTLIST=Alice")
}

func TestServerFullOverTCP(t *testing.T) {
	srv := startTestServer(t, func(c *Config) { c.MaxClients = 1 })

	first := dialTCP(t, srv.Addr().String())
	first.send(t, "LOGIN=Alice;")
	first.expect(t, "\tNBCLIENTLIST=Alice")

	second := dialTCP(t, srv.Addr().String())
	second.expect(t, "-- Server full.")
	second.expectClosed(t)
}

func TestStopDisconnectsEveryone(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTCP(t, srv.Addr().String())
	alice.send(t, "LOGIN=Alice;")
	alice.expect(t, "\tNBCLIENTLIST=Alice")
	alice.expect(t, "\tNBCLIENTLIST=Alice")

	require.NoError(t, srv.Stop())
	alice.expectClosed(t)

	assert.ErrorIs(t, srv.Start(), ErrServerClosed)
	require.NoError(t, srv.Stop(), "Stop is idempotent")
}

func TestStopWithoutStart(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil)
	assert.NoError(t, srv.Stop())
}

func TestStartFailsOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := DefaultConfig()
	cfg.Bind = "127.0.0.1"
	cfg.Port = busy.Addr().(*net.TCPAddr).Port
	srv := NewServer(cfg, nil)

	err = srv.Start()
	assert.ErrorContains(t, err, "failed to listen")
	assert.Nil(t, srv.Addr())
	assert.NoError(t, srv.Stop())
}

func TestHostKeyPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host_key")

	first, err := loadOrGenerateHostKey(path)
	require.NoError(t, err)
	second, err := loadOrGenerateHostKey(path)
	require.NoError(t, err)

	assert.Equal(t, first.PublicKey().Marshal(), second.PublicKey().Marshal())
}
