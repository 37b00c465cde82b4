package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbraunm/eqbcs/pkg/protocol"
	"github.com/rbraunm/eqbcs/pkg/server"
)

// recordingServer accepts one connection and reports every line it reads
func recordingServer(t *testing.T) (addr string, lines <-chan string, conns <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan string, 16)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(out)
			return
		}
		accepted <- conn
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			out <- scanner.Text()
		}
		close(out)
	}()
	return ln.Addr().String(), out, accepted
}

func next(t *testing.T, lines <-chan string) string {
	t.Helper()
	select {
	case line := <-lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line")
		return ""
	}
}

func TestWireFormat(t *testing.T) {
	addr, lines, _ := recordingServer(t)

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, addr, c.Addr())

	require.NoError(t, c.Login("Alice", ""))
	require.NoError(t, c.Login("Alice", "pw"))
	require.NoError(t, c.Command(protocol.CmdLocalEcho, "1"))
	require.NoError(t, c.Arm(protocol.CmdNBMsg))
	require.NoError(t, c.Send(protocol.CmdTell, "Bob hi"))
	require.NoError(t, c.SendLine("plain"))

	assert.Equal(t, "LOGIN=Alice;", next(t, lines))
	assert.Equal(t, "LOGIN:pw=Alice;", next(t, lines))
	assert.Equal(t, "\tLOCALECHO 1", next(t, lines))
	assert.Equal(t, "\tNBMSG", next(t, lines))
	assert.Equal(t, "\tTELL", next(t, lines))
	assert.Equal(t, "Bob hi", next(t, lines))
	assert.Equal(t, "plain", next(t, lines))
}

func TestReadLine(t *testing.T) {
	addr, _, conns := recordingServer(t)

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	var srv net.Conn
	select {
	case srv = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}
	_, err = srv.Write([]byte("\tPING\r\nhello\nbad \xff byte\ntrailing"))
	require.NoError(t, err)
	srv.Close()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for _, want := range []string{"\tPING", "hello", "bad � byte", "trailing"} {
		got, err := c.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = c.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWritesAfterClose(t *testing.T) {
	addr, _, _ := recordingServer(t)

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.SendLine("x"), ErrNotConnected)
	assert.ErrorIs(t, c.Send(protocol.CmdMsgAll, "x"), ErrNotConnected)
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr)
	assert.ErrorContains(t, err, "dial "+addr)
}

func TestAgainstServer(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Bind = "127.0.0.1"
	cfg.Port = 0
	srv := server.NewServer(cfg, nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	deadline := time.Now().Add(2 * time.Second)

	alice, err := Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer alice.Close()
	require.NoError(t, alice.SetReadDeadline(deadline))
	require.NoError(t, alice.Login("Alice", ""))

	// Private roster, then the broadcast one
	for i := 0; i < 2; i++ {
		got, err := alice.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, "\tNBCLIENTLIST=Alice", got)
	}

	bob, err := Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer bob.Close()
	require.NoError(t, bob.SetReadDeadline(deadline))
	require.NoError(t, bob.Login("Bob", ""))

	for _, w := range []string{"\tNBJOIN=Bob", "\tNBCLIENTLIST=Alice Bob"} {
		got, err := alice.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, w, got)
	}
	for i := 0; i < 2; i++ {
		got, err := bob.ReadLine()
		require.NoError(t, err)
		names, ok := protocol.ParseClientList(got)
		require.True(t, ok)
		assert.Equal(t, []string{"Alice", "Bob"}, names)
	}

	require.NoError(t, bob.Send(protocol.CmdBCI, "Alice assist"))
	got, err := alice.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "{Bob} assist", got)
}
