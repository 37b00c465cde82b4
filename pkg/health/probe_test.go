package health

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestRunHealthy(t *testing.T) {
	p := NewProber("127.0.0.1")
	assert.NoError(t, p.Run(context.Background(), []int{listen(t), listen(t)}))
}

func TestRunReportsDownPorts(t *testing.T) {
	up := listen(t)
	down := closedPort(t)

	p := NewProber("127.0.0.1")
	p.RetryDelay = time.Millisecond

	err := p.Run(context.Background(), []int{up, down})
	var unhealthy *UnhealthyError
	require.ErrorAs(t, err, &unhealthy)
	assert.Equal(t, []int{down}, unhealthy.Ports)
	assert.Contains(t, err.Error(), "not listening on ports")
}

func TestRetrySucceedsSecondTime(t *testing.T) {
	attempts := 0
	p := NewProber("127.0.0.1")
	p.RetryDelay = time.Millisecond
	p.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	assert.True(t, p.Listening(context.Background(), 2112))
	assert.Equal(t, 2, attempts)
}

func TestNoRetryAfterCancel(t *testing.T) {
	attempts := 0
	p := NewProber("127.0.0.1")
	p.RetryDelay = time.Hour
	p.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		attempts++
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, p.Listening(ctx, 2112))
	assert.Equal(t, 1, attempts)
}
