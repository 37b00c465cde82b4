// Package health probes EQBCS instance ports the way a container
// healthcheck does: a plain TCP connect and close, with one quick retry for
// an instance that is still binding.
package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// ConnectTimeout bounds each connect attempt
	ConnectTimeout = 500 * time.Millisecond

	// RetryDelay separates the first attempt from the retry
	RetryDelay = 200 * time.Millisecond
)

// Prober checks that ports accept TCP connections
type Prober struct {
	Host       string
	Timeout    time.Duration
	RetryDelay time.Duration
	Retries    int

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewProber returns a prober for host with the standard timings
func NewProber(host string) *Prober {
	var d net.Dialer
	return &Prober{
		Host:       host,
		Timeout:    ConnectTimeout,
		RetryDelay: RetryDelay,
		Retries:    1,
		dial:       d.DialContext,
	}
}

// Listening reports whether port accepts a connection within the retry budget
func (p *Prober) Listening(ctx context.Context, port int) bool {
	addr := net.JoinHostPort(p.Host, strconv.Itoa(port))
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.RetryDelay):
			case <-ctx.Done():
				return false
			}
		}
		if p.try(ctx, addr) {
			return true
		}
	}
	return false
}

func (p *Prober) try(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Check probes every port and returns the ones not listening, in order
func (p *Prober) Check(ctx context.Context, ports []int) []int {
	var down []int
	for _, port := range ports {
		if !p.Listening(ctx, port) {
			down = append(down, port)
		}
	}
	return down
}

// UnhealthyError lists the ports that failed a check
type UnhealthyError struct {
	Ports []int
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("unhealthy: not listening on ports %v", e.Ports)
}

// Run checks ports and returns an *UnhealthyError if any is down
func (p *Prober) Run(ctx context.Context, ports []int) error {
	if down := p.Check(ctx, ports); len(down) > 0 {
		return &UnhealthyError{Ports: down}
	}
	return nil
}
