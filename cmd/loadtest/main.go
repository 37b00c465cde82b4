// Command loadtest connects many EQBCS clients to a server and measures
// broadcast delivery: every client sends timestamped MSGALL lines and every
// client times the ones it receives.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/rbraunm/eqbcs/pkg/client"
	"github.com/rbraunm/eqbcs/pkg/protocol"
)

// probePrefix marks load test payloads so other chatter is ignored
const probePrefix = "lt "

// Stats tracks load test counters
type Stats struct {
	sent             atomic.Int64
	received         atomic.Int64
	sendFailures     atomic.Int64
	connectionErrors atomic.Int64
	disconnections   atomic.Int64
	totalLatencyUs   atomic.Int64
	maxLatencyUs     atomic.Int64
}

func (s *Stats) recordLatency(us int64) {
	s.received.Add(1)
	s.totalLatencyUs.Add(us)
	for {
		cur := s.maxLatencyUs.Load()
		if us <= cur || s.maxLatencyUs.CompareAndSwap(cur, us) {
			return
		}
	}
}

func (s *Stats) snapshot() (sent, received, failed, connErrors int64, avgUs float64, maxUs int64) {
	sent = s.sent.Load()
	received = s.received.Load()
	failed = s.sendFailures.Load()
	connErrors = s.connectionErrors.Load()
	if received > 0 {
		avgUs = float64(s.totalLatencyUs.Load()) / float64(received)
	}
	return sent, received, failed, connErrors, avgUs, s.maxLatencyUs.Load()
}

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

// probeLine builds a payload carrying its send time
func probeLine(now time.Time) string {
	return probePrefix + strconv.FormatInt(now.UnixNano(), 10)
}

// parseProbe extracts the send time from a delivered MSGALL line
// ("<sender> lt <nanos>").
func parseProbe(line string) (time.Time, bool) {
	if !strings.HasPrefix(line, "<") {
		return time.Time{}, false
	}
	_, body, ok := strings.Cut(line, "> ")
	if !ok {
		return time.Time{}, false
	}
	rest, ok := strings.CutPrefix(body, probePrefix)
	if !ok {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// BotClient is one simulated plugin
type BotClient struct {
	id    int
	name  string
	conn  *client.Connection
	stats *Stats
}

func newBotClient(ctx context.Context, id int, addr, password string, stats *Stats) (*BotClient, error) {
	conn, err := client.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	bc := &BotClient{id: id, name: fmt.Sprintf("Bot%04d", id), conn: conn, stats: stats}
	if err := conn.Login(bc.name, password); err != nil {
		conn.Close()
		return nil, fmt.Errorf("login: %w", err)
	}
	return bc, nil
}

// receive times probe lines until the connection closes, answering PING
func (bc *BotClient) receive() {
	for {
		line, err := bc.conn.ReadLine()
		if err != nil {
			return
		}
		if line == protocol.ControlPrefix+protocol.ControlPing {
			bc.conn.Command(protocol.CmdPong, "")
			continue
		}
		if sent, ok := parseProbe(line); ok {
			bc.stats.recordLatency(time.Since(sent).Microseconds())
		}
	}
}

// Run sends probes until ctx is done or duration has elapsed
func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay time.Duration) {
	defer func() {
		bc.conn.Command(protocol.CmdDisconnect, "")
		time.Sleep(100 * time.Millisecond)
		bc.conn.Close()
	}()

	go bc.receive()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.conn.Send(protocol.CmdMsgAll, probeLine(time.Now())); err != nil {
			bc.stats.sendFailures.Add(1)
			bc.stats.disconnections.Add(1)
			log.Printf("[Bot %d] send failed: %v", bc.id, err)
			return
		}
		bc.stats.sent.Add(1)

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	serverAddr := flag.String("server", "localhost:2112", "Server address (host:port)")
	password := flag.String("password", "", "Login password")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", time.Second, "Maximum delay between messages")
	flag.Parse()

	if *numClients < 1 {
		fmt.Fprintln(os.Stderr, "--clients must be at least 1")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	stats := &Stats{}
	startTime := time.Now()
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, received, failed, connErrors, avgUs, maxUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d delivered, %d failed, %d conn errors, latency avg %.2fms max %.2fms, load %.2f, goroutines %d",
					sent, float64(sent)/elapsed, received, failed, connErrors,
					avgUs/1000, float64(maxUs)/1000, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < *numClients; i++ {
		select {
		case <-ctx.Done():
		case <-time.After(staggerDelay):
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			bot, err := newBotClient(ctx, id, *serverAddr, *password, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				log.Printf("[Bot %d] connect failed: %v", id, err)
				return
			}
			// Later clients run shorter so all finish together
			remaining := *duration - time.Since(startTime)
			bot.Run(ctx, remaining, *minDelay, *maxDelay)
		}(i + 1)
	}

	wg.Wait()
	close(stopStats)

	sent, received, failed, connErrors, avgUs, maxUs := stats.snapshot()
	log.Printf("Final: %d sent, %d delivered, %d failed, %d conn errors, %d disconnections, latency avg %.2fms max %.2fms",
		sent, received, failed, connErrors, stats.disconnections.Load(), avgUs/1000, float64(maxUs)/1000)
}
