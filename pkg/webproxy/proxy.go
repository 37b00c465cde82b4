// Package webproxy serves a browser page and bridges each of its websockets
// to one EQBCS line-protocol connection. The browser exchanges JSON with the
// proxy; the proxy speaks the plain wire protocol to the server.
package webproxy

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rbraunm/eqbcs/pkg/client"
	"github.com/rbraunm/eqbcs/pkg/protocol"
)

const (
	// Time allowed to write a message to the browser.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the browser.
	pongWait = 60 * time.Second

	// Send pings to the browser with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from the browser.
	maxMessageSize = 8192

	sendBuffer = 256
)

//go:embed index.html
var indexHTML []byte

// Browser to proxy message types
const (
	TypeLogin = "login"
	TypeCmd   = "cmd"
	TypeArm   = "arm"
	TypeLine  = "line"
)

// Proxy to browser message types
const (
	TypeRoster = "roster"
	TypeStatus = "status"
)

// Inbound is a message from the browser
type Inbound struct {
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password,omitempty"`
	Cmd      string `json:"cmd,omitempty"`
	Arg      string `json:"arg,omitempty"`
	Text     string `json:"text,omitempty"`
}

// LineMessage carries one raw server line, or a proxy notice
type LineMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// RosterMessage carries the names from an NBCLIENTLIST line
type RosterMessage struct {
	Type  string   `json:"type"`
	Names []string `json:"names"`
}

// StatusMessage describes the upstream connection state
type StatusMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

func lineMessage(text string) LineMessage {
	return LineMessage{Type: TypeLine, Text: text}
}

func statusMessage(status string) StatusMessage {
	return StatusMessage{Type: TypeStatus, Status: status}
}

// Config configures a Proxy
type Config struct {
	// Upstream is the default EQBCS server, "host:port"
	Upstream string

	// AllowUpstreamOverride lets the websocket URL pick the server with
	// ?host=...&port=...
	AllowUpstreamOverride bool

	DialTimeout time.Duration
	Logger      *log.Logger
}

// Proxy serves the page and the /ws endpoint
type Proxy struct {
	config   Config
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	active map[*bridge]struct{}
}

// New creates a Proxy
func New(config Config) *Proxy {
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = client.DefaultDialTimeout
	}
	return &Proxy{
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		active: make(map[*bridge]struct{}),
	}
}

// Handler routes "/" to the page and "/ws" to the bridge
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", p.serveIndex)
	mux.HandleFunc("/ws", p.ServeWS)
	return mux
}

func (p *Proxy) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// Active reports the number of open browser sessions
func (p *Proxy) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// CloseAll ends every open browser session
func (p *Proxy) CloseAll() {
	p.mu.Lock()
	bridges := make([]*bridge, 0, len(p.active))
	for b := range p.active {
		bridges = append(bridges, b)
	}
	p.mu.Unlock()

	for _, b := range bridges {
		b.close()
	}
}

// ServeWS upgrades the request and runs one bridge until the browser leaves
func (p *Proxy) ServeWS(w http.ResponseWriter, r *http.Request) {
	upstream, err := p.upstreamFor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Printf("[web] upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	b := &bridge{
		proxy:    p,
		ws:       conn,
		upstream: upstream,
		send:     make(chan any, sendBuffer),
		done:     make(chan struct{}),
	}

	p.mu.Lock()
	p.active[b] = struct{}{}
	p.mu.Unlock()
	p.logger.Printf("[web] %s connected (upstream %s)", r.RemoteAddr, upstream)

	go b.writePump()
	b.readPump()

	p.mu.Lock()
	delete(p.active, b)
	p.mu.Unlock()
	p.logger.Printf("[web] %s disconnected", r.RemoteAddr)
}

func (p *Proxy) upstreamFor(r *http.Request) (string, error) {
	if !p.config.AllowUpstreamOverride {
		return p.config.Upstream, nil
	}
	host, port, err := net.SplitHostPort(p.config.Upstream)
	if err != nil {
		return "", err
	}
	q := r.URL.Query()
	if h := q.Get("host"); h != "" {
		host = h
	}
	if v := q.Get("port"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			return "", errors.New("invalid port")
		}
		port = v
	}
	return net.JoinHostPort(host, port), nil
}

// bridge joins one websocket to at most one upstream connection at a time
type bridge struct {
	proxy    *Proxy
	ws       *websocket.Conn
	upstream string

	send      chan any
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	conn *client.Connection
}

// readPump handles browser messages until the websocket closes
func (b *bridge) readPump() {
	defer b.close()

	b.ws.SetReadLimit(maxMessageSize)
	b.ws.SetReadDeadline(time.Now().Add(pongWait))
	b.ws.SetPongHandler(func(string) error {
		return b.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := b.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.proxy.logger.Printf("[web] read error: %v", err)
			}
			return
		}

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			b.enqueue(lineMessage("-- invalid json from frontend"))
			continue
		}
		b.handle(msg)
	}
}

// writePump is the only writer of the websocket
func (b *bridge) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		b.ws.Close()
	}()

	for {
		select {
		case msg := <-b.send:
			data, err := json.Marshal(msg)
			if err != nil {
				b.proxy.logger.Printf("[web] marshal failed: %v", err)
				continue
			}
			b.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				b.close()
				return
			}
		case <-ticker.C:
			b.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.close()
				return
			}
		case <-b.done:
			b.ws.SetWriteDeadline(time.Now().Add(writeWait))
			b.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (b *bridge) handle(msg Inbound) {
	switch msg.Type {
	case TypeLogin:
		b.login(msg.Name, msg.Password)
	case TypeCmd:
		b.write(protocol.CommandLine(msg.Cmd, msg.Arg))
	case TypeArm:
		b.write(protocol.CommandLine(msg.Cmd, ""))
	case TypeLine:
		b.write(msg.Text)
	default:
		b.enqueue(lineMessage("-- unknown frontend message type"))
	}
}

// login replaces any current upstream connection with a new one and sends
// the LOGIN line on it.
func (b *bridge) login(name, password string) {
	b.dropUpstream()

	ctx, cancel := context.WithTimeout(context.Background(), b.proxy.config.DialTimeout)
	conn, err := client.Dial(ctx, b.upstream)
	cancel()
	if err != nil {
		b.enqueue(lineMessage("-- tcp connect failed: " + err.Error()))
		return
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	go b.relay(conn)

	if err := conn.Login(name, password); err != nil {
		b.enqueue(lineMessage("-- send failed: " + err.Error()))
		return
	}
	b.enqueue(statusMessage("Connected to server (login sent)"))
}

// relay forwards server lines to the browser, pulling roster updates out
// of NBCLIENTLIST lines. A connection replaced by a later login ends
// without reporting anything.
func (b *bridge) relay(conn *client.Connection) {
	var readErr error
	for {
		line, err := conn.ReadLine()
		if err != nil {
			readErr = err
			break
		}
		if names, ok := protocol.ParseClientList(line); ok {
			if names == nil {
				names = []string{}
			}
			b.enqueue(RosterMessage{Type: TypeRoster, Names: names})
		}
		b.enqueue(lineMessage(line))
	}

	b.mu.Lock()
	current := b.conn == conn
	if current {
		b.conn = nil
	}
	b.mu.Unlock()
	if !current {
		return
	}
	conn.Close()

	if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, net.ErrClosed) {
		b.enqueue(lineMessage("-- proxy recv error: " + readErr.Error()))
	}
	b.enqueue(statusMessage("Disconnected from server"))
}

// write sends one line upstream. Embedded line breaks would split the
// line on the wire, so they become spaces.
func (b *bridge) write(line string) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		b.enqueue(lineMessage("-- not connected to server"))
		return
	}
	line = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(line)
	if err := conn.SendLine(line); err != nil {
		b.enqueue(lineMessage("-- not connected to server"))
	}
}

func (b *bridge) enqueue(msg any) {
	select {
	case b.send <- msg:
	case <-b.done:
	}
}

func (b *bridge) dropUpstream() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (b *bridge) close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.dropUpstream()
	})
}
