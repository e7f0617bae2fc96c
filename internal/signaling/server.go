package signaling

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warpshare/warpshare/internal/metrics"
	"github.com/warpshare/warpshare/internal/origin"
	"github.com/warpshare/warpshare/internal/ratelimit"
	"github.com/warpshare/warpshare/internal/session"
)

// Config wires together the runtime dependencies and limits for the
// signaling endpoint.
type Config struct {
	// MaxFrameBytes bounds inbound frames; larger frames close the
	// connection with MESSAGE_TOO_LARGE.
	MaxFrameBytes int64

	// TimestampSkew is the accepted window around server time for envelope
	// timestamps.
	TimestampSkew time.Duration

	// PingInterval/LivenessTimeout implement transport keep-alive. A
	// connection that produces neither data nor pongs within the liveness
	// timeout is treated as disconnected.
	PingInterval    time.Duration
	LivenessTimeout time.Duration

	// SlowPeerStall bounds how long a relay may wait for the recipient's
	// send queue to drain before the session closes with SLOW_PEER.
	SlowPeerStall time.Duration

	// SendQueueFrames/SendQueueBytes bound the per-connection outbound
	// queue.
	SendQueueFrames int
	SendQueueBytes  int

	// MaxConnections caps connections across all remotes. <= 0 disables.
	MaxConnections int

	// AllowedOrigins is the browser origin allow-list; empty means
	// same-host only.
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 1 << 20
	}
	if c.TimestampSkew <= 0 {
		c.TimestampSkew = 5 * time.Minute
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 65 * time.Second
	}
	if c.SlowPeerStall <= 0 {
		c.SlowPeerStall = 30 * time.Second
	}
	if c.SendQueueFrames <= 0 {
		c.SendQueueFrames = 64
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = 1 << 20
	}
	return c
}

// Server accepts WebSocket connections and hands each one to a Peer.
type Server struct {
	cfg      Config
	log      *slog.Logger
	registry *session.Registry
	limiter  *ratelimit.AddrLimiter
	metrics  *metrics.Metrics
	clk      ratelimit.Clock

	upgrader websocket.Upgrader

	conns atomic.Int64
}

func NewServer(cfg Config, registry *session.Registry, limiter *ratelimit.AddrLimiter, m *metrics.Metrics, log *slog.Logger, clk ratelimit.Clock) *Server {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = ratelimit.RealClock{}
	}
	s := &Server{
		cfg:      cfg.withDefaults(),
		log:      log,
		registry: registry,
		limiter:  limiter,
		metrics:  m,
		clk:      clk,
	}
	s.upgrader = websocket.Upgrader{
		// Compression stays disabled for client compatibility.
		EnableCompression: false,
		CheckOrigin:       s.checkOrigin,
	}
	return s
}

func (s *Server) clock() ratelimit.Clock { return s.clk }

// Connections returns the number of live WebSocket connections.
func (s *Server) Connections() int { return int(s.conns.Load()) }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if s.cfg.MaxConnections > 0 && int(s.conns.Load()) >= s.cfg.MaxConnections {
		s.metrics.Inc(metrics.DropReasonTooManyConnections)
		s.metrics.Inc(metrics.ConnectionsRejected)
		http.Error(w, "server at connection capacity", http.StatusServiceUnavailable)
		return
	}

	addr := remoteHost(r)
	if !s.limiter.AddConnection(addr) {
		s.metrics.Inc(metrics.DropReasonRateLimited)
		s.metrics.Inc(metrics.ConnectionsRejected)
		w.Header().Set("Retry-After", "60")
		http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.limiter.RemoveConnection(addr)
		return
	}

	s.conns.Add(1)
	s.metrics.Inc(metrics.ConnectionsAccepted)

	// The handler goroutine is the connection's task; blocking reads here
	// never block other connections.
	newPeer(s, conn, addr).run()
}

func (s *Server) connectionClosed() {
	s.conns.Add(-1)
}

// CloseAll tears down every session and connection; used on shutdown.
func (s *Server) CloseAll() {
	s.registry.CloseAll()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		// Non-browser clients don't send Origin; that is fine.
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(header)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
