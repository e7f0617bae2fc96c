package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/warpshare/warpshare/internal/origin"
)

const (
	EnvListenAddr      = "WARPSHARE_LISTEN_ADDR"
	EnvEndpointPath    = "WARPSHARE_ENDPOINT_PATH"
	EnvMode            = "WARPSHARE_MODE"
	EnvLogFormat       = "WARPSHARE_LOG_FORMAT"
	EnvLogLevel        = "WARPSHARE_LOG_LEVEL"
	EnvShutdownTimeout = "WARPSHARE_SHUTDOWN_TIMEOUT"
	EnvAllowedOrigins  = "ALLOWED_ORIGINS"

	// Session lifecycle knobs.
	EnvSessionTTL    = "SESSION_TTL"
	EnvSweepInterval = "SWEEP_INTERVAL"

	// Wire protocol hardening.
	EnvMaxFrameBytes = "MAX_FRAME_BYTES"
	EnvTimestampSkew = "TIMESTAMP_SKEW"

	// Keep-alive.
	EnvPingInterval    = "PING_INTERVAL"
	EnvLivenessTimeout = "LIVENESS_TIMEOUT"

	// Rate limiting and resource caps.
	EnvMaxSessionCreatesPerHour = "MAX_SESSION_CREATES_PER_HOUR"
	EnvMaxJoinsPerHour          = "MAX_JOINS_PER_HOUR"
	EnvMaxMessagesPerMinute     = "MAX_MESSAGES_PER_MINUTE"
	EnvMaxConnectionsPerIP      = "MAX_CONNECTIONS_PER_IP"
	EnvMaxConnections           = "MAX_CONNECTIONS"
	EnvMaxSessions              = "MAX_SESSIONS"
	EnvSlowPeerStallTimeout     = "SLOW_PEER_STALL_TIMEOUT"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultEndpointPath    = "/ws"
	DefaultShutdown        = 15 * time.Second
	DefaultSessionTTL      = time.Hour
	DefaultSweepInterval   = 5 * time.Minute
	DefaultMaxFrameBytes   = int64(1 << 20)
	DefaultTimestampSkew   = 5 * time.Minute
	DefaultPingInterval    = 30 * time.Second
	DefaultLivenessTimeout = 65 * time.Second
	DefaultSlowPeerStall   = 30 * time.Second

	DefaultMaxSessionCreatesPerHour = 10
	DefaultMaxJoinsPerHour          = 20
	DefaultMaxMessagesPerMinute     = 100
	DefaultMaxConnectionsPerIP      = 5
	DefaultMaxConnections           = 10000

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	EndpointPath    string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	SessionTTL    time.Duration
	SweepInterval time.Duration

	MaxFrameBytes int64
	TimestampSkew time.Duration

	PingInterval    time.Duration
	LivenessTimeout time.Duration

	MaxSessionCreatesPerHour int
	MaxJoinsPerHour          int
	MaxMessagesPerMinute     int
	MaxConnectionsPerIP      int
	MaxConnections           int

	// MaxSessions caps live sessions; 0 means "half the connection cap".
	MaxSessions int

	SlowPeerStall time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(EnvMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(EnvLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(EnvLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, EnvListenAddr, DefaultListenAddr)
	endpointPath := envOrDefault(lookup, EnvEndpointPath, DefaultEndpointPath)
	allowedOriginsStr := envOrDefault(lookup, EnvAllowedOrigins, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	sessionTTL, err := envDurationOrDefault(lookup, EnvSessionTTL, DefaultSessionTTL)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, EnvSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	timestampSkew, err := envDurationOrDefault(lookup, EnvTimestampSkew, DefaultTimestampSkew)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, EnvPingInterval, DefaultPingInterval)
	if err != nil {
		return Config{}, err
	}
	livenessTimeout, err := envDurationOrDefault(lookup, EnvLivenessTimeout, DefaultLivenessTimeout)
	if err != nil {
		return Config{}, err
	}
	slowPeerStall, err := envDurationOrDefault(lookup, EnvSlowPeerStallTimeout, DefaultSlowPeerStall)
	if err != nil {
		return Config{}, err
	}

	maxFrameBytes := DefaultMaxFrameBytes
	if raw, ok := lookup(EnvMaxFrameBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvMaxFrameBytes, raw, err)
		}
		maxFrameBytes = n
	}

	maxCreates, err := envIntOrDefault(lookup, EnvMaxSessionCreatesPerHour, DefaultMaxSessionCreatesPerHour)
	if err != nil {
		return Config{}, err
	}
	maxJoins, err := envIntOrDefault(lookup, EnvMaxJoinsPerHour, DefaultMaxJoinsPerHour)
	if err != nil {
		return Config{}, err
	}
	maxMessages, err := envIntOrDefault(lookup, EnvMaxMessagesPerMinute, DefaultMaxMessagesPerMinute)
	if err != nil {
		return Config{}, err
	}
	maxConnsPerIP, err := envIntOrDefault(lookup, EnvMaxConnectionsPerIP, DefaultMaxConnectionsPerIP)
	if err != nil {
		return Config{}, err
	}
	maxConns, err := envIntOrDefault(lookup, EnvMaxConnections, DefaultMaxConnections)
	if err != nil {
		return Config{}, err
	}
	maxSessions, err := envIntOrDefault(lookup, EnvMaxSessions, 0)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("warpshare-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+EnvListenAddr+")")
	fs.StringVar(&endpointPath, "endpoint-path", endpointPath, "WebSocket endpoint path (env "+EnvEndpointPath+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+EnvAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+EnvShutdownTimeout+")")
	fs.DurationVar(&sessionTTL, "session-ttl", sessionTTL, "Session lifetime from creation (env "+EnvSessionTTL+")")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "Expiry sweeper interval (env "+EnvSweepInterval+")")
	fs.Int64Var(&maxFrameBytes, "max-frame-bytes", maxFrameBytes, "Max inbound frame size in bytes (env "+EnvMaxFrameBytes+")")
	fs.DurationVar(&timestampSkew, "timestamp-skew", timestampSkew, "Accepted envelope timestamp window around server time (env "+EnvTimestampSkew+")")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "Keep-alive ping interval (env "+EnvPingInterval+")")
	fs.DurationVar(&livenessTimeout, "liveness-timeout", livenessTimeout, "Close connections with no reads or pongs for this long (env "+EnvLivenessTimeout+")")
	fs.DurationVar(&slowPeerStall, "slow-peer-stall-timeout", slowPeerStall, "Stall deadline before a non-draining peer's session closes (env "+EnvSlowPeerStallTimeout+")")
	fs.IntVar(&maxCreates, "max-session-creates-per-hour", maxCreates, "Per-address session creations per hour, 0 = unlimited (env "+EnvMaxSessionCreatesPerHour+")")
	fs.IntVar(&maxJoins, "max-joins-per-hour", maxJoins, "Per-address joins per hour, 0 = unlimited (env "+EnvMaxJoinsPerHour+")")
	fs.IntVar(&maxMessages, "max-messages-per-minute", maxMessages, "Per-address inbound messages per minute, 0 = unlimited (env "+EnvMaxMessagesPerMinute+")")
	fs.IntVar(&maxConnsPerIP, "max-connections-per-ip", maxConnsPerIP, "Per-address concurrent connections, 0 = unlimited (env "+EnvMaxConnectionsPerIP+")")
	fs.IntVar(&maxConns, "max-connections", maxConns, "Global concurrent connection cap, 0 = unlimited (env "+EnvMaxConnections+")")
	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Live session cap, 0 = half the connection cap (env "+EnvMaxSessions+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if !strings.HasPrefix(endpointPath, "/") {
		return Config{}, fmt.Errorf("%s/--endpoint-path must start with '/'", EnvEndpointPath)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", EnvShutdownTimeout)
	}
	if sessionTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--session-ttl must be > 0", EnvSessionTTL)
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--sweep-interval must be > 0", EnvSweepInterval)
	}
	if maxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-frame-bytes must be > 0", EnvMaxFrameBytes)
	}
	if timestampSkew <= 0 {
		return Config{}, fmt.Errorf("%s/--timestamp-skew must be > 0", EnvTimestampSkew)
	}
	if pingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ping-interval must be > 0", EnvPingInterval)
	}
	if livenessTimeout <= pingInterval {
		return Config{}, fmt.Errorf("%s/--liveness-timeout must be greater than the ping interval", EnvLivenessTimeout)
	}
	if slowPeerStall <= 0 {
		return Config{}, fmt.Errorf("%s/--slow-peer-stall-timeout must be > 0", EnvSlowPeerStallTimeout)
	}
	if maxCreates < 0 || maxJoins < 0 || maxMessages < 0 || maxConnsPerIP < 0 || maxConns < 0 || maxSessions < 0 {
		return Config{}, fmt.Errorf("rate limits and caps must be >= 0")
	}

	allowedOrigins, ok := origin.ParseAllowList(allowedOriginsStr)
	if !ok {
		return Config{}, fmt.Errorf("%s/--allowed-origins contains an invalid origin (expected full origins like https://example.com)", EnvAllowedOrigins)
	}

	if maxSessions == 0 && maxConns > 0 {
		maxSessions = maxConns / 2
	}

	return Config{
		ListenAddr:      listenAddr,
		EndpointPath:    endpointPath,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		SessionTTL:    sessionTTL,
		SweepInterval: sweepInterval,

		MaxFrameBytes: maxFrameBytes,
		TimestampSkew: timestampSkew,

		PingInterval:    pingInterval,
		LivenessTimeout: livenessTimeout,

		MaxSessionCreatesPerHour: maxCreates,
		MaxJoinsPerHour:          maxJoins,
		MaxMessagesPerMinute:     maxMessages,
		MaxConnectionsPerIP:      maxConnsPerIP,
		MaxConnections:           maxConns,
		MaxSessions:              maxSessions,

		SlowPeerStall: slowPeerStall,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
