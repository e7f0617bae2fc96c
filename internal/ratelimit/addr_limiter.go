package ratelimit

import (
	"sync"
	"time"
)

// Action identifies the client operation being rate limited.
type Action string

const (
	ActionCreate  Action = "create_session"
	ActionJoin    Action = "join_session"
	ActionMessage Action = "message"
)

// AddrConfig holds the per-remote-address caps. A value <= 0 disables the
// corresponding limit.
type AddrConfig struct {
	SessionCreatesPerHour int
	JoinsPerHour          int
	MessagesPerMinute     int
	MaxConnections        int
}

// AddrLimiter enforces per-remote-address caps on session creation, joins,
// inbound messages, and concurrent connections.
//
// Entries with no live connections are evicted once all their buckets have
// had time to fully refill, so a scanner cycling through source ports cannot
// grow the map without bound.
type AddrLimiter struct {
	clock Clock
	cfg   AddrConfig

	mu      sync.Mutex
	entries map[string]*addrEntry
}

type addrEntry struct {
	creates  *TokenBucket
	joins    *TokenBucket
	messages *TokenBucket

	conns    int
	lastSeen time.Time
}

// addrIdleEviction is how long an entry with zero connections must be idle
// before it is dropped. One hour covers the longest refill window in use.
const addrIdleEviction = time.Hour

func NewAddrLimiter(clock Clock, cfg AddrConfig) *AddrLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	return &AddrLimiter{
		clock:   clock,
		cfg:     cfg,
		entries: make(map[string]*addrEntry),
	}
}

// Allow consumes one token for action on behalf of addr. When the action is
// denied, the returned duration is a hint for how long the caller should wait
// before retrying.
func (l *AddrLimiter) Allow(addr string, action Action) (bool, time.Duration) {
	e := l.entry(addr)

	var bucket *TokenBucket
	switch action {
	case ActionCreate:
		bucket = e.creates
	case ActionJoin:
		bucket = e.joins
	case ActionMessage:
		bucket = e.messages
	}
	if bucket == nil {
		return true, 0
	}
	if bucket.Allow(1) {
		return true, 0
	}
	return false, bucket.RetryAfter(1)
}

// AddConnection records a new connection from addr, or reports false when the
// per-address concurrent connection cap is exceeded.
func (l *AddrLimiter) AddConnection(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(addr)
	if l.cfg.MaxConnections > 0 && e.conns >= l.cfg.MaxConnections {
		return false
	}
	e.conns++
	return true
}

// RemoveConnection releases a connection slot previously acquired with
// AddConnection.
func (l *AddrLimiter) RemoveConnection(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[addr]
	if !ok {
		return
	}
	if e.conns > 0 {
		e.conns--
	}
	e.lastSeen = l.clock.Now()
}

// Addrs returns the number of tracked addresses. Intended for tests and
// observability.
func (l *AddrLimiter) Addrs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *AddrLimiter) entry(addr string) *addrEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entryLocked(addr)
}

func (l *AddrLimiter) entryLocked(addr string) *addrEntry {
	if e, ok := l.entries[addr]; ok {
		e.lastSeen = l.clock.Now()
		return e
	}

	l.evictIdleLocked()

	e := &addrEntry{lastSeen: l.clock.Now()}
	if l.cfg.SessionCreatesPerHour > 0 {
		n := int64(l.cfg.SessionCreatesPerHour)
		e.creates = NewTokenBucket(l.clock, n, n, time.Hour)
	}
	if l.cfg.JoinsPerHour > 0 {
		n := int64(l.cfg.JoinsPerHour)
		e.joins = NewTokenBucket(l.clock, n, n, time.Hour)
	}
	if l.cfg.MessagesPerMinute > 0 {
		n := int64(l.cfg.MessagesPerMinute)
		e.messages = NewTokenBucket(l.clock, n, n, time.Minute)
	}
	l.entries[addr] = e
	return e
}

func (l *AddrLimiter) evictIdleLocked() {
	now := l.clock.Now()
	for addr, e := range l.entries {
		if e.conns == 0 && now.Sub(e.lastSeen) >= addrIdleEviction {
			delete(l.entries, addr)
		}
	}
}
