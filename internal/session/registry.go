package session

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/warpshare/warpshare/internal/metrics"
	"github.com/warpshare/warpshare/internal/ratelimit"
)

// Conn is the handle the registry keeps for each member's transport
// connection. Implementations must be comparable (pointer types) and must
// never block indefinitely in either method.
type Conn interface {
	// Deliver enqueues an already-encoded frame for the member. It may block
	// up to the implementation's stall deadline; an error means the frame was
	// not accepted and the connection is unusable as a relay target.
	Deliver(frame []byte) error

	// Shutdown asks the transport to close. It must be safe to call multiple
	// times and must not block on network I/O.
	Shutdown(reason string)
}

// Member is a client bound to a session.
type Member struct {
	ClientID    string
	DisplayName string
	Conn        Conn
	JoinedAt    time.Time
}

type record struct {
	id        string
	token     string
	createdAt time.Time
	expiresAt time.Time
	members   map[string]*Member
}

// Created is returned to a session creator. The token appears here and
// nowhere else.
type Created struct {
	SessionID string
	Token     string
	ExpiresAt time.Time
}

type Config struct {
	// TTL is the session lifetime, measured from creation.
	TTL time.Duration
	// MaxSessions caps live sessions. <= 0 means unlimited.
	MaxSessions int
}

type binding struct {
	sessionID string
	clientID  string
}

// Registry is the sole authority over session existence, membership and
// token validation. A single mutex covers the session map and the
// connection reverse map so invariants hold at every observable point.
type Registry struct {
	cfg     Config
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	mu       sync.Mutex
	sessions map[string]*record
	conns    map[Conn]binding
}

func NewRegistry(cfg Config, m *metrics.Metrics, clock ratelimit.Clock) *Registry {
	if m == nil {
		m = metrics.New()
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Registry{
		cfg:      cfg,
		metrics:  m,
		clock:    clock,
		sessions: make(map[string]*record),
		conns:    make(map[Conn]binding),
	}
}

func (r *Registry) Metrics() *metrics.Metrics { return r.metrics }

// Create allocates a fresh session with the caller as its first member and
// binds conn. The returned token must only ever be sent to this caller.
func (r *Registry) Create(clientID, displayName string, conn Conn) (Created, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id, err := newSessionID()
		if err != nil {
			return Created{}, err
		}
		token, err := newToken()
		if err != nil {
			return Created{}, err
		}

		now := r.clock.Now()

		r.mu.Lock()
		if _, ok := r.conns[conn]; ok {
			r.mu.Unlock()
			return Created{}, ErrAlreadyBound
		}
		if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
			r.metrics.Inc(metrics.DropReasonTooManySessions)
			r.mu.Unlock()
			return Created{}, ErrTooManySessions
		}
		if _, ok := r.sessions[id]; ok {
			// Extremely unlikely (16 bytes of crypto-random entropy). Try again.
			r.mu.Unlock()
			continue
		}

		rec := &record{
			id:        id,
			token:     token,
			createdAt: now,
			expiresAt: now.Add(r.cfg.TTL),
			members: map[string]*Member{
				clientID: {
					ClientID:    clientID,
					DisplayName: displayName,
					Conn:        conn,
					JoinedAt:    now,
				},
			},
		}
		r.sessions[id] = rec
		r.conns[conn] = binding{sessionID: id, clientID: clientID}
		r.mu.Unlock()

		r.metrics.Inc(metrics.SessionsCreated)
		return Created{SessionID: id, Token: token, ExpiresAt: rec.expiresAt}, nil
	}

	return Created{}, errors.New("failed to allocate unique session id")
}

// Join validates the token and adds the caller as the session's second
// member. On success it returns the already-present peer so the caller can
// exchange identities. All checks happen inside one critical section so a
// concurrent join cannot race past the membership cap.
func (r *Registry) Join(sessionID, token, clientID, displayName string, conn Conn) (Member, error) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn]; ok {
		return Member{}, ErrAlreadyBound
	}

	rec, ok := r.sessions[sessionID]
	if !ok || !rec.expiresAt.After(now) {
		// An expired-but-unswept session is already dead to clients.
		return Member{}, ErrSessionNotFound
	}
	if !tokenEqual(rec.token, token) {
		r.metrics.Inc(metrics.TokenRejected)
		return Member{}, ErrInvalidToken
	}
	if len(rec.members) >= 2 {
		return Member{}, ErrSessionFull
	}
	if _, ok := rec.members[clientID]; ok {
		return Member{}, ErrDuplicateClient
	}

	var peer Member
	for _, m := range rec.members {
		peer = *m
	}

	rec.members[clientID] = &Member{
		ClientID:    clientID,
		DisplayName: displayName,
		Conn:        conn,
		JoinedAt:    now,
	}
	r.conns[conn] = binding{sessionID: sessionID, clientID: clientID}

	r.metrics.Inc(metrics.SessionsJoined)
	return peer, nil
}

// ValidateToken reports whether the presented token matches the session's.
// Unknown sessions compare false. The comparison is constant time.
func (r *Registry) ValidateToken(sessionID, presented string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	return tokenEqual(rec.token, presented)
}

// Peer returns the *other* member of clientID's session, for relaying.
func (r *Registry) Peer(sessionID, clientID string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return Member{}, false
	}
	for id, m := range rec.members {
		if id != clientID {
			return *m, true
		}
	}
	return Member{}, false
}

// Remove takes clientID out of the session. The remaining peer (if any) is
// returned so the caller can notify it; when membership drops to zero the
// session record is deleted.
func (r *Registry) Remove(sessionID, clientID string) (peer *Member, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(sessionID, clientID)
}

// Unbind is the abrupt-disconnect path: it resolves conn to its membership
// and removes it in the same critical section, returning the binding and the
// remaining peer (if any).
func (r *Registry) Unbind(conn Conn) (sessionID, clientID string, peer *Member, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, bound := r.conns[conn]
	if !bound {
		return "", "", nil, false
	}
	peer, removed := r.removeLocked(b.sessionID, b.clientID)
	if !removed {
		return "", "", nil, false
	}
	return b.sessionID, b.clientID, peer, true
}

func (r *Registry) removeLocked(sessionID, clientID string) (peer *Member, removed bool) {
	rec, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	m, ok := rec.members[clientID]
	if !ok {
		return nil, false
	}

	delete(rec.members, clientID)
	delete(r.conns, m.Conn)

	for _, other := range rec.members {
		cp := *other
		peer = &cp
	}
	if len(rec.members) == 0 {
		r.deleteLocked(rec)
		r.metrics.Inc(metrics.SessionsClosed)
	}
	return peer, true
}

// Sweep deletes every session whose expiry has passed and closes the
// member connections. It returns the number of sessions removed.
//
// The expired set is captured under the lock; transports are shut down
// after it is released.
func (r *Registry) Sweep(now time.Time) int {
	var conns []Conn

	r.mu.Lock()
	var expired []*record
	for _, rec := range r.sessions {
		if !rec.expiresAt.After(now) {
			expired = append(expired, rec)
		}
	}
	for _, rec := range expired {
		for _, m := range rec.members {
			conns = append(conns, m.Conn)
			delete(r.conns, m.Conn)
		}
		r.deleteLocked(rec)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Shutdown("session expired")
	}
	for range expired {
		r.metrics.Inc(metrics.SessionsExpired)
	}
	return len(expired)
}

// CloseAll tears down every session and connection. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var conns []Conn
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.sessions = make(map[string]*record)
	r.conns = make(map[Conn]binding)
	r.mu.Unlock()

	for _, c := range conns {
		c.Shutdown("server shutting down")
	}
}

// Counts returns the number of live sessions and bound connections.
func (r *Registry) Counts() (sessions, connections int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.conns)
}

// deleteLocked is the single removal point shared by last-member-remove and
// expiry, keeping the invariant that no empty, non-expired session is ever
// retained. CloseAll replaces the maps wholesale instead.
func (r *Registry) deleteLocked(rec *record) {
	delete(r.sessions, rec.id)
}

func tokenEqual(want, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(presented)) == 1
}
