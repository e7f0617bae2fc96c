package session

import (
	"sync"
	"testing"
	"time"

	"github.com/warpshare/warpshare/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeConn struct {
	mu        sync.Mutex
	delivered [][]byte
	shutdowns []string
}

func (c *fakeConn) Deliver(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, frame)
	return nil
}

func (c *fakeConn) Shutdown(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdowns = append(c.shutdowns, reason)
}

func (c *fakeConn) shutdownCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shutdowns)
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	return NewRegistry(cfg, metrics.New(), clk), clk
}

func TestRegistry_CreateBindsCreator(t *testing.T) {
	r, clk := newTestRegistry(t, Config{})
	conn := &fakeConn{}

	created, err := r.Create("A", "Alice", conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(created.SessionID) != 32 {
		t.Fatalf("session id %q is not 128-bit hex", created.SessionID)
	}
	if len(created.Token) != 64 {
		t.Fatalf("token %q is not 256-bit hex", created.Token)
	}
	if want := clk.Now().Add(time.Hour); !created.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt = %v, want %v", created.ExpiresAt, want)
	}

	sessions, conns := r.Counts()
	if sessions != 1 || conns != 1 {
		t.Fatalf("counts = (%d, %d), want (1, 1)", sessions, conns)
	}
}

func TestRegistry_JoinHappyPath(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	connA, connB := &fakeConn{}, &fakeConn{}

	created, err := r.Create("A", "Alice", connA)
	if err != nil {
		t.Fatal(err)
	}

	peer, err := r.Join(created.SessionID, created.Token, "B", "Bob", connB)
	if err != nil {
		t.Fatal(err)
	}
	if peer.ClientID != "A" || peer.DisplayName != "Alice" {
		t.Fatalf("join returned peer %+v, want creator", peer)
	}

	got, ok := r.Peer(created.SessionID, "A")
	if !ok || got.ClientID != "B" {
		t.Fatalf("Peer(A) = (%+v, %v), want B", got, ok)
	}
}

func TestRegistry_JoinRejectsBadToken(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	created, _ := r.Create("A", "Alice", &fakeConn{})

	wrong := make([]byte, 64)
	for i := range wrong {
		wrong[i] = 'f'
	}
	if _, err := r.Join(created.SessionID, string(wrong), "B", "Bob", &fakeConn{}); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}

	if _, conns := r.Counts(); conns != 1 {
		t.Fatal("failed join must not bind the connection")
	}
}

func TestRegistry_JoinRejectsThirdMember(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	created, _ := r.Create("A", "Alice", &fakeConn{})
	if _, err := r.Join(created.SessionID, created.Token, "B", "Bob", &fakeConn{}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Join(created.SessionID, created.Token, "C", "Carol", &fakeConn{}); err != ErrSessionFull {
		t.Fatalf("err = %v, want ErrSessionFull", err)
	}
}

func TestRegistry_JoinRejectsDuplicateClientID(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	created, _ := r.Create("A", "Alice", &fakeConn{})

	if _, err := r.Join(created.SessionID, created.Token, "A", "Imposter", &fakeConn{}); err != ErrDuplicateClient {
		t.Fatalf("err = %v, want ErrDuplicateClient", err)
	}
}

func TestRegistry_JoinUnknownSession(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	if _, err := r.Join("deadbeef", "x", "B", "Bob", &fakeConn{}); err != ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistry_JoinExpiredUnsweptSession(t *testing.T) {
	r, clk := newTestRegistry(t, Config{TTL: time.Hour})
	created, _ := r.Create("A", "Alice", &fakeConn{})

	clk.Advance(time.Hour + time.Millisecond)
	if _, err := r.Join(created.SessionID, created.Token, "B", "Bob", &fakeConn{}); err != ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound for expired session", err)
	}
}

func TestRegistry_RebindRejected(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	conn := &fakeConn{}
	created, _ := r.Create("A", "Alice", conn)

	if _, err := r.Create("A2", "Alice", conn); err != ErrAlreadyBound {
		t.Fatalf("second create on one connection: err = %v, want ErrAlreadyBound", err)
	}
	if _, err := r.Join(created.SessionID, created.Token, "B", "Bob", conn); err != ErrAlreadyBound {
		t.Fatalf("join on bound connection: err = %v, want ErrAlreadyBound", err)
	}
}

func TestRegistry_MaxSessions(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxSessions: 2})
	if _, err := r.Create("A", "", &fakeConn{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("B", "", &fakeConn{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("C", "", &fakeConn{}); err != ErrTooManySessions {
		t.Fatalf("err = %v, want ErrTooManySessions", err)
	}
}

func TestRegistry_RemoveLastMemberDeletesSession(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	created, _ := r.Create("A", "Alice", &fakeConn{})

	peer, removed := r.Remove(created.SessionID, "A")
	if !removed || peer != nil {
		t.Fatalf("Remove = (%+v, %v), want (nil, true)", peer, removed)
	}

	sessions, conns := r.Counts()
	if sessions != 0 || conns != 0 {
		t.Fatalf("counts = (%d, %d), want (0, 0)", sessions, conns)
	}

	// The token is dead with the session.
	if _, err := r.Join(created.SessionID, created.Token, "B", "Bob", &fakeConn{}); err != ErrSessionNotFound {
		t.Fatalf("join after deletion: err = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistry_RemoveReturnsRemainingPeer(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	connA := &fakeConn{}
	created, _ := r.Create("A", "Alice", connA)
	r.Join(created.SessionID, created.Token, "B", "Bob", &fakeConn{})

	peer, removed := r.Remove(created.SessionID, "B")
	if !removed || peer == nil || peer.ClientID != "A" {
		t.Fatalf("Remove(B) = (%+v, %v), want peer A", peer, removed)
	}

	// Session persists with the single member A.
	sessions, conns := r.Counts()
	if sessions != 1 || conns != 1 {
		t.Fatalf("counts = (%d, %d), want (1, 1)", sessions, conns)
	}

	// Second removal of the same member is a no-op.
	if _, removed := r.Remove(created.SessionID, "B"); removed {
		t.Fatal("second Remove(B) should report not removed")
	}
}

func TestRegistry_UnbindResolvesConnection(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	connA, connB := &fakeConn{}, &fakeConn{}
	created, _ := r.Create("A", "Alice", connA)
	r.Join(created.SessionID, created.Token, "B", "Bob", connB)

	sessionID, clientID, peer, ok := r.Unbind(connB)
	if !ok || sessionID != created.SessionID || clientID != "B" {
		t.Fatalf("Unbind = (%q, %q, _, %v)", sessionID, clientID, ok)
	}
	if peer == nil || peer.ClientID != "A" {
		t.Fatalf("Unbind peer = %+v, want A", peer)
	}

	// Unknown connections report not-ok.
	if _, _, _, ok := r.Unbind(&fakeConn{}); ok {
		t.Fatal("Unbind of an unbound connection should report false")
	}
}

func TestRegistry_ValidateTokenConstantTimeSemantics(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	created, _ := r.Create("A", "Alice", &fakeConn{})

	if !r.ValidateToken(created.SessionID, created.Token) {
		t.Fatal("correct token rejected")
	}
	nearMiss := created.Token[:63] + "0"
	if created.Token[63] == '0' {
		nearMiss = created.Token[:63] + "1"
	}
	if r.ValidateToken(created.SessionID, nearMiss) {
		t.Fatal("near-miss token accepted")
	}
	if r.ValidateToken("unknown", created.Token) {
		t.Fatal("unknown session accepted a token")
	}
}

func TestRegistry_SweepClosesExpired(t *testing.T) {
	r, clk := newTestRegistry(t, Config{TTL: time.Hour})
	connA, connB := &fakeConn{}, &fakeConn{}
	created, _ := r.Create("A", "Alice", connA)
	r.Join(created.SessionID, created.Token, "B", "Bob", connB)

	// Fresh session survives a sweep.
	if n := r.Sweep(clk.Now()); n != 0 {
		t.Fatalf("premature sweep removed %d sessions", n)
	}

	clk.Advance(time.Hour + time.Millisecond)
	if n := r.Sweep(clk.Now()); n != 1 {
		t.Fatalf("sweep removed %d sessions, want 1", n)
	}
	if connA.shutdownCount() != 1 || connB.shutdownCount() != 1 {
		t.Fatal("sweep must close both member connections")
	}

	sessions, conns := r.Counts()
	if sessions != 0 || conns != 0 {
		t.Fatalf("counts after sweep = (%d, %d), want (0, 0)", sessions, conns)
	}

	if _, err := r.Join(created.SessionID, created.Token, "C", "Carol", &fakeConn{}); err != ErrSessionNotFound {
		t.Fatalf("join after expiry: err = %v, want ErrSessionNotFound", err)
	}
	if got := r.Metrics().Get(metrics.SessionsExpired); got != 1 {
		t.Fatalf("sessions_expired = %d, want 1", got)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	connA := &fakeConn{}
	created, _ := r.Create("A", "Alice", connA)
	r.Join(created.SessionID, created.Token, "B", "Bob", &fakeConn{})

	r.CloseAll()

	sessions, conns := r.Counts()
	if sessions != 0 || conns != 0 {
		t.Fatalf("counts after CloseAll = (%d, %d)", sessions, conns)
	}
	if connA.shutdownCount() != 1 {
		t.Fatal("CloseAll must shut down connections")
	}
}

func TestRegistry_ConcurrentJoinsRespectCap(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	created, _ := r.Create("A", "Alice", &fakeConn{})

	const attempts = 16
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Join(created.SessionID, created.Token, string(rune('a'+i)), "joiner", &fakeConn{})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var succeeded, full int
	for err := range errs {
		switch err {
		case nil:
			succeeded++
		case ErrSessionFull:
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || full != attempts-1 {
		t.Fatalf("succeeded=%d full=%d, want 1 and %d", succeeded, full, attempts-1)
	}
}
