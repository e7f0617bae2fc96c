package signaling

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warpshare/warpshare/internal/metrics"
	"github.com/warpshare/warpshare/internal/ratelimit"
	"github.com/warpshare/warpshare/internal/session"
)

type peerState int

const (
	stateNew peerState = iota
	stateCreatorWaiting
	statePaired
	stateClosed
)

var errPeerClosed = errors.New("peer closed")

// Peer owns the lifetime of one WebSocket connection: a read loop that
// drives the protocol state machine, a writer goroutine draining the send
// queue, and a ping ticker for liveness.
//
// All outbound frames (replies and relays alike) pass through the send
// queue, so exactly one write is ever in flight per connection.
type Peer struct {
	srv        *Server
	conn       *websocket.Conn
	remoteAddr string
	log        *slog.Logger

	out  *sendQueue
	done chan struct{}

	closeOnce sync.Once

	// closeCode/closeReason are what the writer sends in the close frame
	// once the queue has drained. Guarded by closeMu because Shutdown can
	// race the read loop's own failure path.
	closeMu     sync.Mutex
	closeCode   int
	closeReason string

	mu        sync.Mutex
	state     peerState
	clientID  string
	sessionID string
}

func newPeer(srv *Server, conn *websocket.Conn, remoteAddr string) *Peer {
	return &Peer{
		srv:         srv,
		conn:        conn,
		remoteAddr:  remoteAddr,
		log:         srv.log.With("remote_addr", remoteAddr),
		out:         newSendQueue(srv.cfg.SendQueueFrames, srv.cfg.SendQueueBytes),
		done:        make(chan struct{}),
		closeCode:   websocket.CloseNormalClosure,
		closeReason: "",
	}
}

// Deliver implements session.Conn. It enqueues an encoded frame, blocking up
// to the slow-peer stall deadline when the queue is full.
func (p *Peer) Deliver(frame []byte) error {
	if !p.out.EnqueueWait(frame, p.srv.cfg.SlowPeerStall) {
		return errPeerClosed
	}
	return nil
}

// Shutdown implements session.Conn. Pending frames drain before the
// transport closes, so departure notifications still arrive.
func (p *Peer) Shutdown(reason string) {
	p.closeWith(websocket.CloseGoingAway, reason)
}

func (p *Peer) closeWith(code int, reason string) {
	p.closeOnce.Do(func() {
		p.closeMu.Lock()
		p.closeCode = code
		p.closeReason = reason
		p.closeMu.Unlock()

		p.mu.Lock()
		p.state = stateClosed
		p.mu.Unlock()

		close(p.done)
		p.out.Close()
	})
}

// run drives the connection until it is closed. It must be called on its own
// goroutine (the per-connection task).
func (p *Peer) run() {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("panic in connection handler", "recover", rec, "stack", string(debug.Stack()))
		}
		p.teardown()
	}()

	go p.writeLoop()
	go p.pingLoop()

	p.conn.SetReadLimit(p.srv.cfg.MaxFrameBytes)
	_ = p.conn.SetReadDeadline(p.srv.clock().Now().Add(p.srv.cfg.LivenessTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(p.srv.clock().Now().Add(p.srv.cfg.LivenessTimeout))
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				p.fail(&ProtocolError{Code: CodeMessageTooLarge, Message: "frame exceeds size limit", Fatal: true})
			}
			return
		}
		_ = p.conn.SetReadDeadline(p.srv.clock().Now().Add(p.srv.cfg.LivenessTimeout))

		// The binary file-transfer channel is not multiplexed through
		// signaling; tolerate stray binary frames by ignoring them.
		if msgType != websocket.TextMessage {
			continue
		}

		// Consume the message before applying the rate limit so bytes already
		// in the TCP receive buffer are read; closing with unread data can
		// turn into an abortive close that hides the error from the client.
		if ok, retry := p.srv.limiter.Allow(p.remoteAddr, ratelimit.ActionMessage); !ok {
			p.srv.metrics.Inc(metrics.DropReasonRateLimited)
			p.sendError(&ProtocolError{Code: CodeRateLimitExceeded, Message: "message rate exceeded", RetryAfter: retry})
			continue
		}

		if err := p.handleFrame(data); err != nil {
			if err.Fatal {
				p.fail(err)
				return
			}
			p.sendError(err)
		}

		if p.isClosed() {
			return
		}
	}
}

func (p *Peer) handleFrame(data []byte) *ProtocolError {
	env, pe := ParseEnvelope(data, p.srv.clock().Now(), p.srv.cfg.TimestampSkew)
	if pe != nil {
		return pe
	}

	switch env.Type {
	case TypeCreateSession:
		return p.handleCreate(env)
	case TypeJoinSession:
		return p.handleJoin(env)
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return p.handleRelay(env)
	case TypeSessionClose:
		return p.handleClose(env)
	}
	return perr(CodeUnknownMessageType, "unknown message type")
}

func (p *Peer) handleCreate(env Envelope) *ProtocolError {
	p.mu.Lock()
	inSession := p.state != stateNew
	p.mu.Unlock()
	if inSession {
		return perr(CodeInvalidState, "already in a session")
	}

	payload, pe := decodeCreatePayload(env.Payload)
	if pe != nil {
		return pe
	}

	if ok, retry := p.srv.limiter.Allow(p.remoteAddr, ratelimit.ActionCreate); !ok {
		p.srv.metrics.Inc(metrics.DropReasonRateLimited)
		return &ProtocolError{Code: CodeRateLimitExceeded, Message: "session creation rate exceeded", RetryAfter: retry}
	}

	created, err := p.srv.registry.Create(payload.ClientID, payload.DisplayName, p)
	switch {
	case errors.Is(err, session.ErrTooManySessions):
		return perr(CodeRateLimitExceeded, "session capacity reached")
	case errors.Is(err, session.ErrAlreadyBound):
		return perr(CodeInvalidState, "already in a session")
	case err != nil:
		p.log.Error("session create failed", "err", err)
		return perr(CodeInternal, "internal error")
	}

	p.mu.Lock()
	p.state = stateCreatorWaiting
	p.clientID = payload.ClientID
	p.sessionID = created.SessionID
	p.mu.Unlock()

	p.log.Info("session created", "session_id", created.SessionID, "client_id", payload.ClientID)

	// The token appears in this frame and nowhere else.
	return p.reply(TypeSessionCreated, created.SessionID, SessionCreatedPayload{
		SessionID: created.SessionID,
		Token:     created.Token,
		ExpiresAt: created.ExpiresAt.UnixMilli(),
	})
}

func (p *Peer) handleJoin(env Envelope) *ProtocolError {
	p.mu.Lock()
	inSession := p.state != stateNew
	p.mu.Unlock()
	if inSession {
		return perr(CodeInvalidState, "already in a session")
	}

	if env.SessionID == "" {
		return perr(CodeInvalidMessage, "missing sessionId")
	}
	payload, pe := decodeJoinPayload(env.Payload)
	if pe != nil {
		return pe
	}

	if ok, retry := p.srv.limiter.Allow(p.remoteAddr, ratelimit.ActionJoin); !ok {
		p.srv.metrics.Inc(metrics.DropReasonRateLimited)
		return &ProtocolError{Code: CodeRateLimitExceeded, Message: "join rate exceeded", RetryAfter: retry}
	}

	creator, err := p.srv.registry.Join(env.SessionID, payload.Token, payload.ClientID, payload.DisplayName, p)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return perr(CodeSessionNotFound, "session not found")
	case errors.Is(err, session.ErrInvalidToken):
		return perr(CodeInvalidToken, "invalid token")
	case errors.Is(err, session.ErrSessionFull):
		return perr(CodeSessionFull, "session already has two members")
	case errors.Is(err, session.ErrDuplicateClient), errors.Is(err, session.ErrAlreadyBound):
		return perr(CodeInvalidState, "client already in session")
	case err != nil:
		p.log.Error("session join failed", "err", err)
		return perr(CodeInternal, "internal error")
	}

	p.mu.Lock()
	p.state = statePaired
	p.clientID = payload.ClientID
	p.sessionID = env.SessionID
	p.mu.Unlock()

	p.log.Info("session joined", "session_id", env.SessionID, "client_id", payload.ClientID)

	// session_joined reaches the joiner before any relay it sends next is
	// read; peer_joined is enqueued on the creator before this handler
	// returns, so it precedes any relay the joiner triggers on that
	// connection too.
	if pe := p.reply(TypeSessionJoined, env.SessionID, SessionJoinedPayload{
		PeerID:          creator.ClientID,
		PeerDisplayName: creator.DisplayName,
	}); pe != nil {
		return pe
	}

	if creatorPeer, ok := creator.Conn.(*Peer); ok {
		creatorPeer.markPaired()
	}
	p.notify(creator.Conn, TypePeerJoined, env.SessionID, PeerJoinedPayload{
		PeerID:          payload.ClientID,
		PeerDisplayName: payload.DisplayName,
	})

	return nil
}

func (p *Peer) handleRelay(env Envelope) *ProtocolError {
	p.mu.Lock()
	state := p.state
	clientID := p.clientID
	sessionID := p.sessionID
	p.mu.Unlock()

	if state != statePaired {
		return perr(CodeUnauthorized, "no paired session")
	}
	if pe := validateRelayEnvelope(env); pe != nil {
		return pe
	}
	if env.From != clientID {
		return perr(CodeUnauthorized, "from does not match the connection's client")
	}
	if env.SessionID != sessionID {
		return perr(CodeUnauthorized, "sessionId does not match the connection's session")
	}

	peer, ok := p.srv.registry.Peer(sessionID, clientID)
	if !ok || peer.ClientID != env.To {
		return perr(CodePeerNotFound, "recipient is not a member of the session")
	}

	frame, err := encodeRelayFrame(env)
	if err != nil {
		return perr(CodeInternal, "internal error")
	}

	if err := peer.Conn.Deliver(frame); err != nil {
		p.closeSlowSession(sessionID, clientID, peer)
		return nil
	}

	p.srv.metrics.Inc(metrics.MessagesRelayed)
	return nil
}

// closeSlowSession tears the session down after the recipient failed to
// drain within the stall deadline. Both peers are notified as well as the
// transport allows: the slow peer's queue is full, so it only gets the close
// frame; the sender gets an explicit SLOW_PEER error before its own close.
func (p *Peer) closeSlowSession(sessionID, clientID string, peer session.Member) {
	p.srv.metrics.Inc(metrics.SlowPeerClosed)
	p.log.Warn("closing session: peer not draining", "session_id", sessionID, "peer_id", peer.ClientID)

	p.srv.registry.Remove(sessionID, clientID)
	p.srv.registry.Remove(sessionID, peer.ClientID)

	peer.Conn.Shutdown(CodeSlowPeer)

	p.sendError(perr(CodeSlowPeer, "peer is not consuming messages"))
	p.closeWith(websocket.ClosePolicyViolation, CodeSlowPeer)
}

func (p *Peer) handleClose(env Envelope) *ProtocolError {
	p.mu.Lock()
	state := p.state
	clientID := p.clientID
	sessionID := p.sessionID
	if state == stateCreatorWaiting || state == statePaired {
		p.state = stateNew
		p.clientID = ""
		p.sessionID = ""
	}
	p.mu.Unlock()

	if state != stateCreatorWaiting && state != statePaired {
		return perr(CodeInvalidState, "no session to close")
	}

	payload := decodeClosePayload(env.Payload)

	peer, _ := p.srv.registry.Remove(sessionID, clientID)
	if peer != nil {
		// Departure notification first, then the transport close; the send
		// queue drains in order.
		p.notify(peer.Conn, TypePeerLeft, sessionID, PeerLeftPayload{
			PeerID: clientID,
			Reason: payload.Reason,
		})
		p.srv.registry.Remove(sessionID, peer.ClientID)
		peer.Conn.Shutdown("session closed")
	}

	p.log.Info("session closed", "session_id", sessionID, "client_id", clientID)
	return nil
}

// teardown runs exactly once when the read loop exits, on every path
// including panics. Registry cleanup happens before the transport close so
// no registered connection ever points at a dead transport.
func (p *Peer) teardown() {
	sessionID, clientID, peer, ok := p.srv.registry.Unbind(p)
	if ok && peer != nil {
		p.notify(peer.Conn, TypePeerDisconnected, sessionID, PeerDisconnectedPayload{PeerID: clientID})
	}
	if ok {
		p.log.Info("connection left session", "session_id", sessionID, "client_id", clientID)
	}

	p.closeWith(websocket.CloseNormalClosure, "")
	p.srv.limiter.RemoveConnection(p.remoteAddr)
	p.srv.connectionClosed()
}

// writeLoop is the single writer for the connection. It drains the send
// queue, then sends the close frame and closes the transport.
func (p *Peer) writeLoop() {
	for {
		frame, ok := p.out.Dequeue()
		if !ok {
			break
		}
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			break
		}
	}

	p.closeMu.Lock()
	code, reason := p.closeCode, p.closeReason
	p.closeMu.Unlock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = p.conn.Close()
}

func (p *Peer) pingLoop() {
	ticker := time.NewTicker(p.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			_ = p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
	}
}

const writeWait = time.Second

func (p *Peer) markPaired() {
	p.mu.Lock()
	if p.state == stateCreatorWaiting {
		p.state = statePaired
	}
	p.mu.Unlock()
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateClosed
}

// reply enqueues a server-originated frame for this connection.
func (p *Peer) reply(t MessageType, sessionID string, payload any) *ProtocolError {
	frame, err := encodeServerFrame(t, sessionID, "", payload, p.srv.clock().Now())
	if err != nil {
		return perr(CodeInternal, "internal error")
	}
	if err := p.Deliver(frame); err != nil {
		return &ProtocolError{Code: CodeInternal, Message: "connection closed", Fatal: true}
	}
	return nil
}

// notify enqueues a server-originated frame for another member's
// connection. Failures are ignored: the target is gone or stalled and its
// own lifecycle handles cleanup.
func (p *Peer) notify(conn session.Conn, t MessageType, sessionID string, payload any) {
	frame, err := encodeServerFrame(t, sessionID, "", payload, p.srv.clock().Now())
	if err != nil {
		return
	}
	_ = conn.Deliver(frame)
}

// sendError reports a failure to the originator. Errors never propagate to
// the uninvolved peer.
func (p *Peer) sendError(e *ProtocolError) {
	frame, err := encodeServerFrame(TypeError, "", "", errorPayload(e), p.srv.clock().Now())
	if err != nil {
		return
	}
	_ = p.Deliver(frame)
}

// fail reports a fatal error and closes the connection with a protocol
// close code.
func (p *Peer) fail(e *ProtocolError) {
	p.sendError(e)
	code := websocket.ClosePolicyViolation
	if e.Code == CodeMessageTooLarge {
		code = websocket.CloseMessageTooBig
	}
	p.closeWith(code, e.Code)
}
