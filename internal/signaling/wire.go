package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

type MessageType string

// Client -> server message types.
const (
	TypeCreateSession MessageType = "create_session"
	TypeJoinSession   MessageType = "join_session"
	TypeOffer         MessageType = "offer"
	TypeAnswer        MessageType = "answer"
	TypeICECandidate  MessageType = "ice_candidate"
	TypeSessionClose  MessageType = "session_close"
)

// Server -> client message types.
const (
	TypeSessionCreated   MessageType = "session_created"
	TypeSessionJoined    MessageType = "session_joined"
	TypePeerJoined       MessageType = "peer_joined"
	TypePeerLeft         MessageType = "peer_left"
	TypePeerDisconnected MessageType = "peer_disconnected"
	TypeError            MessageType = "error"
)

// Relayable reports whether the type is forwarded verbatim to the peer.
func (t MessageType) Relayable() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

func (t MessageType) clientOriginated() bool {
	switch t {
	case TypeCreateSession, TypeJoinSession, TypeOffer, TypeAnswer, TypeICECandidate, TypeSessionClose:
		return true
	}
	return false
}

// Error codes carried in error payloads and close reasons.
const (
	CodeInvalidTimestamp   = "INVALID_TIMESTAMP"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeInvalidState       = "INVALID_STATE"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionFull        = "SESSION_FULL"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodePeerNotFound       = "PEER_NOT_FOUND"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeMessageTooLarge    = "MESSAGE_TOO_LARGE"
	CodeSlowPeer           = "SLOW_PEER"
	CodeInternal           = "INTERNAL"
)

// Envelope is the outer JSON object of every frame. Relay payloads stay raw
// so forwarding preserves the exact bytes.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ProtocolError is a client-visible failure with a stable code.
type ProtocolError struct {
	Code    string
	Message string

	// RetryAfter is a hint attached to RATE_LIMIT_EXCEEDED errors.
	RetryAfter time.Duration

	// Fatal marks errors that make the connection unusable (unparsable or
	// oversized frames); the connection is closed after reporting.
	Fatal bool
}

func (e *ProtocolError) Error() string { return e.Code + ": " + e.Message }

func perr(code, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// Client payloads.
type CreatePayload struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
}

type JoinPayload struct {
	Token       string `json:"token"`
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
}

type ClosePayload struct {
	Reason string `json:"reason"`
}

// Server payloads.
type SessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

type SessionJoinedPayload struct {
	PeerID          string `json:"peerId"`
	PeerDisplayName string `json:"peerDisplayName"`
}

type PeerJoinedPayload struct {
	PeerID          string `json:"peerId"`
	PeerDisplayName string `json:"peerDisplayName"`
}

type PeerLeftPayload struct {
	PeerID string `json:"peerId"`
	Reason string `json:"reason"`
}

type PeerDisconnectedPayload struct {
	PeerID string `json:"peerId"`
}

type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter *int64 `json:"retryAfter,omitempty"`
}

const maxIdentifierLen = 128

// ParseEnvelope decodes and validates an inbound frame. Unknown JSON fields
// are ignored; unknown message types, missing fields, and timestamps outside
// the skew window are rejected. A Fatal error means the frame could not be
// parsed at all.
func ParseEnvelope(data []byte, now time.Time, skew time.Duration) (Envelope, *ProtocolError) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		e := perr(CodeInvalidMessage, "malformed message")
		e.Fatal = true
		return Envelope{}, e
	}

	if env.Type == "" {
		return Envelope{}, perr(CodeInvalidMessage, "missing type")
	}
	if !env.Type.clientOriginated() {
		return Envelope{}, perr(CodeUnknownMessageType, fmt.Sprintf("unknown message type %q", env.Type))
	}

	if env.Timestamp == 0 {
		return Envelope{}, perr(CodeInvalidMessage, "missing timestamp")
	}
	ts := time.UnixMilli(env.Timestamp)
	if ts.Before(now.Add(-skew)) || ts.After(now.Add(skew)) {
		return Envelope{}, perr(CodeInvalidTimestamp, "timestamp outside the accepted window")
	}

	if len(env.Payload) == 0 {
		return Envelope{}, perr(CodeInvalidMessage, "missing payload")
	}

	return env, nil
}

func decodeCreatePayload(raw json.RawMessage) (CreatePayload, *ProtocolError) {
	var p CreatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return CreatePayload{}, perr(CodeInvalidPayload, "invalid create_session payload")
	}
	if err := validateIdentifier("clientId", p.ClientID); err != nil {
		return CreatePayload{}, err
	}
	if len(p.DisplayName) > maxIdentifierLen {
		return CreatePayload{}, perr(CodeInvalidPayload, "displayName too long")
	}
	return p, nil
}

func decodeJoinPayload(raw json.RawMessage) (JoinPayload, *ProtocolError) {
	var p JoinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return JoinPayload{}, perr(CodeInvalidPayload, "invalid join_session payload")
	}
	if p.Token == "" {
		return JoinPayload{}, perr(CodeInvalidPayload, "missing token")
	}
	if err := validateIdentifier("clientId", p.ClientID); err != nil {
		return JoinPayload{}, err
	}
	if len(p.DisplayName) > maxIdentifierLen {
		return JoinPayload{}, perr(CodeInvalidPayload, "displayName too long")
	}
	return p, nil
}

func decodeClosePayload(raw json.RawMessage) ClosePayload {
	// The reason is advisory; a malformed close payload still closes.
	var p ClosePayload
	_ = json.Unmarshal(raw, &p)
	return p
}

func validateIdentifier(field, v string) *ProtocolError {
	if v == "" {
		return perr(CodeInvalidPayload, "missing "+field)
	}
	if len(v) > maxIdentifierLen {
		return perr(CodeInvalidPayload, field+" too long")
	}
	return nil
}

// validateRelayEnvelope performs the field-level checks a relay frame must
// pass before forwarding. The payload body itself stays opaque beyond the
// kind checks below.
func validateRelayEnvelope(env Envelope) *ProtocolError {
	if env.SessionID == "" {
		return perr(CodeInvalidMessage, "missing sessionId")
	}
	if env.From == "" {
		return perr(CodeInvalidMessage, "missing from")
	}
	if env.To == "" {
		return perr(CodeInvalidMessage, "missing to")
	}

	switch env.Type {
	case TypeOffer, TypeAnswer:
		var sdp struct {
			Type string `json:"type"`
			SDP  string `json:"sdp"`
		}
		if err := json.Unmarshal(env.Payload, &sdp); err != nil {
			return perr(CodeInvalidPayload, "payload is not a session description")
		}
		want := webrtc.SDPTypeOffer
		if env.Type == TypeAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if webrtc.NewSDPType(sdp.Type) != want {
			return perr(CodeInvalidPayload, fmt.Sprintf("payload type must be %q", want.String()))
		}
		if sdp.SDP == "" {
			return perr(CodeInvalidPayload, "missing sdp")
		}
	case TypeICECandidate:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(env.Payload, &obj); err != nil {
			return perr(CodeInvalidPayload, "payload is not a candidate object")
		}
	}

	return nil
}

// encodeServerFrame builds an outbound server-originated envelope.
func encodeServerFrame(t MessageType, sessionID, from string, payload any, now time.Time) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{
		Type:      t,
		SessionID: sessionID,
		From:      from,
		Timestamp: now.UnixMilli(),
		Payload:   raw,
	})
}

// encodeRelayFrame re-serializes a validated relay envelope. The payload
// bytes are spliced in after the addressing fields rather than passed through
// json.Marshal, which would compact and HTML-escape them, so they pass
// through unchanged.
func encodeRelayFrame(env Envelope) ([]byte, error) {
	payload := env.Payload
	if len(payload) == 0 {
		return json.Marshal(env)
	}
	env.Payload = nil
	head, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(head)+len(`,"payload":`)+len(payload))
	out = append(out, head[:len(head)-1]...)
	out = append(out, `,"payload":`...)
	out = append(out, payload...)
	return append(out, '}'), nil
}

func errorPayload(e *ProtocolError) ErrorPayload {
	p := ErrorPayload{Code: e.Code, Message: e.Message}
	if e.RetryAfter > 0 {
		secs := int64(e.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		p.RetryAfter = &secs
	}
	return p
}
