// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pixellumo/lumoverse/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeHello     = "hello"
	TypeJoinRoom  = "join_room"
	TypeLeaveRoom = "leave_room"
	TypeHistory   = "history"
	TypeMessage   = "message"
	TypeTyping    = "typing"
	TypeReact     = "react"
	TypeEdit      = "edit"
	TypeDelete    = "delete"
	TypeReport    = "report"
	TypePing      = "ping"
)

// Server -> Client message types. "message", "history", "typing", "edit" and
// "delete" are shared with the client direction and reuse the constants above.
const (
	TypeSessionCreated = "session_created"
	TypeWelcome        = "welcome"
	TypePresence       = "presence"
	TypeReaction       = "reaction"
	TypeModeration     = "moderation"
	TypeAck            = "ack"
	TypeRejected       = "rejected"
	TypeRateLimited    = "rate_limited"
	TypeBanned         = "banned"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeNotInRoom    = "not_in_room"
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeInternal     = "internal"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// HelloMsg binds the connection to an identity. It must precede every other
// message except ping.
type HelloMsg struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	Token    string `json:"token,omitempty"`
}

// JoinRoomMsg subscribes to a room and requests its latest history page.
type JoinRoomMsg struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	RequestID string `json:"request_id"`
	Limit     int    `json:"limit"`
}

// LeaveRoomMsg unsubscribes from a room.
type LeaveRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// HistoryMsg requests the latest history page of a joined room.
type HistoryMsg struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	RequestID string `json:"request_id"`
	Limit     int    `json:"limit"`
}

// ChatMsg is a text message sent by the client to a room. Nonce is echoed in
// the ack or rejection.
type ChatMsg struct {
	Type  string `json:"type"`
	Room  string `json:"room"`
	Text  string `json:"text"`
	Nonce string `json:"nonce"`
}

// TypingMsg indicates the client is typing in a room.
type TypingMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// ReactMsg toggles the sender's reaction on a message.
type ReactMsg struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	MessageID int64  `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// EditMsg replaces the text of the sender's own message.
type EditMsg struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
}

// DeleteMsg deletes a message (author or moderator).
type DeleteMsg struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	MessageID int64  `json:"message_id"`
}

// ReportMsg flags a message for moderator review.
type ReportMsg struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	MessageID int64  `json:"message_id"`
	Reason    string `json:"reason"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is accepted.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// WelcomeMsg confirms a hello.
type WelcomeMsg struct {
	Type      string `json:"type"`
	Identity  string `json:"identity"`
	SessionID string `json:"session_id"`
	Moderator bool   `json:"moderator,omitempty"`
}

// ServerChatMsg delivers a room message.
type ServerChatMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// ServerHistoryMsg answers a join_room or history request.
type ServerHistoryMsg struct {
	Type      string         `json:"type"`
	Room      string         `json:"room"`
	RequestID string         `json:"request_id"`
	Messages  []chat.Message `json:"messages"`
	Online    []string       `json:"online"`
}

// ServerTypingMsg relays a typing indicator.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	Identity string `json:"identity"`
}

// PresenceMsg announces a presence transition.
type PresenceMsg struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	Identity string `json:"identity"`
	Action   string `json:"action"` // joined | left
}

// ReactionMsg carries the authoritative reactor set of one emoji after a
// toggle.
type ReactionMsg struct {
	Type      string   `json:"type"`
	Room      string   `json:"room"`
	MessageID int64    `json:"message_id"`
	Emoji     string   `json:"emoji"`
	Identity  string   `json:"identity"`
	Added     bool     `json:"added"`
	Reactors  []string `json:"reactors"`
}

// ServerEditMsg announces an edit.
type ServerEditMsg struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	EditedAt  int64  `json:"edited_at"`
}

// ServerDeleteMsg announces a deletion.
type ServerDeleteMsg struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	MessageID int64  `json:"message_id"`
	By        string `json:"by"`
}

// ModerationMsg announces a moderation decision on a message.
type ModerationMsg struct {
	Type      string `json:"type"`
	ContentID string `json:"content_id"`
	Room      string `json:"room"`
	MessageID int64  `json:"message_id"`
	Hidden    bool   `json:"hidden"`
	Reason    string `json:"reason"`
}

// AckMsg confirms an accepted message.
type AckMsg struct {
	Type      string `json:"type"`
	Nonce     string `json:"nonce"`
	Room      string `json:"room"`
	MessageID int64  `json:"message_id"`
	CreatedAt int64  `json:"created_at"`
}

// RejectedMsg reports a refused message with the reasons.
type RejectedMsg struct {
	Type    string   `json:"type"`
	Nonce   string   `json:"nonce"`
	Room    string   `json:"room"`
	Reasons []string `json:"reasons"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	Nonce      string `json:"nonce,omitempty"`
	RetryAfter int    `json:"retry_after"`
}

// BannedMsg is sent by the server when the client has been banned.
// Duration is in seconds, 0 for a permanent ban.
type BannedMsg struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

func decode[T any](raw json.RawMessage) (any, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var clientDecoders = map[string]func(json.RawMessage) (any, error){
	TypeHello:     decode[HelloMsg],
	TypeJoinRoom:  decode[JoinRoomMsg],
	TypeLeaveRoom: decode[LeaveRoomMsg],
	TypeHistory:   decode[HistoryMsg],
	TypeMessage:   decode[ChatMsg],
	TypeTyping:    decode[TypingMsg],
	TypeReact:     decode[ReactMsg],
	TypeEdit:      decode[EditMsg],
	TypeDelete:    decode[DeleteMsg],
	TypeReport:    decode[ReportMsg],
	TypePing:      decode[PingMsg],
}

var serverDecoders = map[string]func(json.RawMessage) (any, error){
	TypeSessionCreated: decode[SessionCreatedMsg],
	TypeWelcome:        decode[WelcomeMsg],
	TypeMessage:        decode[ServerChatMsg],
	TypeHistory:        decode[ServerHistoryMsg],
	TypeTyping:         decode[ServerTypingMsg],
	TypePresence:       decode[PresenceMsg],
	TypeReaction:       decode[ReactionMsg],
	TypeEdit:           decode[ServerEditMsg],
	TypeDelete:         decode[ServerDeleteMsg],
	TypeModeration:     decode[ModerationMsg],
	TypeAck:            decode[AckMsg],
	TypeRejected:       decode[RejectedMsg],
	TypeRateLimited:    decode[RateLimitedMsg],
	TypeBanned:         decode[BannedMsg],
	TypeError:          decode[ErrorMsg],
	TypePong:           decode[PongMsg],
}

func parse(data []byte, decoders map[string]func(json.RawMessage) (any, error), side string) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	dec, ok := decoders[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("protocol: unknown %s message type: %q", side, env.Type)
	}
	msg, err := dec(env.Raw)
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, any, error) {
	return parse(data, clientDecoders, "client")
}

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
func ParseServerMessage(data []byte) (string, any, error) {
	return parse(data, serverDecoders, "server")
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	return encode(msgType, payload)
}

// NewClientMessage creates a JSON-encoded client message the same way.
func NewClientMessage(msgType string, payload any) ([]byte, error) {
	return encode(msgType, payload)
}

func encode(msgType string, payload any) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
