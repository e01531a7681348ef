// Package protocol defines the client-facing wire envelopes and the
// msg-id address space shared by the gateway and the backend services.
package protocol

import (
	"encoding/json"
	"time"
)

// Well-known frame types exchanged over the WebSocket boundary.
const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeAuth         = "auth"
	TypeAuthResponse = "auth_response"
	TypeLogout       = "logout"
	TypeLogoutAck    = "logout_ack"
	TypeFrame        = "frame"
	TypeForwardAck   = "forward_ack"
	TypeError        = "error"
	TypeEcho         = "echo"
	TypeBytes        = "bytes"
)

// Error codes surfaced to clients inside {"type":"error"} envelopes.
const (
	CodeAuthFailed            = "AUTH_FAILED"
	CodeNotAuthenticated      = "NOT_AUTHENTICATED"
	CodeQueueFull             = "QUEUE_FULL"
	CodeUnknownGatewayMessage = "UNKNOWN_GATEWAY_MESSAGE"
	CodeUnknownMessageID      = "UNKNOWN_MESSAGE_ID"
	CodeProcessingError       = "MESSAGE_PROCESSING_ERROR"
)

// WebSocket close codes used by the gateway.
const (
	CloseNormal             = 1000
	CloseHeartbeatTimeout   = 1001
	CloseSessionFailure     = 1011
	CloseServiceUnavailable = 1013
)

// Kind distinguishes how a Message arrived and how it must be written back.
type Kind int

const (
	KindText Kind = iota
	KindBytes
	KindPing
	KindPong
	KindFrame
)

// Message is the JSON envelope at the WebSocket boundary:
// {"type": ..., "data": ..., "timestamp": ..., "id"?, "reply_to"?}.
// Binary frames are carried as KindBytes with Raw set and Data empty.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
	ReplyTo   string          `json:"reply_to,omitempty"`

	Kind Kind   `json:"-"`
	Raw  []byte `json:"-"` // payload of binary frames, delivered opaquely
}

// NewMessage builds a text envelope with the current timestamp.
func NewMessage(typ string, data any) (*Message, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Message{
		Type:      typ,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
		Kind:      KindText,
	}, nil
}

// Decode parses a text frame payload into a Message.
func Decode(payload []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	m.Kind = KindText
	switch m.Type {
	case TypePing:
		m.Kind = KindPing
	case TypePong:
		m.Kind = KindPong
	case TypeFrame:
		m.Kind = KindFrame
	}
	return &m, nil
}

// Encode serializes the envelope for a text frame.
func (m *Message) Encode() ([]byte, error) {
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(m)
}

// Business is the typed envelope carried inside "frame" messages. MsgID is
// signed: positive values are requests, negative values responses. The
// magnitude selects the target service by range.
type Business struct {
	MsgID    int32           `json:"msg_id"`
	Sequence string          `json:"sequence"`
	PlayerID string          `json:"player_id,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// DecodeBusiness parses the data section of a "frame" message.
func DecodeBusiness(data json.RawMessage) (*Business, error) {
	var b Business
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// msg-id ranges. 1-999 system, 1000-1999 logic, 2000-2999 chat,
// 3000-3999 fight, 9000-9999 gateway-local.
const (
	SystemIDMin  = 1
	SystemIDMax  = 999
	LogicIDMin   = 1000
	LogicIDMax   = 1999
	ChatIDMin    = 2000
	ChatIDMax    = 2999
	FightIDMin   = 3000
	FightIDMax   = 3999
	GatewayIDMin = 9000
	GatewayIDMax = 9999
)

// Backend service names addressed by msg-id ranges.
const (
	ServiceLogic = "logic"
	ServiceChat  = "chat"
	ServiceFight = "fight"
)

// abs32 maps a response id (negative) onto its request range.
func abs32(id int32) int32 {
	if id < 0 {
		return -id
	}
	return id
}

// ServiceForMsgID resolves the target service for a business msg-id.
func ServiceForMsgID(id int32) (string, bool) {
	switch v := abs32(id); {
	case v >= LogicIDMin && v <= LogicIDMax:
		return ServiceLogic, true
	case v >= ChatIDMin && v <= ChatIDMax:
		return ServiceChat, true
	case v >= FightIDMin && v <= FightIDMax:
		return ServiceFight, true
	default:
		return "", false
	}
}

// IsSystemID reports whether the id belongs to the locally handled system range.
func IsSystemID(id int32) bool {
	v := abs32(id)
	return v >= SystemIDMin && v <= SystemIDMax
}

// IsGatewayID reports whether the id is gateway-local.
func IsGatewayID(id int32) bool {
	v := abs32(id)
	return v >= GatewayIDMin && v <= GatewayIDMax
}

// IsBusinessID reports whether the id must be forwarded to a backend.
func IsBusinessID(id int32) bool {
	v := abs32(id)
	return v >= LogicIDMin && v < GatewayIDMin
}
