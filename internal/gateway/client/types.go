package client

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/highclaw/clawdesk/internal/gateway/protocol"
)

// Protocol selects how a connection reaches its gateway.
type Protocol string

const (
	// ProtocolWebSocket dials the gateway directly.
	ProtocolWebSocket Protocol = "websocket"
	// ProtocolReverse waits for the gateway to call in; nothing is dialed.
	ProtocolReverse Protocol = "reverse"
)

// Status is the lifecycle state of a Connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusWaiting      Status = "waiting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Config describes one gateway connection.
type Config struct {
	Name      string    `json:"name" yaml:"name"`
	Endpoint  string    `json:"endpoint" yaml:"endpoint"`
	Token     string    `json:"-" yaml:"token"`
	Protocol  Protocol  `json:"protocol" yaml:"protocol"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// ConnectionID derives the connection id: "<name>-<createdAt unix millis>".
func (c Config) ConnectionID() string {
	return fmt.Sprintf("%s-%d", strings.TrimSpace(c.Name), c.CreatedAt.UnixMilli())
}

// ConnectionInfo is a point-in-time view of a Connection, safe to serialize.
type ConnectionInfo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Endpoint    string     `json:"endpoint"`
	Protocol    Protocol   `json:"protocol"`
	Status      Status     `json:"status"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// MessageStatus tracks delivery of a chat message.
type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Message is one chat message, either sent by this client or received from
// the gateway.
type Message struct {
	ID           string                `json:"id"`
	ConnectionID string                `json:"connectionId"`
	SessionKey   string                `json:"sessionKey"`
	Role         string                `json:"role"`
	Sender       string                `json:"sender,omitempty"`
	Content      string                `json:"content"`
	Timestamp    time.Time             `json:"timestamp"`
	Status       MessageStatus         `json:"status"`
	Attachments  []protocol.Attachment `json:"attachments,omitempty"`
}

// Event names published on the Manager's dispatcher.
const (
	EventConnecting   = "connection:connecting"
	EventWaiting      = "connection:waiting"
	EventConnected    = "connection:connected"
	EventDisconnected = "connection:disconnected"
	EventConnError    = "connection:error"
	EventStatus       = "status:received"
	EventSessions     = "sessions:received"
	EventMessages     = "messages:received"
	EventMessage      = "message:received"
	EventMessageSent  = "message:sent"
	EventMessageFail  = "message:failed"
	EventFileUploaded = "file:uploaded"
	EventError        = "error"
)

// ConnectionEvent is the payload of connection:* events.
type ConnectionEvent struct {
	Connection ConnectionInfo
	Err        error
}

// StatusEvent is the payload of status:received. Malformed frames are
// reported here with Status "malformed" and the raw bytes.
type StatusEvent struct {
	Status string
	Info   string
	Raw    json.RawMessage
}

// SessionsEvent is the payload of sessions:received.
type SessionsEvent struct {
	Sessions []protocol.SessionSummary
}

// MessagesEvent is the payload of messages:received.
type MessagesEvent struct {
	Messages []Message
}

// MessageEvent is the payload of message:received, message:sent and
// message:failed.
type MessageEvent struct {
	Message Message
	Err     error
}

// ErrorEvent is the payload of error.
type ErrorEvent struct {
	Message string
	Raw     json.RawMessage
}

// UploadEvent is the payload of file:uploaded.
type UploadEvent struct {
	Upload Upload
}
