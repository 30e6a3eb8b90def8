// Package protocol defines the gateway WebSocket wire format: JSON envelopes
// tagged as "req", "res" or "event", plus the typed params and payloads of the
// methods and events the client uses.
package protocol

import "encoding/json"

// Envelope types.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Frame is one JSON envelope as it appears on the wire.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Methods consumed by the client.
const (
	MethodConnect        = "connect"
	MethodSessionsList   = "sessions.list"
	MethodChatHistory    = "chat.history"
	MethodSessionsPatch  = "sessions.patch"
	MethodSessionsDelete = "sessions.delete"
)

// Gateway events.
const (
	EventConnectChallenge = "connect.challenge"
	EventConnectReady     = "connect.ready"
	EventConnectError     = "connect.error"
	EventStatus           = "status"
	EventStatusResponse   = "status.response"
	EventHealth           = "health"
	EventMessageReceived  = "message.received"
	EventMessage          = "message"
	EventMessages         = "messages"
	EventMessageList      = "message.list"
	EventSessions         = "sessions"
	EventSessionList      = "session.list"
	EventError            = "error"

	// Client → gateway.
	EventMessageSend = "message.send"
	EventFileUpload  = "file.upload"
)

// ConnectParams is sent as the params of the handshake "connect" request.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes"`
	Auth        AuthParams `json:"auth"`
}

// ClientInfo describes the connecting client.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// AuthParams carries the shared secret and, optionally, a device proof.
type AuthParams struct {
	Token  string      `json:"token"`
	Device *DeviceAuth `json:"device,omitempty"`
}

// DeviceAuth is a public-key proof of possession over the challenge nonce.
type DeviceAuth struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// ListSessionsParams are the params of sessions.list.
type ListSessionsParams struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryParams are the params of chat.history.
type HistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// PatchSessionParams are the params of sessions.patch.
type PatchSessionParams struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// DeleteSessionParams are the params of sessions.delete.
type DeleteSessionParams struct {
	Key              string `json:"key"`
	DeleteTranscript bool   `json:"deleteTranscript"`
}

// SendMessagePayload is the payload of the outbound message.send event.
// SessionID carries the server session key; older gateways read that field.
type SendMessagePayload struct {
	SessionID   string       `json:"sessionId"`
	SessionKey  string       `json:"sessionKey"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	MessageID   string       `json:"messageId"`
}

// FileUploadPayload is the payload of the outbound file.upload event.
type FileUploadPayload struct {
	SessionID string `json:"sessionId"`
	FileName  string `json:"fileName"`
	FileSize  int64  `json:"fileSize"`
	FileType  string `json:"fileType"`
	FileData  string `json:"fileData"`
}

// Attachment describes a file attached to a chat message.
type Attachment struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail,omitempty"`
}
