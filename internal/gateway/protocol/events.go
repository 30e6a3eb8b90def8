package protocol

import (
	"encoding/json"
	"strings"
)

// EventPayload is the typed payload of a known gateway event. Events the
// client does not model decode to UnknownPayload.
type EventPayload interface {
	eventPayload()
}

// ChallengePayload is the payload of connect.challenge.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts,omitempty"`
}

// ReadyPayload is the payload of connect.ready.
type ReadyPayload struct {
	Raw json.RawMessage
}

// ErrorPayload is the payload of connect.error and error.
type ErrorPayload struct {
	Message string
	Raw     json.RawMessage
}

// StatusPayload is the payload of status, status.response and health.
type StatusPayload struct {
	Status string          `json:"status,omitempty"`
	Info   string          `json:"info,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

// ChatMessagePayload is the payload of message.received.
type ChatMessagePayload struct {
	ID         string          `json:"id,omitempty"`
	MessageID  string          `json:"messageId,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	Role       string          `json:"role,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Sender     *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"sender,omitempty"`
	Timestamp Timestamp `json:"timestamp"`
}

// Key returns the server session key the message belongs to.
func (p ChatMessagePayload) Key() string {
	if p.SessionKey != "" {
		return p.SessionKey
	}
	return p.SessionID
}

// SessionsPayload is the payload of sessions / session.list events.
type SessionsPayload struct {
	Sessions []SessionSummary
}

// MessagesPayload is the payload of messages / message.list events.
type MessagesPayload struct {
	Messages []HistoryMessage
}

// UnknownPayload preserves the raw JSON of events the client does not model.
type UnknownPayload struct {
	Name string
	Raw  json.RawMessage
}

func (ChallengePayload) eventPayload()   {}
func (ReadyPayload) eventPayload()       {}
func (ErrorPayload) eventPayload()       {}
func (StatusPayload) eventPayload()      {}
func (ChatMessagePayload) eventPayload() {}
func (SessionsPayload) eventPayload()    {}
func (MessagesPayload) eventPayload()    {}
func (UnknownPayload) eventPayload()     {}

// ParseEventPayload decodes the payload of a known event into its typed
// variant. Decoding failures degrade to UnknownPayload.
func ParseEventPayload(ev Event) EventPayload {
	unknown := UnknownPayload{Name: ev.Name, Raw: ev.Payload}
	switch ev.Name {
	case EventConnectChallenge:
		var p ChallengePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return unknown
		}
		p.Nonce = strings.TrimSpace(p.Nonce)
		return p
	case EventConnectReady:
		return ReadyPayload{Raw: ev.Payload}
	case EventConnectError, EventError:
		return ErrorPayload{Message: errorText(ev.Payload), Raw: ev.Payload}
	case EventStatus, EventStatusResponse, EventHealth:
		var p StatusPayload
		_ = json.Unmarshal(ev.Payload, &p)
		p.Raw = ev.Payload
		return p
	case EventMessageReceived, EventMessage:
		var p ChatMessagePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return unknown
		}
		return p
	case EventSessions, EventSessionList:
		var wrapped struct {
			Sessions []SessionSummary `json:"sessions"`
		}
		if err := json.Unmarshal(ev.Payload, &wrapped); err == nil && wrapped.Sessions != nil {
			return SessionsPayload{Sessions: wrapped.Sessions}
		}
		var list []SessionSummary
		if err := json.Unmarshal(ev.Payload, &list); err != nil {
			return unknown
		}
		return SessionsPayload{Sessions: list}
	case EventMessages, EventMessageList:
		var wrapped struct {
			Messages []HistoryMessage `json:"messages"`
		}
		if err := json.Unmarshal(ev.Payload, &wrapped); err == nil && wrapped.Messages != nil {
			return MessagesPayload{Messages: wrapped.Messages}
		}
		var list []HistoryMessage
		if err := json.Unmarshal(ev.Payload, &list); err != nil {
			return unknown
		}
		return MessagesPayload{Messages: list}
	}
	return unknown
}

// errorText pulls a human readable message out of an error payload:
// message, then error, then the raw JSON.
func errorText(raw json.RawMessage) string {
	var e Error
	if err := json.Unmarshal(raw, &e); err == nil {
		if text := e.Text(); text != "" {
			return text
		}
	}
	return strings.TrimSpace(string(raw))
}
