package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a point in time that gateways encode either as epoch
// milliseconds or as an RFC 3339 string.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON accepts epoch millis (number or numeric string), RFC 3339 and null.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] != '"' {
		ms, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return err
		}
		t.Time = time.UnixMilli(int64(ms))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.UnixMilli(ms)
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON writes epoch milliseconds, or null for the zero time.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

// TimestampOf wraps a time.Time.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// ExtractText returns the plain text of a message content field. Content is
// either a string or an array of blocks; only "text" and "thinking" blocks
// contribute, joined by a blank line.
func ExtractText(content json.RawMessage) string {
	content = bytes.TrimSpace(content)
	if len(content) == 0 {
		return ""
	}
	switch content[0] {
	case '"':
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return ""
		}
		return s
	case '[':
		var blocks []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
		}
		if err := json.Unmarshal(content, &blocks); err != nil {
			return ""
		}
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type != "text" && b.Type != "thinking" {
				continue
			}
			text := b.Text
			if text == "" {
				text = b.Thinking
			}
			if text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n\n")
	}
	return ""
}

// SessionSummary is one entry of a sessions.list result.
type SessionSummary struct {
	Key         string    `json:"key"`
	SessionID   string    `json:"sessionId,omitempty"`
	Label       string    `json:"label,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	Model       string    `json:"model,omitempty"`
	UnreadCount int       `json:"unreadCount,omitempty"`
	LastMessage string    `json:"lastMessage,omitempty"`
	UpdatedAt   Timestamp `json:"updatedAt"`
}

// ServerKey returns the key protocol requests must use for this session.
func (s SessionSummary) ServerKey() string {
	if s.Key != "" {
		return s.Key
	}
	return s.SessionID
}

// Name returns a display name, falling back to the server key.
func (s SessionSummary) Name() string {
	for _, v := range []string{s.Label, s.DisplayName} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return s.ServerKey()
}

// SessionsListResult is the payload of a sessions.list response. Gateways
// populate either items or sessions.
type SessionsListResult struct {
	Items    []SessionSummary `json:"items,omitempty"`
	Sessions []SessionSummary `json:"sessions,omitempty"`
}

// All returns whichever list the gateway filled.
func (r SessionsListResult) All() []SessionSummary {
	if len(r.Items) > 0 {
		return r.Items
	}
	return r.Sessions
}

// HistoryMessage is one raw transcript entry of a chat.history response.
type HistoryMessage struct {
	ID        string          `json:"id,omitempty"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp Timestamp       `json:"timestamp"`
	CreatedAt Timestamp       `json:"createdAt"`
}

// Text returns the extracted plain text.
func (m HistoryMessage) Text() string {
	return ExtractText(m.Content)
}

// Time returns timestamp, falling back to createdAt.
func (m HistoryMessage) Time() time.Time {
	if !m.Timestamp.IsZero() {
		return m.Timestamp.Time
	}
	return m.CreatedAt.Time
}

// HistoryResult is the payload of a chat.history response.
type HistoryResult struct {
	SessionKey string           `json:"sessionKey,omitempty"`
	Messages   []HistoryMessage `json:"messages,omitempty"`
	Items      []HistoryMessage `json:"items,omitempty"`
}

// All returns whichever list the gateway filled.
func (r HistoryResult) All() []HistoryMessage {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	return r.Items
}

// HelloPayload is the payload of a successful connect response.
type HelloPayload struct {
	Protocol int `json:"protocol,omitempty"`
	Sessions *struct {
		Recent []SessionSummary `json:"recent"`
	} `json:"sessions,omitempty"`
}

// RecentSessions returns the sessions advertised in the hello payload.
func (h HelloPayload) RecentSessions() []SessionSummary {
	if h.Sessions == nil {
		return nil
	}
	return h.Sessions.Recent
}
