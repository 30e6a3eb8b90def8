package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/highclaw/clawdesk/internal/gateway/protocol"
)

// SendMessage emits a message.send event to a session. The message is marked
// sent as soon as the frame is queued; the gateway does not acknowledge it.
func (m *Manager) SendMessage(ctx context.Context, connID, sessionKey, content string, attachments []protocol.Attachment) (Message, error) {
	start := m.opts.Now()
	msg := Message{
		ID:           m.opts.NewID(),
		ConnectionID: connID,
		SessionKey:   sessionKey,
		Role:         "user",
		Sender:       "user",
		Content:      content,
		Timestamp:    start,
		Status:       MessageSending,
		Attachments:  attachments,
	}

	at, err := m.active(connID)
	if err != nil {
		m.record(ctx, "send", connID, sessionKey, "", start, err)
		return msg, err
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		msg.Status = MessageFailed
		m.publish(EventMessageFail, connID, MessageEvent{Message: msg, Err: ErrEmptyMessage})
		m.record(ctx, "send", connID, sessionKey, msg.ID, start, ErrEmptyMessage)
		return msg, ErrEmptyMessage
	}

	data, err := protocol.EncodeEvent(protocol.EventMessageSend, protocol.SendMessagePayload{
		SessionID:   sessionKey,
		SessionKey:  sessionKey,
		Content:     content,
		Attachments: attachments,
		MessageID:   msg.ID,
	})
	if err == nil {
		err = at.send(data)
	}
	if err != nil {
		msg.Status = MessageFailed
		m.publish(EventMessageFail, connID, MessageEvent{Message: msg, Err: err})
		m.record(ctx, "send", connID, sessionKey, msg.ID, start, err)
		return msg, fmt.Errorf("send message: %w", err)
	}

	msg.Status = MessageSent
	m.publish(EventMessageSent, connID, MessageEvent{Message: msg})
	m.record(ctx, "send", connID, sessionKey, msg.ID, start, nil)
	return msg, nil
}

// ListSessions asks the gateway for its sessions.
func (m *Manager) ListSessions(ctx context.Context, connID string) ([]protocol.SessionSummary, error) {
	start := m.opts.Now()
	sessions, err := m.listSessions(ctx, connID)
	m.record(ctx, "sessions.list", connID, "", fmt.Sprintf("%d sessions", len(sessions)), start, err)
	return sessions, err
}

func (m *Manager) listSessions(ctx context.Context, connID string) ([]protocol.SessionSummary, error) {
	at, err := m.active(connID)
	if err != nil {
		return nil, err
	}
	payload, err := at.corr.Call(ctx, protocol.MethodSessionsList, protocol.ListSessionsParams{Limit: m.opts.SessionsLimit}, m.opts.ListTimeout)
	if err != nil {
		return nil, err
	}
	var res protocol.SessionsListResult
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("decode sessions.list result: %w", err)
		}
	}
	sessions := res.All()
	if sessions == nil {
		sessions = []protocol.SessionSummary{}
	}
	return sessions, nil
}

// FetchHistory returns a session's transcript, oldest first. Tool results and
// messages without text are left out.
func (m *Manager) FetchHistory(ctx context.Context, connID, sessionKey string) ([]Message, error) {
	start := m.opts.Now()
	msgs, err := m.fetchHistory(ctx, connID, sessionKey)
	m.record(ctx, "chat.history", connID, sessionKey, fmt.Sprintf("%d messages", len(msgs)), start, err)
	return msgs, err
}

func (m *Manager) fetchHistory(ctx context.Context, connID, sessionKey string) ([]Message, error) {
	at, err := m.active(connID)
	if err != nil {
		return nil, err
	}
	payload, err := at.corr.Call(ctx, protocol.MethodChatHistory, protocol.HistoryParams{SessionKey: sessionKey, Limit: m.opts.HistoryLimit}, m.opts.HistoryTimeout)
	if err != nil {
		return nil, err
	}
	var res protocol.HistoryResult
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("decode chat.history result: %w", err)
		}
	}

	fetchedAt := m.opts.Now()
	msgs := make([]Message, 0, len(res.All()))
	for _, hm := range res.All() {
		if msg, ok := m.historyMessage(connID, sessionKey, hm, fetchedAt); ok {
			msgs = append(msgs, msg)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

// historyMessage converts a transcript entry. Entries without a timestamp
// take fetchedAt, so they sort after everything dated.
func (m *Manager) historyMessage(connID, sessionKey string, hm protocol.HistoryMessage, fetchedAt time.Time) (Message, bool) {
	if hm.Role == "toolResult" {
		return Message{}, false
	}
	text := hm.Text()
	if strings.TrimSpace(text) == "" {
		return Message{}, false
	}
	id := hm.ID
	if id == "" {
		id = m.opts.NewID()
	}
	ts := hm.Time()
	if ts.IsZero() {
		ts = fetchedAt
	}
	return Message{
		ID:           id,
		ConnectionID: connID,
		SessionKey:   sessionKey,
		Role:         hm.Role,
		Sender:       hm.Role,
		Content:      text,
		Timestamp:    ts,
		Status:       MessageDelivered,
	}, true
}

// RenameSession sets a session's label on the gateway. Callers update local
// state only when it returns nil.
func (m *Manager) RenameSession(ctx context.Context, connID, sessionKey, label string) error {
	start := m.opts.Now()
	label = strings.TrimSpace(label)
	err := m.mutate(ctx, connID, protocol.MethodSessionsPatch, func() (any, error) {
		if label == "" {
			return nil, errors.New("session label is empty")
		}
		return protocol.PatchSessionParams{Key: sessionKey, Label: label}, nil
	})
	m.record(ctx, "sessions.patch", connID, sessionKey, label, start, err)
	return err
}

// DeleteSession deletes a session on the gateway, optionally with its
// transcript.
func (m *Manager) DeleteSession(ctx context.Context, connID, sessionKey string, deleteTranscript bool) error {
	start := m.opts.Now()
	err := m.mutate(ctx, connID, protocol.MethodSessionsDelete, func() (any, error) {
		return protocol.DeleteSessionParams{Key: sessionKey, DeleteTranscript: deleteTranscript}, nil
	})
	m.record(ctx, "sessions.delete", connID, sessionKey, fmt.Sprintf("deleteTranscript=%t", deleteTranscript), start, err)
	return err
}

func (m *Manager) mutate(ctx context.Context, connID, method string, params func() (any, error)) error {
	at, err := m.active(connID)
	if err != nil {
		return err
	}
	p, err := params()
	if err != nil {
		return err
	}
	_, err = at.corr.Call(ctx, method, p, m.opts.MutateTimeout)
	return err
}
