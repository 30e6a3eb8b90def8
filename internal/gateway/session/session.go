// Package session tracks the chat sessions a client has seen on its gateways.
// The gateway names a session by its server key (e.g. "agent:main:main");
// front ends address it by a stable local id handed out by the Registry.
package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/highclaw/clawdesk/internal/gateway/protocol"
)

// ErrUnknownSession is returned for local ids the registry does not hold.
var ErrUnknownSession = errors.New("unknown session")

// Kind is the conversation shape of a session.
type Kind string

const (
	KindIndividual Kind = "individual"
	KindGroup      Kind = "group"
	KindChannel    Kind = "channel"
)

// Session is one server session as seen by this client.
type Session struct {
	ID           string    `json:"id"`
	Key          string    `json:"key"`
	ConnectionID string    `json:"connectionId"`
	Name         string    `json:"name"`
	Kind         Kind      `json:"kind"`
	Channel      string    `json:"channel,omitempty"`
	Model        string    `json:"model,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Registry maps local session ids to server keys, per connection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byKey    map[string]string
	newID    func() string
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byKey:    make(map[string]string),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

func refKey(connID, key string) string {
	return connID + "|" + key
}

// Sync replaces the sessions known for connID with the server's list. Local
// ids of sessions seen before are kept; sessions the server no longer lists
// are dropped. The result follows the server's order.
func (r *Registry) Sync(connID string, summaries []protocol.SessionSummary) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	seen := make(map[string]bool, len(summaries))
	out := make([]Session, 0, len(summaries))
	for _, sum := range summaries {
		key := strings.TrimSpace(sum.ServerKey())
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		sess := r.upsertLocked(connID, key, now)
		name := strings.TrimSpace(sum.Name())
		if name == "" || name == key {
			name = DisplayName(key)
		}
		sess.Name = name
		sess.Kind = KindOf(key, sum.Kind)
		sess.Channel = sum.Channel
		sess.Model = sum.Model
		sess.UnreadCount = sum.UnreadCount
		if text := strings.TrimSpace(sum.LastMessage); text != "" {
			sess.LastMessage = text
		}
		if !sum.UpdatedAt.IsZero() {
			sess.UpdatedAt = sum.UpdatedAt.Time
		}
		out = append(out, *sess)
	}

	for id, sess := range r.sessions {
		if sess.ConnectionID == connID && !seen[sess.Key] {
			delete(r.byKey, refKey(connID, sess.Key))
			delete(r.sessions, id)
		}
	}
	return out
}

// Ensure returns the session for (connID, key), registering it if needed.
func (r *Registry) Ensure(connID, key string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.upsertLocked(connID, key, r.now())
	if sess.Name == "" {
		sess.Name = DisplayName(key)
		sess.Kind = KindOf(key, "")
	}
	return *sess
}

func (r *Registry) upsertLocked(connID, key string, now time.Time) *Session {
	if id, ok := r.byKey[refKey(connID, key)]; ok {
		return r.sessions[id]
	}
	sess := &Session{
		ID:           r.newID(),
		Key:          key,
		ConnectionID: connID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.sessions[sess.ID] = sess
	r.byKey[refKey(connID, key)] = sess.ID
	return sess
}

// Get returns the session with local id id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Lookup finds a session by connection and server key.
func (r *Registry) Lookup(connID, key string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[refKey(connID, key)]
	if !ok {
		return Session{}, false
	}
	return *r.sessions[id], true
}

// Resolve accepts a local id or a server key and returns the session.
func (r *Registry) Resolve(connID, ref string) (Session, error) {
	if sess, ok := r.Get(ref); ok && sess.ConnectionID == connID {
		return sess, nil
	}
	if sess, ok := r.Lookup(connID, ref); ok {
		return sess, nil
	}
	return Session{}, ErrUnknownSession
}

// Rename sets the display name after the server accepted it.
func (r *Registry) Rename(id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	sess.Name = name
	sess.UpdatedAt = r.now()
	return nil
}

// Remove drops a session after the server deleted it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		delete(r.byKey, refKey(sess.ConnectionID, sess.Key))
		delete(r.sessions, id)
	}
}

// Touch records an incoming message for (connID, key).
func (r *Registry) Touch(connID, key, preview string, at time.Time, unread bool) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.upsertLocked(connID, key, r.now())
	if sess.Name == "" {
		sess.Name = DisplayName(key)
		sess.Kind = KindOf(key, "")
	}
	if preview != "" {
		sess.LastMessage = preview
	}
	if at.After(sess.UpdatedAt) {
		sess.UpdatedAt = at
	}
	if unread {
		sess.UnreadCount++
	}
	return *sess
}

// MarkRead clears the unread counter.
func (r *Registry) MarkRead(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		sess.UnreadCount = 0
	}
}

// List returns the sessions of connID, most recently updated first. An empty
// connID lists every connection.
func (r *Registry) List(connID string) []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if connID == "" || sess.ConnectionID == connID {
			out = append(out, *sess)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Forget drops every session of connID.
func (r *Registry) Forget(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sess := range r.sessions {
		if sess.ConnectionID == connID {
			delete(r.byKey, refKey(connID, sess.Key))
			delete(r.sessions, id)
		}
	}
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
