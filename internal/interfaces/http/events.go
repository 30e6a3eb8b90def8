package http

import (
	"log/slog"
	"sync"
	"time"

	"github.com/highclaw/clawdesk/internal/gateway/client"
	"github.com/highclaw/clawdesk/internal/gateway/events"
)

// streamBuffer bounds each listener's backlog. A listener that falls this far
// behind loses events rather than stalling the dispatcher.
const streamBuffer = 64

// EventView is the JSON form of a dispatcher event sent to front ends.
type EventView struct {
	Name         string    `json:"event"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Time         time.Time `json:"time"`
	Data         any       `json:"data,omitempty"`
}

type connectionData struct {
	Connection client.ConnectionInfo `json:"connection"`
	Error      string                `json:"error,omitempty"`
}

type messageData struct {
	Message client.Message `json:"message"`
	Error   string         `json:"error,omitempty"`
}

// viewOf converts a dispatcher event. Payload structs carry Go errors and
// have no JSON shape of their own.
func viewOf(ev events.Event, now time.Time) EventView {
	v := EventView{Name: ev.Name, ConnectionID: ev.ConnectionID, Time: now}
	switch p := ev.Payload.(type) {
	case client.ConnectionEvent:
		v.Data = connectionData{Connection: p.Connection, Error: errText(p.Err)}
	case client.MessageEvent:
		v.Data = messageData{Message: p.Message, Error: errText(p.Err)}
	case client.StatusEvent:
		v.Data = map[string]any{"status": p.Status, "info": p.Info, "raw": rawOrNil(p.Raw)}
	case client.SessionsEvent:
		v.Data = map[string]any{"sessions": p.Sessions}
	case client.MessagesEvent:
		v.Data = map[string]any{"messages": p.Messages}
	case client.ErrorEvent:
		v.Data = map[string]any{"message": p.Message, "raw": rawOrNil(p.Raw)}
	case client.UploadEvent:
		v.Data = map[string]any{"upload": p.Upload}
	default:
		v.Data = p
	}
	return v
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return client.ScrubSecrets(err.Error())
}

// rawOrNil keeps malformed frames out of the encoder; they travel as text.
func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

type listener struct {
	ch     chan EventView
	connID string
}

// eventStream holds one wildcard subscription on the manager and fans events
// out to SSE and websocket listeners.
type eventStream struct {
	mgr    *client.Manager
	logger *slog.Logger
	sub    events.Subscription

	mu        sync.Mutex
	nextID    int
	listeners map[int]*listener
	closed    bool
	dropped   uint64
}

func newEventStream(mgr *client.Manager, logger *slog.Logger) *eventStream {
	s := &eventStream{
		mgr:       mgr,
		logger:    logger,
		listeners: make(map[int]*listener),
	}
	s.sub = mgr.Subscribe(events.Wildcard, s.publish)
	return s
}

// subscribe registers a listener; connID filters to one connection when set.
func (s *eventStream) subscribe(connID string) (int, <-chan EventView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan EventView, streamBuffer)
	if s.closed {
		close(ch)
		return -1, ch
	}
	s.nextID++
	s.listeners[s.nextID] = &listener{ch: ch, connID: connID}
	return s.nextID, ch
}

func (s *eventStream) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.listeners[id]; ok {
		delete(s.listeners, id)
		close(l.ch)
	}
}

func (s *eventStream) publish(ev events.Event) {
	view := viewOf(ev, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if l.connID != "" && ev.ConnectionID != "" && l.connID != ev.ConnectionID {
			continue
		}
		select {
		case l.ch <- view:
		default:
			s.dropped++
			s.logger.Warn("event listener is behind, dropping event", "event", ev.Name, "dropped", s.dropped)
		}
	}
}

func (s *eventStream) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// close ends every listener and releases the manager subscription.
func (s *eventStream) close() {
	s.mgr.Unsubscribe(s.sub)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, l := range s.listeners {
		close(l.ch)
		delete(s.listeners, id)
	}
}
