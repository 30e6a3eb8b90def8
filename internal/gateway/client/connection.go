package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/highclaw/clawdesk/internal/gateway/auth"
	"github.com/highclaw/clawdesk/internal/gateway/protocol"
	"github.com/highclaw/clawdesk/internal/gateway/rpc"
	"github.com/highclaw/clawdesk/internal/gateway/transport"
)

// Connection is one configured gateway connection. It is created and
// destroyed by the Manager; callers hold it only to read its state.
type Connection struct {
	ID     string
	logger *slog.Logger

	mu          sync.Mutex
	cfg         Config
	status      Status
	connectedAt time.Time
	lastError   error
	cur         *attempt
}

func newConnection(id string, cfg Config, logger *slog.Logger) *Connection {
	return &Connection{
		ID:     id,
		cfg:    cfg,
		status: StatusDisconnected,
		logger: logger.With("connection", id),
	}
}

// Config returns the connection's configuration.
func (c *Connection) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ConnectedAt returns when the handshake last succeeded, or zero.
func (c *Connection) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// LastError returns the error that put the connection in StatusError.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Info returns a serializable snapshot.
func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := ConnectionInfo{
		ID:       c.ID,
		Name:     c.cfg.Name,
		Endpoint: transport.RedactURL(c.cfg.Endpoint),
		Protocol: c.cfg.Protocol,
		Status:   c.status,
	}
	if !c.connectedAt.IsZero() {
		t := c.connectedAt
		info.ConnectedAt = &t
	}
	if c.lastError != nil {
		info.LastError = ScrubSecrets(c.lastError.Error())
	}
	return info
}

func (c *Connection) isCurrent(at *attempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur == at
}

// setStatus moves the connection to status if at is still its attempt.
func (c *Connection) setStatus(at *attempt, status Status, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != at {
		return false
	}
	c.status = status
	switch status {
	case StatusConnected:
		c.connectedAt = time.Now()
		c.lastError = nil
	case StatusError:
		c.lastError = err
	}
	return true
}

// attempt is the state of one dial. Transport callbacks carry their attempt
// so signals from a superseded socket are ignored.
type attempt struct {
	corr *rpc.Correlator
	auth *auth.Authenticator

	bound   chan struct{}
	conn    transport.Conn
	earlyMu sync.Mutex
	early   [][]byte

	helloMu sync.Mutex
	hello   json.RawMessage

	done chan struct{}
	err  error
}

func newAttempt() *attempt {
	return &attempt{bound: make(chan struct{}), done: make(chan struct{})}
}

// bind publishes the dialed socket (nil when dialing failed) and flushes the
// handshake frames queued while Dial was still running.
func (at *attempt) bind(conn transport.Conn) {
	at.earlyMu.Lock()
	at.conn = conn
	close(at.bound)
	early := at.early
	at.early = nil
	at.earlyMu.Unlock()

	if conn == nil {
		return
	}
	for _, data := range early {
		if err := conn.Send(data); err != nil {
			return
		}
	}
}

func (at *attempt) transport() transport.Conn {
	select {
	case <-at.bound:
		return at.conn
	default:
		return nil
	}
}

// sendEarly is send for the authenticator. The challenge can be delivered
// on the reader goroutine before Dial returns, so the reply is queued for
// bind instead of waiting on it.
func (at *attempt) sendEarly(data []byte) error {
	at.earlyMu.Lock()
	select {
	case <-at.bound:
		at.earlyMu.Unlock()
		return at.send(data)
	default:
	}
	at.early = append(at.early, data)
	at.earlyMu.Unlock()
	return nil
}

func (at *attempt) send(data []byte) error {
	<-at.bound
	if at.conn == nil {
		return transport.ErrNotOpen
	}
	return at.conn.Send(data)
}

func (at *attempt) finish(err error) {
	at.err = err
	close(at.done)
}

func (at *attempt) wait(ctx context.Context) error {
	select {
	case <-at.done:
		return at.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (at *attempt) setHello(payload json.RawMessage) {
	at.helloMu.Lock()
	defer at.helloMu.Unlock()
	at.hello = payload
}

func (at *attempt) helloPayload() json.RawMessage {
	at.helloMu.Lock()
	defer at.helloMu.Unlock()
	return at.hello
}

// handleFrame runs on the socket's reader goroutine, one frame at a time.
func (m *Manager) handleFrame(c *Connection, at *attempt, data []byte) {
	switch in := protocol.Decode(data).(type) {
	case protocol.Response:
		if in.ID == auth.HandshakeID && in.OK {
			at.setHello(in.Payload)
		}
		if at.auth.HandleResponse(in) {
			return
		}
		at.corr.Resolve(in)
	case protocol.Event:
		if at.auth.HandleEvent(in) {
			if in.Name == protocol.EventConnectReady {
				m.publish(EventStatus, c.ID, StatusEvent{Status: "ready", Info: in.Name, Raw: in.Payload})
			}
			return
		}
		m.routeEvent(c, in)
	case protocol.Request:
		c.logger.Debug("ignoring gateway request", "method", in.Method, "id", in.ID)
	case protocol.Malformed:
		c.logger.Warn("malformed gateway frame", "error", in.Err)
		m.publish(EventStatus, c.ID, StatusEvent{Status: "malformed", Info: in.Err.Error(), Raw: json.RawMessage(in.Data)})
	}
}

func (m *Manager) routeEvent(c *Connection, ev protocol.Event) {
	switch p := protocol.ParseEventPayload(ev).(type) {
	case protocol.StatusPayload:
		m.publish(EventStatus, c.ID, StatusEvent{Status: p.Status, Info: firstNonEmpty(p.Info, ev.Name), Raw: p.Raw})
	case protocol.SessionsPayload:
		m.publish(EventSessions, c.ID, SessionsEvent{Sessions: p.Sessions})
	case protocol.MessagesPayload:
		now := m.opts.Now()
		msgs := make([]Message, 0, len(p.Messages))
		for _, hm := range p.Messages {
			if msg, ok := m.historyMessage(c.ID, "", hm, now); ok {
				msgs = append(msgs, msg)
			}
		}
		m.publish(EventMessages, c.ID, MessagesEvent{Messages: msgs})
	case protocol.ChatMessagePayload:
		m.publish(EventMessage, c.ID, MessageEvent{Message: m.incomingMessage(c.ID, p)})
	case protocol.ErrorPayload:
		c.logger.Warn("gateway reported error", "message", p.Message)
		m.publish(EventError, c.ID, ErrorEvent{Message: p.Message, Raw: p.Raw})
	case protocol.UnknownPayload:
		c.logger.Debug("unhandled gateway event", "event", ev.Name)
		m.publish(ev.Name, c.ID, p)
	}
}

func (m *Manager) handleTransportError(c *Connection, _ *attempt, err error) {
	c.logger.Warn("gateway transport error", "error", ScrubSecrets(err.Error()))
	m.publish(EventError, c.ID, ErrorEvent{Message: ScrubSecrets(err.Error())})
}

// handleClose runs once per socket, after its last frame.
func (m *Manager) handleClose(c *Connection, at *attempt, code int, reason string) {
	at.auth.HandleClose(code, reason)
	at.corr.Close(fmt.Errorf("socket closed (%d)", code))

	c.mu.Lock()
	if c.cur != at || c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	var closeErr error
	if code == transport.CloseNormal {
		c.status = StatusDisconnected
	} else {
		closeErr = fmt.Errorf("gateway closed the connection (code %d): %s", code, firstNonEmpty(strings.TrimSpace(reason), "no reason given"))
		c.status = StatusError
		c.lastError = closeErr
	}
	c.connectedAt = time.Time{}
	c.mu.Unlock()

	c.logger.Info("gateway connection closed", "code", code, "reason", reason)
	if closeErr == nil {
		m.publish(EventStatus, c.ID, StatusEvent{Status: "closed", Info: "closed by server"})
	} else {
		m.publish(EventError, c.ID, ErrorEvent{Message: closeErr.Error()})
	}
	m.publishConn(EventDisconnected, c, closeErr)
}

func (m *Manager) publishHello(c *Connection, at *attempt) {
	raw := at.helloPayload()
	if len(raw) == 0 {
		return
	}
	var hello protocol.HelloPayload
	if err := json.Unmarshal(raw, &hello); err != nil {
		c.logger.Debug("unreadable hello payload", "error", err)
		return
	}
	if recent := hello.RecentSessions(); len(recent) > 0 {
		m.publish(EventSessions, c.ID, SessionsEvent{Sessions: recent})
	}
}

func (m *Manager) incomingMessage(connID string, p protocol.ChatMessagePayload) Message {
	id := firstNonEmpty(p.MessageID, p.ID)
	if id == "" {
		id = m.opts.NewID()
	}
	ts := p.Timestamp.Time
	if ts.IsZero() {
		ts = m.opts.Now()
	}
	role := firstNonEmpty(p.Role, "assistant")
	sender := role
	if p.Sender != nil {
		sender = firstNonEmpty(p.Sender.Name, p.Sender.ID, role)
	}
	return Message{
		ID:           id,
		ConnectionID: connID,
		SessionKey:   p.Key(),
		Role:         role,
		Sender:       sender,
		Content:      protocol.ExtractText(p.Content),
		Timestamp:    ts,
		Status:       MessageDelivered,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
