// Package client is the connection manager of the gateway engine. It owns
// every Connection, drives the dial → handshake → traffic lifecycle, and
// exposes the operations front ends call: connect, disconnect, send, list
// sessions, fetch history, rename and delete sessions, and upload files.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/highclaw/clawdesk/internal/gateway/auth"
	"github.com/highclaw/clawdesk/internal/gateway/events"
	"github.com/highclaw/clawdesk/internal/gateway/protocol"
	"github.com/highclaw/clawdesk/internal/gateway/rpc"
	"github.com/highclaw/clawdesk/internal/gateway/transport"
)

// Defaults for Options.
const (
	DefaultSessionsLimit = 100
	DefaultHistoryLimit  = 100
)

// Options configure a Manager. Zero values take the defaults.
type Options struct {
	Dialer   transport.Dialer
	Logger   *slog.Logger
	Recorder Recorder
	Files    FileSource

	Client protocol.ClientInfo
	Role   string
	Scopes []string
	Device *auth.DeviceIdentity

	AuthTimeout    time.Duration
	ListTimeout    time.Duration
	HistoryTimeout time.Duration
	MutateTimeout  time.Duration

	SessionsLimit int
	HistoryLimit  int

	Now   func() time.Time
	NewID func() string
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Dialer == nil {
		o.Dialer = transport.NewWebSocketDialer(o.Logger)
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Files == nil {
		o.Files = OSFileSource{}
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = auth.DefaultTimeout
	}
	if o.ListTimeout <= 0 {
		o.ListTimeout = rpc.ListTimeout
	}
	if o.HistoryTimeout <= 0 {
		o.HistoryTimeout = rpc.HistoryTimeout
	}
	if o.MutateTimeout <= 0 {
		o.MutateTimeout = rpc.MutateTimeout
	}
	if o.SessionsLimit <= 0 {
		o.SessionsLimit = DefaultSessionsLimit
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = DefaultHistoryLimit
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// Manager owns the registry of Connections and the event dispatcher shared
// by all of them. Subscriptions outlive individual connections.
type Manager struct {
	opts   Options
	logger *slog.Logger
	events *events.Dispatcher

	mu    sync.Mutex
	conns map[string]*Connection

	uploadsMu sync.Mutex
	uploads   map[string]Upload
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	opts.setDefaults()
	logger := opts.Logger.With("component", "gateway-client")
	return &Manager{
		opts:    opts,
		logger:  logger,
		events:  events.NewDispatcher(logger),
		conns:   make(map[string]*Connection),
		uploads: make(map[string]Upload),
	}
}

// Events returns the dispatcher all connection events are published on.
func (m *Manager) Events() *events.Dispatcher {
	return m.events
}

// Subscribe is shorthand for Events().Subscribe.
func (m *Manager) Subscribe(name string, h events.Handler) events.Subscription {
	return m.events.Subscribe(name, h)
}

// Unsubscribe is shorthand for Events().Unsubscribe.
func (m *Manager) Unsubscribe(sub events.Subscription) {
	m.events.Unsubscribe(sub)
}

// Get returns the connection with id.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	return c, ok
}

// Connections returns a snapshot of every connection, sorted by name.
func (m *Manager) Connections() []ConnectionInfo {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Connect establishes the connection described by cfg. It is idempotent per
// derived id: a connection that is connecting, waiting or connected is
// returned as is (a concurrent caller waits for the attempt in flight); a
// disconnected or failed one is attempted again.
func (m *Manager) Connect(ctx context.Context, cfg Config) (*Connection, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, errors.New("connection name is required")
	}
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolWebSocket
	}
	if cfg.Protocol != ProtocolWebSocket && cfg.Protocol != ProtocolReverse {
		return nil, fmt.Errorf("unsupported connection protocol %q", cfg.Protocol)
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = m.opts.Now()
	}
	id := cfg.ConnectionID()
	start := m.opts.Now()

	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		c = newConnection(id, cfg, m.logger)
		m.conns[id] = c
	}
	c.mu.Lock()
	switch c.status {
	case StatusConnected, StatusWaiting:
		c.mu.Unlock()
		m.mu.Unlock()
		return c, nil
	case StatusConnecting:
		at := c.cur
		c.mu.Unlock()
		m.mu.Unlock()
		return c, at.wait(ctx)
	}
	at := newAttempt()
	c.cfg = cfg
	c.cur = at
	c.status = StatusConnecting
	c.lastError = nil
	c.connectedAt = time.Time{}
	c.mu.Unlock()
	m.mu.Unlock()

	m.publishConn(EventConnecting, c, nil)
	err := m.run(ctx, c, at)
	at.finish(err)
	m.record(ctx, "connect", id, "", cfg.Name, start, err)
	if err != nil {
		return c, err
	}
	return c, nil
}

// run performs one connection attempt.
func (m *Manager) run(ctx context.Context, c *Connection, at *attempt) error {
	cfg := c.Config()
	log := c.logger

	if cfg.Protocol == ProtocolReverse {
		at.bind(nil)
		if !c.setStatus(at, StatusWaiting, nil) {
			return &ConnectError{Name: cfg.Name, Err: ErrDisconnected}
		}
		log.Info("waiting for reverse gateway connection")
		m.publishConn(EventWaiting, c, nil)
		return nil
	}

	url, err := transport.NormalizeEndpoint(cfg.Endpoint, cfg.Token)
	if err != nil {
		at.bind(nil)
		return m.failAttempt(c, at, err)
	}

	at.corr = rpc.New(at.send, log)
	at.auth = auth.New(auth.Options{
		Token:   cfg.Token,
		Timeout: m.opts.AuthTimeout,
		Client:  m.opts.Client,
		Role:    m.opts.Role,
		Scopes:  m.opts.Scopes,
		Device:  m.opts.Device,
		Now:     m.opts.Now,
	}, at.sendEarly, log)

	// Armed before dialing: the gateway may send its challenge as soon as the
	// upgrade completes, before Dial returns.
	at.auth.Start(func() {
		log.Warn("gateway authentication timed out, closing socket")
		if conn := at.transport(); conn != nil {
			_ = conn.Close()
		}
	})

	log.Info("connecting to gateway", "url", transport.RedactURL(url))
	conn, err := m.opts.Dialer.Dial(ctx, url, transport.Handler{
		OnMessage: func(data []byte) { m.handleFrame(c, at, data) },
		OnError:   func(err error) { m.handleTransportError(c, at, err) },
		OnClose:   func(code int, reason string) { m.handleClose(c, at, code, reason) },
	})
	if err != nil {
		at.bind(nil)
		at.auth.HandleClose(transport.CloseAbnormal, err.Error())
		return m.failAttempt(c, at, err)
	}
	at.bind(conn)
	if !c.isCurrent(at) {
		_ = conn.Close()
		return &ConnectError{Name: cfg.Name, Err: ErrDisconnected}
	}

	if err := at.auth.Wait(ctx); err != nil {
		_ = conn.Close()
		at.corr.Close(err)
		return m.failAttempt(c, at, err)
	}

	if !c.setStatus(at, StatusConnected, nil) {
		_ = conn.Close()
		return &ConnectError{Name: cfg.Name, Err: ErrDisconnected}
	}
	log.Info("gateway connection ready")
	m.publishConn(EventConnected, c, nil)
	m.publishHello(c, at)
	return nil
}

func (m *Manager) failAttempt(c *Connection, at *attempt, cause error) error {
	err := &ConnectError{Name: c.Config().Name, Err: cause}
	if c.setStatus(at, StatusError, err) {
		c.logger.Warn("gateway connection failed", "error", ScrubSecrets(cause.Error()))
		m.publishConn(EventConnError, c, err)
	}
	return err
}

// Disconnect closes the connection, rejects its pending requests, and
// removes it. Unknown ids are ignored.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	start := m.opts.Now()
	c.mu.Lock()
	at := c.cur
	c.cur = nil
	c.status = StatusDisconnected
	c.connectedAt = time.Time{}
	c.mu.Unlock()

	if at != nil {
		if at.corr != nil {
			at.corr.Close(ErrDisconnected)
		}
		if at.auth != nil {
			at.auth.HandleClose(transport.CloseNormal, ErrDisconnected.Error())
		}
		if conn := at.transport(); conn != nil {
			_ = conn.Close()
		}
	}
	m.forgetUploads(id)
	c.logger.Info("gateway connection closed by client")
	m.publishConn(EventDisconnected, c, nil)
	m.record(context.Background(), "disconnect", id, "", c.Config().Name, start, nil)
}

// Close disconnects every connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			m.Disconnect(id)
			return nil
		})
	}
	return g.Wait()
}

// active returns the live attempt of a connected connection.
func (m *Manager) active(connID string) (*attempt, error) {
	c, ok := m.Get(connID)
	if !ok {
		return nil, &NotConnectedError{ConnectionID: connID}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected || c.cur == nil {
		return nil, &NotConnectedError{ConnectionID: connID, Status: c.status}
	}
	conn := c.cur.transport()
	if conn == nil || !conn.IsOpen() {
		return nil, &NotConnectedError{ConnectionID: connID, Status: c.status}
	}
	return c.cur, nil
}

func (m *Manager) publish(name, connID string, payload any) {
	m.events.Publish(events.Event{Name: name, ConnectionID: connID, Payload: payload})
}

func (m *Manager) publishConn(name string, c *Connection, err error) {
	m.publish(name, c.ID, ConnectionEvent{Connection: c.Info(), Err: err})
}
