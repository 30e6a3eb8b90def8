package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteWait    = 10 * time.Second
	defaultQueueSize    = 256
)

// WebSocketDialer dials the gateway with gorilla/websocket.
type WebSocketDialer struct {
	Dialer       *websocket.Dialer
	PingInterval time.Duration
	WriteWait    time.Duration
	QueueSize    int
	Logger       *slog.Logger
}

// NewWebSocketDialer returns a dialer with the default timings.
func NewWebSocketDialer(logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		PingInterval: defaultPingInterval,
		WriteWait:    defaultWriteWait,
		QueueSize:    defaultQueueSize,
		Logger:       logger,
	}
}

// Dial opens a WebSocket to url and starts its pumps.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, h Handler) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		te := &Error{Op: "dial", URL: url, Err: err}
		if resp != nil {
			te.Status = resp.Status
		}
		return nil, te
	}

	queue := d.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	c := &wsConn{
		ws:           ws,
		url:          url,
		send:         make(chan []byte, queue),
		done:         make(chan struct{}),
		handler:      h,
		pingInterval: orDefault(d.PingInterval, defaultPingInterval),
		writeWait:    orDefault(d.WriteWait, defaultWriteWait),
		logger:       d.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.open.Store(true)

	go c.readPump()
	go c.writePump()
	return c, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

type wsConn struct {
	ws      *websocket.Conn
	url     string
	send    chan []byte
	done    chan struct{}
	handler Handler
	logger  *slog.Logger

	pingInterval time.Duration
	writeWait    time.Duration

	mu        sync.Mutex
	open      atomic.Bool
	local     atomic.Bool
	closeOnce sync.Once
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open.Load() {
		return ErrNotOpen
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *wsConn) Close() error {
	c.local.Store(true)
	c.shutdown()
	return nil
}

func (c *wsConn) IsOpen() bool {
	return c.open.Load()
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.open.Store(false)
		c.mu.Unlock()
		close(c.done)
	})
}

// readPump is the only goroutine that invokes the handler.
func (c *wsConn) readPump() {
	pongWait := c.pingInterval * 2
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	var (
		code   int
		reason string
	)
	for {
		mt, message, err := c.ws.ReadMessage()
		if err != nil {
			code, reason = c.classify(err)
			break
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if c.handler.OnMessage != nil {
			c.handler.OnMessage(message)
		}
	}

	c.shutdown()
	if c.handler.OnClose != nil {
		c.handler.OnClose(code, reason)
	}
}

func (c *wsConn) classify(err error) (int, string) {
	if c.local.Load() {
		return CloseNormal, "closed by client"
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		return ce.Code, ce.Text
	}

	c.logger.Warn("gateway socket read failed", "url", RedactURL(c.url), "error", err)
	if c.handler.OnError != nil {
		c.handler.OnError(&Error{Op: "read", URL: c.url, Err: err})
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CloseAbnormal, "read timeout"
	}
	return CloseAbnormal, err.Error()
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("gateway socket write failed", "url", RedactURL(c.url), "error", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			if c.local.Load() {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
			}
			return
		}
	}
}
