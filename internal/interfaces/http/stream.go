package http

import (
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	ssePingInterval = 15 * time.Second
	wsPingInterval  = 30 * time.Second
	wsPongWait      = 60 * time.Second
	wsWriteWait     = 10 * time.Second
)

// handleEvents streams dispatcher events as Server-Sent Events.
// ?connection=<id> limits the stream to one connection.
func (s *Server) handleEvents(c *gin.Context) {
	id, ch := s.stream.subscribe(c.Query("connection"))
	defer s.stream.unsubscribe(id)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("ready", gin.H{"connections": s.app.Manager.Connections()})
	c.Writer.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case view, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(view.Name, view)
			return true
		case <-ping.C:
			c.SSEvent("ping", time.Now().UnixMilli())
			return true
		}
	})
}

// wsRelay pushes the event stream to one websocket client.
type wsRelay struct {
	conn   *websocket.Conn
	server *Server
	id     int
	events <-chan EventView
}

// handleWebSocket is the websocket flavour of handleEvents, for front ends
// that already speak websocket.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	id, ch := s.stream.subscribe(c.Query("connection"))
	r := &wsRelay{conn: conn, server: s, id: id, events: ch}
	s.logger.Info("websocket listener connected", "listener", id)

	hello, _ := json.Marshal(EventView{
		Name: "ready",
		Time: time.Now(),
		Data: gin.H{"connections": s.app.Manager.Connections()},
	})
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		r.cleanup()
		return
	}

	go r.readPump()
	go r.writePump()
}

// readPump only watches for close and pongs; listeners send nothing.
func (r *wsRelay) readPump() {
	defer r.cleanup()

	_ = r.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := r.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.server.logger.Warn("websocket read error", "listener", r.id, "error", err)
			}
			return
		}
	}
}

func (r *wsRelay) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = r.conn.Close()
	}()

	for {
		select {
		case view, ok := <-r.events:
			_ = r.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge closing"))
				return
			}
			data, err := json.Marshal(view)
			if err != nil {
				r.server.logger.Error("encode event", "event", view.Name, "error", err)
				continue
			}
			if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = r.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// cleanup closes the listener channel, which ends writePump.
func (r *wsRelay) cleanup() {
	r.server.stream.unsubscribe(r.id)
	_ = r.conn.Close()
	r.server.logger.Info("websocket listener disconnected", "listener", r.id)
}
