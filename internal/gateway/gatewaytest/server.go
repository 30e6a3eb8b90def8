// Package gatewaytest runs an in-process gateway for tests. It speaks the
// req/res/event envelope protocol over a real WebSocket, performs the
// challenge handshake, and answers requests through per-method handlers.
package gatewaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/highclaw/clawdesk/internal/gateway/protocol"
)

// Reply is a handler's answer to one request. Drop suppresses the response
// entirely, which lets tests exercise client timeouts.
type Reply struct {
	Payload any
	Err     *protocol.Error
	Drop    bool
}

// HandlerFunc answers one request.
type HandlerFunc func(params json.RawMessage) Reply

// Options shape the handshake.
type Options struct {
	// Token expected in connect params. Empty accepts any token.
	Token string
	// Nonce sent in connect.challenge.
	Nonce string
	// SkipChallenge never sends connect.challenge.
	SkipChallenge bool
	// ReadyEvent answers a good connect with connect.ready instead of a res.
	ReadyEvent bool
	// RejectCloseCode, when non-zero, closes the socket with this code after
	// rejecting a bad token.
	RejectCloseCode int
	// Hello is the payload of a successful connect response.
	Hello any
}

// Server is a fake gateway.
type Server struct {
	URL string

	t        testing.TB
	opts     Options
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	peers    []*Peer
	frames   []protocol.Frame
	dials    int
	notify   chan struct{}
}

// Peer is one client connection accepted by the server.
type Peer struct {
	conn  *websocket.Conn
	mu    sync.Mutex
	Query string
}

// New starts a server and registers its shutdown with t.Cleanup.
func New(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.Nonce == "" {
		opts.Nonce = "abc123"
	}
	s := &Server{
		t:        t,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		handlers: make(map[string]HandlerFunc),
		notify:   make(chan struct{}, 1),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWS))
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	t.Cleanup(s.Close)
	return s
}

// Handle registers the handler for method.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// Close drops every peer and stops the listener.
func (s *Server) Close() {
	s.mu.Lock()
	peers := append([]*Peer(nil), s.peers...)
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
	s.srv.Close()
}

// Dials returns how many WebSocket connections were accepted.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Frames returns every client frame received so far whose method or event
// name equals name. An empty name returns all frames.
func (s *Server) Frames(name string) []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Frame
	for _, f := range s.frames {
		if name == "" || f.Method == name || f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

// WaitFrames blocks until at least n frames named name arrived.
func (s *Server) WaitFrames(name string, n int, timeout time.Duration) []protocol.Frame {
	s.t.Helper()
	deadline := time.After(timeout)
	for {
		if got := s.Frames(name); len(got) >= n {
			return got
		}
		select {
		case <-s.notify:
		case <-deadline:
			s.t.Fatalf("gatewaytest: waited %s for %d %q frames, got %d", timeout, n, name, len(s.Frames(name)))
			return nil
		}
	}
}

// Peers returns the accepted connections.
func (s *Server) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Peer(nil), s.peers...)
}

// Broadcast pushes an event to every peer.
func (s *Server) Broadcast(name string, payload any) {
	for _, p := range s.Peers() {
		_ = p.Event(name, payload)
	}
}

// CloseAll closes every peer with a close frame.
func (s *Server) CloseAll(code int, reason string) {
	for _, p := range s.Peers() {
		p.CloseWith(code, reason)
	}
}

// DropAll severs every peer without a close frame.
func (s *Server) DropAll() {
	for _, p := range s.Peers() {
		_ = p.conn.UnderlyingConn().Close()
	}
}

// Event sends an event frame to this peer.
func (p *Peer) Event(name string, payload any) error {
	data, err := protocol.EncodeEvent(name, payload)
	if err != nil {
		return err
	}
	return p.write(data)
}

// Raw sends arbitrary bytes as a text frame.
func (p *Peer) Raw(data []byte) error {
	return p.write(data)
}

// CloseWith sends a close frame and closes the socket.
func (p *Peer) CloseWith(code int, reason string) {
	p.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	p.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	_ = p.conn.Close()
}

func (p *Peer) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	peer := &Peer{conn: conn, Query: r.URL.RawQuery}

	s.mu.Lock()
	s.dials++
	s.peers = append(s.peers, peer)
	s.mu.Unlock()

	if !s.opts.SkipChallenge {
		_ = peer.Event(protocol.EventConnectChallenge, map[string]any{
			"nonce": s.opts.Nonce,
			"ts":    time.Now().UnixMilli(),
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.record(f)

		if f.Type != protocol.TypeRequest {
			continue
		}
		if f.Method == protocol.MethodConnect {
			s.handshake(peer, f)
			continue
		}
		s.answer(peer, f)
	}
}

func (s *Server) record(f protocol.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Server) handshake(peer *Peer, f protocol.Frame) {
	var params protocol.ConnectParams
	_ = json.Unmarshal(f.Params, &params)

	if s.opts.Token != "" && params.Auth.Token != s.opts.Token {
		data, _ := protocol.EncodeResponse(f.ID, nil, &protocol.Error{Code: "UNAUTHORIZED", Message: "invalid token"})
		_ = peer.write(data)
		if s.opts.RejectCloseCode != 0 {
			peer.CloseWith(s.opts.RejectCloseCode, "invalid token")
		}
		return
	}

	if s.opts.ReadyEvent {
		_ = peer.Event(protocol.EventConnectReady, map[string]any{"protocol": 3})
		return
	}
	hello := s.opts.Hello
	if hello == nil {
		hello = map[string]any{"protocol": 3}
	}
	data, _ := protocol.EncodeResponse(f.ID, hello, nil)
	_ = peer.write(data)
}

func (s *Server) answer(peer *Peer, f protocol.Frame) {
	s.mu.Lock()
	fn, ok := s.handlers[f.Method]
	s.mu.Unlock()

	reply := Reply{Err: &protocol.Error{Code: "UNKNOWN_METHOD", Message: "unknown method: " + f.Method}}
	if ok {
		reply = fn(f.Params)
	}
	if reply.Drop {
		return
	}
	data, err := protocol.EncodeResponse(f.ID, reply.Payload, reply.Err)
	if err != nil {
		s.t.Errorf("gatewaytest: encode response: %v", err)
		return
	}
	_ = peer.write(data)
}
