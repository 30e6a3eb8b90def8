// Package auth runs the gateway handshake: wait for connect.challenge, answer
// with a connect request, then wait for the gateway to accept or reject it.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/highclaw/clawdesk/internal/gateway/protocol"
)

const (
	// HandshakeID is the request id reserved for the connect request.
	HandshakeID = "conn-1"
	// DefaultTimeout bounds the whole handshake.
	DefaultTimeout = 10 * time.Second
	// ProtocolVersion is the only protocol revision this client speaks.
	ProtocolVersion = 3
	// DefaultRole is the role requested in the handshake.
	DefaultRole = "operator"
)

// DefaultScopes are requested when Options.Scopes is empty.
var DefaultScopes = []string{"operator.read", "operator.write", "operator.admin"}

// DefaultClient identifies this client in the handshake.
var DefaultClient = protocol.ClientInfo{ID: "webchat", Version: "1.0", Platform: "web", Mode: "ui"}

// State is a handshake phase.
type State int

const (
	StateIdle State = iota
	StateAwaitingChallenge
	StateAwaitingResult
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateAwaitingResult:
		return "awaiting_result"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Error is a failed handshake. Reason is the gateway's text when it sent one.
type Error struct {
	Reason    string
	Timeout   bool
	CloseCode int
}

func (e *Error) Error() string {
	if e.Timeout {
		return "authentication timed out: " + e.Reason
	}
	return "authentication failed: " + e.Reason
}

// Options configure one handshake.
type Options struct {
	Token   string
	Timeout time.Duration
	Client  protocol.ClientInfo
	Role    string
	Scopes  []string
	// Device, when set, adds a signed proof over the challenge nonce.
	Device *DeviceIdentity
	Now    func() time.Time
}

// SendFunc writes one encoded frame.
type SendFunc func(data []byte) error

// Authenticator drives one handshake. It is fed events, responses and the
// close signal of its connection and settles exactly once.
type Authenticator struct {
	opts   Options
	send   SendFunc
	logger *slog.Logger

	mu    sync.Mutex
	state State
	err   error
	timer *time.Timer
	done  chan struct{}
}

// New creates an idle authenticator.
func New(opts Options, send SendFunc, logger *slog.Logger) *Authenticator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Client == (protocol.ClientInfo{}) {
		opts.Client = DefaultClient
	}
	if opts.Role == "" {
		opts.Role = DefaultRole
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = DefaultScopes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		opts:   opts,
		send:   send,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start arms the handshake deadline. onTimeout runs if the deadline fires
// before the handshake settles; callers use it to tear the socket down.
func (a *Authenticator) Start(onTimeout func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateIdle {
		return
	}
	a.state = StateAwaitingChallenge
	timeout := a.opts.Timeout
	a.timer = time.AfterFunc(timeout, func() {
		reason := fmt.Sprintf("no response from gateway within %s", timeout)
		if a.settle(&Error{Reason: reason, Timeout: true}) && onTimeout != nil {
			onTimeout()
		}
	})
}

// HandleEvent consumes connect.* events. It reports whether ev belonged to
// the handshake.
func (a *Authenticator) HandleEvent(ev protocol.Event) bool {
	switch ev.Name {
	case protocol.EventConnectChallenge:
		a.answerChallenge(ev)
	case protocol.EventConnectReady:
		a.settle(nil)
	case protocol.EventConnectError:
		p, _ := protocol.ParseEventPayload(ev).(protocol.ErrorPayload)
		reason := p.Message
		if reason == "" {
			reason = "gateway rejected the connection"
		}
		a.settle(&Error{Reason: reason})
	default:
		return false
	}
	return true
}

// HandleResponse consumes the response to the connect request. It reports
// false for any other response.
func (a *Authenticator) HandleResponse(res protocol.Response) bool {
	if res.ID != HandshakeID {
		return false
	}
	if res.OK {
		a.settle(nil)
		return true
	}
	reason := res.Error.Text()
	if reason == "" {
		reason = "gateway rejected the connect request"
	}
	a.settle(&Error{Reason: reason})
	return true
}

// HandleClose fails a handshake still in flight when the socket closes.
func (a *Authenticator) HandleClose(code int, reason string) {
	reason = strings.TrimSpace(reason)
	switch {
	case code == 1008 && reason == "":
		reason = "policy violation"
	case code == 1008:
	case reason == "":
		reason = fmt.Sprintf("connection closed before authentication (code %d)", code)
	default:
		reason = fmt.Sprintf("connection closed before authentication (code %d): %s", code, reason)
	}
	a.settle(&Error{Reason: reason, CloseCode: code})
}

// Wait blocks until the handshake settles and returns its outcome.
func (a *Authenticator) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the handshake settles.
func (a *Authenticator) Done() <-chan struct{} {
	return a.done
}

// State returns the current phase.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Authenticator) answerChallenge(ev protocol.Event) {
	p, ok := protocol.ParseEventPayload(ev).(protocol.ChallengePayload)
	if !ok {
		a.logger.Warn("unreadable connect.challenge payload", "payload", string(ev.Payload))
	}

	a.mu.Lock()
	if a.state != StateAwaitingChallenge {
		state := a.state
		a.mu.Unlock()
		a.logger.Debug("ignoring connect.challenge", "state", state)
		return
	}
	a.state = StateAwaitingResult
	a.mu.Unlock()

	params := protocol.ConnectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client:      a.opts.Client,
		Role:        a.opts.Role,
		Scopes:      a.opts.Scopes,
		Auth:        protocol.AuthParams{Token: a.opts.Token},
	}
	if a.opts.Device != nil {
		proof := a.opts.Device.Sign(params.Client, params.Role, params.Scopes, a.opts.Now(), a.opts.Token, p.Nonce)
		params.Auth.Device = &proof
	}

	data, err := protocol.EncodeRequest(HandshakeID, protocol.MethodConnect, params)
	if err == nil {
		err = a.send(data)
	}
	if err != nil {
		a.settle(&Error{Reason: "send connect request: " + err.Error()})
		return
	}
	a.logger.Debug("connect request sent", "nonce_present", p.Nonce != "")
}

// settle records the outcome once. It reports whether this call settled it.
func (a *Authenticator) settle(err error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateAuthenticated || a.state == StateFailed {
		return false
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	if err != nil {
		a.state = StateFailed
		a.err = err
	} else {
		a.state = StateAuthenticated
	}
	close(a.done)
	return true
}
