// Package rpc matches gateway responses to the requests that caused them.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/highclaw/clawdesk/internal/gateway/protocol"
)

// Default per-method timeouts.
const (
	ListTimeout    = 5 * time.Second
	HistoryTimeout = 10 * time.Second
	MutateTimeout  = 10 * time.Second
)

// ErrConnectionClosed rejects requests still pending when their connection
// went away.
var ErrConnectionClosed = errors.New("gateway connection closed")

// TimeoutError is returned when no response arrived within the deadline.
type TimeoutError struct {
	Method string
	ID     string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gateway request %s timed out after %s", e.Method, e.After)
}

// SendFunc writes one encoded frame to the connection.
type SendFunc func(data []byte) error

type result struct {
	payload json.RawMessage
	err     error
}

type pending struct {
	method string
	ch     chan result
}

// Correlator owns the pending-request table of one connection. Every request
// settles exactly once: whoever removes the entry from the table (response,
// timeout, cancellation or Close) decides its outcome.
type Correlator struct {
	send   SendFunc
	logger *slog.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[string]*pending
	closed  error
}

// New creates a correlator that writes requests through send.
func New(send SendFunc, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		send:    send,
		logger:  logger,
		pending: make(map[string]*pending),
	}
}

// Call sends method with params and waits for the matching response.
func (c *Correlator) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return nil, err
	}
	c.seq++
	id := fmt.Sprintf("req-%s-%d", method, c.seq)
	p := &pending{method: method, ch: make(chan result, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	data, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		c.take(id)
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	if err := c.send(data); err != nil {
		if c.take(id) != nil {
			return nil, err
		}
		r := <-p.ch
		return r.payload, r.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.ch:
		return r.payload, r.err
	case <-timer.C:
		if c.take(id) != nil {
			c.logger.Warn("gateway request timed out", "method", method, "id", id, "after", timeout)
			return nil, &TimeoutError{Method: method, ID: id, After: timeout}
		}
	case <-ctx.Done():
		if c.take(id) != nil {
			return nil, ctx.Err()
		}
	}
	// Settled concurrently with the deadline; the result is already queued.
	r := <-p.ch
	return r.payload, r.err
}

// Resolve settles the request matching res. It reports false for responses
// whose id is unknown or already settled; those are dropped.
func (c *Correlator) Resolve(res protocol.Response) bool {
	p := c.take(res.ID)
	if p == nil {
		c.logger.Debug("dropping response for unknown request", "id", res.ID)
		return false
	}
	if res.OK {
		p.ch <- result{payload: res.Payload}
	} else {
		p.ch <- result{err: protocol.NewServerError(p.method, res.Error)}
	}
	return true
}

// Close rejects every pending request and refuses new ones.
func (c *Correlator) Close(cause error) {
	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return
	}
	c.closed = ErrConnectionClosed
	if cause != nil {
		c.closed = fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
	}
	drained := c.pending
	c.pending = make(map[string]*pending)
	closed := c.closed
	c.mu.Unlock()

	for _, p := range drained {
		p.ch <- result{err: closed}
	}
}

// Pending returns the number of unsettled requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) take(id string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}
