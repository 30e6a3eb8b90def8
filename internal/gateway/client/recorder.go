package client

import (
	"context"
	"time"
)

// Operation is the audit record of one Manager operation.
type Operation struct {
	Action       string
	ConnectionID string
	SessionKey   string
	Detail       string
	Status       string
	Error        string
	StartedAt    time.Time
	Duration     time.Duration
}

// Recorder receives an Operation after every Manager operation settles.
// Implementations must not block for long; they run on the caller's goroutine.
type Recorder interface {
	Record(ctx context.Context, op Operation)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Operation) {}

func (m *Manager) record(ctx context.Context, action, connID, sessionKey, detail string, start time.Time, err error) {
	op := Operation{
		Action:       action,
		ConnectionID: connID,
		SessionKey:   sessionKey,
		Detail:       detail,
		Status:       "ok",
		StartedAt:    start,
		Duration:     m.opts.Now().Sub(start),
	}
	if err != nil {
		op.Status = "error"
		op.Error = ScrubSecrets(err.Error())
	}
	m.opts.Recorder.Record(context.WithoutCancel(ctx), op)
}
