package client

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrEmptyMessage is returned by SendMessage for blank content without
	// attachments.
	ErrEmptyMessage = errors.New("message has no content")
	// ErrDisconnected ends an attempt that Disconnect interrupted.
	ErrDisconnected = errors.New("disconnected by client")
)

// NotConnectedError is returned when an operation needs a connected
// Connection and the target is missing or in another state. No frame is sent.
type NotConnectedError struct {
	ConnectionID string
	Status       Status
}

func (e *NotConnectedError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("connection %s not found", e.ConnectionID)
	}
	return fmt.Sprintf("connection %s is not connected (status %s)", e.ConnectionID, e.Status)
}

// ConnectError is a failed Connect. The text names the connection and the
// cause; the cause stays reachable through errors.As.
type ConnectError struct {
	Name string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %s", e.Name, ScrubSecrets(e.Err.Error()))
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

var secretPattern = regexp.MustCompile(`(?i)(token|apikey|api_key|password)=([^&\s"']+)`)

// ScrubSecrets masks credential query parameters in error text and logs.
func ScrubSecrets(msg string) string {
	return secretPattern.ReplaceAllStringFunc(msg, func(m string) string {
		idx := strings.Index(m, "=")
		return m[:idx+1] + "REDACTED"
	})
}
