package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const maxMalformedPreview = 200

// Error is the wire error object of a failed response. Gateways send either
// {"code": ..., "message": ...} or a bare string.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// UnmarshalJSON accepts the object form, a bare string, and numeric codes.
func (e *Error) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		e.Message = s
		return nil
	}
	var raw struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Code = strings.Trim(string(raw.Code), `"`)
	e.Message = raw.Message
	if e.Message == "" {
		e.Message = raw.Error
	}
	return nil
}

// Text returns the most descriptive text available.
func (e *Error) Text() string {
	if e == nil {
		return ""
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(e.Code)
}

// ServerError is returned when the gateway answers a request with ok=false.
// Error() is the server text verbatim so callers can surface it unchanged.
type ServerError struct {
	Method  string
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Method != "" {
		return fmt.Sprintf("gateway request %s failed", e.Method)
	}
	return "gateway request failed"
}

// NewServerError converts a wire error into a ServerError.
func NewServerError(method string, wire *Error) *ServerError {
	se := &ServerError{Method: method}
	if wire != nil {
		se.Code = wire.Code
		se.Message = strings.TrimSpace(wire.Message)
	}
	return se
}

// MalformedFrameError describes an inbound frame that is not a JSON envelope.
// It is diagnostic only and never terminates a connection.
type MalformedFrameError struct {
	Preview string
	Err     error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed gateway frame %q: %v", e.Preview, e.Err)
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

func newMalformedFrameError(data []byte, err error) *MalformedFrameError {
	preview := []rune(string(data))
	s := string(preview)
	if len(preview) > maxMalformedPreview {
		s = string(preview[:maxMalformedPreview]) + "..."
	}
	return &MalformedFrameError{Preview: s, Err: err}
}
