package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound is a decoded frame: Request, Response, Event or Malformed.
type Inbound interface {
	inbound()
}

// Request is a "req" envelope.
type Request struct {
	ID     string
	Method string
	Params json.RawMessage
}

// Response is a "res" envelope.
type Response struct {
	ID      string
	OK      bool
	Payload json.RawMessage
	Error   *Error
}

// Event is an "event" envelope, or a legacy frame whose type names the event.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Malformed carries a frame that could not be decoded as an envelope.
type Malformed struct {
	Data []byte
	Err  *MalformedFrameError
}

func (Request) inbound()   {}
func (Response) inbound()  {}
func (Event) inbound()     {}
func (Malformed) inbound() {}

// Decode parses one inbound frame. It never fails: undecodable input comes
// back as Malformed so the caller can report it and keep the connection.
func Decode(data []byte) Inbound {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return malformed(data, err)
	}
	switch f.Type {
	case TypeRequest:
		return Request{ID: f.ID, Method: f.Method, Params: f.Params}
	case TypeResponse:
		return Response{ID: f.ID, OK: f.OK, Payload: f.Payload, Error: f.Error}
	case TypeEvent:
		if f.Event == "" {
			return malformed(data, errors.New("event envelope without name"))
		}
		return Event{Name: f.Event, Payload: f.Payload}
	}

	// Legacy framing: {"type": "<event name>", ...fields}.
	name := f.Event
	if name == "" {
		name = f.Type
	}
	if name == "" {
		return malformed(data, errors.New("envelope has no type"))
	}
	payload := f.Payload
	if len(payload) == 0 {
		payload = append(json.RawMessage(nil), data...)
	}
	return Event{Name: name, Payload: payload}
}

func malformed(data []byte, err error) Malformed {
	return Malformed{
		Data: append([]byte(nil), data...),
		Err:  newMalformedFrameError(data, err),
	}
}

// EncodeRequest builds a "req" frame.
func EncodeRequest(id, method string, params any) ([]byte, error) {
	raw, err := marshalRaw(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	return json.Marshal(Frame{Type: TypeRequest, ID: id, Method: method, Params: raw})
}

// EncodeEvent builds an "event" frame.
func EncodeEvent(name string, payload any) ([]byte, error) {
	raw, err := marshalRaw(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return json.Marshal(Frame{Type: TypeEvent, Event: name, Payload: raw})
}

// EncodeResponse builds a "res" frame. A non-nil wireErr marks it failed.
func EncodeResponse(id string, payload any, wireErr *Error) ([]byte, error) {
	raw, err := marshalRaw(payload)
	if err != nil {
		return nil, fmt.Errorf("encode response %s: %w", id, err)
	}
	return json.Marshal(Frame{Type: TypeResponse, ID: id, OK: wireErr == nil, Payload: raw, Error: wireErr})
}

func marshalRaw(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	return json.Marshal(v)
}
