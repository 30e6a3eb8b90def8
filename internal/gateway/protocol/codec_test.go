package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelopes(t *testing.T) {
	in := Decode([]byte(`{"type":"res","id":"req-sessions.list-1","ok":true,"payload":{"items":[]}}`))
	res, ok := in.(Response)
	require.True(t, ok, "got %T", in)
	assert.Equal(t, "req-sessions.list-1", res.ID)
	assert.True(t, res.OK)
	assert.JSONEq(t, `{"items":[]}`, string(res.Payload))

	in = Decode([]byte(`{"type":"event","event":"connect.challenge","payload":{"nonce":"abc123","ts":1700000000000}}`))
	ev, ok := in.(Event)
	require.True(t, ok, "got %T", in)
	assert.Equal(t, EventConnectChallenge, ev.Name)

	in = Decode([]byte(`{"type":"req","id":"srv-1","method":"ping","params":{}}`))
	req, ok := in.(Request)
	require.True(t, ok, "got %T", in)
	assert.Equal(t, "ping", req.Method)
}

func TestDecodeFailedResponseError(t *testing.T) {
	in := Decode([]byte(`{"type":"res","id":"x","ok":false,"error":{"code":"INVALID","message":"bad label"}}`))
	res := in.(Response)
	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, "INVALID", res.Error.Code)
	assert.Equal(t, "bad label", res.Error.Text())

	in = Decode([]byte(`{"type":"res","id":"x","ok":false,"error":"session not found"}`))
	res = in.(Response)
	require.NotNil(t, res.Error)
	assert.Equal(t, "session not found", res.Error.Text())

	in = Decode([]byte(`{"type":"res","id":"x","ok":false,"error":{"code":4004}}`))
	res = in.(Response)
	assert.Equal(t, "4004", res.Error.Text())
}

func TestDecodeMalformedNeverFails(t *testing.T) {
	for _, raw := range []string{"not json", "", "42", "null", `{"type":"event"}`, `[1,2]`} {
		in := Decode([]byte(raw))
		m, ok := in.(Malformed)
		require.True(t, ok, "input %q decoded as %T", raw, in)
		assert.Equal(t, raw, string(m.Data))
		var mfe *MalformedFrameError
		assert.True(t, errors.As(m.Err, &mfe))
	}
}

func TestDecodeLegacyEventFraming(t *testing.T) {
	in := Decode([]byte(`{"type":"message.received","sessionKey":"agent:main:main","content":"hi"}`))
	ev, ok := in.(Event)
	require.True(t, ok, "got %T", in)
	assert.Equal(t, EventMessageReceived, ev.Name)

	p, ok := ParseEventPayload(ev).(ChatMessagePayload)
	require.True(t, ok)
	assert.Equal(t, "agent:main:main", p.Key())
	assert.Equal(t, "hi", ExtractText(p.Content))
}

func TestEncodeRoundTrip(t *testing.T) {
	data, err := EncodeRequest("conn-1", MethodConnect, ConnectParams{
		MinProtocol: 3,
		MaxProtocol: 3,
		Role:        "operator",
		Auth:        AuthParams{Token: "secret"},
	})
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, TypeRequest, f.Type)
	assert.Equal(t, "conn-1", f.ID)

	var params ConnectParams
	require.NoError(t, json.Unmarshal(f.Params, &params))
	assert.Equal(t, "secret", params.Auth.Token)
	assert.Nil(t, params.Auth.Device)

	data, err = EncodeResponse("conn-1", nil, &Error{Message: "denied"})
	require.NoError(t, err)
	res := Decode(data).(Response)
	assert.False(t, res.OK)
	assert.Equal(t, "denied", res.Error.Text())
}

func TestServerErrorText(t *testing.T) {
	assert.Equal(t, "label taken", NewServerError(MethodSessionsPatch, &Error{Message: " label taken "}).Error())
	assert.Equal(t, "gateway request sessions.delete failed", NewServerError(MethodSessionsDelete, nil).Error())
}
