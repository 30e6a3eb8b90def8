package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestExtractText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"string", `"hello"`, "hello"},
		{"blocks", `[{"type":"thinking","thinking":"hmm"},{"type":"tool_use","name":"bash"},{"type":"text","text":"done"}]`, "hmm\n\ndone"},
		{"empty_blocks", `[{"type":"text","text":""}]`, ""},
		{"object", `{"text":"nope"}`, ""},
		{"missing", ``, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractText(json.RawMessage(tc.content)); got != tc.want {
				t.Errorf("ExtractText(%s) = %q; want %q", tc.content, got, tc.want)
			}
		})
	}
}

func TestTimestampUnmarshal(t *testing.T) {
	want := time.UnixMilli(1700000000123)
	inputs := []string{`1700000000123`, `"1700000000123"`, `"` + want.UTC().Format(time.RFC3339Nano) + `"`}
	for _, in := range inputs {
		var ts Timestamp
		if err := json.Unmarshal([]byte(in), &ts); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		if !ts.Equal(want) {
			t.Errorf("unmarshal %s = %v; want %v", in, ts.Time, want)
		}
	}

	var zero Timestamp
	if err := json.Unmarshal([]byte(`null`), &zero); err != nil || !zero.IsZero() {
		t.Fatalf("null should decode to zero time, got %v err=%v", zero.Time, err)
	}
}

func TestListResultFallbacks(t *testing.T) {
	var sessions SessionsListResult
	if err := json.Unmarshal([]byte(`{"sessions":[{"key":"agent:main:main","label":"Main"}]}`), &sessions); err != nil {
		t.Fatal(err)
	}
	all := sessions.All()
	if len(all) != 1 || all[0].ServerKey() != "agent:main:main" || all[0].Name() != "Main" {
		t.Fatalf("unexpected sessions: %#v", all)
	}

	var history HistoryResult
	if err := json.Unmarshal([]byte(`{"items":[{"role":"user","content":"hi","createdAt":"2026-01-02T03:04:05Z"}]}`), &history); err != nil {
		t.Fatal(err)
	}
	msgs := history.All()
	if len(msgs) != 1 || msgs[0].Text() != "hi" {
		t.Fatalf("unexpected history: %#v", msgs)
	}
	if msgs[0].Time().Year() != 2026 {
		t.Fatalf("expected createdAt fallback, got %v", msgs[0].Time())
	}
}

func TestParseEventPayloadVariants(t *testing.T) {
	if p, ok := ParseEventPayload(Event{Name: EventConnectChallenge, Payload: json.RawMessage(`{"nonce":" abc123 "}`)}).(ChallengePayload); !ok || p.Nonce != "abc123" {
		t.Fatalf("challenge payload = %#v", p)
	}
	if p, ok := ParseEventPayload(Event{Name: EventConnectError, Payload: json.RawMessage(`{"message":"invalid token"}`)}).(ErrorPayload); !ok || p.Message != "invalid token" {
		t.Fatalf("error payload = %#v", p)
	}
	if p, ok := ParseEventPayload(Event{Name: EventSessions, Payload: json.RawMessage(`[{"key":"a"}]`)}).(SessionsPayload); !ok || len(p.Sessions) != 1 {
		t.Fatalf("sessions payload = %#v", p)
	}
	raw := json.RawMessage(`{"anything":true}`)
	p, ok := ParseEventPayload(Event{Name: "presence.changed", Payload: raw}).(UnknownPayload)
	if !ok || p.Name != "presence.changed" || string(p.Raw) != string(raw) {
		t.Fatalf("unknown payload = %#v", p)
	}
}
