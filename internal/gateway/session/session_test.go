package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/highclaw/clawdesk/internal/gateway/protocol"
)

func TestRegistrySyncKeepsLocalIDs(t *testing.T) {
	r := NewRegistry()
	first := r.Sync("gw-1", []protocol.SessionSummary{
		{Key: "agent:main:main", Label: "Main"},
		{Key: "agent:ops:telegram:group:42"},
	})
	if len(first) != 2 {
		t.Fatalf("Sync returned %d sessions; want 2", len(first))
	}
	if first[0].Name != "Main" || first[1].Kind != KindGroup {
		t.Fatalf("unexpected sessions: %+v", first)
	}

	second := r.Sync("gw-1", []protocol.SessionSummary{
		{Key: "agent:main:main", Label: "Main renamed"},
	})
	if len(second) != 1 || second[0].ID != first[0].ID {
		t.Fatalf("local id changed across sync: %+v vs %+v", first[0], second)
	}
	if _, ok := r.Get(first[1].ID); ok {
		t.Fatal("session dropped by the server should be forgotten")
	}
}

func TestRegistryResolveIsPerConnection(t *testing.T) {
	r := NewRegistry()
	a := r.Ensure("gw-a", "agent:main:main")
	b := r.Ensure("gw-b", "agent:main:main")
	if a.ID == b.ID {
		t.Fatal("same key on two connections must get distinct local ids")
	}

	got, err := r.Resolve("gw-a", a.ID)
	if err != nil || got.Key != "agent:main:main" {
		t.Fatalf("Resolve by id = %+v, %v", got, err)
	}
	if _, err := r.Resolve("gw-a", b.ID); err != ErrUnknownSession {
		t.Fatalf("Resolve of foreign id err = %v; want ErrUnknownSession", err)
	}
	got, err = r.Resolve("gw-b", "agent:main:main")
	if err != nil || got.ID != b.ID {
		t.Fatalf("Resolve by key = %+v, %v", got, err)
	}
}

func TestRegistryRenameRemoveTouch(t *testing.T) {
	r := NewRegistry()
	s := r.Ensure("gw", "agent:main:main")

	if err := r.Rename(s.ID, "Inbox"); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.Get(s.ID); got.Name != "Inbox" {
		t.Fatalf("name = %q; want Inbox", got.Name)
	}

	at := time.Now().Add(time.Minute)
	touched := r.Touch("gw", "agent:main:main", "hello", at, true)
	if touched.UnreadCount != 1 || touched.LastMessage != "hello" || !touched.UpdatedAt.Equal(at) {
		t.Fatalf("unexpected touch result: %+v", touched)
	}
	r.MarkRead(s.ID)
	if got, _ := r.Get(s.ID); got.UnreadCount != 0 {
		t.Fatalf("unread = %d after MarkRead", got.UnreadCount)
	}

	r.Remove(s.ID)
	if err := r.Rename(s.ID, "x"); err != ErrUnknownSession {
		t.Fatalf("Rename after Remove err = %v", err)
	}
	if r.Count() != 0 {
		t.Fatalf("Count = %d; want 0", r.Count())
	}
}

func TestRegistrySaveLoad(t *testing.T) {
	path := RegistryPath(t.TempDir())
	r := NewRegistry()
	s := r.Ensure("gw", "agent:main:main")
	if err := r.Save(path); err != nil {
		t.Fatal(err)
	}

	restored := NewRegistry()
	if err := restored.Load(path); err != nil {
		t.Fatal(err)
	}
	got, ok := restored.Lookup("gw", "agent:main:main")
	if !ok || got.ID != s.ID {
		t.Fatalf("restored = %+v, %v; want id %s", got, ok, s.ID)
	}

	if err := NewRegistry().Load(filepath.Join(t.TempDir(), "missing.json")); err != nil {
		t.Fatalf("missing snapshot should not fail: %v", err)
	}
}

func TestCurrentSession(t *testing.T) {
	dir := t.TempDir()
	if got, err := Current(dir, "home"); err != nil || got != DefaultSessionKey {
		t.Fatalf("Current on empty state = %q, %v", got, err)
	}
	if err := SetCurrent(dir, "home", "agent:ops:main"); err != nil {
		t.Fatal(err)
	}
	if got, _ := Current(dir, "home"); got != "agent:ops:main" {
		t.Fatalf("Current = %q", got)
	}
	if got, _ := Current(dir, "work"); got != DefaultSessionKey {
		t.Fatalf("Current for other profile = %q", got)
	}
	if err := SetCurrent(dir, "home", ""); err != nil {
		t.Fatal(err)
	}
	if got, _ := Current(dir, "home"); got != DefaultSessionKey {
		t.Fatalf("Current after clear = %q", got)
	}
}
