package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

type snapshot struct {
	SavedAt  int64     `json:"savedAt"`
	Sessions []Session `json:"sessions"`
}

// RegistryPath returns the snapshot file under the data directory.
func RegistryPath(dataDir string) string {
	return filepath.Join(dataDir, "state", "sessions.json")
}

// Save writes every tracked session to path so local ids survive restarts.
func (r *Registry) Save(path string) error {
	sessions := r.List("")
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})

	data, err := json.MarshalIndent(snapshot{SavedAt: time.Now().UnixMilli(), Sessions: sessions}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sessions file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace sessions file: %w", err)
	}
	return nil
}

// Load merges a snapshot written by Save. A missing file is not an error.
// Entries already tracked in memory win over the snapshot.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read sessions file: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range snap.Sessions {
		if sess.ID == "" || sess.Key == "" {
			continue // Skip invalid entries
		}
		if _, ok := r.sessions[sess.ID]; ok {
			continue
		}
		if _, ok := r.byKey[refKey(sess.ConnectionID, sess.Key)]; ok {
			continue
		}
		s := sess
		r.sessions[s.ID] = &s
		r.byKey[refKey(s.ConnectionID, s.Key)] = s.ID
	}
	return nil
}

// PruneStale drops sessions idle longer than maxAge. It returns how many
// were removed.
func (r *Registry) PruneStale(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := r.now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for id, sess := range r.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(r.byKey, refKey(sess.ConnectionID, sess.Key))
			delete(r.sessions, id)
			pruned++
		}
	}
	return pruned
}
