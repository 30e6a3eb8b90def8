package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type currentSessionEntry struct {
	Key       string `json:"key"`
	UpdatedAt int64  `json:"updatedAt"`
}

type currentSessionState struct {
	Connections map[string]currentSessionEntry `json:"connections"`
}

func currentSessionPath(dataDir string) string {
	return filepath.Join(dataDir, "state", "current_session.json")
}

func loadCurrent(dataDir string) (currentSessionState, error) {
	st := currentSessionState{Connections: map[string]currentSessionEntry{}}
	raw, err := os.ReadFile(currentSessionPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("read current session: %w", err)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("parse current session: %w", err)
	}
	if st.Connections == nil {
		st.Connections = map[string]currentSessionEntry{}
	}
	return st, nil
}

// SetCurrent stores the active session key of a connection profile, used as
// the default by the CLI and TUI. An empty key clears it.
func SetCurrent(dataDir, connection, key string) error {
	st, err := loadCurrent(dataDir)
	if err != nil {
		return err
	}
	connection = strings.TrimSpace(connection)
	key = strings.TrimSpace(key)
	if key == "" {
		delete(st.Connections, connection)
	} else {
		st.Connections[connection] = currentSessionEntry{Key: key, UpdatedAt: time.Now().UnixMilli()}
	}

	if err := os.MkdirAll(filepath.Dir(currentSessionPath(dataDir)), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	payload, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal current session: %w", err)
	}
	if err := os.WriteFile(currentSessionPath(dataDir), payload, 0o644); err != nil {
		return fmt.Errorf("write current session: %w", err)
	}
	return nil
}

// Current returns the active session key of a connection profile, or
// DefaultSessionKey when none was stored.
func Current(dataDir, connection string) (string, error) {
	st, err := loadCurrent(dataDir)
	if err != nil {
		return DefaultSessionKey, err
	}
	if e, ok := st.Connections[strings.TrimSpace(connection)]; ok && strings.TrimSpace(e.Key) != "" {
		return strings.TrimSpace(e.Key), nil
	}
	return DefaultSessionKey, nil
}
