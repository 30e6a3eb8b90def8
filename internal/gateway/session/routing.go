package session

import (
	"strings"
)

const (
	DefaultAgentID = "main"
	DefaultMainKey = "main"
	// DefaultSessionKey is the gateway's main session for the default agent.
	DefaultSessionKey = "agent:main:main"
)

// NormalizeID lowercases id and collapses anything outside [a-z0-9_-] into a
// single dash, capped at 64 characters.
func NormalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return ""
	}
	var b strings.Builder
	lastDash := false
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		case r == '-':
			if !lastDash {
				b.WriteRune(r)
			}
			lastDash = true
		default:
			if !lastDash {
				b.WriteByte('-')
			}
			lastDash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// BuildMainSessionKey returns "agent:<agent>:<main>".
func BuildMainSessionKey(agentID, mainKey string) string {
	agentID = NormalizeID(agentID)
	if agentID == "" {
		agentID = DefaultAgentID
	}
	mainKey = NormalizeID(mainKey)
	if mainKey == "" {
		mainKey = DefaultMainKey
	}
	return "agent:" + agentID + ":" + mainKey
}

// ParseKey splits an "agent:<id>:<rest>" key. ok is false for keys in any
// other shape.
func ParseKey(key string) (agentID, rest string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(key), ":", 3)
	if len(parts) != 3 || parts[0] != "agent" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// KindOf classifies a session. An explicit kind from the server wins;
// otherwise the key's peer segment decides.
func KindOf(key, serverKind string) Kind {
	switch strings.ToLower(strings.TrimSpace(serverKind)) {
	case "group":
		return KindGroup
	case "channel":
		return KindChannel
	case "direct", "dm", "individual":
		return KindIndividual
	}
	_, rest, ok := ParseKey(key)
	if !ok {
		return KindIndividual
	}
	switch {
	case strings.Contains(":"+rest+":", ":group:"):
		return KindGroup
	case strings.Contains(":"+rest+":", ":channel:"):
		return KindChannel
	}
	return KindIndividual
}

// DisplayName derives a readable name from a key when the server sent no
// label: "agent:main:main" → "main", "agent:ops:telegram:group:42" →
// "ops / telegram:group:42".
func DisplayName(key string) string {
	agentID, rest, ok := ParseKey(key)
	if !ok {
		return strings.TrimSpace(key)
	}
	if rest == DefaultMainKey {
		return agentID
	}
	return agentID + " / " + rest
}
