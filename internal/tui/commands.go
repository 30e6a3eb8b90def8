package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/highclaw/clawdesk/internal/suggest"
	"github.com/highclaw/clawdesk/internal/templates"
)

const quitSignal = "__QUIT__"

// Command represents a TUI slash command. Handlers return text to show
// right away and an optional command for work that talks to the gateway.
type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	Category    string
	Handler     func(m *Model, args []string) (string, tea.Cmd)
}

// getBuiltinCommands returns the list of all built-in commands
func getBuiltinCommands() []Command {
	return []Command{
		// Session commands
		{Name: "sessions", Aliases: []string{"s", "ls"}, Description: "List sessions", Category: "Session", Handler: cmdListSessions},
		{Name: "switch", Aliases: []string{"sw"}, Usage: "<index|name>", Description: "Open a session", Category: "Session", Handler: cmdSwitchSession},
		{Name: "rename", Aliases: []string{"ren"}, Usage: "<name>", Description: "Rename current session", Category: "Session", Handler: cmdRenameSession},
		{Name: "delete", Aliases: []string{"del", "rm"}, Usage: "[index|name]", Description: "Delete a session", Category: "Session", Handler: cmdDeleteSession},

		// Reply helpers
		{Name: "suggest", Aliases: []string{"sg"}, Description: "Suggest replies", Category: "Reply", Handler: cmdSuggest},
		{Name: "template", Aliases: []string{"tpl"}, Usage: "[id] [key=value...]", Description: "List or insert a template", Category: "Reply", Handler: cmdTemplate},

		// System commands
		{Name: "clear", Aliases: []string{"cls", "c"}, Description: "Clear chat view", Category: "System", Handler: cmdClearChat},
		{Name: "reload", Aliases: []string{"r"}, Description: "Reload sessions", Category: "System", Handler: cmdReload},
		{Name: "info", Aliases: []string{"i"}, Description: "Show connection info", Category: "System", Handler: cmdInfo},
		{Name: "help", Aliases: []string{"h", "?"}, Description: "Show help", Category: "System", Handler: cmdHelp},
		{Name: "quit", Aliases: []string{"q", "exit"}, Description: "Quit TUI", Category: "System", Handler: cmdQuit},
	}
}

func findCommand(name string) *Command {
	name = strings.ToLower(strings.TrimSpace(name))
	cmds := getBuiltinCommands()
	for i := range cmds {
		if cmds[i].Name == name {
			return &cmds[i]
		}
		for _, alias := range cmds[i].Aliases {
			if alias == name {
				return &cmds[i]
			}
		}
	}
	return nil
}

func parseCommand(input string) (name string, args []string) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", nil
	}
	input = strings.TrimPrefix(input, "/")
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

func cmdListSessions(m *Model, args []string) (string, tea.Cmd) {
	m.refreshSessions()
	m.page = pageSessions
	return "", nil
}

func cmdSwitchSession(m *Model, args []string) (string, tea.Cmd) {
	if len(args) == 0 {
		return "Usage: /switch <index|name>", nil
	}
	if m.connID == "" {
		return "Not connected.", nil
	}
	target := strings.Join(args, " ")
	s, ok := m.findSession(target)
	if !ok {
		return fmt.Sprintf("Session not found: %s", target), nil
	}
	return "", historyCmd(m.app, m.connID, s.ID)
}

func cmdRenameSession(m *Model, args []string) (string, tea.Cmd) {
	name := strings.TrimSpace(strings.Join(args, " "))
	if name == "" {
		return "Usage: /rename <name>", nil
	}
	if m.current.ID == "" {
		return "No session open.", nil
	}
	a, connID, id := m.app, m.connID, m.current.ID
	return "", func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		sess, err := a.Rename(ctx, connID, id, name)
		if err != nil {
			return resultMsg{Err: fmt.Errorf("rename failed: %w", err)}
		}
		return resultMsg{Text: "Renamed to: " + sess.Name}
	}
}

func cmdDeleteSession(m *Model, args []string) (string, tea.Cmd) {
	if m.connID == "" {
		return "Not connected.", nil
	}
	target := m.current
	if len(args) > 0 {
		s, ok := m.findSession(strings.Join(args, " "))
		if !ok {
			return fmt.Sprintf("Session not found: %s", strings.Join(args, " ")), nil
		}
		target = s
	}
	if target.ID == "" {
		return "Usage: /delete [index|name]", nil
	}
	a, connID := m.app, m.connID
	return "", func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := a.Delete(ctx, connID, target.ID, false); err != nil {
			return resultMsg{Err: fmt.Errorf("delete failed: %w", err)}
		}
		return resultMsg{Text: "Deleted: " + target.Name, Reload: true}
	}
}

func cmdSuggest(m *Model, args []string) (string, tea.Cmd) {
	history := make([]suggest.Message, 0, len(m.lines))
	for _, l := range m.lines {
		if l.Role != "system" {
			history = append(history, suggest.Message{Role: l.Role, Content: l.Content})
		}
	}
	var b strings.Builder
	b.WriteString("Suggestions:\n")
	for i, s := range suggest.Suggestions(history) {
		b.WriteString(fmt.Sprintf("  %d. %s (%s)\n", i+1, s.Content, s.Reason))
	}
	b.WriteString("Quick: " + strings.Join(suggest.QuickReplies(history), " | "))
	return b.String(), nil
}

// cmdTemplate lists templates, or puts the applied template into the input.
func cmdTemplate(m *Model, args []string) (string, tea.Cmd) {
	ctx := context.Background()
	if len(args) == 0 {
		list, err := m.app.Templates.List(ctx)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		var b strings.Builder
		b.WriteString("Templates:\n")
		for _, t := range list {
			b.WriteString(fmt.Sprintf("  %s  %s [%s]  %s\n", t.ID, t.Name, t.Category, templates.Preview(t.Content, 30)))
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}
	t, err := m.app.Templates.Get(ctx, args[0])
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	vars := make(map[string]string)
	for _, kv := range args[1:] {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	m.textarea.SetValue(templates.Apply(t, vars, time.Now()))
	return "", nil
}

func cmdClearChat(m *Model, args []string) (string, tea.Cmd) {
	m.lines = nil
	m.updateViewport()
	return "", nil
}

func cmdReload(m *Model, args []string) (string, tea.Cmd) {
	if m.connID == "" {
		return "Reconnecting...", connectCmd(m.app, m.connName)
	}
	return "Reloading sessions...", loadSessionsCmd(m.app, m.connID)
}

func cmdInfo(m *Model, args []string) (string, tea.Cmd) {
	return fmt.Sprintf("Info:\n  Connection: %s (%s)\n  Status:     %s\n  Session:    %s\n  Key:        %s\n  Messages:   %d\n  Sessions:   %d",
		m.connName, m.connID, m.status, m.current.Name, m.current.Key, len(m.lines), len(m.sessions)), nil
}

func cmdHelp(m *Model, args []string) (string, tea.Cmd) {
	cmds := getBuiltinCommands()
	cats := make(map[string][]Command)
	for _, cmd := range cmds {
		cats[cmd.Category] = append(cats[cmd.Category], cmd)
	}
	var b strings.Builder
	b.WriteString("Commands:\n\n")
	keys := make([]string, 0, len(cats))
	for k := range cats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, cat := range keys {
		b.WriteString(fmt.Sprintf("[%s]\n", cat))
		for _, cmd := range cats[cat] {
			als := ""
			if len(cmd.Aliases) > 0 {
				als = fmt.Sprintf(" (/%s)", strings.Join(cmd.Aliases, ", /"))
			}
			usage := ""
			if cmd.Usage != "" {
				usage = " " + cmd.Usage
			}
			b.WriteString(fmt.Sprintf("  /%s%s%s - %s\n", cmd.Name, usage, als, cmd.Description))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func cmdQuit(m *Model, args []string) (string, tea.Cmd) {
	return quitSignal, nil
}

func truncStr(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
