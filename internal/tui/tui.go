// Package tui implements the terminal user interface.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/highclaw/clawdesk/internal/app"
	"github.com/highclaw/clawdesk/internal/gateway/client"
	"github.com/highclaw/clawdesk/internal/gateway/events"
	"github.com/highclaw/clawdesk/internal/gateway/session"
)

// 页面类型
type pageType int

const (
	pageSessions pageType = iota // 会话列表
	pageChat                     // 聊天页面
)

// 网关请求的统一超时
const requestTimeout = 30 * time.Second

// Options 配置 TUI 启动参数
type Options struct {
	App        *app.App
	Connection string // 连接名，空则使用第一个
	Session    string // 初始会话：本地 id、server key 或名称
	Version    string
}

type chatLine struct {
	Role      string
	Sender    string
	Content   string
	Timestamp time.Time
	Failed    bool
}

type connectedMsg struct {
	ConnID string
	Name   string
	Err    error
}

type sessionsMsg struct {
	Sessions []session.Session
	Err      error
}

type historyMsg struct {
	Session  session.Session
	Messages []client.Message
	Err      error
}

type sentMsg struct {
	Message client.Message
	Err     error
}

type gatewayMsg struct {
	Event events.Event
}

// resultMsg 是异步斜杠命令的结果
type resultMsg struct {
	Text   string
	Err    error
	Reload bool
}

// Model 表示 TUI 状态
type Model struct {
	opts Options
	app  *app.App

	connName string
	connID   string
	status   client.Status

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model

	sessions []session.Session
	cursor   int
	current  session.Session
	lines    []chatLine

	width  int
	height int
	ready  bool

	page         pageType
	booted       bool // 首次会话列表已加载
	pending      bool
	lastError    string
	notice       string
	messageQueue []string

	events chan events.Event
	sub    events.Subscription
}

// NewModel 创建新的 TUI Model，并订阅网关事件
func NewModel(opts Options) Model {
	ta := textarea.New()
	ta.Placeholder = "Type a message, or /help"
	ta.Focus()
	ta.CharLimit = 10000
	ta.SetHeight(1)
	ta.ShowLineNumbers = false
	ta.Prompt = ""

	vp := viewport.New(80, 20)
	vp.SetContent("")

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(getTheme().primary)

	if opts.Version == "" {
		opts.Version = "dev"
	}

	m := Model{
		opts:         opts,
		app:          opts.App,
		connName:     strings.TrimSpace(opts.Connection),
		status:       client.StatusDisconnected,
		textarea:     ta,
		viewport:     vp,
		spinner:      sp,
		page:         pageSessions,
		messageQueue: make([]string, 0),
		events:       make(chan events.Event, 128),
	}
	if m.connName == "" && len(opts.App.Config.Connections) > 0 {
		m.connName = opts.App.Config.Connections[0].Name
	}
	ch := m.events
	m.sub = opts.App.Manager.Subscribe(events.Wildcard, func(ev events.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return m
}

// Close 取消事件订阅
func (m Model) Close() {
	m.app.Manager.Unsubscribe(m.sub)
}

// Init 初始化 TUI
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick, connectCmd(m.app, m.connName), waitForEvent(m.events))
}

// Update 处理消息
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.resize()
		m.updateViewport()
		return m, nil

	case connectedMsg:
		if msg.Err != nil {
			m.status = client.StatusError
			m.lastError = msg.Err.Error()
			return m, nil
		}
		m.connID = msg.ConnID
		m.connName = msg.Name
		m.status = client.StatusConnected
		m.lastError = ""
		return m, loadSessionsCmd(m.app, m.connID)

	case sessionsMsg:
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
		}
		m.refreshSessions()
		if !m.booted && msg.Err == nil {
			m.booted = true
			if ref := m.initialSession(); ref != "" {
				return m, historyCmd(m.app, m.connID, ref)
			}
		}
		return m, nil

	case historyMsg:
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
			if msg.Session.ID == "" {
				return m, nil
			}
		}
		m.openSession(msg.Session, msg.Messages)
		return m, nil

	case sentMsg:
		m.pending = false
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
			m.markLastUserFailed()
			m.appendLine(chatLine{Role: "system", Content: "Error: " + msg.Err.Error()})
		}
		m.updateViewport()
		if len(m.messageQueue) > 0 {
			next := m.messageQueue[0]
			m.messageQueue = m.messageQueue[1:]
			cmds = append(cmds, m.send(next), m.spinner.Tick)
		}
		return m, tea.Batch(cmds...)

	case gatewayMsg:
		m.handleEvent(msg.Event)
		return m, waitForEvent(m.events)

	case resultMsg:
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
			m.appendLine(chatLine{Role: "system", Content: "Error: " + msg.Err.Error()})
		} else if msg.Text != "" {
			m.appendLine(chatLine{Role: "system", Content: msg.Text})
		}
		m.syncCurrent()
		m.updateViewport()
		if msg.Reload && m.connID != "" {
			return m, loadSessionsCmd(m.app, m.connID)
		}
		return m, nil

	case spinner.TickMsg:
		if m.pending {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit

		case tea.KeyEsc:
			if m.page == pageChat {
				m.page = pageSessions
				m.refreshSessions()
				return m, nil
			}
			return m, tea.Quit

		case tea.KeyUp, tea.KeyDown:
			if m.page == pageSessions && m.textarea.Value() == "" {
				m.moveCursor(msg.Type == tea.KeyDown)
				return m, nil
			}

		case tea.KeyEnter:
			text := strings.TrimSpace(m.textarea.Value())
			m.textarea.Reset()
			m.textarea.SetHeight(1)
			m.lastError = ""

			if text == "" {
				if m.page == pageSessions && m.cursor < len(m.sessions) {
					return m, historyCmd(m.app, m.connID, m.sessions[m.cursor].ID)
				}
				return m, nil
			}

			if strings.HasPrefix(text, "/") {
				return m.runCommand(text)
			}

			if m.current.ID == "" {
				m.lastError = "no session selected; pick one from the list or /switch"
				return m, nil
			}
			m.page = pageChat
			if m.pending {
				m.messageQueue = append(m.messageQueue, text)
				return m, nil
			}
			cmd := m.send(text)
			return m, tea.Batch(cmd, m.spinner.Tick)
		}
	}

	// 更新组件
	var tiCmd tea.Cmd
	m.textarea, tiCmd = m.textarea.Update(msg)
	cmds = append(cmds, tiCmd)

	if m.page == pageChat {
		var vpCmd tea.Cmd
		m.viewport, vpCmd = m.viewport.Update(msg)
		cmds = append(cmds, vpCmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) runCommand(text string) (tea.Model, tea.Cmd) {
	name, args := parseCommand(text)
	cmd := findCommand(name)
	if cmd == nil {
		m.appendLine(chatLine{Role: "system", Content: "Unknown command: " + name})
		m.updateViewport()
		return m, nil
	}
	out, next := cmd.Handler(&m, args)
	if out == quitSignal {
		return m, tea.Quit
	}
	if out != "" {
		m.appendLine(chatLine{Role: "system", Content: out})
	}
	m.updateViewport()
	return m, next
}

// send 立即回显用户消息，再异步发送
func (m *Model) send(text string) tea.Cmd {
	m.pending = true
	m.appendLine(chatLine{Role: "user", Content: text, Timestamp: time.Now()})
	m.updateViewport()
	return sendCmd(m.app, m.connID, m.current.ID, text)
}

func (m *Model) handleEvent(ev events.Event) {
	if ev.ConnectionID != "" && ev.ConnectionID != m.connID {
		return
	}
	switch p := ev.Payload.(type) {
	case client.ConnectionEvent:
		m.status = p.Connection.Status
		if p.Err != nil {
			m.lastError = p.Err.Error()
		}
	case client.MessageEvent:
		switch ev.Name {
		case client.EventMessage:
			if p.Message.SessionKey == m.current.Key && m.current.Key != "" {
				m.appendLine(chatLine{
					Role:      defaultRole(p.Message.Role),
					Sender:    p.Message.Sender,
					Content:   p.Message.Content,
					Timestamp: p.Message.Timestamp,
				})
				m.app.Sessions.MarkRead(m.current.ID)
				m.updateViewport()
			}
		case client.EventMessageFail:
			if p.Err != nil {
				m.lastError = p.Err.Error()
			}
		}
		m.refreshSessions()
	case client.SessionsEvent:
		m.refreshSessions()
	case client.StatusEvent:
		if p.Info != "" {
			m.notice = p.Info
		} else {
			m.notice = p.Status
		}
	case client.ErrorEvent:
		m.lastError = p.Message
	case client.UploadEvent:
		m.notice = fmt.Sprintf("upload %s: %s", p.Upload.FileName, p.Upload.Status)
	}
}

func (m *Model) openSession(sess session.Session, msgs []client.Message) {
	m.current = sess
	m.lines = nil
	for _, msg := range msgs {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		m.lines = append(m.lines, chatLine{
			Role:      defaultRole(msg.Role),
			Sender:    msg.Sender,
			Content:   content,
			Timestamp: msg.Timestamp,
		})
	}
	m.page = pageChat
	m.refreshSessions()
	_ = session.SetCurrent(m.app.DataDir(), m.connName, sess.Key)
	m.updateViewport()
}

// initialSession 选择启动时打开的会话：命令行参数优先，其次上次打开的
func (m *Model) initialSession() string {
	if ref := strings.TrimSpace(m.opts.Session); ref != "" {
		m.opts.Session = ""
		if s, ok := m.findSession(ref); ok {
			return s.ID
		}
		return ref
	}
	if key, err := session.Current(m.app.DataDir(), m.connName); err == nil && key != "" {
		if s, ok := m.app.Sessions.Lookup(m.connID, key); ok {
			return s.ID
		}
	}
	return ""
}

// findSession 按序号、本地 id、server key 或名称查找会话
func (m *Model) findSession(ref string) (session.Session, bool) {
	ref = strings.TrimSpace(ref)
	var idx int
	if _, err := fmt.Sscanf(ref, "%d", &idx); err == nil && fmt.Sprint(idx) == ref {
		if idx >= 0 && idx < len(m.sessions) {
			return m.sessions[idx], true
		}
	}
	if s, err := m.app.Sessions.Resolve(m.connID, ref); err == nil {
		return s, true
	}
	lower := strings.ToLower(ref)
	for _, s := range m.sessions {
		if strings.ToLower(s.Name) == lower {
			return s, true
		}
	}
	for _, s := range m.sessions {
		if strings.Contains(strings.ToLower(s.Name), lower) || strings.Contains(strings.ToLower(s.Key), lower) {
			return s, true
		}
	}
	return session.Session{}, false
}

func (m *Model) refreshSessions() {
	if m.connID == "" {
		return
	}
	m.sessions = m.app.Sessions.List(m.connID)
	if m.cursor >= len(m.sessions) {
		m.cursor = max(0, len(m.sessions)-1)
	}
}

// syncCurrent 在重命名或删除后刷新当前会话
func (m *Model) syncCurrent() {
	m.refreshSessions()
	if m.current.ID == "" {
		return
	}
	if s, ok := m.app.Sessions.Get(m.current.ID); ok {
		m.current = s
		return
	}
	m.current = session.Session{}
	m.lines = nil
	m.page = pageSessions
}

func (m *Model) moveCursor(down bool) {
	if len(m.sessions) == 0 {
		return
	}
	if down {
		m.cursor = (m.cursor + 1) % len(m.sessions)
	} else {
		m.cursor = (m.cursor - 1 + len(m.sessions)) % len(m.sessions)
	}
}

func (m *Model) markLastUserFailed() {
	for i := len(m.lines) - 1; i >= 0; i-- {
		if m.lines[i].Role == "user" {
			m.lines[i].Failed = true
			return
		}
	}
}

// View 渲染界面
func (m Model) View() string {
	if !m.ready {
		return "\n  Loading..."
	}
	if m.page == pageChat {
		return m.renderChatPage()
	}
	return m.renderSessionsPage()
}

// renderSessionsPage 渲染首页：logo + 会话列表
func (m *Model) renderSessionsPage() string {
	theme := getTheme()
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(renderLogo(m.width))
	b.WriteString("\n")

	listWidth := min(75, m.width-4)
	padding := max(0, (m.width-listWidth)/2)
	pad := strings.Repeat(" ", padding)

	muted := lipgloss.NewStyle().Foreground(theme.textMuted)
	switch {
	case m.connID == "" && m.lastError == "":
		b.WriteString(pad + muted.Render("Connecting to "+m.connName+"...") + "\n")
	case len(m.sessions) == 0 && m.connID != "":
		b.WriteString(pad + muted.Render("No sessions yet. /reload to ask the gateway again.") + "\n")
	}

	maxRows := max(3, m.height-16)
	for i, s := range m.sessions {
		if i >= maxRows {
			b.WriteString(pad + muted.Render(fmt.Sprintf("  … %d more", len(m.sessions)-maxRows)) + "\n")
			break
		}
		b.WriteString(pad + m.renderSessionRow(i, s, listWidth) + "\n")
	}
	b.WriteString("\n")

	leftBorder := lipgloss.NewStyle().Foreground(theme.primary).Render("┃ ")
	b.WriteString(pad + leftBorder + m.textarea.View() + "\n")
	b.WriteString(pad + lipgloss.NewStyle().Foreground(theme.primary).Render("╹") + "\n")
	b.WriteString(pad + "  " + muted.Render("↑/↓ select  enter open  /help commands") + "\n")

	currentLines := strings.Count(b.String(), "\n") + 1
	if remaining := m.height - currentLines - 2; remaining > 0 {
		b.WriteString(strings.Repeat("\n", remaining))
	}
	b.WriteString("\n" + m.renderFooter())
	return b.String()
}

func (m *Model) renderSessionRow(i int, s session.Session, width int) string {
	theme := getTheme()
	marker := "  "
	nameStyle := lipgloss.NewStyle().Foreground(theme.text)
	if i == m.cursor {
		marker = lipgloss.NewStyle().Foreground(theme.primary).Render("▶ ")
		nameStyle = nameStyle.Bold(true)
	}
	name := nameStyle.Render(fmt.Sprintf("[%d] %s", i, s.Name))
	if s.UnreadCount > 0 {
		name += " " + lipgloss.NewStyle().Foreground(theme.warning).Render(fmt.Sprintf("(%d)", s.UnreadCount))
	}
	right := lipgloss.NewStyle().Foreground(theme.textMuted).Render(string(s.Kind) + "  " + relativeTime(s.UpdatedAt))
	gap := max(1, width-lipgloss.Width(marker)-lipgloss.Width(name)-lipgloss.Width(right))
	row := marker + name + strings.Repeat(" ", gap) + right
	if s.LastMessage != "" {
		row += "\n    " + lipgloss.NewStyle().Foreground(theme.textMuted).Render(truncStr(oneLine(s.LastMessage), width-6))
	}
	return row
}

// renderChatPage 渲染会话页面
func (m *Model) renderChatPage() string {
	theme := getTheme()
	var b strings.Builder

	b.WriteString(m.renderChatHeader())
	b.WriteString("\n")

	chatHeight := max(5, m.height-7)
	m.viewport.Height = chatHeight
	m.viewport.Width = m.width - 4
	b.WriteString(lipgloss.NewStyle().PaddingLeft(2).Render(m.viewport.View()))
	b.WriteString("\n")

	leftBorder := lipgloss.NewStyle().Foreground(theme.primary).Render("┃ ")
	var inputContent string
	if m.pending {
		inputContent = m.spinner.View() + " "
		if len(m.messageQueue) > 0 {
			inputContent += fmt.Sprintf("(%d queued) ", len(m.messageQueue))
		}
	} else {
		inputContent = m.textarea.View()
	}
	b.WriteString("  " + leftBorder + inputContent + "\n")
	b.WriteString("  " + lipgloss.NewStyle().Foreground(theme.primary).Render("╹") + "\n")

	b.WriteString(m.renderChatFooter())
	return b.String()
}

// renderChatHeader 渲染 session header
func (m *Model) renderChatHeader() string {
	theme := getTheme()

	title := lipgloss.NewStyle().Bold(true).Foreground(theme.text).Render("# " + m.current.Name)
	right := lipgloss.NewStyle().Foreground(theme.textMuted).Render(m.current.Key)

	gap := max(1, m.width-lipgloss.Width(title)-lipgloss.Width(right)-4)
	content := title + strings.Repeat(" ", gap) + right
	leftBorder := lipgloss.NewStyle().Foreground(theme.border).Render("┃")

	return "  " + leftBorder + " " + content
}

// renderFooter 渲染首页 footer
func (m *Model) renderFooter() string {
	theme := getTheme()
	left := m.renderStatus()
	right := lipgloss.NewStyle().Foreground(theme.textMuted).Render(renderMiniLogo() + " " + m.opts.Version)
	gap := max(1, m.width-lipgloss.Width(left)-lipgloss.Width(right)-4)
	return "  " + left + strings.Repeat(" ", gap) + right
}

// renderChatFooter 渲染 session footer
func (m *Model) renderChatFooter() string {
	theme := getTheme()
	left := m.renderStatus()
	hints := lipgloss.NewStyle().Foreground(theme.textMuted).Render("esc sessions  /help commands")
	gap := max(1, m.width-lipgloss.Width(left)-lipgloss.Width(hints)-4)
	return "  " + left + strings.Repeat(" ", gap) + hints
}

// renderStatus 渲染连接状态徽标及最近的错误或提示
func (m *Model) renderStatus() string {
	theme := getTheme()
	color := theme.textMuted
	switch m.status {
	case client.StatusConnected:
		color = theme.success
	case client.StatusConnecting, client.StatusWaiting:
		color = theme.warning
	case client.StatusError:
		color = theme.error
	}
	badge := lipgloss.NewStyle().
		Background(color).
		Foreground(lipgloss.Color("#000000")).
		Padding(0, 1).
		Render(strings.ToUpper(string(m.status)))
	parts := []string{badge, lipgloss.NewStyle().Foreground(theme.textMuted).Render(m.connName)}
	if m.lastError != "" {
		parts = append(parts, lipgloss.NewStyle().Foreground(theme.error).Render(truncStr(m.lastError, 60)))
	} else if m.notice != "" {
		parts = append(parts, lipgloss.NewStyle().Foreground(theme.textMuted).Italic(true).Render(truncStr(m.notice, 60)))
	}
	return strings.Join(parts, " ")
}

func (m *Model) resize() {
	m.viewport.Width = m.width - 4
	m.viewport.Height = m.height - 8
	m.textarea.SetWidth(min(70, m.width-10))
}

func (m *Model) appendLine(line chatLine) {
	line.Content = strings.TrimSpace(line.Content)
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now()
	}
	m.lines = append(m.lines, line)
}

func (m *Model) updateViewport() {
	theme := getTheme()
	var b strings.Builder

	for i, line := range m.lines {
		switch line.Role {
		case "user":
			border := lipgloss.NewStyle().Foreground(theme.primary).Render("┃")
			if line.Failed {
				border = lipgloss.NewStyle().Foreground(theme.error).Render("✗")
			}
			b.WriteString(border + " " + lipgloss.NewStyle().Foreground(theme.text).Render(line.Content))

		case "system":
			b.WriteString(lipgloss.NewStyle().Foreground(theme.textMuted).Italic(true).Render(line.Content))

		default:
			who := line.Sender
			if who == "" {
				who = line.Role
			}
			label := lipgloss.NewStyle().Foreground(theme.textMuted).Render(
				"▶ " + who + "  " + line.Timestamp.Local().Format("15:04"))
			b.WriteString(label + "\n")
			b.WriteString(lipgloss.NewStyle().Foreground(theme.text).Width(max(10, m.viewport.Width-2)).Render(line.Content))
		}
		if i < len(m.lines)-1 {
			b.WriteString("\n\n")
		}
	}

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return gatewayMsg{Event: ev}
	}
}

func connectCmd(a *app.App, name string) tea.Cmd {
	return func() tea.Msg {
		if strings.TrimSpace(name) == "" {
			return connectedMsg{Err: errors.New("no saved connections; add one with `clawdesk connections add`")}
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		conn, err := a.Connect(ctx, name)
		if err != nil {
			return connectedMsg{Name: name, Err: err}
		}
		return connectedMsg{ConnID: conn.ID, Name: conn.Config().Name}
	}
}

func loadSessionsCmd(a *app.App, connID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		sessions, err := a.RefreshSessions(ctx, connID)
		return sessionsMsg{Sessions: sessions, Err: err}
	}
}

func historyCmd(a *app.App, connID, ref string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		sess, msgs, err := a.History(ctx, connID, ref)
		return historyMsg{Session: sess, Messages: msgs, Err: err}
	}
}

func sendCmd(a *app.App, connID, sessionID, text string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		msg, err := a.Send(ctx, connID, sessionID, text)
		return sentMsg{Message: msg, Err: err}
	}
}

func defaultRole(role string) string {
	if strings.TrimSpace(role) == "" {
		return "assistant"
	}
	return role
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

// Run 启动 TUI，退出时取消事件订阅
func Run(opts Options) error {
	m := NewModel(opts)
	defer m.Close()

	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run TUI: %w", err)
	}
	return nil
}
