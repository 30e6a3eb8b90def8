package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/highclaw/clawdesk/internal/app"
	"github.com/highclaw/clawdesk/internal/config"
	"github.com/highclaw/clawdesk/internal/gateway/client"
	"github.com/highclaw/clawdesk/internal/gateway/protocol"
	"github.com/highclaw/clawdesk/internal/gateway/rpc"
	"github.com/highclaw/clawdesk/internal/gateway/session"
	"github.com/highclaw/clawdesk/internal/store"
	"github.com/highclaw/clawdesk/internal/suggest"
	"github.com/highclaw/clawdesk/internal/system/tasklog"
	"github.com/highclaw/clawdesk/internal/templates"
)

// statusOf maps client and collaborator errors to HTTP statuses.
func statusOf(err error) int {
	var (
		notConnected *client.NotConnectedError
		timeout      *rpc.TimeoutError
		serverErr    *protocol.ServerError
		connectErr   *client.ConnectError
	)
	switch {
	case errors.As(err, &notConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnknownSession),
		errors.Is(err, templates.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, app.ErrUnknownConnection):
		return http.StatusNotFound
	case errors.Is(err, client.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, config.ErrStale):
		return http.StatusPreconditionFailed
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &serverErr), errors.As(err, &connectErr), errors.Is(err, rpc.ErrConnectionClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	msg := client.ScrubSecrets(err.Error())
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
		s.logger.Error("request failed", "path", c.FullPath(), "error", msg)
	}
	body := gin.H{"error": msg}
	var serverErr *protocol.ServerError
	if errors.As(err, &serverErr) && serverErr.Code != "" {
		body["code"] = serverErr.Code
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// config returns the live configuration, re-read from disk when it changed.
func (s *Server) config() *config.Config {
	if s.cfg != nil {
		return s.cfg.Get()
	}
	return s.app.Config
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"version":     s.version,
		"uptime":      formatUptime(time.Since(s.startedAt)),
		"connections": len(s.app.Manager.Connections()),
		"sessions":    s.app.Sessions.Count(),
		"listeners":   s.stream.count(),
	})
}

// connectionView merges a live connection with its saved profile.
type connectionView struct {
	client.ConnectionInfo
	Saved bool `json:"saved"`
}

// handleListConnections lists saved and live connections. Saved ones that
// were never connected show as disconnected.
func (s *Server) handleListConnections(c *gin.Context) {
	infos := s.app.Manager.Connections()
	live := make(map[string]client.ConnectionInfo, len(infos))
	for _, info := range infos {
		live[info.ID] = info
	}

	out := make([]connectionView, 0, len(live))
	for _, spec := range s.config().Connections {
		cc := app.ClientConfig(spec)
		id := cc.ConnectionID()
		info, ok := live[id]
		if !ok {
			info = client.ConnectionInfo{
				ID:       id,
				Name:     cc.Name,
				Endpoint: cc.Endpoint,
				Protocol: cc.Protocol,
				Status:   client.StatusDisconnected,
			}
		}
		delete(live, id)
		out = append(out, connectionView{ConnectionInfo: info, Saved: true})
	}
	for _, info := range infos {
		if _, ok := live[info.ID]; ok {
			out = append(out, connectionView{ConnectionInfo: info})
		}
	}
	c.JSON(http.StatusOK, gin.H{"connections": out})
}

type connectRequest struct {
	Name     string `json:"name" binding:"required"`
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
	Protocol string `json:"protocol"`
	// Save persists the connection to the config file.
	Save bool `json:"save"`
}

// handleConnect connects a saved connection by name, or an ad-hoc one when
// an endpoint is given.
func (s *Server) handleConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	spec, saved := s.config().FindConnection(req.Name)
	if req.Endpoint != "" || req.Protocol == string(client.ProtocolReverse) {
		next := config.ConnectionSpec{
			Name:     strings.TrimSpace(req.Name),
			Endpoint: strings.TrimSpace(req.Endpoint),
			Token:    req.Token,
			Protocol: req.Protocol,
		}
		if saved {
			next.CreatedAt = spec.CreatedAt
		} else {
			next.CreatedAt = time.Now().UTC()
		}
		spec = next
	} else if !saved {
		s.fail(c, fmt.Errorf("%w: %s", app.ErrUnknownConnection, req.Name))
		return
	}

	if req.Save {
		if s.cfg == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "config is read-only"})
			return
		}
		cfg, err := s.cfg.Update(s.cfg.Hash(), func(cfg *config.Config) error {
			cfg.UpsertConnection(spec)
			return nil
		})
		if err != nil {
			if statusOf(err) == http.StatusInternalServerError {
				badRequest(c, err)
				return
			}
			s.fail(c, err)
			return
		}
		spec, _ = cfg.FindConnection(spec.Name)
	}

	conn, err := s.app.Manager.Connect(c.Request.Context(), app.ClientConfig(spec))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection": conn.Info()})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.app.Manager.Get(id); !ok {
		s.fail(c, &client.NotConnectedError{ConnectionID: id})
		return
	}
	s.app.Manager.Disconnect(id)
	if c.Query("forget") == "true" {
		s.app.Sessions.Forget(id)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleListSessions refreshes from the gateway unless ?refresh=false.
func (s *Server) handleListSessions(c *gin.Context) {
	connID := c.Param("id")
	if c.Query("refresh") == "false" {
		c.JSON(http.StatusOK, gin.H{"sessions": s.app.Sessions.List(connID)})
		return
	}
	sessions, err := s.app.RefreshSessions(c.Request.Context(), connID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleHistory(c *gin.Context) {
	sess, msgs, err := s.app.History(c.Request.Context(), c.Param("id"), c.Param("sid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "messages": msgs})
}

type sendRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := s.app.Send(c.Request.Context(), c.Param("id"), c.Param("sid"), req.Content)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

type uploadRequest struct {
	Path string `json:"path" binding:"required"`
}

// handleUpload sends a local file; the bridge only binds loopback, so the
// path is one the desktop user picked on this machine.
func (s *Server) handleUpload(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	up, err := s.app.Upload(c.Request.Context(), c.Param("id"), c.Param("sid"), req.Path)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"upload": up})
}

type renameRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) handleRenameSession(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		badRequest(c, errors.New("name must not be blank"))
		return
	}
	sess, err := s.app.Rename(c.Request.Context(), c.Param("id"), c.Param("sid"), req.Name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// handleDeleteSession keeps the transcript unless ?transcript=true.
func (s *Server) handleDeleteSession(c *gin.Context) {
	transcript := c.Query("transcript") == "true"
	if err := s.app.Delete(c.Request.Context(), c.Param("id"), c.Param("sid"), transcript); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type suggestRequest struct {
	// History overrides fetching the transcript from the gateway.
	History []suggest.Message `json:"history"`
	Prompt  string            `json:"prompt"`
}

func (s *Server) handleSuggestions(c *gin.Context) {
	var req suggestRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	history := req.History
	if history == nil {
		_, msgs, err := s.app.History(c.Request.Context(), c.Param("id"), c.Param("sid"))
		if err != nil {
			s.fail(c, err)
			return
		}
		history = make([]suggest.Message, 0, len(msgs))
		for _, m := range msgs {
			history = append(history, suggest.Message{Role: m.Role, Content: m.Content})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"suggestions":  suggest.Suggestions(history),
		"quickReplies": suggest.QuickReplies(history),
		"smartReply":   suggest.SmartReply(history, req.Prompt),
	})
}

// handleListTemplates lists templates; ?q= and ?category= search.
func (s *Server) handleListTemplates(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		list []templates.Template
		err  error
	)
	if q, cat := c.Query("q"), c.Query("category"); q != "" || cat != "" {
		list, err = s.app.Templates.Search(ctx, q, cat)
	} else {
		list, err = s.app.Templates.List(ctx)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	cats, err := s.app.Templates.Categories(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": list, "categories": cats})
}

func (s *Server) handleSaveTemplate(c *gin.Context) {
	var t templates.Template
	if err := c.ShouldBindJSON(&t); err != nil {
		badRequest(c, err)
		return
	}
	if strings.TrimSpace(t.Name) == "" || strings.TrimSpace(t.Content) == "" {
		badRequest(c, errors.New("name and content are required"))
		return
	}
	saved, err := s.app.Templates.Save(c.Request.Context(), t)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"template": saved, "variables": templates.Variables(saved)})
}

func (s *Server) handleDeleteTemplate(c *gin.Context) {
	if err := s.app.Templates.Delete(c.Request.Context(), c.Param("tid")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type applyRequest struct {
	Vars map[string]string `json:"vars"`
}

func (s *Server) handleApplyTemplate(c *gin.Context) {
	var req applyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	t, err := s.app.Templates.Get(c.Request.Context(), c.Param("tid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": templates.Apply(t, req.Vars, time.Now())})
}

func (s *Server) handleGetSetting(c *gin.Context) {
	raw, err := s.app.Store.GetRaw(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "value": raw})
}

// handlePutSetting stores the request body as the JSON value of key.
func (s *Server) handlePutSetting(c *gin.Context) {
	var value json.RawMessage
	if err := c.ShouldBindJSON(&value); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.app.Store.Set(c.Request.Context(), c.Param("key"), value); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "value": value})
}

// profile is a saved connection as shown to front ends: never the token.
type profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint"`
	Protocol  string    `json:"protocol"`
	HasToken  bool      `json:"hasToken"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleProfiles(c *gin.Context) {
	specs := s.config().Connections
	out := make([]profile, 0, len(specs))
	for _, spec := range specs {
		cc := app.ClientConfig(spec)
		out = append(out, profile{
			ID:        cc.ConnectionID(),
			Name:      cc.Name,
			Endpoint:  cc.Endpoint,
			Protocol:  string(cc.Protocol),
			HasToken:  spec.Token != "",
			CreatedAt: spec.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"profiles": out})
}

// handleTasks queries the operation audit log.
func (s *Server) handleTasks(c *gin.Context) {
	if s.app.Tasks == nil {
		c.JSON(http.StatusOK, gin.H{"tasks": []tasklog.TaskRecord{}, "total": 0})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	recs, total, err := s.app.Tasks.Query(c.Request.Context(), tasklog.QueryParams{
		Action:       c.Query("action"),
		ConnectionID: c.Query("connection"),
		SessionKey:   c.Query("session"),
		Status:       c.Query("status"),
		Search:       c.Query("q"),
		Since:        c.Query("since"),
		Until:        c.Query("until"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	if recs == nil {
		recs = []tasklog.TaskRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": recs, "total": total})
}

// handleLogs returns recent bridge log records; ?n= and ?level= filter.
func (s *Server) handleLogs(c *gin.Context) {
	if s.logBuffer == nil {
		c.JSON(http.StatusOK, gin.H{"logs": []LogEntry{}})
		return
	}
	n, _ := strconv.Atoi(c.DefaultQuery("n", "200"))
	var level slog.Level
	if l := c.Query("level"); l != "" {
		if err := level.UnmarshalText([]byte(l)); err != nil {
			badRequest(c, fmt.Errorf("invalid level %q", l))
			return
		}
	} else {
		level = slog.LevelDebug
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.logBuffer.Tail(n, level)})
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, sec)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, sec)
	}
	return fmt.Sprintf("%ds", sec)
}
