// Package http is the local HTTP bridge: a loopback REST + event-stream
// surface over the gateway client, for desktop and browser front ends.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/highclaw/clawdesk/internal/app"
	"github.com/highclaw/clawdesk/internal/config"
)

// Bearer-token failures allowed per client before /api answers 429.
const (
	maxAuthFailures   = 10
	authFailureWindow = time.Minute
)

// Options configure NewServer.
type Options struct {
	App       *app.App
	Config    *config.Cache
	Logger    *slog.Logger
	LogBuffer *LogBuffer
	// Token, when set, is required as a bearer token on /api routes.
	Token   string
	Version string
	Release bool
}

// Server is the bridge.
type Server struct {
	router    *gin.Engine
	app       *app.App
	cfg       *config.Cache
	logger    *slog.Logger
	logBuffer *LogBuffer
	token     string
	version   string
	startedAt time.Time

	upgrader websocket.Upgrader
	stream   *eventStream
}

// NewServer creates the bridge and registers its routes.
func NewServer(opts Options) *Server {
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bridge")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:    router,
		app:       opts.App,
		cfg:       opts.Config,
		logger:    logger,
		logBuffer: opts.LogBuffer,
		token:     opts.Token,
		version:   opts.Version,
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return isLoopbackOrigin(r.Header.Get("Origin")) },
		},
		stream: newEventStream(opts.App.Manager, logger),
	}
	if s.version == "" {
		s.version = "dev"
	}

	s.setupRoutes()
	return s
}

// setupRoutes 注册 health + api 路由
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.Use(authMiddleware(s.token, newFailureLimiter(maxAuthFailures, authFailureWindow)))
	{
		api.GET("/connections", s.handleListConnections)
		api.POST("/connections", s.handleConnect)
		api.DELETE("/connections/:id", s.handleDisconnect)

		conn := api.Group("/connections/:id/sessions")
		conn.GET("", s.handleListSessions)
		conn.GET("/:sid/messages", s.handleHistory)
		conn.POST("/:sid/messages", s.handleSend)
		conn.PATCH("/:sid", s.handleRenameSession)
		conn.DELETE("/:sid", s.handleDeleteSession)
		conn.POST("/:sid/suggestions", s.handleSuggestions)
		conn.POST("/:sid/files", s.handleUpload)

		api.GET("/templates", s.handleListTemplates)
		api.POST("/templates", s.handleSaveTemplate)
		api.DELETE("/templates/:tid", s.handleDeleteTemplate)
		api.POST("/templates/:tid/apply", s.handleApplyTemplate)

		api.GET("/settings/:key", s.handleGetSetting)
		api.PUT("/settings/:key", s.handlePutSetting)

		api.GET("/profiles", s.handleProfiles)
		api.GET("/tasks", s.handleTasks)
		api.GET("/logs", s.handleLogs)

		api.GET("/events", s.handleEvents)
		api.GET("/ws", s.handleWebSocket)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge failed to start: %w\n  -> Is another ClawDesk bridge running on %s?", err, addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("starting HTTP bridge", "address", ln.Addr().String())

	srv := &http.Server{
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("bridge runtime error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down HTTP bridge")
	s.stream.close()
	return srv.Shutdown(shutdownCtx)
}
