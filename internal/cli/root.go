package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/highclaw/clawdesk/internal/app"
	"github.com/highclaw/clawdesk/internal/config"
	syslogger "github.com/highclaw/clawdesk/internal/system/logger"
)

var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

// SetBuildInfo sets version info injected at build time.
func SetBuildInfo(v, date, commit string) {
	version = v
	buildDate = date
	gitCommit = commit
}

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "clawdesk",
	Short: "ClawDesk — chat client for OpenClaw gateways",
	Long: `ClawDesk — chat client for OpenClaw gateways

Connect to one or more gateways, browse their sessions, read history and
send messages from the terminal, or run the local bridge that the desktop
front end talks to.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "clawdesk %s\n", version)
		fmt.Fprintf(out, "  build:  %s\n", buildDate)
		fmt.Fprintf(out, "  commit: %s\n", gitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.clawdesk/clawdesk.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(connectionsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(templatesCmd)
}

// Execute runs the root cobra command. SIGINT and SIGTERM cancel the
// command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.ConfigPath()
}

func loadConfig() (*config.Config, error) {
	return config.LoadFile(resolvedConfigPath())
}

func logDir(cfg *config.Config) string {
	return filepath.Join(cfg.ResolvedDataDir(), "logs")
}

// env is what a one-shot command runs on: the app and its log file.
type env struct {
	cfg  *config.Config
	app  *app.App
	logs *syslogger.Manager
}

func openEnv() (*env, error) {
	return openEnvWith(nil)
}

// openEnvWith is openEnv with the log handler passed through wrap.
func openEnvWith(wrap func(slog.Handler) slog.Handler) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg}
	h := e.logHandler()
	if wrap != nil {
		h = wrap(h)
	}
	logger := slog.New(h)
	a, err := app.New(app.Options{Config: cfg, Logger: logger})
	if err != nil {
		e.closeLogs()
		return nil, err
	}
	e.app = a
	return e, nil
}

// logHandler writes to the daily log file; --verbose also mirrors to stderr.
func (e *env) logHandler() slog.Handler {
	level := syslogger.ParseLevel(e.cfg.Log.Level)
	if verbose {
		level = slog.LevelDebug
	}
	mgr, err := syslogger.New(syslogger.Config{
		Dir:           logDir(e.cfg),
		Level:         level,
		MaxAgeDays:    e.cfg.Log.MaxAge,
		MaxSizeMB:     e.cfg.Log.MaxSizeMB,
		StderrEnabled: e.cfg.Log.Stderr || verbose,
	})
	if err != nil {
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		slog.New(h).Warn("file logging unavailable", "error", err)
		return h
	}
	e.logs = mgr
	return mgr.NewSlogHandler()
}

func (e *env) closeLogs() {
	if e.logs != nil {
		_ = e.logs.Close()
	}
}

func (e *env) Close() error {
	var err error
	if e.app != nil {
		err = e.app.Close()
	}
	e.closeLogs()
	return err
}

// connect opens the named connection, or the first saved one when name is
// empty, and returns its manager id.
func (e *env) connect(ctx context.Context, name string) (string, error) {
	name, err := connectionName(e.cfg, name)
	if err != nil {
		return "", err
	}
	conn, err := e.app.Connect(ctx, name)
	if err != nil {
		return "", err
	}
	return conn.Info().ID, nil
}

func connectionName(cfg *config.Config, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name != "" {
		return name, nil
	}
	if len(cfg.Connections) == 0 {
		return "", errors.New("no connections configured; run 'clawdesk connections add' first")
	}
	return cfg.Connections[0].Name, nil
}

// withEnv runs fn on a connected env and tears it down afterwards.
func withEnv(cmd *cobra.Command, name string, fn func(ctx context.Context, e *env, connID string) error) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	connID, err := e.connect(ctx, name)
	if err != nil {
		return err
	}
	return fn(ctx, e, connID)
}
