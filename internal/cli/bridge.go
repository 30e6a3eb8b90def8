package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/highclaw/clawdesk/internal/config"
	bridgehttp "github.com/highclaw/clawdesk/internal/interfaces/http"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Start the local HTTP bridge for the desktop front end",
	Long: `Start the local HTTP bridge.

The bridge exposes connections, sessions, history, sending, templates and
settings as a JSON API, plus a Server-Sent Events stream of gateway events.
It only binds to loopback addresses.

Default: http://127.0.0.1:18791`,
	RunE: runBridge,
}

var (
	bridgeAddr          string
	bridgeToken         string
	bridgeGenerateToken bool
	bridgeLogLines      int
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeAddr, "addr", "", "Listen address (default from config, 127.0.0.1:18791)")
	bridgeCmd.Flags().StringVar(&bridgeToken, "token", "", "Require this bearer token on /api")
	bridgeCmd.Flags().BoolVar(&bridgeGenerateToken, "generate-token", false, "Generate a random bearer token for this run")
	bridgeCmd.Flags().IntVar(&bridgeLogLines, "log-buffer", 500, "Recent log records kept for /api/logs")
}

func runBridge(cmd *cobra.Command, args []string) error {
	logBuffer := bridgehttp.NewLogBuffer(bridgeLogLines)
	e, err := openEnvWith(func(h slog.Handler) slog.Handler {
		return bridgehttp.NewLogBufferHandler(h, logBuffer)
	})
	if err != nil {
		return err
	}
	defer e.Close()
	logger := e.app.Logger

	addr := e.cfg.Bridge.Addr
	if cmd.Flags().Changed("addr") {
		addr = bridgeAddr
	}
	if err := requireLoopback(addr); err != nil {
		return err
	}

	token := e.cfg.Bridge.Token
	if cmd.Flags().Changed("token") {
		token = bridgeToken
	}
	if bridgeGenerateToken {
		if token, err = bridgehttp.GenerateToken(); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	printBanner(out)

	cache := config.NewCache(resolvedConfigPath(), e.cfg, 0)
	server := bridgehttp.NewServer(bridgehttp.Options{
		App:       e.app,
		Config:    cache,
		Logger:    logger,
		LogBuffer: logBuffer,
		Token:     token,
		Version:   version,
		Release:   !verbose,
	})

	logger.Info("starting ClawDesk bridge",
		"version", version,
		"addr", addr,
		"auth", token != "",
		"connections", len(e.cfg.Connections),
	)
	printNote(out, "http://"+addr, "Bridge ready")
	if bridgeGenerateToken {
		printNote(out, token, "Bearer token")
	} else if token == "" {
		printWarning(out, "No bearer token set; any local process can use /api")
	}

	if err := server.Start(cmd.Context(), addr); err != nil {
		logger.Error("bridge stopped", "error", err)
		return err
	}
	logger.Info("bridge shut down")
	return nil
}

// requireLoopback rejects listen addresses reachable from other hosts.
func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid bridge address %q: %w", addr, err)
	}
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("bridge address %q is not a loopback address", addr)
}

func printBanner(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  "+styleTitle.Render("ClawDesk bridge"))
	fmt.Fprintf(w, "     version: %s\n", version)
	fmt.Fprintf(w, "     runtime: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintln(w)
}
