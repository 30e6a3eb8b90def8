package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	syslogger "github.com/highclaw/clawdesk/internal/system/logger"
)

var (
	logsLines  int
	logsFollow bool
)

// --- Logs 命令组 ---

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View and query ClawDesk logs",
}

// logsTailCmd 输出最新日志文件的末尾，-f 持续追踪
var logsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the end of the latest log file",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveLogDir()
		if err != nil {
			return err
		}
		latest, err := syslogger.LatestLogFile(dir)
		if err != nil {
			return fmt.Errorf("no log files in %s: %w", dir, err)
		}
		lines, err := syslogger.TailFile(latest, logsLines)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, line := range lines {
			fmt.Fprintln(out, line)
		}
		if !logsFollow {
			return nil
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return syslogger.FollowFile(ctx, latest, out)
	},
}

// logsQueryCmd 在所有日志文件中搜索
var logsQueryCmd = &cobra.Command{
	Use:   "query [pattern]",
	Short: "Search all log files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveLogDir()
		if err != nil {
			return err
		}
		files, err := syslogger.ListLogFiles(dir)
		if err != nil {
			return fmt.Errorf("list log files: %w", err)
		}
		pattern := strings.Join(args, " ")
		out := cmd.OutOrStdout()
		total := 0
		for _, f := range files {
			matches, err := syslogger.QueryFile(f.Path, pattern)
			if err != nil || len(matches) == 0 {
				continue
			}
			fmt.Fprintf(out, "--- %s (%d matches) ---\n", f.Name, len(matches))
			for _, line := range matches {
				fmt.Fprintln(out, line)
			}
			total += len(matches)
		}
		fmt.Fprintf(out, "\nTotal matches: %d across %d files\n", total, len(files))
		return nil
	},
}

// logsListCmd 列出所有日志文件
var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all log files",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveLogDir()
		if err != nil {
			return err
		}
		files, err := syslogger.ListLogFiles(dir)
		if err != nil {
			return fmt.Errorf("list log files: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(files) == 0 {
			fmt.Fprintf(out, "No log files found in %s\n", dir)
			return nil
		}

		total, _ := syslogger.TotalSize(dir)
		fmt.Fprintf(out, "Log files (%d, total %.1f MB):\n\n", len(files), float64(total)/1024/1024)
		for _, f := range files {
			sizeMB := float64(f.Size) / 1024 / 1024
			fmt.Fprintf(out, "  %-32s  %8.2f MB  %s\n", f.Name, sizeMB, f.ModTime.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(out, "\nLog directory: %s\n", dir)
		return nil
	},
}

// logsCleanCmd 清理过期日志
var logsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean up old log files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		maxAge := cfg.Log.MaxAge
		if maxAge <= 0 {
			maxAge = 7
		}
		removed, err := syslogger.CleanupDir(logDir(cfg), maxAge)
		if err != nil {
			return fmt.Errorf("cleanup logs: %w", err)
		}
		out := cmd.OutOrStdout()
		if removed == 0 {
			fmt.Fprintln(out, "No expired log files to clean.")
		} else {
			fmt.Fprintf(out, "Removed %d expired log files (older than %d days)\n", removed, maxAge)
		}
		return nil
	},
}

// logsStatusCmd 显示日志系统状态
var logsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show log system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := logDir(cfg)
		files, _ := syslogger.ListLogFiles(dir)
		total, _ := syslogger.TotalSize(dir)

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Log System Status:")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  Directory:    %s\n", dir)
		fmt.Fprintf(out, "  Total files:  %d\n", len(files))
		fmt.Fprintf(out, "  Total size:   %.2f MB\n", float64(total)/1024/1024)
		if len(files) > 0 {
			fmt.Fprintf(out, "  Latest file:  %s\n", files[0].Name)
			fmt.Fprintf(out, "  Latest time:  %s\n", files[0].ModTime.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(out, "  Max age:      %d days\n", cfg.Log.MaxAge)
		fmt.Fprintf(out, "  Max size:     %d MB per file\n", cfg.Log.MaxSizeMB)
		fmt.Fprintf(out, "  Log level:    %s\n", cfg.Log.Level)
		return nil
	},
}

func init() {
	logsTailCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "Number of lines to print")
	logsTailCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Keep printing new lines")

	logsCmd.AddCommand(logsTailCmd)
	logsCmd.AddCommand(logsQueryCmd)
	logsCmd.AddCommand(logsListCmd)
	logsCmd.AddCommand(logsCleanCmd)
	logsCmd.AddCommand(logsStatusCmd)
}

func resolveLogDir() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return logDir(cfg), nil
}
