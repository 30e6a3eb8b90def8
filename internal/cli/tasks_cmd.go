package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/highclaw/clawdesk/internal/system/tasklog"
)

var (
	tasksLimit      int
	tasksOffset     int
	tasksAction     string
	tasksConnection string
	tasksSession    string
	tasksStatus     string
	tasksSince      string
	tasksUntil      string
	tasksSort       string
	tasksMaxAge     int
	tasksMaxN       int
)

// --- Tasks 命令组 ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect the gateway operation audit log",
	Long: `View and manage the operation audit log.
Every gateway operation (connect, session list, history, send, rename,
delete, upload) is recorded here with its duration and outcome.`,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTaskStore(cmd, func(ctx context.Context, store *tasklog.Store) error {
			sortBy, asc := parseSort(tasksSort)
			records, total, err := store.Query(ctx, tasklog.QueryParams{
				Action:       tasksAction,
				ConnectionID: tasksConnection,
				SessionKey:   tasksSession,
				Status:       tasksStatus,
				Since:        tasksSince,
				Until:        tasksUntil,
				SortBy:       sortBy,
				Ascending:    asc,
				Limit:        tasksLimit,
				Offset:       tasksOffset,
			})
			if err != nil {
				return fmt.Errorf("query tasks: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No task records found.")
				return nil
			}
			fmt.Fprintf(out, "Task records (%d/%d):\n\n", len(records), total)
			for _, r := range records {
				printTaskRecord(out, r)
			}
			if total > tasksOffset+len(records) {
				fmt.Fprintf(out, "\n  ... %d more records. Use --offset %d to see next page.\n", total-tasksOffset-len(records), tasksOffset+len(records))
			}
			return nil
		})
	},
}

// parseSort 解析 -field / +field 形式的排序参数，默认降序
func parseSort(s string) (string, bool) {
	switch {
	case strings.HasPrefix(s, "+"):
		return strings.TrimPrefix(s, "+"), true
	case strings.HasPrefix(s, "-"):
		return strings.TrimPrefix(s, "-"), false
	default:
		return s, false
	}
}

func printTaskRecord(w io.Writer, r tasklog.TaskRecord) {
	status := styleSuccess.Render(r.Status)
	if r.Status != "ok" {
		status = styleError.Render(r.Status)
	}
	fmt.Fprintf(w, "  #%-6d [%s] %-14s %s  %dms\n", r.ID, formatTaskTime(r.CreatedAt), r.Action, status, r.DurationMs)
	if r.ConnectionID != "" || r.SessionKey != "" {
		fmt.Fprintf(w, "          %s %s\n", r.ConnectionID, styleMuted.Render(r.SessionKey))
	}
	if r.Detail != "" {
		fmt.Fprintf(w, "          detail: %s\n", truncateString(r.Detail, 60))
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(w, "          error:  %s\n", truncateString(r.ErrorMessage, 60))
	}
}

var tasksGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Get task record details by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid task ID: %s", args[0])
		}
		return withTaskStore(cmd, func(ctx context.Context, store *tasklog.Store) error {
			rec, err := store.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			if rec == nil {
				return fmt.Errorf("task #%d not found", id)
			}
			data, _ := json.MarshalIndent(rec, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		})
	},
}

var tasksSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Full-text search task records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withTaskStore(cmd, func(ctx context.Context, store *tasklog.Store) error {
			records, total, err := store.Query(ctx, tasklog.QueryParams{
				Search: query,
				Limit:  tasksLimit,
				Offset: tasksOffset,
			})
			if err != nil {
				return fmt.Errorf("search tasks: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No matching task records found.")
				return nil
			}
			fmt.Fprintf(out, "Search results for %q (%d/%d):\n\n", query, len(records), total)
			for _, r := range records {
				printTaskRecord(out, r)
			}
			return nil
		})
	},
}

var tasksStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task log statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTaskStore(cmd, func(ctx context.Context, store *tasklog.Store) error {
			stats, err := store.GetStats(ctx)
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Task Log Statistics:")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Total records:      %d\n", stats.TotalRecords)
			fmt.Fprintf(out, "  Avg duration:       %.0fms\n", stats.AvgDurationMs)
			if stats.EarliestRecord != "" {
				fmt.Fprintf(out, "  Earliest record:    %s\n", formatTaskTime(stats.EarliestRecord))
			}
			if stats.LatestRecord != "" {
				fmt.Fprintf(out, "  Latest record:      %s\n", formatTaskTime(stats.LatestRecord))
			}
			printCounts(out, "By Action", stats.ByAction)
			printCounts(out, "By Connection", stats.ByConnection)
			printCounts(out, "By Status", stats.ByStatus)

			fmt.Fprintf(out, "\n  Database: %s\n", store.DBPath())
			return nil
		})
	},
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "\n  %s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "    %-24s %d\n", k, counts[k])
	}
}

var tasksCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean up old task records",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge := tasksMaxAge
		if maxAge <= 0 {
			maxAge = 90
		}
		maxN := tasksMaxN
		if maxN <= 0 {
			maxN = 100000
		}
		return withTaskStore(cmd, func(ctx context.Context, store *tasklog.Store) error {
			deleted, err := store.Cleanup(ctx, maxAge, maxN)
			if err != nil {
				return fmt.Errorf("cleanup tasks: %w", err)
			}
			out := cmd.OutOrStdout()
			if deleted == 0 {
				fmt.Fprintln(out, "No records to clean.")
			} else {
				fmt.Fprintf(out, "Cleaned %d task records (max-age=%d days, max-records=%d)\n", deleted, maxAge, maxN)
			}
			return nil
		})
	},
}

var tasksCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Show total task record count",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTaskStore(cmd, func(ctx context.Context, store *tasklog.Store) error {
			cnt, err := store.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Total task records: %d\n", cnt)
			return nil
		})
	},
}

func init() {
	tasksListCmd.Flags().IntVar(&tasksLimit, "limit", 20, "Max records to return")
	tasksListCmd.Flags().IntVar(&tasksOffset, "offset", 0, "Offset for pagination")
	tasksListCmd.Flags().StringVar(&tasksAction, "action", "", "Filter by action (connect, sessions.list, send, ...)")
	tasksListCmd.Flags().StringVar(&tasksConnection, "connection", "", "Filter by connection id")
	tasksListCmd.Flags().StringVar(&tasksSession, "session", "", "Filter by session key")
	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "", "Filter by status (ok, error)")
	tasksListCmd.Flags().StringVar(&tasksSince, "since", "", "Filter records created after this time (RFC3339, e.g. 2025-01-01T00:00:00Z)")
	tasksListCmd.Flags().StringVar(&tasksUntil, "until", "", "Filter records created before this time (RFC3339)")
	tasksListCmd.Flags().StringVar(&tasksSort, "sort", "-created_at", "Sort field with direction: -created_at, +duration_ms, +action, -status")

	tasksSearchCmd.Flags().IntVar(&tasksLimit, "limit", 20, "Max results")
	tasksSearchCmd.Flags().IntVar(&tasksOffset, "offset", 0, "Offset")

	tasksCleanCmd.Flags().IntVar(&tasksMaxAge, "max-age", 90, "Max age in days")
	tasksCleanCmd.Flags().IntVar(&tasksMaxN, "max-records", 100000, "Max total records to keep")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksGetCmd)
	tasksCmd.AddCommand(tasksSearchCmd)
	tasksCmd.AddCommand(tasksStatsCmd)
	tasksCmd.AddCommand(tasksCleanCmd)
	tasksCmd.AddCommand(tasksCountCmd)
}

// withTaskStore 打开与 app 相同位置的任务日志库
func withTaskStore(cmd *cobra.Command, fn func(ctx context.Context, store *tasklog.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := tasklog.NewStore(tasklog.Config{Dir: filepath.Join(cfg.ResolvedDataDir(), "state")}, nil)
	if err != nil {
		return fmt.Errorf("open task log: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, store)
}

func formatTaskTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
