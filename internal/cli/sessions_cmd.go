package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/highclaw/clawdesk/internal/gateway/client"
	"github.com/highclaw/clawdesk/internal/gateway/events"
	"github.com/highclaw/clawdesk/internal/gateway/session"
	"github.com/highclaw/clawdesk/internal/tui"
)

var (
	connFlag          string
	deleteTranscript  bool
	historyLimit      int
	sendFile          string
	sendWait          time.Duration
	tuiInitialSession string
)

// --- Sessions 命令组 ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage gateway sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the gateway's sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, connFlag, func(ctx context.Context, e *env, connID string) error {
			list, err := e.app.RefreshSessions(ctx, connID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			fmt.Fprintf(out, "Sessions (%d):\n\n", len(list))
			for i, s := range list {
				printSessionRow(out, i, s)
			}
			return nil
		})
	},
}

func printSessionRow(w io.Writer, i int, s session.Session) {
	unread := ""
	if s.UnreadCount > 0 {
		unread = styleWarn.Render(fmt.Sprintf(" (%d)", s.UnreadCount))
	}
	fmt.Fprintf(w, "  [%d] %-32s %-8s %s%s\n", i, s.Name, s.Kind, formatAge(s.UpdatedAt), unread)
	fmt.Fprintf(w, "      %s\n", styleMuted.Render(s.Key))
	if s.LastMessage != "" {
		fmt.Fprintf(w, "      %s\n", truncateString(s.LastMessage, 72))
	}
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename [session] [name]",
	Short: "Rename a session",
	Long:  "Rename a session. [session] is a list index, local id, server key or name.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, connFlag, func(ctx context.Context, e *env, connID string) error {
			ref, err := pickSession(ctx, e, connID, args[0])
			if err != nil {
				return err
			}
			sess, err := e.app.Rename(ctx, connID, ref, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), fmt.Sprintf("Renamed %s to %q", sess.Key, sess.Name))
			return nil
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete [session]",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, connFlag, func(ctx context.Context, e *env, connID string) error {
			ref, err := pickSession(ctx, e, connID, args[0])
			if err != nil {
				return err
			}
			label := ref
			if sess, ok := e.app.Sessions.Get(ref); ok {
				label = sess.Key
			}
			if err := e.app.Delete(ctx, connID, ref, deleteTranscript); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "Deleted "+label)
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [session]",
	Short: "Print a session's transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd, connFlag, func(ctx context.Context, e *env, connID string) error {
			ref, err := pickSession(ctx, e, connID, args[0])
			if err != nil {
				return err
			}
			sess, msgs, err := e.app.History(ctx, connID, ref)
			if err != nil {
				return err
			}
			if historyLimit > 0 && len(msgs) > historyLimit {
				msgs = msgs[len(msgs)-historyLimit:]
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, styleTitle.Render(sess.Name)+"  "+styleMuted.Render(sess.Key))
			if len(msgs) == 0 {
				fmt.Fprintln(out, "No messages.")
				return nil
			}
			for _, m := range msgs {
				printMessage(out, m)
			}
			return nil
		})
	},
}

func printMessage(w io.Writer, m client.Message) {
	who := m.Role
	if m.Sender != "" {
		who = m.Sender
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp.Local().Format("01-02 15:04"), who, m.Content)
}

var sendCmd = &cobra.Command{
	Use:   "send [session] [message]",
	Short: "Send a message to a session",
	Long: `Send a message (or with --file, a file) to a session.
With --wait the command prints replies that arrive within the given time.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.TrimSpace(strings.Join(args[1:], " "))
		if text == "" && sendFile == "" {
			return client.ErrEmptyMessage
		}
		return withEnv(cmd, connFlag, func(ctx context.Context, e *env, connID string) error {
			ref, err := pickSession(ctx, e, connID, args[0])
			if err != nil {
				return err
			}

			replies := make(chan client.Message, 32)
			sub := e.app.Manager.Subscribe(client.EventMessage, func(ev events.Event) {
				p, ok := ev.Payload.(client.MessageEvent)
				if !ok || ev.ConnectionID != connID {
					return
				}
				select {
				case replies <- p.Message:
				default:
				}
			})
			defer e.app.Manager.Unsubscribe(sub)

			out := cmd.OutOrStdout()
			var key string
			if sendFile != "" {
				up, err := e.app.Upload(ctx, connID, ref, sendFile)
				if err != nil {
					return err
				}
				key = up.SessionKey
				printSuccess(out, fmt.Sprintf("Uploaded %s (%d bytes)", up.FileName, up.Size))
			}
			if text != "" {
				msg, err := e.app.Send(ctx, connID, ref, text)
				if err != nil {
					return err
				}
				key = msg.SessionKey
				printSuccess(out, "Sent to "+msg.SessionKey)
			}
			if sendWait <= 0 {
				return nil
			}
			return awaitReplies(ctx, out, replies, key, sendWait)
		})
	},
}

// awaitReplies prints replies for key until wait elapses.
func awaitReplies(ctx context.Context, w io.Writer, replies <-chan client.Message, key string, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case m := <-replies:
			if m.SessionKey == key && m.Role != "user" {
				printMessage(w, m)
			}
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// pickSession resolves a list index, local id, server key or name to the
// local session id, refreshing the list from the gateway first.
func pickSession(ctx context.Context, e *env, connID, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	list, err := e.app.RefreshSessions(ctx, connID)
	if err != nil {
		return "", err
	}
	if i, err := strconv.Atoi(ref); err == nil && i >= 0 && i < len(list) {
		return list[i].ID, nil
	}
	for _, s := range list {
		if s.ID == ref || s.Key == ref || strings.EqualFold(s.Name, ref) {
			return s.ID, nil
		}
	}
	if strings.Contains(ref, ":") {
		return ref, nil
	}
	return "", fmt.Errorf("%w: %s", session.ErrUnknownSession, ref)
}

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch terminal UI (interactive chat)",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()
		return tui.Run(tui.Options{
			App:        e.app,
			Connection: connFlag,
			Session:    tuiInitialSession,
			Version:    version,
		})
	},
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02")
	}
}

func truncateString(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func init() {
	for _, c := range []*cobra.Command{sessionsCmd, historyCmd, sendCmd, tuiCmd} {
		c.PersistentFlags().StringVarP(&connFlag, "connection", "c", "", "Saved connection name (default: first)")
	}
	sessionsDeleteCmd.Flags().BoolVar(&deleteTranscript, "transcript", false, "Also delete the transcript")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Only print the last N messages")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "Upload this file to the session")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 0, "Print replies that arrive within this time")
	tuiCmd.Flags().StringVar(&tuiInitialSession, "session", "", "Session to open on start")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsRenameCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}
