package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/highclaw/clawdesk/internal/config"
)

var (
	connAddName     string
	connAddEndpoint string
	connAddToken    string
	connAddProtocol string
)

// --- Connections 命令组 ---

var connectionsCmd = &cobra.Command{
	Use:     "connections",
	Aliases: []string{"conn"},
	Short:   "Manage saved gateway connections",
}

var connectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(cfg.Connections) == 0 {
			fmt.Fprintln(out, "No connections saved. Add one with 'clawdesk connections add'.")
			return nil
		}
		fmt.Fprintf(out, "Connections (%d):\n\n", len(cfg.Connections))
		for _, c := range cfg.Connections {
			proto := c.Protocol
			if proto == "" {
				proto = "websocket"
			}
			token := "no token"
			if c.Token != "" {
				token = "token set"
			}
			fmt.Fprintf(out, "  %-16s %-10s %-40s %s\n", c.Name, proto, c.Endpoint, styleMuted.Render(token))
		}
		fmt.Fprintf(out, "\nConfig: %s\n", resolvedConfigPath())
		return nil
	},
}

var connectionsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or update a connection",
	Long: `Add or update a saved gateway connection.
Without --name and --endpoint an interactive form asks for the details.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		spec := config.ConnectionSpec{
			Name:     strings.TrimSpace(connAddName),
			Endpoint: strings.TrimSpace(connAddEndpoint),
			Token:    connAddToken,
			Protocol: connAddProtocol,
		}
		if spec.Name == "" && spec.Endpoint == "" {
			if spec, err = promptConnection(spec); err != nil {
				return err
			}
		}
		if spec.Name == "" {
			return errors.New("connection name is required")
		}

		replaced := cfg.UpsertConnection(spec)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.SaveFile(resolvedConfigPath(), cfg); err != nil {
			return err
		}
		if replaced {
			printSuccess(cmd.OutOrStdout(), fmt.Sprintf("Updated connection %q", spec.Name))
		} else {
			printSuccess(cmd.OutOrStdout(), fmt.Sprintf("Added connection %q", spec.Name))
		}
		return nil
	},
}

// promptConnection 交互式填写连接信息
func promptConnection(spec config.ConnectionSpec) (config.ConnectionSpec, error) {
	if spec.Protocol == "" {
		spec.Protocol = "websocket"
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Connection name").
				Description("A short label, e.g. home or work").
				Value(&spec.Name).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("name is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Protocol").
				Options(
					huh.NewOption("WebSocket (dial the gateway)", "websocket"),
					huh.NewOption("Reverse (gateway calls in)", "reverse"),
				).
				Value(&spec.Protocol),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway URL").
				Placeholder("ws://127.0.0.1:18789").
				Value(&spec.Endpoint),
			huh.NewInput().
				Title("Gateway token").
				Description("Leave empty if the gateway does not require one").
				EchoMode(huh.EchoModePassword).
				Value(&spec.Token),
		),
	)
	if err := form.Run(); err != nil {
		return spec, err
	}
	spec.Name = strings.TrimSpace(spec.Name)
	spec.Endpoint = strings.TrimSpace(spec.Endpoint)
	return spec, nil
}

var connectionsRemoveCmd = &cobra.Command{
	Use:     "remove [name]",
	Aliases: []string{"rm"},
	Short:   "Remove a saved connection",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.RemoveConnection(args[0]) {
			return fmt.Errorf("connection %q not found", args[0])
		}
		if err := config.SaveFile(resolvedConfigPath(), cfg); err != nil {
			return err
		}
		printSuccess(cmd.OutOrStdout(), fmt.Sprintf("Removed connection %q", args[0]))
		return nil
	},
}

var connectionsTestCmd = &cobra.Command{
	Use:   "test [name]",
	Short: "Connect once and report the result",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		return withEnv(cmd, name, func(ctx context.Context, e *env, connID string) error {
			conn, ok := e.app.Manager.Get(connID)
			if !ok {
				return fmt.Errorf("connection %s vanished", connID)
			}
			info := conn.Info()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "  %s  %s\n", info.Name, statusStyle(string(info.Status)).Render(string(info.Status)))
			fmt.Fprintf(out, "  id:       %s\n", info.ID)
			fmt.Fprintf(out, "  endpoint: %s\n", info.Endpoint)
			return nil
		})
	},
}

func init() {
	connectionsAddCmd.Flags().StringVar(&connAddName, "name", "", "Connection name")
	connectionsAddCmd.Flags().StringVar(&connAddEndpoint, "endpoint", "", "Gateway WebSocket URL")
	connectionsAddCmd.Flags().StringVar(&connAddToken, "token", "", "Gateway token")
	connectionsAddCmd.Flags().StringVar(&connAddProtocol, "protocol", "", "websocket or reverse")

	connectionsCmd.AddCommand(connectionsListCmd)
	connectionsCmd.AddCommand(connectionsAddCmd)
	connectionsCmd.AddCommand(connectionsRemoveCmd)
	connectionsCmd.AddCommand(connectionsTestCmd)
}
