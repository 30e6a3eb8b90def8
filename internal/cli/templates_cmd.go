package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/highclaw/clawdesk/internal/store"
	"github.com/highclaw/clawdesk/internal/templates"
)

var (
	tplCategory string
	tplTags     string
	tplVars     []string
)

// --- Templates 命令组 ---

var templatesCmd = &cobra.Command{
	Use:     "templates",
	Aliases: []string{"tpl"},
	Short:   "Manage reply templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTemplates(cmd, func(ctx context.Context, lib *templates.Library) error {
			list, err := lib.Search(ctx, "", tplCategory)
			if err != nil {
				return err
			}
			printTemplates(cmd.OutOrStdout(), list)
			return nil
		})
	},
}

var templatesSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search templates by name, content or tag",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTemplates(cmd, func(ctx context.Context, lib *templates.Library) error {
			list, err := lib.Search(ctx, strings.Join(args, " "), tplCategory)
			if err != nil {
				return err
			}
			printTemplates(cmd.OutOrStdout(), list)
			return nil
		})
	},
}

var templatesAddCmd = &cobra.Command{
	Use:   "add [name] [content]",
	Short: "Add a template; {{name}} placeholders become variables",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t := templates.Template{
			Name:     args[0],
			Content:  strings.Join(args[1:], " "),
			Category: tplCategory,
		}
		for _, tag := range strings.Split(tplTags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				t.Tags = append(t.Tags, tag)
			}
		}
		return withTemplates(cmd, func(ctx context.Context, lib *templates.Library) error {
			saved, err := lib.Save(ctx, t)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printSuccess(out, fmt.Sprintf("Saved template %s (%s)", saved.Name, saved.ID))
			if vars := templates.Variables(saved); len(vars) > 0 {
				fmt.Fprintf(out, "  variables: %s\n", strings.Join(vars, ", "))
			}
			return nil
		})
	},
}

var templatesDeleteCmd = &cobra.Command{
	Use:     "delete [id]",
	Aliases: []string{"rm"},
	Short:   "Delete a template",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTemplates(cmd, func(ctx context.Context, lib *templates.Library) error {
			if err := lib.Delete(ctx, args[0]); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "Deleted template "+args[0])
			return nil
		})
	},
}

var templatesApplyCmd = &cobra.Command{
	Use:   "apply [id]",
	Short: "Print a template with variables filled in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vars := make(map[string]string, len(tplVars))
		for _, kv := range tplVars {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid --var %q, want key=value", kv)
			}
			vars[strings.TrimSpace(k)] = v
		}
		return withTemplates(cmd, func(ctx context.Context, lib *templates.Library) error {
			t, err := lib.Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), templates.Apply(t, vars, time.Now()))
			return nil
		})
	},
}

func printTemplates(w io.Writer, list []templates.Template) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No templates found.")
		return
	}
	fmt.Fprintf(w, "Templates (%d):\n\n", len(list))
	for _, t := range list {
		category := t.Category
		if category == "" {
			category = "-"
		}
		fmt.Fprintf(w, "  %-12s %-20s %-10s %s\n", t.ID, t.Name, category, templates.Preview(t.Content, 40))
		if len(t.Tags) > 0 {
			fmt.Fprintf(w, "  %-12s %s\n", "", styleMuted.Render("#"+strings.Join(t.Tags, " #")))
		}
	}
}

func init() {
	templatesListCmd.Flags().StringVar(&tplCategory, "category", "", "Only this category")
	templatesSearchCmd.Flags().StringVar(&tplCategory, "category", "", "Only this category")
	templatesAddCmd.Flags().StringVar(&tplCategory, "category", "", "Template category")
	templatesAddCmd.Flags().StringVar(&tplTags, "tags", "", "Comma-separated tags")
	templatesApplyCmd.Flags().StringArrayVar(&tplVars, "var", nil, "Variable as key=value (repeatable)")

	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesSearchCmd)
	templatesCmd.AddCommand(templatesAddCmd)
	templatesCmd.AddCommand(templatesDeleteCmd)
	templatesCmd.AddCommand(templatesApplyCmd)
}

// withTemplates 打开本地 KV 库并运行 fn，不需要连接网关
func withTemplates(cmd *cobra.Command, fn func(ctx context.Context, lib *templates.Library) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(store.DefaultPath(cfg.ResolvedDataDir()))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, templates.New(st))
}
