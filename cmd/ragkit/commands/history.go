package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/config"
	"github.com/54b3r/ragkit-go/internal/store"
)

// NewHistoryCmd constructs the `ragkit history` command, which prints the
// most recent entries of the tool call journal.
func NewHistoryCmd() *cobra.Command {
	var tool, kind string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent tool calls from the journal",
		Long: `Print recent tool calls recorded by serve, mcp, query and ask.

Examples:
  ragkit history
  ragkit history --tool search_context --limit 50
  ragkit history --kind Timeout --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			dbPath := config.SettingsFromEnv().HistoryDB
			if dbPath == historyDisabled {
				return fmt.Errorf("history: journal is disabled (RAGKIT_HISTORY_DB=disabled)")
			}
			if dbPath == "" {
				var err error
				if dbPath, err = store.DefaultDBPath(); err != nil {
					return fmt.Errorf("history: %w", err)
				}
			}

			j, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			defer j.Close()

			entries, err := j.Recent(ctx, store.Filter{Tool: tool, Kind: kind, Limit: limit})
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTOOL\tSTATUS\tKIND\tDURATION\tSNAPSHOT\tARGS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					e.Tool, e.Status, e.Kind, e.Duration, e.SnapshotVersion, e.Args)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&tool, "tool", "", "Only show calls to this tool")
	cmd.Flags().StringVar(&kind, "kind", "", "Only show calls that failed with this error kind")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print entries as JSON")

	return cmd
}
