package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/logging"
)

// NewToolsCmd constructs the `ragkit tools` command group.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List or call registered tools",
	}
	cmd.AddCommand(newToolsListCmd(), newToolsCallCmd())
	return cmd
}

func newToolsListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, logging.FromContext(ctx), runtimeOptions{})
			if err != nil {
				return fmt.Errorf("tools: %w", err)
			}
			defer rt.Close()

			specs := rt.dispatcher.Registry().Specs()
			if asJSON {
				out := make([]map[string]any, 0, len(specs))
				for _, s := range specs {
					out = append(out, map[string]any{
						"name":          s.Name,
						"description":   s.Description,
						"class":         s.Class,
						"input_schema":  s.Input.JSONSchema(),
						"output_schema": s.Output,
					})
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCLASS\tDESCRIPTION")
			for _, s := range specs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.Class, s.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print names, descriptions and schemas as JSON")
	return cmd
}

func newToolsCallCmd() *cobra.Command {
	var rawArgs string

	cmd := &cobra.Command{
		Use:   "call [name]",
		Short: "Call a tool with JSON arguments",
		Long: `Call one registered tool through the dispatcher and print its result.

Examples:
  ragkit tools call get_config
  ragkit tools call search_context --args '{"query":"refund policy","k":3}'
  ragkit tools call analyze --args '{"name":"tagline","input":"Acme rockets"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			callArgs := map[string]any{}
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &callArgs); err != nil {
					return fmt.Errorf("tools: --args is not a JSON object: %w", err)
				}
			}

			rt, err := newRuntime(ctx, logging.FromContext(ctx), runtimeOptions{journal: true})
			if err != nil {
				return fmt.Errorf("tools: %w", err)
			}
			defer rt.Close()

			res, err := rt.dispatcher.Call(ctx, args[0], callArgs)
			if err != nil {
				return fmt.Errorf("tools: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "Tool arguments as a JSON object")
	return cmd
}
