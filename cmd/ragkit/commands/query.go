package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/dispatch"
	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/tools"
)

// NewQueryCmd constructs the `ragkit query` command, which runs
// search_context once and prints the assembled context block.
func NewQueryCmd() *cobra.Command {
	var k, maxTokens int
	var filters map[string]string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Retrieve a cited context block for a query",
		Long: `Run search_context for the given text and print the assembled context
followed by its citations.

Examples:
  ragkit query "what is the refund window?"
  ragkit query -k 8 --max-tokens 1200 "onboarding checklist"
  ragkit query --filter source=handbook.md "parental leave"
  ragkit query --json "pricing tiers"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			rt, err := newRuntime(ctx, log, runtimeOptions{journal: true})
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			defer rt.Close()

			callArgs := map[string]any{"query": strings.Join(args, " ")}
			if k > 0 {
				callArgs["k"] = k
			}
			if maxTokens > 0 {
				callArgs["max_tokens"] = maxTokens
			}
			if len(filters) > 0 {
				f := make(map[string]any, len(filters))
				for key, v := range filters {
					f[key] = v
				}
				callArgs["filters"] = f
			}

			res, err := rt.dispatcher.Call(ctx, "search_context", callArgs)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			return printContext(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().IntVarP(&k, "k", "k", 0, "Number of chunks to retrieve (default: retrieval.k)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Token budget for the context block (default: chunking.max_tokens)")
	cmd.Flags().StringToStringVar(&filters, "filter", nil, "Metadata filter key=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full tool result as JSON")

	return cmd
}

// printContext renders a retrieval result for a terminal.
func printContext(w io.Writer, res *dispatch.Result) error {
	if res.Status == dispatch.StatusNoContext {
		_, err := fmt.Fprintln(w, "No relevant context found.")
		return err
	}
	out, ok := res.Output.(*tools.ContextOutput)
	if !ok {
		return writeJSON(w, res)
	}

	fmt.Fprintln(w, out.Context)
	fmt.Fprintln(w)
	for i := 1; i <= len(out.Citations); i++ {
		marker := fmt.Sprintf("[%d]", i)
		if src, ok := out.Citations[marker]; ok {
			fmt.Fprintf(w, "%s %s\n", marker, src)
		}
	}
	_, err := fmt.Fprintf(w, "\n%d tokens, fingerprint %s\n", out.TokenCount, out.Fingerprint)
	return err
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
