package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/agent"
	"github.com/54b3r/ragkit-go/internal/dispatch"
	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/tracing"
)

// NewAskCmd constructs the `ragkit ask` command, which answers one question
// with a ReAct agent that retrieves context through the registered tools.
func NewAskCmd() *cobra.Command {
	var maxStep int

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question from the knowledge base",
		Long: `Ask a natural language question. An agent searches the knowledge base
with the registered tools and streams a cited answer to stdout.

The chat model is selected with MODEL_PROVIDER (see 'ragkit --help').

Examples:
  ragkit ask "how long do customers have to request a refund?"
  ragkit ask "summarise handbook.md"
  MODEL_PROVIDER=openai ragkit ask "what changed in the 2024 pricing?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			flush := tracing.Install(tracingConfig("ragkit-ask"))
			defer flush()

			rt, err := newRuntime(ctx, log, runtimeOptions{journal: true, requireModel: true})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer rt.Close()

			assistant, err := agent.New(ctx, &agent.Config{
				ChatModel: rt.chatModel,
				Tools:     dispatch.EinoTools(rt.dispatcher),
				MaxStep:   maxStep,
			})
			if err != nil {
				return fmt.Errorf("ask: failed to initialise agent: %w", err)
			}

			out := cmd.OutOrStdout()
			if err := assistant.Ask(ctx, strings.Join(args, " "), out); err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			_, err = fmt.Fprintln(out)
			return err
		},
	}

	cmd.Flags().IntVar(&maxStep, "max-steps", 0, "Bound on agent reasoning steps (default: 12)")

	return cmd
}
