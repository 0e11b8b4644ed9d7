// Package agent wires an Eino ReAct agent to the tool registry to answer
// questions from retrieved context. The agent decides when to call
// search_context or the other registered tools; every call goes through the
// dispatcher, so the agent sees the same validation, caching and error
// taxonomy as any other caller.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragkit-go/internal/logging"
)

// systemPrompt establishes grounded answering over the registered tools.
const systemPrompt = `You are a careful research assistant. You answer questions
using only the context returned by your tools.

## How to work

1. Call search_context with a focused query before answering any factual
   question. Narrow the search with filters when the user names a source.
2. If the first search returns no_context, rephrase once with different terms.
   If it still returns no_context, say that the knowledge base has no answer.
3. Use summarize_document when the user asks about a whole document.
4. Use the analysis tools only when the user asks for a tagline, a contract
   review or another named analysis.

## How to answer

- Cite every claim with the bracketed marker from the context, e.g. [1] or [2].
  Only cite markers that appear in the context you retrieved.
- List the cited sources at the end as "[n] source".
- Never invent facts, figures, dates or sources that are not in the context.
- Keep answers short and direct.`

// defaultMaxStep bounds the ReAct loop. Each tool round trip costs two steps.
const defaultMaxStep = 12

// Config holds the dependencies required to construct an Assistant.
type Config struct {
	// ChatModel is the LLM backend constructed by the provider factory.
	ChatModel model.ToolCallingChatModel

	// Tools are the dispatcher-backed tools offered to the model.
	Tools []tool.BaseTool

	// MaxStep bounds the ReAct loop. Defaults to 12 if zero.
	MaxStep int
}

// Assistant wraps the Eino ReAct agent.
type Assistant struct {
	reactAgent *react.Agent
}

// New constructs an Assistant from the provided Config.
func New(ctx context.Context, cfg *Config) (*Assistant, error) {
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("agent: ChatModel must not be nil")
	}

	maxStep := cfg.MaxStep
	if maxStep <= 0 {
		maxStep = defaultMaxStep
	}

	reactAgent, err := react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel: cfg.ChatModel,
		ToolsConfig: compose.ToolsNodeConfig{
			Tools: cfg.Tools,
		},
		MaxStep: maxStep,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: failed to create ReAct agent: %w", err)
	}

	return &Assistant{reactAgent: reactAgent}, nil
}

// Ask sends question to the agent and streams the final answer to w.
func (a *Assistant) Ask(ctx context.Context, question string, w io.Writer) error {
	log := logging.FromContext(ctx)
	start := time.Now()

	sr, err := a.reactAgent.Stream(ctx, buildMessages(question))
	if err != nil {
		return fmt.Errorf("agent: stream failed: %w", err)
	}
	defer sr.Close()

	written := 0
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("agent: stream receive error: %w", err)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		n, err := io.WriteString(w, msg.Content)
		if err != nil {
			return fmt.Errorf("agent: write error: %w", err)
		}
		written += n
	}

	log.Info("agent: answered",
		slog.Int("answer_bytes", written),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// buildMessages constructs the message slice for one question.
func buildMessages(question string) []*schema.Message {
	return []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(question),
	}
}
