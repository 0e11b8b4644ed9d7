// Package analysis implements the domain-analysis capability the analysis
// tools delegate to. Each named analysis pairs fixed analyst instructions
// with the argument that carries its subject; a ChatAnalyzer runs it as a
// single chat completion on the configured model.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/rag"
)

// Capability runs a named analysis over args and returns its structured
// result. Errors wrap rag.ErrBackendUnavailable for transient model
// failures and rag.ErrBackendError otherwise.
type Capability interface {
	Analyze(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// ErrUnknownAnalysis is returned for a name no analysis is registered under.
var ErrUnknownAnalysis = errors.New("analysis: unknown analysis")

// Analysis describes one named analysis.
type Analysis struct {
	// Name is the identifier callers select the analysis by.
	Name string

	// Instructions is the system prompt sent with every run.
	Instructions string

	// InputArg is the argument holding the subject text. When absent the
	// generic "input" argument is used.
	InputArg string

	// OutputField is the single key of the returned result.
	OutputField string
}

// Built-in analysis names.
const (
	Tagline  = "tagline"
	Contract = "contract"
)

// Builtin returns the analyses registered by default.
func Builtin() []Analysis {
	return []Analysis{
		{
			Name:         Tagline,
			Instructions: "You are an expert tag line generator for products. Generate a tag line given the product name.",
			InputArg:     "productName",
			OutputField:  "tagline",
		},
		{
			Name:         Contract,
			Instructions: "You are an expert contract analyst. Analyze the given contract text.",
			InputArg:     "contractName",
			OutputField:  "analysis",
		},
	}
}

// ChatAnalyzer runs analyses on a chat model.
type ChatAnalyzer struct {
	model    model.BaseChatModel
	analyses map[string]Analysis
}

// NewChatAnalyzer returns an analyzer over m serving analyses. Names must be
// unique and non-empty.
func NewChatAnalyzer(m model.BaseChatModel, analyses ...Analysis) (*ChatAnalyzer, error) {
	if m == nil {
		return nil, fmt.Errorf("analysis: chat model must not be nil")
	}
	byName := make(map[string]Analysis, len(analyses))
	for _, a := range analyses {
		if a.Name == "" || a.OutputField == "" {
			return nil, fmt.Errorf("analysis: name and output field are required")
		}
		if _, dup := byName[a.Name]; dup {
			return nil, fmt.Errorf("analysis: %q registered twice", a.Name)
		}
		byName[a.Name] = a
	}
	return &ChatAnalyzer{model: m, analyses: byName}, nil
}

// Names returns the registered analysis names, sorted.
func (c *ChatAnalyzer) Names() []string {
	names := make([]string, 0, len(c.analyses))
	for n := range c.analyses {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Lookup returns the analysis registered under name.
func (c *ChatAnalyzer) Lookup(name string) (Analysis, bool) {
	a, ok := c.analyses[name]
	return a, ok
}

// Analyze implements Capability.
func (c *ChatAnalyzer) Analyze(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	a, ok := c.analyses[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAnalysis, name)
	}

	subject, _ := args[a.InputArg].(string)
	if subject == "" {
		subject, _ = args["input"].(string)
	}
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("analysis: %s: %w: no subject supplied", name, rag.ErrBackendError)
	}

	log := logging.FromContext(ctx)
	start := time.Now()
	resp, err := c.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(a.Instructions),
		schema.UserMessage(subject),
	})
	if err != nil {
		log.Warn("analysis: model call failed",
			slog.String("analysis", name),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("analysis: %s: %w", name, classify(ctx, err))
	}

	log.Debug("analysis: completed",
		slog.String("analysis", name),
		slog.Int("response_chars", len(resp.Content)),
		slog.Duration("duration", time.Since(start)),
	)
	return map[string]any{a.OutputField: strings.TrimSpace(resp.Content)}, nil
}

var statusPattern = regexp.MustCompile(`(?i)status(?: code)?[:= ]+(\d{3})`)

// classify maps a model error onto the backend failure classes. Context
// errors pass through unchanged.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", rag.ErrBackendUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", rag.ErrBackendUnavailable, err)
	}
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		if code == 429 || code >= 500 {
			return fmt.Errorf("%w: %w", rag.ErrBackendUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %w", rag.ErrBackendError, err)
}
