// Package budget provides token estimation for context assembly and prompt
// sizing. Two estimators are available: a character heuristic (1 token ≈ 4
// characters of English prose or code) that needs no model data, and a
// tiktoken cl100k_base encoder for callers that want model-accurate counts.
package budget

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/pkoukk/tiktoken-go"
)

const (
	// charsPerToken is the character-to-token ratio used by the heuristic.
	// 4 chars/token is standard for English and code.
	charsPerToken = 4

	// TokenizerChars selects the character heuristic.
	TokenizerChars = "chars"

	// TokenizerTiktoken selects the cl100k_base BPE encoder.
	TokenizerTiktoken = "tiktoken"

	// defaultEncoding is the tiktoken encoding used by current OpenAI chat models.
	defaultEncoding = "cl100k_base"
)

// Estimator returns the token cost of a string. Implementations must be
// deterministic and safe for concurrent use.
type Estimator interface {
	Tokens(s string) int
}

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// Chars is the character-heuristic Estimator.
type Chars struct{}

// Tokens implements Estimator.
func (Chars) Tokens(s string) int { return Estimate(s) }

// Tiktoken counts tokens with a BPE encoder.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the cl100k_base encoding. The first call may fetch the
// BPE ranks file unless TIKTOKEN_CACHE_DIR points at a populated cache.
func NewTiktoken() (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("budget: load %s encoding: %w", defaultEncoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

// Tokens implements Estimator.
func (t *Tiktoken) Tokens(s string) int {
	if s == "" {
		return 0
	}
	return len(t.enc.Encode(s, nil, nil))
}

// NewEstimator returns the estimator selected by name. An empty name selects
// the character heuristic.
func NewEstimator(name string) (Estimator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", TokenizerChars:
		return Chars{}, nil
	case TokenizerTiktoken:
		return NewTiktoken()
	default:
		return nil, fmt.Errorf("budget: unknown tokenizer %q (want %q or %q)", name, TokenizerChars, TokenizerTiktoken)
	}
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		// Each message has a small per-message overhead (~4 tokens in most APIs).
		total += 4
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}
