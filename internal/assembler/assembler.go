// Package assembler packs ranked chunks into a token-bounded context block
// with inline citation markers. Packing is greedy in rank order: chunks are
// never reordered, and packing stops at the first chunk that does not fit.
package assembler

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/54b3r/ragkit-go/internal/budget"
	"github.com/54b3r/ragkit-go/internal/rag"
)

var (
	// ErrNoContext is returned when there is nothing to assemble.
	ErrNoContext = errors.New("assembler: no context")

	// ErrBudgetTooSmall is returned when maxTokens cannot hold even a citation
	// marker plus one character of the best chunk.
	ErrBudgetTooSmall = errors.New("assembler: token budget too small")
)

// separator joins consecutive segments. Its cost is charged to the segment
// that follows it.
const separator = "\n\n"

// markerPattern matches marker-shaped text already present in chunk content.
var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// Assembler builds context blocks. It is stateless apart from its estimator
// and safe for concurrent use.
type Assembler struct {
	est budget.Estimator
}

// New returns an Assembler that measures cost with est. A nil est selects the
// character heuristic.
func New(est budget.Estimator) *Assembler {
	if est == nil {
		est = budget.Chars{}
	}
	return &Assembler{est: est}
}

// Assemble packs chunks, in the order given, into a block whose estimated
// token count does not exceed maxTokens. The N-th accepted chunk is prefixed
// with "[N]" and CitationMap["[N]"] holds its SourceID. When the first chunk
// alone exceeds the budget its text is truncated to fit and it is still cited.
// chunks is not modified.
func (a *Assembler) Assemble(chunks []rag.Chunk, maxTokens int) (rag.ContextBlock, error) {
	if maxTokens <= 0 {
		return rag.ContextBlock{}, fmt.Errorf("%w: maxTokens must be positive, got %d", ErrBudgetTooSmall, maxTokens)
	}

	var b strings.Builder
	citations := make(map[string]string)
	n := 0

	for _, c := range chunks {
		text := neutralize(strings.TrimSpace(c.Text))
		if text == "" {
			continue
		}
		marker := fmt.Sprintf("[%d]", n+1)
		segment := marker + " " + text

		candidate := segment
		if n > 0 {
			candidate = b.String() + separator + segment
		}
		if a.est.Tokens(candidate) > maxTokens {
			if n > 0 {
				break
			}
			truncated, ok := a.truncate(marker, text, maxTokens)
			if !ok {
				return rag.ContextBlock{}, fmt.Errorf("%w: %d tokens cannot hold a citation", ErrBudgetTooSmall, maxTokens)
			}
			candidate = truncated
		}

		b.Reset()
		b.WriteString(candidate)
		n++
		citations[marker] = c.SourceID
	}

	if n == 0 {
		return rag.ContextBlock{}, ErrNoContext
	}

	out := b.String()
	return rag.ContextBlock{
		Text:        out,
		CitationMap: citations,
		TokenCount:  a.est.Tokens(out),
	}, nil
}

// truncate returns the longest "marker prefix" segment that fits maxTokens,
// cutting text on a rune boundary. ok is false when not even one rune fits.
func (a *Assembler) truncate(marker, text string, maxTokens int) (string, bool) {
	runes := []rune(text)
	fits := func(r int) bool {
		return a.est.Tokens(marker+" "+string(runes[:r])) <= maxTokens
	}

	lo, hi := 0, len(runes)
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if fits(mid) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	prefix := strings.TrimRightFunc(string(runes[:lo]), unicode.IsSpace)
	if prefix == "" {
		return "", false
	}
	return marker + " " + prefix, true
}

// neutralize rewrites marker-shaped sequences in chunk text ("[7]" → "(7)")
// so the only markers in the assembled block are the ones the assembler
// issued.
func neutralize(text string) string {
	return markerPattern.ReplaceAllString(text, "($1)")
}
