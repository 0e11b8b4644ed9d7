package tools

import (
	"github.com/invopop/jsonschema"

	"github.com/54b3r/ragkit-go/internal/config"
)

// ContextOutput is the result of the retrieval-class tools.
type ContextOutput struct {
	// Status is "ok" for a populated block.
	Status string `json:"status" jsonschema:"enum=ok,enum=no_context"`

	// Context is the assembled text with inline [N] markers.
	Context string `json:"context" jsonschema:"description=Assembled context with inline citation markers such as [1]"`

	// Citations maps each marker in Context to its source document.
	Citations map[string]string `json:"citations" jsonschema:"description=Marker to source document"`

	TokenCount int `json:"token_count" jsonschema:"minimum=0"`

	// Fingerprint identifies the retrieval the context was built from.
	Fingerprint string `json:"fingerprint"`

	// Chunks lists the retrieved chunks in rank order.
	Chunks []ChunkRef `json:"chunks"`

	// Source is set by summarize_document.
	Source string `json:"source,omitempty"`
}

// ChunkRef describes one retrieved chunk without its text.
type ChunkRef struct {
	SourceID string  `json:"source_id"`
	Page     *int    `json:"page,omitempty"`
	Score    float64 `json:"score"`
	Hash     string  `json:"hash"`
}

// TaglineOutput is the result of get_tagline.
type TaglineOutput struct {
	Tagline string `json:"tagline" jsonschema:"description=Generated product tagline"`
}

// ContractAnalysisOutput is the result of get_contract_analysis.
type ContractAnalysisOutput struct {
	Analysis string `json:"analysis" jsonschema:"description=Analyst review of the contract"`
}

// AnalysisOutput is the result of analyze: a single field named by the
// selected analysis.
type AnalysisOutput map[string]string

// OutputSchema reflects the JSON schema of T with every definition inlined.
func OutputSchema[T any]() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	s := reflector.Reflect(new(T))
	s.Version = ""
	s.ID = ""
	return s
}

var (
	contextOutputSchema  = OutputSchema[ContextOutput]()
	configOutputSchema   = OutputSchema[config.Snapshot]()
	taglineOutputSchema  = OutputSchema[TaglineOutput]()
	contractOutputSchema = OutputSchema[ContractAnalysisOutput]()
	analysisOutputSchema = OutputSchema[AnalysisOutput]()
)
