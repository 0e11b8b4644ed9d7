package tools

import (
	"context"

	"github.com/54b3r/ragkit-go/internal/analysis"
	"github.com/54b3r/ragkit-go/internal/validate"
)

// GetConfig returns the get_config tool: a read-only view of the snapshot
// the call runs under. The snapshot holds no credentials.
func GetConfig() Spec {
	return Spec{
		Name:        "get_config",
		Description: "Returns the active retrieval configuration: chunking, retrieval, cache, rerank and dispatch settings.",
		Class:       ClassConfig,
		Output:      configOutputSchema,
		Handler: HandlerFunc(func(_ context.Context, call Call) (any, error) {
			return call.Snapshot, nil
		}),
	}
}

// GetTagline returns the get_tagline tool.
func GetTagline(c analysis.Capability) Spec {
	return Spec{
		Name:        "get_tagline",
		Description: "Returns the official tagline (mission statement) for a given product.",
		Class:       ClassAnalysis,
		Input: validate.Schema{Params: []validate.Param{{
			Name:        "productName",
			Type:        validate.String,
			Required:    true,
			Description: "The name of the product.",
			MinLen:      1,
			MaxLen:      200,
		}}},
		Output:  taglineOutputSchema,
		Handler: relay(c, analysis.Tagline),
	}
}

// GetContractAnalysis returns the get_contract_analysis tool.
func GetContractAnalysis(c analysis.Capability) Spec {
	return Spec{
		Name:        "get_contract_analysis",
		Description: "Returns the analysis of a given contract.",
		Class:       ClassAnalysis,
		Input: validate.Schema{Params: []validate.Param{{
			Name:        "contractName",
			Type:        validate.String,
			Required:    true,
			Description: "The name of the contract to analyze.",
			MinLen:      1,
			MaxLen:      500,
		}}},
		Output:  contractOutputSchema,
		Handler: relay(c, analysis.Contract),
	}
}

// Analyze returns the generic analyze tool over the named analyses.
func Analyze(c analysis.Capability, names []string) Spec {
	return Spec{
		Name:        "analyze",
		Description: "Runs a named domain analysis over the supplied input text and returns its result.",
		Class:       ClassAnalysis,
		Input: validate.Schema{Params: []validate.Param{
			{
				Name:        "name",
				Type:        validate.String,
				Required:    true,
				Description: "Analysis to run.",
				Enum:        names,
			},
			{
				Name:        "input",
				Type:        validate.String,
				Required:    true,
				Description: "Subject text for the analysis.",
				MinLen:      1,
				MaxLen:      20000,
			},
		}},
		Output: analysisOutputSchema,
		Handler: HandlerFunc(func(ctx context.Context, call Call) (any, error) {
			name := validate.Str(call.Args, "name", "")
			return c.Analyze(ctx, name, map[string]any{"input": call.Args["input"]})
		}),
	}
}

// relay forwards the validated arguments to analysis name and returns its
// result unchanged.
func relay(c analysis.Capability, name string) Handler {
	return HandlerFunc(func(ctx context.Context, call Call) (any, error) {
		return c.Analyze(ctx, name, call.Args)
	})
}

// Deps are the collaborators of the built-in tools.
type Deps struct {
	Retriever  *Retriever
	Estimators *Estimators

	// Analysis backs the analysis tools; they are omitted when nil.
	Analysis analysis.Capability

	// Analyses names the analyses offered by the analyze tool.
	Analyses []string
}

// Builtin returns the registry of built-in tools.
func Builtin(d Deps) (*Registry, error) {
	est := d.Estimators
	if est == nil {
		est = &Estimators{}
	}
	specs := []Spec{
		SearchContext(d.Retriever, est),
		SummarizeDocument(d.Retriever, est),
		GetConfig(),
	}
	if d.Analysis != nil {
		specs = append(specs, GetTagline(d.Analysis), GetContractAnalysis(d.Analysis))
		if len(d.Analyses) > 0 {
			specs = append(specs, Analyze(d.Analysis, d.Analyses))
		}
	}
	return NewRegistry(specs...)
}
