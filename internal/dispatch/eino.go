package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragkit-go/internal/toolerr"
	"github.com/54b3r/ragkit-go/internal/tools"
)

// EinoTool exposes one registered tool to an Eino agent. Every invocation
// goes through the Dispatcher, so agent calls are validated, bounded and
// journaled like any other caller's.
type EinoTool struct {
	d    *Dispatcher
	spec tools.Spec
}

var _ tool.InvokableTool = (*EinoTool)(nil)

// EinoTools returns an Eino tool for every tool in the published registry.
func EinoTools(d *Dispatcher) []tool.BaseTool {
	specs := d.Registry().Specs()
	out := make([]tool.BaseTool, 0, len(specs))
	for _, s := range specs {
		out = append(out, &EinoTool{d: d, spec: s})
	}
	return out
}

// Info returns the tool schema sent to the model.
func (t *EinoTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        t.spec.Name,
		Desc:        t.spec.Description,
		ParamsOneOf: schema.NewParamsOneOfByParams(t.spec.Input.EinoParams()),
	}, nil
}

// failure is the body handed back to the model when a call fails, so the
// agent can read the reason and choose another step.
type failure struct {
	Status  string       `json:"status"`
	Kind    toolerr.Kind `json:"kind"`
	Field   string       `json:"field,omitempty"`
	Message string       `json:"message"`
}

// InvokableRun dispatches the call and returns the JSON-encoded output.
// Tool failures are reported in the returned body rather than as an error;
// only an encoding failure aborts the agent run.
func (t *EinoTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	args := map[string]any{}
	if argumentsInJSON != "" {
		if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
			return encode(failure{
				Status:  StatusError,
				Kind:    toolerr.KindValidation,
				Message: "arguments are not a JSON object",
			})
		}
	}

	res, err := t.d.Call(ctx, t.spec.Name, args)
	if err != nil {
		te, _ := toolerr.As(err)
		return encode(failure{Status: StatusError, Kind: te.Kind, Field: te.Field, Message: te.Message})
	}
	if res.Status == StatusNoContext {
		return encode(failure{Status: res.Status, Kind: res.Kind, Message: res.Message})
	}
	return encode(res.Output)
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("dispatch: encode tool output: %w", err)
	}
	return string(b), nil
}
