// Package validate checks tool-call arguments against a declared input schema
// before any handler runs. A Schema is an ordered list of parameters; the
// first failure in declaration order is reported so error messages are
// deterministic. The same Schema renders itself as an Eino parameter map and
// as a JSON Schema document for the MCP and HTTP surfaces.
package validate

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"unicode/utf8"

	"github.com/54b3r/ragkit-go/internal/toolerr"
)

// Type is the declared JSON type of a parameter.
type Type string

const (
	// String is a JSON string.
	String Type = "string"
	// Integer is a JSON number with no fractional part.
	Integer Type = "integer"
	// Number is any JSON number.
	Number Type = "number"
	// Boolean is a JSON boolean.
	Boolean Type = "boolean"
	// Object is a JSON object whose values are scalars.
	Object Type = "object"
	// StringArray is a JSON array of strings.
	StringArray Type = "array"
)

// Param declares one named argument.
type Param struct {
	// Name is the argument key.
	Name string

	// Type is the required JSON type.
	Type Type

	// Required rejects calls that omit the argument (or pass null).
	Required bool

	// Description is shown to the calling agent in every rendered schema.
	Description string

	// Enum, when non-empty, restricts a string argument to these values.
	Enum []string

	// Min and Max bound integer and number arguments (inclusive).
	Min *float64
	Max *float64

	// MinLen and MaxLen bound string length in runes; zero means unbounded.
	MinLen int
	MaxLen int
}

// Schema is an ordered parameter list. Declaration order is the order in
// which arguments are checked.
type Schema struct {
	Params []Param
}

// Bound returns a pointer to v, for use in Param.Min and Param.Max.
func Bound(v float64) *float64 { return &v }

// Validate checks args against the schema and returns the first failure as a
// *toolerr.Error of kind ValidationError, or nil. Unknown argument names are
// rejected after every declared parameter has passed, in sorted name order.
func (s Schema) Validate(args map[string]any) error {
	for _, p := range s.Params {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				return toolerr.Validation(p.Name, "is required")
			}
			continue
		}
		if err := p.check(v); err != nil {
			return err
		}
	}

	var unknown []string
	for name := range args {
		if !s.has(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return toolerr.Validation(unknown[0], "is not a recognised argument")
	}
	return nil
}

func (s Schema) has(name string) bool {
	return slices.ContainsFunc(s.Params, func(p Param) bool { return p.Name == name })
}

func (p Param) check(v any) error {
	switch p.Type {
	case String:
		str, ok := v.(string)
		if !ok {
			return toolerr.Validation(p.Name, "must be a string")
		}
		if len(p.Enum) > 0 && !slices.Contains(p.Enum, str) {
			return toolerr.Validation(p.Name, fmt.Sprintf("must be one of %v", p.Enum))
		}
		n := utf8.RuneCountInString(str)
		if p.MinLen > 0 && n < p.MinLen {
			return toolerr.Validation(p.Name, fmt.Sprintf("must be at least %d characters", p.MinLen))
		}
		if p.MaxLen > 0 && n > p.MaxLen {
			return toolerr.Validation(p.Name, fmt.Sprintf("must be at most %d characters", p.MaxLen))
		}

	case Integer:
		f, ok := number(v)
		if !ok || f != math.Trunc(f) {
			return toolerr.Validation(p.Name, "must be an integer")
		}
		return p.checkBounds(f)

	case Number:
		f, ok := number(v)
		if !ok {
			return toolerr.Validation(p.Name, "must be a number")
		}
		return p.checkBounds(f)

	case Boolean:
		if _, ok := v.(bool); !ok {
			return toolerr.Validation(p.Name, "must be a boolean")
		}

	case Object:
		m, ok := v.(map[string]any)
		if !ok {
			return toolerr.Validation(p.Name, "must be an object")
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !isScalar(m[k]) {
				return toolerr.Validation(p.Name+"."+k, "must be a string, number or boolean")
			}
		}

	case StringArray:
		items, ok := v.([]any)
		if !ok {
			if _, typed := v.([]string); typed {
				return nil
			}
			return toolerr.Validation(p.Name, "must be an array of strings")
		}
		for i, item := range items {
			if _, ok := item.(string); !ok {
				return toolerr.Validation(fmt.Sprintf("%s[%d]", p.Name, i), "must be a string")
			}
		}

	default:
		return toolerr.New(toolerr.KindInternal, fmt.Sprintf("parameter %q declares unsupported type %q", p.Name, p.Type), nil)
	}
	return nil
}

func (p Param) checkBounds(f float64) error {
	if p.Min != nil && f < *p.Min {
		return toolerr.Validation(p.Name, fmt.Sprintf("must be >= %s", formatBound(*p.Min)))
	}
	if p.Max != nil && f > *p.Max {
		return toolerr.Validation(p.Name, fmt.Sprintf("must be <= %s", formatBound(*p.Max)))
	}
	return nil
}

func formatBound(f float64) string {
	if f == math.Trunc(f) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// number accepts the numeric shapes produced by encoding/json and by Go
// callers building argument maps directly.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool:
		return true
	default:
		_, ok := number(v)
		return ok
	}
}

// Int returns args[name] as an int, or def when absent. It assumes Validate
// has already accepted args.
func Int(args map[string]any, name string, def int) int {
	f, ok := number(args[name])
	if !ok {
		return def
	}
	return int(f)
}

// Str returns args[name] as a string, or def when absent.
func Str(args map[string]any, name, def string) string {
	if s, ok := args[name].(string); ok {
		return s
	}
	return def
}

// Map returns args[name] as an object, or nil when absent.
func Map(args map[string]any, name string) map[string]any {
	m, _ := args[name].(map[string]any)
	return m
}
