package validate

import (
	"github.com/cloudwego/eino/schema"
)

// EinoParams renders the schema as the parameter map Eino tools advertise to
// a chat model.
func (s Schema) EinoParams() map[string]*schema.ParameterInfo {
	out := make(map[string]*schema.ParameterInfo, len(s.Params))
	for _, p := range s.Params {
		info := &schema.ParameterInfo{
			Desc:     p.Description,
			Required: p.Required,
			Enum:     p.Enum,
		}
		switch p.Type {
		case String:
			info.Type = schema.String
		case Integer:
			info.Type = schema.Integer
		case Number:
			info.Type = schema.Number
		case Boolean:
			info.Type = schema.Boolean
		case Object:
			info.Type = schema.Object
		case StringArray:
			info.Type = schema.Array
			info.ElemInfo = &schema.ParameterInfo{Type: schema.String}
		}
		out[p.Name] = info
	}
	return out
}

// JSONSchema renders the schema as a JSON Schema object, used for the MCP
// input schema and the HTTP tool listing.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Params))
	required := make([]string, 0, len(s.Params))
	for _, p := range s.Params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Min != nil {
			prop["minimum"] = *p.Min
		}
		if p.Max != nil {
			prop["maximum"] = *p.Max
		}
		if p.MinLen > 0 {
			prop["minLength"] = p.MinLen
		}
		if p.MaxLen > 0 {
			prop["maxLength"] = p.MaxLen
		}
		switch p.Type {
		case StringArray:
			prop["items"] = map[string]any{"type": "string"}
		case Object:
			prop["additionalProperties"] = map[string]any{"type": []string{"string", "number", "boolean"}}
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}
