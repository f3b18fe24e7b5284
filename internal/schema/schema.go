// Package schema models the dynamic per-integration configuration schema and
// the masking of secret fields on round-trips through untrusted boundaries.
package schema

import "encoding/json"

// Node types.
const (
	TypeDict    = "dict"
	TypeArray   = "array"
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// FormatPassword marks a leaf as secret; the shield masks it on serialization.
const FormatPassword = "password"

// Schema is a tree-shaped configuration schema. Dict nodes have Keys, array
// nodes have Items, leaves carry a scalar type plus UI hints the runtime
// ignores.
type Schema struct {
	Type     string             `json:"type"`
	Keys     map[string]*Schema `json:"keys,omitempty"`
	Items    *Schema            `json:"items,omitempty"`
	Choices  []Choice           `json:"choices,omitempty"`
	Default  any                `json:"default,omitempty"`
	Required bool               `json:"required,omitempty"`
	Format   string             `json:"format,omitempty"`
	Widget   string             `json:"widget,omitempty"`
	Title    string             `json:"title,omitempty"`
	HelpText string             `json:"helpText,omitempty"`
}

// Empty is the schema of an integration without configuration.
func Empty() *Schema {
	return &Schema{Type: TypeDict, Keys: map[string]*Schema{}}
}

// Choice is an enum option: either a bare value or a labelled one.
type Choice struct {
	Title string
	Value any
}

// MarshalJSON emits a bare value when no title is set, otherwise a
// {title, value} object, matching what the form renderer accepts.
func (c Choice) MarshalJSON() ([]byte, error) {
	if c.Title == "" {
		return json.Marshal(c.Value)
	}
	return json.Marshal(struct {
		Title string `json:"title"`
		Value any    `json:"value"`
	}{c.Title, c.Value})
}

// UnmarshalJSON accepts both bare values and {title, value} objects.
func (c *Choice) UnmarshalJSON(data []byte) error {
	var obj struct {
		Title string `json:"title"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Value != nil {
		c.Title = obj.Title
		c.Value = obj.Value
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	c.Value = v
	return nil
}

// Values returns bare choice values, e.g. for validation.
func Values(choices []Choice) []any {
	out := make([]any, len(choices))
	for i, c := range choices {
		out[i] = c.Value
	}
	return out
}

// StringChoices builds choices from plain strings.
func StringChoices(values ...string) []Choice {
	out := make([]Choice, len(values))
	for i, v := range values {
		out[i] = Choice{Value: v}
	}
	return out
}
