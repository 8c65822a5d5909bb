package schema

// MappingType enumerates the kinds of data mapping applied on a connection.
type MappingType string

const (
	MappingDirect       MappingType = "DIRECT"
	MappingFieldMapping MappingType = "FIELD_MAPPING"
	MappingTemplate     MappingType = "TEMPLATE"
	MappingTransform    MappingType = "TRANSFORM"
)

// DataMapping describes how a source payload becomes the value delivered to
// a target port.
type DataMapping struct {
	Type MappingType `json:"type"`

	// FIELD_MAPPING
	FieldRules   []FieldRule    `json:"field_rules,omitempty"`
	StaticValues map[string]any `json:"static_values,omitempty"`

	// TEMPLATE: a {{path}} template rendered against source ∪ context,
	// parsed as JSON with a {"result": <string>} fallback.
	Template string `json:"template,omitempty"`

	// TRANSFORM: an expr-lang script with `source` and `context` bound.
	Script string `json:"script,omitempty"`
}

// FieldRule extracts one field from the source payload, optionally
// transforms it, and writes it into the target payload.
type FieldRule struct {
	SourceField string          `json:"source_field"`
	TargetField string          `json:"target_field"`
	Transform   *FieldTransform `json:"transform,omitempty"`
	Required    bool            `json:"required,omitempty"`
	Default     any             `json:"default,omitempty"`
}

// TransformType enumerates per-field transforms.
type TransformType string

const (
	TransformNone         TransformType = "NONE"
	TransformStringFormat TransformType = "STRING_FORMAT"
	TransformJSONPath     TransformType = "JSON_PATH"
	TransformRegex        TransformType = "REGEX"
	TransformFunction     TransformType = "FUNCTION"
	TransformCondition    TransformType = "CONDITION"
)

// FieldTransform configures a single per-field transform.
type FieldTransform struct {
	Type TransformType `json:"type"`

	// STRING_FORMAT: format string with {value} substitution.
	Format string `json:"format,omitempty"`

	// JSON_PATH: a jq expression re-extracting from the field value.
	Path string `json:"path,omitempty"`

	// REGEX: pattern and replacement for substitution.
	Pattern     string `json:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty"`

	// FUNCTION: name of a built-in (string_upper, array_join, ...) plus args.
	Function string         `json:"function,omitempty"`
	Args     map[string]any `json:"args,omitempty"`

	// CONDITION: a single `expr ? a : b` ternary over comparison operators.
	Expression string `json:"expression,omitempty"`
}
