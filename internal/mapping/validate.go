package mapping

import (
	"strings"

	"github.com/loomworks/loom/pkg/schema"
)

// Validate checks a mapping's paths, templates, scripts, patterns and
// function names without executing anything. Connection executors call this
// before first use so runtime failures are limited to data-shape problems.
func (p *Processor) Validate(m *schema.DataMapping) error {
	if m == nil {
		return nil
	}

	switch m.Type {
	case schema.MappingDirect, "":
		return nil

	case schema.MappingFieldMapping:
		if len(m.FieldRules) == 0 && len(m.StaticValues) == 0 {
			return schema.NewError(schema.ErrCodeValidation,
				"field mapping has no field rules and no static values")
		}
		for i := range m.FieldRules {
			if err := p.validateFieldRule(&m.FieldRules[i]); err != nil {
				return err
			}
		}
		for target, raw := range m.StaticValues {
			if _, err := parsePath(target); err != nil {
				return err
			}
			if s, ok := raw.(string); ok && strings.Contains(s, "{{") {
				if err := p.validateTemplate(s); err != nil {
					return err
				}
			}
		}
		return nil

	case schema.MappingTemplate:
		if m.Template == "" {
			return schema.NewError(schema.ErrCodeValidation, "template mapping has no template")
		}
		return p.validateTemplate(m.Template)

	case schema.MappingTransform:
		if m.Script == "" {
			return schema.NewError(schema.ErrCodeValidation, "transform mapping has no script")
		}
		return p.expr.Compile(m.Script)

	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown mapping type %q", m.Type)
	}
}

func (p *Processor) validateFieldRule(rule *schema.FieldRule) error {
	if rule.SourceField == "" {
		return schema.NewError(schema.ErrCodeValidation, "field rule has no source_field")
	}
	if rule.TargetField == "" {
		return schema.NewError(schema.ErrCodeValidation, "field rule has no target_field")
	}
	if _, err := parsePath(rule.SourceField); err != nil {
		return err
	}
	segs, err := parsePath(rule.TargetField)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if seg.wildcard {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"wildcard not allowed in target_field %q", rule.TargetField)
		}
	}

	t := rule.Transform
	if t == nil {
		return nil
	}
	switch t.Type {
	case schema.TransformNone, "":
		return nil
	case schema.TransformStringFormat:
		if t.Format == "" {
			return schema.NewError(schema.ErrCodeValidation, "string_format transform has no format")
		}
		return nil
	case schema.TransformJSONPath:
		return p.jq.Compile(t.Path)
	case schema.TransformRegex:
		_, err := p.compileRegex(t.Pattern)
		return err
	case schema.TransformFunction:
		if !HasFunction(t.Function) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"unknown transform function %q", t.Function)
		}
		return nil
	case schema.TransformCondition:
		return p.validateCondition(t.Expression)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown field transform type %q", t.Type)
	}
}
