package mapping

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// Processor transforms a source payload into the value delivered to a target
// port. It is a pure transformation layer: no engine state, safe for
// concurrent use.
type Processor struct {
	expr *expressions.ExprEngine
	cel  *expressions.CELEngine
	jq   *expressions.GoJQEngine

	logger *slog.Logger

	regexMu    sync.RWMutex
	regexCache map[string]*regexp.Regexp
}

// NewProcessor creates a Processor backed by the three expression engines.
func NewProcessor(logger *slog.Logger) (*Processor, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		expr:       expressions.NewExprEngine(),
		cel:        celEngine,
		jq:         expressions.NewGoJQEngine(),
		logger:     logger,
		regexCache: make(map[string]*regexp.Regexp),
	}, nil
}

// Apply runs a data mapping over the source payload and returns the value to
// deliver. contextData carries execution-scoped data (trigger, node outputs)
// available to templates and scripts. A nil mapping is treated as DIRECT.
func (p *Processor) Apply(ctx context.Context, m *schema.DataMapping, source, contextData map[string]any) (map[string]any, error) {
	if m == nil {
		return p.applyDirect(source), nil
	}

	switch m.Type {
	case schema.MappingDirect, "":
		return p.applyDirect(source), nil
	case schema.MappingFieldMapping:
		return p.applyFieldMapping(ctx, m, source, contextData)
	case schema.MappingTemplate:
		return p.applyTemplate(ctx, m, source, contextData)
	case schema.MappingTransform:
		return p.applyTransform(ctx, m, source, contextData)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeMapping, "unknown mapping type %q", m.Type)
	}
}

// applyDirect returns a shallow copy of the source payload. Idempotent.
func (p *Processor) applyDirect(source map[string]any) map[string]any {
	out := make(map[string]any, len(source))
	for k, v := range source {
		out[k] = v
	}
	return out
}

// applyFieldMapping evaluates each field rule and the static values.
func (p *Processor) applyFieldMapping(ctx context.Context, m *schema.DataMapping, source, contextData map[string]any) (map[string]any, error) {
	result := make(map[string]any)

	for i := range m.FieldRules {
		rule := &m.FieldRules[i]

		value, found := extractPath(source, rule.SourceField)
		if !found {
			if rule.Default != nil {
				value = rule.Default
			} else if rule.Required {
				return nil, schema.NewErrorf(schema.ErrCodeMapping,
					"required field %q not found in source", rule.SourceField).
					WithDetails(map[string]any{"source_field": rule.SourceField})
			} else {
				continue
			}
		}

		if rule.Transform != nil {
			transformed, err := p.applyFieldTransform(ctx, rule.Transform, value, source, contextData)
			if err != nil {
				return nil, err
			}
			value = transformed
		}

		if err := setPath(result, rule.TargetField, value); err != nil {
			return nil, err
		}
	}

	// Static values: template-resolved constants written after the rules.
	for target, raw := range m.StaticValues {
		value := raw
		if s, ok := raw.(string); ok && strings.Contains(s, "{{") {
			rendered, err := p.renderTemplate(ctx, s, mergeData(source, contextData))
			if err != nil {
				return nil, err
			}
			value = rendered
		}
		if err := setPath(result, target, value); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// applyFieldTransform dispatches one per-field transform.
func (p *Processor) applyFieldTransform(ctx context.Context, t *schema.FieldTransform, value any, source, contextData map[string]any) (any, error) {
	switch t.Type {
	case schema.TransformNone, "":
		return value, nil

	case schema.TransformStringFormat:
		return strings.ReplaceAll(t.Format, "{value}", stringify(value)), nil

	case schema.TransformJSONPath:
		return p.jq.EvaluateValue(ctx, t.Path, value)

	case schema.TransformRegex:
		re, err := p.compileRegex(t.Pattern)
		if err != nil {
			return nil, err
		}
		return re.ReplaceAllString(stringify(value), t.Replacement), nil

	case schema.TransformFunction:
		return callFunction(t.Function, value, t.Args)

	case schema.TransformCondition:
		return p.evalCondition(ctx, t.Expression, value, source, contextData)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeMapping, "unknown field transform type %q", t.Type)
	}
}

// applyTemplate renders the template and parses the result as JSON, falling
// back to {"result": <string>} for non-JSON output.
func (p *Processor) applyTemplate(ctx context.Context, m *schema.DataMapping, source, contextData map[string]any) (map[string]any, error) {
	rendered, err := p.renderTemplate(ctx, m.Template, mergeData(source, contextData))
	if err != nil {
		return nil, err
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(rendered), &parsed); err == nil {
		return parsed, nil
	}
	return map[string]any{"result": rendered}, nil
}

// applyTransform runs the script through the expr engine with `source` and
// `context` bound. Non-map results are wrapped as {"result": ...}.
func (p *Processor) applyTransform(ctx context.Context, m *schema.DataMapping, source, contextData map[string]any) (map[string]any, error) {
	out, err := p.expr.Evaluate(ctx, m.Script, map[string]any{
		"source":  source,
		"context": contextData,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMapping,
			"transform script failed: %s", err.Error()).WithCause(err)
	}

	if result, ok := out.(map[string]any); ok {
		return result, nil
	}
	return map[string]any{"result": out}, nil
}

// Convert applies a connection conversion function to a value in flight.
// `value` is bound to the payload; source and context data are available for
// reference. The caller treats errors as non-fatal.
func (p *Processor) Convert(ctx context.Context, expression string, value map[string]any, contextData map[string]any) (map[string]any, error) {
	out, err := p.expr.Evaluate(ctx, expression, map[string]any{
		"value":   value,
		"context": contextData,
	})
	if err != nil {
		return nil, err
	}
	if result, ok := out.(map[string]any); ok {
		return result, nil
	}
	return map[string]any{"result": out}, nil
}

func (p *Processor) compileRegex(pattern string) (*regexp.Regexp, error) {
	p.regexMu.RLock()
	re, ok := p.regexCache[pattern]
	p.regexMu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMapping,
			"invalid regex pattern %q: %s", pattern, err.Error()).WithCause(err)
	}

	p.regexMu.Lock()
	p.regexCache[pattern] = re
	p.regexMu.Unlock()
	return re, nil
}

// mergeData overlays source onto context; source keys win on collision.
func mergeData(source, contextData map[string]any) map[string]any {
	merged := make(map[string]any, len(source)+len(contextData))
	for k, v := range contextData {
		merged[k] = v
	}
	for k, v := range source {
		merged[k] = v
	}
	return merged
}
