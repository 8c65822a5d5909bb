package mapping

import (
	"context"
	"strings"

	"github.com/loomworks/loom/pkg/schema"
)

// renderTemplate substitutes {{...}} tokens in a template against the merged
// source ∪ context data. A token is either a dot-path into the data or an
// inline expression (ternaries and comparisons), detected by the presence of
// operator characters and evaluated through the expr engine.
func (p *Processor) renderTemplate(ctx context.Context, tmpl string, data map[string]any) (string, error) {
	var result strings.Builder
	result.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "{{")
		if idx == -1 {
			result.WriteString(tmpl[i:])
			break
		}

		result.WriteString(tmpl[i : i+idx])
		start := i + idx + 2

		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeMapping, "unclosed {{ expression in template")
		}
		end += start

		token := strings.TrimSpace(tmpl[start:end])
		if token == "" {
			return "", schema.NewError(schema.ErrCodeMapping, "empty template expression: {{ }}")
		}

		val, err := p.resolveToken(ctx, token, data)
		if err != nil {
			return "", err
		}
		result.WriteString(stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// resolveToken resolves one {{...}} token: expression tokens go through the
// expr engine, plain tokens are dot-path lookups.
func (p *Processor) resolveToken(ctx context.Context, token string, data map[string]any) (any, error) {
	if isExpressionToken(token) {
		return p.expr.Evaluate(ctx, token, data)
	}

	val, ok := extractPath(data, token)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMapping,
			"template variable %q not found", token).
			WithDetails(map[string]any{"variable": token})
	}
	return val, nil
}

// isExpressionToken reports whether a token needs expression evaluation
// rather than a plain path lookup.
func isExpressionToken(token string) bool {
	return strings.ContainsAny(token, "?<>=!&|+-*/ ")
}

// validateTemplate checks a template for balanced braces and compilable
// expression tokens without rendering it.
func (p *Processor) validateTemplate(tmpl string) error {
	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "{{")
		if idx == -1 {
			break
		}
		start := i + idx + 2
		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			return schema.NewError(schema.ErrCodeValidation, "unclosed {{ expression in template")
		}
		end += start

		token := strings.TrimSpace(tmpl[start:end])
		if token == "" {
			return schema.NewError(schema.ErrCodeValidation, "empty template expression: {{ }}")
		}
		if isExpressionToken(token) {
			if err := p.expr.Compile(token); err != nil {
				return err
			}
		} else if _, err := parsePath(token); err != nil {
			return err
		}

		i = end + 2
	}
	return nil
}
