package mapping

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/loomworks/loom/pkg/schema"
)

// splitTernary splits `cond ? a : b` at the top level, ignoring separators
// inside single or double quotes. Returns false if the expression is not a
// ternary.
func splitTernary(expr string) (cond, a, b string, ok bool) {
	qIdx := indexOutsideQuotes(expr, '?')
	if qIdx == -1 {
		return "", "", "", false
	}
	rest := expr[qIdx+1:]
	cIdx := indexOutsideQuotes(rest, ':')
	if cIdx == -1 {
		return "", "", "", false
	}
	return strings.TrimSpace(expr[:qIdx]),
		strings.TrimSpace(rest[:cIdx]),
		strings.TrimSpace(rest[cIdx+1:]),
		true
}

func indexOutsideQuotes(s string, target byte) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == target:
			return i
		}
	}
	return -1
}

// evalCondition evaluates a CONDITION transform: a single `expr ? a : b`
// ternary. The condition half is a CEL comparison over `value`, `source` and
// `context`; the branches are literals, `value`, or paths into the source.
func (p *Processor) evalCondition(ctx context.Context, expression string, value any, source, contextData map[string]any) (any, error) {
	cond, a, b, ok := splitTernary(expression)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMapping,
			"condition transform %q is not a ternary (expected `expr ? a : b`)", expression)
	}

	out, err := p.cel.Evaluate(ctx, cond, map[string]any{
		"value":   value,
		"source":  source,
		"context": contextData,
	})
	if err != nil {
		return nil, err
	}

	branch := b
	if truthy(out) {
		branch = a
	}
	return p.resolveOperand(branch, value, source), nil
}

// resolveOperand interprets a ternary branch: the literal `value`, a quoted
// string, a JSON literal, or a dot-path into the source payload. Unresolvable
// operands fall back to their literal text.
func (p *Processor) resolveOperand(operand string, value any, source map[string]any) any {
	if operand == "value" {
		return value
	}
	if len(operand) >= 2 {
		if (operand[0] == '\'' && operand[len(operand)-1] == '\'') ||
			(operand[0] == '"' && operand[len(operand)-1] == '"') {
			return operand[1 : len(operand)-1]
		}
	}

	var lit any
	if err := json.Unmarshal([]byte(operand), &lit); err == nil {
		return lit
	}

	if v, ok := extractPath(source, operand); ok {
		return v
	}
	return operand
}

// validateCondition checks that a CONDITION expression is a well-formed
// ternary with a compilable condition half.
func (p *Processor) validateCondition(expression string) error {
	cond, _, _, ok := splitTernary(expression)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"condition transform %q is not a ternary (expected `expr ? a : b`)", expression)
	}
	return p.cel.Compile(cond)
}

// truthy converts an evaluation result to a boolean the way conditions
// expect: false, nil, zero, and empty string/collection are falsy.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
