package expressions

import "context"

// Engine evaluates expressions used in mappings and connections.
// Three implementations: CEL (conditions), GoJQ (JSON re-extraction),
// Expr (transform scripts and conversion functions).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
