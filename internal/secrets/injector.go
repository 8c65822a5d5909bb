package secrets

import (
	"context"
	"regexp"
	"strings"

	"github.com/loomworks/loom/pkg/schema"
)

var refPattern = regexp.MustCompile(`\$\{\{\s*secrets\.([A-Za-z0-9_.-]+)\s*\}\}`)

// Injector replaces ${{secrets.KEY}} references in node parameters with
// resolved values before a workflow runs. Resolution happens on a copy;
// the stored workflow definition keeps the references.
type Injector struct {
	vault Vault
}

func NewInjector(vault Vault) *Injector {
	return &Injector{vault: vault}
}

// HasReferences reports whether any node parameter contains a secret
// reference.
func HasReferences(wf *schema.Workflow) bool {
	for i := range wf.Nodes {
		if valueHasReference(wf.Nodes[i].Parameters) {
			return true
		}
	}
	return false
}

func valueHasReference(v any) bool {
	switch val := v.(type) {
	case string:
		return refPattern.MatchString(val)
	case map[string]any:
		for _, item := range val {
			if valueHasReference(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if valueHasReference(item) {
				return true
			}
		}
	}
	return false
}

// InjectWorkflow returns a copy of the workflow with every secret reference
// in node parameters resolved. A missing secret fails the whole injection
// so a run never starts with a dangling reference.
func (in *Injector) InjectWorkflow(ctx context.Context, wf *schema.Workflow) (*schema.Workflow, error) {
	out := *wf
	out.Nodes = make([]schema.Node, len(wf.Nodes))
	for i, node := range wf.Nodes {
		out.Nodes[i] = node
		if len(node.Parameters) == 0 {
			continue
		}
		resolved, err := in.resolveValue(ctx, node.Parameters)
		if err != nil {
			if ferr, ok := err.(*schema.FlowError); ok {
				return nil, ferr.WithNode(node.ID)
			}
			return nil, err
		}
		out.Nodes[i].Parameters = resolved.(map[string]any)
	}
	return &out, nil
}

func (in *Injector) resolveValue(ctx context.Context, v any) (any, error) {
	switch val := v.(type) {
	case string:
		return in.resolveString(ctx, val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := in.resolveValue(ctx, item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := in.resolveValue(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (in *Injector) resolveString(ctx context.Context, s string) (string, error) {
	matches := refPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	out := s
	for _, m := range matches {
		value, err := in.vault.Resolve(ctx, m[1])
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeVault,
				"resolve secret %q: %s", m[1], err.Error()).WithCause(err)
		}
		out = strings.ReplaceAll(out, m[0], string(value))
	}
	return out, nil
}
