package validation

import (
	"fmt"

	"github.com/loomworks/loom/pkg/schema"
)

// validateSemantic checks what JSON Schema cannot express: unique ids and
// names, resolvable connection references, registered runner types, and
// sane retry configuration.
func validateSemantic(wf *schema.Workflow, lookup RunnerLookup) *Result {
	result := &Result{}

	ids := make(map[string]bool, len(wf.Nodes))
	names := make(map[string]bool, len(wf.Nodes))
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		if ids[node.ID] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", node.ID))
		}
		ids[node.ID] = true

		if names[node.Name] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node name %q", node.Name))
		}
		names[node.Name] = true

		if lookup != nil && !lookup.Has(node.RunnerType()) {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("no runner registered for type %q", node.RunnerType()))
		}

		validateNodeConfig(node, path, result)
		validatePorts(node, path, result)
	}

	for source, byType := range wf.Connections {
		if !ids[source] && !names[source] {
			result.AddError("connections", schema.ErrCodeValidation,
				fmt.Sprintf("unknown source node %q", source))
			continue
		}
		for connType, conns := range byType {
			for i := range conns {
				conn := &conns[i]
				path := fmt.Sprintf("connections[%s][%s][%d]", source, connType, i)
				if !ids[conn.TargetNode] && !names[conn.TargetNode] {
					result.AddError(path, schema.ErrCodeValidation,
						fmt.Sprintf("unknown target node %q", conn.TargetNode))
				}
			}
		}
	}

	return result
}

func validateNodeConfig(node *schema.Node, path string, result *Result) {
	cfg := node.Config
	if cfg.RetryAttempts > 10 {
		result.AddWarning(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("retry_attempts=%d is unusually high", cfg.RetryAttempts))
	}
	if cfg.RetryBackoffFactor > 10 {
		result.AddWarning(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("retry_backoff_factor=%.1f grows very quickly", cfg.RetryBackoffFactor))
	}
	if cfg.RetryAttempts > 0 && cfg.TimeoutSeconds == 0 {
		result.AddWarning(path+".config", schema.ErrCodeValidation,
			"retries configured without a per-attempt timeout")
	}
}

func validatePorts(node *schema.Node, path string, result *Result) {
	seen := make(map[string]bool, len(node.InputPorts))
	for _, port := range node.InputPorts {
		if seen[port.Name] {
			result.AddError(path+".input_ports", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate input port %q", port.Name))
		}
		seen[port.Name] = true
	}
	seen = make(map[string]bool, len(node.OutputPorts))
	for _, port := range node.OutputPorts {
		if seen[port.Name] {
			result.AddError(path+".output_ports", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate output port %q", port.Name))
		}
		seen[port.Name] = true
	}
}
