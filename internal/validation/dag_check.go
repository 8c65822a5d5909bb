package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loomworks/loom/pkg/schema"
)

// validateDAG checks the connection graph with Kahn's algorithm: any node
// left with incoming edges after peeling is part of a cycle. It also warns
// about isolated nodes that no edge touches.
func validateDAG(wf *schema.Workflow) *Result {
	result := &Result{}

	idByRef := make(map[string]string, len(wf.Nodes)*2)
	for i := range wf.Nodes {
		idByRef[wf.Nodes[i].ID] = wf.Nodes[i].ID
		idByRef[wf.Nodes[i].Name] = wf.Nodes[i].ID
	}

	succ := make(map[string][]string, len(wf.Nodes))
	inDegree := make(map[string]int, len(wf.Nodes))
	touched := make(map[string]bool, len(wf.Nodes))
	for i := range wf.Nodes {
		inDegree[wf.Nodes[i].ID] = 0
	}

	for source, byType := range wf.Connections {
		sourceID, ok := idByRef[source]
		if !ok {
			continue // reported by the semantic stage
		}
		for _, conns := range byType {
			for i := range conns {
				targetID, ok := idByRef[conns[i].TargetNode]
				if !ok {
					continue
				}
				succ[sourceID] = append(succ[sourceID], targetID)
				inDegree[targetID]++
				touched[sourceID] = true
				touched[targetID] = true
			}
		}
	}

	var queue []string
	for i := range wf.Nodes {
		if inDegree[wf.Nodes[i].ID] == 0 {
			queue = append(queue, wf.Nodes[i].ID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, target := range succ[id] {
			inDegree[target]--
			if inDegree[target] == 0 {
				queue = append(queue, target)
			}
		}
	}

	if processed < len(wf.Nodes) {
		var cyclic []string
		for i := range wf.Nodes {
			if inDegree[wf.Nodes[i].ID] > 0 {
				cyclic = append(cyclic, wf.Nodes[i].Name)
			}
		}
		sort.Strings(cyclic)
		result.AddError("connections", schema.ErrCodeCycleDetected,
			fmt.Sprintf("workflow contains a cycle involving: %s", strings.Join(cyclic, ", ")))
		return result
	}

	if len(wf.Nodes) > 1 {
		for i := range wf.Nodes {
			if !touched[wf.Nodes[i].ID] {
				result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
					fmt.Sprintf("node %q has no connections", wf.Nodes[i].Name))
			}
		}
	}

	return result
}
