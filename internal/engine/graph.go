package engine

import (
	"sort"
	"strings"

	"github.com/loomworks/loom/pkg/schema"
)

// Edge is one outgoing connection of a node, resolved to node ids.
type Edge struct {
	TargetID string
	FromPort string
	ToPort   string
	Type     schema.ConnectionType
	Conn     *schema.Connection
}

// Graph is the in-memory adjacency structure built from a workflow's nodes
// and declared connections. Built once per run; read-only afterwards.
type Graph struct {
	nodesByID map[string]*schema.Node
	idByName  map[string]string
	succ      map[string][]Edge
	incoming  map[string][]Edge

	// requiredPorts maps node id to the set of input ports that must hold at
	// least one value before the node is ready. A port declared optional is
	// excluded; a port targeted by an edge but not declared is required.
	requiredPorts map[string]map[string]bool
}

// BuildGraph indexes the workflow's nodes, resolves connection-map keys
// (node name or id) to ids, and validates that every edge references an
// existing target. The graph is rejected if it contains a cycle.
func BuildGraph(wf *schema.Workflow) (*Graph, error) {
	g := &Graph{
		nodesByID:     make(map[string]*schema.Node, len(wf.Nodes)),
		idByName:      make(map[string]string, len(wf.Nodes)),
		succ:          make(map[string][]Edge),
		incoming:      make(map[string][]Edge),
		requiredPorts: make(map[string]map[string]bool),
	}

	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty id", i)
		}
		if node.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has empty name", node.ID)
		}
		if _, exists := g.nodesByID[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id: %s", node.ID)
		}
		if _, exists := g.idByName[node.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node name: %s", node.Name)
		}
		g.nodesByID[node.ID] = node
		g.idByName[node.Name] = node.ID
	}

	for source, byType := range wf.Connections {
		sourceID, ok := g.resolveRef(source)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"connections reference unknown source node %q", source)
		}

		for _, connType := range orderedConnectionTypes(byType) {
			conns := byType[connType]
			for i := range conns {
				conn := &conns[i]
				targetID, ok := g.resolveRef(conn.TargetNode)
				if !ok {
					return nil, schema.NewErrorf(schema.ErrCodeValidation,
						"connection from %q references unknown target node %q", source, conn.TargetNode)
				}

				edge := Edge{
					TargetID: targetID,
					FromPort: conn.FromPort,
					ToPort:   portOrMain(conn.TargetPort),
					Type:     connType,
					Conn:     conn,
				}
				g.succ[sourceID] = append(g.succ[sourceID], edge)
				g.incoming[targetID] = append(g.incoming[targetID], edge)
			}
		}
	}

	g.computeRequiredPorts()

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	return g, nil
}

// Node returns a node by id.
func (g *Graph) Node(id string) (*schema.Node, bool) {
	n, ok := g.nodesByID[id]
	return n, ok
}

// NodeIDByName resolves a node name to its id.
func (g *Graph) NodeIDByName(name string) (string, bool) {
	id, ok := g.idByName[name]
	return id, ok
}

// Sources returns nodes with no required incoming edge, in workflow node
// order: the initial ready set (trigger nodes included).
func (g *Graph) Sources(wf *schema.Workflow) []string {
	var sources []string
	for i := range wf.Nodes {
		id := wf.Nodes[i].ID
		hasRequired := false
		for _, edge := range g.incoming[id] {
			if g.requiredPorts[id][edge.ToPort] {
				hasRequired = true
				break
			}
		}
		if !hasRequired {
			sources = append(sources, id)
		}
	}
	return sources
}

// Successors yields the outgoing edges of a node in declared order.
func (g *Graph) Successors(nodeID string) []Edge {
	return g.succ[nodeID]
}

// RequiredPorts returns the input ports that must be populated before the
// node is ready.
func (g *Graph) RequiredPorts(nodeID string) map[string]bool {
	return g.requiredPorts[nodeID]
}

// TopoOrder returns node ids in a dependency-respecting order.
func (g *Graph) TopoOrder() []string {
	visited := make(map[string]bool, len(g.nodesByID))
	order := make([]string, 0, len(g.nodesByID))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, edge := range g.succ[id] {
			visit(edge.TargetID)
		}
		order = append(order, id)
	}

	for _, id := range sortedNodeIDs(g.nodesByID) {
		visit(id)
	}

	// Reverse post-order.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// checkAcyclic runs a depth-first traversal with a visiting stack; any node
// re-encountered on the current path signals a cycle. The error names the
// nodes on the cycle path.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.nodesByID))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		path = append(path, id)

		for _, edge := range g.succ[id] {
			switch color[edge.TargetID] {
			case gray:
				cycle := g.cyclePath(path, edge.TargetID)
				return schema.NewErrorf(schema.ErrCodeCycleDetected,
					"workflow contains a cycle: %s", strings.Join(cycle, " -> ")).
					WithDetails(map[string]any{"cycle": cycle})
			case white:
				if err := visit(edge.TargetID); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range sortedNodeIDs(g.nodesByID) {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// cyclePath extracts the cycle segment of the visiting path, using node
// names where available, and closes the loop for readability.
func (g *Graph) cyclePath(path []string, repeat string) []string {
	start := 0
	for i, id := range path {
		if id == repeat {
			start = i
			break
		}
	}
	ids := append([]string{}, path[start:]...)
	ids = append(ids, repeat)
	cycle := make([]string, len(ids))
	for i, id := range ids {
		cycle[i] = id
		if node, ok := g.nodesByID[id]; ok && node.Name != "" {
			cycle[i] = node.Name
		}
	}
	return cycle
}

func (g *Graph) resolveRef(ref string) (string, bool) {
	if _, ok := g.nodesByID[ref]; ok {
		return ref, true
	}
	id, ok := g.idByName[ref]
	return id, ok
}

func (g *Graph) computeRequiredPorts() {
	for id, node := range g.nodesByID {
		declared := make(map[string]bool, len(node.InputPorts))    // port -> declared
		required := make(map[string]bool, len(node.InputPorts))
		for _, port := range node.InputPorts {
			declared[port.Name] = true
			if port.Required {
				required[port.Name] = true
			}
		}
		// Undeclared ports targeted by an edge default to required.
		for _, edge := range g.incoming[id] {
			if !declared[edge.ToPort] {
				required[edge.ToPort] = true
			}
		}
		g.requiredPorts[id] = required
	}
}

// orderedConnectionTypes returns connection types with MAIN first, then the
// rest sorted, so traversal order is deterministic.
func orderedConnectionTypes(byType map[schema.ConnectionType][]schema.Connection) []schema.ConnectionType {
	types := make([]schema.ConnectionType, 0, len(byType))
	for t := range byType {
		if t != schema.ConnectionMain {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	if _, ok := byType[schema.ConnectionMain]; ok {
		types = append([]schema.ConnectionType{schema.ConnectionMain}, types...)
	}
	return types
}

func sortedNodeIDs(nodes map[string]*schema.Node) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func portOrMain(port string) string {
	if port == "" {
		return "main"
	}
	return port
}
