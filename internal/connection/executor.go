package connection

import (
	"context"
	"log/slog"
	"strings"

	"github.com/loomworks/loom/internal/mapping"
	"github.com/loomworks/loom/pkg/schema"
)

// DefaultPort is the output port used when a connection names none.
const DefaultPort = "main"

// Executor orchestrates a single edge: it pulls the named output port from a
// completed node, applies the connection's data mapping (or a validated
// direct pass-through), and yields the value to deliver to the target port.
type Executor struct {
	processor *mapping.Processor
	logger    *slog.Logger
}

// NewExecutor creates a connection Executor.
func NewExecutor(processor *mapping.Processor, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{processor: processor, logger: logger}
}

// Delivery is one resolved edge value ready to merge into a target's
// pending inputs.
type Delivery struct {
	TargetNode string
	TargetPort string
	Index      int
	Value      map[string]any
}

// ResolvePort extracts a named output port from a runner's outputs.
// Port "main" falls back to the whole output map (minus engine marker keys)
// when no explicit "main" key is present. Missing named ports are an error.
func ResolvePort(outputs map[string]any, port string) (any, error) {
	if port == "" {
		port = DefaultPort
	}

	if v, ok := outputs[port]; ok {
		return v, nil
	}

	if port == DefaultPort {
		// Runners that return plain data without a "main" wrapper.
		main := make(map[string]any, len(outputs))
		for k, v := range outputs {
			if strings.HasPrefix(k, "_") {
				continue
			}
			main[k] = v
		}
		return main, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeMapping,
		"output port %q not present in node outputs", port).
		WithDetails(map[string]any{"port": port})
}

// Execute resolves one edge: port lookup, data mapping, and the optional
// conversion function. Mapping failures are returned to the caller as typed
// errors (a failed connection); conversion failures are non-fatal — the
// mapped value passes through with a warning logged.
func (e *Executor) Execute(ctx context.Context, conn *schema.Connection, outputs map[string]any, contextData map[string]any) (*Delivery, error) {
	raw, err := ResolvePort(outputs, conn.FromPort)
	if err != nil {
		return nil, err
	}

	source := asMap(raw)

	mapped, err := e.processor.Apply(ctx, conn.Mapping, source, contextData)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMapping,
			"connection to %s.%s: %s", conn.TargetNode, conn.TargetPort, err.Error()).
			WithCause(err)
	}

	if conn.ConversionFunction != "" {
		converted, convErr := e.processor.Convert(ctx, conn.ConversionFunction, mapped, contextData)
		if convErr != nil {
			e.logger.WarnContext(ctx, "conversion function failed, passing original value",
				slog.String("target_node", conn.TargetNode),
				slog.String("target_port", conn.TargetPort),
				slog.String("error", convErr.Error()),
			)
		} else {
			mapped = converted
		}
	}

	return &Delivery{
		TargetNode: conn.TargetNode,
		TargetPort: targetPortOrDefault(conn.TargetPort),
		Index:      conn.Index,
		Value:      mapped,
	}, nil
}

// ValidateConnections validates an entire connections map up front: every
// referenced target node exists and every mapping is well-formed.
func (e *Executor) ValidateConnections(wf *schema.Workflow) error {
	known := make(map[string]bool, len(wf.Nodes)*2)
	for i := range wf.Nodes {
		known[wf.Nodes[i].ID] = true
		known[wf.Nodes[i].Name] = true
	}

	for source, byType := range wf.Connections {
		if !known[source] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"connections reference unknown source node %q", source)
		}
		for connType, conns := range byType {
			for i := range conns {
				conn := &conns[i]
				if !known[conn.TargetNode] {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"connection from %q (%s) references unknown target node %q",
						source, connType, conn.TargetNode)
				}
				if err := e.processor.Validate(conn.Mapping); err != nil {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"connection %q -> %q: %s", source, conn.TargetNode, err.Error()).
						WithCause(err)
				}
			}
		}
	}
	return nil
}

// ExecuteBatch resolves every outgoing edge of one source node, continuing
// past individual failures: a failed edge contributes an empty delivery and
// a log entry rather than aborting the batch.
func (e *Executor) ExecuteBatch(ctx context.Context, conns []schema.Connection, outputs map[string]any, contextData map[string]any) []*Delivery {
	deliveries := make([]*Delivery, 0, len(conns))
	for i := range conns {
		conn := &conns[i]
		d, err := e.Execute(ctx, conn, outputs, contextData)
		if err != nil {
			e.logger.WarnContext(ctx, "connection failed, contributing empty result",
				slog.String("target_node", conn.TargetNode),
				slog.String("target_port", conn.TargetPort),
				slog.String("error", err.Error()),
			)
			d = &Delivery{
				TargetNode: conn.TargetNode,
				TargetPort: targetPortOrDefault(conn.TargetPort),
				Index:      conn.Index,
				Value:      map[string]any{},
			}
		}
		deliveries = append(deliveries, d)
	}
	return deliveries
}

func targetPortOrDefault(port string) string {
	if port == "" {
		return DefaultPort
	}
	return port
}

// asMap coerces a port value into a map payload; scalar and list values are
// wrapped under "value" so mappings always see an object.
func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}
