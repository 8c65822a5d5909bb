package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow document validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loomworks.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "connections": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": {
          "type": "array",
          "items": { "$ref": "#/$defs/connection" }
        }
      }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "name", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "subtype": { "type": "string" },
        "config": { "$ref": "#/$defs/config" },
        "parameters": { "type": "object" },
        "input_ports": {
          "type": "array",
          "items": { "$ref": "#/$defs/port" }
        },
        "output_ports": {
          "type": "array",
          "items": { "$ref": "#/$defs/port" }
        }
      },
      "additionalProperties": false
    },
    "port": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "required": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "config": {
      "type": "object",
      "properties": {
        "retry_attempts": { "type": "integer", "minimum": 0 },
        "retry_backoff_seconds": { "type": "number", "minimum": 0 },
        "retry_backoff_factor": { "type": "number", "minimum": 0 },
        "retry_jitter_seconds": { "type": "number", "minimum": 0 },
        "timeout_seconds": { "type": "number", "minimum": 0 },
        "credit_cost": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["target_node"],
      "properties": {
        "target_node": { "type": "string", "minLength": 1 },
        "target_port": { "type": "string" },
        "from_port": { "type": "string" },
        "index": { "type": "integer", "minimum": 0 },
        "mapping": { "$ref": "#/$defs/mapping" },
        "conversion_function": { "type": "string" }
      },
      "additionalProperties": false
    },
    "mapping": {
      "type": "object",
      "properties": {
        "type": {
          "type": "string",
          "enum": ["DIRECT", "FIELD_MAPPING", "TEMPLATE", "TRANSFORM"]
        },
        "field_rules": {
          "type": "array",
          "items": { "$ref": "#/$defs/field_rule" }
        },
        "static_values": { "type": "object" },
        "template": { "type": "string" },
        "script": { "type": "string" }
      },
      "additionalProperties": false
    },
    "field_rule": {
      "type": "object",
      "required": ["source_field", "target_field"],
      "properties": {
        "source_field": { "type": "string", "minLength": 1 },
        "target_field": { "type": "string", "minLength": 1 },
        "transform": { "$ref": "#/$defs/field_transform" },
        "required": { "type": "boolean" },
        "default": {}
      },
      "additionalProperties": false
    },
    "field_transform": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["NONE", "STRING_FORMAT", "JSON_PATH", "REGEX", "FUNCTION", "CONDITION"]
        },
        "format": { "type": "string" },
        "path": { "type": "string" },
        "pattern": { "type": "string" },
        "replacement": { "type": "string" },
        "function": { "type": "string" },
        "args": { "type": "object" },
        "expression": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates workflow documents and trigger payloads
// using JSON Schema Draft 2020-12. Safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the workflow schema
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://loomworks.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://loomworks.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a workflow document against the embedded schema.
func (v *JSONSchemaValidator) ValidateDocument(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateTriggerData validates a trigger payload against a caller-supplied
// JSON Schema. The compiled schema is cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateTriggerData(data map[string]any, triggerSchema []byte) error {
	if len(triggerSchema) == 0 {
		return nil // no schema means no validation needed
	}
	if data == nil {
		data = map[string]any{}
	}

	compiled, err := v.getOrCompile(triggerSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid trigger schema").WithCause(err)
	}

	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize trigger data").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("loom://trigger-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// clear, actionable messages.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
