package validation

import (
	"github.com/loomworks/loom/pkg/schema"
)

// WorkflowValidator runs the three-stage validation pipeline:
//  1. Structural (JSON Schema): document shape, types, enums.
//  2. Semantic: unique ids/names, resolvable references, runner types.
//  3. Graph: cycle detection and connectivity warnings.
//
// Structural failures short-circuit; later stages assume a well-shaped
// document.
type WorkflowValidator struct {
	schemas *JSONSchemaValidator
	lookup  RunnerLookup
}

// NewWorkflowValidator creates a validator. lookup may be nil, which skips
// runner-type existence checks.
func NewWorkflowValidator(lookup RunnerLookup) (*WorkflowValidator, error) {
	schemas, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{schemas: schemas, lookup: lookup}, nil
}

// Validate runs all stages and returns the aggregated findings. The returned
// error is non-nil only when validation itself could not run.
func (v *WorkflowValidator) Validate(wf *schema.Workflow) (*Result, error) {
	result := &Result{}

	if err := v.schemas.ValidateDocument(wf); err != nil {
		appendStructural(result, err)
		return result, nil
	}

	result.Merge(validateSemantic(wf, v.lookup))
	if !result.Valid() {
		return result, nil
	}

	result.Merge(validateDAG(wf))
	return result, nil
}

// ValidateTriggerData checks a trigger payload against an optional JSON
// Schema attached to the workflow.
func (v *WorkflowValidator) ValidateTriggerData(data map[string]any, triggerSchema []byte) error {
	return v.schemas.ValidateTriggerData(data, triggerSchema)
}

func appendStructural(result *Result, err error) {
	ferr, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	if violations, ok := ferr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", ferr.Code, v)
		}
		return
	}
	result.AddError("/", ferr.Code, ferr.Message)
}
