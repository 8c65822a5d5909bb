// Package validation checks workflow documents before they run: structural
// (JSON Schema), semantic (references, runner types, mappings) and graph
// (cycles, reachability) stages.
package validation

import (
	"fmt"
)

// RunnerLookup reports whether a runner type is registered.
// May be nil to skip runner existence checks.
type RunnerLookup interface {
	Has(runnerType string) bool
}

// Issue is one validation finding at a document location.
type Issue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// Result aggregates errors and warnings from all validation stages.
type Result struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Valid reports whether the document passed with no errors.
func (r *Result) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records an error finding.
func (r *Result) AddError(path, code, message string) {
	r.Errors = append(r.Errors, Issue{Path: path, Code: code, Message: message})
}

// AddWarning records a non-fatal finding.
func (r *Result) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, Issue{Path: path, Code: code, Message: message})
}

// Merge appends another result's findings.
func (r *Result) Merge(other *Result) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}
