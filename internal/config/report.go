package config

import (
	"fmt"
	"strings"
)

// ValidationLevel indicates the severity of a validation issue.
type ValidationLevel string

const (
	LevelError   ValidationLevel = "error"
	LevelWarning ValidationLevel = "warning"
)

// ValidationIssue is a single problem found in a run config.
type ValidationIssue struct {
	Level       ValidationLevel `json:"level"`
	Code        string          `json:"code"`
	Message     string          `json:"message"`
	JSONPointer string          `json:"json_pointer,omitempty"`
	Remediation string          `json:"remediation,omitempty"`
}

// ValidationReport collects the outcome of validating a run config.
// Warnings flag settings that are legal but will not do what the file
// suggests; errors make the config unusable.
type ValidationReport struct {
	OK       bool              `json:"ok"`
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// NewValidationReport creates an empty passing report.
func NewValidationReport() *ValidationReport {
	return &ValidationReport{
		OK:       true,
		Errors:   []ValidationIssue{},
		Warnings: []ValidationIssue{},
	}
}

// AddError adds an error-level issue to the report.
func (r *ValidationReport) AddError(code, message, jsonPointer string) {
	r.OK = false
	r.Errors = append(r.Errors, ValidationIssue{
		Level:       LevelError,
		Code:        code,
		Message:     message,
		JSONPointer: jsonPointer,
	})
}

// AddErrorWithRemediation adds an error-level issue with fix guidance.
func (r *ValidationReport) AddErrorWithRemediation(code, message, jsonPointer, remediation string) {
	r.OK = false
	r.Errors = append(r.Errors, ValidationIssue{
		Level:       LevelError,
		Code:        code,
		Message:     message,
		JSONPointer: jsonPointer,
		Remediation: remediation,
	})
}

// AddWarning adds a warning-level issue to the report.
func (r *ValidationReport) AddWarning(code, message, jsonPointer string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Level:       LevelWarning,
		Code:        code,
		Message:     message,
		JSONPointer: jsonPointer,
	})
}

// Merge combines another report into this one.
func (r *ValidationReport) Merge(other *ValidationReport) {
	if other == nil {
		return
	}
	if !other.OK {
		r.OK = false
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HasErrors returns true if there are any error-level issues.
func (r *ValidationReport) HasErrors() bool {
	return len(r.Errors) > 0
}

// HasWarnings returns true if there are any warning-level issues.
func (r *ValidationReport) HasWarnings() bool {
	return len(r.Warnings) > 0
}

// String returns a human-readable summary of the report.
func (r *ValidationReport) String() string {
	if r.OK && !r.HasWarnings() {
		return "Configuration is valid"
	}

	var sb strings.Builder
	if !r.OK {
		sb.WriteString(fmt.Sprintf("Configuration has %d error(s)", len(r.Errors)))
		if r.HasWarnings() {
			sb.WriteString(fmt.Sprintf(" and %d warning(s)", len(r.Warnings)))
		}
		sb.WriteString(":\n")
	} else {
		sb.WriteString(fmt.Sprintf("Configuration is valid with %d warning(s):\n", len(r.Warnings)))
	}

	for _, e := range r.Errors {
		sb.WriteString(fmt.Sprintf("  [ERROR] %s: %s", e.Code, e.Message))
		if e.JSONPointer != "" {
			sb.WriteString(fmt.Sprintf(" (at %s)", e.JSONPointer))
		}
		sb.WriteString("\n")
		if e.Remediation != "" {
			sb.WriteString(fmt.Sprintf("          %s\n", e.Remediation))
		}
	}

	for _, w := range r.Warnings {
		sb.WriteString(fmt.Sprintf("  [WARN] %s: %s", w.Code, w.Message))
		if w.JSONPointer != "" {
			sb.WriteString(fmt.Sprintf(" (at %s)", w.JSONPointer))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// ValidationError carries a failed report across an error boundary.
type ValidationError struct {
	Report *ValidationReport
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Report.String()
}

// NewValidationErrorFromReport wraps a report in an error, or returns
// nil when the report passed.
func NewValidationErrorFromReport(report *ValidationReport) error {
	if report.OK {
		return nil
	}
	return &ValidationError{Report: report}
}
