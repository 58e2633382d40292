package config

import (
	"fmt"

	"github.com/dentalcrm/synccore/pkg/syncerr"
)

// ValidationError wraps a single configuration validation failure with the
// section and field it occurred in.
type ValidationError struct {
	Section string // top-level config section, e.g. "crm", "source"
	Field   string // struct-tag field name
	Err     error  // underlying error
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: field %q: %v", e.Section, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Section, e.Err)
}

// Unwrap exposes syncerr.ConfigInvalid to errors.Is.
func (e *ValidationError) Unwrap() error {
	return syncerr.ConfigInvalid
}

// NewValidationError creates a new validation error.
func NewValidationError(section, field string, err error) *ValidationError {
	return &ValidationError{Section: section, Field: field, Err: err}
}

// LoadError wraps a configuration file load failure with the file it came
// from.
type LoadError struct {
	File string
	Err  error
}

// Error returns the formatted error message.
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

// Unwrap exposes both the underlying cause and syncerr.ConfigInvalid.
func (e *LoadError) Unwrap() []error {
	return []error{e.Err, syncerr.ConfigInvalid}
}

// NewLoadError creates a new load error.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}
