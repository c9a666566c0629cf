// Package errors provides categorized errors with context for the satdet commands.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sort"
	"strings"
)

// ErrorCategory represents the type of error for better categorization
type ErrorCategory string

const (
	CategoryValidation       ErrorCategory = "validation"        // Invalid input or settings
	CategoryConfiguration    ErrorCategory = "configuration"     // Config file and schema errors
	CategoryFileIO           ErrorCategory = "file-io"           // Reading or writing files
	CategoryCommandExecution ErrorCategory = "command-execution" // External trainer failures
	CategoryModelLoad        ErrorCategory = "model-loading"     // ONNX runtime and model loading
	CategoryInference        ErrorCategory = "inference"         // Running the detector
	CategoryGeneric          ErrorCategory = "generic"
)

// EnhancedError wraps an error with a component, category and context.
type EnhancedError struct {
	Err       error          // Original error
	Component string         // Component where the error occurred
	Category  ErrorCategory  // Error category for grouping
	Context   map[string]any // Additional context data
}

// Error implements the error interface
func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

// Unwrap implements the error unwrapping interface
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is reports whether target is an EnhancedError of the same category, or matches the wrapped
// error.
func (ee *EnhancedError) Is(target error) bool {
	if ee2, ok := target.(*EnhancedError); ok {
		return ee.Category == ee2.Category
	}
	return stderrors.Is(ee.Err, target)
}

// Detailed returns the message followed by the sorted context, e.g.
// "exit status 1 [component=trainer exit_code=1]".
func (ee *EnhancedError) Detailed() string {
	if len(ee.Context) == 0 && ee.Component == "" {
		return ee.Error()
	}

	parts := make([]string, 0, len(ee.Context)+1)
	if ee.Component != "" {
		parts = append(parts, "component="+ee.Component)
	}
	keys := make([]string, 0, len(ee.Context))
	for k := range ee.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ee.Context[k]))
	}
	return fmt.Sprintf("%s [%s]", ee.Error(), strings.Join(parts, " "))
}

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New starts building an enhanced error around err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err, category: CategoryGeneric}
}

// Newf starts building an enhanced error from a formatted message.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component name
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds a context key/value pair
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Build creates the EnhancedError. If the wrapped error already is an EnhancedError, its context
// is merged and unset fields are inherited.
func (eb *ErrorBuilder) Build() error {
	if eb.err == nil {
		eb.err = stderrors.New("unknown error")
	}

	ee := &EnhancedError{
		Err:       eb.err,
		Component: eb.component,
		Category:  eb.category,
		Context:   eb.context,
	}

	var inner *EnhancedError
	if stderrors.As(eb.err, &inner) {
		if ee.Component == "" {
			ee.Component = inner.Component
		}
		if ee.Category == CategoryGeneric {
			ee.Category = inner.Category
		}
		merged := make(map[string]any, len(inner.Context)+len(ee.Context))
		maps.Copy(merged, inner.Context)
		maps.Copy(merged, ee.Context)
		ee.Context = merged
	}

	return ee
}

// IsCategory reports whether any error in err's chain is an EnhancedError with the category.
func IsCategory(err error, category ErrorCategory) bool {
	var ee *EnhancedError
	for err != nil {
		if !stderrors.As(err, &ee) {
			return false
		}
		if ee.Category == category {
			return true
		}
		err = ee.Err
	}
	return false
}

// Is wraps errors.Is.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As wraps errors.As.
func As(err error, target any) bool { return stderrors.As(err, target) }
