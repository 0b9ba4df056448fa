package errors

import "errors"

// Category classifies a failure for callers that need to decide between
// hard-fail and warn paths without string matching.
type Category string

const (
	// CategoryConfiguration covers operator mistakes: missing key files,
	// wrong passwords, invalid artifact names, oversized artifacts.
	CategoryConfiguration Category = "configuration"
	// CategoryIntegrity covers tamper evidence: signature mismatches,
	// broken hash chains, artifact hash mismatches, failed timestamps.
	// These are never downgraded to warnings.
	CategoryIntegrity Category = "integrity"
	// CategoryEnvironment covers compatibility skew recorded for operator
	// awareness only.
	CategoryEnvironment Category = "environment"
	// CategoryTransient covers infrastructure failures such as an
	// unreachable timestamp authority.
	CategoryTransient Category = "transient"
	// CategoryInstability covers non-deterministic hash inputs.
	CategoryInstability Category = "instability"
	// CategoryInternal covers unexpected internal failures.
	CategoryInternal Category = "internal"
)

type classifiedError struct {
	category Category
	code     string
	hint     string
	cause    error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

// Wrap attaches a category, a stable code, and an operator hint to an error.
func Wrap(cause error, category Category, code, hint string) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category: category,
		code:     code,
		hint:     hint,
		cause:    cause,
	}
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}
