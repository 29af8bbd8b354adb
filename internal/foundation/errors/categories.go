package errors

import "maps"

// ErrorCategory represents the broad category of an error for classification and routing.
type ErrorCategory string

const (
	// CategoryConfig represents user-facing configuration and input errors.
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"

	// CategoryTransport represents errors reaching the build server
	// (network failures, malformed responses, server-side 5xx).
	CategoryTransport ErrorCategory = "transport"

	// CategoryUnsupported marks a method the server does not implement.
	// Sticky per workspace for the session; callers must stop retrying.
	CategoryUnsupported ErrorCategory = "unsupported"

	// CategoryCanceled marks user- or shutdown-initiated cancellation.
	// Never logged as an error; unwinds to "no result".
	CategoryCanceled ErrorCategory = "canceled"

	// CategoryBuild represents domain errors reported by the build server
	// (e.g. a Bazel build submitted without a target).
	CategoryBuild ErrorCategory = "build"

	// CategoryStorage represents local persistence errors (history db).
	CategoryStorage ErrorCategory = "storage"

	// CategoryRuntime represents runtime and infrastructure errors.
	CategoryRuntime  ErrorCategory = "runtime"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates the impact level of an error.
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution completely
	SeverityError   ErrorSeverity = "error"   // Fails the current operation
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// RetryStrategy indicates how an error should be handled in retry scenarios.
type RetryStrategy string

const (
	RetryNever      RetryStrategy = "never" // Permanent failure, don't retry
	RetryNextEvent  RetryStrategy = "next"  // Retry on the next natural trigger, never in a loop
	RetryUserAction RetryStrategy = "user"  // Requires user intervention
)

// ErrorContext provides structured context for errors.
type ErrorContext map[string]any

// Set returns a copy of the context with key set; the receiver is left
// untouched so derived errors never alias their base.
func (c ErrorContext) Set(key string, value any) ErrorContext {
	result := make(ErrorContext, len(c)+1)
	maps.Copy(result, c)
	result[key] = value
	return result
}

// Get retrieves a context value.
func (c ErrorContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	value, exists := c[key]
	return value, exists
}

// GetString retrieves a string context value.
func (c ErrorContext) GetString(key string) (string, bool) {
	if value, exists := c.Get(key); exists {
		if str, ok := value.(string); ok {
			return str, true
		}
	}
	return "", false
}

// Merge combines two contexts, with other taking precedence.
func (c ErrorContext) Merge(other ErrorContext) ErrorContext {
	if c == nil {
		return other
	}
	if other == nil {
		return c
	}
	result := make(ErrorContext)
	maps.Copy(result, c)
	maps.Copy(result, other)
	return result
}
