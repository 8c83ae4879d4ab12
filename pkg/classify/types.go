// Package classify categorizes raw provisioning and sync failures and
// assigns each one a recovery strategy. Classification is a pure function
// of the error signature plus call-site context, which keeps retry and
// rollback decisions reproducible.
package classify

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the failure domain of a classified error.
type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryInfrastructure Category = "infrastructure"
	CategoryNetwork        Category = "network"
	CategoryAuth           Category = "auth"
	CategoryCapacity       Category = "capacity"
	CategoryTimeout        Category = "timeout"
	CategoryDependency     Category = "dependency"
	CategoryConfiguration  Category = "configuration"
)

// Validate checks if the category is known.
func (c Category) Validate() error {
	switch c {
	case CategoryValidation, CategoryInfrastructure, CategoryNetwork, CategoryAuth,
		CategoryCapacity, CategoryTimeout, CategoryDependency, CategoryConfiguration:
		return nil
	default:
		return fmt.Errorf("invalid error category: %s", c)
	}
}

// Severity is the urgency of a classified error. Severities are ordered:
// INFO < WARNING < ERROR < CRITICAL.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Rank returns the numeric position of the severity in the ordering.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast returns true if s is as severe as min or more.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// Validate checks if the severity is known.
func (s Severity) Validate() error {
	if _, ok := severityRank[s]; !ok {
		return fmt.Errorf("invalid severity: %s", s)
	}
	return nil
}

// Strategy is the recovery action a classified error calls for.
type Strategy string

const (
	// StrategyRetryRegional retries the operation in a fallback region.
	StrategyRetryRegional Strategy = "retry:regional"

	// StrategyRetryExponential retries with exponentially growing delay.
	StrategyRetryExponential Strategy = "retry:exponential"

	// StrategyRetryBackoff retries after a flat cool-down delay.
	StrategyRetryBackoff Strategy = "retry:backoff"

	// StrategyFallback switches to an alternative configuration
	// (e.g. spot capacity to on-demand) and retries once.
	StrategyFallback Strategy = "fallback"

	// StrategySkip treats the operation as already satisfied.
	StrategySkip Strategy = "skip"

	// StrategyAbort stops the operation and escalates to rollback.
	StrategyAbort Strategy = "abort"

	// StrategyManual requires operator intervention.
	StrategyManual Strategy = "manual"
)

// IsRetry returns true for the retry:<policy> strategies.
func (s Strategy) IsRetry() bool {
	return strings.HasPrefix(string(s), "retry:")
}

// RetryPolicy returns the policy name of a retry strategy ("regional",
// "exponential", "backoff") or an empty string for non-retry strategies.
func (s Strategy) RetryPolicy() string {
	if !s.IsRetry() {
		return ""
	}
	return strings.TrimPrefix(string(s), "retry:")
}

// Validate checks if the strategy is known.
func (s Strategy) Validate() error {
	switch s {
	case StrategyRetryRegional, StrategyRetryExponential, StrategyRetryBackoff,
		StrategyFallback, StrategySkip, StrategyAbort, StrategyManual:
		return nil
	default:
		return fmt.Errorf("invalid strategy: %s", s)
	}
}

// ClassifiedError is a raw failure annotated with category, severity, and
// the recovery strategy higher layers should apply.
type ClassifiedError struct {
	// Category is the failure domain.
	Category Category `json:"category"`

	// Severity is the urgency of the failure.
	Severity Severity `json:"severity"`

	// Strategy is the recommended recovery action.
	Strategy Strategy `json:"strategy"`

	// Message is the human-readable summary of the failure.
	Message string `json:"message"`

	// Hint is a human-readable recovery hint surfaced to the operator.
	Hint string `json:"hint,omitempty"`

	// Resource is the resource ID involved, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Region is the cloud region the operation targeted, if applicable.
	Region string `json:"region,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	base := fmt.Sprintf("[%s/%s] %s", e.Category, e.Severity, e.Message)
	if e.Resource != "" && e.Operation != "" {
		base = fmt.Sprintf("[%s/%s] %s (resource=%s, operation=%s)",
			e.Category, e.Severity, e.Message, e.Resource, e.Operation)
	} else if e.Resource != "" {
		base = fmt.Sprintf("[%s/%s] %s (resource=%s)", e.Category, e.Severity, e.Message, e.Resource)
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *ClassifiedError) Is(target error) bool {
	t, ok := target.(*ClassifiedError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Strategy == t.Strategy
}

// New creates a classified error directly, for call sites that already know
// the classification.
func New(category Category, severity Severity, strategy Strategy, message string, err error) *ClassifiedError {
	return &ClassifiedError{
		Category: category,
		Severity: severity,
		Strategy: strategy,
		Message:  message,
		Err:      err,
	}
}

// WithResource adds resource context to the error.
func (e *ClassifiedError) WithResource(resourceID string) *ClassifiedError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to the error.
func (e *ClassifiedError) WithOperation(operation string) *ClassifiedError {
	e.Operation = operation
	return e
}

// WithRegion adds region context to the error.
func (e *ClassifiedError) WithRegion(region string) *ClassifiedError {
	e.Region = region
	return e
}

// WithHint replaces the recovery hint.
func (e *ClassifiedError) WithHint(hint string) *ClassifiedError {
	e.Hint = hint
	return e
}

// IsRetryable returns true if the error's strategy is one of the retry
// policies.
func IsRetryable(err error) bool {
	var e *ClassifiedError
	if errors.As(err, &e) {
		return e.Strategy.IsRetry()
	}
	return false
}

// ShouldSkip returns true if the error's strategy says the operation is
// already satisfied (e.g. deleting a resource that is gone).
func ShouldSkip(err error) bool {
	var e *ClassifiedError
	if errors.As(err, &e) {
		return e.Strategy == StrategySkip
	}
	return false
}

// EscalatesImmediately returns true for non-retryable categories that must
// go straight to the rollback engine: validation, auth, configuration.
func EscalatesImmediately(err error) bool {
	var e *ClassifiedError
	if !errors.As(err, &e) {
		return false
	}
	switch e.Category {
	case CategoryValidation, CategoryAuth, CategoryConfiguration:
		return true
	default:
		return false
	}
}

// CategoryOf returns the category of a classified error, or false if the
// error carries no classification.
func CategoryOf(err error) (Category, bool) {
	var e *ClassifiedError
	if errors.As(err, &e) {
		return e.Category, true
	}
	return "", false
}
