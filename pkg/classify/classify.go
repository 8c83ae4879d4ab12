package classify

import (
	"context"
	"errors"
	"strings"
)

// Context carries call-site information folded into the classification.
// It never changes which rule matches, only the annotations on the result.
type Context struct {
	// Operation is the operation being performed (e.g. "provision", "cleanup").
	Operation string

	// Resource is the resource ID involved, if any.
	Resource string

	// Region is the cloud region the operation targeted, if any.
	Region string
}

// rule maps error signatures to a classification. Rules are evaluated in
// order; the first match wins, so more specific signatures come first.
type rule struct {
	category   Category
	severity   Severity
	strategy   Strategy
	message    string
	hint       string
	signatures []string
}

var rules = []rule{
	{
		category: CategoryCapacity,
		severity: SeverityWarning,
		strategy: StrategyFallback,
		message:  "spot capacity unavailable",
		hint:     "fall back to on-demand pricing for this instance",
		signatures: []string{
			"spot capacity",
			"spotinstancecapacity",
			"max spot price",
			"spot-bid",
			"spot request",
		},
	},
	{
		category: CategoryCapacity,
		severity: SeverityError,
		strategy: StrategyRetryRegional,
		message:  "instance capacity exhausted in region",
		hint:     "retry the launch in a configured fallback region",
		signatures: []string{
			"insufficientinstancecapacity",
			"insufficient capacity",
			"insufficient instance capacity",
			"not available in your requested availability zone",
			"unsupported instance type",
		},
	},
	{
		category: CategoryCapacity,
		severity: SeverityWarning,
		strategy: StrategyRetryBackoff,
		message:  "provider rate or quota limit hit",
		hint:     "wait out the cool-down and retry; check service quotas if it persists",
		signatures: []string{
			"throttl",
			"rate exceeded",
			"too many requests",
			"requestlimitexceeded",
			"limit exceeded",
			"quota",
		},
	},
	{
		category: CategoryAuth,
		severity: SeverityCritical,
		strategy: StrategyAbort,
		message:  "authentication or authorization failure",
		hint:     "verify the API credentials and IAM permissions for this account",
		signatures: []string{
			"access denied",
			"accessdenied",
			"unauthorized",
			"forbidden",
			"authfailure",
			"invalid credentials",
			"credential",
			"expired token",
			"permission denied",
		},
	},
	{
		category: CategoryTimeout,
		severity: SeverityWarning,
		strategy: StrategyRetryExponential,
		message:  "operation timed out",
		hint:     "the provider did not respond in time; retrying with backoff",
		signatures: []string{
			"deadline exceeded",
			"timed out",
			"timeout",
		},
	},
	{
		category: CategoryNetwork,
		severity: SeverityWarning,
		strategy: StrategyRetryExponential,
		message:  "network path to the provider is unstable",
		hint:     "check connectivity and DNS; retrying with backoff",
		signatures: []string{
			"connection refused",
			"connection reset",
			"no such host",
			"network is unreachable",
			"tls handshake",
			"broken pipe",
			"unexpected eof",
			"dns",
		},
	},
	{
		category: CategoryDependency,
		severity: SeverityWarning,
		strategy: StrategyRetryBackoff,
		message:  "resource still has live dependents",
		hint:     "dependent resources release asynchronously; retry shortly",
		signatures: []string{
			"dependencyviolation",
			"dependency violation",
			"has dependent",
			"dependent object",
			"resource in use",
			"is in use",
		},
	},
	{
		category: CategoryInfrastructure,
		severity: SeverityInfo,
		strategy: StrategySkip,
		message:  "resource already absent",
		hint:     "nothing to do; the resource no longer exists",
		signatures: []string{
			"notfound",
			"not found",
			"does not exist",
			"no such entity",
			"status code: 404",
		},
	},
	{
		category: CategoryValidation,
		severity: SeverityError,
		strategy: StrategyAbort,
		message:  "request rejected by validation",
		hint:     "fix the stack definition before redeploying",
		signatures: []string{
			"validation",
			"invalid parameter",
			"invalidparametervalue",
			"malformed",
			"missing required",
			"duplicate resource",
			"cycle detected",
			"invalid status transition",
			"invalid registration",
		},
	},
	{
		category: CategoryConfiguration,
		severity: SeverityError,
		strategy: StrategyAbort,
		message:  "configuration not accepted by the provider",
		hint:     "review the stack configuration against provider constraints",
		signatures: []string{
			"invalid configuration",
			"unsupported configuration",
			"configuration error",
			"misconfigured",
			"optingroup",
			"not supported",
		},
	},
	{
		category: CategoryInfrastructure,
		severity: SeverityError,
		strategy: StrategyRetryExponential,
		message:  "provider-side fault",
		hint:     "the provider reported an internal fault; retrying with backoff",
		signatures: []string{
			"internal server error",
			"internal error",
			"internalerror",
			"service unavailable",
			"server error",
			"status code: 500",
			"status code: 503",
		},
	},
}

// Classify maps a raw error to a ClassifiedError. Identical inputs always
// produce identical classifications. A nil error classifies to nil; an
// already-classified error is returned unchanged.
func Classify(err error, ctx Context) *ClassifiedError {
	if err == nil {
		return nil
	}

	var already *ClassifiedError
	if errors.As(err, &already) {
		return already
	}

	out := match(err)
	out.Err = err
	out.Resource = ctx.Resource
	out.Operation = ctx.Operation
	out.Region = ctx.Region
	return out
}

func match(err error) *ClassifiedError {
	// Sentinels first: they survive wrapping where text matching may not.
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{
			Category: CategoryTimeout,
			Severity: SeverityWarning,
			Strategy: StrategyRetryExponential,
			Message:  "operation timed out",
			Hint:     "the provider did not respond in time; retrying with backoff",
		}
	}
	if errors.Is(err, context.Canceled) {
		return &ClassifiedError{
			Category: CategoryTimeout,
			Severity: SeverityWarning,
			Strategy: StrategyAbort,
			Message:  "operation cancelled",
			Hint:     "the surrounding operation was cancelled; no retry",
		}
	}

	text := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, sig := range r.signatures {
			if strings.Contains(text, sig) {
				return &ClassifiedError{
					Category: r.category,
					Severity: r.severity,
					Strategy: r.strategy,
					Message:  r.message,
					Hint:     r.hint,
				}
			}
		}
	}

	// Unrecognized failures need a human decision rather than a blind retry.
	return &ClassifiedError{
		Category: CategoryInfrastructure,
		Severity: SeverityError,
		Strategy: StrategyManual,
		Message:  "unrecognized provider failure",
		Hint:     "inspect the underlying error and resolve manually",
	}
}
