package filter

import (
	"time"

	"github.com/polisai/polis-tailfilter/pkg/domain"
)

// Rule identifies the override that sent an item straight to the next stage.
type Rule string

// Override rules, evaluated independently and OR-combined.
const (
	RuleNone             Rule = ""
	RuleException        Rule = "exception"
	RuleFailedDependency Rule = "failed_dependency"
	RuleSlowDependency   Rule = "slow_dependency"
	RuleTraceSeverity    Rule = "trace_severity"
)

// Policy decides which items bypass buffering entirely. It is a plain value
// with no state; Match is safe for concurrent use.
type Policy struct {
	// AlwaysLogExceptions forwards every exception, even for successful operations.
	AlwaysLogExceptions bool
	// AlwaysLogFailedDependencies forwards dependencies that reported failure.
	AlwaysLogFailedDependencies bool
	// AlwaysTraceDependencyWithDuration forwards dependencies lasting at least
	// this long. Zero disables the rule.
	AlwaysTraceDependencyWithDuration time.Duration
	// MinAlwaysTraceLevel forwards traces at or above this severity.
	MinAlwaysTraceLevel domain.Severity
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		AlwaysLogExceptions:               true,
		AlwaysLogFailedDependencies:       true,
		AlwaysTraceDependencyWithDuration: 100 * time.Millisecond,
		MinAlwaysTraceLevel:               domain.SeverityError,
	}
}

// Match returns the first override rule the item satisfies, or RuleNone.
func (p Policy) Match(item *domain.Item) Rule {
	switch item.Kind {
	case domain.KindException:
		if p.AlwaysLogExceptions {
			return RuleException
		}
	case domain.KindDependency:
		if p.AlwaysLogFailedDependencies && item.Failed() {
			return RuleFailedDependency
		}
		if p.AlwaysTraceDependencyWithDuration > 0 && item.Duration >= p.AlwaysTraceDependencyWithDuration {
			return RuleSlowDependency
		}
	case domain.KindTrace:
		if item.Severity != nil && *item.Severity >= p.MinAlwaysTraceLevel {
			return RuleTraceSeverity
		}
	case domain.KindRequest, domain.KindOther:
	}
	return RuleNone
}

// ForwardImmediately reports whether the item must skip the correlation buffer.
func (p Policy) ForwardImmediately(item *domain.Item) bool {
	return p.Match(item) != RuleNone
}
