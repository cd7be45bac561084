// Package escalation implements bounded retry with a terminal escalation
// action. Review conflict retries, triage sends and the worker retry ceiling
// all use it.
package escalation

import (
	"context"
	"fmt"
)

// Decision is the result of evaluating an attempt count against a policy.
type Decision int

const (
	// Attempt means another automatic attempt is allowed.
	Attempt Decision = iota
	// Escalate means automatic attempts are exhausted.
	Escalate
)

func (d Decision) String() string {
	switch d {
	case Attempt:
		return "attempt"
	case Escalate:
		return "escalate"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Policy bounds automatic attempts. Max <= 0 never escalates.
type Policy struct {
	Max int
}

// Decide evaluates attempts already made.
func (p Policy) Decide(attempts int) Decision {
	if p.Max > 0 && attempts >= p.Max {
		return Escalate
	}
	return Attempt
}

// Remaining returns how many automatic attempts are left.
func (p Policy) Remaining(attempts int) int {
	if p.Max <= 0 {
		return -1
	}
	if attempts >= p.Max {
		return 0
	}
	return p.Max - attempts
}

// Run calls attempt when the policy allows another try, otherwise escalate.
// It returns the decision taken and the action's error.
func (p Policy) Run(ctx context.Context, attempts int, attempt, escalate func(ctx context.Context) error) (Decision, error) {
	d := p.Decide(attempts)
	switch d {
	case Escalate:
		if escalate == nil {
			return d, nil
		}
		return d, escalate(ctx)
	default:
		if attempt == nil {
			return d, nil
		}
		return d, attempt(ctx)
	}
}
