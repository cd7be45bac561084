package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Limit names reported when a spawn is refused.
const (
	LimitGlobal  = "global"
	LimitProject = "project"
	LimitRole    = "role"
)

// Counts holds live agent counts or configured ceilings at the three scopes.
type Counts struct {
	Global  int `json:"global"`
	Project int `json:"project"`
	Role    int `json:"role"`
}

// CapacityInput is the policy input. A limit <= 0 means unlimited.
type CapacityInput struct {
	Role      string `json:"role"`
	ProjectID string `json:"project_id"`
	Active    Counts `json:"active"`
	Limits    Counts `json:"limits"`
}

// Decision is the policy result. Limit names the ceiling that tripped.
type Decision struct {
	Allow bool
	Limit string
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.spawn_capacity.decision"),
		rego.Module("spawn_capacity.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate decides whether one more agent may be spawned.
func (e *Engine) Evaluate(ctx context.Context, input CapacityInput) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"role":       input.Role,
		"project_id": input.ProjectID,
		"active": map[string]interface{}{
			"global":  input.Active.Global,
			"project": input.Active.Project,
			"role":    input.Active.Role,
		},
		"limits": map[string]interface{}{
			"global":  input.Limits.Global,
			"project": input.Limits.Project,
			"role":    input.Limits.Role,
		},
	}))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("policy returned no decision")
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}
	allow, _ := obj["allow"].(bool)
	limit, _ := obj["limit"].(string)
	return Decision{Allow: allow, Limit: limit}, nil
}

// DefaultCapacityPolicy checks the global ceiling first, then the project,
// then the role.
const DefaultCapacityPolicy = `
package spawn_capacity

default decision = {"allow": true, "limit": ""}

decision = {"allow": false, "limit": "global"} {
	exceeded(input.active.global, input.limits.global)
} else = {"allow": false, "limit": "project"} {
	exceeded(input.active.project, input.limits.project)
} else = {"allow": false, "limit": "role"} {
	exceeded(input.active.role, input.limits.role)
}

exceeded(active, limit) {
	limit > 0
	active >= limit
}
`
