package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const decisionQuery = "data.marketplace.provisioning.decision"

// DefaultRegoPolicy lets any affiliated user request a consumer token and restricts provider
// tokens to faculty, staff and employees.
const DefaultRegoPolicy = `package marketplace.provisioning

provider_roles := {"faculty", "staff", "employee"}

default allow := false

allow if {
	count(deny_reasons) == 0
}

deny_reasons contains "an institutional affiliation is required" if {
	input.user.institution == ""
}

deny_reasons contains "unknown token type" if {
	not known_type
}

known_type if {
	input.type in {"consumer", "provider"}
}

deny_reasons contains "provider tokens require a faculty, staff or employee role" if {
	input.type == "provider"
	not has_provider_role
}

has_provider_role if {
	some role in input.user.roles
	role in provider_roles
}

decision := {"allow": allow, "reasons": deny_reasons}
`

// OPAEvaluator evaluates the provisioning policy with an in-process Rego engine. The policy is
// compiled once at construction.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles policy, or DefaultRegoPolicy when policy is empty. The policy must
// define data.marketplace.provisioning.decision.
func NewOPAEvaluator(ctx context.Context, policy string) (*OPAEvaluator, error) {
	if policy == "" {
		policy = DefaultRegoPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"provisioning.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile provisioning policy: %w", err)
	}
	q, err := rego.New(
		rego.Query(decisionQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare provisioning policy: %w", err)
	}
	return &OPAEvaluator{query: q}, nil
}

// LoadOPAEvaluator reads the policy from path; an empty path uses the default policy.
func LoadOPAEvaluator(ctx context.Context, path string) (*OPAEvaluator, error) {
	if path == "" {
		return NewOPAEvaluator(ctx, "")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provisioning policy: %w", err)
	}
	return NewOPAEvaluator(ctx, string(b))
}

// HealthCheck evaluates a known-good input. Returns nil when the engine answers.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.EvaluateProvisioning(ctx, Input{TokenType: "consumer", InstitutionID: "example.org"})
	return err
}

// EvaluateProvisioning evaluates the policy for in. Any evaluation failure is an error; callers
// must treat it as a denial.
func (e *OPAEvaluator) EvaluateProvisioning(ctx context.Context, in Input) (Decision, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(buildInput(in)))
	if err != nil {
		return Decision{}, fmt.Errorf("eval provisioning policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, errors.New("provisioning policy returned no decision")
	}
	obj, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("provisioning decision has type %T", rs[0].Expressions[0].Value)
	}
	allowed, ok := obj["allow"].(bool)
	if !ok {
		return Decision{}, errors.New("provisioning decision has no boolean allow")
	}
	d := Decision{Allowed: allowed}
	if reasons, ok := obj["reasons"].([]interface{}); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				d.Reasons = append(d.Reasons, s)
			}
		}
		sort.Strings(d.Reasons)
	}
	return d, nil
}

func buildInput(in Input) map[string]interface{} {
	roles := make([]interface{}, 0, len(in.Roles))
	for _, r := range in.Roles {
		roles = append(roles, r)
	}
	return map[string]interface{}{
		"type":            in.TokenType,
		"public_base_url": in.PublicBaseURL,
		"user": map[string]interface{}{
			"institution": in.InstitutionID,
			"email":       in.Email,
			"affiliation": in.Affiliation,
			"roles":       roles,
		},
	}
}
