// Package engine evaluates provisioning eligibility with OPA Rego.
package engine

import "context"

// Input describes a provisioning token request.
type Input struct {
	// TokenType is "consumer" or "provider".
	TokenType     string
	InstitutionID string
	Email         string
	Affiliation   string
	// Roles are the user's lowercased roles without scope.
	Roles         []string
	PublicBaseURL string
}

// Decision is the outcome of an eligibility evaluation. Reasons explain a denial.
type Decision struct {
	Allowed bool
	Reasons []string
}

// Evaluator decides whether a signed-in user may request a provisioning token.
type Evaluator interface {
	EvaluateProvisioning(ctx context.Context, in Input) (Decision, error)
}
