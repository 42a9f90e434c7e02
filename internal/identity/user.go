// Package identity carries the authenticated federated user through a request and derives the
// identifiers the bridge correlates on.
package identity

import (
	"context"
	"strings"
)

// UserData is the SSO session output consumed by the bridge. Field names follow the SAML
// attributes released by the federation.
type UserData struct {
	ID                      string `json:"id,omitempty"`
	Email                   string `json:"email,omitempty"`
	Name                    string `json:"name,omitempty"`
	Affiliation             string `json:"affiliation,omitempty"`
	SchacHomeOrganization   string `json:"schacHomeOrganization,omitempty"`
	SchacPersonalUniqueCode string `json:"schacPersonalUniqueCode,omitempty"`
	EduPersonTargetedID     string `json:"eduPersonTargetedID,omitempty"`
	EduPersonPrincipalName  string `json:"eduPersonPrincipalName,omitempty"`
	Role                    string `json:"role,omitempty"`
	ScopedRole              string `json:"scopedRole,omitempty"`
	// SAMLAssertion is the raw federated assertion, when the identity layer kept it.
	SAMLAssertion string `json:"-"`
}

// InstitutionID returns the user's institution domain, lowercased. A scoped affiliation
// (member@uned.es) yields its scope; schacHomeOrganization is the fallback.
func (u *UserData) InstitutionID() string {
	if u == nil {
		return ""
	}
	aff := strings.TrimSpace(u.Affiliation)
	if i := strings.LastIndex(aff, "@"); i >= 0 {
		aff = aff[i+1:]
	}
	if aff == "" {
		aff = strings.TrimSpace(u.SchacHomeOrganization)
	}
	return strings.ToLower(aff)
}

// StableUserID derives the federation-scoped identifier, in priority order:
// schacPersonalUniqueCode, eduPersonTargetedID, eduPersonPrincipalName, id@institution, email.
// Returns "" when none is available.
func (u *UserData) StableUserID() string {
	if u == nil {
		return ""
	}
	for _, v := range []string{u.SchacPersonalUniqueCode, u.EduPersonTargetedID, u.EduPersonPrincipalName} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	if id := strings.TrimSpace(u.ID); id != "" {
		if strings.Contains(id, "@") {
			return id
		}
		if inst := u.InstitutionID(); inst != "" {
			return id + "@" + inst
		}
	}
	return strings.TrimSpace(u.Email)
}

// DisplayName returns the name, falling back to the email and then the stable id.
func (u *UserData) DisplayName() string {
	if u == nil {
		return ""
	}
	if n := strings.TrimSpace(u.Name); n != "" {
		return n
	}
	if e := strings.TrimSpace(u.Email); e != "" {
		return e
	}
	return u.StableUserID()
}

// Attributes returns the non-empty federated attributes, without the raw assertion.
func (u *UserData) Attributes() map[string]string {
	out := make(map[string]string)
	if u == nil {
		return out
	}
	for k, v := range map[string]string{
		"id":                      u.ID,
		"email":                   u.Email,
		"name":                    u.Name,
		"affiliation":             u.Affiliation,
		"schacHomeOrganization":   u.SchacHomeOrganization,
		"schacPersonalUniqueCode": u.SchacPersonalUniqueCode,
		"eduPersonTargetedID":     u.EduPersonTargetedID,
		"eduPersonPrincipalName":  u.EduPersonPrincipalName,
		"role":                    u.Role,
		"scopedRole":              u.ScopedRole,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Roles returns the user's roles, lowercased, from role and scopedRole. Comma or semicolon
// separated values are split and scopes (faculty@uned.es) are dropped.
func (u *UserData) Roles() []string {
	if u == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, raw := range []string{u.Role, u.ScopedRole} {
		for _, r := range strings.FieldsFunc(raw, func(c rune) bool { return c == ',' || c == ';' }) {
			r = strings.ToLower(strings.TrimSpace(r))
			if i := strings.Index(r, "@"); i >= 0 {
				r = r[:i]
			}
			if r != "" && !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}

type contextKey struct{ name string }

var userKey = contextKey{"user"}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, u *UserData) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFromContext returns the authenticated user and true if set; otherwise nil, false.
func UserFromContext(ctx context.Context) (*UserData, bool) {
	u, ok := ctx.Value(userKey).(*UserData)
	return u, ok && u != nil
}
