// Package policy evaluates named authorization policies against the caller's
// enriched claim set. Evaluation is pure: no store access, no I/O.
package policy

import (
	"errors"
	"fmt"
	"sort"

	"xpertsphere.io/internal/auth"
	"xpertsphere.io/internal/obs"
)

// ErrDenied is returned when a policy does not permit the request.
var ErrDenied = errors.New("policy: denied")

// Route parameter names read by the assertion policies.
const (
	RouteOrganizationID = "organizationId"
	RouteUserID         = "userId"
	RouteID             = "id"
)

// Policy names registered by NewDefaultRegistry.
const (
	NamePlatformRoles          = "PlatformRoles"
	NameOrganizationRoles      = "OrganizationRoles"
	NameInternalRoles          = "InternalRoles"
	NameCandidateRoles         = "CandidateRoles"
	NameManagementRoles        = "ManagementRoles"
	NameRecruitmentRoles       = "RecruitmentRoles"
	NameEvaluationRoles        = "EvaluationRoles"
	NameOrganizationAccess     = "OrganizationAccess"
	NameSelfOrOrganizationData = "SelfOrOrganizationData"
)

// RouteValues exposes the route parameters of the current request.
type RouteValues interface {
	Value(name string) string
}

// RouteMap is a RouteValues backed by a map.
type RouteMap map[string]string

func (m RouteMap) Value(name string) string { return m[name] }

// Policy is a named rule that permits or denies a request.
type Policy interface {
	Name() string
	Permits(claims auth.ClaimSet, route RouteValues) bool
}

type rolePolicy struct {
	name     string
	catalog  *auth.Catalog
	required auth.RoleSet
}

// RequireRoles permits callers holding, directly or through a senior role,
// any member of required.
func RequireRoles(name string, catalog *auth.Catalog, required auth.RoleSet) Policy {
	return rolePolicy{name: name, catalog: catalog, required: required}
}

// RequireRole permits callers holding role or a role that implies it.
func RequireRole(catalog *auth.Catalog, role string) Policy {
	return RequireRoles(role, catalog, auth.NewRoleSet(role))
}

func (p rolePolicy) Name() string { return p.name }

func (p rolePolicy) Permits(claims auth.ClaimSet, _ RouteValues) bool {
	if claims.Stage() != auth.StageEnriched {
		return false
	}
	return p.catalog.Satisfies(claims.Roles(), p.required)
}

// AssertionFunc inspects claims and route values.
type AssertionFunc func(claims auth.ClaimSet, route RouteValues) bool

type assertionPolicy struct {
	name string
	fn   AssertionFunc
}

// Assert builds a policy from an assertion. Unenriched callers are always denied.
func Assert(name string, fn AssertionFunc) Policy {
	return assertionPolicy{name: name, fn: fn}
}

func (p assertionPolicy) Name() string { return p.name }

func (p assertionPolicy) Permits(claims auth.ClaimSet, route RouteValues) bool {
	if claims.Stage() != auth.StageEnriched {
		return false
	}
	if route == nil {
		route = RouteMap{}
	}
	return p.fn(claims, route)
}

// OrganizationAccess permits platform callers for any organization, and other
// callers only for the organization named by the route.
func OrganizationAccess(catalog *auth.Catalog) Policy {
	return Assert(NameOrganizationAccess, func(claims auth.ClaimSet, route RouteValues) bool {
		if catalog.IsPlatformUser(claims.Roles()) {
			return true
		}
		orgID := routeValue(route, RouteOrganizationID, RouteID)
		return orgID != "" && claims.OrganizationID() != "" && orgID == claims.OrganizationID()
	})
}

// SelfOrOrganizationData permits platform and organization callers, and
// candidates only for their own user id.
func SelfOrOrganizationData(catalog *auth.Catalog) Policy {
	return Assert(NameSelfOrOrganizationData, func(claims auth.ClaimSet, route RouteValues) bool {
		roles := claims.Roles()
		if catalog.IsPlatformUser(roles) || catalog.IsOrganizationUser(roles) {
			return true
		}
		if !catalog.IsCandidate(roles) {
			return false
		}
		userID := routeValue(route, RouteUserID, RouteID)
		return userID != "" && userID == claims.Subject()
	})
}

func routeValue(route RouteValues, names ...string) string {
	for _, n := range names {
		if v := route.Value(n); v != "" {
			return v
		}
	}
	return ""
}

// Registry resolves policies by name.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry builds a registry; names must be unique.
func NewRegistry(policies ...Policy) (*Registry, error) {
	r := &Registry{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		if _, dup := r.policies[p.Name()]; dup {
			return nil, fmt.Errorf("policy: %q registered twice", p.Name())
		}
		r.policies[p.Name()] = p
	}
	return r, nil
}

// NewDefaultRegistry registers the capability-set policies, one policy per
// catalog role and the two assertion policies.
func NewDefaultRegistry(catalog *auth.Catalog) *Registry {
	if catalog == nil {
		catalog = auth.DefaultCatalog
	}
	policies := []Policy{
		RequireRoles(NamePlatformRoles, catalog, auth.PlatformRoles),
		RequireRoles(NameOrganizationRoles, catalog, auth.OrganizationRoles),
		RequireRoles(NameInternalRoles, catalog, auth.InternalRoles),
		RequireRoles(NameCandidateRoles, catalog, auth.CandidateRoles),
		RequireRoles(NameManagementRoles, catalog, auth.ManagementRoles),
		RequireRoles(NameRecruitmentRoles, catalog, auth.RecruitmentRoles),
		RequireRoles(NameEvaluationRoles, catalog, auth.EvaluationRoles),
		OrganizationAccess(catalog),
		SelfOrOrganizationData(catalog),
	}
	for _, role := range catalog.Roles() {
		policies = append(policies, RequireRole(catalog, role.Name))
	}
	r, err := NewRegistry(policies...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the named policy.
func (r *Registry) Lookup(name string) (Policy, bool) {
	p, ok := r.policies[name]
	return p, ok
}

// Names lists registered policy names in order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.policies))
	for n := range r.policies {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Evaluate returns nil when the named policy permits the request and an error
// wrapping ErrDenied otherwise. Unknown policies deny.
func (r *Registry) Evaluate(name string, claims auth.ClaimSet, route RouteValues) error {
	p, ok := r.Lookup(name)
	if !ok {
		obs.PolicyDecided("unknown", false)
		return fmt.Errorf("%w: unknown policy %q", ErrDenied, name)
	}
	permitted := p.Permits(claims, route)
	obs.PolicyDecided(name, permitted)
	if !permitted {
		return fmt.Errorf("%w: %s", ErrDenied, name)
	}
	return nil
}
