package auth

import (
	"sort"
)

// Role catalog identifiers.
const (
	RolePlatformSuperAdmin             = "Platform.SuperAdmin"
	RolePlatformAdmin                  = "Platform.Admin"
	RoleOrganizationAdmin              = "Organization.Admin"
	RoleOrganizationManager            = "Organization.Manager"
	RoleOrganizationRecruiter          = "Organization.Recruiter"
	RoleOrganizationTechnicalEvaluator = "Organization.TechnicalEvaluator"
	RoleCandidate                      = "Candidate"
)

// RoleSet is an unordered set of role names.
type RoleSet map[string]struct{}

// NewRoleSet builds a set from names.
func NewRoleSet(names ...string) RoleSet {
	s := make(RoleSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Union returns a new set holding every member of s and others.
func (s RoleSet) Union(others ...RoleSet) RoleSet {
	out := make(RoleSet, len(s))
	for n := range s {
		out[n] = struct{}{}
	}
	for _, o := range others {
		for n := range o {
			out[n] = struct{}{}
		}
	}
	return out
}

func (s RoleSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Intersects reports whether s and other share at least one role.
func (s RoleSet) Intersects(other RoleSet) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for n := range small {
		if large.Has(n) {
			return true
		}
	}
	return false
}

// Sorted returns the members in lexical order.
func (s RoleSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Capability sets.
var (
	PlatformRoles     = NewRoleSet(RolePlatformSuperAdmin, RolePlatformAdmin)
	OrganizationRoles = NewRoleSet(RoleOrganizationAdmin, RoleOrganizationManager, RoleOrganizationRecruiter, RoleOrganizationTechnicalEvaluator)
	InternalRoles     = PlatformRoles.Union(OrganizationRoles)
	CandidateRoles    = NewRoleSet(RoleCandidate)

	ManagementRoles  = NewRoleSet(RolePlatformAdmin, RoleOrganizationAdmin, RoleOrganizationManager)
	RecruitmentRoles = NewRoleSet(RolePlatformAdmin, RoleOrganizationRecruiter)
	EvaluationRoles  = NewRoleSet(RoleOrganizationTechnicalEvaluator)
)

// RoleInfo describes a catalog role.
type RoleInfo struct {
	Name        string
	DisplayName string
	Description string
}

// Catalog is the fixed role table plus the privilege order between roles.
// Implies edges point from a senior role to the junior roles it includes.
type Catalog struct {
	roles   map[string]RoleInfo
	order   []string
	implies map[string][]string
}

// DefaultCatalog is the role table used by the service.
var DefaultCatalog = NewCatalog(
	[]RoleInfo{
		{Name: RolePlatformSuperAdmin, DisplayName: "Platform super administrator", Description: "Full control over the platform"},
		{Name: RolePlatformAdmin, DisplayName: "Platform administrator", Description: "Administers organizations and platform users"},
		{Name: RoleOrganizationAdmin, DisplayName: "Organization administrator", Description: "Administers one organization"},
		{Name: RoleOrganizationManager, DisplayName: "Manager", Description: "Manages recruitment teams and users"},
		{Name: RoleOrganizationRecruiter, DisplayName: "Recruiter", Description: "Publishes job offers and handles applications"},
		{Name: RoleOrganizationTechnicalEvaluator, DisplayName: "Technical evaluator", Description: "Evaluates candidates"},
		{Name: RoleCandidate, DisplayName: "Candidate", Description: "Applies to job offers"},
	},
	map[string][]string{
		RolePlatformSuperAdmin:    {RolePlatformAdmin, RoleOrganizationAdmin},
		RoleOrganizationAdmin:     {RoleOrganizationManager},
		RoleOrganizationManager:   {RoleOrganizationRecruiter},
		RoleOrganizationRecruiter: {RoleOrganizationTechnicalEvaluator},
	},
)

// NewCatalog builds a catalog. Edges naming unknown roles are ignored.
func NewCatalog(roles []RoleInfo, implies map[string][]string) *Catalog {
	c := &Catalog{
		roles:   make(map[string]RoleInfo, len(roles)),
		implies: make(map[string][]string, len(implies)),
	}
	for _, r := range roles {
		if _, dup := c.roles[r.Name]; dup {
			continue
		}
		c.roles[r.Name] = r
		c.order = append(c.order, r.Name)
	}
	for senior, juniors := range implies {
		if !c.Known(senior) {
			continue
		}
		for _, j := range juniors {
			if c.Known(j) {
				c.implies[senior] = append(c.implies[senior], j)
			}
		}
	}
	return c
}

// Known reports whether name is a catalog role.
func (c *Catalog) Known(name string) bool {
	_, ok := c.roles[name]
	return ok
}

// Roles lists the catalog in declaration order.
func (c *Catalog) Roles() []RoleInfo {
	out := make([]RoleInfo, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.roles[n])
	}
	return out
}

// Effective returns held plus every role transitively implied by it.
// Names outside the catalog are kept as-is and imply nothing.
func (c *Catalog) Effective(held []string) RoleSet {
	out := make(RoleSet, len(held))
	stack := append([]string(nil), held...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out.Has(n) {
			continue
		}
		out[n] = struct{}{}
		stack = append(stack, c.implies[n]...)
	}
	return out
}

// Satisfies reports whether the roles held, after applying the privilege
// order, include at least one member of required.
func (c *Catalog) Satisfies(held []string, required RoleSet) bool {
	if len(held) == 0 || len(required) == 0 {
		return false
	}
	return c.Effective(held).Intersects(required)
}

// HasRole reports whether held grants role, directly or through a senior role.
func (c *Catalog) HasRole(held []string, role string) bool {
	return c.Effective(held).Has(role)
}

func (c *Catalog) IsPlatformUser(held []string) bool { return c.Satisfies(held, PlatformRoles) }

func (c *Catalog) IsOrganizationUser(held []string) bool {
	return c.Satisfies(held, OrganizationRoles)
}

func (c *Catalog) IsCandidate(held []string) bool { return c.Satisfies(held, CandidateRoles) }

func (c *Catalog) CanManageUsers(held []string) bool { return c.Satisfies(held, ManagementRoles) }

func (c *Catalog) CanRecruit(held []string) bool { return c.Satisfies(held, RecruitmentRoles) }

func (c *Catalog) CanEvaluate(held []string) bool { return c.Satisfies(held, EvaluationRoles) }
