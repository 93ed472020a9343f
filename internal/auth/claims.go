package auth

import (
	"context"
	"sort"
	"strings"
)

// Claim type names carried by verified tokens and produced by enrichment.
const (
	ClaimAuthType         = "auth_type"
	ClaimSubject          = "sub"
	ClaimEmail            = "email"
	ClaimOrganizationID   = "organization_id"
	ClaimOrganizationName = "organization_name"
	ClaimOrganizationCode = "organization_code"
	ClaimPlatformUser     = "platform_user"
	ClaimRole             = "role"
	ClaimPermission       = "permission"
)

// Stage tracks how far a request's identity got through the pipeline.
type Stage int

const (
	StageUnauthenticated Stage = iota
	StageCredentialVerified
	StageEnriched
)

func (s Stage) String() string {
	switch s {
	case StageCredentialVerified:
		return "credential_verified"
	case StageEnriched:
		return "enriched"
	default:
		return "unauthenticated"
	}
}

// Credential holds what credential verification established, before any store access.
// For local tokens Subject is the user id; for federated tokens it is the external subject.
type Credential struct {
	Subject     string
	Realm       Realm
	Email       string
	DisplayName string
	Groups      []string
}

// Claim is a single key/value fact about the caller.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ClaimSet is the per-request caller identity. It is built once and never mutated;
// accessors return copies.
type ClaimSet struct {
	stage            Stage
	subject          string
	realm            Realm
	email            string
	organizationID   string
	organizationName string
	organizationCode string
	platformUser     bool
	roles            []string
	permissions      []string
}

// VerifiedClaims is the claim set of a caller whose credential passed verification
// but who has not been (or could not be) enriched.
func VerifiedClaims(cred Credential) ClaimSet {
	return ClaimSet{
		stage:   StageCredentialVerified,
		subject: cred.Subject,
		realm:   cred.Realm,
		email:   cred.Email,
	}
}

// EnrichedClaims builds the full claim set for a resolved user. org may be nil, in
// which case the platform-user marker is set. Roles and permissions are deduplicated.
func EnrichedClaims(realm Realm, user *User, org *Organization, roles, permissions []string) ClaimSet {
	cs := ClaimSet{
		stage:       StageEnriched,
		subject:     user.ID,
		realm:       realm,
		email:       user.Email,
		roles:       sortedUnique(roles),
		permissions: sortedUnique(permissions),
	}
	if org != nil {
		cs.organizationID = org.ID
		cs.organizationName = org.Name
		cs.organizationCode = org.Code
	} else {
		cs.platformUser = true
	}
	return cs
}

func (c ClaimSet) Stage() Stage { return c.stage }
func (c ClaimSet) Subject() string { return c.subject }
func (c ClaimSet) Realm() Realm { return c.realm }
func (c ClaimSet) Email() string { return c.email }
func (c ClaimSet) OrganizationID() string { return c.organizationID }
func (c ClaimSet) OrganizationName() string { return c.organizationName }
func (c ClaimSet) OrganizationCode() string { return c.organizationCode }
func (c ClaimSet) PlatformUser() bool { return c.platformUser }
func (c ClaimSet) Authenticated() bool { return c.stage >= StageCredentialVerified }

// Roles returns the role names held by the caller.
func (c ClaimSet) Roles() []string { return append([]string(nil), c.roles...) }

// Permissions returns the "scope:action" permission strings of the caller.
func (c ClaimSet) Permissions() []string { return append([]string(nil), c.permissions...) }

// HasRole reports whether the caller holds name as a role claim.
func (c ClaimSet) HasRole(name string) bool {
	i := sort.SearchStrings(c.roles, name)
	return i < len(c.roles) && c.roles[i] == name
}

// HasPermission reports whether the caller holds the permission string.
func (c ClaimSet) HasPermission(p string) bool {
	i := sort.SearchStrings(c.permissions, p)
	return i < len(c.permissions) && c.permissions[i] == p
}

// Claims flattens the set into key/value pairs in a stable order.
func (c ClaimSet) Claims() []Claim {
	if c.stage == StageUnauthenticated {
		return nil
	}
	out := []Claim{{Type: ClaimSubject, Value: c.subject}}
	if c.realm != RealmLocal {
		out = append(out, Claim{Type: ClaimAuthType, Value: string(c.realm)})
	}
	if c.email != "" {
		out = append(out, Claim{Type: ClaimEmail, Value: c.email})
	}
	if c.organizationID != "" {
		out = append(out,
			Claim{Type: ClaimOrganizationID, Value: c.organizationID},
			Claim{Type: ClaimOrganizationName, Value: c.organizationName},
			Claim{Type: ClaimOrganizationCode, Value: c.organizationCode},
		)
	} else if c.platformUser {
		out = append(out, Claim{Type: ClaimPlatformUser, Value: "true"})
	}
	for _, r := range c.roles {
		out = append(out, Claim{Type: ClaimRole, Value: r})
	}
	for _, p := range c.permissions {
		out = append(out, Claim{Type: ClaimPermission, Value: p})
	}
	return out
}

func sortedUnique(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

type claimsContextKey struct{}

// ContextWithClaims attaches the caller's claim set to the context.
func ContextWithClaims(ctx context.Context, claims ClaimSet) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the claim set attached by the pipeline.
func ClaimsFromContext(ctx context.Context) (ClaimSet, bool) {
	if ctx == nil {
		return ClaimSet{}, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(ClaimSet)
	if !ok {
		return ClaimSet{}, false
	}
	return v, true
}

// SubjectFromContext returns the caller subject if the context carries claims.
func SubjectFromContext(ctx context.Context) (string, bool) {
	c, ok := ClaimsFromContext(ctx)
	if !ok || c.Subject() == "" {
		return "", false
	}
	return c.Subject(), true
}
