package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"xpertsphere.io/internal/obs"
)

// Enricher turns a verified credential into the caller's full claim set.
type Enricher struct {
	store       Store
	provisioner *Provisioner
	now         func() time.Time
	logger      *slog.Logger
	events      EventSink
}

// EnricherOption configures an Enricher.
type EnricherOption func(*Enricher)

// WithEnricherClock overrides the time used to filter expired assignments.
func WithEnricherClock(fn func() time.Time) EnricherOption {
	return func(e *Enricher) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithEnricherLogger overrides the logger used for enrichment failures.
func WithEnricherLogger(l *slog.Logger) EnricherOption {
	return func(e *Enricher) { e.logger = l }
}

// WithEnricherEvents routes enrichment failure events to sink.
func WithEnricherEvents(sink EventSink) EnricherOption {
	return func(e *Enricher) {
		if sink != nil {
			e.events = sink
		}
	}
}

// NewEnricher constructs an Enricher. provisioner handles the federated realms.
func NewEnricher(store Store, provisioner *Provisioner, opts ...EnricherOption) *Enricher {
	e := &Enricher{
		store:       store,
		provisioner: provisioner,
		now:         time.Now,
		events:      discardEvents,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich resolves the user behind cred and returns the enriched claim set.
// It never fails: when anything goes wrong the failure is logged and the
// caller keeps only the verified claims of cred.
func (e *Enricher) Enrich(ctx context.Context, cred Credential) ClaimSet {
	cs, err := e.enrich(ctx, cred)
	if err == nil {
		return cs
	}
	realm := cred.Realm.String()
	e.log().ErrorContext(ctx, "claims enrichment failed",
		"subject", cred.Subject,
		"realm", realm,
		"error", err.Error(),
	)
	obs.EnrichmentFailed(realm)
	e.events(ctx, EventEnrichmentFailure, map[string]any{"subject": cred.Subject, "realm": realm})
	return VerifiedClaims(cred)
}

func (e *Enricher) enrich(ctx context.Context, cred Credential) (ClaimSet, error) {
	switch cred.Realm {
	case RealmB2B:
		user, err := e.resolve(ctx, cred)
		if err != nil {
			return ClaimSet{}, err
		}
		if _, err := e.provisioner.SyncGroups(ctx, user.ID, cred.Groups); err != nil {
			return ClaimSet{}, fmt.Errorf("%w: sync groups: %w", ErrEnrichment, err)
		}
		return e.load(ctx, RealmB2B, user)
	case RealmB2C:
		user, err := e.resolve(ctx, cred)
		if err != nil {
			return ClaimSet{}, err
		}
		return e.load(ctx, RealmB2C, user, RoleCandidate)
	case RealmLocal:
		if cred.Subject == "" {
			return ClaimSet{}, fmt.Errorf("%w: local credential without subject", ErrEnrichment)
		}
		user, err := e.store.Users(ctx).Find(ctx, cred.Subject)
		if err != nil {
			return ClaimSet{}, fmt.Errorf("%w: load user: %w", ErrEnrichment, err)
		}
		return e.load(ctx, RealmLocal, user)
	default:
		return ClaimSet{}, fmt.Errorf("%w: unknown realm %q", ErrEnrichment, string(cred.Realm))
	}
}

func (e *Enricher) resolve(ctx context.Context, cred Credential) (*User, error) {
	if e.provisioner == nil {
		return nil, fmt.Errorf("%w: no provisioner for realm %s", ErrEnrichment, cred.Realm)
	}
	user, err := e.provisioner.Resolve(ctx, IdentityFromCredential(cred))
	if err != nil {
		return nil, fmt.Errorf("%w: resolve identity: %w", ErrEnrichment, err)
	}
	return user, nil
}

// load reads the organization, active roles and reachable permissions of user.
// fixedRoles are added to the role claims regardless of stored assignments.
func (e *Enricher) load(ctx context.Context, realm Realm, user *User, fixedRoles ...string) (ClaimSet, error) {
	if !user.IsActive {
		return ClaimSet{}, fmt.Errorf("%w: %w", ErrEnrichment, ErrInactiveUser)
	}
	var org *Organization
	if user.OrganizationID != "" {
		o, err := e.store.Organizations(ctx).Find(ctx, user.OrganizationID)
		if err != nil {
			return ClaimSet{}, fmt.Errorf("%w: load organization: %w", ErrEnrichment, err)
		}
		org = o
	}

	now := e.now()
	roles := e.store.Roles(ctx)
	assignments, err := roles.ActiveAssignments(ctx, user.ID, now)
	if err != nil {
		return ClaimSet{}, fmt.Errorf("%w: load roles: %w", ErrEnrichment, err)
	}
	names := append([]string(nil), fixedRoles...)
	roleIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if !a.Effective(now) {
			continue
		}
		names = append(names, a.RoleName)
		roleIDs = append(roleIDs, a.RoleID)
	}

	var perms []string
	if len(roleIDs) > 0 {
		granted, err := roles.PermissionsForRoles(ctx, roleIDs)
		if err != nil {
			return ClaimSet{}, fmt.Errorf("%w: load permissions: %w", ErrEnrichment, err)
		}
		perms = make([]string, 0, len(granted))
		for _, p := range granted {
			perms = append(perms, p.ClaimValue())
		}
	}
	return EnrichedClaims(realm, user, org, names, perms), nil
}

func (e *Enricher) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return obs.Logger()
}
