// Package identity runs the per-request credential pipeline shared by the
// HTTP and gRPC transports: verify the bearer token, then enrich the caller.
package identity

import (
	"context"
	"errors"
	"strings"

	"xpertsphere.io/internal/auth"
	"xpertsphere.io/internal/federation"
	"xpertsphere.io/internal/obs"
)

// Pipeline verifies local and federated bearer tokens and enriches the result.
type Pipeline struct {
	tokens   *auth.TokenService
	bridge   *federation.Bridge
	enricher *auth.Enricher
}

// NewPipeline wires the pipeline. bridge may be nil when no external realm is configured.
func NewPipeline(tokens *auth.TokenService, bridge *federation.Bridge, enricher *auth.Enricher) *Pipeline {
	return &Pipeline{tokens: tokens, bridge: bridge, enricher: enricher}
}

// Verify checks the credential without touching the store, except for the
// signing keys of external realms.
func (p *Pipeline) Verify(ctx context.Context, raw string) (auth.Credential, error) {
	raw = strings.TrimSpace(raw)
	var (
		cred auth.Credential
		err  error
	)
	if p.bridge.Handles(raw) {
		cred, err = p.bridge.Verify(ctx, raw)
	} else {
		var claims *auth.AccessClaims
		claims, err = p.tokens.Validate(raw)
		if err == nil {
			cred = auth.Credential{Subject: claims.Subject, Realm: auth.RealmLocal, Email: claims.Email}
		}
	}
	if err != nil {
		obs.CredentialRejected(FailureReason(err))
		return auth.Credential{}, err
	}
	return cred, nil
}

// Authenticate verifies raw and returns the enriched claim set. Enrichment
// failures are absorbed by the enricher; only credential errors are returned.
func (p *Pipeline) Authenticate(ctx context.Context, raw string) (auth.ClaimSet, error) {
	cred, err := p.Verify(ctx, raw)
	if err != nil {
		return auth.ClaimSet{}, err
	}
	return p.enricher.Enrich(ctx, cred), nil
}

// FailureReason returns the metric and log label of a credential error.
func FailureReason(err error) string {
	var te *auth.TokenError
	if errors.As(err, &te) {
		return string(te.Kind)
	}
	return "unknown"
}
