// Package federation verifies bearer tokens issued by the external B2B and
// B2C identity providers and turns them into auth credentials.
package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"xpertsphere.io/internal/auth"
)

const defaultHTTPTimeout = 5 * time.Second

// RealmConfig describes one external trust realm.
type RealmConfig struct {
	Realm     auth.Realm
	Issuer    string
	Audience  string
	JWKSURL   string
	ClockSkew time.Duration
}

type realm struct {
	cfg  RealmConfig
	keys *keySet
}

// Bridge verifies tokens of the configured realms. Realms are selected by the
// token's iss claim.
type Bridge struct {
	realms     map[string]*realm
	httpClient *http.Client
	now        func() time.Time
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithHTTPClient sets the client used to fetch signing keys.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Bridge) {
		if client != nil {
			b.httpClient = client
		}
	}
}

// WithClock overrides the time source for claim and cache checks.
func WithClock(fn func() time.Time) Option {
	return func(b *Bridge) {
		if fn != nil {
			b.now = fn
		}
	}
}

// NewBridge validates realm settings and builds a Bridge. Realms without an
// issuer are skipped so deployments can enable only one of them.
func NewBridge(configs []RealmConfig, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		realms:     make(map[string]*realm, len(configs)),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, cfg := range configs {
		cfg.Issuer = strings.TrimSpace(cfg.Issuer)
		if cfg.Issuer == "" {
			continue
		}
		if cfg.Realm != auth.RealmB2B && cfg.Realm != auth.RealmB2C {
			return nil, fmt.Errorf("federation: realm %q is not external", string(cfg.Realm))
		}
		if strings.TrimSpace(cfg.JWKSURL) == "" {
			return nil, fmt.Errorf("federation: %s realm needs a JWKS URL", cfg.Realm)
		}
		if _, dup := b.realms[cfg.Issuer]; dup {
			return nil, fmt.Errorf("federation: issuer %q configured twice", cfg.Issuer)
		}
		b.realms[cfg.Issuer] = &realm{cfg: cfg, keys: newKeySet(cfg.JWKSURL, b.httpClient, b.now)}
	}
	return b, nil
}

// Enabled reports whether any realm is configured.
func (b *Bridge) Enabled() bool { return b != nil && len(b.realms) > 0 }

// Handles reports whether token claims an issuer of a configured realm. The
// token is not verified.
func (b *Bridge) Handles(token string) bool {
	if !b.Enabled() {
		return false
	}
	iss, err := unverifiedIssuer(token)
	if err != nil {
		return false
	}
	_, ok := b.realms[iss]
	return ok
}

// Verify checks signature, issuer, audience and lifetime and extracts the
// caller's credential. Failures are *auth.TokenError values.
func (b *Bridge) Verify(ctx context.Context, token string) (auth.Credential, error) {
	token = strings.TrimSpace(token)
	iss, err := unverifiedIssuer(token)
	if err != nil {
		return auth.Credential{}, &auth.TokenError{Kind: auth.FailureMalformedOrUnsigned, Err: err}
	}
	var r *realm
	if b.Enabled() {
		r = b.realms[iss]
	}
	if r == nil {
		return auth.Credential{}, &auth.TokenError{Kind: auth.FailureWrongAudienceOrIssuer, Err: fmt.Errorf("unknown issuer %q", iss)}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(r.cfg.Issuer),
		jwt.WithLeeway(r.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(b.now),
	}
	if r.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(r.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	_, err = jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return r.keys.key(ctx, kid)
	})
	if err != nil {
		return auth.Credential{}, auth.ClassifyTokenError(err)
	}
	return credentialFromClaims(r.cfg.Realm, claims)
}

func credentialFromClaims(realm auth.Realm, claims jwt.MapClaims) (auth.Credential, error) {
	invalid := func(msg string) error {
		return &auth.TokenError{Kind: auth.FailureMalformedOrUnsigned, Err: errors.New(msg)}
	}
	if v, ok := claims[auth.ClaimAuthType]; ok {
		s, _ := v.(string)
		if got, known := auth.ParseRealm(s); !known || got != realm {
			return auth.Credential{}, invalid(fmt.Sprintf("auth_type %q does not match %s realm", s, realm))
		}
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return auth.Credential{}, invalid("missing sub claim")
	}
	email := firstString(claims["email"])
	if email == "" {
		email = firstString(claims["emails"])
	}
	if email == "" {
		return auth.Credential{}, invalid("missing email claim")
	}
	name := firstString(claims["name"])
	if name == "" {
		name = strings.TrimSpace(firstString(claims["given_name"]) + " " + firstString(claims["family_name"]))
	}
	return auth.Credential{
		Subject:     sub,
		Realm:       realm,
		Email:       email,
		DisplayName: name,
		Groups:      stringList(claims["groups"]),
	}, nil
}

func unverifiedIssuer(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", err
	}
	iss, err := claims.GetIssuer()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(iss), nil
}

// firstString returns v if it is a string, or the first string of a list.
func firstString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}
