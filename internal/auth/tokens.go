package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"xpertsphere.io/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
	defaultClockSkew  = 30 * time.Second
	minSigningKeyLen  = 32

	accessTokenType = "access"
)

// TokenFailure names why a bearer token was rejected.
type TokenFailure string

const (
	FailureExpired               TokenFailure = "expired"
	FailureMalformedOrUnsigned   TokenFailure = "malformed_or_unsigned"
	FailureWrongAudienceOrIssuer TokenFailure = "wrong_audience_or_issuer"
)

// TokenError is the typed failure returned by token validation.
type TokenError struct {
	Kind TokenFailure
	Err  error
}

func (e *TokenError) Error() string {
	if e.Err == nil {
		return "token " + string(e.Kind)
	}
	return "token " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *TokenError) Unwrap() error { return e.Err }

// Is lets callers test against ErrCredentialExpired and ErrCredentialInvalid.
func (e *TokenError) Is(target error) bool {
	switch target {
	case ErrCredentialExpired:
		return e.Kind == FailureExpired
	case ErrCredentialInvalid:
		return e.Kind != FailureExpired
	}
	return false
}

// ClassifyTokenError maps a jwt parse/validation error to a TokenError.
func ClassifyTokenError(err error) *TokenError {
	var te *TokenError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &TokenError{Kind: FailureExpired, Err: err}
	case errors.Is(err, jwt.ErrTokenInvalidAudience), errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return &TokenError{Kind: FailureWrongAudienceOrIssuer, Err: err}
	default:
		return &TokenError{Kind: FailureMalformedOrUnsigned, Err: err}
	}
}

// AccessClaims are the claims embedded in locally issued access tokens.
type AccessClaims struct {
	Email     string `json:"email,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenService issues and verifies locally signed tokens.
type TokenService struct {
	store  Store
	now    func() time.Time
	events EventSink

	signingKey []byte
	issuer     string
	audience   string
	clockSkew  time.Duration
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithSigningKey sets the HS256 signing key.
func WithSigningKey(key string) TokenOption {
	return func(s *TokenService) error {
		key = strings.TrimSpace(key)
		if len(key) < minSigningKeyLen {
			return fmt.Errorf("auth: signing key must be at least %d bytes", minSigningKeyLen)
		}
		s.signingKey = []byte(key)
		return nil
	}
}

// WithIssuer sets the iss claim written and required on validation.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAudience sets the aud claim written and required on validation.
func WithAudience(audience string) TokenOption {
	return func(s *TokenService) error {
		s.audience = strings.TrimSpace(audience)
		return nil
	}
}

// WithClockSkew sets the tolerance applied to exp, nbf and iat.
func WithClockSkew(skew time.Duration) TokenOption {
	return func(s *TokenService) error {
		if skew < 0 {
			return errors.New("auth: clock skew must not be negative")
		}
		s.clockSkew = skew
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithTokenEvents routes issuance and rotation events to sink.
func WithTokenEvents(sink EventSink) TokenOption {
	return func(s *TokenService) error {
		if sink != nil {
			s.events = sink
		}
		return nil
	}
}

// NewTokenService constructs a TokenService. A signing key is required.
func NewTokenService(store Store, opts ...TokenOption) (*TokenService, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &TokenService{
		store:      store,
		now:        time.Now,
		events:     discardEvents,
		clockSkew:  defaultClockSkew,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if len(svc.signingKey) == 0 {
		return nil, errors.New("auth: signing key is required")
	}
	return svc, nil
}

// Issue signs an access token for user and stores a fresh refresh token,
// replacing any refresh token the user had.
func (s *TokenService) Issue(ctx context.Context, user *User) (TokenPair, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return TokenPair{}, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	now := s.now()
	access, accessExp, err := s.signAccessToken(user, now)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, rec, err := s.newRefreshToken(user.ID, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.RefreshTokens(ctx).Save(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}
	s.events(ctx, EventTokenIssued, map[string]any{
		"user_id":    user.ID,
		"expires_at": accessExp.UTC().Format(time.RFC3339),
	})
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// Validate verifies an access token and returns its claims. It does not touch the store.
func (s *TokenService) Validate(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &TokenError{Kind: FailureMalformedOrUnsigned, Err: errors.New("empty token")}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.clockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	claims := &AccessClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	})
	if err != nil {
		return nil, ClassifyTokenError(err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" || claims.TokenType != accessTokenType {
		return nil, &TokenError{Kind: FailureMalformedOrUnsigned, Err: errors.New("missing subject or token type")}
	}
	return claims, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// invalidated: the stored credential is swapped only if it still matches.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (TokenPair, *User, error) {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, nil, ErrRefreshInvalid
	}
	store := s.store.RefreshTokens(ctx)
	rec, err := store.FindByTokenID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrRefreshInvalid
		}
		return TokenPair{}, nil, err
	}
	now := s.now()
	if !now.Before(rec.ExpiresAt) {
		s.events(ctx, EventRefreshRejected, map[string]any{"user_id": rec.UserID, "reason": "expired"})
		return TokenPair{}, nil, fmt.Errorf("%w: expired", ErrRefreshInvalid)
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		s.events(ctx, EventRefreshRejected, map[string]any{"user_id": rec.UserID, "reason": "mismatch"})
		return TokenPair{}, nil, ErrRefreshInvalid
	}
	user, err := s.store.Users(ctx).Find(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrRefreshInvalid
		}
		return TokenPair{}, nil, err
	}
	if !user.IsActive {
		return TokenPair{}, nil, fmt.Errorf("%w: %w", ErrRefreshInvalid, ErrInactiveUser)
	}

	access, accessExp, err := s.signAccessToken(user, now)
	if err != nil {
		return TokenPair{}, nil, err
	}
	next, nextRec, err := s.newRefreshToken(user.ID, now)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if err := store.Rotate(ctx, user.ID, rec.TokenHash, nextRec); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.events(ctx, EventRefreshRejected, map[string]any{"user_id": user.ID, "reason": "already_rotated"})
			return TokenPair{}, nil, ErrRefreshInvalid
		}
		return TokenPair{}, nil, err
	}
	s.events(ctx, EventRefreshRotated, map[string]any{"user_id": user.ID})
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     next,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: nextRec.ExpiresAt,
	}, user, nil
}

// Revoke removes the user's refresh token. Access tokens already issued stay
// valid until they expire.
func (s *TokenService) Revoke(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	if err := s.store.RefreshTokens(ctx).Revoke(ctx, userID); err != nil {
		return err
	}
	s.events(ctx, EventRefreshRevoked, map[string]any{"user_id": userID})
	return nil
}

func (s *TokenService) signAccessToken(user *User, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.accessTTL)
	claims := AccessClaims{
		Email:     user.Email,
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func (s *TokenService) newRefreshToken(userID string, now time.Time) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, fmt.Errorf("generate refresh secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	rec := &RefreshToken{
		UserID:    userID,
		TokenID:   ids.NewAt(now),
		TokenHash: hashSecret(secret),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	return rec.TokenID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := hashSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

// SignIn verifies a local password and issues a token pair.
func (s *TokenService) SignIn(ctx context.Context, email, password string) (TokenPair, *User, error) {
	user, err := s.store.Users(ctx).FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrInvalidCredentials
		}
		return TokenPair{}, nil, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return TokenPair{}, nil, err
	}
	if !user.IsActive {
		return TokenPair{}, nil, ErrInactiveUser
	}
	pair, err := s.Issue(ctx, user)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, user, nil
}
