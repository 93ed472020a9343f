package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"xpertsphere.io/internal/auth"
	"xpertsphere.io/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth verifies the bearer token and attaches the enriched claim set.
// Enrichment never rejects: a caller whose enrichment failed continues with
// verified-only claims and is denied by any role-based policy.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.pipeline == nil {
			writeError(w, r, http.StatusServiceUnavailable, "authentication unavailable")
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="xpertsphere"`)
			writeErrorCode(w, r, http.StatusUnauthorized, codeTokenInvalid, err.Error())
			return
		}
		claims, err := a.pipeline.Authenticate(r.Context(), token)
		if err != nil {
			writeCredentialError(w, r, err)
			return
		}
		ctx := auth.ContextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// protect authenticates the caller and evaluates the named policy against the
// request's route values.
func (a *API) protect(policyName string, next http.Handler) http.Handler {
	return a.withAuth(RequirePolicy(a.policies, policyName)(next))
}

const (
	codeTokenExpired = "token_expired"
	codeTokenInvalid = "token_invalid"
)

func writeCredentialError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrCredentialExpired) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="token expired"`)
		w.Header().Set("Token-Expired", "true")
		writeErrorCode(w, r, http.StatusUnauthorized, codeTokenExpired, "token expired")
		return
	}
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	msg := "invalid token"
	if reason := identity.FailureReason(err); reason == string(auth.FailureWrongAudienceOrIssuer) {
		msg = "token issued for another audience or issuer"
	}
	writeErrorCode(w, r, http.StatusUnauthorized, codeTokenInvalid, msg)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
