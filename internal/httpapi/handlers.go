package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"xpertsphere.io/internal/auth"
	"xpertsphere.io/internal/identity"
	"xpertsphere.io/internal/obs"
	"xpertsphere.io/internal/policy"
	"xpertsphere.io/internal/ratelimit"
)

const serviceName = "xpertsphere-identity"

// ReadyProbe checks readiness by pinging the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the identity services the HTTP layer exposes.
type Deps struct {
	Tokens      *auth.TokenService
	Provisioner *auth.Provisioner
	Pipeline    *identity.Pipeline
	Policies    *policy.Registry
	Catalog     *auth.Catalog
	// Limiter throttles the credential endpoints. Nil disables throttling.
	Limiter ratelimit.Limiter
	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	tokens      *auth.TokenService
	provisioner *auth.Provisioner
	pipeline    *identity.Pipeline
	policies    *policy.Registry
	catalog     *auth.Catalog
	limiter     ratelimit.Limiter

	trustedProxies []netip.Prefix
}

func New(rp readinessChecker, version string, deps Deps) *API {
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  rp,
		version:     version,
		tokens:      deps.Tokens,
		provisioner: deps.Provisioner,
		pipeline:    deps.Pipeline,
		policies:    deps.Policies,
		catalog:     deps.Catalog,
		limiter:     deps.Limiter,

		trustedProxies: deps.TrustedProxies,
	}
	if a.catalog == nil {
		a.catalog = auth.DefaultCatalog
	}
	if a.policies == nil {
		a.policies = policy.NewDefaultRegistry(a.catalog)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("POST /v1/auth/register", a.throttled(http.HandlerFunc(a.handleRegister)))
	a.mux.Handle("POST /v1/auth/token", a.throttled(http.HandlerFunc(a.handleToken)))
	a.mux.Handle("POST /v1/auth/refresh", a.throttled(http.HandlerFunc(a.handleRefresh)))
	a.mux.Handle("POST /v1/auth/logout", a.withAuth(http.HandlerFunc(a.handleLogout)))
	a.mux.Handle("GET /v1/auth/me", a.withAuth(http.HandlerFunc(a.handleMe)))

	a.mux.Handle("GET /v1/organizations/{organizationId}",
		a.protect(policy.NameOrganizationAccess, http.HandlerFunc(a.handleOrganization)))
	a.mux.Handle("GET /v1/users/{userId}/profile",
		a.protect(policy.NameSelfOrOrganizationData, http.HandlerFunc(a.handleProfile)))
	a.mux.Handle("GET /v1/admin/roles",
		a.protect(policy.NamePlatformRoles, http.HandlerFunc(a.handleRoleCatalog)))
	a.mux.Handle("GET /v1/jobs/{id}/evaluations",
		a.protect(policy.NameEvaluationRoles, http.HandlerFunc(a.handleEvaluations)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = obs.Instrument(h)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readyProbe != nil {
		if err := a.readyProbe.Check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorCode(w, r, code, "", msg)
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if code != "" {
		payload["code"] = code
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		msg := strings.TrimPrefix(err.Error(), auth.ErrInvalidInput.Error()+": ")
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", msg)
	case errors.Is(err, auth.ErrConflict):
		writeErrorCode(w, r, http.StatusConflict, "conflict", "email already registered")
	case errors.Is(err, auth.ErrRefreshInvalid):
		writeErrorCode(w, r, http.StatusUnauthorized, "invalid_refresh_token", "refresh token is invalid or expired")
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInactiveUser):
		writeErrorCode(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		obs.Logger().ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
