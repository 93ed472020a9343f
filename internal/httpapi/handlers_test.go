package httpapi

import (
	"net/http"
	"testing"
	"time"

	"xpertsphere.io/internal/auth"
)

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil)
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected healthz: %d %v", resp.StatusCode, body)
	}

	resp = api.get("/readyz", nil)
	body = decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("unexpected readyz: %d %v", resp.StatusCode, body)
	}

	resp = api.get("/v1/nope", nil)
	body = decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body["request_id"] == nil || body["request_id"] == "" {
		t.Fatalf("expected request_id in error body: %v", body)
	}
}

func TestRegisterSignInAndMe(t *testing.T) {
	api := newTestAPI(t)

	reg := map[string]any{
		"email":      "Ana@Example.com",
		"password":   testPassword,
		"first_name": "Ana",
		"last_name":  "Lopez",
	}
	resp := api.post("/v1/auth/register", reg, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	user := decode[userResponse](t, resp)
	if user.Email != "ana@example.com" || user.ID == "" {
		t.Fatalf("unexpected user: %+v", user)
	}

	resp = api.post("/v1/auth/register", reg, nil)
	errBody := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d", resp.StatusCode)
	}
	if errBody["code"] != "conflict" {
		t.Fatalf("unexpected error body: %v", errBody)
	}

	pair := api.signIn("ana@example.com")
	if pair.TokenType != "Bearer" || pair.UserID != user.ID {
		t.Fatalf("unexpected token response: %+v", pair)
	}

	resp = api.get("/v1/auth/me", bearerHeader(pair.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	me := decode[claimsView](t, resp)
	if me.Subject != user.ID || me.Stage != auth.StageEnriched.String() || me.Realm != "local" {
		t.Fatalf("unexpected claims: %+v", me)
	}
	if len(me.Roles) != 1 || me.Roles[0] != auth.RoleCandidate {
		t.Fatalf("expected candidate role, got %v", me.Roles)
	}
	if me.Organization != nil {
		t.Fatalf("candidate must not carry an organization: %+v", me.Organization)
	}
}

func TestRegisterValidation(t *testing.T) {
	api := newTestAPI(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{name: "bad email", body: map[string]any{"email": "not-an-email", "password": testPassword}},
		{name: "short password", body: map[string]any{"email": "a@example.com", "password": "short"}},
		{name: "unknown field", body: map[string]any{"email": "a@example.com", "password": testPassword, "role": "Platform.Admin"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.post("/v1/auth/register", tc.body, nil)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("rec@acme.test", "org-acme", auth.RoleOrganizationRecruiter)

	resp := api.post("/v1/auth/token", map[string]any{"email": ""}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	for _, creds := range []map[string]any{
		{"email": "rec@acme.test", "password": "wrong-password"},
		{"email": "nobody@acme.test", "password": testPassword},
	} {
		resp = api.post("/v1/auth/token", creds, nil)
		body := decode[map[string]any](t, resp)
		if resp.StatusCode != http.StatusUnauthorized || body["code"] != "invalid_credentials" {
			t.Fatalf("expected 401 invalid_credentials for %v, got %d %v", creds["email"], resp.StatusCode, body)
		}
	}
}

func TestRefreshRotation(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("rec@acme.test", "org-acme", auth.RoleOrganizationRecruiter)
	first := api.signIn("rec@acme.test")

	resp := api.post("/v1/auth/refresh", map[string]any{"refresh_token": first.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	second := decode[tokenResponse](t, resp)
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	resp = api.post("/v1/auth/refresh", map[string]any{"refresh_token": first.RefreshToken}, nil)
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "invalid_refresh_token" {
		t.Fatalf("expected reuse to fail, got %d %v", resp.StatusCode, body)
	}

	resp = api.get("/v1/auth/me", bearerHeader(second.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotated access token rejected: %d", resp.StatusCode)
	}
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("rec@acme.test", "org-acme", auth.RoleOrganizationRecruiter)
	pair := api.signIn("rec@acme.test")

	resp := api.post("/v1/auth/logout", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("logout without token: expected 401, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/logout", nil, bearerHeader(pair.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/refresh", map[string]any{"refresh_token": pair.RefreshToken}, nil)
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "invalid_refresh_token" {
		t.Fatalf("refresh after logout: expected 401 invalid_refresh_token, got %d %v", resp.StatusCode, body)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/auth/me", nil)
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	if body["error"] == "" {
		t.Fatal("expected error message")
	}

	resp = api.get("/v1/auth/me", bearerHeader("not.a.token"))
	body = decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != codeTokenInvalid {
		t.Fatalf("expected token_invalid, got %d %v", resp.StatusCode, body)
	}
	if got := resp.Header.Get("WWW-Authenticate"); got != `Bearer error="invalid_token"` {
		t.Fatalf("unexpected WWW-Authenticate: %q", got)
	}
	if resp.Header.Get("Token-Expired") != "" {
		t.Fatal("Token-Expired must only be set for expired tokens")
	}
}

func TestExpiredTokenIsFlagged(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("rec@acme.test", "org-acme", auth.RoleOrganizationRecruiter)
	pair := api.signIn("rec@acme.test")

	api.clock.Advance(16 * time.Minute)

	resp := api.get("/v1/auth/me", bearerHeader(pair.AccessToken))
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body["code"] != codeTokenExpired {
		t.Fatalf("expected token_expired, got %v", body)
	}
	if resp.Header.Get("Token-Expired") != "true" {
		t.Fatal("expected Token-Expired header")
	}

	resp = api.post("/v1/auth/refresh", map[string]any{"refresh_token": pair.RefreshToken}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh after access expiry should succeed, got %d", resp.StatusCode)
	}
}

func TestOrganizationAccessPolicy(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("rec@acme.test", "org-acme", auth.RoleOrganizationRecruiter)
	api.seedUser("ops@xpertsphere.test", "", auth.RolePlatformAdmin)
	rec := api.signIn("rec@acme.test")
	ops := api.signIn("ops@xpertsphere.test")

	resp := api.get("/v1/organizations/org-acme", bearerHeader(rec.AccessToken))
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusOK || body["member"] != true || body["code"] != "ACME" {
		t.Fatalf("own organization: %d %v", resp.StatusCode, body)
	}

	resp = api.get("/v1/organizations/org-globex", bearerHeader(rec.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign organization, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/organizations/org-globex", bearerHeader(ops.AccessToken))
	body = decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusOK || body["platform_access"] != true {
		t.Fatalf("platform user: %d %v", resp.StatusCode, body)
	}
}

func TestSelfOrOrganizationDataPolicy(t *testing.T) {
	api := newTestAPI(t)
	cand := api.seedUser("cand@mail.test", "", auth.RoleCandidate)
	other := api.seedUser("other@mail.test", "", auth.RoleCandidate)
	api.seedUser("mgr@acme.test", "org-acme", auth.RoleOrganizationManager)
	candPair := api.signIn("cand@mail.test")
	mgrPair := api.signIn("mgr@acme.test")

	resp := api.get("/v1/users/"+cand.ID+"/profile", bearerHeader(candPair.AccessToken))
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusOK || body["self"] != true {
		t.Fatalf("own profile: %d %v", resp.StatusCode, body)
	}

	resp = api.get("/v1/users/"+other.ID+"/profile", bearerHeader(candPair.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for another candidate's profile, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); got != `Bearer error="insufficient_scope"` {
		t.Fatalf("unexpected WWW-Authenticate: %q", got)
	}

	resp = api.get("/v1/users/"+other.ID+"/profile", bearerHeader(mgrPair.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("organization user should pass, got %d", resp.StatusCode)
	}
}

func TestRoleLatticeOnRoutes(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("root@xpertsphere.test", "", auth.RolePlatformSuperAdmin)
	api.seedUser("rec@acme.test", "org-acme", auth.RoleOrganizationRecruiter)
	api.seedUser("cand@mail.test", "", auth.RoleCandidate)
	root := api.signIn("root@xpertsphere.test")
	rec := api.signIn("rec@acme.test")
	cand := api.signIn("cand@mail.test")

	resp := api.get("/v1/admin/roles", bearerHeader(root.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("super admin should reach the role catalog, got %d", resp.StatusCode)
	}
	catalog := decode[struct {
		Roles []roleView `json:"roles"`
	}](t, resp)
	if len(catalog.Roles) != len(auth.DefaultCatalog.Roles()) {
		t.Fatalf("unexpected catalog size: %d", len(catalog.Roles))
	}

	resp = api.get("/v1/admin/roles", bearerHeader(rec.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("recruiter must not reach the role catalog, got %d", resp.StatusCode)
	}

	// Recruiter implies technical evaluator.
	resp = api.get("/v1/jobs/job-1/evaluations", bearerHeader(rec.AccessToken))
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusOK || body["job_id"] != "job-1" {
		t.Fatalf("recruiter evaluations: %d %v", resp.StatusCode, body)
	}

	resp = api.get("/v1/jobs/job-1/evaluations", bearerHeader(cand.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("candidate must not evaluate, got %d", resp.StatusCode)
	}
}
