package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"xpertsphere.io/internal/auth"
	"xpertsphere.io/internal/identity"
	"xpertsphere.io/internal/store/memory"
)

const (
	testSigningKey = "0123456789abcdef0123456789abcdef"
	testPassword   = "correct-horse-battery"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *memory.Store
	clock   *testClock
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store := memory.New(auth.DefaultCatalog)
	tokens, err := auth.NewTokenService(store,
		auth.WithSigningKey(testSigningKey),
		auth.WithIssuer("xpertsphere"),
		auth.WithAudience("xpertsphere-api"),
		auth.WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	prov := auth.NewProvisioner(store, auth.WithProvisionerClock(clock.Now))
	enricher := auth.NewEnricher(store, prov, auth.WithEnricherClock(clock.Now))

	api := New(ReadyProbe{}, "test", Deps{
		Tokens:      tokens,
		Provisioner: prov,
		Pipeline:    identity.NewPipeline(tokens, nil, enricher),
		Catalog:     auth.DefaultCatalog,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	store.PutOrganization(auth.Organization{ID: "org-acme", Name: "Acme", Code: "ACME", IsActive: true})
	store.PutOrganization(auth.Organization{ID: "org-globex", Name: "Globex", Code: "GLOBEX", IsActive: true})

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		clock:   clock,
		t:       t,
	}
}

// seedUser stores an active user with a password and the given roles.
func (c *apiClient) seedUser(email, orgID string, roles ...string) *auth.User {
	c.t.Helper()
	ctx := context.Background()
	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		c.t.Fatalf("hash: %v", err)
	}
	u := &auth.User{
		ID:             "user-" + email,
		Email:          email,
		FirstName:      "Test",
		LastName:       "User",
		OrganizationID: orgID,
		PasswordHash:   hash,
		IsActive:       true,
	}
	if err := c.store.Users(ctx).Create(ctx, u); err != nil {
		c.t.Fatalf("create user: %v", err)
	}
	for _, name := range roles {
		role, err := c.store.Roles(ctx).FindByName(ctx, name)
		if err != nil {
			c.t.Fatalf("find role %s: %v", name, err)
		}
		if err := c.store.Roles(ctx).Assign(ctx, auth.UserRole{UserID: u.ID, RoleID: role.ID, IsActive: true}); err != nil {
			c.t.Fatalf("assign %s: %v", name, err)
		}
	}
	return u
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil, headers)
}

func (c *apiClient) signIn(email string) tokenResponse {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{"email": email, "password": testPassword}, nil)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.AccessToken == "" || payload.RefreshToken == "" {
		c.t.Fatalf("empty token pair issued: %+v", payload)
	}
	return payload
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}
