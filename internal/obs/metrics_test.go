package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRouteLabel(t *testing.T) {
	mux := http.NewServeMux()
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	mux.HandleFunc("GET /metrics", ok)
	mux.HandleFunc("GET /v1/organizations/{organizationId}", ok)
	mux.HandleFunc("GET /v1/jobs/{id}/evaluations", ok)
	mux.HandleFunc("POST /v1/auth/token", ok)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })

	cases := []struct {
		method, path, want string
	}{
		{http.MethodGet, "/metrics", "/metrics"},
		{http.MethodGet, "/v1/organizations/01HX", "/v1/organizations/{organizationId}"},
		{http.MethodGet, "/v1/jobs/42/evaluations?limit=5", "/v1/jobs/{id}/evaluations"},
		{http.MethodPost, "/v1/auth/token", "/v1/auth/token"},
		{http.MethodGet, "/wp-admin/setup.php", "other"},
		{http.MethodGet, "/v1/organizations/01HX/secret-" + strings.Repeat("x", 8), "other"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		mux.ServeHTTP(httptest.NewRecorder(), req)
		if got := RouteLabel(req); got != tc.want {
			t.Fatalf("RouteLabel(%s %s)=%q, want %q", tc.method, tc.path, got, tc.want)
		}
	}

	if got := RouteLabel(httptest.NewRequest(http.MethodGet, "/unrouted", nil)); got != "other" {
		t.Fatalf("request outside a mux should be labeled other, got %q", got)
	}
}

func TestLoggerWritesJSONWithTimestampKey(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()

	Logger().Info("hello", "subject", "u1")

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "subject"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in %v", key, entry)
		}
	}
}
