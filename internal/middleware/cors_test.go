package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	cases := []struct {
		name       string
		origins    []string
		origin     string
		method     string
		wantStatus int
		wantAllow  string
		wantCreds  string
	}{
		{"explicit origin", []string{"https://app.example"}, "https://app.example", http.MethodPost, http.StatusTeapot, "https://app.example", "true"},
		{"wildcard has no credentials", []string{"*"}, "https://other.example", http.MethodGet, http.StatusTeapot, "https://other.example", ""},
		{"rejected origin", []string{"https://app.example"}, "https://evil.example", http.MethodGet, http.StatusTeapot, "", ""},
		{"preflight", []string{"https://app.example"}, "https://app.example", http.MethodOptions, http.StatusNoContent, "https://app.example", "true"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/api/tutor/turn", nil)
		req.Header.Set("Origin", tc.origin)
		w := httptest.NewRecorder()
		CORS(tc.origins)(next).ServeHTTP(w, req)

		if w.Code != tc.wantStatus {
			t.Errorf("%s: status = %d, want %d", tc.name, w.Code, tc.wantStatus)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllow {
			t.Errorf("%s: allow origin = %q, want %q", tc.name, got, tc.wantAllow)
		}
		if got := w.Header().Get("Access-Control-Allow-Credentials"); got != tc.wantCreds {
			t.Errorf("%s: credentials = %q, want %q", tc.name, got, tc.wantCreds)
		}
	}
}

func TestOrigins(t *testing.T) {
	t.Parallel()

	if got := Origins(""); len(got) != 1 || got[0] != "*" {
		t.Errorf("Origins(\"\") = %v", got)
	}
	if got := Origins("https://app.example/"); got[0] != "https://app.example" {
		t.Errorf("Origins trims trailing slash, got %v", got)
	}
}
