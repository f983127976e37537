package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/tutorflow/internal/identity"
	"github.com/ashureev/tutorflow/internal/tutor"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTurnCommandSendsIdentityAndPrintsReply(t *testing.T) {
	var got tutor.TurnRequest
	var learnerHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tutor/turn", r.URL.Path)
		learnerHeader = r.Header.Get(identity.LearnerHeaderName)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(tutor.TurnResponse{
			TurnID:        "t1",
			DisplayText:   "One half is bigger.",
			ResponderID:   "math",
			RoutingReason: "fast_path",
			Audio:         []byte("abc"),
		})
	}))
	defer srv.Close()

	out, err := run(t, "--server", srv.URL, "--learner", "ada", "--session", "s1",
		"turn", "--lesson", "fractions-1", "--text", "which is bigger?")
	require.NoError(t, err)

	assert.Equal(t, "ada", learnerHeader)
	assert.Equal(t, "fractions-1", got.LessonID)
	assert.Equal(t, "which is bigger?", got.Text)
	assert.Contains(t, out, "One half is bigger.")
	assert.Contains(t, out, "3 bytes")
}

func TestCommandSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden"}`))
	}))
	defer srv.Close()

	_, err := run(t, "--server", srv.URL, "profile", "bob")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "forbidden", apiErr.Message)
}

func TestCacheInvalidateCommand(t *testing.T) {
	var method, path, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path, auth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"status":"invalidated"}`))
	}))
	defer srv.Close()

	out, err := run(t, "--server", srv.URL, "--admin-token", "s3cret", "cache", "invalidate")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "Bearer s3cret", auth)
	assert.Equal(t, "/api/admin/cache/invalidate", path)
	assert.Contains(t, out, "caches invalidated")
}
