// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers header and query token extraction, rejection before the handler runs

package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveWithAuth(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, *AuthContext, bool) {
	t.Helper()
	middleware := HTTPAuthMiddleware(NewTokenProvider(newTestVerifier(t)))

	var gotAuth *AuthContext
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		gotAuth = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	middleware(handler).ServeHTTP(rec, req)
	return rec, gotAuth, called
}

func TestHTTPAuthMiddleware_HeaderToken(t *testing.T) {
	token, err := newTestVerifier(t).Generate("alice", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/messages", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec, authCtx, called := serveWithAuth(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, called)
	require.NotNil(t, authCtx)
	assert.Equal(t, "alice", authCtx.UserID)
	assert.Equal(t, SourceHeader, authCtx.Source)
}

func TestHTTPAuthMiddleware_QueryToken(t *testing.T) {
	token, err := newTestVerifier(t).Generate("bob", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws?user=alice&access_token="+token, nil)

	rec, authCtx, _ := serveWithAuth(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, authCtx)
	assert.Equal(t, "bob", authCtx.UserID)
	assert.Equal(t, SourceQuery, authCtx.Source)
}

func TestHTTPAuthMiddleware_Rejects(t *testing.T) {
	v := newTestVerifier(t)
	expired, _ := v.Generate("alice", -time.Hour)
	pipe, _ := v.Generate("a|b", time.Hour)

	tests := []struct {
		name    string
		header  string
		query   string
		wantMsg string
	}{
		{name: "no credentials", wantMsg: "missing credentials"},
		{name: "basic auth", header: "Basic abc", wantMsg: "invalid token"},
		{name: "garbage bearer", header: "Bearer nope", wantMsg: "invalid token"},
		{name: "expired", header: "Bearer " + expired, wantMsg: "token expired"},
		{name: "bad query token", query: "?access_token=nope", wantMsg: "invalid token"},
		{name: "unusable subject", header: "Bearer " + pipe, wantMsg: "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/messages"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec, _, called := serveWithAuth(t, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.False(t, called, "handler must not run")
			assert.True(t, strings.Contains(rec.Body.String(), tt.wantMsg), "body = %s", rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}
