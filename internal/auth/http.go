// ABOUTME: HTTP middleware for JWT authentication on API and WebSocket endpoints
// ABOUTME: Reads the token from the Authorization header or the access_token query parameter

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/2389/tandem/internal/store"
)

// ErrNoCredentials means the request carried no token at all.
var ErrNoCredentials = errors.New("missing credentials")

// IdentityProvider resolves the authenticated user for a request.
type IdentityProvider interface {
	Authenticate(r *http.Request) (*AuthContext, error)
}

// TokenProvider authenticates requests with bearer tokens.
type TokenProvider struct {
	verifier TokenVerifier
}

// NewTokenProvider creates an IdentityProvider backed by verifier.
func NewTokenProvider(verifier TokenVerifier) *TokenProvider {
	return &TokenProvider{verifier: verifier}
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Authenticate prefers the Authorization header and falls back to the
// access_token query parameter, which browsers need for WebSocket upgrades.
func (p *TokenProvider) Authenticate(r *http.Request) (*AuthContext, error) {
	source := SourceHeader
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		if r.Header.Get("Authorization") != "" {
			return nil, errors.New(errMsg)
		}
		token = r.URL.Query().Get("access_token")
		source = SourceQuery
	}
	if token == "" {
		return nil, ErrNoCredentials
	}

	userID, err := p.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	if !store.ValidUserID(userID) {
		return nil, errors.New("token subject is not a valid user id")
	}
	return &AuthContext{UserID: userID, Source: source}, nil
}

// HTTPAuthMiddleware rejects unauthenticated requests with 401 and attaches
// the AuthContext to the request context otherwise.
func HTTPAuthMiddleware(provider IdentityProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, err := provider.Authenticate(r)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	msg := "invalid token"
	switch {
	case errors.Is(err, ErrNoCredentials):
		msg = "missing credentials"
	case errors.Is(err, ErrExpiredToken):
		msg = "token expired"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="tandem"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
