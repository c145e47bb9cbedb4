package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *TokenManager {
	return NewTokenManager(Config{Secret: "test-secret", Issuer: "test-issuer", TTL: 15 * time.Minute})
}

func TestTokenManager_IssueAndValidate(t *testing.T) {
	m := newTestManager()

	token, err := m.Issue("owner-1", "test@example.com", "Test User")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", claims.Subject)
	assert.Equal(t, "test@example.com", claims.Email)
	assert.Equal(t, "Test User", claims.Name)
	assert.Equal(t, "test-issuer", claims.Issuer)
}

func TestTokenManager_Validate_Rejects(t *testing.T) {
	m := newTestManager()
	good, err := m.Issue("owner-1", "", "")
	require.NoError(t, err)

	otherSecret, err := NewTokenManager(Config{Secret: "other", Issuer: "test-issuer", TTL: time.Minute}).Issue("owner-1", "", "")
	require.NoError(t, err)

	otherIssuer, err := NewTokenManager(Config{Secret: "test-secret", Issuer: "someone-else", TTL: time.Minute}).Issue("owner-1", "", "")
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject: "owner-1",
		Issuer:  "test-issuer",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"tampered", good + "x"},
		{"wrong secret", otherSecret},
		{"wrong issuer", otherIssuer},
		{"alg none", none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Validate(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestTokenManager_Validate_Expired(t *testing.T) {
	m := newTestManager()
	issuedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return issuedAt }

	token, err := m.Issue("owner-1", "", "")
	require.NoError(t, err)

	m.now = func() time.Time { return issuedAt.Add(time.Hour) }
	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenManager_Issue_RequiresOwner(t *testing.T) {
	_, err := newTestManager().Issue("", "a@b.c", "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	m := newTestManager()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	valid, err := m.Issue("owner-1", "", "")
	require.NoError(t, err)

	var seen string
	h := Middleware(m, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OwnerID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantOwner  string
	}{
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", wantStatus: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer " + valid, wantStatus: http.StatusNoContent, wantOwner: "owner-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOwner, seen)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}
