package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-at-least-32-chars"

func TestRequireAuth(t *testing.T) {
	accountID := uuid.New()
	valid, _, err := NewToken(testSecret, accountID, time.Hour, time.Now())
	require.NoError(t, err)
	expired, _, err := NewToken(testSecret, accountID, time.Hour, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	foreign, _, err := NewToken("another-secret-that-is-32-chars-long", accountID, time.Hour, time.Now())
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, ""},
		{"missing header", "", http.StatusUnauthorized, "auth_required"},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized, "auth_invalid_scheme"},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, "auth_invalid"},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized, "auth_invalid"},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized, "auth_invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen uuid.UUID
			handler := RequireAuth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = GetAccountID(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCode != "" {
				assert.Contains(t, w.Body.String(), tt.wantCode)
				return
			}
			assert.Equal(t, accountID, seen)
		})
	}
}

func TestRequireAuth_RejectsNonUUIDSubject(t *testing.T) {
	claims := &Claims{
		AccountID:        "not-a-uuid",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	handler := RequireAuth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNewToken_Expiry(t *testing.T) {
	now := time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC)
	_, expiresAt, err := NewToken(testSecret, uuid.New(), 24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour), expiresAt)
}

func TestGetAccountID_Missing(t *testing.T) {
	_, ok := GetAccountID(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}
