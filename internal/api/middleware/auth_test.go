package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func mintToken(t *testing.T, secret, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func captureHandler() (http.Handler, *uuid.UUID) {
	var seen uuid.UUID
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return h, &seen
}

func TestRequireAuthBearerHeader(t *testing.T) {
	auth := NewAuthMiddleware(testSecret)
	userID := uuid.New()

	next, seen := captureHandler()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/chats", nil)
	r.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, userID.String()))

	auth.RequireAuth(next).ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, userID, *seen)
}

func TestRequireAuthQueryParamFallback(t *testing.T) {
	auth := NewAuthMiddleware(testSecret)
	userID := uuid.New()

	next, seen := captureHandler()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/chats/x/stream?token="+mintToken(t, testSecret, userID.String()), nil)

	auth.RequireAuth(next).ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, userID, *seen)
}

func TestRequireAuthMissingToken(t *testing.T) {
	auth := NewAuthMiddleware(testSecret)

	next, _ := captureHandler()
	w := httptest.NewRecorder()
	auth.RequireAuth(next).ServeHTTP(w, httptest.NewRequest("GET", "/chats", nil))

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuthWrongSecret(t *testing.T) {
	auth := NewAuthMiddleware(testSecret)

	next, _ := captureHandler()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/chats", nil)
	r.Header.Set("Authorization", "Bearer "+mintToken(t, "other-secret", uuid.New().String()))

	auth.RequireAuth(next).ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuthNonUUIDSubject(t *testing.T) {
	auth := NewAuthMiddleware(testSecret)

	next, _ := captureHandler()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/chats", nil)
	r.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, "not-a-uuid"))

	auth.RequireAuth(next).ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetUserIDWithoutAuth(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	require.Equal(t, uuid.Nil, GetUserID(r.Context()))
}
