package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const UserContextKey contextKey = "user_id"

// AuthMiddleware establishes caller identity from a bearer token. The JWT
// sub claim carries the user's UUID; everything else about the auth protocol
// lives outside this service.
type AuthMiddleware struct {
	secret []byte
}

// NewAuthMiddleware creates an auth middleware with the signing secret.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(secret)}
}

// RequireAuth verifies the bearer token and injects the user id into the
// request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		}

		// EventSource cannot set headers; the stream endpoint passes the
		// token as a query parameter instead.
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			jsonError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return m.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			jsonError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		sub, err := token.Claims.GetSubject()
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid token subject")
			return
		}
		userID, err := uuid.Parse(sub)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid token subject")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetUserID retrieves the authenticated user id from the request context.
// The zero UUID means no identity was established.
func GetUserID(ctx context.Context) uuid.UUID {
	userID, ok := ctx.Value(UserContextKey).(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return userID
}
