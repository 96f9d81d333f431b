/**
 * @description
 * Authentication middleware for the lifecycle service: a shared secret for
 * server-to-server calls and HS256 JWTs for the admin ledger routes.
 */
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// AdminSubjectContextKey is the key used to store the admin's subject claim in the request context.
const AdminSubjectContextKey = contextKey("adminSubject")

// InternalAuthMiddleware accepts the shared secret in X-Internal-API-Key or as a
// bearer token. An empty secret lets requests through only in development.
func InternalAuthMiddleware(secret string, development bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				if development {
					next.ServeHTTP(w, r)
					return
				}
				respondWithError(w, http.StatusUnauthorized, "internal api secret is not configured")
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" {
				provided = bearerToken(r)
			}
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				respondWithError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AdminAuthMiddleware validates an HS256 token signed with secret whose role claim is admin.
func AdminAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				respondWithError(w, http.StatusUnauthorized, "admin access is disabled")
				return
			}

			tokenString := bearerToken(r)
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				respondWithError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				respondWithError(w, http.StatusUnauthorized, "Invalid token claims")
				return
			}
			if role, _ := claims["role"].(string); role != "admin" {
				respondWithError(w, http.StatusForbidden, "admin role required")
				return
			}

			subject, _ := claims.GetSubject()
			ctx := context.WithValue(r.Context(), AdminSubjectContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminFromContext returns the admin subject set by AdminAuthMiddleware.
func AdminFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(AdminSubjectContextKey).(string)
	return subject, ok
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return ""
	}
	return strings.TrimSpace(token)
}
