package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/utafrali/storecart/pkg/httputil"
)

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserID stores the authenticated user ID in ctx.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext returns the authenticated user ID, or "" for guests.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// TokenValidator validates a bearer token and returns the user it identifies.
type TokenValidator func(token string) (userID string, err error)

var errNoSubject = errors.New("token has no user_id or sub claim")

// HMACValidator validates HS256/384/512 tokens signed with secret and reads
// the user from the user_id claim, falling back to sub.
func HMACValidator(secret []byte) TokenValidator {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	return func(raw string) (string, error) {
		claims := jwt.MapClaims{}
		_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil {
			return "", fmt.Errorf("parse token: %w", err)
		}

		if id, _ := claims["user_id"].(string); id != "" {
			return id, nil
		}
		if sub, _ := claims.GetSubject(); sub != "" {
			return sub, nil
		}
		return "", errNoSubject
	}
}

// OptionalAuth authenticates requests that carry a bearer token and lets
// anonymous requests through as guests. A token that is present but invalid
// is rejected with 401.
func OptionalAuth(validate TokenValidator, l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
				writeUnauthorized(w, "invalid authorization header format")
				return
			}

			userID, err := validate(token)
			if err != nil {
				l.WarnContext(r.Context(), "rejected bearer token",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	httputil.WriteJSON(w, http.StatusUnauthorized, httputil.Response{
		Error: &httputil.ErrorResponse{Code: "UNAUTHORIZED", Message: message},
	})
}
