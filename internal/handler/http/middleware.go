package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/utafrali/storecart/pkg/errors"
	"github.com/utafrali/storecart/pkg/httputil"
	"github.com/utafrali/storecart/pkg/middleware"

	"github.com/utafrali/storecart/internal/service"
)

type contextKey string

const sessionKey contextKey = "cart_session"

// CookieConfig controls the cart cookie issued to browsers.
type CookieConfig struct {
	Name   string
	MaxAge time.Duration
	Secure bool
}

// DefaultCookieConfig returns a 30 day cart_id cookie.
func DefaultCookieConfig() CookieConfig {
	return CookieConfig{Name: "cart_id", MaxAge: 30 * 24 * time.Hour}
}

// Session builds the caller's service.Session. The user comes from the bearer
// token established by OptionalAuth, or from the X-User-ID header injected by
// the API gateway. User ids must be UUIDs. Mount it before RequestLogger so
// logs carry the user.
func Session(cookie CookieConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			uid := middleware.UserIDFromContext(ctx)
			if uid == "" {
				uid = strings.TrimSpace(r.Header.Get("X-User-ID"))
				if uid != "" {
					ctx = middleware.WithUserID(ctx, uid)
				}
			}

			var sess service.Session
			if uid != "" {
				if _, err := uuid.Parse(uid); err != nil {
					httputil.WriteError(w, r, apperrors.InvalidInput("user id must be a valid UUID"), nil)
					return
				}
				sess.UserID = &uid
			}
			if c, err := r.Cookie(cookie.Name); err == nil {
				sess.CartID = c.Value
			}

			ctx = context.WithValue(ctx, sessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sessionFromContext(ctx context.Context) service.Session {
	sess, _ := ctx.Value(sessionKey).(service.Session)
	return sess
}

// ContentTypeJSON enforces that requests with a body have Content-Type: application/json.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > 0 || r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnsupportedMediaType)
				_, _ = w.Write([]byte(`{"error":{"code":"UNSUPPORTED_MEDIA_TYPE","message":"Content-Type must be application/json"}}`))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
