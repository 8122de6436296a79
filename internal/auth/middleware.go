// Package auth guards the local HTTP surface with HTTP Basic
// authentication against bcrypt password hashes.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// UserCredentials maps usernames to bcrypt password hashes.
type UserCredentials map[string]string

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// HashPassword returns the bcrypt hash stored in AUTH_USERS.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	return string(hash), nil
}

// dummyHash is compared against when the username is unknown so that
// unknown and known users take the same time to reject.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("chat-sync-dummy"), bcrypt.DefaultCost)
	return h
})

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// verify reports whether password matches the stored hash for username.
func (u UserCredentials) verify(username, password string) bool {
	hash, ok := u[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Middleware returns HTTP middleware that requires Basic credentials
// matching users. Repeated failures from one IP are rate limited.
func Middleware(users UserCredentials, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := newLoginRateLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			if limiter.check(ip) {
				logger.Warn("auth rate limited", slog.String("ip", ip))
				http.Error(w, "too many failed login attempts, try again later", http.StatusTooManyRequests)

				return
			}

			username, password, ok := r.BasicAuth()
			if !ok {
				logger.Debug("middleware: no basic credentials",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Basic realm="chat-sync", charset="UTF-8"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if !users.verify(username, password) {
				logger.Warn("login failed",
					slog.String("username", username),
					slog.String("ip", ip),
				)
				limiter.record(ip)
				w.Header().Set("WWW-Authenticate", `Basic realm="chat-sync", charset="UTF-8"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated",
				slog.String("user_id", username),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, username)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
