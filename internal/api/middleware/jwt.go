package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

// adminSubjectKey is the context key for the authenticated admin subject.
const adminSubjectKey contextKey = "admin_subject"

// adminTokenTTL is the lifetime of an admin JWT. The touch UI holds the
// token in memory only, so a short lifetime costs nothing.
const adminTokenTTL = 12 * time.Hour

// AdminClaims holds the JWT claims for admin API access.
type AdminClaims struct {
	jwt.RegisteredClaims
}

// GenerateAdminToken creates a signed JWT after a successful admin login.
func GenerateAdminToken(secret []byte) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(adminTokenTTL)

	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "redphoned",
			Subject:   "admin",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// RequireAdmin returns middleware that validates JWT bearer tokens on admin
// endpoints. The secret is fetched per request so a settings reload that
// rotates it takes effect without a restart.
func RequireAdmin(secret func() []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeMWError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeMWError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &AdminClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret(), nil
			})
			if err != nil || !token.Valid {
				logger.Debug("admin auth: invalid jwt", "error", err)
				writeMWError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), adminSubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminSubjectFromContext retrieves the authenticated admin subject from the
// request context. Returns "" for unauthenticated requests.
func AdminSubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(adminSubjectKey).(string)
	return sub
}

// mwEnvelope matches the api package's envelope format for error responses.
// Defined here to avoid importing the api package back.
type mwEnvelope struct {
	Error string `json:"error,omitempty"`
}

func writeMWError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(mwEnvelope{Error: msg}) //nolint:errcheck
}
