package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/deposit-custody/internal/logging"
	"github.com/golang-jwt/jwt/v5"
)

type userIDKey struct{}

// Authenticator resolves the caller identity from an HS256 bearer token
// whose subject is the user id. Sessions are issued elsewhere.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for tokens signed with secret
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// ResolveCallerIdentity validates the credential and returns its user id
func (a *Authenticator) ResolveCallerIdentity(credential string) (string, error) {
	if len(a.secret) == 0 {
		return "", apperrors.NewAuthError("authentication is not configured")
	}
	if credential == "" {
		return "", apperrors.NewAuthError("missing bearer token")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", apperrors.NewAuthError("invalid or expired token")
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", apperrors.NewAuthError("token has no subject")
	}
	return subject, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's user id in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.ResolveCallerIdentity(bearerToken(r))
		if err != nil {
			respondServiceError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey{}, userID)
		ctx = logging.WithLogger(ctx, logging.FromContext(ctx).WithField("userId", userID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CronSecretMiddleware authorizes operator endpoints with a shared secret.
// An unset secret disables the endpoints.
func CronSecretMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := bearerToken(r)
			if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				respondServiceError(w, r, apperrors.NewAuthError("invalid operator credential"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// userIDFromContext returns the authenticated caller
func userIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey{}).(string)
	return userID
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
