// Package identity validates the user identity tokens (HS256 JWTs minted by
// the account service) that authenticate trial validation calls.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"trialgate/internal/domain"
	obsmw "trialgate/internal/observability/middleware"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Validator struct {
	secret []byte
	issuer string
}

func NewValidator(secret, issuer string) *Validator {
	return &Validator{secret: []byte(secret), issuer: issuer}
}

// Middleware rejects requests without a valid bearer identity token and puts
// the authenticated user id on the request context.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := obsmw.RequestIDFromContext(r.Context())

		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			slog.Warn("identity missing bearer", "request_id", reqID)
			return
		}
		tokStr := strings.TrimSpace(raw[len("Bearer "):])

		token, err := jwt.Parse(tokStr, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
			}
			return v.secret, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, domain.ErrIdentityTokenInvalid.Error(), http.StatusUnauthorized)
			slog.Warn("identity invalid token", "error", err, "request_id", reqID)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			http.Error(w, domain.ErrIdentityTokenInvalid.Error(), http.StatusUnauthorized)
			return
		}
		if iss, _ := claims["iss"].(string); iss != "" && v.issuer != "" && iss != v.issuer {
			http.Error(w, domain.ErrIdentityTokenInvalid.Error(), http.StatusUnauthorized)
			slog.Warn("identity issuer mismatch", "issuer", iss, "request_id", reqID)
			return
		}
		sub, _ := claims["sub"].(string)
		userID, err := uuid.Parse(sub)
		if err != nil {
			http.Error(w, domain.ErrIdentityTokenInvalid.Error(), http.StatusUnauthorized)
			slog.Warn("identity bad subject", "request_id", reqID)
			return
		}

		next.ServeHTTP(w, r.WithContext(contextWithUserID(r.Context(), userID)))
	})
}

type userIDKey struct{}

func contextWithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey{}, id)
}

// UserIDFrom returns the authenticated user id placed by the middleware.
func UserIDFrom(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(userIDKey{}).(uuid.UUID)
	return v, ok
}
