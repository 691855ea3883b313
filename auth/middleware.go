package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type contextKey string

const ClaimsContextKey = contextKey("claims")

var (
	ErrMissingHeader = errors.New("authorization header is required")
	ErrHeaderFormat  = errors.New("authorization header format must be Bearer {token}")
)

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingHeader
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", ErrHeaderFormat
	}
	return parts[1], nil
}

// RequireSession rejects requests whose bearer token does not grant the
// session named by the chi URL parameter param. It passes everything through
// when auth is disabled.
func (i *Issuer) RequireSession(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if i == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := BearerToken(r)
			if err != nil {
				unauthorized(w, r, err.Error())
				return
			}
			claims, err := i.Parse(tokenString)
			if err != nil {
				unauthorized(w, r, "invalid token")
				return
			}
			sessionID := chi.URLParam(r, param)
			if claims.Subject != sessionID {
				logrus.WithFields(logrus.Fields{
					"session_id": sessionID,
					"subject":    claims.Subject,
				}).Warn("Token presented for another session")
				render.Status(r, http.StatusForbidden)
				render.JSON(w, r, map[string]string{"error": ErrWrongSession.Error()})
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	return claims, ok
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, map[string]string{"error": msg})
}
