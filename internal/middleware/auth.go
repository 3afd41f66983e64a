package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey int

const ctxKeyAdmin ctxKey = iota

// RoleAdmin is the role claim required on admin tokens.
const RoleAdmin = "admin"

// APIKeyHeader carries the service API key for payment endpoints.
const APIKeyHeader = "X-API-Key"

// APIKey rejects requests whose X-API-Key (or Bearer token) does not match
// one of keys. With no keys configured every request is allowed.
func APIKey(keys []string) func(http.Handler) http.Handler {
	accepted := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			accepted = append(accepted, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(accepted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(APIKeyHeader)
			if presented == "" {
				presented = bearerToken(r)
			}
			if presented == "" {
				writeError(w, http.StatusUnauthorized, "authentication_error", "missing API key")
				return
			}
			for _, k := range accepted {
				if subtle.ConstantTimeCompare([]byte(presented), k) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
		})
	}
}

// AdminClaims is the identity carried by an admin token.
type AdminClaims struct {
	AdminID string
	Role    string
}

// AdminFromContext returns the admin authenticated by AdminJWT.
func AdminFromContext(ctx context.Context) (AdminClaims, bool) {
	c, ok := ctx.Value(ctxKeyAdmin).(AdminClaims)
	return c, ok
}

// ContextWithAdmin stores claims the way AdminJWT does.
func ContextWithAdmin(ctx context.Context, c AdminClaims) context.Context {
	return context.WithValue(ctx, ctxKeyAdmin, c)
}

// AdminJWT requires an HS256 bearer token with role=admin signed with secret.
func AdminJWT(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "authentication_error", "missing bearer token")
				return
			}
			claims, err := ParseAdminToken(secret, raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "authentication_error", "invalid token")
				return
			}
			if claims.Role != RoleAdmin {
				writeError(w, http.StatusForbidden, "authorization_error", "admin role required")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithAdmin(r.Context(), claims)))
		})
	}
}

// IssueAdminToken signs a token for adminID valid for ttl.
func IssueAdminToken(secret []byte, adminID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  adminID,
		"role": RoleAdmin,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseAdminToken validates raw and extracts its claims.
func ParseAdminToken(secret []byte, raw string) (AdminClaims, error) {
	if len(secret) == 0 {
		return AdminClaims{}, errors.New("jwt secret is empty")
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return AdminClaims{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return AdminClaims{}, errors.New("invalid token claims")
	}
	sub, _ := claims.GetSubject()
	role, _ := claims["role"].(string)
	if sub == "" {
		return AdminClaims{}, errors.New("token has no subject")
	}
	return AdminClaims{AdminID: sub, Role: role}, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
