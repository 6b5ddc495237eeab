// Package auth authenticates operator API callers from HS256 bearer tokens
// and enforces role checks on routes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Canonical role names.
const (
	RoleOperator = "Operator"
	RoleApprover = "Approver"
	RoleExecutor = "Executor"
	RoleAuditor  = "Auditor"
)

// Debug headers are honoured only when the verifier allows a debug actor.
const (
	HeaderDebugActor = "X-Debug-Actor"
	HeaderDebugRoles = "X-Debug-Roles"
)

type ctxKey string

const ctxKeyAuthInfo ctxKey = "support.authInfo"

// AuthInfo is the authenticated caller.
type AuthInfo struct {
	Subject string
	Issuer  string
	Roles   []string
	Debug   bool
}

func (ai *AuthInfo) HasRole(role string) bool {
	if ai == nil {
		return false
	}
	for _, r := range ai.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func FromContext(ctx context.Context) *AuthInfo {
	ai, _ := ctx.Value(ctxKeyAuthInfo).(*AuthInfo)
	return ai
}

func WithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	return context.WithValue(ctx, ctxKeyAuthInfo, ai)
}

type Config struct {
	Secret          string
	Issuer          string
	AllowDebugActor bool
}

type Verifier struct {
	secret          []byte
	issuer          string
	allowDebugActor bool
	log             *zap.Logger
}

func NewVerifier(cfg Config, log *zap.Logger) (*Verifier, error) {
	if cfg.Secret == "" && !cfg.AllowDebugActor {
		return nil, errors.New("auth: jwt secret required unless debug actor is allowed")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{
		secret:          []byte(cfg.Secret),
		issuer:          cfg.Issuer,
		allowDebugActor: cfg.AllowDebugActor,
		log:             log,
	}, nil
}

type claims struct {
	Roles []string `json:"roles,omitempty"`
	Scope string   `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Verify validates a token and returns the caller it names.
func (v *Verifier) Verify(token string) (*AuthInfo, error) {
	if len(v.secret) == 0 {
		return nil, errors.New("token auth not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token parse error: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if c.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	roles := append([]string(nil), c.Roles...)
	if c.Scope != "" {
		roles = append(roles, strings.Fields(c.Scope)...)
	}
	return &AuthInfo{Subject: c.Subject, Issuer: c.Issuer, Roles: roles}, nil
}

// Issue signs a token for subject with roles. Used by supportctl and tests.
func (v *Verifier) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("token auth not configured")
	}
	now := time.Now()
	c := claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

// Middleware attaches AuthInfo for valid bearer tokens. Requests without
// credentials pass through anonymous; a bad token is rejected outright.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authz := r.Header.Get("Authorization"); authz != "" {
			if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				http.Error(w, "unsupported authorization scheme", http.StatusUnauthorized)
				return
			}
			ai, err := v.Verify(strings.TrimSpace(authz[7:]))
			if err != nil {
				v.log.Info("bearer token rejected", zap.Error(err))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
			return
		}

		if v.allowDebugActor {
			if actor := strings.TrimSpace(r.Header.Get(HeaderDebugActor)); actor != "" {
				ai := &AuthInfo{Subject: actor, Debug: true}
				for _, role := range strings.Split(r.Header.Get(HeaderDebugRoles), ",") {
					if role = strings.TrimSpace(role); role != "" {
						ai.Roles = append(ai.Roles, role)
					}
				}
				v.log.Debug("debug actor", zap.String("subject", actor), zap.Strings("roles", ai.Roles))
				next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAnyRole allows the request when the caller holds one of roles.
// Anonymous callers get 401, authenticated callers without a role get 403.
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai := FromContext(r.Context())
			if ai == nil {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if ai.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}
