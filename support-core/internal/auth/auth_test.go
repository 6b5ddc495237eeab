package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protected(v *Verifier, roles ...string) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ai := FromContext(r.Context())
		_, _ = w.Write([]byte(ai.Subject))
	})
	return v.Middleware(RequireAnyRole(roles...)(inner))
}

func TestIssueAndVerify(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "s3cret", Issuer: "support-core"}, nil)
	require.NoError(t, err)

	tok, err := v.Issue("alice", []string{RoleApprover}, time.Minute)
	require.NoError(t, err)

	ai, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", ai.Subject)
	assert.True(t, ai.HasRole(RoleApprover))
	assert.False(t, ai.HasRole(RoleOperator))
}

func TestVerifyRejects(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "s3cret", Issuer: "support-core"}, nil)
	require.NoError(t, err)

	other, err := NewVerifier(Config{Secret: "different", Issuer: "support-core"}, nil)
	require.NoError(t, err)
	forged, err := other.Issue("mallory", []string{RoleApprover}, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(forged)
	assert.Error(t, err)

	expired, err := v.Issue("alice", nil, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.Error(t, err)

	wrongIssuer, err := NewVerifier(Config{Secret: "s3cret", Issuer: "elsewhere"}, nil)
	require.NoError(t, err)
	tok, err := wrongIssuer.Issue("alice", nil, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(tok)
	assert.Error(t, err)

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice", "iss": "support-core"})
	signed, err := noExp.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = v.Verify(signed)
	assert.Error(t, err)
}

func TestScopeClaimGrantsRoles(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "s3cret"}, nil)
	require.NoError(t, err)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ops-bot",
		"scope": "Operator Executor",
		"exp":   time.Now().Add(time.Minute).Unix(),
	})
	signed, err := tok.SignedString([]byte("s3cret"))
	require.NoError(t, err)

	ai, err := v.Verify(signed)
	require.NoError(t, err)
	assert.True(t, ai.HasRole(RoleExecutor))
}

func TestMiddlewareRoles(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "s3cret"}, nil)
	require.NoError(t, err)
	h := protected(v, RoleApprover)

	approver, err := v.Issue("alice", []string{RoleApprover}, time.Minute)
	require.NoError(t, err)
	operator, err := v.Issue("bob", []string{RoleOperator}, time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"basic scheme", "Basic YWxpY2U6cHc=", http.StatusUnauthorized},
		{"wrong role", "Bearer " + operator, http.StatusForbidden},
		{"approver", "Bearer " + approver, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/proposals/x/approve", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestDebugActor(t *testing.T) {
	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set(HeaderDebugActor, "carol")
		r.Header.Set(HeaderDebugRoles, "Approver, Operator")
		return r
	}

	off, err := NewVerifier(Config{Secret: "s3cret"}, nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	protected(off, RoleApprover).ServeHTTP(rec, req())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	on, err := NewVerifier(Config{AllowDebugActor: true}, nil)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	protected(on, RoleApprover).ServeHTTP(rec, req())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "carol", rec.Body.String())
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier(Config{}, nil)
	assert.Error(t, err)
}
