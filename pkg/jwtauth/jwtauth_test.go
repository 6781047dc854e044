package jwtauth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/promokit/pkg/jwtauth"
)

const secret = "test-secret-with-enough-entropy-0123456789"

func newVerifier(t *testing.T, cfg jwtauth.Config) *jwtauth.Verifier {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = secret
	}
	v, err := jwtauth.New(cfg)
	require.NoError(t, err)
	return v
}

func TestVerify(t *testing.T) {
	t.Parallel()
	v := newVerifier(t, jwtauth.Config{Issuer: "accounts", Audience: "promokit"})

	token, err := v.Issue("profile-1", time.Minute)
	require.NoError(t, err)
	sub, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "profile-1", sub)

	expired, err := v.Issue("profile-1", -time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	require.ErrorIs(t, err, jwtauth.ErrExpiredToken)

	other := newVerifier(t, jwtauth.Config{Secret: "another-secret-another-secret-0000", Issuer: "accounts", Audience: "promokit"})
	forged, err := other.Issue("profile-1", time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(forged)
	require.ErrorIs(t, err, jwtauth.ErrInvalidToken)

	wrongIssuer, err := newVerifier(t, jwtauth.Config{Issuer: "elsewhere", Audience: "promokit"}).Issue("profile-1", time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(wrongIssuer)
	require.ErrorIs(t, err, jwtauth.ErrInvalidToken)

	_, err = v.Verify("not-a-token")
	require.ErrorIs(t, err, jwtauth.ErrInvalidToken)
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	t.Parallel()
	v := newVerifier(t, jwtauth.Config{})

	claims := jwt.RegisteredClaims{Subject: "p1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = v.Verify(token)
	require.ErrorIs(t, err, jwtauth.ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(none)
	require.ErrorIs(t, err, jwtauth.ErrInvalidToken)
}

func TestVerifyRequiresSubjectAndExpiry(t *testing.T) {
	t.Parallel()
	v := newVerifier(t, jwtauth.Config{})

	noSub, err := v.Issue("", time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(noSub)
	require.ErrorIs(t, err, jwtauth.ErrMissingSubject)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "p1"}).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = v.Verify(noExp)
	require.ErrorIs(t, err, jwtauth.ErrInvalidToken)
}

func TestNewRequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := jwtauth.New(jwtauth.Config{})
	require.ErrorIs(t, err, jwtauth.ErrMissingSecret)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	v := newVerifier(t, jwtauth.Config{})

	var seen string
	h := jwtauth.Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = jwtauth.ProfileID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	token, err := v.Issue("profile-7", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/subscription", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "profile-7", seen)

	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/subscription", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
}

func TestMiddlewareCustomErrorHandler(t *testing.T) {
	t.Parallel()
	v := newVerifier(t, jwtauth.Config{})

	h := jwtauth.MiddlewareWithConfig(jwtauth.MiddlewareConfig{
		Verifier: v,
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			assert.ErrorIs(t, err, jwtauth.ErrInvalidToken)
			w.WriteHeader(http.StatusTeapot)
		},
	})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestProfileIDContext(t *testing.T) {
	t.Parallel()

	_, ok := jwtauth.ProfileID(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
	id, ok := jwtauth.ProfileID(jwtauth.WithProfileID(t.Context(), "p1"))
	assert.True(t, ok)
	assert.Equal(t, "p1", id)
}
