package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

var testSecret = []byte("test-secret")

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{Secret: testSecret})
	require.NoError(t, err)
	return v
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier(Config{})
	assert.Error(t, err)
}

func TestVerify_RoundTrip(t *testing.T) {
	v := newTestVerifier(t)

	token, err := Sign(testSecret, quota.Identity{UserID: "alice"}, time.Hour)
	require.NoError(t, err)
	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, quota.Identity{UserID: "alice"}, id)

	token, err = Sign(testSecret, quota.Identity{UserID: "root", IsAdmin: true}, time.Hour)
	require.NoError(t, err)
	id, err = v.Verify(token)
	require.NoError(t, err)
	assert.True(t, id.IsAdmin)
}

func TestVerify_Rejects(t *testing.T) {
	v := newTestVerifier(t)

	expired, err := Sign(testSecret, quota.Identity{UserID: "alice"}, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := Sign([]byte("other"), quota.Identity{UserID: "alice"}, time.Hour)
	require.NoError(t, err)
	noSubject, err := Sign(testSecret, quota.Identity{}, time.Hour)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	}).SignedString(testSecret)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"expired":    expired,
		"wrong key":  wrongKey,
		"no subject": noSubject,
		"no expiry":  noExpiry,
		"garbage":    "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerify_TopLevelRoleDoesNotGrantAdmin(t *testing.T) {
	v := newTestVerifier(t)

	// only app_metadata.role counts; a user-editable claim must not
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":           "mallory",
		"exp":           time.Now().Add(time.Hour).Unix(),
		"role":          "admin",
		"user_metadata": map[string]string{"role": "admin"},
	}).SignedString(testSecret)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.False(t, id.IsAdmin)
}

func TestVerify_IssuerAndAudience(t *testing.T) {
	v, err := NewVerifier(Config{Secret: testSecret, Issuer: "https://auth.example", Audience: "authenticated"})
	require.NoError(t, err)

	good, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "https://auth.example",
		Audience:  jwt.ClaimStrings{"authenticated"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString(testSecret)
	require.NoError(t, err)
	_, err = v.Verify(good)
	assert.NoError(t, err)

	plain, err := Sign(testSecret, quota.Identity{UserID: "alice"}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(plain)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", BearerToken(r))

	r.Header.Set("Authorization", "bearer abc.def")
	assert.Equal(t, "abc.def", BearerToken(r))
}

func TestMiddleware(t *testing.T) {
	v := newTestVerifier(t)
	handler := v.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			t.Error("Expected identity in context")
		}
		_, _ = w.Write([]byte(id.UserID))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), ErrMissingToken.Error())

	token, err := Sign(testSecret, quota.Identity{UserID: "alice"}, time.Hour)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())
}
