package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"familycore/internal/auth"
)

func TestSignThenVerifyRoundTrip(t *testing.T) {
	v := auth.NewJWTVerifier("test-secret")
	token, err := v.Sign(auth.Claims{UserID: "u1", FamilyIDs: []string{"f1", "f2"}}, time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, []string{"f1", "f2"}, claims.FamilyIDs)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := auth.NewJWTVerifier("test-secret")
	token, err := v.Sign(auth.Claims{UserID: "u1"}, -time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer := auth.NewJWTVerifier("secret-a")
	token, err := signer.Sign(auth.Claims{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	verifier := auth.NewJWTVerifier("secret-b")
	_, err = verifier.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v := auth.NewJWTVerifier("test-secret")
	_, err := v.Verify("not-a-jwt")
	require.Error(t, err)
}

func TestExtractBearerFromAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	require.Equal(t, "abc123", auth.ExtractBearer(r))
}

func TestExtractBearerFromQueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=xyz789", nil)
	require.Equal(t, "xyz789", auth.ExtractBearer(r))
}

func TestExtractBearerEmptyWhenAbsent(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	require.Equal(t, "", auth.ExtractBearer(r))
}
