package authz_test

import (
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ledger/internal/authz"
)

type staticCreators map[uint64]string

func (s staticCreators) CreatorOf(occasionID uint64) (string, bool) {
	creator, ok := s[occasionID]
	return creator, ok
}

func TestStoreOracleCreatorPredicate(t *testing.T) {
	oracle := authz.NewStoreOracle(staticCreators{1: "alice"})

	assert.True(t, oracle.IsCreatorOf(1, "alice"))
	assert.False(t, oracle.IsCreatorOf(1, "bob"))
	assert.False(t, oracle.IsCreatorOf(2, "alice"))
}

func TestStoreOracleRoles(t *testing.T) {
	oracle := authz.NewStoreOracle(staticCreators{})

	assert.False(t, oracle.HasRole("bob", "gate-staff"))
	oracle.GrantRole("bob", "gate-staff")
	assert.True(t, oracle.HasRole("bob", "gate-staff"))
	assert.False(t, oracle.HasRole("bob", "admin"))
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestPrincipalFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/tickets", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, jwt.MapClaims{"sub": "bob"}))

	principal, err := authz.PrincipalFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "bob", principal)
}

func TestPrincipalFromRequestRejectsBadHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/tickets", nil)
	_, err := authz.PrincipalFromRequest(req)
	assert.Error(t, err)

	req.Header.Set("Authorization", "Basic abc123")
	_, err = authz.PrincipalFromRequest(req)
	assert.Error(t, err)

	req.Header.Set("Authorization", "Bearer not-a-jwt")
	_, err = authz.PrincipalFromRequest(req)
	assert.Error(t, err)
}

func TestPrincipalFromRequestRequiresSubject(t *testing.T) {
	req := httptest.NewRequest("GET", "/tickets", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, jwt.MapClaims{"aud": "ledger"}))

	_, err := authz.PrincipalFromRequest(req)
	assert.Error(t, err)
}
