package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signTestToken(t *testing.T, machineID string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)},
		MachineID:        machineID,
		OrgID:            "acme",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestBootstrapParsesClaims(t *testing.T) {
	tokenStr := signTestToken(t, "machine-1", time.Now().Add(time.Hour))
	m := NewManager(func(ctx context.Context) (string, error) {
		return tokenStr, nil
	}, time.Minute)

	require.NoError(t, m.Bootstrap(context.Background()))
	defer m.Stop()

	assert.Equal(t, tokenStr, m.Token())
	assert.Equal(t, "machine-1", m.MachineID())
}

func TestParseUnverifiedExtractsClaimsWithoutKey(t *testing.T) {
	tokenStr := signTestToken(t, "machine-2", time.Now().Add(time.Hour))
	claims, err := ParseUnverified(tokenStr)
	require.NoError(t, err)
	assert.Equal(t, "machine-2", claims.MachineID)
}

func TestBootstrapPropagatesRefreshError(t *testing.T) {
	m := NewManager(func(ctx context.Context) (string, error) {
		return "", assertErr
	}, time.Minute)
	err := m.Bootstrap(context.Background())
	assert.Error(t, err)
}

var assertErr = assertError("refresh failed")

type assertError string

func (e assertError) Error() string { return string(e) }
