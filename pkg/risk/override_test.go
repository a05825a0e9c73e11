package risk

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-sre/crucible/pkg/evidence"
)

func mintOverride(t *testing.T, priv ed25519.PrivateKey, env string, apps []string, exp time.Time) string {
	t.Helper()
	token, err := SignOverride(priv, OverrideClaims{
		Environment:  env,
		Applications: apps,
		Reason:       "emergency fix",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "release-captain",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	require.NoError(t, err)
	return token
}

func TestOverrideDowngradesBlock(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	e := NewEngine(DefaultWeights(), NewRegistry(), evidence.NewMemoryLedger(),
		NewOverrideVerifier(pub), nil)

	token := mintOverride(t, priv, "production", []string{"finance-trading"},
		tradingHours.Add(time.Hour))

	a, err := e.Assess(context.Background(), Input{
		Environment:  EnvProduction,
		Applications: []string{"finance-trading"},
		Now:          tradingHours,
		Override:     token,
	})
	require.NoError(t, err)
	assert.Equal(t, LevelCritical, a.Level)
	assert.Equal(t, DecisionRequireApproval, a.Decision)
	assert.Equal(t, "release-captain", a.OverrideSubject)
}

func TestExpiredOverrideIgnored(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	e := NewEngine(DefaultWeights(), NewRegistry(), evidence.NewMemoryLedger(),
		NewOverrideVerifier(pub), nil)

	token := mintOverride(t, priv, "production", []string{"finance-trading"},
		tradingHours.Add(-time.Hour))

	a, err := e.Assess(context.Background(), Input{
		Environment:  EnvProduction,
		Applications: []string{"finance-trading"},
		Now:          tradingHours,
		Override:     token,
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, a.Decision)
	assert.Empty(t, a.OverrideSubject)
}

func TestOverrideMustCoverApplication(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v := NewOverrideVerifier(pub)

	token := mintOverride(t, priv, "production", []string{"pharma-manufacturing"},
		tradingHours.Add(time.Hour))

	_, err = v.Verify(token, "production", []string{"finance-trading"}, tradingHours)
	assert.ErrorIs(t, err, ErrBadOverride)
}

func TestOverrideWrongKeyRejected(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v := NewOverrideVerifier(pub)

	token := mintOverride(t, otherPriv, "production", []string{"finance-trading"},
		tradingHours.Add(time.Hour))

	_, err = v.Verify(token, "production", []string{"finance-trading"}, tradingHours)
	assert.ErrorIs(t, err, ErrBadOverride)
}
