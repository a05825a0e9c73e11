package gate

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-sre/crucible/pkg/baseline"
	"github.com/crucible-sre/crucible/pkg/risk"
)

func sampleReport() *Report {
	return &Report{
		SessionID:    "7b1d9c42-ff01-4c59-b6a7-02a7a9a5f001",
		Environment:  "staging",
		Applications: []string{"billing-api"},
		Version:      "2.1.0",
		State:        StateSuccess,
		Outcome:      OutcomeSuccess,
		Risk:         &risk.Assessment{TotalScore: 15, Level: risk.LevelLow, Decision: risk.DecisionAllow},
		Checks: []CheckSummary{
			{CheckID: "api-health", Status: "HEALTHY", Score: 100, Batches: 4},
		},
		Findings:  []baseline.Finding{},
		StartedAt: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		EndedAt:   time.Date(2026, 3, 4, 10, 6, 0, 0, time.UTC),
		ChainHead: "sha256:abc123",
	}
}

func TestSignAndVerifyReport(t *testing.T) {
	signer, err := NewReportSigner("ops-key-1")
	require.NoError(t, err)

	r := sampleReport()
	require.NoError(t, signer.Sign(r))

	assert.Equal(t, "ops-key-1", r.SignerKeyID)
	assert.NotEmpty(t, r.PublicKey)
	assert.NotEmpty(t, r.Signature)

	ok, err := VerifyReport(r)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTamperedReportFailsVerification(t *testing.T) {
	signer, err := NewReportSigner("ops-key-1")
	require.NoError(t, err)

	r := sampleReport()
	require.NoError(t, signer.Sign(r))

	r.Outcome = OutcomeRolledBack // forge a different outcome
	ok, err := VerifyReport(r)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	signer, err := NewReportSigner("ops-key-1")
	require.NoError(t, err)
	r := sampleReport()
	require.NoError(t, signer.Sign(r))

	// Swap in another key's public half: the signature no longer matches.
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	r.PublicKey = hex.EncodeToString(pub)

	ok, err := VerifyReport(r)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsMalformedKey(t *testing.T) {
	r := sampleReport()
	r.PublicKey = "zz-not-hex"
	r.Signature = "00"
	_, err := VerifyReport(r)
	require.Error(t, err)
}

func TestPersistentKeySignerRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer := NewReportSignerFromKey(priv, "persistent")
	r := sampleReport()
	require.NoError(t, signer.Sign(r))

	ok, err := VerifyReport(r)
	require.NoError(t, err)
	assert.True(t, ok)
}
