package gate

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/crucible-sre/crucible/pkg/baseline"
	"github.com/crucible-sre/crucible/pkg/risk"
)

// CheckSummary is the per-check line in the final report.
type CheckSummary struct {
	CheckID string  `json:"check_id"`
	Status  string  `json:"status"`
	Score   float64 `json:"score"`
	Batches int     `json:"batches"`
}

// Report is the archival summary of one deployment session, signed so the
// excluded dashboard layer can trust it without the ledger.
type Report struct {
	SessionID    string             `json:"session_id"`
	Environment  string             `json:"environment"`
	Applications []string           `json:"applications"`
	Version      string             `json:"version"`
	State        State              `json:"state"`
	Outcome      Outcome            `json:"outcome"`
	Risk         *risk.Assessment   `json:"risk_assessment,omitempty"`
	Checks       []CheckSummary     `json:"check_results"`
	Findings     []baseline.Finding `json:"regression_findings"`
	BlockReason  string             `json:"block_reason,omitempty"`
	FailReason   string             `json:"fail_reason,omitempty"`
	RollbackCite string             `json:"rollback_cite,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	EndedAt      time.Time          `json:"ended_at"`
	ChainHead    string             `json:"chain_head"`
	SignerKeyID  string             `json:"signer_key_id,omitempty"`
	PublicKey    string             `json:"public_key,omitempty"`
	Signature    string             `json:"signature,omitempty"`
}

// ReportSigner signs reports with an Ed25519 key.
type ReportSigner struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewReportSigner generates an ephemeral signing key.
func NewReportSigner(keyID string) (*ReportSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate report key: %w", err)
	}
	return &ReportSigner{priv: priv, pub: pub, keyID: keyID}, nil
}

// NewReportSignerFromKey wraps a persistent key.
func NewReportSignerFromKey(priv ed25519.PrivateKey, keyID string) *ReportSigner {
	return &ReportSigner{priv: priv, pub: priv.Public().(ed25519.PublicKey), keyID: keyID}
}

// Sign fills the report's signature fields over its canonical JSON form.
func (s *ReportSigner) Sign(r *Report) error {
	r.SignerKeyID = s.keyID
	r.PublicKey = hex.EncodeToString(s.pub)
	r.Signature = ""
	canonical, err := canonicalReport(r)
	if err != nil {
		return err
	}
	r.Signature = hex.EncodeToString(ed25519.Sign(s.priv, canonical))
	return nil
}

// VerifyReport checks a report's signature against its embedded public key.
func VerifyReport(r *Report) (bool, error) {
	pub, err := hex.DecodeString(r.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid report public key")
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid report signature encoding")
	}
	unsigned := *r
	unsigned.Signature = ""
	canonical, err := canonicalReport(&unsigned)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), canonical, sig), nil
}

func canonicalReport(r *Report) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize report: %w", err)
	}
	return canonical, nil
}
