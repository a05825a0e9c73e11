// Package evidence implements the append-only, hash-chained evidence ledger.
//
// Every gating decision, health-check result, and regression finding is
// persisted as an immutable Record chained to its predecessor by SHA-256
// digest, so an auditor can re-verify the full chain of custody without the
// running system.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

var (
	ErrLedgerWrite    = errors.New("ledger write failed")
	ErrChainBroken    = errors.New("hash chain is broken")
	ErrRecordNotFound = errors.New("record not found")
	ErrInvalidType    = errors.New("invalid record type")
)

// GenesisHash is the prev-hash of the first record in any chain.
const GenesisHash = "genesis"

// RecordType categorizes evidence records.
type RecordType string

const (
	TypeRiskAssessment      RecordType = "risk_assessment"
	TypeHealthCheck         RecordType = "health_check"
	TypeRegressionDetection RecordType = "regression_detection"
	TypeDeploymentDecision  RecordType = "deployment_decision"
	TypeRollback            RecordType = "rollback"
)

// ValidType reports whether rt is a known record type.
func ValidType(rt RecordType) bool {
	switch rt {
	case TypeRiskAssessment, TypeHealthCheck, TypeRegressionDetection,
		TypeDeploymentDecision, TypeRollback:
		return true
	}
	return false
}

// Record is a single immutable entry in the evidence chain.
//
// Sequence is the chain key; RecordID is a stable external reference for
// reports and operator tooling.
type Record struct {
	Sequence  uint64          `json:"sequence"`
	RecordID  string          `json:"record_id"`
	Type      RecordType      `json:"record_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// computeHash digests the chained fields of a record. The input is
// canonicalized with JCS (RFC 8785) so the digest is independent of map
// ordering and encoder whitespace.
func computeHash(seq uint64, rt RecordType, payload json.RawMessage, ts time.Time, prevHash string) (string, error) {
	input := struct {
		Seq      uint64          `json:"seq"`
		Type     RecordType      `json:"type"`
		Payload  json.RawMessage `json:"payload"`
		Micros   int64           `json:"ts_us"`
		PrevHash string          `json:"prev"`
	}{seq, rt, payload, ts.UnixMicro(), prevHash}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal hash input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize hash input: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// verifyRecord recomputes r's hash and checks it against the stored value and
// the expected predecessor hash.
func verifyRecord(r *Record, expectPrev string) error {
	if r.PrevHash != expectPrev {
		return fmt.Errorf("%w: record %d expects prev %s, chain has %s",
			ErrChainBroken, r.Sequence, r.PrevHash, expectPrev)
	}
	computed, err := computeHash(r.Sequence, r.Type, r.Payload, r.Timestamp, r.PrevHash)
	if err != nil {
		return err
	}
	if computed != r.Hash {
		return fmt.Errorf("%w: record %d hash mismatch", ErrChainBroken, r.Sequence)
	}
	return nil
}

// marshalPayload normalizes an arbitrary payload into the stored JSON form.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return raw, nil
	}
}
