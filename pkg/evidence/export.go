package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ExportBundle is the archival form of a ledger slice. It carries enough for
// an independent auditor to re-verify the chain offline.
type ExportBundle struct {
	ExportedAt time.Time `json:"exported_at"`
	HeadHash   string    `json:"head_hash"`
	Records    []*Record `json:"records"`
}

// Export writes all records matching q as a JSON bundle and returns how many
// were written. Records are never deleted from the ledger; retention is
// handled by archiving old slices.
func Export(ctx context.Context, l Ledger, q Query, w io.Writer) (int, error) {
	records, err := l.Query(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("export query: %w", err)
	}
	head, err := l.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("export head: %w", err)
	}
	bundle := ExportBundle{
		ExportedAt: time.Now().UTC(),
		HeadHash:   head,
		Records:    records,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(bundle); err != nil {
		return 0, err
	}
	return len(records), nil
}

// VerifyBundle re-verifies an exported slice without the running system.
// The slice must start at sequence 1 to anchor on the genesis hash.
func VerifyBundle(bundle *ExportBundle) (*VerificationReport, error) {
	return verifyChain(bundle.Records, 1)
}

// Prune archives every record older than cutoff to w. Deleting records in
// place would break the hash chain, so pruning only exports: the ledger
// itself is left untouched. Returns the number of records archived.
func Prune(ctx context.Context, l Ledger, cutoff time.Time, w io.Writer) (int, error) {
	return Export(ctx, l, Query{To: cutoff}, w)
}
