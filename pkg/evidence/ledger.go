package evidence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Query filters a ledger read. Zero values mean "no constraint".
type Query struct {
	Type    RecordType
	From    time.Time
	To      time.Time
	FromSeq uint64
	Limit   int
}

// VerificationReport is the result of walking the chain.
type VerificationReport struct {
	OK             bool   `json:"ok"`
	FirstBrokenSeq uint64 `json:"first_broken_seq,omitempty"`
	CheckedRecords int    `json:"checked_records"`
	HeadHash       string `json:"head_hash"`
	Detail         string `json:"detail,omitempty"`
}

// Ledger is the durable evidence chain. Implementations must linearize
// appends: no two records may ever claim the same predecessor.
type Ledger interface {
	// Append persists a new record chained to the current tail.
	Append(ctx context.Context, rt RecordType, payload any) (*Record, error)

	// Verify walks the chain from fromSeq (0 or 1 means the genesis record),
	// recomputing every hash. It reports the first point of divergence.
	Verify(ctx context.Context, fromSeq uint64) (*VerificationReport, error)

	// Query returns records matching q, ordered by sequence ascending.
	Query(ctx context.Context, q Query) ([]*Record, error)

	// Head returns the hash of the most recent record (GenesisHash if empty).
	Head(ctx context.Context) (string, error)

	// Len returns the number of records.
	Len(ctx context.Context) (uint64, error)
}

// MemoryLedger is the in-process Ledger used by tests and ephemeral runs.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []*Record
	head    string
	clock   func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{head: GenesisHash, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) Append(ctx context.Context, rt RecordType, payload any) (*Record, error) {
	if !ValidType(rt) {
		return nil, ErrInvalidType
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.records)) + 1
	ts := l.clock().UTC().Truncate(time.Microsecond)
	hash, err := computeHash(seq, rt, raw, ts, l.head)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Sequence:  seq,
		RecordID:  uuid.NewString(),
		Type:      rt,
		Payload:   raw,
		Timestamp: ts,
		PrevHash:  l.head,
		Hash:      hash,
	}
	l.records = append(l.records, rec)
	l.head = hash
	return rec, nil
}

func (l *MemoryLedger) Verify(ctx context.Context, fromSeq uint64) (*VerificationReport, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyChain(l.records, fromSeq)
}

func (l *MemoryLedger) Query(ctx context.Context, q Query) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Record
	for _, r := range l.records {
		if !matches(r, q) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLedger) Head(ctx context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head, nil
}

func (l *MemoryLedger) Len(ctx context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.records)), nil
}

// Get retrieves a record by sequence number.
func matches(r *Record, q Query) bool {
	if q.Type != "" && r.Type != q.Type {
		return false
	}
	if q.FromSeq > 0 && r.Sequence < q.FromSeq {
		return false
	}
	if !q.From.IsZero() && r.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && r.Timestamp.After(q.To) {
		return false
	}
	return true
}

// verifyChain walks an ordered slice of records starting at fromSeq. records
// must be the full chain from sequence 1; mid-chain verification anchors on
// the stored hash of record fromSeq-1.
func verifyChain(records []*Record, fromSeq uint64) (*VerificationReport, error) {
	report := &VerificationReport{OK: true, HeadHash: GenesisHash}
	if len(records) > 0 {
		report.HeadHash = records[len(records)-1].Hash
	}
	if fromSeq <= 1 {
		fromSeq = 1
	}
	if fromSeq > uint64(len(records)) {
		return report, nil
	}

	expectPrev := GenesisHash
	if fromSeq > 1 {
		expectPrev = records[fromSeq-2].Hash
	}
	for i := fromSeq - 1; i < uint64(len(records)); i++ {
		r := records[i]
		if err := verifyRecord(r, expectPrev); err != nil {
			report.OK = false
			report.FirstBrokenSeq = r.Sequence
			report.Detail = err.Error()
			return report, nil
		}
		report.CheckedRecords++
		expectPrev = r.Hash
	}
	return report, nil
}
