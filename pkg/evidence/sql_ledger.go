package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Dialect selects placeholder style for the SQL backends.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLLedger is a durable Ledger on a SQL store. A single global mutex
// serializes appends on top of the database so prev-hash chaining is never
// ambiguous, even with multiple sessions writing.
type SQLLedger struct {
	db         *sql.DB
	dialect    Dialect
	mu         sync.Mutex
	maxRetries uint
	clock      func() time.Time
}

// Option configures a SQLLedger.
type Option func(*SQLLedger)

// WithMaxRetries bounds append retry attempts (default 3).
func WithMaxRetries(n uint) Option {
	return func(l *SQLLedger) { l.maxRetries = n }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *SQLLedger) { l.clock = clock }
}

// NewSQLLedger wraps db as an evidence ledger, creating the schema if needed.
func NewSQLLedger(db *sql.DB, dialect Dialect, opts ...Option) (*SQLLedger, error) {
	l := &SQLLedger{db: db, dialect: dialect, maxRetries: 3, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate evidence schema: %w", err)
	}
	return l, nil
}

// Close releases the underlying database handle.
func (l *SQLLedger) Close() error {
	return l.db.Close()
}

func (l *SQLLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS evidence_records (
		sequence    BIGINT PRIMARY KEY,
		record_id   TEXT NOT NULL,
		record_type TEXT NOT NULL,
		payload     TEXT NOT NULL,
		ts_us       BIGINT NOT NULL,
		prev_hash   TEXT NOT NULL,
		hash        TEXT NOT NULL
	);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// rebind converts ?-style placeholders to the dialect's form.
func (l *SQLLedger) rebind(query string) string {
	if l.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (l *SQLLedger) Append(ctx context.Context, rt RecordType, payload any) (*Record, error) {
	if !ValidType(rt) {
		return nil, ErrInvalidType
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	operation := func() (*Record, error) {
		tail, err := l.tail(ctx)
		if err != nil {
			return nil, err
		}
		seq := tail.seq + 1
		ts := l.clock().UTC().Truncate(time.Microsecond)
		hash, err := computeHash(seq, rt, raw, ts, tail.hash)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		rec := &Record{
			Sequence:  seq,
			RecordID:  uuid.NewString(),
			Type:      rt,
			Payload:   raw,
			Timestamp: ts,
			PrevHash:  tail.hash,
			Hash:      hash,
		}
		insert := l.rebind(`INSERT INTO evidence_records
			(sequence, record_id, record_type, payload, ts_us, prev_hash, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if _, err := l.db.ExecContext(ctx, insert,
			rec.Sequence, rec.RecordID, string(rec.Type), string(rec.Payload),
			rec.Timestamp.UnixMicro(), rec.PrevHash, rec.Hash); err != nil {
			return nil, err
		}
		return rec, nil
	}

	rec, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(l.maxRetries))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	return rec, nil
}

type tailRow struct {
	seq  uint64
	hash string
}

func (l *SQLLedger) tail(ctx context.Context) (tailRow, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT sequence, hash FROM evidence_records ORDER BY sequence DESC LIMIT 1`)
	var t tailRow
	if err := row.Scan(&t.seq, &t.hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tailRow{seq: 0, hash: GenesisHash}, nil
		}
		return tailRow{}, err
	}
	return t, nil
}

func (l *SQLLedger) Verify(ctx context.Context, fromSeq uint64) (*VerificationReport, error) {
	if fromSeq <= 1 {
		fromSeq = 1
	}
	report := &VerificationReport{OK: true, HeadHash: GenesisHash}

	tail, err := l.tail(ctx)
	if err != nil {
		return nil, err
	}
	report.HeadHash = tail.hash

	expectPrev := GenesisHash
	if fromSeq > 1 {
		anchor, err := l.get(ctx, fromSeq-1)
		if err != nil {
			return nil, err
		}
		expectPrev = anchor.Hash
	}

	rows, err := l.db.QueryContext(ctx, l.rebind(
		`SELECT sequence, record_id, record_type, payload, ts_us, prev_hash, hash
		 FROM evidence_records WHERE sequence >= ? ORDER BY sequence ASC`), fromSeq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if err := verifyRecord(rec, expectPrev); err != nil {
			report.OK = false
			report.FirstBrokenSeq = rec.Sequence
			report.Detail = err.Error()
			return report, nil
		}
		report.CheckedRecords++
		expectPrev = rec.Hash
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return report, nil
}

func (l *SQLLedger) Query(ctx context.Context, q Query) ([]*Record, error) {
	query := `SELECT sequence, record_id, record_type, payload, ts_us, prev_hash, hash
		FROM evidence_records WHERE 1=1`
	var args []any
	if q.Type != "" {
		query += ` AND record_type = ?`
		args = append(args, string(q.Type))
	}
	if q.FromSeq > 0 {
		query += ` AND sequence >= ?`
		args = append(args, q.FromSeq)
	}
	if !q.From.IsZero() {
		query += ` AND ts_us >= ?`
		args = append(args, q.From.UnixMicro())
	}
	if !q.To.IsZero() {
		query += ` AND ts_us <= ?`
		args = append(args, q.To.UnixMicro())
	}
	query += ` ORDER BY sequence ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := l.db.QueryContext(ctx, l.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *SQLLedger) Head(ctx context.Context) (string, error) {
	tail, err := l.tail(ctx)
	if err != nil {
		return "", err
	}
	return tail.hash, nil
}

func (l *SQLLedger) Len(ctx context.Context) (uint64, error) {
	var n uint64
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence_records`).Scan(&n)
	return n, err
}

func (l *SQLLedger) get(ctx context.Context, seq uint64) (*Record, error) {
	row := l.db.QueryRowContext(ctx, l.rebind(
		`SELECT sequence, record_id, record_type, payload, ts_us, prev_hash, hash
		 FROM evidence_records WHERE sequence = ?`), seq)
	rec, err := scanRecordRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	return scanRecordRow(s)
}

func scanRecordRow(s scanner) (*Record, error) {
	var (
		rec     Record
		rtype   string
		payload string
		tsMicro int64
	)
	if err := s.Scan(&rec.Sequence, &rec.RecordID, &rtype, &payload, &tsMicro,
		&rec.PrevHash, &rec.Hash); err != nil {
		return nil, err
	}
	rec.Type = RecordType(rtype)
	rec.Payload = []byte(payload)
	rec.Timestamp = time.UnixMicro(tsMicro).UTC()
	return &rec, nil
}
