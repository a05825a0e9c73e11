package evidence

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver (cgo-free)
)

// Open creates a durable ledger for the configured driver and DSN.
// Supported drivers: "sqlite" (file path DSN) and "postgres" (connection URL).
func Open(driver, dsn string, opts ...Option) (*SQLLedger, error) {
	switch driver {
	case "sqlite":
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		// One writer at a time; the append mutex makes more connections useless.
		db.SetMaxOpenConns(1)
		return NewSQLLedger(db, DialectSQLite, opts...)
	case "postgres":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return NewSQLLedger(db, DialectPostgres, opts...)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}
}
