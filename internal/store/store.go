package store

import (
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/retcon/retcon/internal/model"
)

// Store is the persistent identifier store (§4.3) and durable work
// queue (§4.5) described above, one *sql.DB split across several
// tables. All of its exported methods are individually atomic; there
// is no cross-call transaction exposed to callers, per §4.3 "Reads are
// snapshot-consistent within one call; no cross-call transaction is
// exposed."
type Store struct {
	db *sql.DB
}

// New opens (creating if absent) the SQLite database at dsn, applies
// its pragmas, and ensures its schema exists. dsn is whatever
// mattn/go-sqlite3 accepts: a file path for production use, or
// NewMemoryDSN's shared-cache in-memory form for tests and the
// one-shot binary's ad-hoc runs.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring store: %w", err)
		}
	}
	if _, err := db.Exec(schemaV1); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the store's underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var memoryDSNCounter uint64

// NewMemoryDSN returns a fresh, uniquely named in-memory SQLite DSN,
// for tests and for retcon-oneshot's ad-hoc runs that do not want a
// file left behind. The shared cache keeps the database alive for as
// long as the *sql.DB returned by New holds it open.
func NewMemoryDSN() string {
	n := atomic.AddUint64(&memoryDSNCounter, 1)
	return fmt.Sprintf("file:retcon-%d?mode=memory&cache=shared", n)
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting read
// helpers run against either an ambient connection or an open
// transaction.
type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func ikArgs(k model.InternalKey) (string, uint64) {
	return string(k.Entity), k.ID
}

func splitDotted(s string) []string {
	if s == "" {
		return nil
	}
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
