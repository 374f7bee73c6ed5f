// Package storage provides the persistent SQLite layer chainwatch's writer
// and session controller read and write through: three tables exactly as
// §4.7 defines them, each written via idempotent upserts.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage wraps the single SQLite connection a session's writer serialises
// every mutation through.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
	DBPath  string // overrides DataDir/chainwatch.db when set
}

// schemaVersion is recorded as a row in the schema_version table: the
// version this binary wrote the schema as, matching the teacher's
// append-only-migration approach rather than a destructive rebuild. New
// does not check an existing row against it, so startup is not gated on it.
const schemaVersion = 1

// New opens (or creates) the chainwatch database.
func New(cfg *Config) (*Storage, error) {
	var dbPath string
	if cfg.DBPath != "" {
		dbPath = expandPath(cfg.DBPath)
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	} else {
		dataDir := expandPath(cfg.DataDir)
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dbPath = filepath.Join(dataDir, "chainwatch.db")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{db: db, dbPath: dbPath}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection, for components (like the
// writer) that need transactional control New doesn't expose directly.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- §4.7: one row per extrinsic that matched a watched account.
	CREATE TABLE IF NOT EXISTS substrate_extrinsics (
		chain    TEXT NOT NULL,
		height   INTEGER NOT NULL,
		xidx     INTEGER NOT NULL,
		block_hash TEXT NOT NULL,
		ts       INTEGER,
		signer   BLOB,
		module   TEXT NOT NULL,
		function TEXT NOT NULL,
		success  INTEGER NOT NULL,
		tip      TEXT NOT NULL DEFAULT '0',
		fee      TEXT,
		params   BLOB NOT NULL,
		matched  BLOB NOT NULL,
		PRIMARY KEY (chain, height, xidx)
	);

	CREATE INDEX IF NOT EXISTS idx_extrinsics_matched_ts ON substrate_extrinsics(chain, matched, ts);

	-- §4.7: one row per (event, beneficiary) pair from a staking event.
	CREATE TABLE IF NOT EXISTS substrate_staking_events (
		chain       TEXT NOT NULL,
		height      INTEGER NOT NULL,
		xidx        INTEGER NOT NULL,
		eidx        INTEGER NOT NULL,
		module      TEXT NOT NULL,
		event_id    TEXT NOT NULL,
		beneficiary BLOB NOT NULL,
		amount      TEXT NOT NULL,
		era         INTEGER,
		validator   BLOB,
		PRIMARY KEY (chain, height, xidx, eidx)
	);

	CREATE INDEX IF NOT EXISTS idx_staking_beneficiary_height ON substrate_staking_events(chain, beneficiary, height);

	-- §4.7: per (chain, pubkey, stream) resume anchor.
	CREATE TABLE IF NOT EXISTS substrate_checkpoints (
		chain  TEXT NOT NULL,
		pubkey BLOB NOT NULL,
		stream TEXT NOT NULL,
		height INTEGER NOT NULL,
		PRIMARY KEY (chain, pubkey, stream)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if _, err := s.db.Exec("INSERT OR IGNORE INTO schema_version(version) VALUES (?)", schemaVersion); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations applies append-only ALTER TABLE statements for databases
// created by earlier chainwatch versions. Errors are ignored since a
// column may already exist, matching the append-only migration style used
// throughout this codebase.
func (s *Storage) runMigrations() error {
	migrations := []string{
		// placeholder for future column additions; none yet beyond v1.
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
