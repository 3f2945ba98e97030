// Package store implements the persisted record store on SQLite: blueprints
// keyed by domain, books keyed by source URL, and chapters keyed by id with a
// unique (book, ordinal) composite. The reading surface only ever queries
// this package; the prefetch pipeline is the only writer of chapter state.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"fable/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database behind fable's query contract.
//
// Writes are always scoped to a single row; no operation spans multiple
// chapters atomically, so readers (UI) and the scheduler can share the
// connection freely.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path. ":memory:" is
// accepted for tests.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// WAL already provides crash recovery, so NORMAL sync is safe and much
	// faster than the FULL default.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	// Book deletion cascades to chapters.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store ready (blueprints, books, chapters)")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	blueprintsTable := `
	CREATE TABLE IF NOT EXISTS blueprints (
		domain TEXT PRIMARY KEY,
		list_strategy TEXT NOT NULL,
		chapter_selector TEXT NOT NULL,
		content_selector TEXT NOT NULL DEFAULT '',
		next_page_selector TEXT NOT NULL DEFAULT '',
		trigger_selector TEXT NOT NULL DEFAULT '',
		wait_strategy TEXT NOT NULL DEFAULT 'NETWORK_IDLE',
		last_validated DATETIME,
		version INTEGER NOT NULL DEFAULT 1
	);
	`

	booksTable := `
	CREATE TABLE IF NOT EXISTS books (
		url TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		source_lang TEXT NOT NULL DEFAULT 'en',
		target_lang TEXT NOT NULL DEFAULT 'en',
		current_index INTEGER NOT NULL DEFAULT 0,
		look_ahead INTEGER NOT NULL DEFAULT 5,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_books_domain ON books(domain);
	`

	chaptersTable := `
	CREATE TABLE IF NOT EXISTS chapters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		book_url TEXT NOT NULL,
		idx INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		source_url TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		raw_text TEXT NOT NULL DEFAULT '',
		source_lang TEXT NOT NULL DEFAULT '',
		refined_text TEXT NOT NULL DEFAULT '',
		refined_lang TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(book_url, idx),
		FOREIGN KEY (book_url) REFERENCES books(url) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chapters_book ON chapters(book_url);
	CREATE INDEX IF NOT EXISTS idx_chapters_status ON chapters(status);
	CREATE INDEX IF NOT EXISTS idx_chapters_book_idx ON chapters(book_url, idx);
	`

	for _, table := range []string{blueprintsTable, booksTable, chaptersTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if err := RunMigrations(s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store")
	return s.db.Close()
}

// DB returns the underlying SQL database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats returns row counts per table, for diagnostics.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"blueprints", "books", "chapters"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
