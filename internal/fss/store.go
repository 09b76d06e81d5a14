package fss

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver (no CGO)
)

// Store is the File Status Store. It is backed by a SQLite table in the
// same storage directory as the vector store, fronted by an in-memory
// read-through cache that is updated on every write so a Get immediately
// after a Set never needs to hit disk.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	cache  map[string]*FileStatus
	closed bool
}

// validateIntegrity checks a FSS database for corruption before opening it
// for real. Mirrors the store package's own sqlite integrity-check pattern.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
	                   WHERE type='table' AND name='file_status'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("file_status table missing")
	}

	return nil
}

// NewStore opens (creating if necessary) the File Status Store at path. An
// empty path opens an in-memory store, useful for tests.
func NewStore(path string) (*Store, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if err := validateIntegrity(path); err != nil {
			slog.Warn("fss_store_corrupted",
				slog.String("path", path),
				slog.String("error", err.Error()))

			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("file status store corrupted at %s and cannot remove: %w (original error: %v)", path, rmErr, err)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("fss_store_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, every file will re-queue on next scan"))
		}

		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open file status store: %w", err)
	}

	// Single writer avoids SQLITE_BUSY under concurrent ingestion workers;
	// the EQ and CFS already serialise writes through one consumer lane.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db, path: path, cache: make(map[string]*FileStatus)}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS file_status (
		path           TEXT PRIMARY KEY,
		state          TEXT NOT NULL,
		content_hash   TEXT NOT NULL DEFAULT '',
		parser_version INTEGER NOT NULL DEFAULT 0,
		chunk_count    INTEGER NOT NULL DEFAULT 0,
		indexed_at     INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_file_status_state ON file_status(state);
	`
	_, err := s.db.Exec(schema)
	return err
}

// BulkLoadCache populates the in-memory cache from the on-disk table. Call
// once at startup; the cache is the read accelerator, the table remains the
// source of truth.
func (s *Store) BulkLoadCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT path, state, content_hash, parser_version, chunk_count, indexed_at, last_error FROM file_status`)
	if err != nil {
		return fmt.Errorf("failed to load file status table: %w", err)
	}
	defer rows.Close()

	cache := make(map[string]*FileStatus)
	for rows.Next() {
		fsRow, err := scanFileStatus(rows)
		if err != nil {
			return err
		}
		cache[fsRow.Path] = fsRow
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.cache = cache
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFileStatus(row scanner) (*FileStatus, error) {
	var (
		fsRow       FileStatus
		indexedUnix int64
	)
	if err := row.Scan(&fsRow.Path, &fsRow.State, &fsRow.ContentHash, &fsRow.ParserVersion, &fsRow.ChunkCount, &indexedUnix, &fsRow.LastError); err != nil {
		return nil, fmt.Errorf("failed to scan file status row: %w", err)
	}
	if indexedUnix > 0 {
		fsRow.IndexedAt = time.Unix(indexedUnix, 0).UTC()
	}
	return &fsRow, nil
}

// Get returns the FileStatus for path, or ok=false if no record exists. The
// cache is consulted first; on a cache miss it falls through to the table
// and populates the cache so subsequent Gets are served from memory.
func (s *Store) Get(path string) (*FileStatus, bool) {
	s.mu.RLock()
	if cached, ok := s.cache[path]; ok {
		s.mu.RUnlock()
		return cloneFileStatus(cached), true
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT path, state, content_hash, parser_version, chunk_count, indexed_at, last_error FROM file_status WHERE path = ?`, path)
	fsRow, err := scanFileStatus(row)
	if err != nil {
		return nil, false
	}
	s.cache[path] = fsRow
	return cloneFileStatus(fsRow), true
}

// Set upserts path's FileStatus, applying patch over whatever record
// currently exists (or a zero-value one for a new path). The write is
// durable before Set returns, and the cache is updated in the same critical
// section so the next Get on this path sees it without a reload.
func (s *Store) Set(path string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cache[path]
	if !ok {
		current = &FileStatus{Path: path}
		row := s.db.QueryRow(`SELECT path, state, content_hash, parser_version, chunk_count, indexed_at, last_error FROM file_status WHERE path = ?`, path)
		if loaded, err := scanFileStatus(row); err == nil {
			current = loaded
		}
	}

	next := *current
	next.Path = path
	next.State = patch.State
	if patch.ContentHash != nil {
		next.ContentHash = *patch.ContentHash
	}
	if patch.ParserVersion != nil {
		next.ParserVersion = *patch.ParserVersion
	}
	if patch.ChunkCount != nil {
		next.ChunkCount = *patch.ChunkCount
	}
	if patch.IndexedAt != nil {
		next.IndexedAt = *patch.IndexedAt
	}
	if patch.LastError != nil {
		next.LastError = *patch.LastError
	}

	var indexedUnix int64
	if !next.IndexedAt.IsZero() {
		indexedUnix = next.IndexedAt.Unix()
	}

	_, err := s.db.Exec(`
		INSERT INTO file_status (path, state, content_hash, parser_version, chunk_count, indexed_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			state = excluded.state,
			content_hash = excluded.content_hash,
			parser_version = excluded.parser_version,
			chunk_count = excluded.chunk_count,
			indexed_at = excluded.indexed_at,
			last_error = excluded.last_error
	`, next.Path, string(next.State), next.ContentHash, next.ParserVersion, next.ChunkCount, indexedUnix, next.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert file status for %s: %w", path, err)
	}

	s.cache[path] = &next
	return nil
}

// Delete removes path's FileStatus, for when a FileRecord is destroyed
// because the underlying file disappeared.
func (s *Store) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM file_status WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete file status for %s: %w", path, err)
	}
	delete(s.cache, path)
	return nil
}

// IterByState returns a lazy sequence of every FileStatus currently in
// state, read directly from the table (not the cache) so callers always see
// the latest committed data even for states the cache hasn't been queried
// for yet.
func (s *Store) IterByState(state State) func(yield func(*FileStatus) bool) {
	return func(yield func(*FileStatus) bool) {
		s.mu.RLock()
		rows, err := s.db.Query(`SELECT path, state, content_hash, parser_version, chunk_count, indexed_at, last_error FROM file_status WHERE state = ? ORDER BY path`, string(state))
		s.mu.RUnlock()
		if err != nil {
			return
		}
		defer rows.Close()

		for rows.Next() {
			fsRow, err := scanFileStatus(rows)
			if err != nil {
				return
			}
			if !yield(fsRow) {
				return
			}
		}
	}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func cloneFileStatus(in *FileStatus) *FileStatus {
	out := *in
	return &out
}
