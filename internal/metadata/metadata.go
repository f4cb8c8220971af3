// Package metadata is the relational store backing change detection and
// indexing cursors: indexed_files rows for the code indexer,
// git_index_state rows for the commit analyzer, and a settings table.
package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/logging"
)

// IndexedFile is the change-detection row per (project, file_path).
type IndexedFile struct {
	Project     string
	FilePath    string
	ContentHash string
	MTime       time.Time
	Language    string
	UnitCount   int
	IndexedAt   time.Time
}

// GitIndexState is the per-repo commit indexing cursor.
type GitIndexState struct {
	RepoPath       string
	LastIndexedSHA string
	LastIndexedAt  time.Time
	CommitCount    int
}

// Store wraps the metadata database.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the metadata database at path.
func Open(path string) (*Store, error) {
	log := logging.Get(logging.CategoryMetadata)
	log.Info("opening metadata store", zap.String("path", path))

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	db, err := sql.Open(sqliteDriver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("set busy_timeout failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("set journal_mode=WAL failed", zap.Error(err))
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS indexed_files (
		project      TEXT NOT NULL,
		file_path    TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		mtime        TIMESTAMP NOT NULL,
		language     TEXT,
		unit_count   INTEGER NOT NULL DEFAULT 0,
		indexed_at   TIMESTAMP NOT NULL,
		PRIMARY KEY (project, file_path)
	);
	CREATE TABLE IF NOT EXISTS git_index_state (
		repo_path        TEXT PRIMARY KEY,
		last_indexed_sha TEXT,
		last_indexed_at  TIMESTAMP,
		commit_count     INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// GetIndexedFile returns the row for (project, path), or nil.
func (s *Store) GetIndexedFile(ctx context.Context, project, path string) (*IndexedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT content_hash, mtime, language, unit_count, indexed_at
		 FROM indexed_files WHERE project = ? AND file_path = ?`, project, path)

	f := IndexedFile{Project: project, FilePath: path}
	var mtime, indexedAt string
	var language sql.NullString
	err := row.Scan(&f.ContentHash, &mtime, &language, &f.UnitCount, &indexedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get indexed file: %w", err)
	}
	f.Language = language.String
	f.MTime, _ = time.Parse(time.RFC3339Nano, mtime)
	f.IndexedAt, _ = time.Parse(time.RFC3339Nano, indexedAt)
	return &f, nil
}

// PutIndexedFile writes or replaces the row.
func (s *Store) PutIndexedFile(ctx context.Context, f *IndexedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO indexed_files
		 (project, file_path, content_hash, mtime, language, unit_count, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.Project, f.FilePath, f.ContentHash,
		f.MTime.UTC().Format(time.RFC3339Nano), f.Language, f.UnitCount,
		f.IndexedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put indexed file: %w", err)
	}
	return nil
}

// DeleteIndexedFile removes the row. Returns whether a row existed.
func (s *Store) DeleteIndexedFile(ctx context.Context, project, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM indexed_files WHERE project = ? AND file_path = ?", project, path)
	if err != nil {
		return false, fmt.Errorf("delete indexed file: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListIndexedFiles returns all rows, optionally scoped to a project.
func (s *Store) ListIndexedFiles(ctx context.Context, project string) ([]IndexedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT project, file_path, content_hash, mtime, language, unit_count, indexed_at
	          FROM indexed_files`
	var args []interface{}
	if project != "" {
		query += " WHERE project = ?"
		args = append(args, project)
	}
	query += " ORDER BY project, file_path"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list indexed files: %w", err)
	}
	defer rows.Close()

	var files []IndexedFile
	for rows.Next() {
		var f IndexedFile
		var mtime, indexedAt string
		var language sql.NullString
		if err := rows.Scan(&f.Project, &f.FilePath, &f.ContentHash, &mtime, &language, &f.UnitCount, &indexedAt); err != nil {
			continue
		}
		f.Language = language.String
		f.MTime, _ = time.Parse(time.RFC3339Nano, mtime)
		f.IndexedAt, _ = time.Parse(time.RFC3339Nano, indexedAt)
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetGitIndexState returns the cursor for a repo, or nil.
func (s *Store) GetGitIndexState(ctx context.Context, repoPath string) (*GitIndexState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT last_indexed_sha, last_indexed_at, commit_count
		 FROM git_index_state WHERE repo_path = ?`, repoPath)

	st := GitIndexState{RepoPath: repoPath}
	var sha, at sql.NullString
	err := row.Scan(&sha, &at, &st.CommitCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get git index state: %w", err)
	}
	st.LastIndexedSHA = sha.String
	if at.Valid {
		st.LastIndexedAt, _ = time.Parse(time.RFC3339Nano, at.String)
	}
	return &st, nil
}

// PutGitIndexState writes or replaces the cursor.
func (s *Store) PutGitIndexState(ctx context.Context, st *GitIndexState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO git_index_state
		 (repo_path, last_indexed_sha, last_indexed_at, commit_count)
		 VALUES (?, ?, ?, ?)`,
		st.RepoPath, st.LastIndexedSHA,
		st.LastIndexedAt.UTC().Format(time.RFC3339Nano), st.CommitCount)
	if err != nil {
		return fmt.Errorf("put git index state: %w", err)
	}
	return nil
}

// GetSetting returns a settings value, or "" when absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// PutSetting writes a settings value.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
