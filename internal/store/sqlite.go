package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteOptions configure the SQLite record store.
type SQLiteOptions struct {
	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration

	// MaxOpenConns limits the connection pool. Zero keeps the driver default.
	MaxOpenConns int
}

// DefaultSQLiteOptions returns the options used when none are given.
func DefaultSQLiteOptions() SQLiteOptions {
	return SQLiteOptions{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// SQLiteStore is a RecordStore backed by a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu     sync.RWMutex
	closed bool
}

const editColumns = `edit_id, document_id, workspace_id, file_path, patch, parent_edit_id,
	timestamp_ns, content_checksum, parent_checksum, preview`

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(ctx context.Context, path string, opts SQLiteOptions) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = DefaultSQLiteOptions().BusyTimeout
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busy.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := MigrateDB(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// DB exposes the underlying handle for maintenance tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.db == nil {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return unavailable(op, errors.New("store is closed"))
	}
	return nil
}

// Append inserts a new edit record and returns its id.
func (s *SQLiteStore) Append(ctx context.Context, r *EditRecord) (int64, error) {
	if err := s.checkOpen("append"); err != nil {
		return 0, err
	}

	var parentChecksum any
	if r.ParentChecksum != nil {
		parentChecksum = int64(*r.ParentChecksum)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO edits (document_id, workspace_id, file_path, patch, parent_edit_id,
			timestamp_ns, content_checksum, parent_checksum, preview)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DocumentID, r.WorkspaceID, r.FilePath, r.Patch, r.ParentEditID,
		r.TimestampNs, int64(r.ContentChecksum), parentChecksum, r.Preview,
	)
	if err != nil {
		return 0, unavailable("insert edit", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, unavailable("get last insert id", err)
	}

	return id, nil
}

// Get retrieves an edit by id.
func (s *SQLiteStore) Get(ctx context.Context, editID int64) (*EditRecord, error) {
	if err := s.checkOpen("get edit"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+editColumns+` FROM edits WHERE edit_id = ?`, editID)
	r, err := scanEdit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("get edit", err)
	}
	return r, nil
}

// QueryLatest retrieves the most recent edit of a document.
func (s *SQLiteStore) QueryLatest(ctx context.Context, documentID string) (*EditRecord, error) {
	if err := s.checkOpen("query latest"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+editColumns+`
		FROM edits
		WHERE document_id = ?
		ORDER BY timestamp_ns DESC, edit_id DESC
		LIMIT 1`, documentID)
	r, err := scanEdit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("query latest", err)
	}
	return r, nil
}

// QueryAll retrieves every edit of a document, newest first.
func (s *SQLiteStore) QueryAll(ctx context.Context, documentID string) ([]EditRecord, error) {
	if err := s.checkOpen("query all"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+editColumns+`
		FROM edits
		WHERE document_id = ?
		ORDER BY timestamp_ns DESC, edit_id DESC`, documentID)
	if err != nil {
		return nil, unavailable("query edits", err)
	}
	defer rows.Close()

	var records []EditRecord
	for rows.Next() {
		r, err := scanEdit(rows)
		if err != nil {
			return nil, unavailable("scan edit", err)
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate edits", err)
	}

	return records, nil
}

// DeleteAll removes every edit of a document.
func (s *SQLiteStore) DeleteAll(ctx context.Context, documentID string) (int64, error) {
	if err := s.checkOpen("delete edits"); err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM edits WHERE document_id = ?`, documentID)
	if err != nil {
		return 0, unavailable("delete edits", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("get rows affected", err)
	}
	return n, nil
}

// UpdatePreview replaces the preview blob of an edit.
func (s *SQLiteStore) UpdatePreview(ctx context.Context, editID int64, blob []byte) error {
	if err := s.checkOpen("update preview"); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `UPDATE edits SET preview = ? WHERE edit_id = ?`, blob, editID)
	if err != nil {
		return unavailable("update preview", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return unavailable("get rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("update preview for edit %d: %w", editID, ErrRecordNotFound)
	}
	return nil
}

// Stats reports record and document counts.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	if err := s.checkOpen("stats"); err != nil {
		return Stats{}, err
	}

	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT document_id) FROM edits`,
	).Scan(&st.Records, &st.Documents)
	if err != nil {
		return Stats{}, unavailable("stats", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEdit is a helper to scan one edit row.
func scanEdit(row rowScanner) (*EditRecord, error) {
	var r EditRecord
	var parentID, parentChecksum sql.NullInt64
	var contentChecksum int64

	if err := row.Scan(&r.EditID, &r.DocumentID, &r.WorkspaceID, &r.FilePath, &r.Patch, &parentID,
		&r.TimestampNs, &contentChecksum, &parentChecksum, &r.Preview); err != nil {
		return nil, err
	}

	r.ContentChecksum = uint32(contentChecksum)
	if parentID.Valid {
		id := parentID.Int64
		r.ParentEditID = &id
	}
	if parentChecksum.Valid {
		sum := uint32(parentChecksum.Int64)
		r.ParentChecksum = &sum
	}

	return &r, nil
}
