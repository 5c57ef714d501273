package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/uplinkd/uplink/pkg/apperrors"
	"github.com/uplinkd/uplink/pkg/types"
)

// SQLiteStore persists sessions and file records in a single SQLite
// database so uploads survive a server restart. Implements both
// SessionStore and FileStore.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS upload_sessions (
		upload_id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		file_size_bytes INTEGER NOT NULL,
		total_chunks INTEGER NOT NULL,
		owner_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		received_chunks TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		last_activity_at DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'uploading',
		file_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON upload_sessions(last_activity_at);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL,
		storage_path TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func encodeChunks(set map[int]bool) (string, error) {
	indices := make([]int, 0, len(set))
	for i := range set {
		indices = append(indices, i)
	}
	data, err := json.Marshal(indices)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeChunks(raw string) (map[int]bool, error) {
	var indices []int
	if err := json.Unmarshal([]byte(raw), &indices); err != nil {
		return nil, err
	}
	set := make(map[int]bool, len(indices))
	for _, i := range indices {
		set[i] = true
	}
	return set, nil
}

func (s *SQLiteStore) Get(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT upload_id, file_name, mime_type, file_size_bytes, total_chunks,
		       owner_id, workspace_id, received_chunks, created_at,
		       last_activity_at, status, file_id
		FROM upload_sessions WHERE upload_id = ?`, uploadID)

	var sess types.UploadSession
	var chunks string
	var status string
	err := row.Scan(&sess.UploadID, &sess.FileName, &sess.MimeType,
		&sess.FileSizeBytes, &sess.TotalChunks, &sess.OwnerID,
		&sess.WorkspaceID, &chunks, &sess.CreatedAt,
		&sess.LastActivityAt, &status, &sess.FileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	sess.Status = types.UploadStatus(status)
	if sess.ReceivedChunks, err = decodeChunks(chunks); err != nil {
		return nil, fmt.Errorf("decode received chunks: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) Put(ctx context.Context, sess *types.UploadSession) error {
	chunks, err := encodeChunks(sess.ReceivedChunks)
	if err != nil {
		return fmt.Errorf("encode received chunks: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upload_sessions (upload_id, file_name, mime_type,
			file_size_bytes, total_chunks, owner_id, workspace_id,
			received_chunks, created_at, last_activity_at, status, file_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(upload_id) DO UPDATE SET
			received_chunks = excluded.received_chunks,
			last_activity_at = excluded.last_activity_at,
			status = excluded.status,
			file_id = excluded.file_id`,
		sess.UploadID, sess.FileName, sess.MimeType, sess.FileSizeBytes,
		sess.TotalChunks, sess.OwnerID, sess.WorkspaceID, chunks,
		sess.CreatedAt, sess.LastActivityAt, string(sess.Status), sess.FileID)
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, uploadID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM upload_sessions WHERE upload_id = ?", uploadID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*types.UploadSession, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT upload_id FROM upload_sessions")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sessions := make([]*types.UploadSession, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, apperrors.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (s *SQLiteStore) Save(ctx context.Context, record *types.FileRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO files (id, name, mime_type, size_bytes,
			storage_path, workspace_id, owner_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Name, record.MimeType, record.SizeBytes,
		record.StoragePath, record.WorkspaceID, record.OwnerID,
		record.CreatedAt)
	if err != nil {
		return fmt.Errorf("store file record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, id string) (*types.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, mime_type, size_bytes, storage_path,
		       workspace_id, owner_id, created_at
		FROM files WHERE id = ?`, id)

	var rec types.FileRecord
	err := row.Scan(&rec.ID, &rec.Name, &rec.MimeType, &rec.SizeBytes,
		&rec.StoragePath, &rec.WorkspaceID, &rec.OwnerID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query file record: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM files WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	return nil
}

// sqliteFiles adapts SQLiteStore to the FileStore interface.
type sqliteFiles struct{ *SQLiteStore }

func (s sqliteFiles) Get(ctx context.Context, id string) (*types.FileRecord, error) {
	return s.GetFile(ctx, id)
}

func (s sqliteFiles) Delete(ctx context.Context, id string) error {
	return s.DeleteFile(ctx, id)
}

// Files returns the FileStore view of the SQLite store.
func (s *SQLiteStore) Files() FileStore { return sqliteFiles{s} }
