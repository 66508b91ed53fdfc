// Package transfer implements the file transfer side of the relay: a store
// that records who may fetch each uploaded file, and the HTTP endpoint that
// accepts uploads, serves downloads and announces new files to chat.
package transfer

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/lanchat/internal/protocol"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// RecipientAll marks a file any identity may download.
	RecipientAll = protocol.RecipientAll

	// DefaultDBFileName is the SQLite filename under the storage directory.
	DefaultDBFileName = "transfer.db"
	blobDirName       = "blobs"
	sniffSize         = 3072
)

// ErrNotFound is returned when no file is stored under a filename.
var ErrNotFound = errors.New("transfer: file not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS stored_files (
  filename     TEXT PRIMARY KEY,
  blob_id      TEXT NOT NULL,
  owner        TEXT NOT NULL,
  recipient    TEXT NOT NULL,
  content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
  size         INTEGER NOT NULL,
  checksum     TEXT NOT NULL,
  uploaded_at  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_stored_files_recipient
ON stored_files (recipient, uploaded_at DESC);
`,
}

// StoredFile is the metadata record of one stored file.
type StoredFile struct {
	Filename    string
	Owner       string
	Recipient   string
	ContentType string
	Size        int64
	Checksum    string
	UploadedAt  time.Time

	blob string
}

// CanAccess reports whether requester may download the file: public files
// are open to everyone, private files only to their recipient.
func CanAccess(file StoredFile, requester string) bool {
	return file.Recipient == RecipientAll || file.Recipient == requester
}

// Store persists file content as blobs on disk and the metadata records in
// SQLite. A record only becomes visible once its blob is fully written, and
// a same-name upload swaps the record in a single transaction.
type Store struct {
	db      *sql.DB
	blobDir string

	// mu orders publishing a record against opening its blob, so a reader
	// never opens a blob that a concurrent overwrite is removing.
	mu        sync.RWMutex
	closeOnce sync.Once
}

// Open opens (or creates) the store under dir and runs migrations.
func Open(dir string) (*Store, error) {
	blobDir := filepath.Join(dir, blobDirName)
	if err := os.MkdirAll(blobDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(filepath.Join(dir, DefaultDBFileName)))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db, blobDir: blobDir}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// Put writes content to a fresh blob and then publishes the record for
// file.Filename, replacing any earlier upload of the same name. Owner,
// Recipient and UploadedAt are taken from file; size, checksum and the
// detected content type are computed here.
func (s *Store) Put(ctx context.Context, file StoredFile, content io.Reader) (StoredFile, error) {
	if file.Filename == "" {
		return StoredFile{}, errors.New("filename is required")
	}
	if file.Recipient == "" {
		file.Recipient = RecipientAll
	}

	file.blob = uuid.NewString()
	blobPath := s.blobPath(file.blob)
	if err := s.writeBlob(blobPath, content, &file); err != nil {
		_ = os.Remove(blobPath)
		return StoredFile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, err := s.publish(ctx, file)
	if err != nil {
		_ = os.Remove(blobPath)
		return StoredFile{}, err
	}
	if previous != "" {
		if err := os.Remove(s.blobPath(previous)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return file, fmt.Errorf("remove replaced blob for %q: %w", file.Filename, err)
		}
	}
	return file, nil
}

func (s *Store) writeBlob(path string, content io.Reader, file *StoredFile) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create blob for %q: %w", file.Filename, err)
	}

	hash := sha256.New()
	head := &headBuffer{limit: sniffSize}
	size, copyErr := io.Copy(io.MultiWriter(out, hash, head), content)
	if copyErr == nil {
		copyErr = out.Sync()
	}
	if closeErr := out.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return fmt.Errorf("write blob for %q: %w", file.Filename, copyErr)
	}

	file.Size = size
	file.Checksum = hex.EncodeToString(hash.Sum(nil))
	file.ContentType = mimetype.Detect(head.buf).String()
	return nil
}

// publish upserts the record and returns the blob it replaced, if any.
func (s *Store) publish(ctx context.Context, file StoredFile) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin publish transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT blob_id FROM stored_files WHERE filename = ?`, file.Filename).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read record %q: %w", file.Filename, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO stored_files (
			filename,
			blob_id,
			owner,
			recipient,
			content_type,
			size,
			checksum,
			uploaded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			blob_id = excluded.blob_id,
			owner = excluded.owner,
			recipient = excluded.recipient,
			content_type = excluded.content_type,
			size = excluded.size,
			checksum = excluded.checksum,
			uploaded_at = excluded.uploaded_at`,
		file.Filename,
		file.blob,
		file.Owner,
		file.Recipient,
		file.ContentType,
		file.Size,
		file.Checksum,
		file.UploadedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("upsert record %q: %w", file.Filename, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit record %q: %w", file.Filename, err)
	}
	return previous, nil
}

// Stat returns the metadata record for filename.
func (s *Store) Stat(ctx context.Context, filename string) (StoredFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lookup(ctx, filename)
}

// Get returns the metadata record for filename together with its content.
// The content always belongs to the returned record, even if the file is
// overwritten while the caller is still reading. The caller closes it.
func (s *Store) Get(ctx context.Context, filename string) (StoredFile, *os.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := s.lookup(ctx, filename)
	if err != nil {
		return StoredFile{}, nil, err
	}

	content, err := os.Open(s.blobPath(file.blob))
	if err != nil {
		return StoredFile{}, nil, fmt.Errorf("open blob for %q: %w", filename, err)
	}
	return file, content, nil
}

func (s *Store) lookup(ctx context.Context, filename string) (StoredFile, error) {
	var (
		file       StoredFile
		uploadedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT filename, blob_id, owner, recipient, content_type, size, checksum, uploaded_at
		FROM stored_files
		WHERE filename = ?`,
		filename,
	).Scan(
		&file.Filename,
		&file.blob,
		&file.Owner,
		&file.Recipient,
		&file.ContentType,
		&file.Size,
		&file.Checksum,
		&uploadedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredFile{}, ErrNotFound
		}
		return StoredFile{}, fmt.Errorf("read record %q: %w", filename, err)
	}
	file.UploadedAt = time.UnixMilli(uploadedAt)
	return file, nil
}

func (s *Store) blobPath(blob string) string {
	return filepath.Join(s.blobDir, blob)
}

// headBuffer keeps the first limit bytes written to it for type detection.
type headBuffer struct {
	buf   []byte
	limit int
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.limit - len(h.buf); room > 0 {
		h.buf = append(h.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}
