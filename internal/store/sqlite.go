package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avdeyev/codecanvas/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrRecordNotFound reports a write against a uid that does not exist.
var ErrRecordNotFound = errors.New("record not found")

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS code_records (
		uid TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL,
		description TEXT NOT NULL,
		model TEXT NOT NULL,
		options_json TEXT NOT NULL DEFAULT '{}',
		code TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_code_records_user ON code_records(user_id, created_at DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetRecord retrieves a record by its uid.
func (s *SQLiteStore) GetRecord(ctx context.Context, uid string) (*domain.CodeRecord, error) {
	query := `
		SELECT uid, user_id, email, image_url, description, model,
		       options_json, code, created_at, updated_at
		FROM code_records WHERE uid = ?`

	row := s.db.QueryRowContext(ctx, query, uid)

	record, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan code record: %w", err)
	}
	return record, nil
}

// CreateRecord inserts a new record.
func (s *SQLiteStore) CreateRecord(ctx context.Context, record *domain.CodeRecord) error {
	query := `
	INSERT INTO code_records (uid, user_id, email, image_url, description, model,
		options_json, code, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		record.UID, record.UserID, record.Email,
		record.ImageURL, record.Description, record.Model,
		record.Options.ToJSON(), record.Code.Content,
		record.CreatedAt.Unix(), record.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert code record: %w", err)
	}
	return nil
}

// UpdateRecordCode overwrites the record's code content.
// Retries with exponential backoff on SQLITE_BUSY, which shows up when a
// save races a regeneration write on the same connection pool.
func (s *SQLiteStore) UpdateRecordCode(ctx context.Context, uid string, update CodeUpdate) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.updateRecordCodeOnce(ctx, uid, update)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRecordNotFound) {
			return err
		}

		if isSQLiteConflict(err) {
			if i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
				slog.Debug("UpdateRecordCode failed with SQLITE_BUSY, retrying",
					"uid", uid,
					"attempt", i+1,
					"delay", delay)
				time.Sleep(delay)
				continue
			}
		}

		return fmt.Errorf("update code for %s: %w", uid, err)
	}

	return nil
}

func (s *SQLiteStore) updateRecordCodeOnce(ctx context.Context, uid string, update CodeUpdate) error {
	query := `
		UPDATE code_records
		SET code = ?, model = ?, email = ?, options_json = ?, updated_at = ?
		WHERE uid = ?`

	result, err := s.db.ExecContext(ctx, query,
		update.Content, update.Model, update.Email,
		update.Options.ToJSON(), time.Now().Unix(), uid,
	)
	if err != nil {
		return fmt.Errorf("update code record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListRecords retrieves all records owned by a user, newest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, userID string) ([]*domain.CodeRecord, error) {
	query := `
		SELECT uid, user_id, email, image_url, description, model,
		       options_json, code, created_at, updated_at
		FROM code_records WHERE user_id = ? ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query user records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close record rows", "error", closeErr)
		}
	}()

	var records []*domain.CodeRecord
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user records: %w", err)
	}

	return records, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func scanRecord(scan func(dest ...any) error) (*domain.CodeRecord, error) {
	var record domain.CodeRecord
	var optionsJSON, code string
	var createdAt, updatedAt int64

	err := scan(
		&record.UID, &record.UserID, &record.Email,
		&record.ImageURL, &record.Description, &record.Model,
		&optionsJSON, &code, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Options = domain.ParseGenerationOptions(optionsJSON)
	record.Code = domain.CodeBody{Content: code}
	record.CreatedAt = time.Unix(createdAt, 0)
	record.UpdatedAt = time.Unix(updatedAt, 0)
	return &record, nil
}

// isSQLiteConflict reports SQLITE_BUSY / "database is locked" errors, the
// two concurrency failures that warrant a retry.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
