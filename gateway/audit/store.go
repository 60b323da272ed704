package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
	ErrIdempotencyMismatch = errors.New("audit: idempotency key reused with a different request")
	// ErrIdempotencyPending is returned while the request that reserved a key
	// is still running.
	ErrIdempotencyPending = errors.New("audit: idempotency key in use by a running request")
)

// statusPending marks a reserved key whose request has not finished.
const statusPending = 0

// Entry is one served API request.
type Entry struct {
	RequestID      string
	Caller         string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseStatus int
	ResponseBody   []byte
	Timestamp      time.Time
}

// StoredResponse is a cached response replayed for a repeated idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// Store persists the request audit trail and idempotency keys in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            caller TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL,
            PRIMARY KEY(caller, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL,
            request_id TEXT,
            caller TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("audit: init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Insert appends entry to the audit log.
func (s *Store) Insert(ctx context.Context, entry Entry) error {
	const stmt = `INSERT INTO audit_log(occurred_at, request_id, caller, method, path, request_body, response_status, response_body) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, stmt, ts.UTC(), entry.RequestID, entry.Caller, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody)
	return err
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT occurred_at, request_id, caller, method, path, request_body, response_status, response_body FROM audit_log ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			entry     Entry
			requestID sql.NullString
			caller    sql.NullString
			status    sql.NullInt64
		)
		if err := rows.Scan(&entry.Timestamp, &requestID, &caller, &entry.Method, &entry.Path, &entry.RequestBody, &status, &entry.ResponseBody); err != nil {
			return nil, err
		}
		entry.RequestID = requestID.String
		entry.Caller = caller.String
		entry.ResponseStatus = int(status.Int64)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// LookupIdempotency returns the cached response for (caller, key). A nil
// response with a nil error means the key is unused.
func (s *Store) LookupIdempotency(ctx context.Context, caller, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT request_hash, response_status, response_body FROM idempotency_keys WHERE caller = ? AND idempotency_key = ?`
	var (
		storedHash string
		resp       StoredResponse
	)
	err := s.db.QueryRowContext(ctx, query, caller, key).Scan(&storedHash, &resp.Status, &resp.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &resp, nil
}

// ReserveIdempotency claims (caller, key) before the request runs. A nil
// response with a nil error means the key is now held by the caller, who must
// finish with SaveIdempotency or ReleaseIdempotency. Otherwise the cached
// response, ErrIdempotencyPending or ErrIdempotencyMismatch is returned.
func (s *Store) ReserveIdempotency(ctx context.Context, caller, key, requestHash string) (*StoredResponse, error) {
	const stmt = `INSERT INTO idempotency_keys(caller, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(caller, idempotency_key) DO NOTHING`
	res, err := s.db.ExecContext(ctx, stmt, caller, key, requestHash, statusPending, []byte{}, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if claimed == 1 {
		return nil, nil
	}
	resp, err := s.LookupIdempotency(ctx, caller, key, requestHash)
	if err != nil {
		return nil, err
	}
	// A missing row was released after the insert lost; the holder is retrying.
	if resp == nil || resp.Status == statusPending {
		return nil, ErrIdempotencyPending
	}
	return resp, nil
}

// SaveIdempotency records the response produced for (caller, key), completing
// a reservation when one exists.
func (s *Store) SaveIdempotency(ctx context.Context, caller, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT INTO idempotency_keys(caller, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(caller, idempotency_key) DO UPDATE SET response_status = excluded.response_status, response_body = excluded.response_body
        WHERE idempotency_keys.request_hash = excluded.request_hash`
	if body == nil {
		body = []byte{}
	}
	_, err := s.db.ExecContext(ctx, stmt, caller, key, requestHash, status, body, time.Now().UTC())
	return err
}

// ReleaseIdempotency drops an unfinished reservation so the key can be
// retried. Completed keys are kept.
func (s *Store) ReleaseIdempotency(ctx context.Context, caller, key string) error {
	const stmt = `DELETE FROM idempotency_keys WHERE caller = ? AND idempotency_key = ? AND response_status = ?`
	_, err := s.db.ExecContext(ctx, stmt, caller, key, statusPending)
	return err
}
