package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// DB wraps the SQLite database holding chunk records, watermarks, and
// runtime state. WAL mode, single writer connection.
type DB struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	id         TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	path_hash  TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	total      INTEGER NOT NULL,
	embedding  BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_path_hash ON chunks(path_hash);

CREATE TABLE IF NOT EXISTS watermarks (
	path  TEXT PRIMARY KEY,
	mtime INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// OpenDB opens (or creates) the database at path. An empty path opens an
// in-memory database for testing.
func OpenDB(path string) (*DB, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer prevents lock contention; SQLite serializes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN pragmas may be ignored by modernc.org/sqlite; set explicitly.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// SaveChunks inserts or replaces chunk records in one transaction.
func (d *DB) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks
			(id, path, path_hash, title, content, seq, total, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().Unix()
	for _, c := range chunks {
		created := c.CreatedAt.Unix()
		if c.CreatedAt.IsZero() {
			created = now
		}
		_, err := stmt.ExecContext(ctx,
			c.ID, c.Path, PathHash(c.Path), c.Title, c.Text,
			c.Seq, c.Total, encodeVector(c.Embedding), created, now)
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// DeleteChunksByPath removes every chunk for a note path, matching on the
// stored path hash. Returns the number of rows removed.
func (d *DB) DeleteChunksByPath(ctx context.Context, path string) (int, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE path_hash = ?`, PathHash(path))
	if err != nil {
		return 0, fmt.Errorf("delete chunks for %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// AllChunks streams every chunk record in (path, seq) order, invoking fn
// per row. A scan error or an error from fn aborts the iteration.
func (d *DB) AllChunks(ctx context.Context, fn func(*Chunk) error) error {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, path, title, content, seq, total, embedding, created_at, updated_at
		FROM chunks ORDER BY path, seq`)
	if err != nil {
		return fmt.Errorf("query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			c        Chunk
			blob     []byte
			created  int64
			updated  int64
		)
		if err := rows.Scan(&c.ID, &c.Path, &c.Title, &c.Text, &c.Seq, &c.Total, &blob, &created, &updated); err != nil {
			return fmt.Errorf("scan chunk: %w", err)
		}
		c.Embedding = decodeVector(blob)
		c.CreatedAt = time.Unix(created, 0)
		c.UpdatedAt = time.Unix(updated, 0)
		if err := fn(&c); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountChunks returns the number of chunk records.
func (d *DB) CountChunks(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// ClearChunks deletes every chunk record. Used by migration rollback.
func (d *DB) ClearChunks(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	return nil
}

// GetWatermark returns the last-indexed mtime for a path.
func (d *DB) GetWatermark(ctx context.Context, path string) (time.Time, bool, error) {
	var mtime int64
	err := d.db.QueryRowContext(ctx,
		`SELECT mtime FROM watermarks WHERE path = ?`, path).Scan(&mtime)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get watermark %s: %w", path, err)
	}
	return time.Unix(0, mtime), true, nil
}

// SetWatermark durably records the last-indexed mtime for a path.
func (d *DB) SetWatermark(ctx context.Context, path string, mtime time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO watermarks (path, mtime) VALUES (?, ?)`,
		path, mtime.UnixNano())
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", path, err)
	}
	return nil
}

// DeleteWatermark removes the watermark entry for a path.
func (d *DB) DeleteWatermark(ctx context.Context, path string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM watermarks WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete watermark %s: %w", path, err)
	}
	return nil
}

// AllWatermarks returns the full watermark map.
func (d *DB) AllWatermarks(ctx context.Context) (map[string]time.Time, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT path, mtime FROM watermarks`)
	if err != nil {
		return nil, fmt.Errorf("query watermarks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	marks := make(map[string]time.Time)
	for rows.Next() {
		var (
			path  string
			mtime int64
		)
		if err := rows.Scan(&path, &mtime); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		marks[path] = time.Unix(0, mtime)
	}
	return marks, rows.Err()
}

// GetState returns a state value, or "" if unset.
func (d *DB) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx,
		`SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState durably stores a state value.
func (d *DB) SetState(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO state (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// encodeVector serializes a float32 vector as little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(v)*4))
	for _, f := range v {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

// decodeVector deserializes a little-endian float32 vector.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
