package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB is a SQLite-backed Store.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// DefaultDBPath returns the default location of the dispatch database,
// honoring XDG_DATA_HOME.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "dispatch", "dispatch.db")
}

// Open opens a SQLite database at the given path, creating parent
// directories as needed. WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

func (d *DB) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS records (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	kind       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_id, kind, created_at);
`
	if _, err := d.conn.Exec(schema); err != nil {
		return fmt.Errorf("migrate records schema: %w", err)
	}
	return nil
}

// Save writes a record and returns its generated ID.
func (d *DB) Save(ownerID, kind string, content map[string]any) (string, error) {
	payload, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal record content: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.conn.Exec(
		"INSERT INTO records (id, owner_id, kind, content, created_at) VALUES (?, ?, ?, ?, ?)",
		id, ownerID, kind, string(payload), now,
	)
	if err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}
	return id, nil
}

// Recent returns up to limit records for an owner, newest first.
// An empty kind matches all kinds.
func (d *DB) Recent(ownerID, kind string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT id, owner_id, kind, content, created_at FROM records WHERE owner_id = ?"
	args := []any{ownerID}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var content string
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Kind, &content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &r.Content); err != nil {
			return nil, fmt.Errorf("unmarshal record %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// LatestByKind returns each owner's newest record of the given kind.
func (d *DB) LatestByKind(kind string) (map[string]Record, error) {
	const query = `
SELECT r.id, r.owner_id, r.kind, r.content, r.created_at
FROM records r
JOIN (
	SELECT owner_id, MAX(created_at) AS latest
	FROM records WHERE kind = ? GROUP BY owner_id
) newest ON r.owner_id = newest.owner_id AND r.created_at = newest.latest
WHERE r.kind = ?`

	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.conn.Query(query, kind, kind)
	if err != nil {
		return nil, fmt.Errorf("query latest records: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]Record)
	for rows.Next() {
		var r Record
		var content string
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Kind, &content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &r.Content); err != nil {
			return nil, fmt.Errorf("unmarshal record %s: %w", r.ID, err)
		}
		latest[r.OwnerID] = r
	}
	return latest, rows.Err()
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}
