// Package nodedb persists the identity of every node seen by discovery.
package nodedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/tinkerbell/spaces/internal/layout"
)

// ErrNotFound is returned by Get for a node that was never recorded.
var ErrNotFound = errors.New("node not recorded")

// Record is one row of the nodes table.
type Record struct {
	Node      layout.NodeID `json:"node_id"`
	UUID      uuid.UUID     `json:"uuid"`
	DiskCount int           `json:"disk_count"`
	FirstSeen time.Time     `json:"first_seen"`
	LastSeen  time.Time     `json:"last_seen"`
}

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time; sqlite serializes writes anyway
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	db := &DB{conn: conn, path: path, now: time.Now}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

func (d *DB) migrate() error {
	_, err := d.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	var version int
	if err := d.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return err
	}

	for i, migration := range []string{migrationV1} {
		v := i + 1
		if v <= version {
			continue
		}
		tx, err := d.conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migration); err != nil {
			tx.Rollback() //nolint:errcheck // the migration error is returned
			return fmt.Errorf("migration v%d failed: %w", v, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			tx.Rollback() //nolint:errcheck // the insert error is returned
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS nodes (
    id INTEGER PRIMARY KEY,
    node_id TEXT UNIQUE NOT NULL,
    uuid TEXT UNIQUE NOT NULL,
    disk_count INTEGER NOT NULL DEFAULT 0,
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);
`

// Record stores that node was seen with diskCount disks. A node keeps the
// uuid it was given the first time it was recorded.
func (d *DB) Record(ctx context.Context, node layout.NodeID, diskCount int) (Record, error) {
	now := d.now().UTC().Unix()
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO nodes (node_id, uuid, disk_count, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET disk_count = excluded.disk_count, last_seen = excluded.last_seen
	`, string(node), uuid.NewString(), diskCount, now, now)
	if err != nil {
		return Record{}, fmt.Errorf("record node %s: %w", node, err)
	}

	return d.Get(ctx, node)
}

// Get returns the stored row of node.
func (d *DB) Get(ctx context.Context, node layout.NodeID) (Record, error) {
	row := d.conn.QueryRowContext(ctx,
		"SELECT node_id, uuid, disk_count, first_seen, last_seen FROM nodes WHERE node_id = ?", string(node))
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, node)
	}

	return r, err
}

// List returns every recorded node sorted by node id.
func (d *DB) List(ctx context.Context) ([]Record, error) {
	rows, err := d.conn.QueryContext(ctx,
		"SELECT node_id, uuid, disk_count, first_seen, last_seen FROM nodes ORDER BY node_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(s scanner) (Record, error) {
	var (
		r                   Record
		node, id            string
		firstSeen, lastSeen int64
	)
	if err := s.Scan(&node, &id, &r.DiskCount, &firstSeen, &lastSeen); err != nil {
		return Record{}, err
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return Record{}, fmt.Errorf("node %s has a malformed uuid: %w", node, err)
	}
	r.Node = layout.NodeID(node)
	r.UUID = u
	r.FirstSeen = time.Unix(firstSeen, 0).UTC()
	r.LastSeen = time.Unix(lastSeen, 0).UTC()

	return r, nil
}
