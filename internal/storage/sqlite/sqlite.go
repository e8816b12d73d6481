// Package sqlite is the relational storage backend. All branches and
// tags share one SQLite database; every row carries a branch column,
// and creating a branch or tag copies the source rows under the new
// name. Tags additionally get a row in the tag table and are rejected
// by every mutating operation.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/vu-isis/depi/internal/storage"
)

func init() {
	storage.Register("sqlite", Open)
}

const schema = `
CREATE TABLE IF NOT EXISTS branch (
	name           TEXT PRIMARY KEY,
	last_version   INTEGER NOT NULL DEFAULT 0,
	parent_name    TEXT NOT NULL DEFAULT '',
	parent_version INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tag (
	name    TEXT PRIMARY KEY,
	branch  TEXT NOT NULL,
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS resource_group (
	branch  TEXT NOT NULL,
	tool_id TEXT NOT NULL,
	url     TEXT NOT NULL,
	name    TEXT NOT NULL,
	version TEXT NOT NULL,
	PRIMARY KEY (branch, tool_id, url)
);

CREATE TABLE IF NOT EXISTS resource (
	branch  TEXT NOT NULL,
	tool_id TEXT NOT NULL,
	rg_url  TEXT NOT NULL,
	url     TEXT NOT NULL,
	name    TEXT NOT NULL,
	id      TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (branch, tool_id, rg_url, url)
);

CREATE TABLE IF NOT EXISTS link (
	branch             TEXT NOT NULL,
	from_tool_id       TEXT NOT NULL,
	from_rg_url        TEXT NOT NULL,
	from_url           TEXT NOT NULL,
	to_tool_id         TEXT NOT NULL,
	to_rg_url          TEXT NOT NULL,
	to_url             TEXT NOT NULL,
	dirty              INTEGER NOT NULL DEFAULT 0,
	deleted            INTEGER NOT NULL DEFAULT 0,
	last_clean_version TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (branch, from_tool_id, from_rg_url, from_url, to_tool_id, to_rg_url, to_url)
);

CREATE INDEX IF NOT EXISTS idx_link_to
	ON link (branch, to_tool_id, to_rg_url, to_url);

CREATE TABLE IF NOT EXISTS inferred_dirtiness (
	branch                    TEXT NOT NULL,
	from_tool_id              TEXT NOT NULL,
	from_rg_url               TEXT NOT NULL,
	from_url                  TEXT NOT NULL,
	to_tool_id                TEXT NOT NULL,
	to_rg_url                 TEXT NOT NULL,
	to_url                    TEXT NOT NULL,
	source_tool_id            TEXT NOT NULL,
	source_rg_url             TEXT NOT NULL,
	source_url                TEXT NOT NULL,
	source_last_clean_version TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (branch, from_tool_id, from_rg_url, from_url,
		to_tool_id, to_rg_url, to_url,
		source_tool_id, source_rg_url, source_url)
);
`

// DB is the relational branch/tag catalog. Mutating transactions are
// serialized through mu so pooled writers never race for the write
// lock.
type DB struct {
	mu  sync.Mutex
	sql *sql.DB
	cfg *storage.Config
}

// Open opens (or creates) the database at cfg.Path and makes sure the
// schema and the default branch exist.
func Open(cfg *storage.Config) (storage.DB, error) {
	conn, err := sql.Open("sqlite3", "file:"+cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if cfg.PoolSize > 0 {
		conn.SetMaxOpenConns(cfg.PoolSize)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	db := &DB{sql: conn, cfg: cfg}
	_, err = conn.Exec(
		"INSERT INTO branch (name, last_version) VALUES (?, 1) ON CONFLICT (name) DO NOTHING",
		db.defaultBranch())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating default branch: %w", err)
	}
	return db, nil
}

func (db *DB) defaultBranch() string {
	if db.cfg.DefaultBranch != "" {
		return db.cfg.DefaultBranch
	}
	return "main"
}

// GetBranch resolves a branch or tag by name. Tags come back as
// read-only branches.
func (db *DB) GetBranch(name string) (storage.Branch, error) {
	var n string
	err := db.sql.QueryRow("SELECT name FROM branch WHERE name = ?", name).Scan(&n)
	if err == nil {
		return &Branch{db: db, name: name}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	err = db.sql.QueryRow("SELECT name FROM tag WHERE name = ?", name).Scan(&n)
	if err == nil {
		return &Branch{db: db, name: name, isTag: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrUnknownBranch, name)
}

// copyRows duplicates all state rows of one branch or tag under a new
// branch name.
func copyRows(tx *sql.Tx, from, to string) error {
	stmts := []string{
		`INSERT INTO resource_group (branch, tool_id, url, name, version)
			SELECT ?, tool_id, url, name, version FROM resource_group WHERE branch = ?`,
		`INSERT INTO resource (branch, tool_id, rg_url, url, name, id, deleted)
			SELECT ?, tool_id, rg_url, url, name, id, deleted FROM resource WHERE branch = ?`,
		`INSERT INTO link (branch, from_tool_id, from_rg_url, from_url,
				to_tool_id, to_rg_url, to_url, dirty, deleted, last_clean_version)
			SELECT ?, from_tool_id, from_rg_url, from_url,
				to_tool_id, to_rg_url, to_url, dirty, deleted, last_clean_version
			FROM link WHERE branch = ?`,
		`INSERT INTO inferred_dirtiness (branch, from_tool_id, from_rg_url, from_url,
				to_tool_id, to_rg_url, to_url,
				source_tool_id, source_rg_url, source_url, source_last_clean_version)
			SELECT ?, from_tool_id, from_rg_url, from_url,
				to_tool_id, to_rg_url, to_url,
				source_tool_id, source_rg_url, source_url, source_last_clean_version
			FROM inferred_dirtiness WHERE branch = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, to, from); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) nameTaken(tx *sql.Tx, name string) (bool, error) {
	var n string
	err := tx.QueryRow("SELECT name FROM branch WHERE name = ?", name).Scan(&n)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	err = tx.QueryRow("SELECT name FROM tag WHERE name = ?", name).Scan(&n)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	return false, nil
}

// CreateBranch copies the state of a branch or tag into a new branch.
func (db *DB) CreateBranch(name, from string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	tx, err := db.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	taken, err := db.nameTaken(tx, name)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: %s", storage.ErrBranchExists, name)
	}

	var parentVersion int
	err = tx.QueryRow("SELECT last_version FROM branch WHERE name = ?", from).Scan(&parentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRow("SELECT version FROM tag WHERE name = ?", from).Scan(&parentVersion)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", storage.ErrUnknownBranch, from)
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		"INSERT INTO branch (name, last_version, parent_name, parent_version) VALUES (?, 1, ?, ?)",
		name, from, parentVersion)
	if err != nil {
		return err
	}
	if err := copyRows(tx, from, name); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateTag pins an immutable copy of a branch.
func (db *DB) CreateTag(name, fromBranch string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	tx, err := db.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	taken, err := db.nameTaken(tx, name)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: %s", storage.ErrBranchExists, name)
	}

	var version int
	err = tx.QueryRow("SELECT last_version FROM branch WHERE name = ?", fromBranch).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", storage.ErrUnknownBranch, fromBranch)
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec("INSERT INTO tag (name, branch, version) VALUES (?, ?, ?)",
		name, fromBranch, version)
	if err != nil {
		return err
	}
	if err := copyRows(tx, fromBranch, name); err != nil {
		return err
	}
	return tx.Commit()
}

// BranchList returns the branch names.
func (db *DB) BranchList() ([]string, error) {
	return db.listNames("SELECT name FROM branch ORDER BY name")
}

// TagList returns the tag names.
func (db *DB) TagList() ([]string, error) {
	return db.listNames("SELECT name FROM tag ORDER BY name")
}

func (db *DB) listNames(query string) ([]string, error) {
	rows, err := db.sql.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the underlying database.
func (db *DB) Close() error {
	return db.sql.Close()
}
