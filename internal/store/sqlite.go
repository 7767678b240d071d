package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStores opens one *sql.DB and exposes MembershipStorage,
// PlacementStorage, and StateStorage implementations over it, using the
// schemas named by the persisted data model: cluster_members,
// cluster_member_failures, object_placement, and object_state.
//
// A single connection backs all three stores deliberately: SQLite
// serializes writers anyway, and production deployments that need three
// independently scaled stores are expected to implement these same
// interfaces against whatever distributed SQL or KV system they already
// operate, not against this reference adapter.
type SQLiteStores struct {
	db *sql.DB
}

// OpenSQLiteStores opens (creating if necessary) a sqlite database at
// path and ensures the schema exists.
func OpenSQLiteStores(path string) (*SQLiteStores, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers across connections
	s := &SQLiteStores{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStores) Close() error { return s.db.Close() }

func (s *SQLiteStores) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cluster_members (
			address TEXT PRIMARY KEY,
			last_seen TIMESTAMP NOT NULL,
			active BOOLEAN NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cluster_member_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			address TEXT NOT NULL,
			time TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_address_time ON cluster_member_failures(address, time)`,
		`CREATE TABLE IF NOT EXISTS object_placement (
			type_name TEXT NOT NULL,
			object_id TEXT NOT NULL,
			server_address TEXT,
			PRIMARY KEY (type_name, object_id)
		)`,
		`CREATE TABLE IF NOT EXISTS object_state (
			type_name TEXT NOT NULL,
			object_id TEXT NOT NULL,
			state_name TEXT NOT NULL,
			payload BLOB,
			PRIMARY KEY (type_name, object_id, state_name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

// Membership returns a MembershipStorage backed by this database.
func (s *SQLiteStores) Membership() MembershipStorage { return sqliteMembership{s.db} }

// Placement returns a PlacementStorage backed by this database.
func (s *SQLiteStores) Placement() PlacementStorage { return sqlitePlacement{s.db} }

// State returns a StateStorage backed by this database.
func (s *SQLiteStores) State() StateStorage { return sqliteState{s.db} }

type sqliteMembership struct{ db *sql.DB }

func (m sqliteMembership) Upsert(ctx context.Context, address string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO cluster_members(address, last_seen, active) VALUES (?, ?, 1)
		ON CONFLICT(address) DO UPDATE SET last_seen = excluded.last_seen, active = 1
	`, address, time.Now())
	if err != nil {
		return fmt.Errorf("store: upsert member %s: %w", address, err)
	}
	return nil
}

func (m sqliteMembership) SetActive(ctx context.Context, address string, active bool) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO cluster_members(address, last_seen, active) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET active = excluded.active
	`, address, time.Now(), active)
	if err != nil {
		return fmt.Errorf("store: set active %s: %w", address, err)
	}
	return nil
}

func (m sqliteMembership) ListActive(ctx context.Context) ([]MemberEntry, error) {
	return m.query(ctx, `SELECT address, last_seen, active FROM cluster_members WHERE active = 1`)
}

func (m sqliteMembership) ListAll(ctx context.Context) ([]MemberEntry, error) {
	return m.query(ctx, `SELECT address, last_seen, active FROM cluster_members`)
}

func (m sqliteMembership) query(ctx context.Context, q string, args ...any) ([]MemberEntry, error) {
	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query members: %w", err)
	}
	defer rows.Close()
	var out []MemberEntry
	for rows.Next() {
		var e MemberEntry
		if err := rows.Scan(&e.Address, &e.LastSeen, &e.Active); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (m sqliteMembership) RecordFailure(ctx context.Context, address string, at time.Time) error {
	_, err := m.db.ExecContext(ctx, `INSERT INTO cluster_member_failures(address, time) VALUES (?, ?)`, address, at)
	if err != nil {
		return fmt.Errorf("store: record failure %s: %w", address, err)
	}
	return nil
}

func (m sqliteMembership) CountFailuresSince(ctx context.Context, address string, since time.Time) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cluster_member_failures WHERE address = ? AND time >= ?`, address, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count failures %s: %w", address, err)
	}
	return n, nil
}

func (m sqliteMembership) ClearFailures(ctx context.Context, address string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM cluster_member_failures WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("store: clear failures %s: %w", address, err)
	}
	return nil
}

type sqlitePlacement struct{ db *sql.DB }

func (p sqlitePlacement) Get(ctx context.Context, typeName, objectID string) (PlacementEntry, error) {
	var e PlacementEntry
	var addr sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT type_name, object_id, server_address FROM object_placement WHERE type_name = ? AND object_id = ?`, typeName, objectID).
		Scan(&e.TypeName, &e.ObjectID, &addr)
	if err == sql.ErrNoRows {
		return PlacementEntry{}, ErrNotFound
	}
	if err != nil {
		return PlacementEntry{}, fmt.Errorf("store: get placement %s/%s: %w", typeName, objectID, err)
	}
	e.ServerAddress = addr.String
	return e, nil
}

func (p sqlitePlacement) CASInsertIfAbsent(ctx context.Context, typeName, objectID, address string) (PlacementEntry, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO object_placement(type_name, object_id, server_address) VALUES (?, ?, ?)
		ON CONFLICT(type_name, object_id) DO NOTHING
	`, typeName, objectID, address)
	if err != nil {
		return PlacementEntry{}, fmt.Errorf("store: cas insert placement %s/%s: %w", typeName, objectID, err)
	}
	return p.Get(ctx, typeName, objectID)
}

func (p sqlitePlacement) Remove(ctx context.Context, typeName, objectID, expectedAddress string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM object_placement WHERE type_name = ? AND object_id = ? AND server_address = ?`, typeName, objectID, expectedAddress)
	if err != nil {
		return fmt.Errorf("store: remove placement %s/%s: %w", typeName, objectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: remove placement rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (p sqlitePlacement) RemoveByAddress(ctx context.Context, address string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM object_placement WHERE server_address = ?`, address)
	if err != nil {
		return fmt.Errorf("store: remove placement by address %s: %w", address, err)
	}
	return nil
}

func (p sqlitePlacement) All(ctx context.Context) ([]PlacementEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT type_name, object_id, server_address FROM object_placement`)
	if err != nil {
		return nil, fmt.Errorf("store: list placements: %w", err)
	}
	defer rows.Close()
	var out []PlacementEntry
	for rows.Next() {
		var e PlacementEntry
		var addr sql.NullString
		if err := rows.Scan(&e.TypeName, &e.ObjectID, &addr); err != nil {
			return nil, fmt.Errorf("store: scan placement: %w", err)
		}
		e.ServerAddress = addr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

type sqliteState struct{ db *sql.DB }

func (s sqliteState) Load(ctx context.Context, typeName, objectID, stateName string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM object_state WHERE type_name = ? AND object_id = ? AND state_name = ?`, typeName, objectID, stateName).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load state %s/%s/%s: %w", typeName, objectID, stateName, err)
	}
	return payload, nil
}

func (s sqliteState) Save(ctx context.Context, typeName, objectID, stateName string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO object_state(type_name, object_id, state_name, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT(type_name, object_id, state_name) DO UPDATE SET payload = excluded.payload
	`, typeName, objectID, stateName, payload)
	if err != nil {
		return fmt.Errorf("store: save state %s/%s/%s: %w", typeName, objectID, stateName, err)
	}
	return nil
}

func (s sqliteState) Delete(ctx context.Context, typeName, objectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM object_state WHERE type_name = ? AND object_id = ?`, typeName, objectID)
	if err != nil {
		return fmt.Errorf("store: delete state %s/%s: %w", typeName, objectID, err)
	}
	return nil
}
