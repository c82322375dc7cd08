// SPDX-License-Identifier: Apache-2.0

// Package catalog implements the Catalog Store: a single-writer-at-a-time
// embedded relational store, backed by the pure-Go SQLite engine
// (github.com/ncruces/go-sqlite3), fronted by a process-wide counting
// semaphore held across every BEGIN...COMMIT. One file per logical role
// (source, filter, target) so the comparator can populate two isolated
// source views.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"golang.org/x/sync/semaphore"
)

// Role identifies which of the three logical databases a Store wraps.
type Role string

const (
	RoleSource Role = "source"
	RoleFilter Role = "filter"
	RoleTarget Role = "target"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tables (
	oid					INTEGER PRIMARY KEY,
	schema				TEXT NOT NULL,
	name				TEXT NOT NULL,
	restore_list_label	TEXT NOT NULL DEFAULT '',
	bytes				INTEGER NOT NULL DEFAULT 0,
	row_count			INTEGER NOT NULL DEFAULT 0,
	part_key			TEXT NOT NULL DEFAULT '',
	exclude_data		INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS attributes (
	table_oid	INTEGER NOT NULL,
	name		TEXT NOT NULL,
	ordinal		INTEGER NOT NULL,
	PRIMARY KEY (table_oid, ordinal)
);

CREATE TABLE IF NOT EXISTS table_partitions (
	table_oid	INTEGER NOT NULL,
	part_num	INTEGER NOT NULL,
	part_count	INTEGER NOT NULL,
	predicate	TEXT NOT NULL DEFAULT '',
	min_value	INTEGER NOT NULL DEFAULT 0,
	max_value	INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (table_oid, part_num)
);

CREATE TABLE IF NOT EXISTS indexes (
	oid					INTEGER PRIMARY KEY,
	namespace			TEXT NOT NULL,
	name				TEXT NOT NULL,
	table_oid			INTEGER NOT NULL,
	def					TEXT NOT NULL,
	is_primary			INTEGER NOT NULL DEFAULT 0,
	is_unique			INTEGER NOT NULL DEFAULT 0,
	restore_list_label	TEXT NOT NULL DEFAULT '',
	constraint_oid		INTEGER NOT NULL DEFAULT 0,
	constraint_name		TEXT NOT NULL DEFAULT '',
	constraint_def		TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_indexes_table_oid ON indexes(table_oid);

CREATE TABLE IF NOT EXISTS sequences (
	oid			INTEGER PRIMARY KEY,
	schema		TEXT NOT NULL,
	name		TEXT NOT NULL,
	last_value	INTEGER NOT NULL DEFAULT 0,
	is_called	INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS filtered_items (
	oid					INTEGER PRIMARY KEY,
	restore_list_label	TEXT NOT NULL DEFAULT '',
	kind				TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS large_objects (
	oid	INTEGER PRIMARY KEY
);

-- data-comparison results (§4.5): one row per table, holding both sides'
-- row-count + content-checksum and whether they matched. A run starts by
-- deleting every row (InvalidateChecksums) so a stale comparison from a
-- prior run is never mistaken for a fresh one.
CREATE TABLE IF NOT EXISTS checksums (
	tableoid		INTEGER PRIMARY KEY,
	source_rows		INTEGER NOT NULL DEFAULT 0,
	target_rows		INTEGER NOT NULL DEFAULT 0,
	source_checksum	TEXT NOT NULL DEFAULT '',
	target_checksum	TEXT NOT NULL DEFAULT '',
	matched			INTEGER NOT NULL DEFAULT 0,
	done_epoch		INTEGER NOT NULL DEFAULT 0
);

-- summary rows: kind is 'table', 'index', or 'constraint'; the (tableoid,
-- partnum) pair is used for kind='table', indexoid for kind='index', conoid
-- for kind='constraint'. pid is the owning process id; done_epoch = 0 means
-- still in flight.
CREATE TABLE IF NOT EXISTS summary (
	kind		TEXT NOT NULL,
	tableoid	INTEGER NOT NULL DEFAULT 0,
	partnum		INTEGER NOT NULL DEFAULT 0,
	indexoid	INTEGER NOT NULL DEFAULT 0,
	conoid		INTEGER NOT NULL DEFAULT 0,
	pid			INTEGER NOT NULL,
	start_epoch	INTEGER NOT NULL,
	done_epoch	INTEGER NOT NULL DEFAULT 0,
	duration_ms	INTEGER NOT NULL DEFAULT 0,
	bytes		INTEGER NOT NULL DEFAULT 0,
	command		TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (kind, tableoid, partnum, indexoid, conoid)
);

CREATE TABLE IF NOT EXISTS s_table_parts_done (
	tableoid	INTEGER PRIMARY KEY,
	pid			INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS s_table_indexes_done (
	tableoid	INTEGER PRIMARY KEY,
	pid			INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS truncate_done (
	tableoid	INTEGER PRIMARY KEY,
	pid			INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS vacuum_summary (
	tableoid	INTEGER PRIMARY KEY,
	pid			INTEGER NOT NULL,
	start_epoch	INTEGER NOT NULL,
	done_epoch	INTEGER NOT NULL DEFAULT 0,
	duration_ms	INTEGER NOT NULL DEFAULT 0
);

-- run_meta: one row, recording the pgcopydb-go version that first wrote
-- this catalog file, so a later --resume run can detect a version skew
-- between the binary and the run directory it is attaching to.
CREATE TABLE IF NOT EXISTS run_meta (
	id		INTEGER PRIMARY KEY CHECK (id = 0),
	version	TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS timings (
	id					INTEGER PRIMARY KEY AUTOINCREMENT,
	label				TEXT NOT NULL UNIQUE,
	conn				TEXT NOT NULL DEFAULT '',
	start_epoch			INTEGER NOT NULL DEFAULT 0,
	done_epoch			INTEGER NOT NULL DEFAULT 0,
	duration_ms			INTEGER NOT NULL DEFAULT 0,
	duration_pretty		TEXT NOT NULL DEFAULT '',
	count				INTEGER NOT NULL DEFAULT 0,
	bytes				INTEGER NOT NULL DEFAULT 0,
	bytes_pretty		TEXT NOT NULL DEFAULT ''
);
`

// Store wraps one of the run's three SQLite files, serializing every write
// transaction behind a single named counting semaphore shared by the whole
// process (and, via file locking performed at the OS level by the SQLite
// engine, by every other process attached to the same run directory).
type Store struct {
	db   *sql.DB
	role Role
	path string

	// sem is the "catalog" counting semaphore of §4.2, initialised to 1:
	// every BEGIN...COMMIT against this Store is serialized through it so
	// that iteration and writes never interleave (§5).
	sem *semaphore.Weighted

	mu sync.Mutex
}

// Open opens (creating if necessary) the SQLite file for the given role
// under dir, applies the schema DDL, and returns a ready Store.
func Open(ctx context.Context, dir string, role Role) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create catalog dir %q: %w", dir, err)
	}

	path := filepath.Join(dir, string(role)+".db")
	connStr := "file:" + path +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open catalog %q: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog %q: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize catalog schema %q: %w", path, err)
	}

	return &Store{
		db:   db,
		role: role,
		path: path,
		sem:  semaphore.NewWeighted(1),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Role returns which logical database this Store backs.
func (s *Store) Role() Role { return s.role }

// Path returns the on-disk file path of this Store.
func (s *Store) Path() string { return s.path }

// Reset deletes every row from every table, used by --restart to wipe a run
// directory's catalog files before starting over (the files themselves are
// removed by the caller; Reset handles the case where the Store is reused
// in-process without reopening).
func (s *Store) Reset(ctx context.Context) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		tables := []string{
			"tables", "attributes", "table_partitions", "indexes", "sequences",
			"filtered_items", "large_objects", "checksums", "summary", "s_table_parts_done",
			"s_table_indexes_done", "truncate_done", "vacuum_summary", "timings", "run_meta",
		}
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
				return fmt.Errorf("reset %s: %w", t, err)
			}
		}
		return nil
	})
}

// withWriteTx runs f inside a transaction, holding the catalog semaphore for
// its entire duration, and commits on success / rolls back on error.
func (s *Store) withWriteTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// withReadTx serializes reads through the same semaphore as writes so that
// an iterator never observes a half-committed write (§5: "reads during
// iteration are also serialized to avoid writer/iterator interleaving").
func (s *Store) withReadTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	return f(tx)
}

func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "locked") || strings.Contains(err.Error(), "busy") {
		return fmt.Errorf("%s: catalog store busy: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
