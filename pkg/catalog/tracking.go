// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SummaryKind tags a row of the summary table with which kind of unit of
// work it tracks.
type SummaryKind string

const (
	SummaryTable      SummaryKind = "table"
	SummaryIndex      SummaryKind = "index"
	SummaryConstraint SummaryKind = "constraint"
	// SummaryLObject tracks one large-object copy; the source oid is stored
	// in the IndexOID column slot of a ClaimKey (there is no separate
	// large-object column family in the summary table).
	SummaryLObject SummaryKind = "lobject"
)

// ClaimKey identifies one unit of work tracked in the summary table. Only
// the fields relevant to Kind are meaningful: TableOID+PartNum for
// SummaryTable, IndexOID for SummaryIndex, ConOID for SummaryConstraint.
type ClaimKey struct {
	Kind     SummaryKind
	TableOID uint32
	PartNum  int
	IndexOID uint32
	ConOID   uint32
}

// Claim records the start of a unit of work, electing the calling pid as its
// owner. It returns claimed=false without error when another live pid
// already holds this unit, or it is already finalized. When the existing
// holder's pid is no longer alive, its row is stolen for the calling pid —
// the insert-or-ignore-then-steal election backing §4.3's "first worker to
// claim a partition/index owns it" rule and §5's stale-worker recovery.
func (s *Store) Claim(ctx context.Context, key ClaimKey, pid int, command string) (claimed bool, err error) {
	err = s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			INSERT INTO summary (kind, tableoid, partnum, indexoid, conoid, pid, start_epoch, command)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(kind, tableoid, partnum, indexoid, conoid) DO NOTHING`,
			string(key.Kind), key.TableOID, key.PartNum, key.IndexOID, key.ConOID, pid, time.Now().Unix(), command)
		if execErr != nil {
			return wrapDBError("claim", execErr)
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return wrapDBError("claim rows affected", execErr)
		}
		if n == 1 {
			claimed = true
			return nil
		}

		var holderPID int
		var doneEpoch int64
		err := tx.QueryRowContext(ctx, `
			SELECT pid, done_epoch FROM summary
			WHERE kind = ? AND tableoid = ? AND partnum = ? AND indexoid = ? AND conoid = ?`,
			string(key.Kind), key.TableOID, key.PartNum, key.IndexOID, key.ConOID).Scan(&holderPID, &doneEpoch)
		if err != nil {
			return wrapDBError("read claim holder", err)
		}
		if doneEpoch != 0 || pidAlive(holderPID) {
			claimed = false
			return nil
		}

		res, execErr = tx.ExecContext(ctx, `
			UPDATE summary SET pid = ?, start_epoch = ?, command = ?
			WHERE kind = ? AND tableoid = ? AND partnum = ? AND indexoid = ? AND conoid = ? AND done_epoch = 0`,
			pid, time.Now().Unix(), command,
			string(key.Kind), key.TableOID, key.PartNum, key.IndexOID, key.ConOID)
		if execErr != nil {
			return wrapDBError("steal stale claim", execErr)
		}
		n, execErr = res.RowsAffected()
		if execErr != nil {
			return wrapDBError("steal stale claim rows affected", execErr)
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// Finalize marks a previously claimed unit of work as done, recording its
// duration and byte count. Finalizing a unit that was never claimed is an
// InvariantError: the scheduler always claims before it works.
func (s *Store) Finalize(ctx context.Context, key ClaimKey, durationMs int64, bytes int64) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE summary SET done_epoch = ?, duration_ms = ?, bytes = ?
			WHERE kind = ? AND tableoid = ? AND partnum = ? AND indexoid = ? AND conoid = ?`,
			time.Now().Unix(), durationMs, bytes,
			string(key.Kind), key.TableOID, key.PartNum, key.IndexOID, key.ConOID)
		if err != nil {
			return wrapDBError("finalize", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapDBError("finalize rows affected", err)
		}
		if n == 0 {
			return InvariantError{Reason: fmt.Sprintf("finalize of unclaimed summary row %+v", key)}
		}
		return nil
	})
}

// CountPartsDone returns how many partitions of a table have a finalized
// summary row, used by the scheduler to detect "all parts copied" without
// a dedicated counter column.
func (s *Store) CountPartsDone(ctx context.Context, tableOID uint32) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM summary
		WHERE kind = ? AND tableoid = ? AND done_epoch != 0`, string(SummaryTable), tableOID).Scan(&n)
	if err != nil {
		return 0, wrapDBError("count parts done", err)
	}
	return n, nil
}

// ClaimTablePartsDone elects the calling pid as the one responsible for
// post-copy work on a table (index build, truncate-done bookkeeping) once
// every partition has finished. Only the first caller to observe all parts
// done gets claimed=true; later callers racing on the same observation are
// told they lost the election.
func (s *Store) ClaimTablePartsDone(ctx context.Context, tableOID uint32, pid int) (claimed bool, err error) {
	err = s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			INSERT INTO s_table_parts_done (tableoid, pid) VALUES (?, ?)
			ON CONFLICT(tableoid) DO NOTHING`, tableOID, pid)
		if execErr != nil {
			return wrapDBError("claim table parts done", execErr)
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return wrapDBError("claim table parts done rows affected", execErr)
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// CountIndexesLeft reports how many of a table's "build-phase" indexes
// (plain indexes, plus primary-key/unique indexes that will later be
// attached with ADD CONSTRAINT ... USING INDEX) have not yet finished
// building. Indexes backing any other constraint kind (e.g. exclusion
// constraints) build their own index as part of the constraint phase and
// are excluded from this count (§4.3 "excluding indexes that support a
// non-unique-non-primary constraint").
func (s *Store) CountIndexesLeft(ctx context.Context, tableOID uint32) (int, error) {
	var total, done int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM indexes
		WHERE table_oid = ? AND (constraint_oid = 0 OR is_primary = 1 OR is_unique = 1)`, tableOID).Scan(&total)
	if err != nil {
		return 0, wrapDBError("count buildable indexes", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM indexes i
		JOIN summary s ON s.kind = ? AND s.indexoid = i.oid AND s.done_epoch != 0
		WHERE i.table_oid = ? AND (i.constraint_oid = 0 OR i.is_primary = 1 OR i.is_unique = 1)`,
		string(SummaryIndex), tableOID).Scan(&done)
	if err != nil {
		return 0, wrapDBError("count done indexes", err)
	}
	return total - done, nil
}

// ClaimTableIndexesDone elects the calling pid as the one responsible for
// constraint/vacuum work on a table once every one of its indexes has
// finished building.
func (s *Store) ClaimTableIndexesDone(ctx context.Context, tableOID uint32, pid int) (claimed bool, err error) {
	err = s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			INSERT INTO s_table_indexes_done (tableoid, pid) VALUES (?, ?)
			ON CONFLICT(tableoid) DO NOTHING`, tableOID, pid)
		if execErr != nil {
			return wrapDBError("claim table indexes done", execErr)
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return wrapDBError("claim table indexes done rows affected", execErr)
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// ClaimTruncateDone elects the calling pid as the one responsible for
// truncating a target table before the first COPY into it, when running
// with a non-empty target (§4.3 "truncate before first write").
func (s *Store) ClaimTruncateDone(ctx context.Context, tableOID uint32, pid int) (claimed bool, err error) {
	err = s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			INSERT INTO truncate_done (tableoid, pid) VALUES (?, ?)
			ON CONFLICT(tableoid) DO NOTHING`, tableOID, pid)
		if execErr != nil {
			return wrapDBError("claim truncate done", execErr)
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return wrapDBError("claim truncate done rows affected", execErr)
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// CountTruncateDone reports whether tableOID's truncate_done marker has
// been dropped yet, for the spin-wait of non-claiming partitions (§4.3
// "other parts wait on the marker").
func (s *Store) CountTruncateDone(ctx context.Context, tableOID uint32) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM truncate_done WHERE tableoid = ?`, tableOID).Scan(&n)
	if err != nil {
		return false, wrapDBError("count truncate done", err)
	}
	return n > 0, nil
}

// ClaimVacuum elects the calling pid to vacuum a table and records the
// start time; ok is false if another pid already claimed it.
func (s *Store) ClaimVacuum(ctx context.Context, tableOID uint32, pid int) (claimed bool, err error) {
	err = s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			INSERT INTO vacuum_summary (tableoid, pid, start_epoch) VALUES (?, ?, ?)
			ON CONFLICT(tableoid) DO NOTHING`, tableOID, pid, time.Now().Unix())
		if execErr != nil {
			return wrapDBError("claim vacuum", execErr)
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return wrapDBError("claim vacuum rows affected", execErr)
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// FinalizeVacuum records the completion of a claimed vacuum.
func (s *Store) FinalizeVacuum(ctx context.Context, tableOID uint32, durationMs int64) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE vacuum_summary SET done_epoch = ?, duration_ms = ? WHERE tableoid = ?`,
			time.Now().Unix(), durationMs, tableOID)
		if err != nil {
			return wrapDBError("finalize vacuum", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapDBError("finalize vacuum rows affected", err)
		}
		if n == 0 {
			return InvariantError{Reason: fmt.Sprintf("finalize of unclaimed vacuum for table %d", tableOID)}
		}
		return nil
	})
}

// Timing is a named phase-duration-and-volume counter backing the summary
// report (§9 "Design Notes" / pkg/summary). Labels are unique per run; a
// rerun with --resume re-opens the same label and accumulates onto it.
type Timing struct {
	store *Store
	label string
}

// Timing returns a handle for the named phase, creating its row if absent.
func (s *Store) Timing(ctx context.Context, label string) (*Timing, error) {
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO timings (label) VALUES (?) ON CONFLICT(label) DO NOTHING`, label)
		return wrapDBError("create timing", err)
	})
	if err != nil {
		return nil, err
	}
	return &Timing{store: s, label: label}, nil
}

// Start records the phase's start time and, optionally, the connection
// string it targets (redacted of password by the caller).
func (t *Timing) Start(ctx context.Context, conn string) error {
	return t.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE timings SET start_epoch = ?, conn = ? WHERE label = ?`, time.Now().Unix(), conn, t.label)
		return wrapDBError("start timing", err)
	})
}

// Increment adds to the phase's running count and byte total without
// closing it out, used by long-running workers to report partial progress.
func (t *Timing) Increment(ctx context.Context, count int64, bytes int64) error {
	return t.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE timings SET count = count + ?, bytes = bytes + ? WHERE label = ?`, count, bytes, t.label)
		return wrapDBError("increment timing", err)
	})
}

// Stop closes out the phase, computing its elapsed duration from the
// recorded start time and refreshing the pretty-printed duration/byte
// columns the summary report reads directly.
func (t *Timing) Stop(ctx context.Context) error {
	return t.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		var startEpoch, count, bytes int64
		err := tx.QueryRowContext(ctx, `SELECT start_epoch, count, bytes FROM timings WHERE label = ?`, t.label).
			Scan(&startEpoch, &count, &bytes)
		if err == sql.ErrNoRows {
			return InvariantError{Reason: fmt.Sprintf("stop of unknown timing %q", t.label)}
		}
		if err != nil {
			return wrapDBError("read timing", err)
		}

		now := time.Now().Unix()
		durationMs := (now - startEpoch) * 1000
		d := time.Duration(durationMs) * time.Millisecond

		_, err = tx.ExecContext(ctx, `
			UPDATE timings
			SET done_epoch = ?, duration_ms = ?, duration_pretty = ?, bytes_pretty = ?
			WHERE label = ?`,
			now, durationMs, d.String(), prettyBytes(bytes), t.label)
		return wrapDBError("stop timing", err)
	})
}

func prettyBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// TimingReport is one timings row as read back for the run summary
// (pkg/summary).
type TimingReport struct {
	Label           string
	Conn            string
	StartEpoch      int64
	DoneEpoch       int64
	DurationMs      int64
	DurationPretty  string
	Count           int64
	Bytes           int64
	BytesPretty     string
}

// ListTimings returns every recorded phase timing, in the order each phase
// was first opened (§9 "Design Notes" / pkg/summary reads this back
// verbatim to build summary.json and the pretty table).
func (s *Store) ListTimings(ctx context.Context) ([]TimingReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT label, conn, start_epoch, done_epoch, duration_ms, duration_pretty, count, bytes, bytes_pretty
		FROM timings ORDER BY id ASC`)
	if err != nil {
		return nil, wrapDBError("list timings", err)
	}
	defer rows.Close()

	var out []TimingReport
	for rows.Next() {
		var r TimingReport
		if err := rows.Scan(&r.Label, &r.Conn, &r.StartEpoch, &r.DoneEpoch, &r.DurationMs,
			&r.DurationPretty, &r.Count, &r.Bytes, &r.BytesPretty); err != nil {
			return nil, wrapDBError("scan timing", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
