// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"database/sql"
)

// ChecksumResult is one table's data-comparison outcome (§4.5 "Data
// comparison").
type ChecksumResult struct {
	TableOID       uint32
	SourceRows     int64
	TargetRows     int64
	SourceChecksum string
	TargetChecksum string
	Matched        bool
}

// InvalidateChecksums deletes every row of the checksums table, so a stale
// comparison from a prior run is never mistaken for a fresh one (§4.5 "The
// driver invalidates cached checksums at the start of each run").
func (s *Store) InvalidateChecksums(ctx context.Context) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM checksums")
		return wrapDBError("invalidate checksums", err)
	})
}

// RecordChecksum writes one table's comparison result.
func (s *Store) RecordChecksum(ctx context.Context, r ChecksumResult) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checksums (tableoid, source_rows, target_rows, source_checksum, target_checksum, matched, done_epoch)
			VALUES (?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(tableoid) DO UPDATE SET
				source_rows=excluded.source_rows, target_rows=excluded.target_rows,
				source_checksum=excluded.source_checksum, target_checksum=excluded.target_checksum,
				matched=excluded.matched, done_epoch=1`,
			r.TableOID, r.SourceRows, r.TargetRows, r.SourceChecksum, r.TargetChecksum, boolToInt(r.Matched))
		return wrapDBError("record checksum", err)
	})
}

// Mismatches returns every recorded comparison where the two sides
// disagreed.
func (s *Store) Mismatches(ctx context.Context) ([]ChecksumResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tableoid, source_rows, target_rows, source_checksum, target_checksum, matched
		FROM checksums WHERE matched = 0 ORDER BY tableoid ASC`)
	if err != nil {
		return nil, wrapDBError("list checksum mismatches", err)
	}
	defer rows.Close()

	var results []ChecksumResult
	for rows.Next() {
		var r ChecksumResult
		var matched int
		if err := rows.Scan(&r.TableOID, &r.SourceRows, &r.TargetRows, &r.SourceChecksum, &r.TargetChecksum, &matched); err != nil {
			return nil, wrapDBError("scan checksum mismatch", err)
		}
		r.Matched = matched != 0
		results = append(results, r)
	}
	return results, rows.Err()
}
