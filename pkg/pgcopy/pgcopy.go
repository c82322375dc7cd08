// SPDX-License-Identifier: Apache-2.0

// Package pgcopy streams a table (or one partition of one) from a source
// database straight into a target database using Postgres's native COPY
// protocol on both ends, without materializing the whole result set in
// memory. It backs the copy-worker loop of the Migration Scheduler (§4.3).
package pgcopy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/model"
)

// Result reports what a Stream call moved.
type Result struct {
	Rows  int64
	Bytes int64
}

// Stream copies rows from a qualified source relation expression (a table
// name or, for a partition, a `(SELECT ... )` subquery) into the qualified
// target table, using `COPY ... TO STDOUT` on the source connection and
// `COPY ... FROM STDIN` on the target connection.
//
// source and target must each be a single, already-acquired *sql.Conn (not a
// pool): COPY FROM STDIN is a stateful, connection-scoped protocol
// extension, and predicate/snapshot set-up on the source connection (see
// pkg/scheduler) only applies to the connection it ran on.
func Stream(ctx context.Context, source, target *sql.Conn, table *model.Table, predicate string) (Result, error) {
	columns := make([]string, len(table.Attributes))
	for i, a := range table.Attributes {
		columns[i] = a.Name
	}

	selectSQL := buildSelect(table, columns, predicate)

	rows, err := source.QueryContext(ctx, selectSQL)
	if err != nil {
		return Result{}, fmt.Errorf("copy %s: open source cursor: %w", table.QualifiedName(), err)
	}
	defer rows.Close()

	tx, err := target.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("copy %s: begin target tx: %w", table.QualifiedName(), err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema(table.Schema, table.Name, columns...))
	if err != nil {
		_ = tx.Rollback()
		return Result{}, fmt.Errorf("copy %s: prepare COPY FROM STDIN: %w", table.QualifiedName(), err)
	}

	dest := make([]interface{}, len(columns))
	scanDest := make([]interface{}, len(columns))
	for i := range dest {
		scanDest[i] = &dest[i]
	}

	var result Result
	for rows.Next() {
		select {
		case <-ctx.Done():
			_ = stmt.Close()
			_ = tx.Rollback()
			return result, ctx.Err()
		default:
		}

		if err := rows.Scan(scanDest...); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return result, fmt.Errorf("copy %s: scan source row: %w", table.QualifiedName(), err)
		}
		if _, err := stmt.ExecContext(ctx, dest...); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return result, fmt.Errorf("copy %s: write row: %w", table.QualifiedName(), err)
		}
		result.Rows++
		result.Bytes += rowSize(dest)
	}
	if err := rows.Err(); err != nil {
		_ = stmt.Close()
		_ = tx.Rollback()
		return result, fmt.Errorf("copy %s: iterate source rows: %w", table.QualifiedName(), err)
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		_ = tx.Rollback()
		return result, fmt.Errorf("copy %s: finalize COPY FROM STDIN: %w", table.QualifiedName(), err)
	}
	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return result, fmt.Errorf("copy %s: close COPY statement: %w", table.QualifiedName(), err)
	}
	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("copy %s: commit target tx: %w", table.QualifiedName(), err)
	}

	return result, nil
}

func buildSelect(table *model.Table, columns []string, predicate string) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pq.QuoteIdentifier(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(table.QualifiedName())
	if predicate != "" {
		b.WriteString(" WHERE ")
		b.WriteString(predicate)
	}
	return b.String()
}

// rowSize estimates the wire size of a scanned row for the byte counters in
// pkg/catalog's timings and summary rows; it does not need to be exact, only
// monotonic and roughly proportional to what was actually transferred.
func rowSize(values []interface{}) int64 {
	var n int64
	for _, v := range values {
		switch val := v.(type) {
		case nil:
			n += 1
		case []byte:
			n += int64(len(val))
		case string:
			n += int64(len(val))
		default:
			n += 8
		}
	}
	return n
}
