// SPDX-License-Identifier: Apache-2.0

package compare

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/catalog"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/db"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/errs"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/model"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/queue"
)

// tableChecksumQueue is the process-local name of the table work queue data
// comparison drains (§4.5 "A pool of tableJobs workers drains a table
// queue"). Comparator runs never overlap a scheduler run in the same
// process, so the name is fixed rather than derived from a run id.
const tableChecksumQueue = "compare-tables"

// sideResult is one side's (source or target) half of a table checksum.
type sideResult struct {
	rows     int64
	checksum string
}

// CompareData invalidates any checksums left over from a prior comparison,
// then drains every data-bearing table from sourceStore through a pool of
// tableJobs workers, each of which fires the row-count + content-checksum
// query against both source and target concurrently, records the result,
// and logs (without aborting the pool) any mismatch (§4.5 "Data
// comparison").
func CompareData(ctx context.Context, source, target *db.RDB, sourceStore *catalog.Store, tableJobs int, logger Logger) error {
	if tableJobs < 1 {
		tableJobs = 1
	}
	if logger == nil {
		logger = NewNoopLogger()
	}

	if err := sourceStore.InvalidateChecksums(ctx); err != nil {
		return errs.WorkerError{Kind: "compare", Key: "invalidate checksums", Err: err}
	}

	q := queue.Create(tableChecksumQueue, tableJobs*2)
	defer queue.Unlink(tableChecksumQueue)

	it, err := sourceStore.IterateTables(ctx)
	if err != nil {
		return err
	}
	var tables []*model.Table
	for {
		t, ok := it.Next(ctx)
		if !ok {
			break
		}
		if t.ExcludeData {
			continue
		}
		tables = append(tables, t)
	}
	if err := it.Err(); err != nil {
		it.Close()
		return err
	}
	it.Close()

	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < tableJobs; i++ {
		group.Go(func() error { return runChecksumWorker(gctx, q, source, target, sourceStore, logger) })
	}

	for _, t := range tables {
		if err := q.Send(ctx, queue.Message{Type: queue.MessageOID, Payload: uint64(t.OID)}); err != nil {
			q.Close()
			_ = group.Wait()
			return err
		}
	}
	q.Close()

	return group.Wait()
}

func runChecksumWorker(ctx context.Context, q *queue.Queue, source, target *db.RDB, sourceStore *catalog.Store, logger Logger) error {
	for {
		msg, err := q.Receive(ctx)
		if err != nil {
			return err
		}
		if msg.Type == queue.MessageStop {
			return nil
		}

		table, err := sourceStore.LookupTable(ctx, uint32(msg.Payload))
		if err != nil {
			return errs.WorkerError{Kind: "compare", Key: "unknown table", Err: err}
		}

		if err := checksumOneTable(ctx, source, target, sourceStore, table, logger); err != nil {
			logger.LogWorkerError(err)
		}
	}
}

func checksumOneTable(ctx context.Context, source, target *db.RDB, sourceStore *catalog.Store, table *model.Table, logger Logger) error {
	group, gctx := errgroup.WithContext(ctx)

	var srcResult, tgtResult sideResult
	group.Go(func() error {
		r, err := checksumSide(gctx, source, table.QualifiedName())
		if err != nil {
			return errs.WorkerError{Kind: "compare", Key: table.QualifiedName() + " (source)", Err: err}
		}
		srcResult = r
		return nil
	})
	group.Go(func() error {
		r, err := checksumSide(gctx, target, table.QualifiedName())
		if err != nil {
			return errs.WorkerError{Kind: "compare", Key: table.QualifiedName() + " (target)", Err: err}
		}
		tgtResult = r
		return nil
	})
	if err := group.Wait(); err != nil {
		return err
	}

	matched := srcResult.rows == tgtResult.rows && srcResult.checksum == tgtResult.checksum
	logger.LogTableChecked(table.Schema, table.Name, matched)
	if !matched {
		logger.LogMismatch("table", table.QualifiedName(), "checksum")
	}

	return sourceStore.RecordChecksum(ctx, catalog.ChecksumResult{
		TableOID:       table.OID,
		SourceRows:     srcResult.rows,
		TargetRows:     tgtResult.rows,
		SourceChecksum: srcResult.checksum,
		TargetChecksum: tgtResult.checksum,
		Matched:        matched,
	})
}

// checksumSide runs the row-count + order-independent content-checksum
// query inside a read-only transaction, so a long-running comparison never
// blocks concurrent writers on either end.
func checksumSide(ctx context.Context, rdb *db.RDB, qualified string) (sideResult, error) {
	tx, err := rdb.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return sideResult{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	query := fmt.Sprintf(
		`SELECT count(*), coalesce(sum(('x'||substr(md5(t::text), 1, 16))::bit(64)::bigint), 0)
		 FROM %s t`, qualified)

	var r sideResult
	if err := tx.QueryRowContext(ctx, query).Scan(&r.rows, &r.checksum); err != nil {
		return sideResult{}, err
	}
	return r, tx.Commit()
}
