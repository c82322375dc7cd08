// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/pgcopydb-go/pgcopydb-go/internal/lockfile"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/catalog"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/errs"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/model"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/pgcopy"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/queue"
)

// packTablePart and unpackTablePart encode a (tableOID, partNum) pair into
// the single 64-bit payload a queue.Message carries.
func packTablePart(tableOID uint32, partNum int) uint64 {
	return uint64(tableOID)<<32 | uint64(uint32(partNum))
}

func unpackTablePart(payload uint64) (tableOID uint32, partNum int) {
	return uint32(payload >> 32), int(uint32(payload))
}

// runCopyWorker is one of tableJobs copy workers (§4.3 "Copy worker loop").
func (s *Scheduler) runCopyWorker(ctx context.Context) error {
	pid := os.Getpid()
	flags := queue.CancelFlagsFrom(ctx)

	for {
		if flags.AskedToStopFast() {
			return nil
		}

		msg, err := s.copyQueue.Receive(ctx)
		if err != nil {
			return err
		}
		if msg.Type == queue.MessageStop {
			return nil
		}
		if flags.AskedToStop() {
			continue
		}

		tableOID, partNum := unpackTablePart(msg.Payload)
		if err := s.copyOnePart(ctx, pid, tableOID, partNum); err != nil {
			s.logger.LogWorkerError(err)
			if s.cfg.FailFast {
				flags.AskToStopFast()
				return err
			}
		}
	}
}

func (s *Scheduler) copyOnePart(ctx context.Context, pid int, tableOID uint32, partNum int) error {
	table, err := s.sourceStore.LookupTable(ctx, tableOID)
	if err != nil {
		return errs.WorkerError{Kind: "copy", Key: "unknown table", Err: err}
	}

	key := catalog.ClaimKey{Kind: catalog.SummaryTable, TableOID: tableOID, PartNum: partNum}
	claimed, err := s.sourceStore.Claim(ctx, key, pid, "COPY")
	if err != nil {
		return errs.WorkerError{Kind: "copy", Key: table.QualifiedName(), Err: err}
	}
	if !claimed {
		return nil
	}

	lockKey := fmt.Sprintf("%d.%d", tableOID, partNum)
	donePath := lockfile.DonePath(s.lockDir, "table", lockKey)
	lock, held, err := lockfile.TryAcquire(lockfile.Path(s.lockDir, "table", lockKey))
	if err != nil {
		return errs.WorkerError{Kind: "copy", Key: table.QualifiedName(), Err: err}
	}
	if !held {
		return nil
	}
	defer lock.Release() //nolint:errcheck

	s.logger.LogCopyStart(table.Schema, table.Name, partNum)
	start := time.Now()

	parts, err := s.sourceStore.PartitionsOfTable(ctx, tableOID)
	if err != nil {
		return errs.WorkerError{Kind: "copy", Key: table.QualifiedName(), Err: err}
	}
	var predicate string
	partCount := 1
	for _, p := range parts {
		partCount = p.PartCount
		if p.PartNum == partNum {
			predicate = p.Predicate
		}
	}

	if !s.cfg.Resume {
		if err := s.ensureTruncated(ctx, pid, table.OID); err != nil {
			return errs.WorkerError{Kind: "copy", Key: table.QualifiedName(), Err: err}
		}
	}

	result, err := s.streamPart(ctx, table, predicate)
	if err != nil {
		return errs.WorkerError{Kind: "copy", Key: table.QualifiedName(), Err: err}
	}

	if err := s.sourceStore.Finalize(ctx, key, time.Since(start).Milliseconds(), result.Bytes); err != nil {
		return errs.WorkerError{Kind: "copy", Key: table.QualifiedName(), Err: err}
	}
	if err := lockfile.MarkDone(donePath); err != nil {
		return errs.WorkerError{Kind: "copy", Key: table.QualifiedName(), Err: err}
	}
	if s.phaseTimings.copyData != nil {
		if err := s.phaseTimings.copyData.Increment(ctx, result.Rows, result.Bytes); err != nil {
			return errs.WorkerError{Kind: "copy", Key: table.QualifiedName(), Err: err}
		}
	}
	s.logger.LogCopyComplete(table.Schema, table.Name, partNum, result.Rows, result.Bytes)

	done, err := s.sourceStore.CountPartsDone(ctx, table.OID)
	if err != nil {
		return errs.WorkerError{Kind: "copy", Key: table.QualifiedName(), Err: err}
	}
	if done < partCount {
		return nil
	}

	wonElection, err := s.sourceStore.ClaimTablePartsDone(ctx, table.OID, pid)
	if err != nil {
		return errs.WorkerError{Kind: "copy", Key: table.QualifiedName(), Err: err}
	}
	if !wonElection {
		return nil
	}

	return s.fanOutIndexes(ctx, table)
}

// ensureTruncated guarantees TRUNCATE runs exactly once per table per run
// (§3 invariant 5). The global table-copy semaphore (weight 1) serializes
// every truncate section across every table; a worker that acquires it
// after another has already truncated this table simply observes the
// truncate_done marker and returns immediately. This blocking acquire
// plays the role of the original's "spin with small sleep" on the marker —
// a worker waiting its turn is parked by the semaphore rather than polling.
func (s *Scheduler) ensureTruncated(ctx context.Context, pid int, tableOID uint32) error {
	if err := s.sems.Table.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sems.Table.Release(1)

	already, err := s.sourceStore.CountTruncateDone(ctx, tableOID)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	table, err := s.sourceStore.LookupTable(ctx, tableOID)
	if err != nil {
		return err
	}

	conn, err := s.target.DB.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := pgcopy.Truncate(ctx, conn, table); err != nil {
		return err
	}

	if _, err := s.sourceStore.ClaimTruncateDone(ctx, tableOID, pid); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) streamPart(ctx context.Context, table *model.Table, predicate string) (pgcopy.Result, error) {
	sourceConn, err := s.source.DB.Conn(ctx)
	if err != nil {
		return pgcopy.Result{}, err
	}
	defer sourceConn.Close()

	targetConn, err := s.target.DB.Conn(ctx)
	if err != nil {
		return pgcopy.Result{}, err
	}
	defer targetConn.Close()

	if s.snapshotID != "" {
		if _, err := sourceConn.ExecContext(ctx, "BEGIN TRANSACTION ISOLATION LEVEL REPEATABLE READ, READ ONLY"); err != nil {
			return pgcopy.Result{}, err
		}
		snapshotSQL := fmt.Sprintf("SET TRANSACTION SNAPSHOT %s", pq.QuoteLiteral(s.snapshotID))
		if _, err := sourceConn.ExecContext(ctx, snapshotSQL); err != nil {
			return pgcopy.Result{}, err
		}
		defer sourceConn.ExecContext(ctx, "COMMIT") //nolint:errcheck
	}

	return pgcopy.Stream(ctx, sourceConn, targetConn, table, predicate)
}
