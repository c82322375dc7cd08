// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"
	pgq "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgcopydb-go/pgcopydb-go/internal/lockfile"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/catalog"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/errs"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/model"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/queue"
)

// validateDDL guards against a malformed restore-list entry (a truncated or
// corrupted CREATE INDEX/ALTER TABLE definition pulled from the source
// catalog) reaching the target connection as raw SQL.
func validateDDL(sql string) error {
	if _, err := pgq.Parse(sql); err != nil {
		return fmt.Errorf("parse restore-list definition: %w", err)
	}
	return nil
}

// runIndexWorker is one of indexJobs workers draining the index queue. It
// handles two message kinds on the same queue: MessageOID build-phase
// indexes (plain indexes and ones backing a primary key or unique
// constraint), and MessageConOID constraint-only jobs whose backing index
// is built as a side effect of ADD CONSTRAINT (§4.3).
func (s *Scheduler) runIndexWorker(ctx context.Context) error {
	pid := os.Getpid()
	flags := queue.CancelFlagsFrom(ctx)

	for {
		if flags.AskedToStopFast() {
			return nil
		}

		msg, err := s.indexQueue.Receive(ctx)
		if err != nil {
			return err
		}
		if msg.Type == queue.MessageStop {
			return nil
		}
		if flags.AskedToStop() {
			continue
		}

		var jobErr error
		switch msg.Type {
		case queue.MessageConOID:
			jobErr = s.installConstraint(ctx, pid, uint32(msg.Payload))
		default:
			jobErr = s.buildOneIndex(ctx, pid, uint32(msg.Payload))
		}
		if jobErr != nil {
			s.logger.LogWorkerError(jobErr)
			if s.cfg.FailFast {
				flags.AskToStopFast()
				return jobErr
			}
		}
	}
}

func (s *Scheduler) buildOneIndex(ctx context.Context, pid int, indexOID uint32) error {
	idx, err := s.sourceStore.LookupIndex(ctx, indexOID)
	if err != nil {
		return errs.WorkerError{Kind: "index", Key: "unknown index", Err: err}
	}

	key := catalog.ClaimKey{Kind: catalog.SummaryIndex, IndexOID: indexOID}
	claimed, err := s.sourceStore.Claim(ctx, key, pid, "CREATE INDEX")
	if err != nil {
		return errs.WorkerError{Kind: "index", Key: idx.Name, Err: err}
	}
	if !claimed {
		return s.afterIndexDone(ctx, idx)
	}

	lockKey := fmt.Sprintf("%d", indexOID)
	donePath := lockfile.DonePath(s.lockDir, "index", lockKey)
	lock, held, err := lockfile.TryAcquire(lockfile.Path(s.lockDir, "index", lockKey))
	if err != nil {
		return errs.WorkerError{Kind: "index", Key: idx.Name, Err: err}
	}
	if !held {
		return s.afterIndexDone(ctx, idx)
	}
	defer lock.Release() //nolint:errcheck

	if err := s.sems.Index.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sems.Index.Release(1)

	s.logger.LogIndexStart(idx.Name)
	start := time.Now()

	conn, err := s.target.DB.Conn(ctx)
	if err != nil {
		return errs.WorkerError{Kind: "index", Key: idx.Name, Err: err}
	}
	defer conn.Close()

	stmt := idx.Def
	if s.cfg.Resume {
		stmt = withIfNotExists(stmt)
	}
	if err := validateDDL(stmt); err != nil {
		return errs.WorkerError{Kind: "index", Key: idx.Name, Err: err}
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return errs.WorkerError{Kind: "index", Key: idx.Name, Err: err}
	}

	if err := s.sourceStore.Finalize(ctx, key, time.Since(start).Milliseconds(), 0); err != nil {
		return errs.WorkerError{Kind: "index", Key: idx.Name, Err: err}
	}
	if err := lockfile.MarkDone(donePath); err != nil {
		return errs.WorkerError{Kind: "index", Key: idx.Name, Err: err}
	}
	if s.phaseTimings.createIndex != nil {
		if err := s.phaseTimings.createIndex.Increment(ctx, 1, 0); err != nil {
			return errs.WorkerError{Kind: "index", Key: idx.Name, Err: err}
		}
	}
	s.logger.LogIndexComplete(idx.Name)

	return s.afterIndexDone(ctx, idx)
}

// afterIndexDone checks whether the table's build-phase indexes are all
// finished; the worker that wins s_table_indexes_done enqueues the table's
// primary-key/unique indexes as constraint jobs.
func (s *Scheduler) afterIndexDone(ctx context.Context, idx *model.Index) error {
	left, err := s.sourceStore.CountIndexesLeft(ctx, idx.TableOID)
	if err != nil {
		return errs.WorkerError{Kind: "index", Key: idx.Name, Err: err}
	}
	if left > 0 {
		return nil
	}

	wonElection, err := s.sourceStore.ClaimTableIndexesDone(ctx, idx.TableOID, os.Getpid())
	if err != nil {
		return errs.WorkerError{Kind: "index", Key: idx.Name, Err: err}
	}
	if !wonElection {
		return nil
	}

	it, err := s.sourceStore.IterateIndexesOfTable(ctx, idx.TableOID)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		candidate, ok := it.Next(ctx)
		if !ok {
			break
		}
		if !candidate.HasConstraint() || !candidate.UsableForConstraint() {
			continue
		}
		msg := queue.Message{Type: queue.MessageConOID, Payload: uint64(candidate.OID)}
		if err := s.indexQueue.Send(ctx, msg); err != nil {
			return err
		}
	}
	return it.Err()
}

func (s *Scheduler) installConstraint(ctx context.Context, pid int, indexOID uint32) error {
	idx, err := s.sourceStore.LookupIndex(ctx, indexOID)
	if err != nil {
		return errs.WorkerError{Kind: "constraint", Key: "unknown index", Err: err}
	}
	if !idx.HasConstraint() {
		return errs.InvariantError{Reason: fmt.Sprintf("constraint job for index %s with no backing constraint", idx.Name)}
	}

	key := catalog.ClaimKey{Kind: catalog.SummaryConstraint, TableOID: idx.TableOID, ConOID: idx.ConstraintOID}
	claimed, err := s.sourceStore.Claim(ctx, key, pid, "ADD CONSTRAINT")
	if err != nil {
		return errs.WorkerError{Kind: "constraint", Key: idx.ConstraintName, Err: err}
	}
	if !claimed {
		return nil
	}

	table, err := s.sourceStore.LookupTable(ctx, idx.TableOID)
	if err != nil {
		return errs.WorkerError{Kind: "constraint", Key: idx.ConstraintName, Err: err}
	}

	s.logger.LogConstraintStart(idx.ConstraintName)
	start := time.Now()

	conn, err := s.target.DB.Conn(ctx)
	if err != nil {
		return errs.WorkerError{Kind: "constraint", Key: idx.ConstraintName, Err: err}
	}
	defer conn.Close()

	stmt := idx.ConstraintDef
	if idx.UsableForConstraint() {
		stmt = usingIndexConstraintSQL(table, idx)
	}
	if err := validateDDL(stmt); err != nil {
		return errs.WorkerError{Kind: "constraint", Key: idx.ConstraintName, Err: err}
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return errs.WorkerError{Kind: "constraint", Key: idx.ConstraintName, Err: err}
	}

	if err := s.sourceStore.Finalize(ctx, key, time.Since(start).Milliseconds(), 0); err != nil {
		return errs.WorkerError{Kind: "constraint", Key: idx.ConstraintName, Err: err}
	}
	if s.phaseTimings.alterTable != nil {
		if err := s.phaseTimings.alterTable.Increment(ctx, 1, 0); err != nil {
			return errs.WorkerError{Kind: "constraint", Key: idx.ConstraintName, Err: err}
		}
	}
	s.logger.LogConstraintComplete(idx.ConstraintName)
	return nil
}

// withIfNotExists rewrites "CREATE [UNIQUE] INDEX name" into
// "CREATE [UNIQUE] INDEX IF NOT EXISTS name" so --resume can replay a run
// whose target already has the index from a prior attempt.
func withIfNotExists(createIndexSQL string) string {
	const marker = "INDEX "
	i := strings.Index(createIndexSQL, marker)
	if i < 0 {
		return createIndexSQL
	}
	insertAt := i + len(marker)
	return createIndexSQL[:insertAt] + "IF NOT EXISTS " + createIndexSQL[insertAt:]
}

// usingIndexConstraintSQL builds the cheap path for attaching a primary-key
// or unique constraint to an index that has already been built, instead of
// replaying ConstraintDef (which would rebuild the index from scratch).
func usingIndexConstraintSQL(table *model.Table, idx *model.Index) string {
	kind := "UNIQUE"
	if idx.IsPrimary {
		kind = "PRIMARY KEY"
	}
	return fmt.Sprintf(
		"ALTER TABLE %s ADD CONSTRAINT %s %s USING INDEX %s",
		table.QualifiedName(), pq.QuoteIdentifier(idx.ConstraintName), kind, pq.QuoteIdentifier(idx.Name))
}
