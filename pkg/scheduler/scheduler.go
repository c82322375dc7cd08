// SPDX-License-Identifier: Apache-2.0

// Package scheduler implements the Migration Scheduler (§4.3): it fetches
// the source schema, partitions large tables, spawns the copy/index/
// vacuum/large-object/sequence worker pools, and enforces stage ordering
// per table (copy all parts -> build indexes -> install constraints ->
// vacuum) while sequences reset concurrently with everything else.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/catalog"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/config"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/db"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/model"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/queue"
)

// phaseTimings is the subset of the fixed timing-label enumeration (§3)
// whose volume is driven by individual workers rather than by a single
// scheduler-level stage: copy_data, create_index, alter_table, vacuum,
// set_sequences, large_objects. dump_schema and finalize_schema are never
// opened, since pg_dump/pg_restore invocation is an explicit non-goal of
// this tree (pkg/summary treats an unopened label as skipped, not failed).
type phaseTimings struct {
	copyData     *catalog.Timing
	createIndex  *catalog.Timing
	alterTable   *catalog.Timing
	vacuum       *catalog.Timing
	setSequences *catalog.Timing
	largeObjects *catalog.Timing
}

func openPhaseTimings(ctx context.Context, store *catalog.Store) (phaseTimings, error) {
	labels := map[string]**catalog.Timing{}
	var pt phaseTimings
	labels["copy_data"] = &pt.copyData
	labels["create_index"] = &pt.createIndex
	labels["alter_table"] = &pt.alterTable
	labels["vacuum"] = &pt.vacuum
	labels["set_sequences"] = &pt.setSequences
	labels["large_objects"] = &pt.largeObjects

	for label, slot := range labels {
		t, err := store.Timing(ctx, label)
		if err != nil {
			return phaseTimings{}, err
		}
		if err := t.Start(ctx, ""); err != nil {
			return phaseTimings{}, err
		}
		*slot = t
	}
	return pt, nil
}

func (pt phaseTimings) stopAll(ctx context.Context) error {
	for _, t := range []*catalog.Timing{pt.copyData, pt.createIndex, pt.alterTable, pt.vacuum, pt.setSequences, pt.largeObjects} {
		if t == nil {
			continue
		}
		if err := t.Stop(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Scheduler drives one end-to-end clone run.
type Scheduler struct {
	cfg config.Config

	source *db.RDB
	target *db.RDB

	sourceStore *catalog.Store
	filterStore *catalog.Store
	targetStore *catalog.Store

	filter FilterConfig

	copyQueue    *queue.Queue
	indexQueue   *queue.Queue
	vacuumQueue  *queue.Queue
	lobjectQueue *queue.Queue

	sems *queue.Semaphores

	logger Logger

	// phaseTimings holds the Catalog Store timing handles for each
	// sub-phase of the fixed label enumeration (§3 "timings"). Individual
	// workers call Increment on their own label as each unit of work
	// finishes; the scheduler Starts them all before spawning the worker
	// pools and Stops them all once group.Wait() returns, since concurrent
	// pools don't expose a clean per-pool completion point.
	phaseTimings phaseTimings

	// lockDir is the run directory's "locks" subtree: per-table/index lock
	// and done files, maintained alongside the Catalog Store's own claim
	// rows so an external tool attached to the run directory can tell
	// which units of work are claimed or finished without opening SQLite
	// (§6 "used to interoperate with external resume runs").
	lockDir string

	// snapshotID, when non-empty, is passed to every copy worker's
	// SET TRANSACTION SNAPSHOT so all table copies observe one consistent
	// point in time (--consistent, §6). exportConn/exportTx hold the
	// exporting session open for the run's duration, since a snapshot
	// exported by pg_export_snapshot() is only valid while that session's
	// transaction remains open.
	snapshotID string
	exportConn *sql.Conn
	exportTx   *sql.Tx

	// tablesPendingFanOut counts tables that have not yet had fanOutIndexes
	// called on them. Every producer into indexQueue/vacuumQueue runs
	// inside fanOutIndexes, so once this reaches zero both queues are safe
	// to Close: no further Send can occur.
	tablesPendingFanOut atomic.Int64
}

// New builds a Scheduler over already-open source/target connections and
// already-open Catalog Stores for the three roles.
func New(cfg config.Config, source, target *db.RDB, sourceStore, filterStore, targetStore *catalog.Store, filter FilterConfig, logger Logger) *Scheduler {
	if logger == nil {
		logger = NewNoopLogger()
	}
	runID := fmt.Sprintf("%d", os.Getpid())
	return &Scheduler{
		cfg:          cfg,
		source:       source,
		target:       target,
		sourceStore:  sourceStore,
		filterStore:  filterStore,
		targetStore:  targetStore,
		filter:       filter,
		copyQueue:    queue.Create("copy-"+runID, cfg.TableJobs*4),
		indexQueue:   queue.Create("index-"+runID, cfg.IndexJobs*8),
		vacuumQueue:  queue.Create("vacuum-"+runID, cfg.VacuumJobs*4),
		lobjectQueue: queue.Create("lobject-"+runID, 64),
		sems:         queue.NewSemaphores(cfg.IndexJobs),
		logger:       logger,
		lockDir:      cfg.RunDir,
	}
}

// Close unlinks this run's named queues and releases any exported snapshot.
func (s *Scheduler) Close() {
	s.releaseSnapshot()
	queues := []*queue.Queue{s.copyQueue, s.indexQueue, s.vacuumQueue, s.lobjectQueue}
	for _, q := range queues {
		queue.Unlink(q.Name())
	}
}

// exportSnapshot opens a dedicated REPEATABLE READ transaction on the
// source and exports its snapshot, so every copy worker can SET TRANSACTION
// SNAPSHOT onto the same point in time (--consistent, §6). The transaction
// is held open until releaseSnapshot runs.
func (s *Scheduler) exportSnapshot(ctx context.Context) error {
	conn, err := s.source.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("consistent snapshot: open connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		conn.Close()
		return fmt.Errorf("consistent snapshot: begin: %w", err)
	}
	var id string
	if err := tx.QueryRowContext(ctx, "SELECT pg_export_snapshot()").Scan(&id); err != nil {
		tx.Rollback() //nolint:errcheck
		conn.Close()
		return fmt.Errorf("consistent snapshot: export: %w", err)
	}
	s.exportConn = conn
	s.exportTx = tx
	s.snapshotID = id
	return nil
}

func (s *Scheduler) releaseSnapshot() {
	if s.exportTx != nil {
		s.exportTx.Rollback() //nolint:errcheck
		s.exportTx = nil
	}
	if s.exportConn != nil {
		s.exportConn.Close()
		s.exportConn = nil
	}
}

// Run executes Stage A through Stage E and returns once every worker pool
// has drained (or a fast-stop was broadcast).
func (s *Scheduler) Run(ctx context.Context) error {
	flags := queue.NewCancelFlags()
	ctx = queue.WithCancelFlags(ctx, flags)

	if s.cfg.Restart {
		if err := s.sourceStore.Reset(ctx); err != nil {
			return fmt.Errorf("restart: reset source catalog: %w", err)
		}
		if err := s.targetStore.Reset(ctx); err != nil {
			return fmt.Errorf("restart: reset target catalog: %w", err)
		}
	}

	totalTiming, err := s.sourceStore.Timing(ctx, "total")
	if err != nil {
		return err
	}
	if err := totalTiming.Start(ctx, ""); err != nil {
		return err
	}
	defer totalTiming.Stop(ctx) //nolint:errcheck

	catalogTiming, err := s.sourceStore.Timing(ctx, "catalog_queries")
	if err != nil {
		return err
	}
	if err := catalogTiming.Start(ctx, ""); err != nil {
		return err
	}
	s.logger.LogStageStart("catalog_queries")
	tables, sequences, err := FetchSchema(ctx, s.source, s.filter)
	if err != nil {
		return err
	}
	if err := s.sourceStore.UpsertTables(ctx, tables); err != nil && !s.cfg.Resume {
		return fmt.Errorf("stage A: upsert tables: %w", err)
	}
	if err := s.sourceStore.UpsertSequences(ctx, sequences); err != nil && !s.cfg.Resume {
		return fmt.Errorf("stage A: upsert sequences: %w", err)
	}

	var lobjects []*model.LargeObject
	if !s.cfg.SkipLargeObjects {
		lobjects, err = FetchLargeObjects(ctx, s.source)
		if err != nil {
			return fmt.Errorf("stage A: fetch large objects: %w", err)
		}
		if err := s.sourceStore.UpsertLargeObjects(ctx, lobjects); err != nil && !s.cfg.Resume {
			return fmt.Errorf("stage A: upsert large objects: %w", err)
		}
	}
	if err := catalogTiming.Increment(ctx, int64(len(tables)+len(sequences)+len(lobjects)), 0); err != nil {
		return err
	}
	if err := catalogTiming.Stop(ctx); err != nil {
		return err
	}
	s.logger.LogStageComplete("catalog_queries")

	prepareTiming, err := s.sourceStore.Timing(ctx, "prepare_schema")
	if err != nil {
		return err
	}
	if err := prepareTiming.Start(ctx, ""); err != nil {
		return err
	}
	s.logger.LogStageStart("prepare_schema")
	for _, t := range tables {
		var parts []*model.TablePartition
		if t.PartKey != "" {
			lo, hi, ok, err := FetchKeyRange(ctx, s.source, t)
			if err != nil {
				return fmt.Errorf("stage B: %w", err)
			}
			if ok {
				parts = PlanPartitions(t, s.cfg.SplitTablesLargerThan, lo, hi)
			}
		}
		if parts == nil {
			parts = []*model.TablePartition{{TableOID: t.OID, PartNum: 0, PartCount: 1}}
		}
		if err := s.sourceStore.UpsertPartitions(ctx, parts); err != nil {
			return fmt.Errorf("stage B: persist partitions of %s: %w", t.QualifiedName(), err)
		}
		s.logger.LogTableQueued(t.Schema, t.Name, len(parts))
	}
	if err := prepareTiming.Stop(ctx); err != nil {
		return err
	}
	s.logger.LogStageComplete("prepare_schema")

	dataTiming, err := s.sourceStore.Timing(ctx, "total_data")
	if err != nil {
		return err
	}
	if err := dataTiming.Start(ctx, ""); err != nil {
		return err
	}
	if s.cfg.Consistent && s.snapshotID == "" {
		if err := s.exportSnapshot(ctx); err != nil {
			return err
		}
		defer s.releaseSnapshot()
	}

	s.logger.LogStageStart("total_data")
	group, gctx := errgroup.WithContext(ctx)

	pt, err := openPhaseTimings(ctx, s.sourceStore)
	if err != nil {
		return err
	}
	s.phaseTimings = pt

	s.tablesPendingFanOut.Store(int64(len(tables)))

	for _, t := range tables {
		if t.ExcludeData {
			// No copy job will ever run for this table, so nothing will
			// call fanOutIndexes on it via the copy-worker path: build its
			// indexes/constraints/vacuum right away.
			if err := s.fanOutIndexes(ctx, t); err != nil {
				return fmt.Errorf("fan out indexes of schema-only table %s: %w", t.QualifiedName(), err)
			}
			continue
		}
		parts, err := s.sourceStore.PartitionsOfTable(ctx, t.OID)
		if err != nil {
			return fmt.Errorf("enumerate partitions of %s: %w", t.QualifiedName(), err)
		}
		for _, p := range parts {
			msg := queue.Message{Type: queue.MessageOID, Payload: packTablePart(t.OID, p.PartNum)}
			if err := s.copyQueue.Send(ctx, msg); err != nil {
				return fmt.Errorf("enqueue copy job for %s part %d: %w", t.QualifiedName(), p.PartNum, err)
			}
		}
	}
	for i := 0; i < s.cfg.TableJobs; i++ {
		group.Go(func() error { return s.runCopyWorker(gctx) })
	}
	for i := 0; i < s.cfg.IndexJobs; i++ {
		group.Go(func() error { return s.runIndexWorker(gctx) })
	}
	for i := 0; i < s.cfg.VacuumJobs; i++ {
		group.Go(func() error { return s.runVacuumWorker(gctx) })
	}
	if !s.cfg.SkipLargeObjects {
		for _, o := range lobjects {
			msg := queue.Message{Type: queue.MessageOID, Payload: uint64(o.OID)}
			if err := s.lobjectQueue.Send(ctx, msg); err != nil {
				return fmt.Errorf("enqueue large object %d: %w", o.OID, err)
			}
		}
		for i := 0; i < s.cfg.LObjectJobs; i++ {
			group.Go(func() error { return s.runLargeObjectWorker(gctx) })
		}
		s.lobjectQueue.Close()
	}
	group.Go(func() error { return s.runSequenceWorker(gctx, sequences) })

	// Drivers of the per-stage queues signal completion by closing them
	// once every copy job has been handed out; workers exit on MessageStop.
	s.copyQueue.Close()

	err = group.Wait()
	if stopErr := s.phaseTimings.stopAll(ctx); stopErr != nil && err == nil {
		err = stopErr
	}
	if stopErr := dataTiming.Stop(ctx); stopErr != nil && err == nil {
		err = stopErr
	}
	s.logger.LogStageComplete("total_data")
	return err
}

// fanOutIndexes is called by the copy worker that wins the
// s_table_parts_done election for a table: it queues the table's plain and
// primary-key/unique indexes for the build phase, queues any
// non-unique-non-primary constraint directly as a constraint job (its index
// is built inline by ADD CONSTRAINT), and queues the table for vacuum.
func (s *Scheduler) fanOutIndexes(ctx context.Context, table *model.Table) error {
	it, err := s.sourceStore.IterateIndexesOfTable(ctx, table.OID)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		idx, ok := it.Next(ctx)
		if !ok {
			break
		}
		if idx.HasConstraint() && !idx.UsableForConstraint() {
			msg := queue.Message{Type: queue.MessageConOID, Payload: uint64(idx.OID)}
			if err := s.indexQueue.Send(ctx, msg); err != nil {
				return err
			}
			continue
		}
		msg := queue.Message{Type: queue.MessageOID, Payload: uint64(idx.OID)}
		if err := s.indexQueue.Send(ctx, msg); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	if err := s.vacuumQueue.Send(ctx, queue.Message{Type: queue.MessageOID, Payload: uint64(table.OID)}); err != nil {
		return err
	}

	if s.tablesPendingFanOut.Add(-1) == 0 {
		s.indexQueue.Close()
		s.vacuumQueue.Close()
	}
	return nil
}
