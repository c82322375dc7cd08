// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/errs"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/queue"
)

// runVacuumWorker is one of vacuumJobs workers draining the vacuum queue,
// fed by fanOutIndexes once a table's parts are all copied (§4.3 "vacuum is
// queued alongside index fan-out, not gated on it").
func (s *Scheduler) runVacuumWorker(ctx context.Context) error {
	pid := os.Getpid()
	flags := queue.CancelFlagsFrom(ctx)

	for {
		if flags.AskedToStopFast() {
			return nil
		}

		msg, err := s.vacuumQueue.Receive(ctx)
		if err != nil {
			return err
		}
		if msg.Type == queue.MessageStop {
			return nil
		}
		if flags.AskedToStop() {
			continue
		}

		if err := s.vacuumOneTable(ctx, pid, uint32(msg.Payload)); err != nil {
			s.logger.LogWorkerError(err)
			if s.cfg.FailFast {
				flags.AskToStopFast()
				return err
			}
		}
	}
}

func (s *Scheduler) vacuumOneTable(ctx context.Context, pid int, tableOID uint32) error {
	table, err := s.sourceStore.LookupTable(ctx, tableOID)
	if err != nil {
		return errs.WorkerError{Kind: "vacuum", Key: "unknown table", Err: err}
	}

	claimed, err := s.sourceStore.ClaimVacuum(ctx, tableOID, pid)
	if err != nil {
		return errs.WorkerError{Kind: "vacuum", Key: table.QualifiedName(), Err: err}
	}
	if !claimed {
		return nil
	}

	s.logger.LogVacuumStart(table.Schema, table.Name)
	start := time.Now()

	conn, err := s.target.DB.Conn(ctx)
	if err != nil {
		return errs.WorkerError{Kind: "vacuum", Key: table.QualifiedName(), Err: err}
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "VACUUM ANALYZE "+table.QualifiedName()); err != nil {
		return errs.WorkerError{Kind: "vacuum", Key: table.QualifiedName(), Err: err}
	}

	if err := s.sourceStore.FinalizeVacuum(ctx, tableOID, time.Since(start).Milliseconds()); err != nil {
		return errs.WorkerError{Kind: "vacuum", Key: table.QualifiedName(), Err: err}
	}
	if s.phaseTimings.vacuum != nil {
		if err := s.phaseTimings.vacuum.Increment(ctx, 1, 0); err != nil {
			return errs.WorkerError{Kind: "vacuum", Key: table.QualifiedName(), Err: err}
		}
	}
	s.logger.LogVacuumComplete(table.Schema, table.Name)
	return nil
}
