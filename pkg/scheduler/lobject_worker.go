// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/catalog"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/errs"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/pgcopy"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/queue"
)

// runLargeObjectWorker is one of lObjectJobs workers draining the
// large-object queue. Large objects have no table-level ordering dependency,
// so they run fully concurrently with the table/index/vacuum stages.
func (s *Scheduler) runLargeObjectWorker(ctx context.Context) error {
	pid := os.Getpid()
	flags := queue.CancelFlagsFrom(ctx)

	for {
		if flags.AskedToStopFast() {
			return nil
		}

		msg, err := s.lobjectQueue.Receive(ctx)
		if err != nil {
			return err
		}
		if msg.Type == queue.MessageStop {
			return nil
		}
		if flags.AskedToStop() {
			continue
		}

		if err := s.copyOneLargeObject(ctx, pid, uint32(msg.Payload)); err != nil {
			s.logger.LogWorkerError(err)
			if s.cfg.FailFast {
				flags.AskToStopFast()
				return err
			}
		}
	}
}

func (s *Scheduler) copyOneLargeObject(ctx context.Context, pid int, oid uint32) error {
	key := catalog.ClaimKey{Kind: catalog.SummaryLObject, IndexOID: oid}
	claimed, err := s.sourceStore.Claim(ctx, key, pid, "LO copy")
	if err != nil {
		return errs.WorkerError{Kind: "lobject", Key: "unknown", Err: err}
	}
	if !claimed {
		return nil
	}

	start := time.Now()

	sourceConn, err := s.source.DB.Conn(ctx)
	if err != nil {
		return errs.WorkerError{Kind: "lobject", Key: "source connection", Err: err}
	}
	defer sourceConn.Close()

	targetConn, err := s.target.DB.Conn(ctx)
	if err != nil {
		return errs.WorkerError{Kind: "lobject", Key: "target connection", Err: err}
	}
	defer targetConn.Close()

	sourceTx, err := sourceConn.BeginTx(ctx, nil)
	if err != nil {
		return errs.WorkerError{Kind: "lobject", Key: "source tx", Err: err}
	}
	defer sourceTx.Rollback() //nolint:errcheck

	targetTx, err := targetConn.BeginTx(ctx, nil)
	if err != nil {
		return errs.WorkerError{Kind: "lobject", Key: "target tx", Err: err}
	}
	defer targetTx.Rollback() //nolint:errcheck

	_, bytes, err := pgcopy.CopyLargeObject(ctx, sourceTx, targetTx, oid)
	if err != nil {
		return errs.WorkerError{Kind: "lobject", Key: "copy", Err: err}
	}

	if err := targetTx.Commit(); err != nil {
		return errs.WorkerError{Kind: "lobject", Key: "commit target", Err: err}
	}
	if err := sourceTx.Commit(); err != nil {
		return errs.WorkerError{Kind: "lobject", Key: "commit source", Err: err}
	}

	if err := s.sourceStore.Finalize(ctx, key, time.Since(start).Milliseconds(), bytes); err != nil {
		return err
	}
	if s.phaseTimings.largeObjects != nil {
		return s.phaseTimings.largeObjects.Increment(ctx, 1, bytes)
	}
	return nil
}
