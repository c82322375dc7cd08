// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/queue"
)

// FileWorker is the file-mode entry point (§4.4 "a file-mode worker pulling
// WAL LSNs from a transform queue and processing the corresponding JSON
// file into a SQL file"). Each received MessageLSN names a segment whose
// "<segment>.json" file under dir is transformed into "<segment>.sql".
//
// A FileWorker keeps one Machine and one Writer alive for its entire run
// rather than one per segment: a transaction split by a SWITCH can end one
// segment's JSON file with no COMMIT and begin the next with no BEGIN (the
// Continued-transaction scenario of §4.4), so the segments handed to a
// single FileWorker must be processed in ascending LSN order for that
// state to carry forward correctly.
type FileWorker struct {
	dir      string
	timeline uint32
	walSegSz uint64
	q        *queue.Queue

	m       *Machine
	w       *Writer
	lastLSN uint64
}

// NewFileWorker builds a FileWorker reading LSN jobs from q and JSON/SQL
// pairs under dir.
func NewFileWorker(dir string, timeline uint32, walSegSz uint64, q *queue.Queue) *FileWorker {
	return &FileWorker{
		dir:      dir,
		timeline: timeline,
		walSegSz: walSegSz,
		q:        q,
		m:        NewMachine(),
		w:        NewWriter(dir, timeline, walSegSz, false),
	}
}

// Run drains the transform queue until it closes or a MessageStop arrives,
// then closes out any transaction left pending by the last segment
// processed.
func (fw *FileWorker) Run(ctx context.Context) error {
	flags := queue.CancelFlagsFrom(ctx)
	for {
		if flags.AskedToStopFast() {
			return fw.finish()
		}
		msg, err := fw.q.Receive(ctx)
		if err != nil {
			return err
		}
		if msg.Type == queue.MessageStop {
			return fw.finish()
		}
		if flags.AskedToStop() {
			continue
		}
		if msg.Type != queue.MessageLSN {
			return fmt.Errorf("file worker: unexpected message type on transform queue")
		}
		if err := fw.processSegment(ctx, msg.Payload); err != nil {
			return err
		}
	}
}

func (fw *FileWorker) processSegment(ctx context.Context, lsn uint64) error {
	name := SegmentName(fw.timeline, fw.walSegSz, lsn)
	jsonPath := filepath.Join(fw.dir, name+".json")

	f, err := os.Open(jsonPath)
	if err != nil {
		return fmt.Errorf("open segment json %q: %w", jsonPath, err)
	}
	defer f.Close()

	last, err := feedLines(ctx, f, fw.m, fw.w, nil)
	if err != nil {
		return fmt.Errorf("process segment %q: %w", jsonPath, err)
	}
	fw.lastLSN = last
	return nil
}

// finish closes out a transaction left pending after the last segment this
// worker processed (S5: endpos reached mid-transaction) and flushes the
// writer's currently open segment file.
func (fw *FileWorker) finish() error {
	if txn, ok := fw.m.EndOfSegment(fw.lastLSN); ok {
		if err := fw.w.Write(txn); err != nil {
			return err
		}
	}
	return fw.w.Close()
}
