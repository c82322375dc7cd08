// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// Writer renders completed Transactions to one append-mode SQL file per WAL
// segment, rotating (fsync + close + reopen) whenever the computed segment
// name changes, and optionally echoing every line to stdout in line-buffered
// mode for a downstream apply process (§4.4 "streaming-mode writer").
type Writer struct {
	dir      string
	timeline uint32
	walSegSz uint64

	streaming bool
	stdout    *bufio.Writer

	currentName string
	file        *os.File
	buf         *bufio.Writer
}

// NewWriter returns a Writer that emits SQL files under dir. When streaming
// is true, every emitted line is also written to os.Stdout line-buffered.
func NewWriter(dir string, timeline uint32, walSegSz uint64, streaming bool) *Writer {
	w := &Writer{dir: dir, timeline: timeline, walSegSz: walSegSz, streaming: streaming}
	if streaming {
		w.stdout = bufio.NewWriter(os.Stdout)
	}
	return w
}

// Write renders one completed Transaction and appends it to the SQL file for
// the segment containing its BeginLSN, rotating first if that segment
// differs from the one currently open.
func (w *Writer) Write(txn Transaction) error {
	name := SegmentName(w.timeline, w.walSegSz, txn.SegmentLSN)
	if err := w.rotateIfNeeded(name); err != nil {
		return err
	}

	for _, line := range renderTransaction(txn) {
		if _, err := w.buf.WriteString(line); err != nil {
			return fmt.Errorf("write sql line: %w", err)
		}
		if _, err := w.buf.WriteString("\n"); err != nil {
			return err
		}
		if w.streaming {
			if _, err := w.stdout.WriteString(line + "\n"); err != nil {
				return err
			}
			if err := w.stdout.Flush(); err != nil {
				return err
			}
		}
	}
	return w.buf.Flush()
}

func (w *Writer) rotateIfNeeded(name string) error {
	if name == w.currentName && w.file != nil {
		return nil
	}
	if w.file != nil {
		if err := w.closeCurrent(); err != nil {
			return err
		}
	}

	path := filepath.Join(w.dir, name+".sql")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open sql segment %q: %w", path, err)
	}
	w.file = f
	w.buf = bufio.NewWriter(f)
	w.currentName = name
	return nil
}

func (w *Writer) closeCurrent() error {
	if w.file == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	w.buf = nil
	return err
}

// Close flushes and fsyncs the currently open segment file, if any.
func (w *Writer) Close() error {
	return w.closeCurrent()
}

// renderTransaction applies §4.4's output rules and §6's wire format: a
// continued transaction emits no BEGIN, a keepalive emits a standalone
// control record, a SWITCH closes out a segment without a COMMIT, and
// everything else brackets its statements with BEGIN/COMMIT control
// records carrying the xid and LSN the round-trip law (property 4) needs
// to recover them.
func renderTransaction(txn Transaction) []string {
	if txn.Keepalive {
		return []string{fmt.Sprintf(`KEEPALIVE{"lsn":%q}`, FormatLSN(txn.BeginLSN))}
	}

	var lines []string
	if !txn.Continued {
		lines = append(lines, fmt.Sprintf(`BEGIN{"xid":%d,"lsn":%q}`, txn.XID, FormatLSN(txn.BeginLSN)))
	}
	lines = append(lines, txn.Statements...)
	if txn.Switch {
		lines = append(lines, fmt.Sprintf(`SWITCH{"lsn":%q}`, FormatLSN(txn.SwitchLSN)))
	}
	if txn.Commit {
		lines = append(lines, fmt.Sprintf(`COMMIT{"xid":%d,"lsn":%q}`, txn.XID, FormatLSN(txn.CommitLSN)))
	}
	return lines
}
