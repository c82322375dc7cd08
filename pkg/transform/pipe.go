// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// StreamPipe is the pipe-mode entry point (§4.4 "a pipe-mode streamer driven
// by a callback over an input stream"): it reads newline-delimited JSON
// messages from r, decodes and feeds them through a fresh Machine, and
// writes every completed Transaction through w. onMessage, if non-nil, is
// called with each decoded Message before it is fed to the machine (used by
// callers that want to observe raw messages, e.g. for metrics).
func StreamPipe(ctx context.Context, r io.Reader, w *Writer, onMessage func(Message)) error {
	m := NewMachine()
	lastLSN, err := feedLines(ctx, r, m, w, onMessage)
	if err != nil {
		return fmt.Errorf("stream pipe: %w", err)
	}

	if txn, ok := m.EndOfSegment(lastLSN); ok {
		if err := w.Write(txn); err != nil {
			return fmt.Errorf("stream pipe: %w", err)
		}
	}
	return w.Close()
}

// feedLines decodes newline-delimited JSON records from r into m, writing
// every completed Transaction through w, and returns the LSN of the last
// message seen. It is shared by StreamPipe (one call, one Machine/Writer
// pair for the whole stream) and FileWorker (one call per segment file,
// reusing the same Machine/Writer across files so a transaction split by a
// SWITCH across segment boundaries carries its state forward — see §4.4,
// the Continued-transaction scenario).
func feedLines(ctx context.Context, r io.Reader, m *Machine, w *Writer, onMessage func(Message)) (uint64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var lastLSN uint64
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return lastLSN, err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := Decode(line)
		if err != nil {
			return lastLSN, err
		}
		lastLSN = msg.LSN
		if onMessage != nil {
			onMessage(msg)
		}

		txn, ok, err := m.Feed(msg)
		if err != nil {
			return lastLSN, err
		}
		if ok {
			if err := w.Write(txn); err != nil {
				return lastLSN, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return lastLSN, fmt.Errorf("read: %w", err)
	}
	return lastLSN, nil
}
