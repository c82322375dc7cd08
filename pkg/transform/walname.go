// SPDX-License-Identifier: Apache-2.0

package transform

import "fmt"

// SegmentName computes the standard 24-hex-digit Postgres WAL segment file
// name for the segment containing lsn, given the stream's timeline and
// segment size (walSegSz defaults to 16 MiB when the source doesn't report
// one). This is the same scheme pg_waldump / pg_receivewal use, so the
// transformer's output files line up 1:1 with the upstream WAL stream.
func SegmentName(timeline uint32, walSegSz uint64, lsn uint64) string {
	if walSegSz == 0 {
		walSegSz = 16 * 1024 * 1024
	}
	segNo := lsn / walSegSz
	segsPerXLogID := uint64(0x100000000) / walSegSz
	logID := segNo / segsPerXLogID
	seg := segNo % segsPerXLogID
	return fmt.Sprintf("%08X%08X%08X", timeline, logID, seg)
}
