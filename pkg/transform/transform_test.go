// SPDX-License-Identifier: Apache-2.0

package transform_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/queue"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/transform"
)

func insertMsg(lsn, xid string) string {
	return `{"action":"I","lsn":"` + lsn + `","xid":` + xid + `,"schema":"public","relation":"widgets","new":{"columns":["id"],"values":[{"int":1}]}}`
}

func feedAll(t *testing.T, m *transform.Machine, lines []string) []transform.Transaction {
	t.Helper()
	var out []transform.Transaction
	for _, line := range lines {
		msg, err := transform.Decode([]byte(line))
		require.NoError(t, err)
		txn, ok, err := m.Feed(msg)
		require.NoError(t, err)
		if ok {
			out = append(out, txn)
		}
	}
	return out
}

func TestBasicTransactionRoundTrip(t *testing.T) {
	t.Parallel()

	m := transform.NewMachine()
	lines := []string{
		`{"action":"B","lsn":"0/A00","xid":42}`,
		insertMsg("0/A10", "42"),
		`{"action":"C","lsn":"0/A80","xid":42}`,
	}
	txns := feedAll(t, m, lines)
	require.Len(t, txns, 1)

	txn := txns[0]
	assert.Equal(t, uint32(42), txn.XID)
	assert.True(t, txn.Commit)
	assert.False(t, txn.Continued)
	assert.False(t, txn.Switch)
	assert.Len(t, txn.Statements, 1)

	dir := t.TempDir()
	w := transform.NewWriter(dir, 1, 16*1024*1024, false)
	require.NoError(t, w.Write(txn))
	require.NoError(t, w.Close())

	name := transform.SegmentName(1, 16*1024*1024, txn.BeginLSN)
	data, err := os.ReadFile(filepath.Join(dir, name+".sql"))
	require.NoError(t, err)

	out := string(data)
	assert.Contains(t, out, `BEGIN{"xid":42,"lsn":"0/A00"}`)
	assert.Contains(t, out, `COMMIT{"xid":42,"lsn":"0/A80"}`)

	rec, ok, err := transform.ParseControlRecord(`BEGIN{"xid":42,"lsn":"0/A00"}`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BEGIN", rec.Tag)
	assert.Equal(t, uint32(42), rec.XID)
	assert.Equal(t, txn.BeginLSN, rec.LSN)

	rec, ok, err = transform.ParseControlRecord(`COMMIT{"xid":42,"lsn":"0/A80"}`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, txn.CommitLSN, rec.LSN)
}

func TestEmptyTransaction(t *testing.T) {
	t.Parallel()

	m := transform.NewMachine()
	lines := []string{
		`{"action":"B","lsn":"0/B00","xid":7}`,
		`{"action":"C","lsn":"0/B08","xid":7}`,
	}
	txns := feedAll(t, m, lines)
	require.Len(t, txns, 1)
	assert.Empty(t, txns[0].Statements)
	assert.True(t, txns[0].Commit)
}

// TestContinuedTransactionAcrossSwitch exercises scenario S4: a transaction
// split by a WAL SWITCH, where the segment containing the SWITCH ends with
// no COMMIT and the continuation segment begins with no BEGIN.
func TestContinuedTransactionAcrossSwitch(t *testing.T) {
	t.Parallel()

	m := transform.NewMachine()
	segA := feedAll(t, m, []string{
		`{"action":"B","lsn":"0/A00","xid":42}`,
		insertMsg("0/A10", "42"),
		`{"action":"SWITCH","lsn":"0/B00"}`,
	})
	require.Len(t, segA, 1)
	a := segA[0]
	assert.True(t, a.Switch)
	assert.False(t, a.Continued)
	assert.False(t, a.Commit)
	assert.Equal(t, a.BeginLSN, a.SegmentLSN)

	segB := feedAll(t, m, []string{
		insertMsg("0/B10", "42"),
		insertMsg("0/B20", "42"),
		`{"action":"C","lsn":"0/B80","xid":42}`,
	})
	require.Len(t, segB, 1)
	b := segB[0]
	assert.True(t, b.Continued)
	assert.True(t, b.Commit)
	assert.Len(t, b.Statements, 2)
	// The continuation routes to the segment the SWITCH moved to, not the
	// segment its BEGIN originally belonged to.
	assert.NotEqual(t, a.SegmentLSN, b.SegmentLSN)
	assert.Equal(t, uint64(0), b.SegmentLSN>>32)

	// A small segment size so the LSNs above straddle a segment boundary
	// the way a real 16MiB-segment stream would over a much wider range.
	const walSegSz = 0x100

	dir := t.TempDir()
	w := transform.NewWriter(dir, 1, walSegSz, false)
	require.NoError(t, w.Write(a))
	require.NoError(t, w.Write(b))
	require.NoError(t, w.Close())

	nameA := transform.SegmentName(1, walSegSz, a.SegmentLSN)
	nameB := transform.SegmentName(1, walSegSz, b.SegmentLSN)
	require.NotEqual(t, nameA, nameB)

	dataA, err := os.ReadFile(filepath.Join(dir, nameA+".sql"))
	require.NoError(t, err)
	linesA := strings.Split(strings.TrimSpace(string(dataA)), "\n")
	assert.Contains(t, linesA[0], "BEGIN{")
	assert.Contains(t, linesA[len(linesA)-1], `SWITCH{"lsn":"0/B00"}`)
	for _, l := range linesA {
		assert.NotContains(t, l, "COMMIT{")
	}

	dataB, err := os.ReadFile(filepath.Join(dir, nameB+".sql"))
	require.NoError(t, err)
	linesB := strings.Split(strings.TrimSpace(string(dataB)), "\n")
	assert.NotContains(t, linesB[0], "BEGIN{")
	assert.Contains(t, linesB[len(linesB)-1], `COMMIT{"xid":42,"lsn":"0/B80"}`)
}

// TestFileWorkerCarriesContinuationAcrossSegments drives the same split
// transaction as TestContinuedTransactionAcrossSwitch, but through
// FileWorker's actual file-mode entry point: two on-disk "<segment>.json"
// files, processed by one FileWorker over the transform queue, must
// produce the matching "<segment>.sql" pair with the continuation routed
// into segment B's file.
func TestFileWorkerCarriesContinuationAcrossSegments(t *testing.T) {
	t.Parallel()

	const timeline = 1
	// A small segment size so the two LSNs below land in different
	// segments, the way a real 16MiB-segment stream would over a much
	// wider LSN range.
	const walSegSz = 0x100
	dir := t.TempDir()

	lsnA, err := transform.ParseLSN("0/A00")
	require.NoError(t, err)
	lsnB, err := transform.ParseLSN("0/B00")
	require.NoError(t, err)

	nameA := transform.SegmentName(timeline, walSegSz, lsnA)
	nameB := transform.SegmentName(timeline, walSegSz, lsnB)
	require.NotEqual(t, nameA, nameB)

	segAJSON := strings.Join([]string{
		`{"action":"B","lsn":"0/A00","xid":42}`,
		insertMsg("0/A10", "42"),
		`{"action":"SWITCH","lsn":"0/B00"}`,
	}, "\n") + "\n"
	segBJSON := strings.Join([]string{
		insertMsg("0/B10", "42"),
		insertMsg("0/B20", "42"),
		`{"action":"C","lsn":"0/B80","xid":42}`,
	}, "\n") + "\n"

	require.NoError(t, os.WriteFile(filepath.Join(dir, nameA+".json"), []byte(segAJSON), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, nameB+".json"), []byte(segBJSON), 0o640))

	q := queue.Create(t.Name(), 4)
	defer queue.Unlink(t.Name())

	ctx := context.Background()
	require.NoError(t, q.Send(ctx, queue.Message{Type: queue.MessageLSN, Payload: lsnA}))
	require.NoError(t, q.Send(ctx, queue.Message{Type: queue.MessageLSN, Payload: lsnB}))
	q.Close()

	fw := transform.NewFileWorker(dir, timeline, walSegSz, q)
	require.NoError(t, fw.Run(ctx))

	dataA, err := os.ReadFile(filepath.Join(dir, nameA+".sql"))
	require.NoError(t, err)
	assert.Contains(t, string(dataA), `SWITCH{"lsn":"0/B00"}`)
	assert.NotContains(t, string(dataA), "COMMIT{")

	dataB, err := os.ReadFile(filepath.Join(dir, nameB+".sql"))
	require.NoError(t, err)
	linesB := strings.Split(strings.TrimSpace(string(dataB)), "\n")
	assert.NotContains(t, linesB[0], "BEGIN{")
	assert.Contains(t, string(dataB), `COMMIT{"xid":42,"lsn":"0/B80"}`)
}

// TestEndOfSegmentMidTransaction exercises scenario S5: input ends before
// the pending transaction's COMMIT, so the machine emits a standalone
// KEEPALIVE at the last seen LSN instead.
func TestEndOfSegmentMidTransaction(t *testing.T) {
	t.Parallel()

	m := transform.NewMachine()
	txns := feedAll(t, m, []string{
		`{"action":"B","lsn":"0/C00","xid":9}`,
		insertMsg("0/C10", "9"),
	})
	assert.Empty(t, txns)

	txn, ok := m.EndOfSegment(0x0C10)
	require.True(t, ok)
	assert.True(t, txn.Keepalive)
	assert.Equal(t, uint64(0x0C10), txn.BeginLSN)
	assert.Equal(t, uint64(0x0C10), txn.SegmentLSN)

	dir := t.TempDir()
	w := transform.NewWriter(dir, 1, 16*1024*1024, false)
	require.NoError(t, w.Write(txn))
	require.NoError(t, w.Close())

	name := transform.SegmentName(1, 16*1024*1024, txn.SegmentLSN)
	data, err := os.ReadFile(filepath.Join(dir, name+".sql"))
	require.NoError(t, err)
	assert.Equal(t, `KEEPALIVE{"lsn":"0/C10"}`+"\n", string(data))
}

func TestStandaloneKeepaliveOutsideTransaction(t *testing.T) {
	t.Parallel()

	m := transform.NewMachine()
	msg, err := transform.Decode([]byte(`{"action":"K","lsn":"0/D00"}`))
	require.NoError(t, err)

	txn, ok, err := m.Feed(msg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, txn.Keepalive)
	assert.Equal(t, msg.LSN, txn.BeginLSN)
}

func TestCommitOutsideTransactionIsAnError(t *testing.T) {
	t.Parallel()

	m := transform.NewMachine()
	msg, err := transform.Decode([]byte(`{"action":"C","lsn":"0/E00","xid":1}`))
	require.NoError(t, err)

	_, _, err = m.Feed(msg)
	assert.Error(t, err)
}

func TestFormatLSNRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"0/A00", "1/FFFFFFFF", "16/B374D848"} {
		lsn, err := transform.ParseLSN(s)
		require.NoError(t, err)
		assert.Equal(t, s, transform.FormatLSN(lsn))
	}
}
