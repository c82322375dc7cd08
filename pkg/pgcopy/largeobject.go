// SPDX-License-Identifier: Apache-2.0

package pgcopy

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/lib/pq"
)

// largeObjectChunkSize is the buffer size used when streaming a large
// object's bytes between source and target; matches the default Postgres
// TOAST chunk size so a single read/write pair lines up with one page.
const largeObjectChunkSize = 2048

// CopyLargeObject streams the contents of the source large object `oid`
// into a large object created under the same oid on the target (so column
// values elsewhere in the schema that reference this oid stay valid without
// rewriting), returning the new object's oid and the number of bytes moved.
// Both connections must already be inside a transaction: lib/pq's large
// object API is transaction-scoped.
func CopyLargeObject(ctx context.Context, sourceTx, targetTx *sql.Tx, oid uint32) (newOID uint32, bytes int64, err error) {
	sourceLOs := pq.LargeObjects{Tx: sourceTx}
	targetLOs := pq.LargeObjects{Tx: targetTx}

	src, err := sourceLOs.Open(pq.Oid(oid), pq.LargeObjectModeRead)
	if err != nil {
		return 0, 0, fmt.Errorf("open source large object %d: %w", oid, err)
	}
	defer src.Close()

	dstOID, err := targetLOs.Create(pq.Oid(oid))
	if err != nil {
		return 0, 0, fmt.Errorf("create target large object %d: %w", oid, err)
	}
	dst, err := targetLOs.Open(dstOID, pq.LargeObjectModeWrite)
	if err != nil {
		return 0, 0, fmt.Errorf("open target large object %d: %w", dstOID, err)
	}
	defer dst.Close()

	buf := make([]byte, largeObjectChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return 0, bytes, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return 0, bytes, fmt.Errorf("write target large object %d: %w", dstOID, writeErr)
			}
			bytes += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, bytes, fmt.Errorf("read source large object %d: %w", oid, readErr)
		}
	}

	return uint32(dstOID), bytes, nil
}
