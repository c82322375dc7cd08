// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"fmt"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/model"
)

// PlanPartitions computes Stage B's partition plan for a single table: for
// tables whose byte size exceeds splitLargerThan and that advertise a
// partition key, it splits the key's value range into N balanced parts
// where N = ceil(bytes / splitLargerThan). Tables without a usable key, or
// under the threshold, get a single unpartitioned part.
func PlanPartitions(table *model.Table, splitLargerThan int64, minKey, maxKey int64) []*model.TablePartition {
	if splitLargerThan <= 0 || table.Bytes <= splitLargerThan || table.PartKey == "" {
		return []*model.TablePartition{{TableOID: table.OID, PartNum: 0, PartCount: 1}}
	}

	n := int((table.Bytes + splitLargerThan - 1) / splitLargerThan)
	if n < 1 {
		n = 1
	}

	span := maxKey - minKey + 1
	if span < int64(n) {
		// Fewer distinct key values than requested parts: one part per
		// value range is meaningless below 1, so fall back to a single part.
		return []*model.TablePartition{{TableOID: table.OID, PartNum: 0, PartCount: 1}}
	}

	parts := make([]*model.TablePartition, 0, n)
	chunk := span / int64(n)
	remainder := span % int64(n)

	lo := minKey
	for i := 0; i < n; i++ {
		size := chunk
		if int64(i) < remainder {
			size++
		}
		hi := lo + size - 1

		var predicate string
		switch {
		case i == 0:
			predicate = fmt.Sprintf("%s <= %d", quotedKey(table.PartKey), hi)
		case i == n-1:
			predicate = fmt.Sprintf("%s > %d", quotedKey(table.PartKey), lo-1)
		default:
			predicate = fmt.Sprintf("%s > %d AND %s <= %d", quotedKey(table.PartKey), lo-1, quotedKey(table.PartKey), hi)
		}

		parts = append(parts, &model.TablePartition{
			TableOID:  table.OID,
			PartNum:   i,
			PartCount: n,
			Predicate: predicate,
			MinValue:  lo,
			MaxValue:  hi,
		})
		lo = hi + 1
	}
	return parts
}

func quotedKey(name string) string {
	return `"` + name + `"`
}
