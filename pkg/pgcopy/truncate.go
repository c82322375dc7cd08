// SPDX-License-Identifier: Apache-2.0

package pgcopy

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/model"
)

// Truncate issues TRUNCATE against the target relation. Called at most once
// per table per run by the copy-worker that wins the table-copy semaphore
// for partition 0 (§4.3, invariant 5 of §3).
func Truncate(ctx context.Context, target *sql.Conn, table *model.Table) error {
	_, err := target.ExecContext(ctx, fmt.Sprintf("TRUNCATE %s", table.QualifiedName()))
	if err != nil {
		return fmt.Errorf("truncate %s: %w", table.QualifiedName(), err)
	}
	return nil
}
