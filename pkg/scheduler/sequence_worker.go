// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/model"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/queue"
)

// runSequenceWorker is the single worker resetting every sequence's
// last_value/is_called onto the target (Stage D), run concurrently with
// Stage C's table/index/vacuum/large-object pools since sequences have no
// ordering dependency on any of them.
func (s *Scheduler) runSequenceWorker(ctx context.Context, sequences []*model.Sequence) error {
	flags := queue.CancelFlagsFrom(ctx)

	conn, err := s.target.DB.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, sq := range sequences {
		if flags.AskedToStopFast() {
			return nil
		}
		if flags.AskedToStop() {
			continue
		}

		query := fmt.Sprintf("SELECT setval(%s, %d, %t)",
			quoteLiteralLocal(sq.QualifiedName()), sq.LastValue, sq.IsCalled)
		if _, err := conn.ExecContext(ctx, query); err != nil {
			s.logger.LogWorkerError(fmt.Errorf("reset sequence %s: %w", sq.QualifiedName(), err))
			if s.cfg.FailFast {
				flags.AskToStopFast()
				return err
			}
			continue
		}
		if s.phaseTimings.setSequences != nil {
			if err := s.phaseTimings.setSequences.Increment(ctx, 1, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func quoteLiteralLocal(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	out = append(out, '\'')
	return string(out)
}
