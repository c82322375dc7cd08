// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/queue"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/transform"
)

var (
	transformDir      string
	transformTimeline int
	transformWalSegSz int64
)

// transformCmd is the file-mode transformer entry point (§4.4 "a file-mode
// worker pulling WAL LSNs from a transform queue"): each positional
// argument is an LSN naming a "<segment>.json" file under --dir, turned
// into its "<segment>.sql" counterpart. A single worker processes every
// segment in ascending LSN order so a transaction split across a WAL
// SWITCH boundary carries its state from one segment file to the next
// (the Continued-transaction scenario of §4.4); fanning this out across
// multiple workers would reintroduce the same misrouting a shared FIFO
// queue gives no ordering guarantee across.
func transformCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transform <lsn>...",
		Short: "Transform WAL-segment JSON files into SQL files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransform(cmd.Context(), args)
		},
	}
	cmd.Flags().StringVar(&transformDir, "dir", viper.GetString("RUN_DIR"), "Directory holding <segment>.json/.sql file pairs")
	cmd.Flags().IntVar(&transformTimeline, "timeline", 1, "WAL timeline ID used to name segments")
	cmd.Flags().Int64Var(&transformWalSegSz, "wal-segment-size", 16*1024*1024, "WAL segment size in bytes")
	return cmd
}

func runTransform(ctx context.Context, args []string) error {
	if transformDir == "" {
		transformDir = "."
	}

	lsns := make([]uint64, len(args))
	for i, raw := range args {
		lsn, err := transform.ParseLSN(raw)
		if err != nil {
			return err
		}
		lsns[i] = lsn
	}
	sort.Slice(lsns, func(i, j int) bool { return lsns[i] < lsns[j] })

	q := queue.Create(fmt.Sprintf("transform-%d", os.Getpid()), len(lsns)+1)
	defer queue.Unlink(q.Name())

	group, gctx := errgroup.WithContext(ctx)
	fw := transform.NewFileWorker(transformDir, uint32(transformTimeline), uint64(transformWalSegSz), q)
	group.Go(func() error { return fw.Run(gctx) })

	for _, lsn := range lsns {
		if err := q.Send(ctx, queue.Message{Type: queue.MessageLSN, Payload: lsn}); err != nil {
			q.Close()
			_ = group.Wait()
			return err
		}
	}
	q.Close()
	return group.Wait()
}
