// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/transform"
)

var (
	followDir      string
	followTimeline int
	followWalSegSz int64
)

// followCmd is the pipe-mode transformer entry point (§4.4 "a pipe-mode
// streamer driven by a callback over an input stream"): it reads
// newline-delimited JSON from stdin and writes rotated SQL files under
// --dir, echoing each rendered line to stdout for a downstream `psql`.
func followCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Stream logical-decoding JSON from stdin into rotated SQL files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollow(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&followDir, "dir", viper.GetString("RUN_DIR"), "Directory to write <segment>.sql files into")
	cmd.Flags().IntVar(&followTimeline, "timeline", 1, "WAL timeline ID used to name output segments")
	cmd.Flags().Int64Var(&followWalSegSz, "wal-segment-size", 16*1024*1024, "WAL segment size in bytes, used to compute segment boundaries")
	return cmd
}

func runFollow(ctx context.Context) error {
	if followDir == "" {
		followDir = "."
	}
	if err := os.MkdirAll(followDir, 0o750); err != nil {
		return err
	}
	w := transform.NewWriter(followDir, uint32(followTimeline), uint64(followWalSegSz), true)
	return transform.StreamPipe(ctx, os.Stdin, w, nil)
}
