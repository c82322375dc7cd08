// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pgcopydb-go/pgcopydb-go/cmd/flags"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/catalog"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/scheduler"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/summary"
)

var (
	cloneIncludeSchemas   []string
	cloneExcludeSchemas   []string
	cloneExcludeTableData []string
)

func cloneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clone",
		Short: "Migrate schema, data, indexes, constraints, sequences, and large objects to the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd.Context())
		},
	}
	cmd.Flags().StringSliceVar(&cloneIncludeSchemas, "include-schema", nil, "Only migrate these schemas (repeatable)")
	cmd.Flags().StringSliceVar(&cloneExcludeSchemas, "exclude-schema", nil, "Skip these schemas (repeatable)")
	cmd.Flags().StringSliceVar(&cloneExcludeTableData, "exclude-table-data", nil, "Migrate these tables' definitions but skip their rows (qualified name, repeatable)")
	return cmd
}

// copyCmd is pgcopydb's shorthand for running the data/index/sequence
// stages against a target whose schema has already been restored: it drives
// the exact same scheduler, since pg_dump/pg_restore invocation is outside
// this tree's scope (§1 "treated as an external collaborator").
func copyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy table data, indexes, constraints, sequences, and large objects (schema assumed to already exist on the target)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd.Context())
		},
	}
	cmd.Flags().StringSliceVar(&cloneIncludeSchemas, "include-schema", nil, "Only migrate these schemas (repeatable)")
	cmd.Flags().StringSliceVar(&cloneExcludeSchemas, "exclude-schema", nil, "Skip these schemas (repeatable)")
	cmd.Flags().StringSliceVar(&cloneExcludeTableData, "exclude-table-data", nil, "Migrate these tables' definitions but skip their rows (qualified name, repeatable)")
	return cmd
}

func runMigration(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	source, err := openSide(ctx, cfg.SourceURL, "source")
	if err != nil {
		return err
	}
	defer source.DB.Close()

	target, err := openSide(ctx, cfg.TargetURL, "target")
	if err != nil {
		return err
	}
	defer target.DB.Close()

	sourceStore, filterStore, targetStore, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer sourceStore.Close()
	defer filterStore.Close()
	defer targetStore.Close()

	if compat, err := sourceStore.CheckVersion(ctx, Version); err == nil &&
		(compat == catalog.VersionCompatOlder || compat == catalog.VersionCompatNewer) {
		fmt.Fprintf(os.Stderr, "warning: binary version %s vs run directory version: %s\n", Version, compat)
	}

	filter := scheduler.FilterConfig{
		IncludeSchemas:   cloneIncludeSchemas,
		ExcludeSchemas:   cloneExcludeSchemas,
		ExcludeTableData: cloneExcludeTableData,
	}

	var logger scheduler.Logger
	if flags.Verbose() {
		logger = scheduler.NewLogger()
	} else {
		logger = scheduler.NewFileLogger(cfg.RunDir)
	}
	sched := scheduler.New(cfg, source, target, sourceStore, filterStore, targetStore, filter, logger)
	defer sched.Close()

	if err := sched.Run(ctx); err != nil {
		return err
	}

	report, err := summary.Build(ctx, sourceStore)
	if err != nil {
		return fmt.Errorf("build summary: %w", err)
	}
	if err := summary.WriteJSON(cfg.RunDir, report); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return summary.PrintTable(report)
}
