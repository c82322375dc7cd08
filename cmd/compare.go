// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/catalog"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/compare"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/db"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/errs"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/scheduler"
)

var compareSchemaOnly bool

func compareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare schema and/or data between the source and target (§4.5)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompare(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&compareSchemaOnly, "schema-only", false, "Only compare schema inventories, skip the data checksum pass")
	return cmd
}

func runCompare(ctx context.Context) error {
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

	if err := populateInventory(ctx, sourceStore, source); err != nil {
		return err
	}
	if err := populateInventory(ctx, targetStore, target); err != nil {
		return err
	}

	logger := compare.NewLogger()

	report, err := compare.CompareSchema(ctx, sourceStore, targetStore)
	if err != nil {
		return fmt.Errorf("compare schema: %w", err)
	}
	for _, m := range report.Mismatches {
		logger.LogMismatch(m.Kind, m.Object, m.Field)
	}

	if !compareSchemaOnly {
		if err := compare.CompareData(ctx, source, target, sourceStore, cfg.TableJobs, logger); err != nil {
			return fmt.Errorf("compare data: %w", err)
		}
	}

	if !report.OK() {
		return errs.InvariantError{Reason: fmt.Sprintf("schema comparison found %d mismatch(es)", len(report.Mismatches))}
	}
	return nil
}

// populateInventory runs the same catalog fetch Stage A uses and upserts it
// into store, so CompareSchema/CompareData have a current view of both
// sides regardless of whether a clone run already populated them.
func populateInventory(ctx context.Context, store *catalog.Store, conn *db.RDB) error {
	tables, sequences, err := scheduler.FetchSchema(ctx, conn, scheduler.FilterConfig{})
	if err != nil {
		return err
	}
	if err := store.Reset(ctx); err != nil {
		return fmt.Errorf("reset catalog before re-populating inventory: %w", err)
	}
	if err := store.UpsertTables(ctx, tables); err != nil {
		return err
	}
	return store.UpsertSequences(ctx, sequences)
}
