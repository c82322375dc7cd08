// SPDX-License-Identifier: Apache-2.0

// Package summary renders the final run summary (spec §3 "one row per
// named top-level phase from a fixed enumeration") from the Catalog
// Store's timings table: a summary.json file plus a pretty table printed
// to the terminal. Producing the human-readable format is explicitly a
// non-goal of the core (spec §1 "the human-readable summary formatter"),
// so this package only shapes already-recorded data — it records nothing
// itself.
package summary

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/catalog"
)

// phases is the fixed top-level label enumeration (§3), in report order.
var phases = []string{
	"catalog_queries",
	"dump_schema",
	"prepare_schema",
	"total_data",
	"copy_data",
	"create_index",
	"alter_table",
	"vacuum",
	"set_sequences",
	"large_objects",
	"finalize_schema",
	"total",
}

// Phase is one row of the rendered summary: a label from the fixed
// enumeration, matched against whatever the Catalog Store recorded for it.
// Skipped is true for a label this run never opened (e.g. dump_schema and
// finalize_schema, whose pg_dump/pg_restore phases are an explicit
// non-goal of this tree).
type Phase struct {
	Label          string `json:"label"`
	Skipped        bool   `json:"skipped"`
	DurationPretty string `json:"durationPretty,omitempty"`
	DurationMs     int64  `json:"durationMs,omitempty"`
	Count          int64  `json:"count,omitempty"`
	BytesPretty    string `json:"bytesPretty,omitempty"`
	Bytes          int64  `json:"bytes,omitempty"`
}

// Report is the full rendered summary.
type Report struct {
	Phases []Phase `json:"phases"`
}

// Build reads every timing row the store has and arranges it into the
// fixed phase order, marking any label never opened as skipped.
func Build(ctx context.Context, store *catalog.Store) (Report, error) {
	rows, err := store.ListTimings(ctx)
	if err != nil {
		return Report{}, err
	}

	byLabel := make(map[string]catalog.TimingReport, len(rows))
	for _, r := range rows {
		byLabel[r.Label] = r
	}

	report := Report{Phases: make([]Phase, 0, len(phases))}
	for _, label := range phases {
		r, ok := byLabel[label]
		if !ok || r.DoneEpoch == 0 {
			report.Phases = append(report.Phases, Phase{Label: label, Skipped: true})
			continue
		}
		report.Phases = append(report.Phases, Phase{
			Label:          label,
			DurationPretty: r.DurationPretty,
			DurationMs:     r.DurationMs,
			Count:          r.Count,
			BytesPretty:    r.BytesPretty,
			Bytes:          r.Bytes,
		})
	}
	return report, nil
}

// WriteJSON writes the report as summary.json under dir.
func WriteJSON(dir string, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "summary.json"), data, 0o640)
}

// PrintTable renders the report as a pterm table to stdout.
func PrintTable(report Report) error {
	data := pterm.TableData{{"phase", "duration", "count", "bytes"}}
	for _, p := range report.Phases {
		if p.Skipped {
			data = append(data, []string{p.Label, "-", "-", "-"})
			continue
		}
		data = append(data, []string{p.Label, p.DurationPretty, strconv.FormatInt(p.Count, 10), p.BytesPretty})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
