// SPDX-License-Identifier: Apache-2.0

// Package compare implements the Comparator (§4.5): schema comparison
// between two already-populated Catalog Stores, and concurrent data
// comparison driven by a pool of checksum workers.
package compare

import (
	"context"
	"fmt"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/catalog"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/model"
)

// Mismatch describes one schema difference found between the source and
// target inventories.
type Mismatch struct {
	Kind    string // "table", "index", "sequence"
	Object  string
	Field   string
	Source  string
	Target  string
}

// SchemaReport is the full output of CompareSchema.
type SchemaReport struct {
	Mismatches []Mismatch
}

// OK reports whether no mismatch was found (§4.5 "exits non-zero if any
// mismatch was found").
func (r SchemaReport) OK() bool { return len(r.Mismatches) == 0 }

// CompareSchema iterates the source store's tables, indexes, and sequences,
// looks up each counterpart on the target store by qualified name, and
// reports every mismatch (§4.5 "Schema comparison").
func CompareSchema(ctx context.Context, source, target *catalog.Store) (SchemaReport, error) {
	var report SchemaReport

	if err := compareTables(ctx, source, target, &report); err != nil {
		return report, err
	}
	if err := compareIndexes(ctx, source, target, &report); err != nil {
		return report, err
	}
	if err := compareSequences(ctx, source, target, &report); err != nil {
		return report, err
	}
	return report, nil
}

func compareTables(ctx context.Context, source, target *catalog.Store, report *SchemaReport) error {
	it, err := source.IterateTables(ctx)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		st, ok := it.Next(ctx)
		if !ok {
			break
		}
		tt, err := target.LookupTableByName(ctx, st.Schema, st.Name)
		if err != nil {
			return err
		}
		name := st.QualifiedName()
		if tt.OID == 0 {
			report.Mismatches = append(report.Mismatches, Mismatch{Kind: "table", Object: name, Field: "presence", Source: "present", Target: "missing"})
			continue
		}
		if len(st.Attributes) != len(tt.Attributes) {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Kind: "table", Object: name, Field: "attribute count",
				Source: fmt.Sprint(len(st.Attributes)), Target: fmt.Sprint(len(tt.Attributes)),
			})
			continue
		}
		for i, a := range st.Attributes {
			if a.Name != tt.Attributes[i].Name {
				report.Mismatches = append(report.Mismatches, Mismatch{
					Kind: "table", Object: name, Field: fmt.Sprintf("attribute[%d] name", i),
					Source: a.Name, Target: tt.Attributes[i].Name,
				})
			}
		}
	}
	return it.Err()
}

func compareIndexes(ctx context.Context, source, target *catalog.Store, report *SchemaReport) error {
	it, err := source.IterateIndexes(ctx)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		si, ok := it.Next(ctx)
		if !ok {
			break
		}
		ti, err := target.LookupIndexByName(ctx, si.Namespace, si.Name)
		if err != nil {
			return err
		}
		if ti.OID == 0 {
			report.Mismatches = append(report.Mismatches, Mismatch{Kind: "index", Object: si.Name, Field: "presence", Source: "present", Target: "missing"})
			continue
		}
		compareIndexPair(si, ti, report)
	}
	return it.Err()
}

func compareIndexPair(si, ti *model.Index, report *SchemaReport) {
	if si.Def != ti.Def {
		report.Mismatches = append(report.Mismatches, Mismatch{Kind: "index", Object: si.Name, Field: "definition", Source: si.Def, Target: ti.Def})
	}
	if si.IsPrimary != ti.IsPrimary {
		report.Mismatches = append(report.Mismatches, Mismatch{Kind: "index", Object: si.Name, Field: "isPrimary", Source: fmt.Sprint(si.IsPrimary), Target: fmt.Sprint(ti.IsPrimary)})
	}
	if si.IsUnique != ti.IsUnique {
		report.Mismatches = append(report.Mismatches, Mismatch{Kind: "index", Object: si.Name, Field: "isUnique", Source: fmt.Sprint(si.IsUnique), Target: fmt.Sprint(ti.IsUnique)})
	}
	if si.ConstraintName != ti.ConstraintName {
		report.Mismatches = append(report.Mismatches, Mismatch{Kind: "index", Object: si.Name, Field: "constraint name", Source: si.ConstraintName, Target: ti.ConstraintName})
	}
	if si.ConstraintDef != ti.ConstraintDef {
		report.Mismatches = append(report.Mismatches, Mismatch{Kind: "index", Object: si.Name, Field: "constraint definition", Source: si.ConstraintDef, Target: ti.ConstraintDef})
	}
}

func compareSequences(ctx context.Context, source, target *catalog.Store, report *SchemaReport) error {
	it, err := source.IterateSequences(ctx)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		sq, ok := it.Next(ctx)
		if !ok {
			break
		}
		tq, err := target.LookupSequenceByName(ctx, sq.Schema, sq.Name)
		if err != nil {
			return err
		}
		name := sq.QualifiedName()
		if tq.OID == 0 {
			report.Mismatches = append(report.Mismatches, Mismatch{Kind: "sequence", Object: name, Field: "presence", Source: "present", Target: "missing"})
			continue
		}
		if sq.LastValue != tq.LastValue {
			report.Mismatches = append(report.Mismatches, Mismatch{Kind: "sequence", Object: name, Field: "lastValue", Source: fmt.Sprint(sq.LastValue), Target: fmt.Sprint(tq.LastValue)})
		}
		if sq.IsCalled != tq.IsCalled {
			report.Mismatches = append(report.Mismatches, Mismatch{Kind: "sequence", Object: name, Field: "isCalled", Source: fmt.Sprint(sq.IsCalled), Target: fmt.Sprint(tq.IsCalled)})
		}
	}
	return it.Err()
}
