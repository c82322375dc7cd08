// SPDX-License-Identifier: Apache-2.0

// Package model holds the domain types shared between the Catalog Store,
// the Migration Scheduler, and the Comparator: the in-memory shapes of the
// pg_catalog rows a run inventories at fetch time and later drives its
// worker pools from.
package model

import "github.com/lib/pq"

// Table is one relation discovered on the source during the fetch phase:
// its identity, its pg_restore TOC label, its approximate on-disk size and
// row count (used to plan partitions), its partition key (if any integer
// column was found usable), and the attributes and indexes belonging to it.
type Table struct {
	OID              uint32
	Schema           string
	Name             string
	RestoreListLabel string
	Bytes            int64
	RowCount         int64
	PartKey          string
	ExcludeData      bool
	Attributes       []Attribute
	Indexes          []*Index
}

// QualifiedName returns the table's schema-qualified, identifier-quoted
// name, suitable for direct interpolation into DDL/DML.
func (t *Table) QualifiedName() string {
	return pq.QuoteIdentifier(t.Schema) + "." + pq.QuoteIdentifier(t.Name)
}

// Attribute is one column of a Table, in ordinal (attnum) order.
type Attribute struct {
	Name    string
	Ordinal int
}

// Index is one index discovered on a table, along with the constraint (if
// any) it backs: a primary key or unique index built concurrently can later
// be attached to its constraint with ADD CONSTRAINT ... USING INDEX,
// skipping the usual ACCESS EXCLUSIVE index build under the constraint.
type Index struct {
	OID              uint32
	Namespace        string
	Name             string
	TableOID         uint32
	Def              string
	IsPrimary        bool
	IsUnique         bool
	RestoreListLabel string
	ConstraintOID    uint32
	ConstraintName   string
	ConstraintDef    string
}

// HasConstraint reports whether this index backs a constraint.
func (i *Index) HasConstraint() bool {
	return i.ConstraintOID != 0
}

// UsableForConstraint reports whether the index's constraint can be
// attached with ADD CONSTRAINT ... USING INDEX rather than rebuilt from
// scratch: only primary key and unique constraints support that path.
func (i *Index) UsableForConstraint() bool {
	return i.HasConstraint() && (i.IsPrimary || i.IsUnique)
}

// Sequence is one sequence discovered on the source, along with the
// last_value/is_called pair the target's sequence is reset to once the
// table it feeds has finished copying.
type Sequence struct {
	OID       uint32
	Schema    string
	Name      string
	LastValue int64
	IsCalled  bool
}

// QualifiedName returns the sequence's schema-qualified, identifier-quoted
// name.
func (sq *Sequence) QualifiedName() string {
	return pq.QuoteIdentifier(sq.Schema) + "." + pq.QuoteIdentifier(sq.Name)
}

// LargeObject is one row of pg_largeobject_metadata discovered on the
// source, streamed to the target by its own worker pool.
type LargeObject struct {
	OID uint32
}

// TablePartition is one part of a Table's copy plan: either the single,
// unpartitioned part of a table under the split threshold, or one of N
// balanced key-range slices of a table over it.
type TablePartition struct {
	TableOID  uint32
	PartNum   int
	PartCount int
	Predicate string
	MinValue  int64
	MaxValue  int64
}

// FilteredItemKind names the kind of restore-list entry a FilteredItem
// records, for reporting in the run summary.
type FilteredItemKind string

const (
	FilteredItemTable    FilteredItemKind = "table"
	FilteredItemIndex    FilteredItemKind = "index"
	FilteredItemSequence FilteredItemKind = "sequence"
	FilteredItemData     FilteredItemKind = "table-data"
)

// FilteredItem records one restore-list entry skipped by the configured
// schema/table filters, so the run summary can report what was excluded and
// why.
type FilteredItem struct {
	OID              uint32
	RestoreListLabel string
	Kind             FilteredItemKind
}
