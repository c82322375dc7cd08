// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"database/sql"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/model"
)

// UpsertTables replaces the full set of tables (and their attributes and
// attached indexes) for this Store. It fails with NonEmptyInventoryError if
// the tables table is already non-empty — the inventory is created once per
// run and never mutated thereafter (§3 "Lifecycles").
func (s *Store) UpsertTables(ctx context.Context, tables []*model.Table) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tables").Scan(&count); err != nil {
			return wrapDBError("count tables", err)
		}
		if count > 0 {
			return NonEmptyInventoryError{Role: s.role, Kind: "tables"}
		}

		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tables (oid, schema, name, restore_list_label, bytes, row_count, part_key, exclude_data)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				t.OID, t.Schema, t.Name, t.RestoreListLabel, t.Bytes, t.RowCount, t.PartKey, boolToInt(t.ExcludeData)); err != nil {
				return wrapDBError("insert table", err)
			}
			for _, a := range t.Attributes {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO attributes (table_oid, name, ordinal) VALUES (?, ?, ?)`,
					t.OID, a.Name, a.Ordinal); err != nil {
					return wrapDBError("insert attribute", err)
				}
			}
			for _, idx := range t.Indexes {
				if err := upsertIndex(ctx, tx, idx); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// UpsertIndexes inserts indexes that were not already inserted via
// UpsertTables (e.g. when the catalog is populated incrementally by the
// comparator, which has no use for the Table.Indexes nesting).
func (s *Store) UpsertIndexes(ctx context.Context, indexes []*model.Index) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, idx := range indexes {
			if err := upsertIndex(ctx, tx, idx); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertIndex(ctx context.Context, tx *sql.Tx, idx *model.Index) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO indexes (oid, namespace, name, table_oid, def, is_primary, is_unique,
			restore_list_label, constraint_oid, constraint_name, constraint_def)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(oid) DO UPDATE SET
			namespace=excluded.namespace, name=excluded.name, table_oid=excluded.table_oid,
			def=excluded.def, is_primary=excluded.is_primary, is_unique=excluded.is_unique,
			restore_list_label=excluded.restore_list_label, constraint_oid=excluded.constraint_oid,
			constraint_name=excluded.constraint_name, constraint_def=excluded.constraint_def`,
		idx.OID, idx.Namespace, idx.Name, idx.TableOID, idx.Def, boolToInt(idx.IsPrimary), boolToInt(idx.IsUnique),
		idx.RestoreListLabel, idx.ConstraintOID, idx.ConstraintName, idx.ConstraintDef)
	return wrapDBError("upsert index", err)
}

// UpsertSequences replaces the set of sequences for this Store.
func (s *Store) UpsertSequences(ctx context.Context, seqs []*model.Sequence) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sequences").Scan(&count); err != nil {
			return wrapDBError("count sequences", err)
		}
		if count > 0 {
			return NonEmptyInventoryError{Role: s.role, Kind: "sequences"}
		}
		for _, sq := range seqs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sequences (oid, schema, name, last_value, is_called) VALUES (?, ?, ?, ?, ?)`,
				sq.OID, sq.Schema, sq.Name, sq.LastValue, boolToInt(sq.IsCalled)); err != nil {
				return wrapDBError("insert sequence", err)
			}
		}
		return nil
	})
}

// UpsertFilteredItems replaces the set of filtered (skipped) restore-list
// entries for this Store.
func (s *Store) UpsertFilteredItems(ctx context.Context, items []*model.FilteredItem) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, it := range items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO filtered_items (oid, restore_list_label, kind) VALUES (?, ?, ?)
				ON CONFLICT(oid) DO UPDATE SET restore_list_label=excluded.restore_list_label, kind=excluded.kind`,
				it.OID, it.RestoreListLabel, string(it.Kind)); err != nil {
				return wrapDBError("insert filtered item", err)
			}
		}
		return nil
	})
}

// UpsertPartitions replaces Stage B's partition plan for a table.
func (s *Store) UpsertPartitions(ctx context.Context, parts []*model.TablePartition) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, p := range parts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO table_partitions (table_oid, part_num, part_count, predicate, min_value, max_value)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(table_oid, part_num) DO UPDATE SET
					part_count=excluded.part_count, predicate=excluded.predicate,
					min_value=excluded.min_value, max_value=excluded.max_value`,
				p.TableOID, p.PartNum, p.PartCount, p.Predicate, p.MinValue, p.MaxValue); err != nil {
				return wrapDBError("insert partition", err)
			}
		}
		return nil
	})
}

// TableIterator is a forward-only, non-restartable cursor over tables. It
// must be closed on every exit path (§4.1 "Iteration").
type TableIterator struct {
	rows *sql.Rows
	err  error
}

func (it *TableIterator) Next(ctx context.Context) (*model.Table, bool) {
	if it.err != nil || !it.rows.Next() {
		return nil, false
	}
	t := &model.Table{}
	var exclude int
	if it.err = it.rows.Scan(&t.OID, &t.Schema, &t.Name, &t.RestoreListLabel, &t.Bytes, &t.RowCount, &t.PartKey, &exclude); it.err != nil {
		return nil, false
	}
	t.ExcludeData = exclude != 0
	return t, true
}

func (it *TableIterator) Err() error   { return it.err }
func (it *TableIterator) Close() error { return it.rows.Close() }

// IterateTables opens a forward-only cursor over all tables, ordered by
// descending byte size (the order the scheduler enumerates work in, §4.3
// "Index workers process indexes in the order they arrive on the queue").
func (s *Store) IterateTables(ctx context.Context) (*TableIterator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT oid, schema, name, restore_list_label, bytes, row_count, part_key, exclude_data
		FROM tables ORDER BY bytes DESC, oid ASC`)
	if err != nil {
		return nil, wrapDBError("iterate tables", err)
	}
	return &TableIterator{rows: rows}, nil
}

// IndexIterator is a forward-only cursor over indexes.
type IndexIterator struct {
	rows *sql.Rows
	err  error
}

func scanIndex(rows *sql.Rows) (*model.Index, error) {
	idx := &model.Index{}
	var isPrimary, isUnique int
	err := rows.Scan(&idx.OID, &idx.Namespace, &idx.Name, &idx.TableOID, &idx.Def,
		&isPrimary, &isUnique, &idx.RestoreListLabel, &idx.ConstraintOID, &idx.ConstraintName, &idx.ConstraintDef)
	if err != nil {
		return nil, err
	}
	idx.IsPrimary = isPrimary != 0
	idx.IsUnique = isUnique != 0
	return idx, nil
}

func (it *IndexIterator) Next(ctx context.Context) (*model.Index, bool) {
	if it.err != nil || !it.rows.Next() {
		return nil, false
	}
	idx, err := scanIndex(it.rows)
	if err != nil {
		it.err = err
		return nil, false
	}
	return idx, true
}

func (it *IndexIterator) Err() error   { return it.err }
func (it *IndexIterator) Close() error { return it.rows.Close() }

const indexSelectCols = `oid, namespace, name, table_oid, def, is_primary, is_unique, restore_list_label, constraint_oid, constraint_name, constraint_def`

// IterateIndexes opens a cursor over all indexes, in insertion (enumeration)
// order — the producer order the scheduler relies on.
func (s *Store) IterateIndexes(ctx context.Context) (*IndexIterator, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+indexSelectCols+" FROM indexes ORDER BY oid ASC")
	if err != nil {
		return nil, wrapDBError("iterate indexes", err)
	}
	return &IndexIterator{rows: rows}, nil
}

// IterateIndexesOfTable opens a cursor over the indexes of a single table.
func (s *Store) IterateIndexesOfTable(ctx context.Context, tableOID uint32) (*IndexIterator, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+indexSelectCols+" FROM indexes WHERE table_oid = ? ORDER BY oid ASC", tableOID)
	if err != nil {
		return nil, wrapDBError("iterate indexes of table", err)
	}
	return &IndexIterator{rows: rows}, nil
}

// SequenceIterator is a forward-only cursor over sequences.
type SequenceIterator struct {
	rows *sql.Rows
	err  error
}

func (it *SequenceIterator) Next(ctx context.Context) (*model.Sequence, bool) {
	if it.err != nil || !it.rows.Next() {
		return nil, false
	}
	sq := &model.Sequence{}
	var isCalled int
	if it.err = it.rows.Scan(&sq.OID, &sq.Schema, &sq.Name, &sq.LastValue, &isCalled); it.err != nil {
		return nil, false
	}
	sq.IsCalled = isCalled != 0
	return sq, true
}

func (it *SequenceIterator) Err() error   { return it.err }
func (it *SequenceIterator) Close() error { return it.rows.Close() }

// IterateSequences opens a cursor over all sequences.
func (s *Store) IterateSequences(ctx context.Context) (*SequenceIterator, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT oid, schema, name, last_value, is_called FROM sequences ORDER BY oid ASC")
	if err != nil {
		return nil, wrapDBError("iterate sequences", err)
	}
	return &SequenceIterator{rows: rows}, nil
}

// UpsertLargeObjects replaces the set of large-object oids discovered on the
// source.
func (s *Store) UpsertLargeObjects(ctx context.Context, objs []*model.LargeObject) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, o := range objs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO large_objects (oid) VALUES (?) ON CONFLICT(oid) DO NOTHING`, o.OID); err != nil {
				return wrapDBError("insert large object", err)
			}
		}
		return nil
	})
}

// LargeObjectIterator is a forward-only cursor over large-object oids.
type LargeObjectIterator struct {
	rows *sql.Rows
	err  error
}

func (it *LargeObjectIterator) Next(ctx context.Context) (*model.LargeObject, bool) {
	if it.err != nil || !it.rows.Next() {
		return nil, false
	}
	o := &model.LargeObject{}
	if it.err = it.rows.Scan(&o.OID); it.err != nil {
		return nil, false
	}
	return o, true
}

func (it *LargeObjectIterator) Err() error   { return it.err }
func (it *LargeObjectIterator) Close() error { return it.rows.Close() }

// IterateLargeObjects opens a cursor over all large-object oids.
func (s *Store) IterateLargeObjects(ctx context.Context) (*LargeObjectIterator, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT oid FROM large_objects ORDER BY oid ASC")
	if err != nil {
		return nil, wrapDBError("iterate large objects", err)
	}
	return &LargeObjectIterator{rows: rows}, nil
}

// LookupTable returns the table with the given oid, or a sentinel Table with
// OID 0 if none exists — lookups never fail on a missing row (§4.1).
func (s *Store) LookupTable(ctx context.Context, oid uint32) (*model.Table, error) {
	t := &model.Table{}
	var exclude int
	err := s.db.QueryRowContext(ctx, `
		SELECT oid, schema, name, restore_list_label, bytes, row_count, part_key, exclude_data
		FROM tables WHERE oid = ?`, oid).Scan(
		&t.OID, &t.Schema, &t.Name, &t.RestoreListLabel, &t.Bytes, &t.RowCount, &t.PartKey, &exclude)
	if err == sql.ErrNoRows {
		return &model.Table{}, nil
	}
	if err != nil {
		return nil, wrapDBError("lookup table", err)
	}
	t.ExcludeData = exclude != 0
	return t, nil
}

// LookupIndex returns the index with the given oid, or a sentinel Index with
// OID 0 if none exists.
func (s *Store) LookupIndex(ctx context.Context, oid uint32) (*model.Index, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+indexSelectCols+" FROM indexes WHERE oid = ?", oid)
	idx := &model.Index{}
	var isPrimary, isUnique int
	err := row.Scan(&idx.OID, &idx.Namespace, &idx.Name, &idx.TableOID, &idx.Def,
		&isPrimary, &isUnique, &idx.RestoreListLabel, &idx.ConstraintOID, &idx.ConstraintName, &idx.ConstraintDef)
	if err == sql.ErrNoRows {
		return &model.Index{}, nil
	}
	if err != nil {
		return nil, wrapDBError("lookup index", err)
	}
	idx.IsPrimary = isPrimary != 0
	idx.IsUnique = isUnique != 0
	return idx, nil
}

// LookupTableByName returns the table matching (schema, name), or a sentinel
// Table with OID 0 if none exists — used by the comparator to find a
// source table's counterpart on the target store (§4.5).
func (s *Store) LookupTableByName(ctx context.Context, schema, name string) (*model.Table, error) {
	t := &model.Table{}
	var exclude int
	err := s.db.QueryRowContext(ctx, `
		SELECT oid, schema, name, restore_list_label, bytes, row_count, part_key, exclude_data
		FROM tables WHERE schema = ? AND name = ?`, schema, name).Scan(
		&t.OID, &t.Schema, &t.Name, &t.RestoreListLabel, &t.Bytes, &t.RowCount, &t.PartKey, &exclude)
	if err == sql.ErrNoRows {
		return &model.Table{}, nil
	}
	if err != nil {
		return nil, wrapDBError("lookup table by name", err)
	}
	t.ExcludeData = exclude != 0
	return t, nil
}

// LookupIndexByName returns the index matching (namespace, name), or a
// sentinel Index with OID 0 if none exists.
func (s *Store) LookupIndexByName(ctx context.Context, namespace, name string) (*model.Index, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+indexSelectCols+" FROM indexes WHERE namespace = ? AND name = ?", namespace, name)
	idx := &model.Index{}
	var isPrimary, isUnique int
	err := row.Scan(&idx.OID, &idx.Namespace, &idx.Name, &idx.TableOID, &idx.Def,
		&isPrimary, &isUnique, &idx.RestoreListLabel, &idx.ConstraintOID, &idx.ConstraintName, &idx.ConstraintDef)
	if err == sql.ErrNoRows {
		return &model.Index{}, nil
	}
	if err != nil {
		return nil, wrapDBError("lookup index by name", err)
	}
	idx.IsPrimary = isPrimary != 0
	idx.IsUnique = isUnique != 0
	return idx, nil
}

// LookupSequenceByName returns the sequence matching (schema, name), or a
// sentinel Sequence with OID 0 if none exists.
func (s *Store) LookupSequenceByName(ctx context.Context, schema, name string) (*model.Sequence, error) {
	sq := &model.Sequence{}
	var isCalled int
	err := s.db.QueryRowContext(ctx,
		"SELECT oid, schema, name, last_value, is_called FROM sequences WHERE schema = ? AND name = ?",
		schema, name).Scan(&sq.OID, &sq.Schema, &sq.Name, &sq.LastValue, &isCalled)
	if err == sql.ErrNoRows {
		return &model.Sequence{}, nil
	}
	if err != nil {
		return nil, wrapDBError("lookup sequence by name", err)
	}
	sq.IsCalled = isCalled != 0
	return sq, nil
}

// PartitionsOfTable returns the partition plan for a table, or a single
// unpartitioned part (count=1, empty predicate) if Stage B never split it.
func (s *Store) PartitionsOfTable(ctx context.Context, tableOID uint32) ([]*model.TablePartition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_oid, part_num, part_count, predicate, min_value, max_value
		FROM table_partitions WHERE table_oid = ? ORDER BY part_num ASC`, tableOID)
	if err != nil {
		return nil, wrapDBError("partitions of table", err)
	}
	defer rows.Close()

	var parts []*model.TablePartition
	for rows.Next() {
		p := &model.TablePartition{}
		if err := rows.Scan(&p.TableOID, &p.PartNum, &p.PartCount, &p.Predicate, &p.MinValue, &p.MaxValue); err != nil {
			return nil, wrapDBError("scan partition", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate partitions", err)
	}
	if len(parts) == 0 {
		return []*model.TablePartition{{TableOID: tableOID, PartNum: 0, PartCount: 1}}, nil
	}
	return parts, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
