// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/db"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/errs"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/model"
)

// FilterConfig controls which schemas/tables Stage A considers and which
// tables are schema-only (rows never copied).
type FilterConfig struct {
	IncludeSchemas   []string
	ExcludeSchemas   []string
	ExcludeTableData []string // qualified names
}

func (f FilterConfig) excludesData(qualifiedName string) bool {
	for _, n := range f.ExcludeTableData {
		if n == qualifiedName {
			return true
		}
	}
	return false
}

// FetchSchema enumerates tables (with attributes and attached indexes) and
// sequences from the source, honoring the filter configuration. The exact
// catalog queries are an implementation detail the specification leaves
// unstated; this uses pg_catalog directly rather than information_schema
// so that object ids, byte sizes, and index/constraint definitions are all
// available in a single pass.
func FetchSchema(ctx context.Context, source *db.RDB, filter FilterConfig) ([]*model.Table, []*model.Sequence, error) {
	tables, err := fetchTables(ctx, source, filter)
	if err != nil {
		return nil, nil, errs.SchemaFetchError{Err: err}
	}

	for _, t := range tables {
		attrs, err := fetchAttributes(ctx, source, t.OID)
		if err != nil {
			return nil, nil, errs.SchemaFetchError{Err: fmt.Errorf("attributes of %s: %w", t.QualifiedName(), err)}
		}
		t.Attributes = attrs

		indexes, err := fetchIndexes(ctx, source, t.OID)
		if err != nil {
			return nil, nil, errs.SchemaFetchError{Err: fmt.Errorf("indexes of %s: %w", t.QualifiedName(), err)}
		}
		t.Indexes = indexes

		partKey, err := resolveIntegerPartKey(ctx, source, t.OID)
		if err != nil {
			return nil, nil, errs.SchemaFetchError{Err: fmt.Errorf("partition key of %s: %w", t.QualifiedName(), err)}
		}
		t.PartKey = partKey
	}

	sequences, err := fetchSequences(ctx, source, filter)
	if err != nil {
		return nil, nil, errs.SchemaFetchError{Err: err}
	}

	return tables, sequences, nil
}

func fetchTables(ctx context.Context, source *db.RDB, filter FilterConfig) ([]*model.Table, error) {
	rows, err := source.QueryContext(ctx, `
		SELECT c.oid, n.nspname, c.relname,
			pg_catalog.pg_total_relation_size(c.oid) AS bytes,
			c.reltuples::bigint AS row_count
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'p')
			AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY c.oid`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []*model.Table
	for rows.Next() {
		t := &model.Table{}
		if err := rows.Scan(&t.OID, &t.Schema, &t.Name, &t.Bytes, &t.RowCount); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		if !schemaIncluded(t.Schema, filter) {
			continue
		}
		t.RestoreListLabel = fmt.Sprintf("%s %s", t.Schema, t.Name)
		t.ExcludeData = filter.excludesData(t.QualifiedName())
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func schemaIncluded(schema string, filter FilterConfig) bool {
	for _, s := range filter.ExcludeSchemas {
		if s == schema {
			return false
		}
	}
	if len(filter.IncludeSchemas) == 0 {
		return true
	}
	for _, s := range filter.IncludeSchemas {
		if s == schema {
			return true
		}
	}
	return false
}

func fetchAttributes(ctx context.Context, source *db.RDB, tableOID uint32) ([]model.Attribute, error) {
	rows, err := source.QueryContext(ctx, `
		SELECT attname, attnum
		FROM pg_catalog.pg_attribute
		WHERE attrelid = $1 AND attnum > 0 AND NOT attisdropped
		ORDER BY attnum`, tableOID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attrs []model.Attribute
	for rows.Next() {
		var a model.Attribute
		if err := rows.Scan(&a.Name, &a.Ordinal); err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	return attrs, rows.Err()
}

func fetchIndexes(ctx context.Context, source *db.RDB, tableOID uint32) ([]*model.Index, error) {
	rows, err := source.QueryContext(ctx, `
		SELECT i.indexrelid, n.nspname, ic.relname,
			pg_catalog.pg_get_indexdef(i.indexrelid),
			i.indisprimary, i.indisunique,
			COALESCE(con.oid, 0), COALESCE(con.conname, ''),
			COALESCE(pg_catalog.pg_get_constraintdef(con.oid), '')
		FROM pg_catalog.pg_index i
		JOIN pg_catalog.pg_class ic ON ic.oid = i.indexrelid
		JOIN pg_catalog.pg_namespace n ON n.oid = ic.relnamespace
		LEFT JOIN pg_catalog.pg_constraint con ON con.conindid = i.indexrelid
		WHERE i.indrelid = $1
		ORDER BY i.indexrelid`, tableOID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indexes []*model.Index
	for rows.Next() {
		idx := &model.Index{TableOID: tableOID}
		if err := rows.Scan(&idx.OID, &idx.Namespace, &idx.Name, &idx.Def,
			&idx.IsPrimary, &idx.IsUnique, &idx.ConstraintOID, &idx.ConstraintName, &idx.ConstraintDef); err != nil {
			return nil, err
		}
		idx.RestoreListLabel = fmt.Sprintf("%s %s", idx.Namespace, idx.Name)
		indexes = append(indexes, idx)
	}
	return indexes, rows.Err()
}

func fetchSequences(ctx context.Context, source *db.RDB, filter FilterConfig) ([]*model.Sequence, error) {
	rows, err := source.QueryContext(ctx, `
		SELECT c.oid, n.nspname, c.relname
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'S'
			AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY c.oid`)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	var sequences []*model.Sequence
	for rows.Next() {
		s := &model.Sequence{}
		if err := rows.Scan(&s.OID, &s.Schema, &s.Name); err != nil {
			return nil, fmt.Errorf("scan sequence row: %w", err)
		}
		if !schemaIncluded(s.Schema, filter) {
			continue
		}

		var lastValue *int64
		var isCalled *bool
		row := source.DB.QueryRowContext(ctx,
			fmt.Sprintf("SELECT last_value, is_called FROM %s", s.QualifiedName()))
		if err := row.Scan(&lastValue, &isCalled); err != nil {
			return nil, fmt.Errorf("read sequence state %s: %w", s.QualifiedName(), err)
		}
		if lastValue != nil {
			s.LastValue = *lastValue
		}
		if isCalled != nil {
			s.IsCalled = *isCalled
		}
		sequences = append(sequences, s)
	}
	return sequences, rows.Err()
}

// FetchKeyRange returns the min and max value of a table's partition key
// column, used by PlanPartitions to compute balanced ranges. ok is false
// for an empty table (MIN/MAX both NULL), in which case the table is left
// single-part.
func FetchKeyRange(ctx context.Context, source *db.RDB, table *model.Table) (minValue, maxValue int64, ok bool, err error) {
	query := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s",
		quotedKey(table.PartKey), quotedKey(table.PartKey), table.QualifiedName())
	row := source.DB.QueryRowContext(ctx, query)

	var lo, hi *int64
	if err := row.Scan(&lo, &hi); err != nil {
		return 0, 0, false, fmt.Errorf("key range of %s: %w", table.QualifiedName(), err)
	}
	if lo == nil || hi == nil {
		return 0, 0, false, nil
	}
	return *lo, *hi, true, nil
}

// integerTypeOIDs are the built-in Postgres integer type oids usable as a
// balanced-range partition key.
var integerTypeOIDs = map[int64]bool{
	20: true, // int8
	21: true, // int2
	23: true, // int4
}

// resolveIntegerPartKey finds a single-column unique or primary key index
// over an integer column, preferring the primary key, and returns that
// column's name, or "" if the table has none (§4.3 Stage B: "tables without
// a usable key remain single-part").
func resolveIntegerPartKey(ctx context.Context, source *db.RDB, tableOID uint32) (string, error) {
	rows, err := source.QueryContext(ctx, `
		SELECT a.attname, a.atttypid::bigint, i.indisprimary
		FROM pg_catalog.pg_index i
		JOIN pg_catalog.pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = i.indkey[0]
		WHERE i.indrelid = $1
			AND i.indnatts = 1
			AND (i.indisprimary OR i.indisunique)
		ORDER BY i.indisprimary DESC`, tableOID)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var typeOID int64
		var isPrimary bool
		if err := rows.Scan(&name, &typeOID, &isPrimary); err != nil {
			return "", err
		}
		if integerTypeOIDs[typeOID] {
			return name, nil
		}
	}
	return "", rows.Err()
}

// FetchLargeObjects lists every large object on the source via
// pg_largeobject_metadata, the catalog pg_dump itself consults for the same
// purpose.
func FetchLargeObjects(ctx context.Context, source *db.RDB) ([]*model.LargeObject, error) {
	rows, err := source.QueryContext(ctx, "SELECT oid FROM pg_catalog.pg_largeobject_metadata ORDER BY oid ASC")
	if err != nil {
		return nil, fmt.Errorf("fetch large objects: %w", err)
	}
	defer rows.Close()

	var objs []*model.LargeObject
	for rows.Next() {
		o := &model.LargeObject{}
		if err := rows.Scan(&o.OID); err != nil {
			return nil, fmt.Errorf("scan large object: %w", err)
		}
		objs = append(objs, o)
	}
	return objs, rows.Err()
}
