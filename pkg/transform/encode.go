// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// EncodeDML renders one INSERT/UPDATE/DELETE/TRUNCATE message as a single
// SQL statement, following §4.4's output rules: explicit double-quoted
// schema/relation, explicit column list, OVERRIDING SYSTEM VALUE for
// INSERT, and a WHERE clause built from the identity tuple for
// UPDATE/DELETE.
func EncodeDML(msg Message) (string, error) {
	qualified := pq.QuoteIdentifier(msg.Schema) + "." + pq.QuoteIdentifier(msg.Relation)

	switch msg.Kind {
	case KindInsert:
		return encodeInsert(qualified, msg.New)
	case KindUpdate:
		return encodeUpdate(qualified, msg.Identity, msg.New)
	case KindDelete:
		return encodeDelete(qualified, msg.Identity)
	case KindTruncate:
		return fmt.Sprintf("TRUNCATE %s;", qualified), nil
	default:
		return "", fmt.Errorf("encode: %q is not a DML message kind", msg.Kind)
	}
}

func encodeInsert(qualified string, new *Tuple) (string, error) {
	if new == nil {
		return "", fmt.Errorf("insert requires a new tuple")
	}
	cols := make([]string, len(new.Columns))
	vals := make([]string, len(new.Values))
	for i, c := range new.Columns {
		cols[i] = pq.QuoteIdentifier(c)
	}
	for i, v := range new.Values {
		vals[i] = encodeValue(v)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) OVERRIDING SYSTEM VALUE VALUES (%s);",
		qualified, strings.Join(cols, ", "), strings.Join(vals, ", ")), nil
}

func encodeUpdate(qualified string, identity, new *Tuple) (string, error) {
	if identity == nil || len(identity.Columns) != 1 {
		return "", fmt.Errorf("update requires a single-column identity tuple")
	}
	if new == nil || len(new.Columns) != 1 {
		return "", fmt.Errorf("update requires a single-column new tuple")
	}
	set := fmt.Sprintf("%s = %s", pq.QuoteIdentifier(new.Columns[0]), encodeValue(new.Values[0]))
	where := whereClause(identity)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s;", qualified, set, where), nil
}

func encodeDelete(qualified string, identity *Tuple) (string, error) {
	if identity == nil || len(identity.Columns) != 1 {
		return "", fmt.Errorf("delete requires a single-column identity tuple")
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s;", qualified, whereClause(identity)), nil
}

func whereClause(t *Tuple) string {
	clauses := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		clauses[i] = fmt.Sprintf("%s = %s", pq.QuoteIdentifier(c), encodeValue(t.Values[i]))
	}
	return strings.Join(clauses, " AND ")
}

func encodeValue(v Value) string {
	switch {
	case v.Null:
		return "NULL"
	case v.Bool != nil:
		if *v.Bool {
			return "true"
		}
		return "false"
	case v.Int != nil:
		return strconv.FormatInt(*v.Int, 10)
	case v.Float != nil:
		return strconv.FormatFloat(*v.Float, 'g', -1, 64)
	case v.Text != nil:
		return pq.QuoteLiteral(*v.Text)
	case v.Bytea != nil:
		if v.Quoted {
			return string(v.Bytea)
		}
		return pq.QuoteLiteral(string(v.Bytea))
	default:
		return "NULL"
	}
}
