package sqlstore

import (
	"fmt"
	"strings"

	"github.com/roach88/isocheck/internal/ir"
	"github.com/roach88/isocheck/internal/store"
)

// Dialect holds the SQL differences between drivers.
type Dialect struct {
	Name string

	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	// IDColumn is the DDL of the auto-assigned row id column.
	IDColumn string

	IntType  string
	TextType string
}

// SQLite is the dialect of github.com/mattn/go-sqlite3.
var SQLite = Dialect{
	Name:        "sqlite",
	Placeholder: func(int) string { return "?" },
	IDColumn:    "id INTEGER PRIMARY KEY",
	IntType:     "INTEGER",
	TextType:    "TEXT",
}

// Postgres is the dialect of PostgreSQL drivers such as pgx or lib/pq.
var Postgres = Dialect{
	Name:        "postgres",
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	IDColumn:    "id BIGSERIAL PRIMARY KEY",
	IntType:     "BIGINT",
	TextType:    "TEXT",
}

// query is a statement with its bind arguments.
type query struct {
	sql  string
	args []any
}

func (d Dialect) createTable(t store.Table) []string {
	cols := []string{d.IDColumn}
	for _, c := range t.Columns {
		typ := d.IntType
		if c.Type == store.ColumnText {
			typ = d.TextType
		}
		cols = append(cols, fmt.Sprintf("%s %s NOT NULL", c.Name, typ))
	}
	return []string{
		"DROP TABLE IF EXISTS " + t.Name,
		fmt.Sprintf("CREATE TABLE %s (%s)", t.Name, strings.Join(cols, ", ")),
	}
}

// where renders an equality conjunction starting at parameter n.
func (d Dialect) where(q *query, where map[string]any) {
	if len(where) == 0 {
		return
	}
	conds := make([]string, 0, len(where))
	for _, k := range ir.SortedKeys(where) {
		q.args = append(q.args, where[k])
		conds = append(conds, fmt.Sprintf("%s = %s", k, d.Placeholder(len(q.args))))
	}
	q.sql += " WHERE " + strings.Join(conds, " AND ")
}

func (d Dialect) selectRows(t store.Table, p store.Predicate) query {
	q := query{sql: fmt.Sprintf("SELECT id, %s FROM %s", strings.Join(t.ColumnNames(), ", "), t.Name)}
	d.where(&q, p.Where)
	q.sql += " ORDER BY id"
	return q
}

func (d Dialect) aggregate(a store.Aggregate) query {
	expr := "COUNT(*)"
	if a.Func == store.AggSum {
		expr = fmt.Sprintf("COALESCE(SUM(%s), 0)", a.Column)
	}
	q := query{sql: fmt.Sprintf("SELECT %s FROM %s", expr, a.Table)}
	d.where(&q, a.Where)
	return q
}

func (d Dialect) write(w store.Write) query {
	var q query
	switch w.Kind {
	case store.WriteInsert:
		keys := ir.SortedKeys(w.Values)
		marks := make([]string, len(keys))
		for i, k := range keys {
			q.args = append(q.args, w.Values[k])
			marks[i] = d.Placeholder(len(q.args))
		}
		q.sql = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", w.Table, strings.Join(keys, ", "), strings.Join(marks, ", "))
	case store.WriteUpdate:
		sets := make([]string, 0, len(w.Values))
		for _, k := range ir.SortedKeys(w.Values) {
			q.args = append(q.args, w.Values[k])
			sets = append(sets, fmt.Sprintf("%s = %s", k, d.Placeholder(len(q.args))))
		}
		q.sql = fmt.Sprintf("UPDATE %s SET %s", w.Table, strings.Join(sets, ", "))
		d.where(&q, w.Where)
	case store.WriteDelete:
		q.sql = "DELETE FROM " + w.Table
		d.where(&q, w.Where)
	}
	q.sql += " RETURNING id"
	return q
}
