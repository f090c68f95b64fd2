package store

import (
	"fmt"
	"strings"
)

// dialect abstracts the SQL differences between the relational backends.
type dialect struct {
	placeholder func(n int) string
	// contains renders a case-insensitive substring test of column against arg.
	contains func(column, arg string) string
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	contains: func(column, arg string) string {
		return fmt.Sprintf("strpos(lower(%s), lower(%s)) > 0", column, arg)
	},
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	contains: func(column, arg string) string {
		return fmt.Sprintf("instr(lower(%s), lower(%s)) > 0", column, arg)
	},
}

// queryBuilder accumulates WHERE conditions and positional args.
type queryBuilder struct {
	d     dialect
	conds []string
	args  []any
}

func (b *queryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

func (b *queryBuilder) where(cond string) { b.conds = append(b.conds, cond) }

func (b *queryBuilder) clause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

const entityColumns = "id, user_id, session_id, type, content, importance, watermark, created_at, archived_at"

func entitySearchSQL(d dialect, q EntityQuery) (string, []any) {
	b := &queryBuilder{d: d}
	b.where("archived_at IS NULL")
	if q.UserID != "" {
		b.where("user_id = " + b.arg(q.UserID))
	}
	if q.SessionID != "" {
		b.where("session_id = " + b.arg(q.SessionID))
	}
	if q.Type != "" {
		b.where("type = " + b.arg(q.Type))
	}
	if q.Text != "" {
		b.where(d.contains("content", b.arg(q.Text)))
	}
	sql := "SELECT " + entityColumns + " FROM memory_entities" + b.clause() +
		" ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		sql += " LIMIT " + b.arg(q.Limit)
	}
	return sql, b.args
}

const defaultChunkSearchLimit = 200

func chunkSearchSQL(d dialect, collection string, terms []string, limit int) (string, []any) {
	if limit <= 0 {
		limit = defaultChunkSearchLimit
	}
	b := &queryBuilder{d: d}
	b.where("collection = " + b.arg(collection))
	ors := make([]string, 0, len(terms))
	for _, t := range terms {
		ors = append(ors, d.contains("content", b.arg(t)))
	}
	if len(ors) > 0 {
		b.where("(" + strings.Join(ors, " OR ") + ")")
	}
	sql := "SELECT id, document_id, position, content FROM chunks" + b.clause() +
		" ORDER BY document_id, position LIMIT " + b.arg(limit)
	return sql, b.args
}
