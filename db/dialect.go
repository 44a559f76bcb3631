// Package db implements the Connection Pool & Dialect (C8), Query
// Builder/Orchestrator (C9), Transaction Manager (C10), and Query
// Optimizer (C11) components.
//
// Design Notes:
//   - Pool wraps github.com/jackc/pgx/v5/pgxpool as a thin struct
//     holding *pgxpool.Pool, with Exec/Query/QueryRow passthroughs.
//     Read-replica routing, placeholder normalization, and streaming
//     are added on top of that shape to support multiple pools.
package db

import (
	"fmt"
	"strconv"
	"strings"
)

// Capabilities advertises what a dialect supports.
type Capabilities struct {
	JSON          bool
	Streaming     bool
	Realtime      bool
	Transactional bool
}

// Dialect abstracts SQL-flavor differences.
type Dialect interface {
	// ParamPlaceholder renders the placeholder for the index-th bound
	// parameter (1-based).
	ParamPlaceholder(index int) string
	QuoteIdentifier(name string) string
	// LimitOffset renders a LIMIT/OFFSET clause; either value may be
	// absent (<=0 meaning "not set").
	LimitOffset(limit, offset int) string
	Returning(columns ...string) string
	Capabilities() Capabilities
	// IsWriteStatement reports whether sql's first keyword denotes a
	// write, for routing between the primary and read replicas.
	IsWriteStatement(sql string) bool
	// NormalizePlaceholders rewrites input SQL written in the `$N`
	// style into the dialect's native placeholder style.
	NormalizePlaceholders(sql string) string
}

// Postgres is the default dialect: native `$N` placeholders, so
// normalization is a no-op.
type Postgres struct{}

func (Postgres) ParamPlaceholder(index int) string { return "$" + strconv.Itoa(index) }

func (Postgres) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (Postgres) LimitOffset(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, "LIMIT %d", limit)
	}
	if offset > 0 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "OFFSET %d", offset)
	}
	return b.String()
}

func (Postgres) Returning(columns ...string) string {
	if len(columns) == 0 {
		return "RETURNING *"
	}
	return "RETURNING " + strings.Join(columns, ", ")
}

func (Postgres) Capabilities() Capabilities {
	return Capabilities{JSON: true, Streaming: true, Realtime: true, Transactional: true}
}

var writeKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "CREATE": {},
	"ALTER": {}, "DROP": {}, "TRUNCATE": {}, "REPLACE": {},
}

func (Postgres) IsWriteStatement(sql string) bool {
	trimmed := strings.TrimLeft(sql, " \t\r\n")
	end := strings.IndexFunc(trimmed, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' })
	if end < 0 {
		end = len(trimmed)
	}
	keyword := strings.ToUpper(trimmed[:end])
	_, isWrite := writeKeywords[keyword]
	return isWrite
}

func (Postgres) NormalizePlaceholders(sql string) string { return sql }
