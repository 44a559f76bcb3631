// Query Builder / Orchestrator (C9): builder.go composes and executes
// SELECT/INSERT/UPDATE/DELETE statements and performs eager loading in
// exactly two round trips regardless of row count.
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/distcore/enginekit/eventbus"
)

// Row is a generically-scanned result row, column name to value.
type Row map[string]any

// RelationKind enumerates the eager-load relation shapes this
// package supports.
type RelationKind string

const (
	RelationHasOne      RelationKind = "hasOne"
	RelationHasMany     RelationKind = "hasMany"
	RelationBelongsTo   RelationKind = "belongsTo"
	RelationManyToMany  RelationKind = "manyToMany"
)

// Relation describes one eager-load request.
type Relation struct {
	Name         string // key the related rows are attached under
	Kind         RelationKind
	Table        string // related table
	LocalKey     string // column on the base table
	ForeignKey   string // column on the related table (or through table for manyToMany)
	ThroughTable string // only for manyToMany
	ThroughLocal string // through table's column referencing the base table
}

// join is one JOIN clause.
type join struct {
	kind  string // "JOIN", "LEFT JOIN", ...
	table string
	on    string
}

// predicate is one bound WHERE condition, already rendered with a
// placeholder index.
type predicate struct {
	expr string
	args []any
}

// RealtimeEvent is published after insert/update/delete, carrying the
// affected table, the operation type, and the resulting row.
type RealtimeEvent struct {
	Table   string
	Type    string // "insert", "update", "delete"
	Payload Row
}

// RealtimeTopic carries every RealtimeEvent a Builder emits.
var RealtimeTopic = eventbus.NewTopic[RealtimeEvent]("db:realtime")

// Builder is the C9 component: one query's accumulated state.
type Builder struct {
	pool      *Pool
	optimizer *Optimizer

	table      string
	columns    []string
	joins      []join
	wheres     []predicate
	orderBy    []string
	limit      int
	offset     int
	relations  []Relation
}

// From begins a query against table.
func (p *Pool) From(table string) *Builder {
	return &Builder{pool: p, table: table, columns: []string{"*"}}
}

// WithOptimizer attaches an Optimizer sink to record QueryMetrics.
func (b *Builder) WithOptimizer(o *Optimizer) *Builder {
	b.optimizer = o
	return b
}

// Select sets the selected columns, replacing the default "*".
func (b *Builder) Select(columns ...string) *Builder {
	b.columns = columns
	return b
}

// Join adds an INNER JOIN clause.
func (b *Builder) Join(table, on string) *Builder {
	b.joins = append(b.joins, join{kind: "JOIN", table: table, on: on})
	return b
}

// LeftJoin adds a LEFT JOIN clause.
func (b *Builder) LeftJoin(table, on string) *Builder {
	b.joins = append(b.joins, join{kind: "LEFT JOIN", table: table, on: on})
	return b
}

// Where adds a bound predicate, e.g. Where("status = ?", "active").
// "?" placeholders are renumbered to positional "$N" placeholders at
// render time; the pool then normalizes them to the dialect's native
// style.
func (b *Builder) Where(expr string, args ...any) *Builder {
	b.wheres = append(b.wheres, predicate{expr: expr, args: args})
	return b
}

// OrderBy appends an ORDER BY term, e.g. "created_at DESC".
func (b *Builder) OrderBy(term string) *Builder {
	b.orderBy = append(b.orderBy, term)
	return b
}

// Limit sets the LIMIT.
func (b *Builder) Limit(n int) *Builder {
	b.limit = n
	return b
}

// Offset sets the OFFSET.
func (b *Builder) Offset(n int) *Builder {
	b.offset = n
	return b
}

// WithRelations requests eager loading of the named relations.
func (b *Builder) WithRelations(relations ...Relation) *Builder {
	b.relations = append(b.relations, relations...)
	return b
}

// renderSelect builds the SELECT statement and its bound args, using
// "$N" placeholders regardless of dialect (the pool normalizes them).
func (b *Builder) renderSelect() (string, []any) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(b.columns, ", "), b.table)

	for _, j := range b.joins {
		fmt.Fprintf(&sb, " %s %s ON %s", j.kind, j.table, j.on)
	}

	args := make([]any, 0)
	if len(b.wheres) > 0 {
		sb.WriteString(" WHERE ")
		clauses := make([]string, len(b.wheres))
		for i, w := range b.wheres {
			clauses[i] = rebind(w.expr, &args, w.args)
		}
		sb.WriteString(strings.Join(clauses, " AND "))
	}

	if len(b.orderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(b.orderBy, ", "))
	}

	if clause := b.pool.Dialect().LimitOffset(b.limit, b.offset); clause != "" {
		sb.WriteByte(' ')
		sb.WriteString(clause)
	}

	return sb.String(), args
}

// rebind replaces each "?" in expr with a positional "$N" placeholder,
// appending its bound argument to args in order.
func rebind(expr string, args *[]any, values []any) string {
	var sb strings.Builder
	vi := 0
	for i := 0; i < len(expr); i++ {
		if expr[i] == '?' && vi < len(values) {
			*args = append(*args, values[vi])
			fmt.Fprintf(&sb, "$%d", len(*args))
			vi++
			continue
		}
		sb.WriteByte(expr[i])
	}
	return sb.String()
}

// Execute runs the built SELECT, records QueryMetrics, performs eager
// loading, and returns the matched rows.
func (b *Builder) Execute(ctx context.Context) ([]Row, error) {
	sql, args := b.renderSelect()

	start := time.Now()
	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("db: execute: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(Row, len(fields))
		for i, f := range fields {
			if i < len(values) {
				row[f.Name] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if b.optimizer != nil {
		b.optimizer.Record(QueryMetrics{SQL: sql, Params: args, Duration: time.Since(start), Timestamp: start, Table: b.table})
	}

	if len(b.relations) > 0 {
		if err := b.attachRelations(ctx, out); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// First is Limit(1).Execute() then head-or-null.
func (b *Builder) First(ctx context.Context) (Row, bool, error) {
	b.limit = 1
	rows, err := b.Execute(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// attachRelations performs exactly one follow-up query per relation
// (two round trips total including the base query) regardless of how
// many base rows matched.
func (b *Builder) attachRelations(ctx context.Context, base []Row) error {
	for _, rel := range b.relations {
		localKeys := make([]any, 0, len(base))
		seen := make(map[any]bool)
		for _, row := range base {
			v := row[rel.LocalKey]
			if v == nil || seen[v] {
				continue
			}
			seen[v] = true
			localKeys = append(localKeys, v)
		}
		if len(localKeys) == 0 {
			fillEmptyRelation(base, rel)
			continue
		}

		related, foreignToLocal, err := b.fetchRelated(ctx, rel, localKeys)
		if err != nil {
			return err
		}

		grouped := make(map[any][]Row)
		for _, r := range related {
			key := foreignToLocal(r)
			grouped[key] = append(grouped[key], r)
		}

		for _, row := range base {
			matches := grouped[row[rel.LocalKey]]
			switch rel.Kind {
			case RelationHasMany, RelationManyToMany:
				if matches == nil {
					matches = []Row{}
				}
				row[rel.Name] = matches
			default: // hasOne, belongsTo
				if len(matches) > 0 {
					row[rel.Name] = matches[0]
				} else {
					row[rel.Name] = nil
				}
			}
		}
	}
	return nil
}

func fillEmptyRelation(base []Row, rel Relation) {
	for _, row := range base {
		if rel.Kind == RelationHasMany || rel.Kind == RelationManyToMany {
			row[rel.Name] = []Row{}
		} else {
			row[rel.Name] = nil
		}
	}
}

// fetchRelated issues the single follow-up query for rel and returns a
// function mapping a related row back to its owning local key.
func (b *Builder) fetchRelated(ctx context.Context, rel Relation, localKeys []any) ([]Row, func(Row) any, error) {
	if rel.Kind == RelationManyToMany {
		return b.fetchManyToMany(ctx, rel, localKeys)
	}

	placeholders := make([]string, len(localKeys))
	args := make([]any, len(localKeys))
	for i, k := range localKeys {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = k
	}
	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s IN (%s)", rel.Table, rel.ForeignKey, strings.Join(placeholders, ", "))

	rows, err := b.queryRows(ctx, sql, args)
	if err != nil {
		return nil, nil, err
	}
	return rows, func(r Row) any { return r[rel.ForeignKey] }, nil
}

func (b *Builder) fetchManyToMany(ctx context.Context, rel Relation, localKeys []any) ([]Row, func(Row) any, error) {
	placeholders := make([]string, len(localKeys))
	args := make([]any, len(localKeys))
	for i, k := range localKeys {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = k
	}
	sql := fmt.Sprintf(
		"SELECT t.*, through.%s AS __through_local FROM %s t JOIN %s through ON through.%s = t.%s WHERE through.%s IN (%s)",
		rel.ThroughLocal, rel.Table, rel.ThroughTable, rel.ForeignKey, rel.ForeignKey, rel.ThroughLocal, strings.Join(placeholders, ", "),
	)

	rows, err := b.queryRows(ctx, sql, args)
	if err != nil {
		return nil, nil, err
	}
	return rows, func(r Row) any { return r["__through_local"] }, nil
}

func (b *Builder) queryRows(ctx context.Context, sql string, args []any) ([]Row, error) {
	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(Row, len(fields))
		for i, f := range fields {
			if i < len(values) {
				row[f.Name] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Insert builds one VALUES list for rows, appends RETURNING, executes,
// and emits one RealtimeEvent per returned row.
func (b *Builder) Insert(ctx context.Context, rows []Row) ([]Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	columns := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		columns = append(columns, col)
	}

	var args []any
	valueGroups := make([]string, len(rows))
	for ri, row := range rows {
		placeholders := make([]string, len(columns))
		for ci, col := range columns {
			args = append(args, row[col])
			placeholders[ci] = fmt.Sprintf("$%d", len(args))
		}
		valueGroups[ri] = "(" + strings.Join(placeholders, ", ") + ")"
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s %s",
		b.table, strings.Join(columns, ", "), strings.Join(valueGroups, ", "), b.pool.Dialect().Returning())

	returned, err := b.queryRows(ctx, sql, args)
	if err != nil {
		return nil, fmt.Errorf("db: insert: %w", err)
	}

	for _, r := range returned {
		RealtimeTopic.Publish(RealtimeEvent{Table: b.table, Type: "insert", Payload: r})
	}
	return returned, nil
}

// Update applies partial to every row matching the pending WHERE,
// appends RETURNING, executes, and emits update RealtimeEvents.
func (b *Builder) Update(ctx context.Context, partial Row) ([]Row, error) {
	var args []any
	sets := make([]string, 0, len(partial))
	for col, val := range partial {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "UPDATE %s SET %s", b.table, strings.Join(sets, ", "))
	if len(b.wheres) > 0 {
		sb.WriteString(" WHERE ")
		clauses := make([]string, len(b.wheres))
		for i, w := range b.wheres {
			clauses[i] = rebind(w.expr, &args, w.args)
		}
		sb.WriteString(strings.Join(clauses, " AND "))
	}
	sb.WriteByte(' ')
	sb.WriteString(b.pool.Dialect().Returning())

	returned, err := b.queryRows(ctx, sb.String(), args)
	if err != nil {
		return nil, fmt.Errorf("db: update: %w", err)
	}
	for _, r := range returned {
		RealtimeTopic.Publish(RealtimeEvent{Table: b.table, Type: "update", Payload: r})
	}
	return returned, nil
}

// Delete removes rows matching the pending WHERE, appends RETURNING,
// executes, and emits delete RealtimeEvents.
func (b *Builder) Delete(ctx context.Context) ([]Row, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "DELETE FROM %s", b.table)

	var args []any
	if len(b.wheres) > 0 {
		sb.WriteString(" WHERE ")
		clauses := make([]string, len(b.wheres))
		for i, w := range b.wheres {
			clauses[i] = rebind(w.expr, &args, w.args)
		}
		sb.WriteString(strings.Join(clauses, " AND "))
	}
	sb.WriteByte(' ')
	sb.WriteString(b.pool.Dialect().Returning())

	returned, err := b.queryRows(ctx, sb.String(), args)
	if err != nil {
		return nil, fmt.Errorf("db: delete: %w", err)
	}
	for _, r := range returned {
		RealtimeTopic.Publish(RealtimeEvent{Table: b.table, Type: "delete", Payload: r})
	}
	return returned, nil
}
