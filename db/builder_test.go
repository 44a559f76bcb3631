package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRows is a minimal pgx.Rows backed by an in-memory table, letting
// Builder be exercised without a live database.
type fakeRows struct {
	fields  []pgconn.FieldDescription
	data    [][]any
	pos     int
	started bool
}

func newFakeRows(columns []string, data [][]any) *fakeRows {
	fields := make([]pgconn.FieldDescription, len(columns))
	for i, c := range columns {
		fields[i] = pgconn.FieldDescription{Name: c}
	}
	return &fakeRows{fields: fields, data: data, pos: -1}
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }
func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.data)
}
func (r *fakeRows) Scan(dest ...any) error           { return nil }
func (r *fakeRows) Values() ([]any, error)           { return r.data[r.pos], nil }
func (r *fakeRows) RawValues() [][]byte              { return nil }
func (r *fakeRows) Conn() *pgx.Conn                  { return nil }

// fakeBuilderQuerier dispatches canned result sets keyed by a substring
// of the statement, so a test can script the base query plus each
// relation's follow-up query independently.
type fakeBuilderQuerier struct {
	scripts []scriptedQuery
	execs   []string
}

type scriptedQuery struct {
	match   string
	columns []string
	rows    [][]any
}

func (f *fakeBuilderQuerier) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeBuilderQuerier) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	f.execs = append(f.execs, sql)
	for _, s := range f.scripts {
		if containsSQL(sql, s.match) {
			return newFakeRows(s.columns, s.rows), nil
		}
	}
	return newFakeRows(nil, nil), nil
}

func (f *fakeBuilderQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row { return nil }
func (f *fakeBuilderQuerier) Close()                                                   {}

func containsSQL(sql, substr string) bool {
	return len(substr) == 0 || (len(sql) >= len(substr) && indexOf(sql, substr) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func newFakeBuilderPool(scripts ...scriptedQuery) *Pool {
	q := &fakeBuilderQuerier{scripts: scripts}
	return NewPool(Postgres{}, q, nil, ReadPreferReplica)
}

func TestExecuteRendersSelectAndScansRows(t *testing.T) {
	pool := newFakeBuilderPool(scriptedQuery{
		match:   "FROM posts",
		columns: []string{"id", "title"},
		rows:    [][]any{{1, "hello"}, {2, "world"}},
	})

	rows, err := pool.From("posts").Where("author_id = ?", 7).OrderBy("id ASC").Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0]["title"] != "hello" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestExecuteRecordsQueryMetricsIntoOptimizer(t *testing.T) {
	pool := newFakeBuilderPool(scriptedQuery{match: "FROM posts", columns: []string{"id"}, rows: [][]any{{1}}})
	opt := NewOptimizer(DefaultOptimizerConfig())

	_, err := pool.From("posts").WithOptimizer(opt).Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Execute recorded "SELECT * FROM posts" once; feed the same query
	// DefaultNPlusOneThreshold-1 more times so the n+1 hint trips only if
	// that first recording reached the optimizer.
	for i := 0; i < DefaultNPlusOneThreshold-1; i++ {
		opt.Record(QueryMetrics{SQL: "SELECT * FROM posts", Table: "posts"})
	}
	hints := opt.DrainHints()
	foundNPlusOne := false
	for _, h := range hints {
		if h.Kind == HintNPlusOne {
			foundNPlusOne = true
		}
	}
	if !foundNPlusOne {
		t.Fatal("expected n+1 hint after repeated identical query shape")
	}
}

func TestFirstReturnsFalseWhenNoRowsMatch(t *testing.T) {
	pool := newFakeBuilderPool(scriptedQuery{match: "FROM posts", columns: []string{"id"}, rows: nil})

	row, ok, err := pool.From("posts").First(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok || row != nil {
		t.Fatalf("expected no match, got %+v ok=%v", row, ok)
	}
}

func TestHasManyRelationIssuesExactlyOneFollowUpQuery(t *testing.T) {
	pool := newFakeBuilderPool(
		scriptedQuery{match: "FROM posts", columns: []string{"id", "title"}, rows: [][]any{{1, "a"}, {2, "b"}}},
		scriptedQuery{match: "FROM comments", columns: []string{"id", "post_id", "body"}, rows: [][]any{
			{10, 1, "first comment"},
			{11, 1, "second comment"},
		}},
	)

	rows, err := pool.From("posts").WithRelations(Relation{
		Name: "comments", Kind: RelationHasMany, Table: "comments",
		LocalKey: "id", ForeignKey: "post_id",
	}).Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	post1 := rows[0]
	comments, ok := post1["comments"].([]Row)
	if !ok || len(comments) != 2 {
		t.Fatalf("expected post 1 to have 2 comments, got %+v", post1["comments"])
	}

	post2 := rows[1]
	emptyComments, ok := post2["comments"].([]Row)
	if !ok || len(emptyComments) != 0 {
		t.Fatalf("expected post 2 to have an empty comments slice, got %+v", post2["comments"])
	}
}

func TestInsertEmitsRealtimeEventPerReturnedRow(t *testing.T) {
	pool := newFakeBuilderPool(scriptedQuery{match: "INSERT INTO posts", columns: []string{"id", "title"}, rows: [][]any{{1, "hello"}}})

	var received []RealtimeEvent
	unsub := RealtimeTopic.Subscribe(func(e RealtimeEvent) error {
		received = append(received, e)
		return nil
	})
	defer unsub()

	rows, err := pool.From("posts").Insert(context.Background(), []Row{{"title": "hello"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 returned row, got %d", len(rows))
	}
	if len(received) != 1 || received[0].Type != "insert" || received[0].Table != "posts" {
		t.Fatalf("expected one insert realtime event, got %+v", received)
	}
}

func TestUpdateAppliesWhereAndEmitsRealtimeEvent(t *testing.T) {
	pool := newFakeBuilderPool(scriptedQuery{match: "UPDATE posts", columns: []string{"id", "title"}, rows: [][]any{{1, "renamed"}}})

	var received []RealtimeEvent
	unsub := RealtimeTopic.Subscribe(func(e RealtimeEvent) error {
		received = append(received, e)
		return nil
	})
	defer unsub()

	rows, err := pool.From("posts").Where("id = ?", 1).Update(context.Background(), Row{"title": "renamed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["title"] != "renamed" {
		t.Fatalf("unexpected update result: %+v", rows)
	}
	if len(received) != 1 || received[0].Type != "update" {
		t.Fatalf("expected one update realtime event, got %+v", received)
	}
}

func TestDeleteEmitsRealtimeEvent(t *testing.T) {
	pool := newFakeBuilderPool(scriptedQuery{match: "DELETE FROM posts", columns: []string{"id"}, rows: [][]any{{1}}})

	var received []RealtimeEvent
	unsub := RealtimeTopic.Subscribe(func(e RealtimeEvent) error {
		received = append(received, e)
		return nil
	})
	defer unsub()

	rows, err := pool.From("posts").Where("id = ?", 1).Delete(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("unexpected delete result: %+v", rows)
	}
	if len(received) != 1 || received[0].Type != "delete" {
		t.Fatalf("expected one delete realtime event, got %+v", received)
	}
}
