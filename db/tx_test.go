package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

// fakeTx is a minimal in-memory stand-in for pgx.Tx that tracks which
// "APPLY <name>" effects are live, so savepoint rollback/release
// semantics can be asserted without a real database.
type fakeTx struct {
	effects    []string
	marks      map[string]int
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.HasPrefix(sql, "SAVEPOINT "):
		name := strings.TrimPrefix(sql, "SAVEPOINT ")
		if f.marks == nil {
			f.marks = make(map[string]int)
		}
		f.marks[name] = len(f.effects)
	case strings.HasPrefix(sql, "ROLLBACK TO "):
		name := strings.TrimPrefix(sql, "ROLLBACK TO ")
		f.effects = f.effects[:f.marks[name]]
	case strings.HasPrefix(sql, "RELEASE "):
		// effects already applied; nothing to do
	case strings.HasPrefix(sql, "APPLY "):
		f.effects = append(f.effects, strings.TrimPrefix(sql, "APPLY "))
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) Commit(context.Context) error   { f.committed = true; return nil }
func (f *fakeTx) Rollback(context.Context) error { f.rolledBack = true; return nil }

func TestSavepointNestingRollsBackOnlyFailedSavepoint(t *testing.T) {
	tx := &fakeTx{}
	txCtx := &TxContext{ID: "t1", tx: tx}
	tm := &TransactionManager{}

	err := tm.WithSavepoint(context.Background(), txCtx, func(ctx context.Context) error {
		_, _ = txCtx.Exec(ctx, "APPLY s1-effect")
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error from failing savepoint callback")
	}

	err = tm.WithSavepoint(context.Background(), txCtx, func(ctx context.Context) error {
		_, _ = txCtx.Exec(ctx, "APPLY s2-effect")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	found := map[string]bool{}
	for _, e := range tx.effects {
		found[e] = true
	}
	if found["s1-effect"] {
		t.Fatal("expected s1's effect to be rolled back")
	}
	if !found["s2-effect"] {
		t.Fatal("expected s2's effect to be committed")
	}
	if txCtx.Depth != 0 {
		t.Fatalf("expected depth to return to 0 after both savepoints resolve, got %d", txCtx.Depth)
	}
}

func TestWithSavepointOutsideTransactionErrors(t *testing.T) {
	tm := &TransactionManager{}
	err := tm.WithSavepoint(context.Background(), nil, func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrNoActiveTransaction) {
		t.Fatalf("expected ErrNoActiveTransaction, got %v", err)
	}
}
