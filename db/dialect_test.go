package db

import "testing"

func TestIsWriteStatementDetectsWriteKeywords(t *testing.T) {
	d := Postgres{}
	writes := []string{"INSERT INTO t VALUES (1)", "  update t set x=1", "DELETE FROM t", "\nCREATE TABLE t (id int)"}
	for _, sql := range writes {
		if !d.IsWriteStatement(sql) {
			t.Fatalf("expected %q to be a write statement", sql)
		}
	}
}

func TestIsWriteStatementAllowsReads(t *testing.T) {
	d := Postgres{}
	reads := []string{"SELECT * FROM t", "  with cte as (select 1) select * from cte"}
	for _, sql := range reads {
		if d.IsWriteStatement(sql) {
			t.Fatalf("expected %q to be a read statement", sql)
		}
	}
}

func TestParamPlaceholderIsDollarStyle(t *testing.T) {
	d := Postgres{}
	if got := d.ParamPlaceholder(3); got != "$3" {
		t.Fatalf("expected $3, got %s", got)
	}
}

func TestLimitOffsetRendersBothWhenSet(t *testing.T) {
	d := Postgres{}
	if got := d.LimitOffset(10, 20); got != "LIMIT 10 OFFSET 20" {
		t.Fatalf("unexpected clause: %q", got)
	}
	if got := d.LimitOffset(0, 0); got != "" {
		t.Fatalf("expected empty clause, got %q", got)
	}
}
