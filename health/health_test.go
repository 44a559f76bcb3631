package health

import (
	"context"
	"testing"
)

func TestAggregateUpWhenAllChecksUp(t *testing.T) {
	r := NewRegistry()
	r.Register("db", true, func(context.Context) Result { return Result{Status: StatusUp} })
	r.Register("cache", false, func(context.Context) Result { return Result{Status: StatusUp} })

	report := r.Run(context.Background())
	if report.Status != StatusUp {
		t.Fatalf("expected aggregate up, got %v", report.Status)
	}
}

func TestAggregateDownWhenCriticalCheckDown(t *testing.T) {
	r := NewRegistry()
	r.Register("db", true, func(context.Context) Result { return Result{Status: StatusDown, Details: "connection refused"} })
	r.Register("cache", false, func(context.Context) Result { return Result{Status: StatusUp} })

	report := r.Run(context.Background())
	if report.Status != StatusDown {
		t.Fatalf("expected aggregate down when a critical check fails, got %v", report.Status)
	}
}

func TestAggregateStaysUpWhenOnlyNonCriticalCheckDown(t *testing.T) {
	r := NewRegistry()
	r.Register("db", true, func(context.Context) Result { return Result{Status: StatusUp} })
	r.Register("cache", false, func(context.Context) Result { return Result{Status: StatusDown} })

	report := r.Run(context.Background())
	if report.Status != StatusUp {
		t.Fatalf("expected aggregate up when only a non-critical check is down, got %v", report.Status)
	}
	if report.Checks["cache"].Status != StatusDown {
		t.Fatal("expected the individual cache check result to still report down")
	}
}

func TestUnregisterRemovesCheckFromReport(t *testing.T) {
	r := NewRegistry()
	r.Register("db", true, func(context.Context) Result { return Result{Status: StatusUp} })
	r.Unregister("db")

	report := r.Run(context.Background())
	if _, ok := report.Checks["db"]; ok {
		t.Fatal("expected unregistered check to be absent from the report")
	}
	if report.Status != StatusUp {
		t.Fatalf("expected aggregate up with no checks registered, got %v", report.Status)
	}
}
