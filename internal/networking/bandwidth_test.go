package networking

import (
	"math"
	"testing"
	"time"
)

func TestFrameBudgetSkipsFramesOverBudget(t *testing.T) {
	current := time.Unix(0, 0)
	clock := func() time.Time { return current }
	budget := NewFrameBudget(100, clock)

	if !budget.Allow("panel-1", 60) {
		t.Fatalf("expected the first frame to fit the initial budget")
	}
	if budget.Allow("panel-1", 50) {
		t.Fatalf("expected the frame to be skipped while the budget is spent")
	}
	if !budget.Allow("panel-2", 90) {
		t.Fatalf("panels must not share a budget")
	}

	current = current.Add(500 * time.Millisecond)
	if !budget.Allow("panel-1", 50) {
		t.Fatalf("expected the frame to fit after a partial refill")
	}

	current = current.Add(time.Second)
	usage, ok := budget.Usage("panel-1")
	if !ok {
		t.Fatalf("missing usage for panel-1")
	}
	if usage.Delivered != 2 || usage.Skipped != 1 {
		t.Fatalf("unexpected counts %+v", usage)
	}
	if usage.AvailableBytes != 100 {
		t.Fatalf("expected the bucket to refill to capacity, got %f", usage.AvailableBytes)
	}
	if want := 110 / 1.5; math.Abs(usage.BytesPerSecond-want) > 1e-9 {
		t.Fatalf("unexpected throughput: got %f want %f", usage.BytesPerSecond, want)
	}
	if budget.Skipped() != 1 {
		t.Fatalf("expected one skipped frame overall, got %d", budget.Skipped())
	}

	budget.Forget("panel-1")
	if _, ok := budget.Usage("panel-1"); ok {
		t.Fatalf("expected usage cleared after Forget")
	}
}

func TestFrameBudgetDisabled(t *testing.T) {
	for _, rate := range []float64{0, -1, math.Inf(1), math.NaN()} {
		budget := NewFrameBudget(rate, nil)
		if budget != nil {
			t.Fatalf("rate %v: expected nil budget", rate)
		}
		if !budget.Allow("panel", 1<<20) {
			t.Fatalf("rate %v: nil budget must allow every frame", rate)
		}
		budget.Forget("panel")
		if budget.Skipped() != 0 {
			t.Fatalf("rate %v: nil budget reports skips", rate)
		}
	}
}

func TestFrameBudgetIgnoresClockRewind(t *testing.T) {
	current := time.Unix(100, 0)
	budget := NewFrameBudget(10, func() time.Time { return current })
	if !budget.Allow("panel", 10) {
		t.Fatalf("expected the initial frame to fit")
	}
	current = current.Add(-time.Minute)
	if budget.Allow("panel", 1) {
		t.Fatalf("a rewound clock must not refill the bucket")
	}
}
