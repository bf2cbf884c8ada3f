package cache

import (
	"context"
	"testing"
)

func TestReserveInsufficientReportsShortfall(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.InitLimit(ctx, "acct-1", "lot-1", 500); err != nil {
		t.Fatal(err)
	}
	res, err := m.Reserve(ctx, "acct-1", "2026-07", "res-1", 700)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("expected insufficient credit")
	}
	if res.Shortfall != 200 {
		t.Fatalf("shortfall = %d, want 200", res.Shortfall)
	}
}

func TestReserveIdempotentOnRetry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.InitLimit(ctx, "acct-1", "lot-1", 1000)

	first, _ := m.Reserve(ctx, "acct-1", "2026-07", "res-1", 400)
	second, _ := m.Reserve(ctx, "acct-1", "2026-07", "res-1", 400)
	if !first.OK || !second.OK {
		t.Fatal("expected both reserve calls to report success")
	}
	_, reserved, _, _ := m.Snapshot(ctx, "acct-1", "2026-07")
	if reserved != 400 {
		t.Fatalf("reserved = %d, want 400 (retry must not double-reserve)", reserved)
	}
}

func TestFinalizeLiveModeCapsAtReserved(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.InitLimit(ctx, "acct-1", "lot-1", 1000)
	m.Reserve(ctx, "acct-1", "2026-07", "res-1", 500)

	result, err := m.Finalize(ctx, "acct-1", "2026-07", "res-1", 500, 800, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.CommittedDelta != 500 {
		t.Fatalf("committed delta = %d, want 500 (capped)", result.CommittedDelta)
	}
	if result.Overrun != 0 {
		t.Fatalf("overrun = %d, want 0 in live mode", result.Overrun)
	}
}

func TestFinalizeShadowModeRecordsOverrun(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.InitLimit(ctx, "acct-1", "lot-1", 1000)
	m.Reserve(ctx, "acct-1", "2026-07", "res-1", 500)

	result, err := m.Finalize(ctx, "acct-1", "2026-07", "res-1", 500, 800, true)
	if err != nil {
		t.Fatal(err)
	}
	if result.CommittedDelta != 800 {
		t.Fatalf("committed delta = %d, want 800 (uncapped in shadow)", result.CommittedDelta)
	}
	if result.Overrun != 300 {
		t.Fatalf("overrun = %d, want 300", result.Overrun)
	}
}

func TestCancelReleasesReservedOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.InitLimit(ctx, "acct-1", "lot-1", 1000)
	m.Reserve(ctx, "acct-1", "2026-07", "res-1", 500)

	if err := m.Cancel(ctx, "acct-1", "2026-07", "res-1", 500); err != nil {
		t.Fatal(err)
	}
	limit, reserved, committed, _ := m.Snapshot(ctx, "acct-1", "2026-07")
	if reserved != 0 || committed != 0 || limit != 1000 {
		t.Fatalf("snapshot after cancel = (%d, %d, %d), want (1000, 0, 0)", limit, reserved, committed)
	}
}
