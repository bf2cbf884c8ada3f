package arith

import "testing"

func TestCostBoundaries(t *testing.T) {
	if c, r := Cost(0, 1_000_000); c != 0 || r != 0 {
		t.Fatalf("cost(0, p) = (%d, %d), want (0, 0)", c, r)
	}
	if c, r := Cost(1_000_000, 0); c != 0 || r != 0 {
		t.Fatalf("cost(t, 0) = (%d, %d), want (0, 0)", c, r)
	}
	if c, r := Cost(1_000_000, 1_000_000); c != 1_000_000 || r != 0 {
		t.Fatalf("cost(1e6, 1e6) = (%d, %d), want (1e6, 0)", c, r)
	}
}

func TestCostRemainder(t *testing.T) {
	// product = 100 * 10 = 1000; cost = 0, remainder = 1000
	c, r := Cost(100, 10)
	if c != 0 || r != 1000 {
		t.Fatalf("cost(100, 10) = (%d, %d), want (0, 1000)", c, r)
	}
}

func TestTotalHappyPath(t *testing.T) {
	// Happy-path scenario: prompt 100 tokens @$10/M, completion 200 @$30/M.
	total, _ := Total(100, 200, 0, PricingVector{PromptMicroPerMillion: 10_000_000, CompletionMicroPerMillion: 30_000_000})
	if total != 7_000 {
		t.Fatalf("total = %d, want 7000", total)
	}
}

func TestCentsToMicro(t *testing.T) {
	if got := CentsToMicro(1); got != 10_000 {
		t.Fatalf("CentsToMicro(1) = %d, want 10000", got)
	}
}

func TestMicroToCeilingCents(t *testing.T) {
	if got := MicroToCeilingCents(0); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
	if got := MicroToCeilingCents(1); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	if got := MicroToCeilingCents(10_000); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	if got := MicroToCeilingCents(10_001); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestParseDecimalMicroRoundTrip(t *testing.T) {
	n, err := ParseDecimalMicro("7000000")
	if err != nil {
		t.Fatal(err)
	}
	if n != 7_000_000 {
		t.Fatalf("got %d", n)
	}
	if FormatMicro(n) != "7000000" {
		t.Fatalf("got %s", FormatMicro(n))
	}
	if _, err := ParseDecimalMicro("3.14"); err == nil {
		t.Fatal("expected error for fractional micro string")
	}
}
