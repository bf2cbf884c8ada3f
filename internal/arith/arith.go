// Package arith provides integer-exact micro-unit money arithmetic.
//
// All monetary amounts in arrakis are micro-units (1 USD = 1,000,000 micro).
// Floats never touch a money path; every computation here is done with
// math/big so that a pathological input (huge token counts, huge price
// vectors) promotes cleanly instead of silently overflowing or truncating.
package arith

import (
	"fmt"
	"math/big"
)

// MicroPerUSD is the number of micro-units in one USD.
const MicroPerUSD = 1_000_000

// CentsToMicroFactor converts cents to micro-units exactly (1 cent = 10_000 micro).
const CentsToMicroFactor = 10_000

var million = big.NewInt(MicroPerUSD)

// Cost computes cost and remainder in micro-units for a token count billed
// at price-per-million-tokens (also expressed in micro-units).
//
//	product = tokens * priceMicroPerMillion
//	cost    = product / 10^6
//	remainder = product mod 10^6
//
// Both tokens and price must be non-negative; negative inputs are rejected
// by the caller layer (Ledger/UsageVerifier), not here.
func Cost(tokens int64, priceMicroPerMillion int64) (costMicro int64, remainderMicro int64) {
	t := big.NewInt(tokens)
	p := big.NewInt(priceMicroPerMillion)
	product := new(big.Int).Mul(t, p)

	cost := new(big.Int)
	remainder := new(big.Int)
	cost.DivMod(product, million, remainder)

	return cost.Int64(), remainder.Int64()
}

// PricingVector holds per-million-token prices for the three cost
// dimensions a pool can bill: prompt, completion, and reasoning tokens.
type PricingVector struct {
	PromptMicroPerMillion     int64
	CompletionMicroPerMillion int64
	ReasoningMicroPerMillion  int64
}

// Total sums Cost() across prompt, completion, and reasoning tokens.
func Total(promptTokens, completionTokens, reasoningTokens int64, pricing PricingVector) (totalMicro int64, remainderMicro int64) {
	pc, pr := Cost(promptTokens, pricing.PromptMicroPerMillion)
	cc, cr := Cost(completionTokens, pricing.CompletionMicroPerMillion)
	rc, rr := Cost(reasoningTokens, pricing.ReasoningMicroPerMillion)

	total := new(big.Int).Add(big.NewInt(pc), big.NewInt(cc))
	total.Add(total, big.NewInt(rc))

	rem := new(big.Int).Add(big.NewInt(pr), big.NewInt(cr))
	rem.Add(rem, big.NewInt(rr))

	return total.Int64(), rem.Int64()
}

// CentsToMicro converts an integer cents amount to micro-units exactly.
func CentsToMicro(cents int64) int64 {
	return new(big.Int).Mul(big.NewInt(cents), big.NewInt(CentsToMicroFactor)).Int64()
}

// MicroToCeilingCents converts micro-units to cents, rounding up — used by
// Ledger.reserve to avoid under-reserving against the cents-denominated
// cache (the remainder is tracked separately in a lot entry at finalize).
func MicroToCeilingCents(micro int64) int64 {
	if micro <= 0 {
		return 0
	}
	num := big.NewInt(micro + (CentsToMicroFactor - 1))
	return new(big.Int).Div(num, big.NewInt(CentsToMicroFactor)).Int64()
}

// MicroToFlooredCents converts micro-units to cents, truncating toward
// zero — used where the cache's cents-denominated limit is derived from an
// exact micro amount (mint), so the remainder stays tracked precisely in
// the Store rather than being rounded away twice.
func MicroToFlooredCents(micro int64) int64 {
	if micro <= 0 {
		return 0
	}
	return new(big.Int).Div(big.NewInt(micro), big.NewInt(CentsToMicroFactor)).Int64()
}

// ParseDecimalMicro parses a decimal string wire value (as used on all JSON
// monetary fields, per §6) into an exact micro-unit int64. Only integer
// micro-unit strings are accepted; fractional micro is rejected since micro
// is already the system's smallest unit.
func ParseDecimalMicro(s string) (int64, error) {
	n := new(big.Int)
	if _, ok := n.SetString(s, 10); !ok {
		return 0, fmt.Errorf("arith: invalid decimal micro string %q", s)
	}
	if !n.IsInt64() {
		return 0, fmt.Errorf("arith: micro value %q exceeds safe integer range", s)
	}
	return n.Int64(), nil
}

// FormatMicro renders a micro-unit amount as the decimal string wire format.
func FormatMicro(micro int64) string {
	return big.NewInt(micro).String()
}

// USDToMicro parses a decimal USD amount (e.g. a payment provider's
// "10.00000000") into exact micro-units via big.Rat, rejecting precision
// beyond the micro scale rather than silently truncating it.
func USDToMicro(amount string) (int64, error) {
	r := new(big.Rat)
	if _, ok := r.SetString(amount); !ok {
		return 0, fmt.Errorf("arith: invalid decimal USD amount %q", amount)
	}
	r.Mul(r, new(big.Rat).SetInt64(MicroPerUSD))
	if !r.IsInt() {
		return 0, fmt.Errorf("arith: amount %q has precision finer than micro-units", amount)
	}
	n := r.Num()
	if !n.IsInt64() {
		return 0, fmt.Errorf("arith: amount %q exceeds safe integer range", amount)
	}
	return n.Int64(), nil
}
