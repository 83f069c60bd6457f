// Package arith implements integer-exact micro-unit money math.
//
// All monetary amounts in arrakis are micro-units (1 USD = 1,000,000 micro)
// held in math/big.Int. Floats are rejected everywhere: wire values are
// decimal strings, internal values are big integers, and any intermediate
// product is computed in arbitrary precision before division.
package arith

import (
	"math/big"
	"strings"

	"github.com/arrakis/backend/internal/apperr"
)

// MicroPerUSD is the number of micro-units in one USD.
const MicroPerUSD = 1_000_000

// MicroPerCent is the number of micro-units in one cent.
const MicroPerCent = 10_000

var (
	microPerUSD  = big.NewInt(MicroPerUSD)
	microPerCent = big.NewInt(MicroPerCent)
)

// PoolPricing is the price vector for a pool, in micro-units per one
// million tokens of each class.
type PoolPricing struct {
	PromptMicroPerMillion     int64
	CompletionMicroPerMillion int64
	ReasoningMicroPerMillion  int64
}

// Cost computes the exact cost of a token count at a per-million-token
// price: cost = (tokens * price) / 10^6, remainder = (tokens * price) mod 10^6.
// The product is formed in big.Int so no intermediate can overflow.
func Cost(tokens, priceMicroPerMillion int64) (cost, remainder *big.Int, err error) {
	if tokens < 0 {
		return nil, nil, apperr.New(apperr.KindInvalidArgument, "token count must be non-negative")
	}
	if priceMicroPerMillion < 0 {
		return nil, nil, apperr.New(apperr.KindInvalidArgument, "price must be non-negative")
	}
	product := new(big.Int).Mul(big.NewInt(tokens), big.NewInt(priceMicroPerMillion))
	cost = new(big.Int)
	remainder = new(big.Int)
	cost.QuoRem(product, microPerUSD, remainder)
	return cost, remainder, nil
}

// Total sums the cost of prompt, completion and reasoning tokens at the
// pool's price vector. The returned remainder is the sum of the three
// per-class remainders (it can exceed 10^6; callers track it as-is).
func Total(prompt, completion, reasoning int64, pricing PoolPricing) (total, remainder *big.Int, err error) {
	total = new(big.Int)
	remainder = new(big.Int)
	for _, part := range []struct {
		tokens int64
		price  int64
	}{
		{prompt, pricing.PromptMicroPerMillion},
		{completion, pricing.CompletionMicroPerMillion},
		{reasoning, pricing.ReasoningMicroPerMillion},
	} {
		c, r, err := Cost(part.tokens, part.price)
		if err != nil {
			return nil, nil, err
		}
		total.Add(total, c)
		remainder.Add(remainder, r)
	}
	return total, remainder, nil
}

// CentsToMicro converts cents to micro-units exactly.
func CentsToMicro(cents int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(cents), microPerCent)
}

// MicroToCentsCeil converts micro-units to cents rounding up, the direction
// that never under-reserves: (micro + 9_999) / 10_000.
func MicroToCentsCeil(micro *big.Int) (int64, error) {
	if micro.Sign() < 0 {
		return 0, apperr.New(apperr.KindInvalidArgument, "amount must be non-negative")
	}
	sum := new(big.Int).Add(micro, big.NewInt(MicroPerCent-1))
	cents := new(big.Int).Quo(sum, microPerCent)
	if !cents.IsInt64() {
		return 0, apperr.New(apperr.KindInvalidArgument, "amount out of range")
	}
	return cents.Int64(), nil
}

// MicroToCentsExact converts micro-units to cents requiring exact division.
func MicroToCentsExact(micro *big.Int) (int64, error) {
	quo, rem := new(big.Int).QuoRem(micro, microPerCent, new(big.Int))
	if rem.Sign() != 0 {
		return 0, apperr.New(apperr.KindInvalidArgument, "amount is not a whole number of cents")
	}
	if !quo.IsInt64() {
		return 0, apperr.New(apperr.KindInvalidArgument, "amount out of range")
	}
	return quo.Int64(), nil
}

// ParseMicro parses a wire-format decimal string into a micro-unit amount.
// Only base-10 integer strings are accepted: no sign for negatives unless
// allowNegative, no exponents, no decimal points, no whitespace. This is the
// single choke point where client-provided money enters the process.
func ParseMicro(s string, allowNegative bool) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "amount is required")
	}
	if strings.ContainsAny(s, ".eE+ _") {
		return nil, apperr.New(apperr.KindInvalidArgument, "amount must be an integer micro-unit string")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, apperr.New(apperr.KindInvalidArgument, "amount is not a valid integer")
	}
	if !allowNegative && v.Sign() < 0 {
		return nil, apperr.New(apperr.KindInvalidArgument, "amount must be non-negative")
	}
	return v, nil
}

// FormatMicro renders a micro-unit amount in wire format.
func FormatMicro(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Min returns the smaller of a and b as a fresh big.Int.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
