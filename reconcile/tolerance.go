package reconcile

import "github.com/shopspring/decimal"

// Tolerance bounds the amount difference treated as rounding noise.
type Tolerance struct {
	Absolute decimal.Decimal // e.g. 0.01
	Relative decimal.Decimal // fraction of the larger magnitude, e.g. 0.001
}

// DefaultTolerance returns one cent or 0.1%, whichever is larger.
func DefaultTolerance() Tolerance {
	return Tolerance{
		Absolute: decimal.RequireFromString("0.01"),
		Relative: decimal.RequireFromString("0.001"),
	}
}

// Allowed returns the largest difference between a and b that is not a
// discrepancy: max(Absolute, Relative * max(|a|, |b|)).
func (t Tolerance) Allowed(a, b decimal.Decimal) decimal.Decimal {
	larger := decimal.Max(a.Abs(), b.Abs())
	return decimal.Max(t.Absolute, t.Relative.Mul(larger))
}

// Within reports whether a and b agree within the tolerance.
func (t Tolerance) Within(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(t.Allowed(a, b))
}
