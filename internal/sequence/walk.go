// Package sequence generates the shared outcome sequence that trades settle
// against. Exactly one generator extends it at a time.
package sequence

import "github.com/shopspring/decimal"

// Precision is the number of decimal places kept on every sample.
const Precision = 4

// Walk is a bounded random walk.
type Walk struct {
	Seed    decimal.Decimal
	MaxStep decimal.Decimal
	Min     decimal.Decimal
	Max     decimal.Decimal
}

// DefaultWalk starts at 3.0 and moves at most 0.25 per step within [1, 5].
func DefaultWalk() Walk {
	return Walk{
		Seed:    decimal.NewFromFloat(3.0),
		MaxStep: decimal.NewFromFloat(0.25),
		Min:     decimal.NewFromInt(1),
		Max:     decimal.NewFromInt(5),
	}
}

// Step moves prev by (2r-1)*MaxStep for r in [0, 1), clamps to [Min, Max]
// and rounds to Precision places.
func (w Walk) Step(prev decimal.Decimal, r float64) decimal.Decimal {
	delta := w.MaxStep.Mul(decimal.NewFromFloat(2*r - 1))
	v := prev.Add(delta).Round(Precision)
	if v.LessThan(w.Min) {
		return w.Min
	}
	if v.GreaterThan(w.Max) {
		return w.Max
	}
	return v
}
