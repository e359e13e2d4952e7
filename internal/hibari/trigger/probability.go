// Package trigger turns accumulated conversation signal into a reply
// probability. Everything here is a pure function.
package trigger

import "math"

const (
	// MaxBase is the asymptote of Base.
	MaxBase = 0.95
	// Midpoint is the accumulated length at which Base reaches MaxBase/2.
	Midpoint = 100.0
	// Slope controls how fast Base rises around Midpoint.
	Slope = 25.0
)

// Base maps the accumulated unconsumed text length to a probability using a
// shifted logistic curve: 0.95 / (1 + e^(-(length-100)/25)), with 0 for
// length <= 0.
//
//	  0 -> 0
//	 50 -> 0.1132
//	100 -> 0.4750
//	150 -> 0.8368
//	200 -> 0.9329
func Base(length int) float64 {
	if length <= 0 {
		return 0
	}
	p := MaxBase / (1 + math.Exp(-(float64(length)-Midpoint)/Slope))
	return clamp(p, 0, MaxBase)
}

// FavorabilityModifier scales the probability by the mean reputation of the
// people currently talking: 1 + 0.8(1 - e^(-5 avg)). Negative averages
// dampen it.
func FavorabilityModifier(avgFavorability float64) float64 {
	return 1 + 0.8*(1-math.Exp(-5*avgFavorability))
}

// Final combines the base probability, the hotness coefficient and the
// favorability modifier and clamps the result to [0, 1].
func Final(base, hotness, favorabilityModifier float64) float64 {
	return clamp(base*hotness*favorabilityModifier, 0, 1)
}

// Fires reports whether a uniform draw in [0, 1) triggers a reply at
// probability p.
func Fires(p, draw float64) bool {
	return draw <= p
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
