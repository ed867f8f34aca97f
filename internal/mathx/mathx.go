// Package mathx implements the float precision helpers the sizing and
// spread math depend on. Flooring at a venue's amount precision decides
// final order sizes, so the behavior at zero matters: a value that
// truncates to nothing stays exactly zero.
package mathx

import (
	"math"
	"strconv"
	"strings"
)

// Floor truncates v to prec decimal places, toward negative infinity.
func Floor(v float64, prec int) float64 {
	if v == 0 {
		return 0
	}
	f := math.Pow10(prec)
	x := math.Floor(v * f)
	if x == 0 {
		return 0
	}
	return x / f
}

// Ceil rounds v up at prec decimal places.
func Ceil(v float64, prec int) float64 {
	if v == 0 {
		return 0
	}
	f := math.Pow10(prec)
	x := math.Ceil(v * f)
	if x == 0 {
		return 0
	}
	return x / f
}

// CalcSpread returns the spread of high over low relative to their
// midpoint. Zero when equal, negative when the pair is inverted.
func CalcSpread(high, low float64) float64 {
	return (high - low) / ((high + low) / 2)
}

// Prec returns the number of decimal places in the shortest decimal
// representation of f. Values that render in scientific notation are
// expanded first, so Prec(1e-05) == 5.
func Prec(f float64) int {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return len(strings.TrimRight(s[i+1:], "0"))
}
