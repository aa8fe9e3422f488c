package metrics

import "math"

// SafeDiv returns 0 instead of Inf/NaN when b is zero.
func SafeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// PercentChange compares cur against prev. A zero baseline reports
// +100 or -100 by the sign of cur, and 0 when both are zero.
func PercentChange(cur, prev float64) float64 {
	if prev == 0 {
		switch {
		case cur > 0:
			return 100
		case cur < 0:
			return -100
		default:
			return 0
		}
	}
	return Round2((cur - prev) / math.Abs(prev) * 100)
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
