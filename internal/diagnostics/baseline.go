package diagnostics

import "math"

// baselineStats summarizes a trailing window of metric observations.
type baselineStats struct {
	mean   float64
	stddev float64
	n      int
}

// computeBaseline returns mean and population standard deviation of the
// window. The window must already exclude the bucket under evaluation so
// the baseline never drifts toward the deviation it is judging.
func computeBaseline(window []float64) baselineStats {
	n := len(window)
	if n == 0 {
		return baselineStats{}
	}
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range window {
		d := v - mean
		sq += d * d
	}
	return baselineStats{
		mean:   mean,
		stddev: math.Sqrt(sq / float64(n)),
		n:      n,
	}
}

// flatBaselineZ stands in for the z-score when the baseline has zero
// variance. A flat baseline gives no magnitude estimate, so any move
// counts as a one-sigma-class deviation and never triggers the
// single-bucket two-sigma bypass.
const flatBaselineZ = 1.5

// zScore returns the observation's deviation in standard deviations.
func (b baselineStats) zScore(observed float64) float64 {
	if b.stddev == 0 {
		if observed == b.mean {
			return 0
		}
		if observed > b.mean {
			return flatBaselineZ
		}
		return -flatBaselineZ
	}
	return (observed - b.mean) / b.stddev
}
