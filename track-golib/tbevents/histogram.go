package tbevents

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/traintrack/traintrack/track-golib/errors"
)

type histogram struct {
	min          float64
	max          float64
	num          float64
	sum          float64
	sumSquares   float64
	bucketLimits []float64
	bucketCounts []float64
}

// bucketLimits is the standard exponential bucket ladder used by TensorFlow
// summaries: powers of 1.1 from 1e-12 up to 1e20, mirrored for negative
// values, with an unbounded bucket at each end.
var bucketLimits = func() []float64 {
	var pos []float64
	for v := 1e-12; v < 1e20; v *= 1.1 {
		pos = append(pos, v)
	}

	limits := make([]float64, 0, 2*len(pos)+1)
	for i := len(pos) - 1; i >= 0; i-- {
		limits = append(limits, -pos[i])
	}
	limits = append(limits, pos...)
	limits = append(limits, math.MaxFloat64)
	return limits
}()

func newHistogram(values []float64) (histogram, error) {
	if len(values) == 0 {
		return histogram{}, errors.Errorf("cannot build a histogram from zero values")
	}

	min, err := stats.Min(values)
	if err != nil {
		return histogram{}, errors.Wrapf(err, "unable to compute histogram min")
	}
	max, err := stats.Max(values)
	if err != nil {
		return histogram{}, errors.Wrapf(err, "unable to compute histogram max")
	}
	sum, err := stats.Sum(values)
	if err != nil {
		return histogram{}, errors.Wrapf(err, "unable to compute histogram sum")
	}

	var sumSquares float64
	counts := make([]float64, len(bucketLimits))
	for _, v := range values {
		sumSquares += v * v
		idx := sort.SearchFloat64s(bucketLimits, v)
		if idx == len(bucketLimits) {
			idx--
		}
		counts[idx]++
	}

	return histogram{
		min:          min,
		max:          max,
		num:          float64(len(values)),
		sum:          sum,
		sumSquares:   sumSquares,
		bucketLimits: bucketLimits,
		bucketCounts: counts,
	}, nil
}
