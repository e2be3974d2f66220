package temporal

import (
	"time"
)

// Min returns the smallest valid value. Ties keep the first occurrence.
func Min(values ...Value[float64]) Value[float64] {
	return pick(included(values, 0, false), func(a, b float64) bool { return a < b })
}

// MinWithin is Min over values no older than maxAge.
func MinWithin(maxAge time.Duration, values ...Value[float64]) Value[float64] {
	return pick(included(values, maxAge, true), func(a, b float64) bool { return a < b })
}

// Max returns the largest valid value. Ties keep the first occurrence.
func Max(values ...Value[float64]) Value[float64] {
	return pick(included(values, 0, false), func(a, b float64) bool { return a > b })
}

func MaxWithin(maxAge time.Duration, values ...Value[float64]) Value[float64] {
	return pick(included(values, maxAge, true), func(a, b float64) bool { return a > b })
}

// Avg averages the valid values and is stamped with the earliest timestamp
// among them.
func Avg(values ...Value[float64]) Value[float64] {
	return average(included(values, 0, false))
}

func AvgWithin(maxAge time.Duration, values ...Value[float64]) Value[float64] {
	return average(included(values, maxAge, true))
}

func included(values []Value[float64], maxAge time.Duration, bounded bool) []Value[float64] {
	now := time.Now()
	out := make([]Value[float64], 0, len(values))
	for _, v := range values {
		if !v.valid {
			continue
		}
		if bounded && v.IsExpiredAt(maxAge, now) {
			continue
		}
		out = append(out, v)
	}

	return out
}

func pick(values []Value[float64], better func(a, b float64) bool) Value[float64] {
	if len(values) == 0 {
		return Invalid[float64]()
	}

	best := values[0]
	for _, v := range values[1:] {
		if better(v.value, best.value) {
			best = v
		}
	}

	return best
}

func average(values []Value[float64]) Value[float64] {
	if len(values) == 0 {
		return Invalid[float64]()
	}

	var sum float64
	earliest := values[0].lastUpdate
	for _, v := range values {
		sum += v.value
		if v.lastUpdate.Before(earliest) {
			earliest = v.lastUpdate
		}
	}

	return New(sum/float64(len(values)), earliest)
}
