package schedule

import (
	"fmt"
	"math"
)

// Interval expresses a cadence or limit either as a fraction of the
// batches in an epoch or as an absolute batch count. The zero value is
// unset; set at most one field.
type Interval struct {
	Fraction float64 `json:"fraction,omitempty"`
	Batches  int     `json:"batches,omitempty"`
}

// Fraction builds a fractional interval.
func Fraction(f float64) Interval {
	return Interval{Fraction: f}
}

// Batches builds an absolute interval.
func Batches(n int) Interval {
	return Interval{Batches: n}
}

// FromFloat resolves the numeric form config files use: a value in
// (0, 1] is a fraction of the epoch, a whole value above 1 an absolute
// batch count. Zero stays unset.
func FromFloat(v float64) (Interval, error) {
	switch {
	case v == 0:
		return Interval{}, nil
	case v < 0:
		return Interval{}, fmt.Errorf("interval cannot be negative, got %v", v)
	case v <= 1:
		return Fraction(v), nil
	case v == math.Trunc(v):
		return Batches(int(v)), nil
	default:
		return Interval{}, fmt.Errorf("interval above 1 must be a whole batch count, got %v", v)
	}
}

// IsSet reports whether either form was provided.
func (iv Interval) IsSet() bool {
	return iv.Fraction != 0 || iv.Batches != 0
}

// IsFraction reports whether the interval is the fractional form.
func (iv Interval) IsFraction() bool {
	return iv.Fraction != 0
}

// Validate checks the interval bounds: fractions must be in (0, 1],
// batch counts must be positive.
func (iv Interval) Validate() error {
	if iv.Fraction != 0 && iv.Batches != 0 {
		return fmt.Errorf("interval is ambiguous: both fraction %g and batches %d set", iv.Fraction, iv.Batches)
	}
	if iv.Fraction != 0 && (iv.Fraction < 0 || iv.Fraction > 1) {
		return fmt.Errorf("interval fraction %g outside (0, 1]", iv.Fraction)
	}
	if iv.Batches < 0 {
		return fmt.Errorf("interval batches %d must be positive", iv.Batches)
	}
	return nil
}

// ResolveCheck turns the interval into a batches-per-check cadence for
// an epoch of totalBatches. Fractions floor but never resolve below one
// batch. totalBatches < 0 means the epoch length is unknown, which only
// absolute intervals can serve.
func (iv Interval) ResolveCheck(totalBatches int) (int, error) {
	if iv.Batches > 0 {
		return iv.Batches, nil
	}
	f := iv.Fraction
	if f == 0 {
		f = 1.0
	}
	if totalBatches < 0 {
		return 0, fmt.Errorf("fractional interval %g needs a known epoch length", f)
	}
	n := int(math.Floor(float64(totalBatches) * f))
	if n < 1 {
		n = 1
	}
	return n, nil
}

// ResolveLimit turns the interval into a batch cap for an epoch of
// totalBatches. Unlike ResolveCheck a fractional limit may resolve to
// zero, which disables the loop it caps.
func (iv Interval) ResolveLimit(totalBatches int) (int, error) {
	if !iv.IsSet() {
		if totalBatches < 0 {
			return math.MaxInt, nil
		}
		return totalBatches, nil
	}
	if iv.Batches > 0 {
		if totalBatches >= 0 && iv.Batches > totalBatches {
			return totalBatches, nil
		}
		return iv.Batches, nil
	}
	if totalBatches < 0 {
		return 0, fmt.Errorf("fractional limit %g needs a known epoch length", iv.Fraction)
	}
	return int(math.Floor(float64(totalBatches) * iv.Fraction)), nil
}
