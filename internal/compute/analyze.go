package compute

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/emg.report/internal/catalog"
	"github.com/banshee-data/emg.report/internal/clips"
	"github.com/banshee-data/emg.report/internal/report"
)

// ErrMalformedBuffer reports input that no number of retries can fix: a
// required muscle without samples, a slot without a clip, or non-finite
// values.
var ErrMalformedBuffer = errors.New("malformed sample buffer")

// BorderLookup supplies activation calibration borders per muscle.
type BorderLookup interface {
	Borders(muscleID string) (catalog.Borders, error)
}

// Extrema returns the contraction (top) and relaxation (low) amplitudes of a
// raw buffer. Top is the mean of the local maxima in the upper half of all
// local maxima; low is the mean of the local minima in the lower half of all
// local minima. Buffers without interior extrema fall back to the plain
// maximum and minimum.
func Extrema(values []float64) (top, low float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var maxima, minima []float64
	for i := 1; i < len(values)-1; i++ {
		prev, v, next := values[i-1], values[i], values[i+1]
		if v > prev && v >= next {
			maxima = append(maxima, v)
		}
		if v < prev && v <= next {
			minima = append(minima, v)
		}
	}

	if len(maxima) == 0 {
		top = floats.Max(values)
	} else {
		sort.Float64s(maxima)
		median := stat.Quantile(0.5, stat.Empirical, maxima, nil)
		var upper []float64
		for _, m := range maxima {
			if m >= median {
				upper = append(upper, m)
			}
		}
		top = stat.Mean(upper, nil)
	}

	if len(minima) == 0 {
		low = floats.Min(values)
	} else {
		sort.Float64s(minima)
		median := stat.Quantile(0.5, stat.Empirical, minima, nil)
		var lower []float64
		for _, m := range minima {
			if m <= median {
				lower = append(lower, m)
			}
		}
		low = stat.Mean(lower, nil)
	}
	return top, low
}

// Activation maps an amplitude onto 0..100 percent between the borders.
func Activation(amplitude float64, b catalog.Borders) float64 {
	span := b.Full - b.Relaxed
	if span <= 0 {
		return 0
	}
	pct := (amplitude - b.Relaxed) / span * 100
	return clampPercent(pct)
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Analyze derives the report body from frozen buffers. It is a pure function
// of its input: the same input always yields the same muscles, activation
// and score. ID and CreatedAt are left for the caller.
func Analyze(in Input, lookup BorderLookup) (*report.Report, error) {
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("%w: invalid report kind %s", ErrMalformedBuffer, in.Kind)
	}
	if len(in.Required) == 0 {
		return nil, fmt.Errorf("%w: no required slots", ErrMalformedBuffer)
	}

	bySlot := make(map[clips.Slot]clips.Clip, len(in.Clips))
	for _, c := range in.Clips {
		bySlot[c.Slot] = c
	}

	r := &report.Report{
		SetID:      in.SetID,
		TraineeID:  in.TraineeID,
		ExerciseID: in.ExerciseID,
		Kind:       in.Kind,
		Muscles:    make([]report.MuscleResult, 0, len(in.Required)),
		Activation: make([]float64, 0, len(in.Required)),
	}
	inputs := make([]scoreInput, 0, len(in.Required))

	for _, slot := range in.Required {
		clip, ok := bySlot[slot]
		if !ok {
			return nil, fmt.Errorf("%w: no clip for %s", ErrMalformedBuffer, slot)
		}
		values := in.Buffers.Values(clip.MAC)
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: no samples for %s (%s)", ErrMalformedBuffer, slot, clip.MAC)
		}
		for _, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: non-finite sample for %s", ErrMalformedBuffer, slot)
			}
		}
		borders, err := lookup.Borders(slot.Muscle)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedBuffer, err)
		}

		top, low := Extrema(values)
		act := round1(Activation(top, borders))
		m := report.MuscleResult{
			Slot:        slot,
			MAC:         clip.MAC,
			Top:         top,
			Low:         low,
			Max:         floats.Max(values),
			Mean:        stat.Mean(values, nil),
			Activation:  act,
			SampleCount: len(values),
			Incomplete:  in.Incomplete[clip.MAC],
		}
		r.Muscles = append(r.Muscles, m)
		r.Activation = append(r.Activation, act)
		inputs = append(inputs, scoreInput{
			slot:       slot,
			activation: act,
			residual:   Activation(low, borders),
		})
	}

	score, err := Score(in.Kind, inputs)
	if err != nil {
		return nil, err
	}
	r.Score = round1(score)
	return r, nil
}
