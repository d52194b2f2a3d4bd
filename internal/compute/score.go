package compute

import (
	"fmt"
	"math"

	"github.com/banshee-data/emg.report/internal/clips"
	"github.com/banshee-data/emg.report/internal/report"
)

type scoreInput struct {
	slot       clips.Slot
	activation float64 // contraction activation, percent
	residual   float64 // relaxation activation, percent
}

// Score computes the aggregate score of a set. Every formula works on
// per-muscle aggregates only; nothing aligns samples across clips by buffer
// position.
func Score(kind report.Kind, in []scoreInput) (float64, error) {
	if len(in) == 0 {
		return 0, fmt.Errorf("%w: nothing to score", ErrMalformedBuffer)
	}
	switch kind {
	case report.KindExercise:
		return meanActivation(in), nil
	case report.KindSpine:
		return symmetryScore(in), nil
	case report.KindFunctional:
		return balancedScore(in), nil
	case report.KindBrief:
		return relaxationAdjustedScore(in), nil
	default:
		return 0, fmt.Errorf("%w: cannot score %s", ErrMalformedBuffer, kind)
	}
}

func meanActivation(in []scoreInput) float64 {
	sum := 0.0
	for _, s := range in {
		sum += s.activation
	}
	return sum / float64(len(in))
}

// symmetryScore compares left and right activation of each paired muscle.
// Perfect symmetry scores 100. Sets without pairs fall back to the mean
// activation.
func symmetryScore(in []scoreInput) float64 {
	left := make(map[string]float64)
	right := make(map[string]float64)
	for _, s := range in {
		switch s.slot.Side {
		case clips.SideLeft:
			left[s.slot.Muscle] = s.activation
		case clips.SideRight:
			right[s.slot.Muscle] = s.activation
		}
	}
	var total float64
	pairs := 0
	for muscle, l := range left {
		r, ok := right[muscle]
		if !ok {
			continue
		}
		pairs++
		hi := math.Max(l, r)
		if hi == 0 {
			total += 100
			continue
		}
		total += 100 * (1 - math.Abs(l-r)/hi)
	}
	if pairs == 0 {
		return meanActivation(in)
	}
	return total / float64(pairs)
}

// balancedScore weights the mean activation by how evenly the muscles were
// recruited (weakest over strongest).
func balancedScore(in []scoreInput) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range in {
		lo = math.Min(lo, s.activation)
		hi = math.Max(hi, s.activation)
	}
	if hi <= 0 {
		return 0
	}
	return meanActivation(in) * (lo / hi)
}

// relaxationAdjustedScore rewards contraction and penalises residual tension
// between contractions.
func relaxationAdjustedScore(in []scoreInput) float64 {
	var act, res float64
	for _, s := range in {
		act += s.activation
		res += s.residual
	}
	n := float64(len(in))
	return clampPercent(act/n - res/n)
}
