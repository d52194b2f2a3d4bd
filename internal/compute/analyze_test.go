package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/emg.report/internal/catalog"
	"github.com/banshee-data/emg.report/internal/clips"
	"github.com/banshee-data/emg.report/internal/report"
	"github.com/banshee-data/emg.report/internal/samples"
)

func TestExtrema(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		top, low float64
	}{
		{"empty", nil, 0, 0},
		{"single", []float64{5}, 5, 5},
		{"monotone rising", []float64{1, 2, 3, 4}, 4, 1},
		{"one peak", []float64{1, 9, 1}, 9, 1},
		// maxima 5, 10, 6 -> median 6 -> upper {10, 6} -> 8
		// minima 2, 1 -> median 1.5 -> lower {1} -> 1
		{"bursts", []float64{0, 5, 2, 10, 1, 6, 7}, 8, 1},
		{"plateau", []float64{1, 3, 3, 1}, 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			top, low := Extrema(tt.values)
			assert.InDelta(t, tt.top, top, 1e-9, "top")
			assert.InDelta(t, tt.low, low, 1e-9, "low")
		})
	}
}

func TestActivation(t *testing.T) {
	b := catalog.Borders{Relaxed: 100, Full: 600}
	assert.Equal(t, 0.0, Activation(50, b))
	assert.Equal(t, 0.0, Activation(100, b))
	assert.Equal(t, 50.0, Activation(350, b))
	assert.Equal(t, 100.0, Activation(900, b))
	assert.Equal(t, 0.0, Activation(900, catalog.Borders{Relaxed: 5, Full: 5}))
}

func defaultCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)
	return c
}

var (
	bicepsL = clips.Slot{Muscle: "biceps", Side: clips.SideLeft}
	bicepsR = clips.Slot{Muscle: "biceps", Side: clips.SideRight}
)

func curlInput(left, right []float64) Input {
	buf := samples.Frozen{}
	for i, v := range left {
		buf["L"] = append(buf["L"], samples.Sample{Index: uint64(i), Value: v})
	}
	for i, v := range right {
		buf["R"] = append(buf["R"], samples.Sample{Index: uint64(i), Value: v})
	}
	return Input{
		SetID:      "set-1",
		TraineeID:  "trainee-1",
		ExerciseID: "biceps-curl",
		Kind:       report.KindExercise,
		Clips: []clips.Clip{
			{MAC: "L", Slot: bicepsL, Assigned: true},
			{MAC: "R", Slot: bicepsR, Assigned: true},
		},
		Required: []clips.Slot{bicepsL, bicepsR},
		Buffers:  buf,
	}
}

func TestAnalyze_Exercise(t *testing.T) {
	// biceps borders: relaxed 40, full 900
	in := curlInput([]float64{40, 470, 40}, []float64{40, 900, 40})
	r, err := Analyze(in, defaultCatalog(t))
	require.NoError(t, err)

	require.Len(t, r.Muscles, 2)
	assert.Equal(t, bicepsL, r.Muscles[0].Slot)
	assert.Equal(t, 470.0, r.Muscles[0].Top)
	assert.Equal(t, 40.0, r.Muscles[0].Low)
	assert.Equal(t, 470.0, r.Muscles[0].Max)
	assert.InDelta(t, 183.33, r.Muscles[0].Mean, 0.01)
	assert.Equal(t, 3, r.Muscles[0].SampleCount)
	assert.Equal(t, []float64{50, 100}, r.Activation)
	assert.Equal(t, 75.0, r.Score)
	assert.Equal(t, "set-1", r.SetID)
	assert.Empty(t, r.ID)
}

func TestAnalyze_MalformedInput(t *testing.T) {
	cat := defaultCatalog(t)

	_, err := Analyze(curlInput([]float64{1, 2}, nil), cat)
	assert.ErrorIs(t, err, ErrMalformedBuffer, "empty required muscle")

	in := curlInput([]float64{1}, []float64{1})
	in.Clips = in.Clips[:1]
	_, err = Analyze(in, cat)
	assert.ErrorIs(t, err, ErrMalformedBuffer, "slot without clip")

	in = curlInput([]float64{1}, []float64{1})
	in.Kind = 0
	_, err = Analyze(in, cat)
	assert.ErrorIs(t, err, ErrMalformedBuffer, "invalid kind")

	in = curlInput([]float64{1}, []float64{1})
	in.Required = nil
	_, err = Analyze(in, cat)
	assert.ErrorIs(t, err, ErrMalformedBuffer, "no slots")

	in = curlInput([]float64{1}, []float64{1})
	in.Required = []clips.Slot{{Muscle: "spleen"}}
	in.Clips = []clips.Clip{{MAC: "L", Slot: clips.Slot{Muscle: "spleen"}}}
	_, err = Analyze(in, cat)
	assert.ErrorIs(t, err, ErrMalformedBuffer, "unknown muscle")
	assert.ErrorIs(t, err, catalog.ErrUnknownMuscle)
}

func TestAnalyze_MarksIncompleteMuscles(t *testing.T) {
	in := curlInput([]float64{40, 470, 40}, []float64{40, 900, 40})
	in.Incomplete = map[string]bool{"R": true}
	r, err := Analyze(in, defaultCatalog(t))
	require.NoError(t, err)
	assert.False(t, r.Muscles[0].Incomplete)
	assert.True(t, r.Muscles[1].Incomplete)
	assert.True(t, r.Incomplete())
}

func TestScore_PerKind(t *testing.T) {
	pair := []scoreInput{
		{slot: bicepsL, activation: 40, residual: 10},
		{slot: bicepsR, activation: 80, residual: 0},
	}
	tests := []struct {
		kind report.Kind
		want float64
	}{
		{report.KindExercise, 60},
		{report.KindSpine, 50},      // 100 * (1 - 40/80)
		{report.KindFunctional, 30}, // 60 * 40/80
		{report.KindBrief, 55},      // 60 - 5
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			got, err := Score(tt.kind, pair)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, err := Score(report.Kind(42), pair)
	assert.ErrorIs(t, err, ErrMalformedBuffer)
	_, err = Score(report.KindExercise, nil)
	assert.ErrorIs(t, err, ErrMalformedBuffer)
}

func TestScore_EdgeCases(t *testing.T) {
	single := []scoreInput{{slot: clips.Slot{Muscle: "abdominis"}, activation: 30, residual: 50}}
	got, _ := Score(report.KindSpine, single)
	assert.Equal(t, 30.0, got, "spine without pairs falls back to mean")
	got, _ = Score(report.KindBrief, single)
	assert.Equal(t, 0.0, got, "brief score never goes negative")

	zeros := []scoreInput{{slot: bicepsL}, {slot: bicepsR}}
	got, _ = Score(report.KindSpine, zeros)
	assert.Equal(t, 100.0, got)
	got, _ = Score(report.KindFunctional, zeros)
	assert.Equal(t, 0.0, got)
}
