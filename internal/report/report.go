// Package report defines the biometric report produced from one computed
// measurement set.
//
// Report kinds form a closed set. Code that behaves differently per kind
// switches over Kind exhaustively and treats an unrecognised value as an
// error rather than falling through to a default.
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/emg.report/internal/clips"
)

// ErrNotFound is returned by report stores for unknown reports, dashboards
// and raw sample sets.
var ErrNotFound = errors.New("not found")

// Kind identifies which of the four test types produced a report.
type Kind int

const (
	KindExercise Kind = iota + 1
	KindSpine
	KindFunctional
	KindBrief
)

// Kinds lists every report kind in display order.
var Kinds = []Kind{KindExercise, KindSpine, KindFunctional, KindBrief}

func (k Kind) String() string {
	switch k {
	case KindExercise:
		return "exercise"
	case KindSpine:
		return "spine"
	case KindFunctional:
		return "functional"
	case KindBrief:
		return "brief"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the four known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindExercise, KindSpine, KindFunctional, KindBrief:
		return true
	default:
		return false
	}
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exercise":
		return KindExercise, nil
	case "spine":
		return KindSpine, nil
	case "functional":
		return KindFunctional, nil
	case "brief":
		return KindBrief, nil
	default:
		return 0, fmt.Errorf("unknown report kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", k)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// MuscleResult holds the per-muscle figures of one set.
type MuscleResult struct {
	Slot        clips.Slot `json:"slot"`
	MAC         string     `json:"mac"`
	Top         float64    `json:"top"`
	Low         float64    `json:"low"`
	Max         float64    `json:"max"`
	Mean        float64    `json:"mean"`
	Activation  float64    `json:"activation"`
	SampleCount int        `json:"sample_count"`
	Incomplete  bool       `json:"incomplete,omitempty"`
}

// Report is the finished result of one measurement set. Fields other than
// Weight and Count are fixed once the report is created.
type Report struct {
	ID            string         `json:"id"`
	SetID         string         `json:"set_id"`
	TraineeID     string         `json:"trainee_id"`
	ExerciseID    string         `json:"exercise_id"`
	Kind          Kind           `json:"kind"`
	Muscles       []MuscleResult `json:"muscles"`
	Activation    []float64      `json:"activation"`
	Score         float64        `json:"score"`
	PreviousScore *float64       `json:"previous_score,omitempty"`
	Weight        *float64       `json:"weight,omitempty"`
	Count         *int           `json:"count,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// reportNamespace seeds deterministic report IDs.
var reportNamespace = uuid.MustParse("6f1c8f38-2f0e-4c1b-9a8e-3d0f6d6b2a11")

// IDForSet derives the report ID from the measurement set ID. Every compute
// attempt over the same set produces the same ID, which lets persistence
// treat resubmission as a no-op.
func IDForSet(setID string) string {
	return uuid.NewSHA1(reportNamespace, []byte(setID)).String()
}

// Annotation is the user-supplied information added after a report exists.
type Annotation struct {
	Weight *float64 `json:"weight,omitempty"`
	Count  *int     `json:"count,omitempty"`
}

// Validate checks the annotation values.
func (a Annotation) Validate() error {
	if a.Weight != nil && *a.Weight < 0 {
		return fmt.Errorf("weight must be non-negative, got %f", *a.Weight)
	}
	if a.Count != nil && *a.Count < 0 {
		return fmt.Errorf("count must be non-negative, got %d", *a.Count)
	}
	return nil
}

// Annotated returns a copy of r carrying the annotation. Unset annotation
// fields leave the existing values.
func (r *Report) Annotated(a Annotation) (*Report, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	out := r.Clone()
	if a.Weight != nil {
		w := *a.Weight
		out.Weight = &w
	}
	if a.Count != nil {
		c := *a.Count
		out.Count = &c
	}
	return out, nil
}

// Clone returns a deep copy.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	out := *r
	out.Muscles = append([]MuscleResult(nil), r.Muscles...)
	out.Activation = append([]float64(nil), r.Activation...)
	if r.PreviousScore != nil {
		p := *r.PreviousScore
		out.PreviousScore = &p
	}
	if r.Weight != nil {
		w := *r.Weight
		out.Weight = &w
	}
	if r.Count != nil {
		c := *r.Count
		out.Count = &c
	}
	return &out
}

// Muscle returns the result for a slot.
func (r *Report) Muscle(slot clips.Slot) (MuscleResult, bool) {
	for _, m := range r.Muscles {
		if m.Slot == slot {
			return m, true
		}
	}
	return MuscleResult{}, false
}

// Incomplete reports whether any muscle lost its clip mid-recording.
func (r *Report) Incomplete() bool {
	for _, m := range r.Muscles {
		if m.Incomplete {
			return true
		}
	}
	return false
}
