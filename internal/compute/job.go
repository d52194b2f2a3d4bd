// Package compute turns the frozen raw buffers of a stopped measurement set
// into a report and submits it, retrying the whole pipeline on transient
// failures.
package compute

import (
	"context"
	"fmt"

	"github.com/banshee-data/emg.report/internal/clips"
	"github.com/banshee-data/emg.report/internal/monitoring"
	"github.com/banshee-data/emg.report/internal/report"
	"github.com/banshee-data/emg.report/internal/retry"
	"github.com/banshee-data/emg.report/internal/samples"
	"github.com/banshee-data/emg.report/internal/timeutil"
)

var logf = monitoring.Component("compute")

// Input is everything a compute job reads. Buffers are frozen and never
// modified, which makes every attempt see identical data.
type Input struct {
	SetID      string
	TraineeID  string
	ExerciseID string
	Kind       report.Kind
	Clips      []clips.Clip
	Required   []clips.Slot
	Buffers    samples.Frozen
	Incomplete map[string]bool
}

// ReportStore is the persistence collaborator used by the job. Implementations
// mark retryable failures with retry.Transient.
type ReportStore interface {
	SubmitReport(ctx context.Context, r *report.Report) (string, error)
	// LastReport returns the most recent report of the trainee for the
	// exercise, or nil when there is none.
	LastReport(ctx context.Context, traineeID, exerciseID string) (*report.Report, error)
}

// Job runs compute+submit attempts under a retry policy.
type Job struct {
	Borders BorderLookup
	Store   ReportStore
	Policy  retry.Policy
	Clock   timeutil.Clock
}

// Run computes and submits the report for in. On success the returned report
// carries the ID assigned by the store. Permanent failures return at once;
// transient ones are retried until the policy gives up, at which point the
// error wraps retry.ErrPermanentFailure.
func (j *Job) Run(ctx context.Context, in Input) (*report.Report, error) {
	clock := j.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	createdAt := clock.Now()
	name := "compute set " + in.SetID

	var out *report.Report
	attempts, err := j.Policy.Do(ctx, name, func(ctx context.Context, attempt int) error {
		r, err := j.attempt(ctx, in)
		if err != nil {
			return err
		}
		r.CreatedAt = createdAt
		out = r
		return nil
	})
	if err != nil {
		logf("set %s failed after %d attempt(s): %v", in.SetID, attempts, err)
		return nil, err
	}
	logf("set %s computed: kind=%s score=%.1f attempts=%d", in.SetID, out.Kind, out.Score, attempts)
	return out, nil
}

func (j *Job) attempt(ctx context.Context, in Input) (*report.Report, error) {
	r, err := Analyze(in, j.Borders)
	if err != nil {
		return nil, err
	}
	r.ID = report.IDForSet(in.SetID)

	if j.Store == nil {
		return r, nil
	}

	prev, err := j.Store.LastReport(ctx, in.TraineeID, in.ExerciseID)
	if err != nil {
		return nil, fmt.Errorf("previous report lookup: %w", err)
	}
	switch {
	case prev == nil:
	case prev.SetID == in.SetID:
		// An earlier attempt already landed; keep its comparison.
		if prev.PreviousScore != nil {
			score := *prev.PreviousScore
			r.PreviousScore = &score
		}
	default:
		score := prev.Score
		r.PreviousScore = &score
	}

	// A superseded job must not land a report for its set.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("set %s cancelled before submit: %w", in.SetID, err)
	}
	id, err := j.Store.SubmitReport(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("submit report: %w", err)
	}
	if id != "" {
		r.ID = id
	}
	return r, nil
}
