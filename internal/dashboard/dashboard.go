// Package dashboard aggregates the reports of one trainee visit and submits
// them exactly once when the visit ends.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/emg.report/internal/monitoring"
	"github.com/banshee-data/emg.report/internal/report"
	"github.com/banshee-data/emg.report/internal/retry"
	"github.com/banshee-data/emg.report/internal/timeutil"
)

var ErrNothingToSubmit = errors.New("dashboard has no reports to submit")

var logf = monitoring.Component("dashboard")

// Summary condenses the reports of one kind.
type Summary struct {
	Kind      report.Kind `json:"kind"`
	Count     int         `json:"count"`
	BestScore float64     `json:"best_score"`
	MeanScore float64     `json:"mean_score"`
}

// Session is the record persisted at the end of a visit.
type Session struct {
	ID        string           `json:"id"`
	TraineeID string           `json:"trainee_id"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at"`
	Reports   []*report.Report `json:"reports"`
	Summaries []Summary        `json:"summaries"`
}

// Result identifies a submitted dashboard. Ordinal is the number of
// completed sessions for the trainee including this one.
type Result struct {
	Ordinal   int    `json:"ordinal"`
	SessionID string `json:"session_id"`
}

// Submitter persists a finished dashboard and returns its ordinal.
// Implementations must treat a repeated session ID as the same submission.
type Submitter interface {
	SubmitDashboard(ctx context.Context, s *Session) (int, error)
}

// Aggregator collects reports during a visit.
type Aggregator struct {
	submitter Submitter
	policy    retry.Policy
	clock     timeutil.Clock

	id        string
	traineeID string
	startedAt time.Time

	// mu is held for the whole of Finalize so concurrent calls submit once.
	mu      sync.Mutex
	order   []string
	reports map[string]*report.Report
	result  *Result
}

// New starts the dashboard of a visit.
func New(traineeID string, submitter Submitter, policy retry.Policy, clock timeutil.Clock) *Aggregator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if policy.Clock == nil {
		policy.Clock = clock
	}
	return &Aggregator{
		submitter: submitter,
		policy:    policy,
		clock:     clock,
		id:        uuid.NewString(),
		traineeID: traineeID,
		startedAt: clock.Now(),
		reports:   make(map[string]*report.Report),
	}
}

// ID returns the dashboard session ID.
func (a *Aggregator) ID() string { return a.id }

// TraineeID returns the trainee of the visit.
func (a *Aggregator) TraineeID() string { return a.traineeID }

// Add records a report. A report with a known ID replaces the earlier copy,
// which is how annotations reach the dashboard.
func (a *Aggregator) Add(r *report.Report) error {
	if r == nil || r.ID == "" {
		return errors.New("dashboard: report without ID")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result != nil {
		return fmt.Errorf("dashboard %s already submitted", a.id)
	}
	a.addLocked(r)
	return nil
}

func (a *Aggregator) addLocked(r *report.Report) {
	if _, ok := a.reports[r.ID]; !ok {
		a.order = append(a.order, r.ID)
	}
	a.reports[r.ID] = r.Clone()
}

// Reports returns copies of the collected reports in the order they arrived.
func (a *Aggregator) Reports() []*report.Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reportsLocked()
}

func (a *Aggregator) reportsLocked() []*report.Report {
	out := make([]*report.Report, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.reports[id].Clone())
	}
	return out
}

// Result returns the submission result once Finalize succeeded.
func (a *Aggregator) Result() (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result == nil {
		return Result{}, false
	}
	return *a.result, true
}

// Finalize submits the dashboard with the collected reports plus any passed
// in. Once it has succeeded every later call returns the same Result without
// contacting the submitter. A failed submission leaves the dashboard open so
// the caller may try again.
func (a *Aggregator) Finalize(ctx context.Context, reports []*report.Report) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.result != nil {
		return *a.result, nil
	}
	for _, r := range reports {
		if r != nil && r.ID != "" {
			a.addLocked(r)
		}
	}
	if len(a.order) == 0 {
		return Result{}, ErrNothingToSubmit
	}

	all := a.reportsLocked()
	sess := &Session{
		ID:        a.id,
		TraineeID: a.traineeID,
		StartedAt: a.startedAt,
		EndedAt:   a.clock.Now(),
		Reports:   all,
		Summaries: Summarize(all),
	}

	var ordinal int
	attempts, err := a.policy.Do(ctx, "dashboard "+a.id, func(ctx context.Context, _ int) error {
		n, err := a.submitter.SubmitDashboard(ctx, sess)
		if err != nil {
			return err
		}
		ordinal = n
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	a.result = &Result{Ordinal: ordinal, SessionID: a.id}
	logf("dashboard %s submitted: trainee=%s reports=%d ordinal=%d attempts=%d",
		a.id, a.traineeID, len(all), ordinal, attempts)
	return *a.result, nil
}

// Summarize groups reports by kind, in report.Kinds order. Kinds without
// reports are omitted.
func Summarize(reports []*report.Report) []Summary {
	byKind := make(map[report.Kind]*Summary)
	for _, r := range reports {
		switch r.Kind {
		case report.KindExercise, report.KindSpine, report.KindFunctional, report.KindBrief:
		default:
			logf("skipping report %s with kind %d", r.ID, int(r.Kind))
			continue
		}
		s := byKind[r.Kind]
		if s == nil {
			s = &Summary{Kind: r.Kind, BestScore: r.Score}
			byKind[r.Kind] = s
		}
		s.Count++
		s.MeanScore += r.Score
		if r.Score > s.BestScore {
			s.BestScore = r.Score
		}
	}

	var out []Summary
	for _, k := range report.Kinds {
		if s := byKind[k]; s != nil {
			s.MeanScore /= float64(s.Count)
			out = append(out, *s)
		}
	}
	return out
}
