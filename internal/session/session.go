// Package session coordinates one trainee's measurement sets: arming the
// attached clips, recording, freezing the raw buffers and handing them to a
// compute job whose result comes back on a channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/emg.report/internal/clips"
	"github.com/banshee-data/emg.report/internal/compute"
	"github.com/banshee-data/emg.report/internal/monitoring"
	"github.com/banshee-data/emg.report/internal/report"
	"github.com/banshee-data/emg.report/internal/samples"
	"github.com/banshee-data/emg.report/internal/timeutil"
)

var (
	ErrIncompleteAttachment = errors.New("required muscle slots are not covered by attached clips")
	ErrInsufficientData     = errors.New("a required clip recorded no samples")
	ErrComputeInProgress    = errors.New("compute already in progress for this set")
	ErrInvalidTransition    = errors.New("invalid session transition")
	ErrSuperseded           = errors.New("set was superseded by a retry")
)

var logf = monitoring.Component("session")

// ClipSource is the part of the clip registry a session needs.
type ClipSource interface {
	Snapshot() []clips.Clip
	Reserve(macs []string) error
	Release()
}

// Recorder is the part of the sample stream a session drives.
type Recorder interface {
	BeginRecording(macs []string) error
	Freeze() samples.Frozen
	Discard()
}

// Computer runs a compute job over frozen buffers.
type Computer interface {
	Run(ctx context.Context, in compute.Input) (*report.Report, error)
}

// Outcome is the single result delivered for a SubmitForCompute call.
// Buffers holds the frozen raw samples the report was computed from; it is
// set only on success.
type Outcome struct {
	SetID   string
	Report  *report.Report
	Buffers samples.Frozen
	Err     error
}

// Session is the measurement state machine for one trainee visit. It is safe
// for concurrent use.
type Session struct {
	traineeID string
	registry  ClipSource
	stream    Recorder
	computer  Computer
	clock     timeutil.Clock

	mu         sync.Mutex
	set        Set
	frozen     samples.Frozen
	incomplete map[string]bool
	generation uint64
	cancel     context.CancelFunc
}

// New returns an idle session for the trainee.
func New(traineeID string, registry ClipSource, stream Recorder, computer Computer, clock timeutil.Clock) *Session {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Session{
		traineeID: traineeID,
		registry:  registry,
		stream:    stream,
		computer:  computer,
		clock:     clock,
		set:       Set{TraineeID: traineeID, State: StateIdle},
	}
}

// TraineeID returns the trainee the session belongs to.
func (s *Session) TraineeID() string { return s.traineeID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.State
}

// Current returns a copy of the current set.
func (s *Session) Current() Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.set.clone()
	out.Incomplete = sortedKeys(s.incomplete)
	return out
}

func (s *Session) transitionErr(op string) error {
	return fmt.Errorf("%s from %s: %w", op, s.set.State, ErrInvalidTransition)
}

// Arm starts a new set for the exercise. Every required slot must be held by
// an assigned clip; those clips are reserved until the set ends.
func (s *Session) Arm(exerciseID string, kind report.Kind, required []clips.Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.set.State; st != StateIdle && st != StateComputed {
		return s.transitionErr("arm")
	}
	if !kind.Valid() {
		return fmt.Errorf("arm %s: invalid kind %d", exerciseID, int(kind))
	}
	if len(required) == 0 {
		return fmt.Errorf("arm %s: no required slots", exerciseID)
	}

	snapshot := s.registry.Snapshot()
	if missing := clips.Covers(snapshot, required); len(missing) > 0 {
		return fmt.Errorf("arm %s: missing %v: %w", exerciseID, missing, ErrIncompleteAttachment)
	}

	want := make(map[clips.Slot]bool, len(required))
	for _, slot := range required {
		want[slot] = true
	}
	var members []clips.Clip
	for _, c := range snapshot {
		if want[c.Slot] {
			members = append(members, c)
		}
	}

	s.registry.Release()
	set := Set{
		ID:         uuid.NewString(),
		TraineeID:  s.traineeID,
		ExerciseID: exerciseID,
		Kind:       kind,
		State:      StateArmed,
		Required:   append([]clips.Slot(nil), required...),
		Clips:      members,
	}
	if err := s.registry.Reserve(set.MACs()); err != nil {
		return fmt.Errorf("arm %s: %w", exerciseID, err)
	}
	s.set = set
	s.frozen = nil
	s.incomplete = nil
	logf("set %s armed: exercise=%s kind=%s clips=%d", set.ID, exerciseID, kind, len(members))
	return nil
}

// Start begins recording. Raw buffers are cleared, so anything ingested
// while armed is not part of the set.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.set.State != StateArmed {
		return s.transitionErr("start")
	}
	if err := s.stream.BeginRecording(s.set.MACs()); err != nil {
		return fmt.Errorf("start set %s: %w", s.set.ID, err)
	}
	s.set.StartTime = s.clock.Now()
	s.set.State = StateRecording
	logf("set %s recording", s.set.ID)
	return nil
}

// Stop freezes the raw buffers. The set is marked PartialData when a
// required clip recorded nothing; such a set cannot be computed.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.set.State != StateRecording {
		return s.transitionErr("stop")
	}
	s.frozen = s.stream.Freeze()
	s.set.StopTime = s.clock.Now()
	s.set.Counts = make(map[string]int, len(s.set.Clips))
	s.set.PartialData = false
	for _, c := range s.set.Clips {
		n := s.frozen.Count(c.MAC)
		s.set.Counts[c.MAC] = n
		if n == 0 {
			s.set.PartialData = true
		}
	}
	s.set.State = StateStopped
	logf("set %s stopped: samples=%d partial=%t", s.set.ID, s.frozen.Total(), s.set.PartialData)
	return nil
}

// Retry discards the current attempt and re-arms the same clips under a
// fresh set ID. A pending compute job is cancelled and its result dropped.
func (s *Session) Retry() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.set.State {
	case StateStopped, StateFailed, StateComputing:
	default:
		return s.transitionErr("retry")
	}
	s.supersedeLocked()
	s.stream.Discard()

	prev := s.set.ID
	s.set.ID = uuid.NewString()
	s.set.RetryCount++
	s.set.State = StateArmed
	s.resetAttemptLocked()
	logf("set %s retried as %s (retry %d)", prev, s.set.ID, s.set.RetryCount)
	return nil
}

func (s *Session) resetAttemptLocked() {
	s.set.StartTime = time.Time{}
	s.set.StopTime = time.Time{}
	s.set.Counts = nil
	s.set.PartialData = false
	s.set.Report = nil
	s.set.Err = ""
	s.frozen = nil
	s.incomplete = nil
}

// supersedeLocked invalidates any in-flight job.
func (s *Session) supersedeLocked() {
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Abandon drops the current set whatever its state, releases the clips and
// returns to idle.
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.supersedeLocked()
	s.stream.Discard()
	s.registry.Release()
	if s.set.ID != "" {
		logf("set %s abandoned in state %s", s.set.ID, s.set.State)
	}
	s.set = Set{TraineeID: s.traineeID, State: StateIdle}
	s.frozen = nil
	s.incomplete = nil
}

// Disconnect records that a clip of the current set dropped out while armed
// or recording. It reports whether the clip belongs to the set.
func (s *Session) Disconnect(mac string) bool {
	mac = clips.NormalizeMAC(mac)
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.set.State; st != StateArmed && st != StateRecording {
		return false
	}
	for _, c := range s.set.Clips {
		if c.MAC == mac {
			if s.incomplete == nil {
				s.incomplete = make(map[string]bool)
			}
			s.incomplete[mac] = true
			logf("set %s: clip %s disconnected", s.set.ID, mac)
			return true
		}
	}
	return false
}

// SubmitForCompute hands the frozen buffers to the compute job. The returned
// channel yields exactly one Outcome and is then closed. A failed set may be
// submitted again without re-recording.
func (s *Session) SubmitForCompute(ctx context.Context) (<-chan Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.set.State {
	case StateStopped, StateFailed:
	case StateComputing:
		return nil, fmt.Errorf("set %s: %w", s.set.ID, ErrComputeInProgress)
	default:
		return nil, s.transitionErr("submit")
	}
	if s.set.PartialData {
		return nil, fmt.Errorf("set %s: %w", s.set.ID, ErrInsufficientData)
	}

	in := compute.Input{
		SetID:      s.set.ID,
		TraineeID:  s.traineeID,
		ExerciseID: s.set.ExerciseID,
		Kind:       s.set.Kind,
		Clips:      s.set.clone().Clips,
		Required:   append([]clips.Slot(nil), s.set.Required...),
		Buffers:    s.frozen,
	}
	if len(s.incomplete) > 0 {
		in.Incomplete = make(map[string]bool, len(s.incomplete))
		for mac := range s.incomplete {
			in.Incomplete[mac] = true
		}
	}

	jobCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.generation++
	gen := s.generation
	s.set.State = StateComputing
	s.set.Err = ""
	logf("set %s submitted for compute", s.set.ID)

	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		r, err := s.computer.Run(jobCtx, in)
		out <- s.finish(gen, in, r, err)
	}()
	return out, nil
}

// finish applies a job result if it still belongs to the current attempt.
func (s *Session) finish(gen uint64, in compute.Input, r *report.Report, err error) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		logf("set %s: dropping stale compute result", in.SetID)
		return Outcome{SetID: in.SetID, Err: fmt.Errorf("set %s: %w", in.SetID, ErrSuperseded)}
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if err != nil {
		s.set.State = StateFailed
		s.set.Err = err.Error()
		logf("set %s failed: %v", in.SetID, err)
		return Outcome{SetID: in.SetID, Err: err}
	}

	s.set.State = StateComputed
	s.set.Report = r.Clone()
	s.registry.Release()
	logf("set %s computed: report=%s", in.SetID, r.ID)
	return Outcome{SetID: in.SetID, Report: r, Buffers: in.Buffers}
}
