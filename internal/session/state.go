package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/emg.report/internal/clips"
	"github.com/banshee-data/emg.report/internal/report"
)

// State is the lifecycle position of the current measurement set.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateRecording
	StateStopped
	StateComputing
	StateComputed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	case StateComputing:
		return "computing"
	case StateComputed:
		return "computed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText lets State appear by name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name as written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Set is a point-in-time copy of one recording attempt.
type Set struct {
	ID          string         `json:"id"`
	TraineeID   string         `json:"trainee_id"`
	ExerciseID  string         `json:"exercise_id"`
	Kind        report.Kind    `json:"kind,omitempty"`
	State       State          `json:"state"`
	Required    []clips.Slot   `json:"required"`
	Clips       []clips.Clip   `json:"clips"`
	StartTime   time.Time      `json:"start_time,omitzero"`
	StopTime    time.Time      `json:"stop_time,omitzero"`
	RetryCount  int            `json:"retry_count"`
	Counts      map[string]int `json:"counts,omitempty"`
	PartialData bool           `json:"partial_data"`
	Incomplete  []string       `json:"incomplete,omitempty"`
	Report      *report.Report `json:"report,omitempty"`
	Err         string         `json:"error,omitempty"`
}

// MACs returns the MAC addresses of the set's clips in set order.
func (s Set) MACs() []string {
	out := make([]string, len(s.Clips))
	for i, c := range s.Clips {
		out[i] = c.MAC
	}
	return out
}

func (s Set) clone() Set {
	out := s
	out.Required = append([]clips.Slot(nil), s.Required...)
	out.Clips = make([]clips.Clip, len(s.Clips))
	for i, c := range s.Clips {
		if c.Battery != nil {
			b := *c.Battery
			c.Battery = &b
		}
		out.Clips[i] = c
	}
	if s.Counts != nil {
		out.Counts = make(map[string]int, len(s.Counts))
		for k, v := range s.Counts {
			out.Counts[k] = v
		}
	}
	out.Incomplete = append([]string(nil), s.Incomplete...)
	out.Report = s.Report.Clone()
	return out
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
