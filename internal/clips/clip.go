// Package clips tracks the EMG sensor clips attached during one trainee
// session: discovery, muscle slot assignment, hub channel binding and battery
// telemetry.
package clips

import (
	"fmt"
	"strings"
	"time"
)

// Side is the body side a muscle slot refers to.
type Side int

const (
	SideNone Side = iota
	SideLeft
	SideRight
)

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	default:
		return "none"
	}
}

// ParseSide parses "left", "right" or "none" (case-insensitive, empty = none).
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SideNone, nil
	case "left", "l":
		return SideLeft, nil
	case "right", "r":
		return SideRight, nil
	default:
		return SideNone, fmt.Errorf("unknown side %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Slot is the logical muscle position a clip measures.
type Slot struct {
	Muscle string `json:"muscle" yaml:"muscle"`
	Side   Side   `json:"side" yaml:"side"`
}

// IsZero reports whether the slot carries no muscle.
func (s Slot) IsZero() bool { return s.Muscle == "" }

func (s Slot) String() string {
	if s.Side == SideNone {
		return s.Muscle
	}
	return s.Muscle + "/" + s.Side.String()
}

// UnboundChannel marks a clip that has no hub channel yet.
const UnboundChannel = -1

// Clip is one discovered sensor device.
type Clip struct {
	MAC          string    `json:"mac"`
	Slot         Slot      `json:"slot"`
	Assigned     bool      `json:"assigned"`
	Battery      *int      `json:"battery,omitempty"`
	HubIndex     int       `json:"hub_index"`
	Connected    bool      `json:"connected"`
	RegisteredAt time.Time `json:"registered_at"`
}

// NormalizeMAC upper-cases a MAC address and strips surrounding space so
// registry keys are stable regardless of how the transport formats them.
func NormalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}
