package hub

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/emg.report/internal/clips"
)

var ErrMalformedLine = errors.New("malformed hub line")

// EventType identifies a hub line.
type EventType byte

const (
	EventDiscovered EventType = 'D'
	EventSample     EventType = 'S'
	EventBattery    EventType = 'B'
	EventLost       EventType = 'X'
)

func (t EventType) String() string {
	switch t {
	case EventDiscovered:
		return "discovered"
	case EventSample:
		return "sample"
	case EventBattery:
		return "battery"
	case EventLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Event is one parsed hub line. Fields not carried by the line type are zero.
//
//	D,<mac>,<channel>             clip discovered on a hub channel
//	S,<channel>,<value>[,<ms>]    raw sample, optional device milliseconds
//	B,<mac>,<level>               battery percentage
//	X,<mac>                       clip disconnected
type Event struct {
	Type         EventType
	MAC          string
	Channel      int
	Value        float64
	DeviceMillis int64
	HasDeviceMs  bool
	Level        int
}

// ParseLine parses one line of the hub protocol.
func ParseLine(line string) (Event, error) {
	line = strings.TrimSpace(line)
	fields := strings.Split(line, ",")
	if len(fields) < 2 || len(fields[0]) != 1 {
		return Event{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	bad := func(what string, err error) (Event, error) {
		return Event{}, fmt.Errorf("%w: %q: %s: %v", ErrMalformedLine, line, what, err)
	}

	ev := Event{Type: EventType(fields[0][0])}
	switch ev.Type {
	case EventDiscovered:
		if len(fields) != 3 {
			return bad("fields", errors.New("want D,<mac>,<channel>"))
		}
		ev.MAC = clips.NormalizeMAC(fields[1])
		ch, err := strconv.Atoi(fields[2])
		if err != nil || ch < 0 {
			return bad("channel", err)
		}
		ev.Channel = ch
	case EventSample:
		if len(fields) != 3 && len(fields) != 4 {
			return bad("fields", errors.New("want S,<channel>,<value>[,<ms>]"))
		}
		ch, err := strconv.Atoi(fields[1])
		if err != nil || ch < 0 {
			return bad("channel", err)
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return bad("value", err)
		}
		ev.Channel, ev.Value = ch, v
		if len(fields) == 4 {
			ms, err := strconv.ParseInt(fields[3], 10, 64)
			if err != nil {
				return bad("device ms", err)
			}
			ev.DeviceMillis, ev.HasDeviceMs = ms, true
		}
	case EventBattery:
		if len(fields) != 3 {
			return bad("fields", errors.New("want B,<mac>,<level>"))
		}
		ev.MAC = clips.NormalizeMAC(fields[1])
		lvl, err := strconv.Atoi(fields[2])
		if err != nil {
			return bad("level", err)
		}
		ev.Level = lvl
	case EventLost:
		if len(fields) != 2 {
			return bad("fields", errors.New("want X,<mac>"))
		}
		ev.MAC = clips.NormalizeMAC(fields[1])
	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformedLine, fields[0])
	}
	if ev.Type != EventSample && ev.MAC == "" {
		return bad("mac", errors.New("empty"))
	}
	return ev, nil
}

// Line renders the event in the hub protocol.
func (e Event) Line() string {
	switch e.Type {
	case EventDiscovered:
		return fmt.Sprintf("D,%s,%d", e.MAC, e.Channel)
	case EventSample:
		v := strconv.FormatFloat(e.Value, 'g', -1, 64)
		if e.HasDeviceMs {
			return fmt.Sprintf("S,%d,%s,%d", e.Channel, v, e.DeviceMillis)
		}
		return fmt.Sprintf("S,%d,%s", e.Channel, v)
	case EventBattery:
		return fmt.Sprintf("B,%s,%d", e.MAC, e.Level)
	case EventLost:
		return "X," + e.MAC
	default:
		return ""
	}
}
