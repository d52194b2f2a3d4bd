package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/emg.report/internal/timeutil"
)

// Handler receives decoded hub events. Calls for one hub arrive from a single
// goroutine in line order.
type Handler interface {
	OnDeviceDiscovered(mac string, channel int) error
	OnSampleReceived(channel int, value float64, at time.Time) error
	OnBatteryReport(mac string, level int) error
	OnDeviceLost(mac string) error
}

// Dispatch routes an event to the matching handler method. at is the capture
// time stamped on samples; see DeviceClock.
func Dispatch(h Handler, ev Event, at time.Time) error {
	switch ev.Type {
	case EventDiscovered:
		return h.OnDeviceDiscovered(ev.MAC, ev.Channel)
	case EventSample:
		return h.OnSampleReceived(ev.Channel, ev.Value, at)
	case EventBattery:
		return h.OnBatteryReport(ev.MAC, ev.Level)
	case EventLost:
		return h.OnDeviceLost(ev.MAC)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedLine, byte(ev.Type))
	}
}

// Stats counts what Serve has processed.
type Stats struct {
	Lines     uint64
	Malformed uint64
	Rejected  uint64
}

// Serve subscribes to t and dispatches every line to h until ctx is done or
// the transport closes. Samples carrying device milliseconds are stamped on
// the hub's own timeline. Malformed lines and handler errors are logged and
// counted; they never stop the loop.
func Serve(ctx context.Context, t Transport, h Handler, clock timeutil.Clock) (Stats, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	id, lines := t.Subscribe()
	defer t.Unsubscribe(id)

	var (
		st     Stats
		device DeviceClock
	)
	for {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return st, nil
			}
			st.Lines++
			ev, err := ParseLine(line)
			if err != nil {
				st.Malformed++
				logf("%v", err)
				continue
			}
			if err := Dispatch(h, ev, device.Stamp(ev, clock.Now())); err != nil {
				st.Rejected++
				if ev.Type != EventSample {
					logf("%s %s: %v", ev.Type, ev.MAC, err)
				}
			}
		}
	}
}
