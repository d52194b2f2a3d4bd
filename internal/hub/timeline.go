package hub

import (
	"sync"
	"time"
)

// ResyncAfter is how far the hub's millisecond counter may run backwards
// before it is treated as a hub restart and re-anchored.
const ResyncAfter = 5 * time.Second

// DeviceClock maps the hub's embedded millisecond counter onto wall time.
// The first embedded timestamp anchors the counter to its arrival time and
// every later one is placed relative to that anchor, so samples taken at the
// same device instant on different channels get the same time regardless of
// when they arrive. Samples without an embedded timestamp keep their
// arrival time.
type DeviceClock struct {
	mu     sync.Mutex
	anchor time.Time
	last   int64
	set    bool
}

// Stamp returns the time to record for ev, which arrived at arrival.
func (d *DeviceClock) Stamp(ev Event, arrival time.Time) time.Time {
	if ev.Type != EventSample || !ev.HasDeviceMs {
		return arrival
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	ms := ev.DeviceMillis
	if !d.set || ms < d.last-ResyncAfter.Milliseconds() {
		if d.set {
			logf("device clock went back from %dms to %dms, re-anchoring", d.last, ms)
		}
		d.anchor = arrival.Add(-time.Duration(ms) * time.Millisecond)
		d.last = ms
		d.set = true
	}
	if ms > d.last {
		d.last = ms
	}
	return d.anchor.Add(time.Duration(ms) * time.Millisecond)
}
