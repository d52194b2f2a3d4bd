// Package samples turns per-clip sample arrivals into a raw buffer for the
// active measurement set and a bounded rolling window for live display.
//
// Each clip has its own buffer and lock, so ingestion on one clip never waits
// on another clip. Readers always receive copies.
package samples

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/emg.report/internal/clips"
	"github.com/banshee-data/emg.report/internal/monitoring"
	"github.com/banshee-data/emg.report/internal/timeutil"
)

var (
	ErrInvalidSample  = errors.New("invalid sample value")
	ErrUnknownChannel = errors.New("unknown hub channel")
)

var logf = monitoring.Component("samples")

// Sample is one raw signal value tagged with its per-clip arrival index and
// capture time. Cross-clip alignment uses At, never Index.
type Sample struct {
	Index uint64    `json:"index" cbor:"1,keyasint"`
	Value float64   `json:"value" cbor:"2,keyasint"`
	At    time.Time `json:"at" cbor:"3,keyasint"`
}

// Frozen is an immutable set of raw buffers keyed by clip MAC, captured when
// recording stops.
type Frozen map[string][]Sample

// Count returns the number of samples captured for a clip.
func (f Frozen) Count(mac string) int { return len(f[clips.NormalizeMAC(mac)]) }

// Values returns the sample values for a clip in arrival order.
func (f Frozen) Values(mac string) []float64 {
	s := f[clips.NormalizeMAC(mac)]
	out := make([]float64, len(s))
	for i := range s {
		out[i] = s[i].Value
	}
	return out
}

// Total returns the number of samples across all clips.
func (f Frozen) Total() int {
	n := 0
	for _, s := range f {
		n += len(s)
	}
	return n
}

// Clone deep-copies the frozen buffers.
func (f Frozen) Clone() Frozen {
	out := make(Frozen, len(f))
	for mac, s := range f {
		out[mac] = append([]Sample(nil), s...)
	}
	return out
}

// ClipLookup is the slice of the clip registry the stream depends on.
type ClipLookup interface {
	Get(mac string) (clips.Clip, bool)
	ByChannel(hubIndex int) (string, bool)
}

// Options configures a Stream.
type Options struct {
	WindowCapacity  int
	DisplayCeiling  float64
	RefreshInterval time.Duration
}

type clipBuffer struct {
	mu        sync.Mutex
	window    *Ring
	raw       []Sample
	recording bool
	next      uint64
}

// Stream holds every clip's buffers.
type Stream struct {
	lookup ClipLookup
	clock  timeutil.Clock
	opts   Options

	mu      sync.RWMutex
	buffers map[string]*clipBuffer

	rejected atomic.Uint64
}

// NewStream creates a stream. Zero options take the package defaults of a
// 600-sample window, a 10,000 display ceiling and a 50ms refresh tick.
func NewStream(lookup ClipLookup, clock timeutil.Clock, opts Options) *Stream {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if opts.WindowCapacity <= 0 {
		opts.WindowCapacity = 600
	}
	if opts.DisplayCeiling <= 0 {
		opts.DisplayCeiling = 10000
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 50 * time.Millisecond
	}
	return &Stream{
		lookup:  lookup,
		clock:   clock,
		opts:    opts,
		buffers: make(map[string]*clipBuffer),
	}
}

// buffer returns the buffer for a registered clip, creating it on first use.
func (s *Stream) buffer(mac string) (*clipBuffer, error) {
	s.mu.RLock()
	b, ok := s.buffers[mac]
	s.mu.RUnlock()
	if ok {
		return b, nil
	}

	if s.lookup != nil {
		if _, ok := s.lookup.Get(mac); !ok {
			return nil, fmt.Errorf("ingest %s: %w", mac, clips.ErrUnknownClip)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buffers[mac]; !ok {
		b = &clipBuffer{window: NewRing(s.opts.WindowCapacity)}
		s.buffers[mac] = b
	}
	return b, nil
}

// Ingest records a sample stamped with the current clock time.
func (s *Stream) Ingest(mac string, value float64) error {
	return s.IngestAt(mac, value, s.clock.Now())
}

// IngestAt records a sample captured at the given time. The value enters the
// active raw buffer unclamped when the clip is recording and is dropped from
// the raw path otherwise; the rolling window always receives the clamped
// value.
func (s *Stream) IngestAt(mac string, value float64, at time.Time) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		s.rejected.Add(1)
		return fmt.Errorf("ingest %s: %w: %v", mac, ErrInvalidSample, value)
	}
	mac = clips.NormalizeMAC(mac)
	b, err := s.buffer(mac)
	if err != nil {
		s.rejected.Add(1)
		return err
	}

	b.mu.Lock()
	idx := b.next
	b.next++
	if b.recording {
		b.raw = append(b.raw, Sample{Index: idx, Value: value, At: at})
	}
	b.window.Push(s.clamp(value))
	b.mu.Unlock()
	return nil
}

// IngestChannel resolves a hub channel index to its clip and ingests the
// sample.
func (s *Stream) IngestChannel(hubIndex int, value float64, at time.Time) error {
	mac, ok := s.lookup.ByChannel(hubIndex)
	if !ok {
		s.rejected.Add(1)
		return fmt.Errorf("ingest channel %d: %w", hubIndex, ErrUnknownChannel)
	}
	return s.IngestAt(mac, value, at)
}

func (s *Stream) clamp(v float64) float64 {
	c := s.opts.DisplayCeiling
	if v > c {
		return c
	}
	if v < -c {
		return -c
	}
	return v
}

// Rejected returns how many samples were refused since the stream was
// created.
func (s *Stream) Rejected() uint64 { return s.rejected.Load() }

// RollingWindow returns a copy of the clip's display window, oldest first.
// Unknown clips yield an empty window.
func (s *Stream) RollingWindow(mac string) []float64 {
	s.mu.RLock()
	b, ok := s.buffers[clips.NormalizeMAC(mac)]
	s.mu.RUnlock()
	if !ok {
		return []float64{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window.Snapshot()
}

// Windows returns copies of every clip's display window.
func (s *Stream) Windows() map[string][]float64 {
	s.mu.RLock()
	bufs := make(map[string]*clipBuffer, len(s.buffers))
	for mac, b := range s.buffers {
		bufs[mac] = b
	}
	s.mu.RUnlock()

	out := make(map[string][]float64, len(bufs))
	for mac, b := range bufs {
		b.mu.Lock()
		out[mac] = b.window.Snapshot()
		b.mu.Unlock()
	}
	return out
}

// Refresh calls fn with a snapshot of all windows on every refresh tick until
// ctx is done.
func (s *Stream) Refresh(ctx context.Context, fn func(map[string][]float64)) error {
	ticker := s.clock.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			fn(s.Windows())
		}
	}
}

// BeginRecording clears the raw buffers of the given clips and starts
// appending to them. Clips not listed stop recording.
func (s *Stream) BeginRecording(macs []string) error {
	want := make(map[string]bool, len(macs))
	for _, mac := range macs {
		mac = clips.NormalizeMAC(mac)
		if _, err := s.buffer(mac); err != nil {
			return err
		}
		want[mac] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for mac, b := range s.buffers {
		b.mu.Lock()
		b.raw = nil
		b.recording = want[mac]
		b.mu.Unlock()
	}
	logf("recording %d clips", len(want))
	return nil
}

// Freeze stops recording and returns copies of the raw buffers of every clip
// that was recording. Later samples no longer reach those buffers.
func (s *Stream) Freeze() Frozen {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(Frozen)
	for mac, b := range s.buffers {
		b.mu.Lock()
		if b.recording {
			out[mac] = append([]Sample(nil), b.raw...)
			b.recording = false
		}
		b.raw = nil
		b.mu.Unlock()
	}
	return out
}

// Discard stops recording and drops all raw buffers.
func (s *Stream) Discard() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.buffers {
		b.mu.Lock()
		b.raw = nil
		b.recording = false
		b.mu.Unlock()
	}
}

// Count returns the number of raw samples recorded so far for a clip.
func (s *Stream) Count(mac string) int {
	s.mu.RLock()
	b, ok := s.buffers[clips.NormalizeMAC(mac)]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.raw)
}

// Recording returns the MACs currently appending to a raw buffer, sorted.
func (s *Stream) Recording() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for mac, b := range s.buffers {
		b.mu.Lock()
		if b.recording {
			out = append(out, mac)
		}
		b.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Forget drops a clip's buffers entirely, e.g. after the clip is removed.
func (s *Stream) Forget(mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, clips.NormalizeMAC(mac))
}
