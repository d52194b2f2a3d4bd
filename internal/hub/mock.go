package hub

import (
	"bytes"
	"context"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/emg.report/internal/timeutil"
)

// PipePort is an in-memory Port. Lines given to Feed are read by Monitor;
// commands written by the hub are captured.
type PipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func NewPipePort() *PipePort {
	r, w := io.Pipe()
	return &PipePort{r: r, w: w}
}

func (p *PipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *PipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return p.written.Write(b)
}

func (p *PipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.w.Close()
	return p.r.Close()
}

// Feed writes lines as if the hub had sent them. It blocks until they are
// read.
func (p *PipePort) Feed(lines ...string) error {
	for _, l := range lines {
		if _, err := io.WriteString(p.w, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// Written returns everything written to the port so far.
func (p *PipePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// SimClip describes one simulated clip.
type SimClip struct {
	MAC     string
	Channel int
	// Peak is the contraction amplitude above the resting level.
	Peak float64
}

// Simulator drives a PipePort with a synthetic contraction pattern so the
// engine can run without hardware.
type Simulator struct {
	port     *PipePort
	clock    timeutil.Clock
	interval time.Duration
	clips    []SimClip
}

// SimPeriod is the number of ticks in one simulated contraction cycle.
const SimPeriod = 40

// SimAnnounceEvery is how many ticks pass between repeated announcements, so
// subscribers that attach late still learn the clips.
const SimAnnounceEvery = 5 * SimPeriod

const simResting = 20.0

func NewSimulator(clock timeutil.Clock, interval time.Duration, simClips []SimClip) *Simulator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	return &Simulator{port: NewPipePort(), clock: clock, interval: interval, clips: simClips}
}

// Port returns the port to hand to New.
func (s *Simulator) Port() *PipePort { return s.port }

// SimValue is the simulated amplitude of a clip at tick n.
func SimValue(peak float64, n int) float64 {
	phase := math.Sin(2 * math.Pi * float64(n%SimPeriod) / SimPeriod)
	return simResting + peak*math.Max(0, phase)
}

// Run announces every clip, then emits one sample per clip per tick until ctx
// is done or the port is closed. Announcements repeat every SimAnnounceEvery
// ticks.
func (s *Simulator) Run(ctx context.Context) error {
	var hello []string
	for _, c := range s.clips {
		hello = append(hello,
			Event{Type: EventDiscovered, MAC: c.MAC, Channel: c.Channel}.Line(),
			Event{Type: EventBattery, MAC: c.MAC, Level: 100}.Line())
	}
	if err := s.port.Feed(hello...); err != nil {
		return nil
	}

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	start := s.clock.Now()
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			lines := make([]string, 0, len(s.clips)+len(hello))
			if n > 0 && n%SimAnnounceEvery == 0 {
				lines = append(lines, hello...)
			}
			ms := now.Sub(start).Milliseconds()
			for _, c := range s.clips {
				lines = append(lines, Event{
					Type: EventSample, Channel: c.Channel, Value: SimValue(c.Peak, n),
					DeviceMillis: ms, HasDeviceMs: true,
				}.Line())
			}
			if err := s.port.Feed(strings.Join(lines, "\n")); err != nil {
				return nil
			}
		}
	}
}
