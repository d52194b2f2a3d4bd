package clips

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/emg.report/internal/monitoring"
	"github.com/banshee-data/emg.report/internal/timeutil"
)

var (
	ErrDuplicateDevice  = errors.New("device already registered")
	ErrSlotAlreadyTaken = errors.New("muscle slot already taken")
	ErrClipBusy         = errors.New("clip is part of an active measurement")
	ErrUnknownClip      = errors.New("unknown clip")
	ErrChannelInUse     = errors.New("hub channel already bound")
)

var logf = monitoring.Component("clips")

type entry struct {
	clip Clip
	seq  uint64
}

// Registry owns the clip records for one trainee session. All methods are
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	clock    timeutil.Clock
	clips    map[string]*entry
	channels map[int]string
	reserved map[string]bool
	armed    bool
	nextSeq  uint64
}

// NewRegistry creates an empty registry. A nil clock uses the real clock.
func NewRegistry(clock timeutil.Clock) *Registry {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Registry{
		clock:    clock,
		clips:    make(map[string]*entry),
		channels: make(map[int]string),
		reserved: make(map[string]bool),
	}
}

// Register adds a provisional clip. The tentative slot is recorded but not
// committed; Assign commits it.
func (r *Registry) Register(mac string, tentative Slot) (Clip, error) {
	mac = NormalizeMAC(mac)
	if mac == "" {
		return Clip{}, fmt.Errorf("register: %w: empty mac", ErrUnknownClip)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clips[mac]; ok {
		return Clip{}, fmt.Errorf("register %s: %w", mac, ErrDuplicateDevice)
	}
	r.nextSeq++
	e := &entry{
		clip: Clip{
			MAC:          mac,
			Slot:         tentative,
			HubIndex:     UnboundChannel,
			Connected:    true,
			RegisteredAt: r.clock.Now(),
		},
		seq: r.nextSeq,
	}
	r.clips[mac] = e
	logf("registered %s (tentative %s)", mac, tentative)
	return e.clip, nil
}

// Assign commits the muscle slot for a clip. The same exact slot may only be
// held by one clip at a time; reassigning a clip to the slot it already holds
// is a no-op. No assignment changes while a measurement holds reservations,
// including for clips outside it.
func (r *Registry) Assign(mac string, slot Slot) error {
	mac = NormalizeMAC(mac)
	if slot.IsZero() {
		return fmt.Errorf("assign %s: empty muscle slot", mac)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clips[mac]
	if !ok {
		return fmt.Errorf("assign %s: %w", mac, ErrUnknownClip)
	}
	if r.armed {
		return fmt.Errorf("assign %s: %w", mac, ErrClipBusy)
	}
	for other, oe := range r.clips {
		if other != mac && oe.clip.Assigned && oe.clip.Slot == slot {
			return fmt.Errorf("assign %s to %s (held by %s): %w", mac, slot, other, ErrSlotAlreadyTaken)
		}
	}
	e.clip.Slot = slot
	e.clip.Assigned = true
	logf("assigned %s to %s", mac, slot)
	return nil
}

// UpdateBattery records battery telemetry. Levels are clamped to 0..100.
// Unknown clips are ignored: telemetry can race with removal.
func (r *Registry) UpdateBattery(mac string, level int) {
	mac = NormalizeMAC(mac)
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.clips[mac]; ok {
		e.clip.Battery = &level
	}
}

// Remove detaches a clip. Clips reserved by an active measurement cannot be
// removed.
func (r *Registry) Remove(mac string) error {
	mac = NormalizeMAC(mac)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clips[mac]
	if !ok {
		return fmt.Errorf("remove %s: %w", mac, ErrUnknownClip)
	}
	if r.reserved[mac] {
		return fmt.Errorf("remove %s: %w", mac, ErrClipBusy)
	}
	if e.clip.HubIndex != UnboundChannel {
		delete(r.channels, e.clip.HubIndex)
	}
	delete(r.clips, mac)
	logf("removed %s", mac)
	return nil
}

// BindChannel associates a hub channel index with a clip so raw samples
// arriving on that channel can be demultiplexed.
func (r *Registry) BindChannel(mac string, hubIndex int) error {
	mac = NormalizeMAC(mac)
	if hubIndex < 0 {
		return fmt.Errorf("bind %s: invalid hub channel %d", mac, hubIndex)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clips[mac]
	if !ok {
		return fmt.Errorf("bind %s: %w", mac, ErrUnknownClip)
	}
	if owner, ok := r.channels[hubIndex]; ok && owner != mac {
		return fmt.Errorf("bind %s to channel %d (held by %s): %w", mac, hubIndex, owner, ErrChannelInUse)
	}
	if e.clip.HubIndex != UnboundChannel {
		delete(r.channels, e.clip.HubIndex)
	}
	e.clip.HubIndex = hubIndex
	r.channels[hubIndex] = mac
	return nil
}

// ByChannel resolves a hub channel index to its clip MAC.
func (r *Registry) ByChannel(hubIndex int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mac, ok := r.channels[hubIndex]
	return mac, ok
}

// Get returns a copy of one clip record.
func (r *Registry) Get(mac string) (Clip, bool) {
	mac = NormalizeMAC(mac)
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clips[mac]
	if !ok {
		return Clip{}, false
	}
	return copyClip(e.clip), true
}

// MarkDisconnected flags a clip as lost by the transport. The record stays so
// that a running measurement can report the clip as incomplete.
func (r *Registry) MarkDisconnected(mac string) bool {
	return r.setConnected(NormalizeMAC(mac), false)
}

// MarkConnected flags a clip as reachable again.
func (r *Registry) MarkConnected(mac string) bool {
	return r.setConnected(NormalizeMAC(mac), true)
}

func (r *Registry) setConnected(mac string, connected bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clips[mac]
	if !ok {
		return false
	}
	e.clip.Connected = connected
	return true
}

// Snapshot returns the assigned clips in registration order.
func (r *Registry) Snapshot() []Clip {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(func(e *entry) bool { return e.clip.Assigned })
}

// All returns every registered clip, assigned or not, in registration order.
func (r *Registry) All() []Clip {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(func(*entry) bool { return true })
}

func (r *Registry) sortedLocked(keep func(*entry) bool) []Clip {
	entries := make([]*entry, 0, len(r.clips))
	for _, e := range r.clips {
		if keep(e) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Clip, len(entries))
	for i, e := range entries {
		out[i] = copyClip(e.clip)
	}
	return out
}

// Covers checks an assigned-clip snapshot against the required slots and
// returns the slots nobody holds, in the order they were required.
func Covers(snapshot []Clip, required []Slot) []Slot {
	held := make(map[Slot]bool, len(snapshot))
	for _, c := range snapshot {
		if c.Assigned {
			held[c.Slot] = true
		}
	}
	var missing []Slot
	for _, s := range required {
		if !held[s] {
			missing = append(missing, s)
		}
	}
	return missing
}

// Reserve marks clips as part of an active measurement. While reserved they
// cannot be removed, and no clip can be reassigned until Release.
func (r *Registry) Reserve(macs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mac := range macs {
		if _, ok := r.clips[NormalizeMAC(mac)]; !ok {
			return fmt.Errorf("reserve %s: %w", mac, ErrUnknownClip)
		}
	}
	for _, mac := range macs {
		r.reserved[NormalizeMAC(mac)] = true
	}
	r.armed = true
	return nil
}

// Release clears every reservation.
func (r *Registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved = make(map[string]bool)
	r.armed = false
}

// Reserved reports whether a clip is reserved.
func (r *Registry) Reserved(mac string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reserved[NormalizeMAC(mac)]
}

// Reset drops every clip at the end of a trainee session.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clips = make(map[string]*entry)
	r.channels = make(map[int]string)
	r.reserved = make(map[string]bool)
	r.armed = false
}

func copyClip(c Clip) Clip {
	if c.Battery != nil {
		b := *c.Battery
		c.Battery = &b
	}
	return c
}
