package samples

// Ring is a fixed-capacity circular buffer of float64 values. Pushing onto a
// full ring overwrites the oldest value. Ring is not safe for concurrent use;
// callers serialise access.
type Ring struct {
	buf   []float64
	start int
	n     int
}

// NewRing creates a ring holding at most capacity values. Capacity below one
// is raised to one.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float64, capacity)}
}

// Push appends v, dropping the oldest value when full.
func (r *Ring) Push(v float64) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of values held.
func (r *Ring) Len() int { return r.n }

// Cap returns the fixed capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Snapshot copies the held values oldest first.
func (r *Ring) Snapshot() []float64 {
	out := make([]float64, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Reset empties the ring without reallocating.
func (r *Ring) Reset() {
	r.start = 0
	r.n = 0
}
