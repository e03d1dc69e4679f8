package audit

// DefaultBufferSize is the number of recent events kept in memory.
const DefaultBufferSize = 1000

// ring is a fixed-capacity buffer that drops the oldest event when full.
// Not safe for concurrent use; Logger guards it.
type ring struct {
	buf   []Event
	start int
	n     int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(ev Event) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = ev
		r.n++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) size() int { return r.n }

func (r *ring) capacity() int { return len(r.buf) }

// at returns the i-th event, oldest first.
func (r *ring) at(i int) Event {
	return r.buf[(r.start+i)%len(r.buf)]
}

// snapshot returns the buffered events oldest first.
func (r *ring) snapshot() []Event {
	out := make([]Event, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.at(i)
	}
	return out
}
