package session

// frameRing is a bounded FIFO of inbound audio frames. When full, pushing
// evicts the oldest frame so a stalled recognizer caps memory instead of
// growing the backlog without bound.
//
// frameRing is not safe for concurrent use. The session event loop is its
// only caller.
type frameRing struct {
	frames  [][]byte
	head    int
	n       int
	dropped uint64
}

func newFrameRing(capacity int) *frameRing {
	if capacity < 1 {
		capacity = 1
	}
	return &frameRing{frames: make([][]byte, capacity)}
}

// Push appends a frame, evicting the oldest one if the ring is full.
// It reports whether an eviction happened.
func (r *frameRing) Push(frame []byte) bool {
	evicted := false
	if r.n == len(r.frames) {
		r.head = (r.head + 1) % len(r.frames)
		r.n--
		r.dropped++
		evicted = true
	}
	r.frames[(r.head+r.n)%len(r.frames)] = frame
	r.n++
	return evicted
}

// Pop removes and returns the oldest frame.
func (r *frameRing) Pop() ([]byte, bool) {
	if r.n == 0 {
		return nil, false
	}
	frame := r.frames[r.head]
	r.frames[r.head] = nil
	r.head = (r.head + 1) % len(r.frames)
	r.n--
	return frame, true
}

func (r *frameRing) Len() int { return r.n }

// Dropped returns the number of frames evicted since creation.
func (r *frameRing) Dropped() uint64 { return r.dropped }
