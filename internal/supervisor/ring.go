package supervisor

import "sync"

// Ring keeps the most recent lines up to a fixed capacity, evicting the oldest
type Ring struct {
	mu    sync.Mutex
	lines []string
	start int
	size  int
}

// NewRing creates a ring holding at most capacity lines
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 500
	}
	return &Ring{lines: make([]string, capacity)}
}

// Append adds a line, dropping the oldest when full
func (r *Ring) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.size) % len(r.lines)
	r.lines[idx] = line
	if r.size < len(r.lines) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.lines)
	}
}

// Tail returns up to n of the newest lines, oldest first. n <= 0 returns all.
func (r *Ring) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = r.lines[(r.start+r.size-n+i)%len(r.lines)]
	}
	return out
}

// Len returns the number of stored lines
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Reset drops all lines
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start, r.size = 0, 0
}
