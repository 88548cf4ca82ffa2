package queue

import "sync"

// Pool manages a fixed number of execution slots
type Pool struct {
	maxRuns   int
	available int
	mu        sync.Mutex
}

// NewPool creates a pool with the given capacity
func NewPool(maxRuns int) *Pool {
	if maxRuns < 1 {
		maxRuns = 1
	}
	return &Pool{
		maxRuns:   maxRuns,
		available: maxRuns,
	}
}

// Acquire tries to claim a slot. Returns true if successful.
func (p *Pool) Acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available <= 0 {
		return false
	}
	p.available--
	return true
}

// Release returns a slot to the pool.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available < p.maxRuns {
		p.available++
	}
}

// Available returns the number of free slots.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// MaxRuns returns the pool capacity.
func (p *Pool) MaxRuns() int {
	return p.maxRuns
}
