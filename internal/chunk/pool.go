package chunk

// Pool recycles chunk allocations. Release resets content but keeps the
// backing array, so a busy streaming loop settles into a steady set of
// allocations instead of churning the GC.
//
// The pool also tracks every chunk it has ever handed out. ReclaimStrays
// walks that set and recovers any chunk that is reachable from no live
// collection — a leak detector for tests, not a normal-path mechanism.
type Pool struct {
	free    []*Chunk
	tracked map[*Chunk]struct{}
}

func NewPool() *Pool {
	return &Pool{tracked: make(map[*Chunk]struct{})}
}

// Acquire returns the most recently released chunk, or a fresh one when the
// pool is empty. LIFO order keeps recently touched memory warm.
func (p *Pool) Acquire() *Chunk {
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		return c
	}
	c := New()
	p.tracked[c] = struct{}{}
	return c
}

// Release resets the chunk and returns it to the pool. It never frees memory.
func (p *Pool) Release(c *Chunk) {
	c.Reset()
	p.free = append(p.free, c)
}

// FreeCount returns the number of idle chunks held by the pool.
func (p *Pool) FreeCount() int { return len(p.free) }

// TrackedCount returns the total number of chunks the pool has allocated.
func (p *Pool) TrackedCount() int { return len(p.tracked) }

// ReclaimStrays verifies that every tracked chunk is either idle in the pool
// or present in one of the given live sets. Strays are dropped from tracking
// (making them collectible) and counted; a non-zero return is a lifecycle bug.
func (p *Pool) ReclaimStrays(live ...map[Coord]*Chunk) int {
	reachable := make(map[*Chunk]struct{}, len(p.tracked))
	for _, c := range p.free {
		reachable[c] = struct{}{}
	}
	for _, m := range live {
		for _, c := range m {
			reachable[c] = struct{}{}
		}
	}
	strays := 0
	for c := range p.tracked {
		if _, ok := reachable[c]; !ok {
			delete(p.tracked, c)
			strays++
		}
	}
	return strays
}
