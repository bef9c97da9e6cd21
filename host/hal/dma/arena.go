package dma

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softohci/pkg"
)

// DefaultBase is the physical address where a default Arena window starts.
const DefaultBase uint32 = 0x1000_0000

// DefaultSize is the size of a default Arena window.
const DefaultSize = 16 << 20

type span struct {
	start, end uint32 // [start, end)
}

// Arena is simulated physical memory. It hands out Regions from a fixed
// physical window with first-fit placement, and translates physical
// addresses back to Regions for the device side.
//
// Arena implements Allocator.
type Arena struct {
	mu      sync.RWMutex
	base    uint32
	size    uint32
	free    []span    // sorted, non-adjacent
	regions []*Region // live, sorted by phys

	live  atomic.Int64
	syncs atomic.Uint64
}

// NewArena creates an arena covering [base, base+size).
func NewArena(base uint32, size int) *Arena {
	if size <= 0 || uint64(base)+uint64(size) > 1<<32 {
		panic(fmt.Sprintf("dma: invalid arena window 0x%08x+%d", base, size))
	}
	a := &Arena{base: base, size: uint32(size)}
	a.free = []span{{start: base, end: base + uint32(size)}}
	return a
}

// Alloc reserves size bytes aligned to align. align must be a power of two;
// zero means 4.
func (a *Arena) Alloc(size, align int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: dma size %d", pkg.ErrInvalidParameter, size)
	}
	if align == 0 {
		align = 4
	}
	if align < 4 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: dma alignment %d", pkg.ErrInvalidParameter, align)
	}
	// Words back the region, so keep reservations word-granular.
	rsize := uint32((size + 3) &^ 3)
	mask := uint32(align - 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.free {
		start := (s.start + mask) &^ mask
		if start < s.start || start+rsize < start || start+rsize > s.end {
			continue
		}
		a.carve(i, start, start+rsize)
		r := newRegion(start, size)
		r.owner = a
		a.insertRegion(r)
		a.live.Add(int64(rsize))
		return r, nil
	}
	return nil, errNoMemory(size, align)
}

// carve removes [start, end) from free span i.
func (a *Arena) carve(i int, start, end uint32) {
	s := a.free[i]
	var repl []span
	if s.start < start {
		repl = append(repl, span{s.start, start})
	}
	if end < s.end {
		repl = append(repl, span{end, s.end})
	}
	a.free = append(a.free[:i], append(repl, a.free[i+1:]...)...)
}

func (a *Arena) insertRegion(r *Region) {
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].phys >= r.phys })
	a.regions = append(a.regions, nil)
	copy(a.regions[i+1:], a.regions[i:])
	a.regions[i] = r
}

// Free returns r's physical range to the arena.
func (a *Arena) Free(r *Region) error {
	if r == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].phys >= r.phys })
	if i == len(a.regions) || a.regions[i] != r {
		return fmt.Errorf("%w: free of unknown region 0x%08x", pkg.ErrBadAddress, r.phys)
	}
	a.regions = append(a.regions[:i], a.regions[i+1:]...)
	r.owner = nil

	rsize := uint32((r.size + 3) &^ 3)
	a.release(span{r.phys, r.phys + rsize})
	a.live.Add(-int64(rsize))
	return nil
}

// release inserts s into the free list and merges neighbours.
func (a *Arena) release(s span) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].start >= s.end })
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = s
	if i+1 < len(a.free) && a.free[i].end == a.free[i+1].start {
		a.free[i].end = a.free[i+1].end
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].end == a.free[i].start {
		a.free[i-1].end = a.free[i].end
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// Sync is a full barrier on simulated memory: every descriptor word is
// already accessed atomically, so only the bounds are checked.
func (a *Arena) Sync(r *Region, off, n int, dir Direction) {
	if off < 0 || n < 0 || off+n > r.size {
		panic(fmt.Sprintf("dma: sync %s [%d,%d) outside %d-byte region", dir, off, off+n, r.size))
	}
	a.syncs.Add(1)
}

// Syncs returns how many Sync calls the arena has seen.
func (a *Arena) Syncs() uint64 { return a.syncs.Load() }

// Live returns the number of bytes currently allocated.
func (a *Arena) Live() int { return int(a.live.Load()) }

// Regions returns the number of live regions.
func (a *Arena) Regions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.regions)
}

// Lookup translates a physical address to its region and byte offset.
func (a *Arena) Lookup(phys uint32) (*Region, int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].phys > phys })
	if i == 0 {
		return nil, 0, false
	}
	r := a.regions[i-1]
	if !r.Contains(phys) {
		return nil, 0, false
	}
	return r, int(phys - r.phys), true
}

// Load32 reads the word at a physical address.
func (a *Arena) Load32(phys uint32) (uint32, error) {
	r, off, ok := a.Lookup(phys)
	if !ok || off+4 > r.size {
		return 0, fmt.Errorf("%w: load 0x%08x", pkg.ErrBadAddress, phys)
	}
	return r.Load32(off), nil
}

// Store32 writes the word at a physical address.
func (a *Arena) Store32(phys, v uint32) error {
	r, off, ok := a.Lookup(phys)
	if !ok || off+4 > r.size {
		return fmt.Errorf("%w: store 0x%08x", pkg.ErrBadAddress, phys)
	}
	r.Store32(off, v)
	return nil
}

// Read copies len(p) bytes starting at phys. The range must lie in one region.
func (a *Arena) Read(phys uint32, p []byte) error {
	r, off, ok := a.Lookup(phys)
	if !ok || off+len(p) > r.size {
		return fmt.Errorf("%w: read %d bytes at 0x%08x", pkg.ErrBadAddress, len(p), phys)
	}
	copy(p, r.Bytes()[off:])
	return nil
}

// Write copies p to memory starting at phys. The range must lie in one region.
func (a *Arena) Write(phys uint32, p []byte) error {
	r, off, ok := a.Lookup(phys)
	if !ok || off+len(p) > r.size {
		return fmt.Errorf("%w: write %d bytes at 0x%08x", pkg.ErrBadAddress, len(p), phys)
	}
	copy(r.Bytes()[off:], p)
	return nil
}
