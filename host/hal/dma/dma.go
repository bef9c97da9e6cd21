package dma

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/softohci/pkg"
)

// PageSize is the granularity of physical page crossings a DMA engine
// must handle.
const PageSize = 4096

// Direction tells Sync which side of a transfer is about to look at memory.
type Direction uint8

// Synchronization directions.
const (
	ToDevice      Direction = iota // software wrote, device will read
	FromDevice                     // device wrote, software will read
	Bidirectional                  // both
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	case Bidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// Allocator is the scoped DMA-memory service a driver draws from.
//
// Alloc returns zeroed memory whose physical address is aligned to align
// and stays fixed until Free. Sync must be called after software writes
// memory a device will read and before software reads memory a device
// may have written.
type Allocator interface {
	Alloc(size, align int) (*Region, error)
	Free(r *Region) error
	Sync(r *Region, off, n int, dir Direction)
}

// Region is a physically contiguous block of DMA-visible memory.
//
// The backing store is word-sized so 32-bit device-visible fields can be
// accessed atomically. Descriptor words must only be touched through
// Load32/Store32/Swap32; payload bytes go through Bytes.
type Region struct {
	phys  uint32
	size  int
	words []uint32
	owner *Arena
}

func newRegion(phys uint32, size int) *Region {
	return &Region{
		phys:  phys,
		size:  size,
		words: make([]uint32, (size+3)/4),
	}
}

// Phys returns the physical address of the first byte.
func (r *Region) Phys() uint32 { return r.phys }

// PhysAt returns the physical address of byte off.
func (r *Region) PhysAt(off int) uint32 { return r.phys + uint32(off) }

// Len returns the region size in bytes.
func (r *Region) Len() int { return r.size }

// Contains reports whether phys falls inside the region.
func (r *Region) Contains(phys uint32) bool {
	return phys >= r.phys && phys-r.phys < uint32(r.size)
}

// Bytes returns the payload view of the region.
func (r *Region) Bytes() []byte {
	if r.size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&r.words[0])), r.size)
}

func (r *Region) word(off int) *uint32 {
	if off&3 != 0 || off < 0 || off+4 > r.size {
		panic(fmt.Sprintf("dma: word access at offset %d of %d-byte region 0x%08x", off, r.size, r.phys))
	}
	return &r.words[off>>2]
}

// Load32 atomically reads the 32-bit word at byte offset off.
func (r *Region) Load32(off int) uint32 { return atomic.LoadUint32(r.word(off)) }

// Store32 atomically writes the 32-bit word at byte offset off.
func (r *Region) Store32(off int, v uint32) { atomic.StoreUint32(r.word(off), v) }

// Swap32 atomically replaces the word at off and returns the old value.
func (r *Region) Swap32(off int, v uint32) uint32 { return atomic.SwapUint32(r.word(off), v) }

// Load16 reads the little-endian half-word at off. Half-words live inside
// an atomically accessed word; off&2 selects the upper half.
func (r *Region) Load16(off int) uint16 {
	w := r.Load32(off &^ 3)
	if off&2 != 0 {
		return uint16(w >> 16)
	}
	return uint16(w)
}

// Store16 writes the little-endian half-word at off with a compare-and-swap
// loop, leaving the other half of the word untouched.
func (r *Region) Store16(off int, v uint16) {
	p := r.word(off &^ 3)
	for {
		old := atomic.LoadUint32(p)
		var nw uint32
		if off&2 != 0 {
			nw = old&0x0000ffff | uint32(v)<<16
		} else {
			nw = old&0xffff0000 | uint32(v)
		}
		if atomic.CompareAndSwapUint32(p, old, nw) {
			return
		}
	}
}

// Segment is a physically contiguous piece of a Region.
type Segment struct {
	Region *Region
	Offset int
	Length int
}

// Phys returns the physical address of the segment start.
func (s Segment) Phys() uint32 { return s.Region.PhysAt(s.Offset) }

// Bytes returns the payload view of the segment.
func (s Segment) Bytes() []byte { return s.Region.Bytes()[s.Offset : s.Offset+s.Length] }

// Buffer is a scatter list of DMA segments forming one transfer buffer.
type Buffer []Segment

// BufferOf returns a single-segment buffer covering n bytes of r at off.
func BufferOf(r *Region, off, n int) Buffer {
	if r == nil || n == 0 {
		return nil
	}
	return Buffer{{Region: r, Offset: off, Length: n}}
}

// Len returns the total byte count of the buffer.
func (b Buffer) Len() int {
	n := 0
	for _, s := range b {
		n += s.Length
	}
	return n
}

// Coalesce merges physically adjacent segments of the same region.
func (b Buffer) Coalesce() Buffer {
	if len(b) < 2 {
		return b
	}
	out := make(Buffer, 0, len(b))
	for _, s := range b {
		if s.Length == 0 {
			continue
		}
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Region == s.Region && last.Offset+last.Length == s.Offset {
				last.Length += s.Length
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// Sync synchronizes every segment of the buffer through a.
func (b Buffer) Sync(a Allocator, dir Direction) {
	for _, s := range b {
		a.Sync(s.Region, s.Offset, s.Length, dir)
	}
}

// CopyIn copies p into the buffer and returns the number of bytes copied.
func (b Buffer) CopyIn(p []byte) int {
	n := 0
	for _, s := range b {
		if n >= len(p) {
			break
		}
		n += copy(s.Bytes(), p[n:])
	}
	return n
}

// CopyOut copies up to len(p) bytes of the buffer into p.
func (b Buffer) CopyOut(p []byte) int {
	n := 0
	for _, s := range b {
		if n >= len(p) {
			break
		}
		n += copy(p[n:], s.Bytes())
	}
	return n
}

func errNoMemory(size, align int) error {
	pkg.LogWarn(pkg.ComponentDMA, "allocation failed", "size", size, "align", align)
	return fmt.Errorf("%w: dma allocation of %d bytes (align %d)", pkg.ErrNoMemory, size, align)
}
