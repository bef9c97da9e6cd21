package ohci

import (
	"fmt"

	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/pkg"
)

// softED is the software shadow of an endpoint descriptor.
type softED struct {
	hw   edRecord
	next *softED // schedule list link, mirrors hw next
	free bool
}

func (s *softED) phys() uint32 { return s.hw.phys() }

// tdFlag marks the role a TD plays in its transfer.
type tdFlag uint8

const (
	tdCallDone tdFlag = 1 << iota // last TD of the transfer
	tdAddLen                      // counts toward the actual length
)

// softTD is the software shadow of a general transfer descriptor.
type softTD struct {
	hw    tdRecord
	next  *softTD // transfer chain link, mirrors hw next
	xfer  *Xfer   // nil for a pipe's tail sentinel
	len   int     // bytes the TD was programmed for
	flags tdFlag
	free  bool

	// seen is set once the TD was found on a done list. An orphan was
	// retired by the controller but its transfer was torn down first; it
	// is freed when it shows up on a done list.
	seen   bool
	orphan bool
}

func (s *softTD) phys() uint32 { return s.hw.phys() }
func (s *softTD) owner() *Xfer { return s.xfer }

// softITD is the software shadow of an isochronous transfer descriptor.
type softITD struct {
	hw     itdRecord
	next   *softITD
	xfer   *Xfer
	frame  int // index of the first frame this ITD covers in xfer.Frames
	frames int
	last   bool
	free   bool
	seen   bool
	orphan bool
}

func (s *softITD) phys() uint32 { return s.hw.phys() }
func (s *softITD) owner() *Xfer { return s.xfer }

// doneEntry is a descriptor that can appear on the done list: either a
// general TD or an isochronous ITD.
type doneEntry interface {
	phys() uint32
	owner() *Xfer
}

// PoolStats reports descriptor pool occupancy.
type PoolStats struct {
	EDs, TDs, ITDs             int // live descriptors
	FreeEDs, FreeTDs, FreeITDs int
	Chunks                     int
}

// pool hands out hardware descriptors carved from DMA chunks. It is only
// used under the controller lock.
type pool struct {
	mem dma.Allocator

	edChunk, tdChunk, itdChunk int

	freeEDs  []*softED
	freeTDs  []*softTD
	freeITDs []*softITD
	chunks   []*dma.Region

	liveEDs, liveTDs, liveITDs int
}

func newPool(mem dma.Allocator, cfg *Config) *pool {
	return &pool{
		mem:      mem,
		edChunk:  cfg.EDChunk,
		tdChunk:  cfg.TDChunk,
		itdChunk: cfg.ITDChunk,
	}
}

func (p *pool) grow(n, size, align int) (*dma.Region, error) {
	r, err := p.mem.Alloc(n*size, align)
	if err != nil {
		return nil, err
	}
	p.chunks = append(p.chunks, r)
	pkg.LogDebug(pkg.ComponentPool, "chunk allocated", "count", n, "size", size, "phys", fmt.Sprintf("0x%08x", r.Phys()))
	return r, nil
}

func (p *pool) allocED() (*softED, error) {
	if len(p.freeEDs) == 0 {
		r, err := p.grow(p.edChunk, EDSize, EDAlign)
		if err != nil {
			return nil, err
		}
		for i := p.edChunk - 1; i >= 0; i-- {
			p.freeEDs = append(p.freeEDs, &softED{hw: edRecord{record{r, i * EDSize}}, free: true})
		}
	}
	s := p.freeEDs[len(p.freeEDs)-1]
	p.freeEDs = p.freeEDs[:len(p.freeEDs)-1]
	s.hw.clear(EDSize)
	s.next = nil
	s.free = false
	p.liveEDs++
	return s, nil
}

func (p *pool) freeED(s *softED) {
	if s.free {
		panic(fmt.Sprintf("ohci: double free of ED %v", s.hw))
	}
	s.free = true
	s.next = nil
	p.freeEDs = append(p.freeEDs, s)
	p.liveEDs--
}

func (p *pool) allocTD() (*softTD, error) {
	if len(p.freeTDs) == 0 {
		r, err := p.grow(p.tdChunk, TDSize, TDAlign)
		if err != nil {
			return nil, err
		}
		for i := p.tdChunk - 1; i >= 0; i-- {
			p.freeTDs = append(p.freeTDs, &softTD{hw: tdRecord{record{r, i * TDSize}}, free: true})
		}
	}
	s := p.freeTDs[len(p.freeTDs)-1]
	p.freeTDs = p.freeTDs[:len(p.freeTDs)-1]
	s.hw.clear(TDSize)
	*s = softTD{hw: s.hw}
	p.liveTDs++
	return s, nil
}

func (p *pool) freeTD(s *softTD) {
	if s.free {
		panic(fmt.Sprintf("ohci: double free of TD %v", s.hw))
	}
	*s = softTD{hw: s.hw, free: true}
	p.freeTDs = append(p.freeTDs, s)
	p.liveTDs--
}

func (p *pool) allocITD() (*softITD, error) {
	if len(p.freeITDs) == 0 {
		r, err := p.grow(p.itdChunk, ITDSize, ITDAlign)
		if err != nil {
			return nil, err
		}
		for i := p.itdChunk - 1; i >= 0; i-- {
			p.freeITDs = append(p.freeITDs, &softITD{hw: itdRecord{record{r, i * ITDSize}}, free: true})
		}
	}
	s := p.freeITDs[len(p.freeITDs)-1]
	p.freeITDs = p.freeITDs[:len(p.freeITDs)-1]
	s.hw.clear(ITDSize)
	*s = softITD{hw: s.hw}
	p.liveITDs++
	return s, nil
}

func (p *pool) freeITD(s *softITD) {
	if s.free {
		panic(fmt.Sprintf("ohci: double free of ITD %v", s.hw))
	}
	*s = softITD{hw: s.hw, free: true}
	p.freeITDs = append(p.freeITDs, s)
	p.liveITDs--
}

func (p *pool) stats() PoolStats {
	return PoolStats{
		EDs:      p.liveEDs,
		TDs:      p.liveTDs,
		ITDs:     p.liveITDs,
		FreeEDs:  len(p.freeEDs),
		FreeTDs:  len(p.freeTDs),
		FreeITDs: len(p.freeITDs),
		Chunks:   len(p.chunks),
	}
}

// release returns every chunk to the DMA allocator. Shadows handed out
// earlier must not be used afterwards.
func (p *pool) release() {
	for _, r := range p.chunks {
		if err := p.mem.Free(r); err != nil {
			pkg.LogWarn(pkg.ComponentPool, "chunk free failed", "error", err)
		}
	}
	p.chunks = nil
	p.freeEDs, p.freeTDs, p.freeITDs = nil, nil, nil
	p.liveEDs, p.liveTDs, p.liveITDs = 0, 0, 0
}
