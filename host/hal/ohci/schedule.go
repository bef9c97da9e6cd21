package ohci

import (
	"fmt"
	"math/bits"

	"github.com/ardnew/softohci/pkg"
)

// numTreeEDs is the number of dummy EDs forming the interrupt tree: one
// per anchor at each polling period 1, 2, 4, 8, 16 and 32 ms.
const numTreeEDs = 2*NumIntrs - 1

// revbits returns i with its low five bits reversed. Feeding the HCCA
// interrupt table in bit-reversed order spreads consecutive frames across
// the tree.
func revbits(i int) int {
	return int(bits.Reverse8(uint8(i)) >> 3)
}

// schedule holds the list heads the controller walks. All heads are dummy
// EDs with the skip flag set, so inserting after a head never needs to
// touch a controller register.
type schedule struct {
	ctrl *softED
	bulk *softED
	isoc *softED
	tree [numTreeEDs]*softED

	// bws is the committed bandwidth per frame slot, in bytes per frame.
	bws [NumIntrs]int
}

func newDummyED(p *pool) (*softED, error) {
	s, err := p.allocED()
	if err != nil {
		return nil, err
	}
	s.hw.setFlags(EDSkip)
	return s, nil
}

// build allocates the list heads and links the interrupt tree. Node i
// feeds node (i-1)/2 and node 0 feeds the isochronous head, so every
// periodic path ends in the isochronous list.
func (s *schedule) build(p *pool, hcca hccaRecord) error {
	var err error
	if s.ctrl, err = newDummyED(p); err != nil {
		return err
	}
	if s.bulk, err = newDummyED(p); err != nil {
		return err
	}
	if s.isoc, err = newDummyED(p); err != nil {
		return err
	}
	for i := range s.tree {
		sed, err := newDummyED(p)
		if err != nil {
			return err
		}
		parent := s.isoc
		if i > 0 {
			parent = s.tree[(i-1)/2]
		}
		sed.next = parent
		sed.hw.setNext(parent.phys())
		s.tree[i] = sed
	}
	for i := 0; i < NumIntrs; i++ {
		hcca.setIntrEntry(revbits(i), s.tree[numTreeEDs-NumIntrs+i].phys())
	}
	return nil
}

// insert links sed directly after head. The new ED's link is written
// before the head's, so the controller always sees a complete list.
func (s *schedule) insert(sed, head *softED) {
	sed.next = head.next
	sed.hw.setNext(head.hw.next())
	head.next = sed
	head.hw.setNext(sed.phys())
}

// remove unlinks sed from the list starting at head. The controller may
// still hold sed until the next frame; the caller must settle before
// freeing it.
func (s *schedule) remove(sed, head *softED) {
	p := head
	for p.next != nil && p.next != sed {
		p = p.next
	}
	if p.next == nil {
		panic(fmt.Sprintf("ohci: ED %v not on list %v", sed.hw, head.hw))
	}
	p.next = sed.next
	p.hw.setNext(sed.hw.next())
	sed.next = nil
}

// linked reports whether sed is reachable from head.
func (s *schedule) linked(sed, head *softED) bool {
	for p := head.next; p != nil; p = p.next {
		if p == sed {
			return true
		}
	}
	return false
}

// slot is a placement in the interrupt tree.
type slot struct {
	pos    int // tree node index
	nslots int // frame slots the node serves
	period int // polling period in frames
}

// chooseSlot quantizes interval down to a supported period and picks the
// node at that period with the least committed bandwidth. Ties go to the
// lowest index. Intervals above the largest period are clamped to it.
func (s *schedule) chooseSlot(interval int) (slot, error) {
	if interval <= 0 {
		return slot{}, fmt.Errorf("%w: interrupt interval %d", pkg.ErrInvalidParameter, interval)
	}
	npoll := NumIntrs
	for npoll > interval {
		npoll /= 2
	}
	lo := npoll - 1
	hi := lo + npoll
	nslots := NumIntrs / npoll

	best, bestbw := lo, -1
	for i := lo; i < hi; i++ {
		bw := 0
		for j := 0; j < nslots; j++ {
			bw += s.bws[(i*nslots+j)%NumIntrs]
		}
		if bestbw < 0 || bw < bestbw {
			best, bestbw = i, bw
		}
	}
	return slot{pos: best, nslots: nslots, period: npoll}, nil
}

// commit adds bw bytes per frame to every frame slot sl serves. A
// negative bw releases it.
func (s *schedule) commit(sl slot, bw int) {
	for j := 0; j < sl.nslots; j++ {
		s.bws[(sl.pos*sl.nslots+j)%NumIntrs] += bw
	}
}

// ScheduleSnapshot is a copy of the interrupt schedule load.
type ScheduleSnapshot struct {
	Bandwidth [NumIntrs]int // committed bytes per frame slot
	Endpoints [numTreeEDs]int
}

func (s *schedule) snapshot() ScheduleSnapshot {
	var snap ScheduleSnapshot
	snap.Bandwidth = s.bws
	for i, node := range s.tree {
		for p := node.next; p != nil && !s.isTreeNode(p); p = p.next {
			snap.Endpoints[i]++
		}
	}
	return snap
}

func (s *schedule) isTreeNode(sed *softED) bool {
	if sed == s.isoc {
		return true
	}
	for _, n := range s.tree {
		if n == sed {
			return true
		}
	}
	return false
}

// free returns the list heads and tree to the pool.
func (s *schedule) free(p *pool) {
	for i, sed := range s.tree {
		if sed != nil {
			p.freeED(sed)
			s.tree[i] = nil
		}
	}
	for _, sed := range []*softED{s.ctrl, s.bulk, s.isoc} {
		if sed != nil {
			p.freeED(sed)
		}
	}
	s.ctrl, s.bulk, s.isoc = nil, nil, nil
}
