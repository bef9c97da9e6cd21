package ohci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/pkg"
)

func newTestSchedule(t *testing.T) (*schedule, *pool, hccaRecord) {
	t.Helper()
	p, mem := newTestPool(t, 0, 0, 0)
	r, err := mem.Alloc(HCCASize, HCCAAlign)
	require.NoError(t, err)
	hcca := hccaRecord{record{r, 0}}
	s := &schedule{}
	require.NoError(t, s.build(p, hcca))
	return s, p, hcca
}

// =============================================================================
// Tree Construction Tests
// =============================================================================

func TestRevbits(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 0}, {1, 16}, {2, 8}, {3, 24}, {4, 4}, {5, 20}, {16, 1}, {30, 15}, {31, 31},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, revbits(tt.in), "revbits(%d)", tt.in)
	}

	seen := map[int]bool{}
	for i := 0; i < NumIntrs; i++ {
		seen[revbits(i)] = true
	}
	assert.Len(t, seen, NumIntrs, "revbits is a permutation")
}

func TestSchedule_BuildLinksTree(t *testing.T) {
	s, p, _ := newTestSchedule(t)

	assert.Equal(t, numTreeEDs+3, p.stats().EDs)
	assert.Same(t, s.isoc, s.tree[0].next)
	assert.Equal(t, s.isoc.phys(), s.tree[0].hw.next())
	for i := 1; i < numTreeEDs; i++ {
		parent := s.tree[(i-1)/2]
		assert.Same(t, parent, s.tree[i].next, "node %d", i)
		assert.Equal(t, parent.phys(), s.tree[i].hw.next(), "node %d", i)
	}
	for _, sed := range append(s.tree[:], s.ctrl, s.bulk, s.isoc) {
		assert.True(t, sed.hw.skipped(), "list heads are never processed")
	}
}

func TestSchedule_BuildFillsInterruptTable(t *testing.T) {
	s, _, hcca := newTestSchedule(t)

	for i := 0; i < NumIntrs; i++ {
		assert.Equal(t, s.tree[numTreeEDs-NumIntrs+i].phys(), hcca.intrEntry(revbits(i)), "leaf %d", i)
	}

	// Every frame walks one node per period before reaching the
	// isochronous list.
	for i := 0; i < NumIntrs; i++ {
		hops := 0
		for sed := s.tree[numTreeEDs-NumIntrs+i]; sed != s.isoc; sed = sed.next {
			hops++
		}
		assert.Equal(t, 6, hops, "leaf %d", i)
	}
}

func TestSchedule_Free(t *testing.T) {
	s, p, _ := newTestSchedule(t)
	s.free(p)
	assert.Zero(t, p.stats().EDs)
	assert.Nil(t, s.ctrl)
	assert.Nil(t, s.tree[0])
}

// =============================================================================
// List Maintenance Tests
// =============================================================================

func TestSchedule_InsertRemove(t *testing.T) {
	s, p, _ := newTestSchedule(t)
	a, err := p.allocED()
	require.NoError(t, err)
	b, err := p.allocED()
	require.NoError(t, err)

	s.insert(a, s.ctrl)
	s.insert(b, s.ctrl)
	assert.Same(t, b, s.ctrl.next)
	assert.Same(t, a, b.next)
	assert.Equal(t, b.phys(), s.ctrl.hw.next())
	assert.Equal(t, a.phys(), b.hw.next())
	assert.True(t, s.linked(a, s.ctrl))
	assert.False(t, s.linked(a, s.bulk))

	s.remove(a, s.ctrl)
	assert.Nil(t, b.next)
	assert.Zero(t, b.hw.next())
	assert.False(t, s.linked(a, s.ctrl))

	s.remove(b, s.ctrl)
	assert.Nil(t, s.ctrl.next)
	assert.Zero(t, s.ctrl.hw.next())
}

func TestSchedule_InsertIntoTreeKeepsPath(t *testing.T) {
	s, p, _ := newTestSchedule(t)
	ed, err := p.allocED()
	require.NoError(t, err)

	node := s.tree[7]
	parent := node.next
	s.insert(ed, node)
	assert.Same(t, parent, ed.next, "endpoint forwards to the node's parent")
	assert.Equal(t, parent.phys(), ed.hw.next())

	s.remove(ed, node)
	assert.Same(t, parent, node.next)
	assert.Equal(t, parent.phys(), node.hw.next())
}

func TestSchedule_RemoveMissingPanics(t *testing.T) {
	s, p, _ := newTestSchedule(t)
	ed, err := p.allocED()
	require.NoError(t, err)
	assert.Panics(t, func() { s.remove(ed, s.bulk) })
}

// =============================================================================
// Bandwidth Balancing Tests
// =============================================================================

func TestSchedule_ChooseSlotQuantizesInterval(t *testing.T) {
	tests := []struct {
		interval int
		pos      int
		period   int
		nslots   int
	}{
		{1, 0, 1, 32},
		{2, 1, 2, 16},
		{3, 1, 2, 16},
		{8, 7, 8, 4},
		{10, 7, 8, 4},
		{31, 15, 16, 2},
		{32, 31, 32, 1},
		{255, 31, 32, 1},
	}
	for _, tt := range tests {
		s := &schedule{}
		sl, err := s.chooseSlot(tt.interval)
		require.NoError(t, err)
		assert.Equal(t, slot{pos: tt.pos, nslots: tt.nslots, period: tt.period}, sl, "interval %d", tt.interval)
	}
}

func TestSchedule_ChooseSlotRejectsZero(t *testing.T) {
	s := &schedule{}
	_, err := s.chooseSlot(0)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
	_, err = s.chooseSlot(-4)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestSchedule_ChooseSlotBalances(t *testing.T) {
	s := &schedule{}

	first, err := s.chooseSlot(8)
	require.NoError(t, err)
	s.commit(first, 64)

	second, err := s.chooseSlot(8)
	require.NoError(t, err)
	assert.NotEqual(t, first.pos, second.pos, "loaded node is avoided")
	assert.Equal(t, 8, second.pos, "ties go to the lowest index")
	s.commit(second, 8)

	// A 32 ms endpoint lands on a frame slot neither 8 ms endpoint uses.
	leaf, err := s.chooseSlot(32)
	require.NoError(t, err)
	for j := 0; j < first.nslots; j++ {
		assert.NotEqual(t, (first.pos*first.nslots+j)%NumIntrs, leaf.pos%NumIntrs)
		assert.NotEqual(t, (second.pos*second.nslots+j)%NumIntrs, leaf.pos%NumIntrs)
	}
}

func TestSchedule_ChooseSlotSpreadsEqualPeriods(t *testing.T) {
	s := &schedule{}
	seen := make(map[int]bool)
	for i := 0; i < 4; i++ {
		sl, err := s.chooseSlot(8)
		require.NoError(t, err)
		assert.False(t, seen[sl.pos], "anchor %d reused", sl.pos)
		seen[sl.pos] = true
		s.commit(sl, 8)
	}
	assert.Len(t, seen, 4)
}

func TestSchedule_CommitAndRelease(t *testing.T) {
	s := &schedule{}
	sl := slot{pos: 3, nslots: 8, period: 4}

	s.commit(sl, 16)
	total := 0
	for _, bw := range s.bws {
		total += bw
	}
	assert.Equal(t, 16*8, total)
	assert.Equal(t, 16, s.bws[24])
	assert.Equal(t, 16, s.bws[31])

	s.commit(sl, -16)
	assert.Equal(t, [NumIntrs]int{}, s.bws)
}

func TestSchedule_Snapshot(t *testing.T) {
	s, p, _ := newTestSchedule(t)
	ed, err := p.allocED()
	require.NoError(t, err)

	sl, err := s.chooseSlot(16)
	require.NoError(t, err)
	s.insert(ed, s.tree[sl.pos])
	s.commit(sl, 8)

	snap := s.snapshot()
	assert.Equal(t, 1, snap.Endpoints[sl.pos])
	total := 0
	for i, n := range snap.Endpoints {
		total += n
		if i != sl.pos {
			assert.Zero(t, n, "node %d", i)
		}
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, 8, snap.Bandwidth[(sl.pos*sl.nslots)%NumIntrs])
}

func TestSchedule_HCCAIsDMAResident(t *testing.T) {
	_, _, hcca := newTestSchedule(t)
	assert.Zero(t, hcca.phys()%HCCAAlign)
	assert.GreaterOrEqual(t, hcca.phys(), dma.DefaultBase)
}
