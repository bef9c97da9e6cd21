package ohci

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/dma"
)

// fakeRegs is a register block that never schedules anything. Tests play
// the controller's part by editing descriptors and raising status bits.
type fakeRegs struct {
	mu     sync.Mutex
	r      map[uint32]uint32
	writes map[uint32]int
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{
		r: map[uint32]uint32{
			RegRevision:      Revision10,
			RegFmInterval:    FmDefaultFI,
			RegRhDescriptorA: 2,
		},
		writes: make(map[uint32]int),
	}
}

func (f *fakeRegs) Read32(off uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.r[off]
}

func (f *fakeRegs) Write32(off, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[off]++
	switch off {
	case RegCommandStatus:
		// commands complete at once
	case RegInterruptStatus:
		f.r[off] &^= v
	case RegInterruptEnable:
		f.r[off] |= v
	case RegInterruptDisable:
		f.r[RegInterruptEnable] &^= v
	default:
		f.r[off] = v
	}
}

func (f *fakeRegs) raise(bits uint32) {
	f.mu.Lock()
	f.r[RegInterruptStatus] |= bits
	f.mu.Unlock()
}

func (f *fakeRegs) count(off uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[off]
}

func newFakeController(t *testing.T) (*Controller, *fakeRegs, *dma.Arena) {
	t.Helper()
	regs := newFakeRegs()
	mem := dma.NewArena(dma.DefaultBase, 1<<20)
	c := New(regs, mem, WithResetDelays(0, 0, 0), WithSettle(0, 0), WithChunks(8, 8, 8))
	require.NoError(t, c.Init(context.Background()))
	return c, regs, mem
}

func openFake(t *testing.T, c *Controller, ep hal.EndpointDescriptor) *Pipe {
	t.Helper()
	p, err := c.OpenPipe(PipeConfig{Address: 1, Endpoint: ep, Speed: hal.SpeedFull})
	require.NoError(t, err)
	return p
}

var (
	fakeBulkOut = hal.EndpointDescriptor{Address: 0x02, Attributes: 0x02, MaxPacketSize: 64}
	fakeBulkIn  = hal.EndpointDescriptor{Address: 0x81, Attributes: 0x02, MaxPacketSize: 64}
	fakeIntrIn  = hal.EndpointDescriptor{Address: 0x83, Attributes: 0x03, MaxPacketSize: 8, Interval: 10}
)

// retire plays the controller retiring td with cc, leaving left bytes
// untransferred.
func retire(td *softTD, cc CompletionCode, left int) {
	f := td.hw.flags()&^TDCCMask | uint32(cc)<<TDCCShift
	td.hw.setFlags(f)
	if left == 0 {
		td.hw.setCBP(0)
	} else {
		td.hw.setCBP(td.hw.be() - uint32(left) + 1)
	}
}

// publish hands a done list to the driver the way the controller does.
func publish(c *Controller, regs *fakeRegs, tds ...*softTD) {
	var head uint32
	for _, td := range tds {
		td.hw.setNext(head)
		head = td.phys()
	}
	c.hcca.store(HCCADoneHead, head)
	regs.raise(IntrWDH)
}
