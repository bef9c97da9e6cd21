package emu

import (
	"encoding/binary"
	"sync"

	"github.com/ardnew/softohci/host/hal"
)

// Loopback endpoint addresses.
const (
	LoopbackBulkIn  = 0x81
	LoopbackBulkOut = 0x02
	LoopbackIntrIn  = 0x83
	LoopbackIsoIn   = 0x84
	LoopbackIsoOut  = 0x05
)

// Loopback packet sizes.
const (
	LoopbackEP0Size  = 64
	LoopbackBulkSize = 64
	LoopbackIntrSize = 8
	LoopbackIsoSize  = 192
)

// Loopback identification.
const (
	LoopbackVendorID     = 0x1209
	LoopbackProductID    = 0x5001
	LoopbackManufacturer = "softohci"
	LoopbackProduct      = "loopback"
)

// Vendor requests understood by the loopback function.
const (
	// VendorEcho stores the data stage of an OUT request and returns it
	// on the matching IN request.
	VendorEcho = 0x01

	// VendorStall always stalls.
	VendorStall = 0x02
)

const (
	reqGetStatus        = 0x00
	reqClearFeature     = 0x01
	reqSetAddress       = 0x05
	reqGetDescriptor    = 0x06
	reqGetConfiguration = 0x08
	reqSetConfiguration = 0x09

	descDevice = 0x01
	descConfig = 0x02
	descString = 0x03

	featureEndpointHalt = 0x00
)

type ctrlState struct {
	active bool
	in     bool
	setup  hal.SetupPacket
	reply  []byte
	off    int
	out    []byte
	stall  bool
}

// LoopbackStats counts the tokens a Loopback answered.
type LoopbackStats struct {
	Setups int
	Ins    int
	Outs   int
	NAKs   int
}

// Loopback is a simulated function with one endpoint of every transfer
// type. Bulk OUT data is queued and read back on bulk IN; interrupt IN
// returns queued reports; isochronous IN produces counting bytes and
// isochronous OUT records what it received.
type Loopback struct {
	speed hal.Speed

	mu      sync.Mutex
	addr    uint8
	pending int // address applied after the status stage, -1 when none
	config  uint8
	ctrl    ctrlState
	echo    []byte
	fifo    []byte
	reports [][]byte
	halted  map[uint8]bool
	naks    map[uint8]int
	isoIn   int
	isoSeq  byte
	isoOut  [][]byte
	stats   LoopbackStats
}

// NewLoopback creates a loopback function signalling speed.
func NewLoopback(speed hal.Speed) *Loopback {
	return &Loopback{
		speed:   speed,
		pending: -1,
		halted:  make(map[uint8]bool),
		naks:    make(map[uint8]int),
		isoIn:   LoopbackIsoSize,
	}
}

// Speed implements Device.
func (d *Loopback) Speed() hal.Speed { return d.speed }

// Reset implements Device.
func (d *Loopback) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addr = 0
	d.pending = -1
	d.config = 0
	d.ctrl = ctrlState{}
	d.halted = make(map[uint8]bool)
}

// Address returns the function's current address.
func (d *Loopback) Address() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Configuration returns the selected configuration value.
func (d *Loopback) Configuration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Stats returns token counters.
func (d *Loopback) Stats() LoopbackStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Halt makes endpoint ep stall until CLEAR_FEATURE(ENDPOINT_HALT).
func (d *Loopback) Halt(ep uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted[ep] = true
}

// Halted reports whether ep is halted.
func (d *Loopback) Halted(ep uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted[ep]
}

// NAK makes the next n tokens to ep answer NAK.
func (d *Loopback) NAK(ep uint8, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.naks[ep] = n
}

// QueueReport queues an interrupt IN report.
func (d *Loopback) QueueReport(r []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reports = append(d.reports, append([]byte(nil), r...))
}

// Fill queues data for bulk IN as if it had been written to bulk OUT.
func (d *Loopback) Fill(p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fifo = append(d.fifo, p...)
}

// Buffered returns how many bulk bytes wait to be read.
func (d *Loopback) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fifo)
}

// SetIsoInSize sets how many bytes each isochronous IN frame returns.
func (d *Loopback) SetIsoInSize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isoIn = n
}

// IsoReceived returns the isochronous OUT packets received so far.
func (d *Loopback) IsoReceived() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.isoOut...)
}

// DeviceDescriptor returns the loopback device descriptor.
func (d *Loopback) DeviceDescriptor() []byte {
	return []byte{
		18, descDevice,
		0x10, 0x01, // bcdUSB 1.1
		0xff, 0x00, 0x00, // vendor specific
		LoopbackEP0Size,
		0x09, 0x12, // idVendor
		0x01, 0x50, // idProduct
		0x00, 0x01, // bcdDevice
		1, 2, 0, // iManufacturer, iProduct, iSerialNumber
		1,
	}
}

// ConfigDescriptor returns the full configuration descriptor set.
func (d *Loopback) ConfigDescriptor() []byte {
	eps := []struct {
		addr, attr uint8
		maxp       uint16
		interval   uint8
	}{
		{LoopbackBulkIn, 0x02, LoopbackBulkSize, 0},
		{LoopbackBulkOut, 0x02, LoopbackBulkSize, 0},
		{LoopbackIntrIn, 0x03, LoopbackIntrSize, 8},
		{LoopbackIsoIn, 0x01, LoopbackIsoSize, 1},
		{LoopbackIsoOut, 0x01, LoopbackIsoSize, 1},
	}
	total := 9 + 9 + 7*len(eps)
	b := make([]byte, 0, total)
	b = append(b, 9, descConfig, byte(total), byte(total>>8), 1, 1, 0, 0xc0, 0)
	b = append(b, 9, 0x04, 0, 0, byte(len(eps)), 0xff, 0, 0, 0)
	for _, ep := range eps {
		b = append(b, 7, 0x05, ep.addr, ep.attr, byte(ep.maxp), byte(ep.maxp>>8), ep.interval)
	}
	return b
}

func (d *Loopback) mine(t Token) bool {
	return t.Addr == d.addr
}

func (d *Loopback) nak(ep uint8) bool {
	if d.naks[ep] > 0 {
		d.naks[ep]--
		d.stats.NAKs++
		return true
	}
	return false
}

// Setup implements Device.
func (d *Loopback) Setup(t Token, pkt []byte) Handshake {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.mine(t) || t.Endpoint != 0 {
		return HandshakeNone
	}
	d.stats.Setups++
	var s hal.SetupPacket
	if !hal.ParseSetupPacket(pkt, &s) {
		return HandshakeNone
	}
	d.ctrl = ctrlState{active: true, in: s.RequestType&0x80 != 0, setup: s}
	d.request()
	return HandshakeACK
}

// request prepares the reply of the current control request.
func (d *Loopback) request() {
	c := &d.ctrl
	s := c.setup
	switch {
	case s.RequestType == 0x80 && s.Request == reqGetDescriptor:
		switch s.Value >> 8 {
		case descDevice:
			c.reply = d.DeviceDescriptor()
		case descConfig:
			c.reply = d.ConfigDescriptor()
		case descString:
			switch s.Value & 0xff {
			case 0:
				c.reply = []byte{4, descString, 0x09, 0x04}
			case 1:
				c.reply = stringDescriptor(LoopbackManufacturer)
			case 2:
				c.reply = stringDescriptor(LoopbackProduct)
			default:
				c.stall = true
			}
		default:
			c.stall = true
		}
	case s.RequestType == 0x00 && s.Request == reqSetAddress:
		d.pending = int(s.Value & 0x7f)
	case s.RequestType == 0x00 && s.Request == reqSetConfiguration:
		if s.Value > 1 {
			c.stall = true
		}
	case s.RequestType == 0x80 && s.Request == reqGetConfiguration:
		c.reply = []byte{d.config}
	case s.RequestType == 0x80 && s.Request == reqGetStatus:
		c.reply = []byte{0x01, 0x00}
	case s.RequestType == 0x82 && s.Request == reqGetStatus:
		var st byte
		if d.halted[uint8(s.Index)] {
			st = 1
		}
		c.reply = []byte{st, 0}
	case s.RequestType == 0x02 && s.Request == reqClearFeature && s.Value == featureEndpointHalt:
	case s.RequestType == 0xc0 && s.Request == VendorEcho:
		c.reply = append([]byte(nil), d.echo...)
	case s.RequestType == 0x40 && s.Request == VendorEcho:
	case s.Request == VendorStall && s.RequestType&0x60 == 0x40:
		c.stall = true
	default:
		c.stall = true
	}
	if len(c.reply) > int(s.Length) {
		c.reply = c.reply[:s.Length]
	}
}

// complete applies the side effects of a request whose status stage
// just finished.
func (d *Loopback) complete() {
	c := &d.ctrl
	s := c.setup
	switch {
	case s.RequestType == 0x00 && s.Request == reqSetAddress:
		d.addr = uint8(d.pending)
		d.pending = -1
	case s.RequestType == 0x00 && s.Request == reqSetConfiguration:
		d.config = uint8(s.Value)
	case s.RequestType == 0x02 && s.Request == reqClearFeature:
		delete(d.halted, uint8(s.Index))
	case s.RequestType == 0x40 && s.Request == VendorEcho:
		d.echo = append([]byte(nil), c.out...)
	}
	*c = ctrlState{}
}

// In implements Device.
func (d *Loopback) In(t Token, max int) ([]byte, Handshake) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.mine(t) {
		return nil, HandshakeNone
	}
	d.stats.Ins++
	ep := t.Endpoint | 0x80
	if t.Endpoint == 0 {
		return d.ctrlIn(max)
	}
	if d.halted[ep] {
		return nil, HandshakeStall
	}
	if d.nak(ep) {
		return nil, HandshakeNAK
	}
	switch ep {
	case LoopbackBulkIn:
		if len(d.fifo) == 0 {
			d.stats.NAKs++
			return nil, HandshakeNAK
		}
		n := min(max, len(d.fifo))
		p := append([]byte(nil), d.fifo[:n]...)
		d.fifo = d.fifo[n:]
		return p, HandshakeACK
	case LoopbackIntrIn:
		if len(d.reports) == 0 {
			d.stats.NAKs++
			return nil, HandshakeNAK
		}
		r := d.reports[0]
		d.reports = d.reports[1:]
		return r, HandshakeACK
	case LoopbackIsoIn:
		n := min(max, d.isoIn)
		p := make([]byte, n)
		for i := range p {
			p[i] = d.isoSeq
			d.isoSeq++
		}
		return p, HandshakeACK
	}
	return nil, HandshakeStall
}

func (d *Loopback) ctrlIn(max int) ([]byte, Handshake) {
	c := &d.ctrl
	if !c.active || c.stall {
		return nil, HandshakeStall
	}
	if !c.in || (c.setup.Length == 0) {
		// status stage of an OUT or no-data request
		d.complete()
		return nil, HandshakeACK
	}
	n := min(max, len(c.reply)-c.off)
	p := append([]byte(nil), c.reply[c.off:c.off+n]...)
	c.off += n
	return p, HandshakeACK
}

// Out implements Device.
func (d *Loopback) Out(t Token, data []byte) Handshake {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.mine(t) {
		return HandshakeNone
	}
	d.stats.Outs++
	ep := t.Endpoint
	if ep == 0 {
		c := &d.ctrl
		if !c.active || c.stall {
			return HandshakeStall
		}
		if c.in || c.setup.Length == 0 {
			// status stage of an IN request
			d.complete()
			return HandshakeACK
		}
		c.out = append(c.out, data...)
		return HandshakeACK
	}
	if d.halted[ep] {
		return HandshakeStall
	}
	if d.nak(ep) {
		return HandshakeNAK
	}
	switch ep {
	case LoopbackBulkOut:
		d.fifo = append(d.fifo, data...)
		return HandshakeACK
	case LoopbackIsoOut:
		d.isoOut = append(d.isoOut, append([]byte(nil), data...))
		return HandshakeACK
	}
	return HandshakeStall
}

func stringDescriptor(s string) []byte {
	b := make([]byte, 2+2*len(s))
	b[0] = byte(len(b))
	b[1] = descString
	for i, r := range s {
		binary.LittleEndian.PutUint16(b[2+2*i:], uint16(r))
	}
	return b
}
