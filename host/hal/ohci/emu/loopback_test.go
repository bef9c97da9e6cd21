package emu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softohci/host/hal"
)

func setupBytes(s hal.SetupPacket) []byte {
	b := make([]byte, hal.SetupPacketSize)
	s.MarshalTo(b)
	return b
}

// controlIn runs an IN control request against d at addr and returns the
// data stage.
func controlIn(t *testing.T, d *Loopback, addr uint8, s hal.SetupPacket) ([]byte, Handshake) {
	t.Helper()
	tok := Token{Addr: addr}
	require.Equal(t, HandshakeACK, d.Setup(tok, setupBytes(s)))
	var data []byte
	for len(data) < int(s.Length) {
		p, hs := d.In(tok, LoopbackEP0Size)
		if hs != HandshakeACK {
			return data, hs
		}
		data = append(data, p...)
		if len(p) < LoopbackEP0Size {
			break
		}
	}
	return data, d.Out(tok, nil)
}

// controlOut runs an OUT control request with an optional data stage.
func controlOut(t *testing.T, d *Loopback, addr uint8, s hal.SetupPacket, data []byte) Handshake {
	t.Helper()
	tok := Token{Addr: addr}
	require.Equal(t, HandshakeACK, d.Setup(tok, setupBytes(s)))
	if len(data) > 0 {
		if hs := d.Out(tok, data); hs != HandshakeACK {
			return hs
		}
	}
	_, hs := d.In(tok, 0)
	return hs
}

// =============================================================================
// Control Endpoint Tests
// =============================================================================

func TestLoopback_GetDeviceDescriptor(t *testing.T) {
	d := NewLoopback(hal.SpeedFull)
	data, hs := controlIn(t, d, 0, hal.SetupPacket{
		RequestType: 0x80, Request: reqGetDescriptor, Value: descDevice << 8, Length: 18,
	})
	require.Equal(t, HandshakeACK, hs)
	assert.Equal(t, d.DeviceDescriptor(), data)
	assert.Equal(t, byte(LoopbackEP0Size), data[7])
}

func TestLoopback_DescriptorTruncatedToLength(t *testing.T) {
	d := NewLoopback(hal.SpeedFull)
	data, hs := controlIn(t, d, 0, hal.SetupPacket{
		RequestType: 0x80, Request: reqGetDescriptor, Value: descConfig << 8, Length: 9,
	})
	require.Equal(t, HandshakeACK, hs)
	assert.Equal(t, d.ConfigDescriptor()[:9], data)
	total := int(data[2]) | int(data[3])<<8
	assert.Equal(t, len(d.ConfigDescriptor()), total)
}

func TestLoopback_SetAddressAppliesAfterStatus(t *testing.T) {
	d := NewLoopback(hal.SpeedFull)
	tok := Token{}
	require.Equal(t, HandshakeACK, d.Setup(tok, setupBytes(hal.SetupPacket{Request: reqSetAddress, Value: 5})))
	assert.Equal(t, uint8(0), d.Address(), "address changes only after the status stage")

	_, hs := d.In(tok, 0)
	require.Equal(t, HandshakeACK, hs)
	assert.Equal(t, uint8(5), d.Address())

	_, hs = d.In(Token{Addr: 0, Endpoint: 1}, 8)
	assert.Equal(t, HandshakeNone, hs, "old address no longer answers")
}

func TestLoopback_SetConfiguration(t *testing.T) {
	d := NewLoopback(hal.SpeedFull)
	assert.Equal(t, HandshakeACK, controlOut(t, d, 0, hal.SetupPacket{Request: reqSetConfiguration, Value: 1}, nil))
	assert.Equal(t, uint8(1), d.Configuration())

	assert.Equal(t, HandshakeStall, controlOut(t, d, 0, hal.SetupPacket{Request: reqSetConfiguration, Value: 7}, nil))
	assert.Equal(t, uint8(1), d.Configuration())
}

func TestLoopback_VendorEcho(t *testing.T) {
	d := NewLoopback(hal.SpeedFull)
	msg := []byte("hello")
	require.Equal(t, HandshakeACK, controlOut(t, d, 0,
		hal.SetupPacket{RequestType: 0x40, Request: VendorEcho, Length: uint16(len(msg))}, msg))

	data, hs := controlIn(t, d, 0, hal.SetupPacket{RequestType: 0xc0, Request: VendorEcho, Length: 64})
	require.Equal(t, HandshakeACK, hs)
	assert.Equal(t, msg, data)
}

func TestLoopback_VendorStall(t *testing.T) {
	d := NewLoopback(hal.SpeedFull)
	tok := Token{}
	require.Equal(t, HandshakeACK, d.Setup(tok, setupBytes(hal.SetupPacket{RequestType: 0xc0, Request: VendorStall, Length: 4})))
	_, hs := d.In(tok, 64)
	assert.Equal(t, HandshakeStall, hs)

	// A new SETUP always clears a protocol stall.
	require.Equal(t, HandshakeACK, d.Setup(tok, setupBytes(hal.SetupPacket{Request: reqSetConfiguration, Value: 1})))
	_, hs = d.In(tok, 0)
	assert.Equal(t, HandshakeACK, hs)
}

func TestLoopback_StringDescriptors(t *testing.T) {
	d := NewLoopback(hal.SpeedFull)
	data, hs := controlIn(t, d, 0, hal.SetupPacket{
		RequestType: 0x80, Request: reqGetDescriptor, Value: descString<<8 | 2, Index: 0x0409, Length: 255,
	})
	require.Equal(t, HandshakeACK, hs)
	assert.Equal(t, stringDescriptor(LoopbackProduct), data)
}

// =============================================================================
// Data Endpoint Tests
// =============================================================================

func TestLoopback_BulkLoop(t *testing.T) {
	d := NewLoopback(hal.SpeedFull)
	out := Token{Endpoint: LoopbackBulkOut}
	in := Token{Endpoint: LoopbackBulkIn & 0x0f}

	_, hs := d.In(in, 64)
	assert.Equal(t, HandshakeNAK, hs, "empty fifo")

	require.Equal(t, HandshakeACK, d.Out(out, []byte{1, 2, 3}))
	require.Equal(t, HandshakeACK, d.Out(out, []byte{4, 5}))
	assert.Equal(t, 5, d.Buffered())

	p, hs := d.In(in, 4)
	require.Equal(t, HandshakeACK, hs)
	assert.Equal(t, []byte{1, 2, 3, 4}, p)
	p, _ = d.In(in, 4)
	assert.Equal(t, []byte{5}, p)
}

func TestLoopback_HaltAndClear(t *testing.T) {
	d := NewLoopback(hal.SpeedFull)
	d.Halt(LoopbackBulkIn)
	_, hs := d.In(Token{Endpoint: 1}, 64)
	assert.Equal(t, HandshakeStall, hs)

	require.Equal(t, HandshakeACK, controlOut(t, d, 0, hal.SetupPacket{
		RequestType: 0x02, Request: reqClearFeature, Value: featureEndpointHalt, Index: LoopbackBulkIn,
	}, nil))
	assert.False(t, d.Halted(LoopbackBulkIn))
}

func TestLoopback_NAKCount(t *testing.T) {
	d := NewLoopback(hal.SpeedFull)
	d.NAK(LoopbackBulkOut, 2)
	tok := Token{Endpoint: LoopbackBulkOut}
	assert.Equal(t, HandshakeNAK, d.Out(tok, []byte{1}))
	assert.Equal(t, HandshakeNAK, d.Out(tok, []byte{1}))
	assert.Equal(t, HandshakeACK, d.Out(tok, []byte{1}))
	assert.Equal(t, 2, d.Stats().NAKs)
}

func TestLoopback_InterruptReports(t *testing.T) {
	d := NewLoopback(hal.SpeedFull)
	tok := Token{Endpoint: LoopbackIntrIn & 0x0f}
	_, hs := d.In(tok, LoopbackIntrSize)
	assert.Equal(t, HandshakeNAK, hs)

	d.QueueReport([]byte{0xaa, 0xbb})
	p, hs := d.In(tok, LoopbackIntrSize)
	require.Equal(t, HandshakeACK, hs)
	assert.Equal(t, []byte{0xaa, 0xbb}, p)
}

func TestLoopback_Isochronous(t *testing.T) {
	d := NewLoopback(hal.SpeedFull)
	d.SetIsoInSize(3)
	in := Token{Endpoint: LoopbackIsoIn & 0x0f, Iso: true}

	p, hs := d.In(in, LoopbackIsoSize)
	require.Equal(t, HandshakeACK, hs)
	assert.Equal(t, []byte{0, 1, 2}, p)
	p, _ = d.In(in, 2)
	assert.Equal(t, []byte{3, 4}, p)

	out := Token{Endpoint: LoopbackIsoOut, Iso: true}
	require.Equal(t, HandshakeACK, d.Out(out, []byte{9, 8}))
	assert.Equal(t, [][]byte{{9, 8}}, d.IsoReceived())
}

func TestLoopback_WrongAddressIgnored(t *testing.T) {
	d := NewLoopback(hal.SpeedFull)
	assert.Equal(t, HandshakeNone, d.Setup(Token{Addr: 3}, setupBytes(hal.SetupPacket{})))
	assert.Equal(t, HandshakeNone, d.Out(Token{Addr: 3, Endpoint: 2}, nil))
}

func TestLoopback_ResetClearsState(t *testing.T) {
	d := NewLoopback(hal.SpeedFull)
	d.addr = 4
	d.config = 1
	d.Halt(LoopbackBulkIn)

	d.Reset()
	assert.Equal(t, uint8(0), d.Address())
	assert.Equal(t, uint8(0), d.Configuration())
	assert.False(t, d.Halted(LoopbackBulkIn))
}

func TestHandshake_String(t *testing.T) {
	assert.Equal(t, "ACK", HandshakeACK.String())
	assert.Equal(t, "NAK", HandshakeNAK.String())
	assert.Equal(t, "STALL", HandshakeStall.String())
	assert.Equal(t, "none", HandshakeNone.String())
}
