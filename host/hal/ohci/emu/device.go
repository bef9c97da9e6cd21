package emu

import "github.com/ardnew/softohci/host/hal"

// Handshake is a function's answer to a token.
type Handshake int

// Handshakes.
const (
	HandshakeACK Handshake = iota
	HandshakeNAK
	HandshakeStall
	HandshakeNone // no response: wrong address, detached or broken
)

func (h Handshake) String() string {
	switch h {
	case HandshakeACK:
		return "ACK"
	case HandshakeNAK:
		return "NAK"
	case HandshakeStall:
		return "STALL"
	default:
		return "none"
	}
}

// Token addresses one packet to a function endpoint.
type Token struct {
	Addr     uint8
	Endpoint uint8
	Toggle   uint8
	Iso      bool
}

// Device is a simulated USB function attached to a root hub port. The
// emulator calls it from its frame goroutine, one packet at a time. Every
// enabled function at the packet's speed sees each token; a function must
// answer HandshakeNone without side effects to tokens for another address.
type Device interface {
	// Speed is the speed the function signals on attach.
	Speed() hal.Speed

	// Reset returns the function to the default state at address 0.
	Reset()

	// Setup delivers the eight bytes of a SETUP packet.
	Setup(t Token, pkt []byte) Handshake

	// In asks for at most max bytes.
	In(t Token, max int) ([]byte, Handshake)

	// Out delivers one data packet.
	Out(t Token, data []byte) Handshake
}
