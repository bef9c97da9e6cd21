package hal

import "encoding/binary"

// Speed is the signalling rate of an attached device.
type Speed uint8

const (
	SpeedUnknown Speed = iota // nothing attached
	SpeedLow                  // 1.5 Mbit/s
	SpeedFull                 // 12 Mbit/s
	SpeedHigh                 // 480 Mbit/s, never seen on an OHCI port
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// Hub class wPortStatus and wPortChange bits.
const (
	portConnection  = 1 << 0
	portEnable      = 1 << 1
	portSuspend     = 1 << 2
	portOverCurrent = 1 << 3
	portReset       = 1 << 4
	portPower       = 1 << 8
	portLowSpeed    = 1 << 9
)

// PortStatus is the decoded state of one root hub port.
type PortStatus struct {
	Connected   bool
	Enabled     bool
	Suspended   bool
	OverCurrent bool
	Reset       bool // reset signalling in progress
	PowerOn     bool
	Speed       Speed

	ConnectChange bool
	EnableChange  bool
	ResetChange   bool // reset finished
}

// PortStatusFromHub decodes the status and change words a hub returns
// for GET_STATUS on a port.
func PortStatusFromHub(status, change uint16) PortStatus {
	ps := PortStatus{
		Connected:     status&portConnection != 0,
		Enabled:       status&portEnable != 0,
		Suspended:     status&portSuspend != 0,
		OverCurrent:   status&portOverCurrent != 0,
		Reset:         status&portReset != 0,
		PowerOn:       status&portPower != 0,
		ConnectChange: change&portConnection != 0,
		EnableChange:  change&portEnable != 0,
		ResetChange:   change&portReset != 0,
	}
	switch {
	case !ps.Connected:
		ps.Speed = SpeedUnknown
	case status&portLowSpeed != 0:
		ps.Speed = SpeedLow
	default:
		ps.Speed = SpeedFull
	}
	return ps
}

// SetupPacketSize is the length of a SETUP stage on the wire.
const SetupPacketSize = 8

// SetupPacket is the eight-byte request that opens a control transfer.
type SetupPacket struct {
	RequestType uint8 // bmRequestType; bit 7 set for device-to-host
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16 // bytes in the data stage
}

// ParseSetupPacket decodes the first eight bytes of data into out. It
// reports false when data is shorter than a SETUP packet.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	*out = SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:]),
		Index:       binary.LittleEndian.Uint16(data[4:]),
		Length:      binary.LittleEndian.Uint16(data[6:]),
	}
	return true
}

// MarshalTo encodes s into buf and returns SetupPacketSize, or 0 when buf
// cannot hold it.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:], s.Value)
	binary.LittleEndian.PutUint16(buf[4:], s.Index)
	binary.LittleEndian.PutUint16(buf[6:], s.Length)
	return SetupPacketSize
}

// IsIn reports whether the request has a device-to-host data stage.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// TransferType is the bmAttributes transfer type of an endpoint.
type TransferType uint8

const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	default:
		return "interrupt"
	}
}

// EndpointDescriptor carries the fields of an endpoint descriptor a
// controller needs to open a pipe.
type EndpointDescriptor struct {
	Address       uint8 // number in bits 3:0, bit 7 set for IN
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8 // bInterval, in frames at full and low speed
}

// Number returns the endpoint number.
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn reports whether data flows from the device to the host.
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&0x80 != 0
}

func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// DefaultControlEndpoint returns endpoint zero with the given packet size.
func DefaultControlEndpoint(maxPacket uint16) EndpointDescriptor {
	return EndpointDescriptor{MaxPacketSize: maxPacket}
}

// DeviceAddress is a bus address. Zero is the default address a device
// answers on after reset.
type DeviceAddress uint8

// MaxDeviceAddress is the highest address SET_ADDRESS can assign.
const MaxDeviceAddress DeviceAddress = 127

// Assignable reports whether a can be given to a device with SET_ADDRESS.
func (a DeviceAddress) Assignable() bool {
	return a != 0 && a <= MaxDeviceAddress
}
