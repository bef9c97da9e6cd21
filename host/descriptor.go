package host

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softohci/host/hal"
)

// Device states as defined in USB 2.0 specification.
const (
	DeviceStateDetached   DeviceState = 0 // Device is not connected
	DeviceStateDefault    DeviceState = 1 // Device has been reset, at address 0
	DeviceStateAddress    DeviceState = 2 // Device has been assigned an address
	DeviceStateConfigured DeviceState = 3 // Device is configured
)

// DeviceState represents USB device state (from host perspective).
type DeviceState uint8

// String returns a human-readable state description.
func (s DeviceState) String() string {
	switch s {
	case DeviceStateDetached:
		return "Detached"
	case DeviceStateDefault:
		return "Default"
	case DeviceStateAddress:
		return "Address"
	case DeviceStateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

const (
	// MaxDevices is the maximum number of devices on the bus.
	MaxDevices = 127

	// MaxDescriptorSize bounds the configuration descriptor set read
	// during enumeration.
	MaxDescriptorSize = 512
)

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// Request types (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00 // Standard request
	RequestTypeVendor    = 0x40 // Vendor-specific request
	RequestTypeDevice    = 0x00 // Recipient: device
	RequestTypeInterface = 0x01 // Recipient: interface
	RequestTypeEndpoint  = 0x02 // Recipient: endpoint
)

// FeatureEndpointHalt is the ENDPOINT_HALT feature selector.
const FeatureEndpointHalt = 0x00

// LangIDUSEnglish is the default language ID.
const LangIDUSEnglish = 0x0409

// DeviceDescriptor represents a USB device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the size of a device descriptor.
const DeviceDescriptorSize = 18

// ParseDeviceDescriptor parses a device descriptor from data.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) bool {
	if len(data) < DeviceDescriptorSize || data[1] != DescriptorTypeDevice {
		return false
	}
	*out = DeviceDescriptor{
		USBVersion:        binary.LittleEndian.Uint16(data[2:]),
		DeviceClass:       data[4],
		DeviceSubClass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          binary.LittleEndian.Uint16(data[8:]),
		ProductID:         binary.LittleEndian.Uint16(data[10:]),
		DeviceVersion:     binary.LittleEndian.Uint16(data[12:]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}
	return true
}

// ConfigurationDescriptor represents a USB configuration descriptor.
type ConfigurationDescriptor struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ConfigurationDescriptorSize is the size of a configuration descriptor header.
const ConfigurationDescriptorSize = 9

// ParseConfigurationDescriptor parses a configuration descriptor header.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) bool {
	if len(data) < ConfigurationDescriptorSize || data[1] != DescriptorTypeConfiguration {
		return false
	}
	*out = ConfigurationDescriptor{
		TotalLength:        binary.LittleEndian.Uint16(data[2:]),
		NumInterfaces:      data[4],
		ConfigurationValue: data[5],
		ConfigurationIndex: data[6],
		Attributes:         data[7],
		MaxPower:           data[8],
	}
	return true
}

// InterfaceDescriptor represents a USB interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the size of an interface descriptor.
const InterfaceDescriptorSize = 9

// ParseInterfaceDescriptor parses an interface descriptor.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) bool {
	if len(data) < InterfaceDescriptorSize || data[1] != DescriptorTypeInterface {
		return false
	}
	*out = InterfaceDescriptor{
		InterfaceNumber:   data[2],
		AlternateSetting:  data[3],
		NumEndpoints:      data[4],
		InterfaceClass:    data[5],
		InterfaceSubClass: data[6],
		InterfaceProtocol: data[7],
		InterfaceIndex:    data[8],
	}
	return true
}

// EndpointDescriptorSize is the size of an endpoint descriptor.
const EndpointDescriptorSize = 7

// ParseEndpointDescriptor parses an endpoint descriptor into the form the
// HAL opens pipes with.
func ParseEndpointDescriptor(data []byte, out *hal.EndpointDescriptor) bool {
	if len(data) < EndpointDescriptorSize || data[1] != DescriptorTypeEndpoint {
		return false
	}
	*out = hal.EndpointDescriptor{
		Address:       data[2],
		Attributes:    data[3],
		MaxPacketSize: binary.LittleEndian.Uint16(data[4:]),
		Interval:      data[6],
	}
	return true
}

// Configuration is a parsed configuration descriptor set.
type Configuration struct {
	ConfigurationDescriptor
	Interfaces []InterfaceDescriptor
	Endpoints  []hal.EndpointDescriptor

	// Extra holds class and vendor descriptors in the order they appeared.
	Extra [][]byte
}

// ParseConfiguration walks a full configuration descriptor set.
func ParseConfiguration(data []byte) (Configuration, error) {
	var cfg Configuration
	if !ParseConfigurationDescriptor(data, &cfg.ConfigurationDescriptor) {
		return cfg, fmt.Errorf("%w: configuration header", ErrMalformedDescriptor)
	}
	end := min(len(data), int(cfg.TotalLength))
	for off := int(data[0]); off < end; {
		if off+2 > end {
			return cfg, fmt.Errorf("%w: truncated at offset %d", ErrMalformedDescriptor, off)
		}
		n := int(data[off])
		if n < 2 || off+n > end {
			return cfg, fmt.Errorf("%w: length %d at offset %d", ErrMalformedDescriptor, n, off)
		}
		d := data[off : off+n]
		switch d[1] {
		case DescriptorTypeInterface:
			var iface InterfaceDescriptor
			if !ParseInterfaceDescriptor(d, &iface) {
				return cfg, fmt.Errorf("%w: interface at offset %d", ErrMalformedDescriptor, off)
			}
			cfg.Interfaces = append(cfg.Interfaces, iface)
		case DescriptorTypeEndpoint:
			var ep hal.EndpointDescriptor
			if !ParseEndpointDescriptor(d, &ep) {
				return cfg, fmt.Errorf("%w: endpoint at offset %d", ErrMalformedDescriptor, off)
			}
			cfg.Endpoints = append(cfg.Endpoints, ep)
		default:
			cfg.Extra = append(cfg.Extra, append([]byte(nil), d...))
		}
		off += n
	}
	return cfg, nil
}

// ParseString decodes a UTF-16LE string descriptor.
func ParseString(data []byte) (string, bool) {
	if len(data) < 2 || data[1] != DescriptorTypeString {
		return "", false
	}
	n := max(2, min(int(data[0]), len(data)))
	r := make([]rune, 0, (n-2)/2)
	for i := 2; i+1 < n; i += 2 {
		r = append(r, rune(binary.LittleEndian.Uint16(data[i:])))
	}
	return string(r), true
}
