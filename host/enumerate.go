package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed   = errors.New("enumeration failed")
	ErrNoAddress           = errors.New("no address available")
	ErrMalformedDescriptor = errors.New("malformed descriptor")
)

// enumerate resets the device on port, moves it to a free address, reads
// its descriptors and selects its first configuration.
func (h *Host) enumerate(ctx context.Context, port int) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port)

	if err := h.hal.ResetPort(port); err != nil {
		return nil, err
	}
	dev := newDevice(h, port, h.hal.PortSpeed(port))

	// The first eight bytes carry bMaxPacketSize0.
	var buf [MaxDescriptorSize]byte
	if n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:8]); err != nil {
		return nil, err
	} else if n < 8 {
		return nil, fmt.Errorf("%w: short device descriptor (%d bytes)", ErrEnumerationFailed, n)
	}

	address := h.allocateAddress()
	if address == 0 {
		return nil, ErrNoAddress
	}
	if err := h.hal.SetDeviceAddress(ctx, hal.DeviceAddress(address)); err != nil {
		h.releaseAddress(address)
		return nil, err
	}
	dev.address = address
	dev.setState(DeviceStateAddress)
	pkg.LogDebug(pkg.ComponentHost, "assigned address", "port", port, "address", address)

	if err := h.readDescriptors(ctx, dev, buf[:]); err != nil {
		h.releaseAddress(address)
		return nil, err
	}
	if err := dev.SetConfiguration(ctx, dev.config.ConfigurationValue); err != nil {
		h.releaseAddress(address)
		return nil, err
	}
	return dev, nil
}

func (h *Host) readDescriptors(ctx context.Context, dev *Device, buf []byte) error {
	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return err
	}
	if !ParseDeviceDescriptor(buf[:n], &dev.descriptor) {
		return fmt.Errorf("%w: device descriptor", ErrMalformedDescriptor)
	}

	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return err
	}
	var hdr ConfigurationDescriptor
	if !ParseConfigurationDescriptor(buf[:n], &hdr) {
		return fmt.Errorf("%w: configuration header", ErrMalformedDescriptor)
	}
	total := min(int(hdr.TotalLength), len(buf))
	if n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:total]); err != nil {
		return err
	}
	if dev.config, err = ParseConfiguration(buf[:n]); err != nil {
		return err
	}

	for _, idx := range []uint8{
		dev.descriptor.ManufacturerIndex,
		dev.descriptor.ProductIndex,
		dev.descriptor.SerialNumberIndex,
	} {
		if idx == 0 {
			continue
		}
		n, err := dev.GetDescriptor(ctx, DescriptorTypeString, idx, LangIDUSEnglish, buf[:255])
		if err != nil {
			// Strings are optional.
			pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed", "index", idx, "error", err)
			continue
		}
		if s, ok := ParseString(buf[:n]); ok {
			dev.strings[idx] = s
		}
	}

	pkg.LogDebug(pkg.ComponentHost, "descriptors read",
		"address", dev.address,
		"vendor", fmt.Sprintf("0x%04x", dev.descriptor.VendorID),
		"product", fmt.Sprintf("0x%04x", dev.descriptor.ProductID),
		"endpoints", len(dev.config.Endpoints))
	return nil
}
