// Package configspace implements the PCIe Type-0 configuration-space
// header: its binary layout, a YAML loader for populating one at startup,
// and the BAR size-probe write semantics a cfg0 write handler uses to let a
// requester discover and then set a BAR's base address.
package configspace

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HeaderLen is the size in bytes of a Type-0 configuration-space header.
const HeaderLen = 64

// Header is a PCIe Type-0 configuration-space header, laid out exactly as
// on the wire (§6): vendor/device ids, command/status, class info, six
// BARs, subsystem ids, the expansion ROM base, and the interrupt/latency
// fields.
type Header struct {
	VendorID      uint16 `yaml:"vendor_id"`
	DeviceID      uint16 `yaml:"device_id"`
	Command       uint16 `yaml:"command"`
	Status        uint16 `yaml:"status"`
	RevisionID    uint8  `yaml:"revision_id"`
	ClassCode     uint32 `yaml:"class_code"` // low 24 bits significant
	CacheLineSize uint8  `yaml:"cache_line_size"`
	LatencyTimer  uint8  `yaml:"latency_timer"`
	HeaderType    uint8  `yaml:"header_type"`
	BIST          uint8  `yaml:"bist"`

	BAR [6]uint32 `yaml:"-"` // not loaded from YAML; populated at runtime

	CardbusCISPointer        uint32 `yaml:"cardbus_cis_pointer"`
	SubsystemVendorID        uint16 `yaml:"subsystem_vendor_id"`
	SubsystemID              uint16 `yaml:"subsystem_id"`
	ExpansionROMBaseAddress  uint32 `yaml:"expansion_rom_base_address"`
	CapabilitiesPointer      uint8  `yaml:"capabilities_pointer"`
	InterruptLine            uint8  `yaml:"interrupt_line"`
	InterruptPin             uint8  `yaml:"interrupt_pin"`
	MinGnt                   uint8  `yaml:"min_gnt"`
	MaxLat                   uint8  `yaml:"max_lat"`

	// barSize holds the size registered for each BAR via RegisterBARSize,
	// used to interpret size-probe writes (all-ones) and to mask a
	// subsequent base-address write.
	barSize [6]uint32

	// barProbed marks a BAR as having just received a size-probe write, so
	// the next read returns the size mask instead of the base address.
	barProbed [6]bool
}

// Load reads a YAML configuration-space description from path and returns
// the populated Header. BAR contents are never read from YAML; callers
// register BAR sizes with RegisterBARSize and then drive writes through
// WriteBAR.
func Load(path string) (*Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configspace: reading %s: %w", path, err)
	}
	var h Header
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("configspace: parsing %s: %w", path, err)
	}
	return &h, nil
}

// RegisterBARSize declares the size of BAR idx, so that subsequent
// size-probe and base-address writes through WriteBAR are interpreted
// correctly. size must be a power of two.
func (h *Header) RegisterBARSize(idx int, size uint32) error {
	if idx < 0 || idx >= len(h.BAR) {
		return fmt.Errorf("configspace: BAR index %d out of range", idx)
	}
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("configspace: BAR size %d is not a power of two", size)
	}
	h.barSize[idx] = size
	return nil
}

// WriteBAR applies the size-probe / base-address write semantics of §6: a
// write of all-ones is a size probe and does not change the registered
// base; any other write sets the base to value masked down to the BAR's
// alignment.
func (h *Header) WriteBAR(idx int, value uint32) error {
	if idx < 0 || idx >= len(h.BAR) {
		return fmt.Errorf("configspace: BAR index %d out of range", idx)
	}
	if value == 0xffffffff {
		if h.barSize[idx] == 0 {
			return fmt.Errorf("configspace: BAR %d has no registered size", idx)
		}
		h.barProbed[idx] = true
		return nil
	}
	size := h.barSize[idx]
	if size == 0 {
		return fmt.Errorf("configspace: BAR %d has no registered size", idx)
	}
	h.barProbed[idx] = false
	h.BAR[idx] = value &^ (size - 1)
	return nil
}

// ReadBAR returns what a read of BAR idx should return: the size-probe
// response (two's complement of the size) immediately after a size-probe
// write, or the registered base address otherwise. This matches how a real
// Type-0 BAR answers the size-discovery sequence a requester performs
// before setting an address.
func (h *Header) ReadBAR(idx int) (uint32, error) {
	if idx < 0 || idx >= len(h.BAR) {
		return 0, fmt.Errorf("configspace: BAR index %d out of range", idx)
	}
	if h.barProbed[idx] {
		return ^(h.barSize[idx] - 1), nil
	}
	return h.BAR[idx], nil
}

// Bytes serializes the header to its 64-byte on-wire form.
func (h *Header) Bytes() []byte {
	buf := make([]byte, HeaderLen)
	putLE16(buf[0:2], h.VendorID)
	putLE16(buf[2:4], h.DeviceID)
	putLE16(buf[4:6], h.Command)
	putLE16(buf[6:8], h.Status)
	buf[8] = h.RevisionID
	buf[9] = byte(h.ClassCode)
	buf[10] = byte(h.ClassCode >> 8)
	buf[11] = byte(h.ClassCode >> 16)
	buf[12] = h.CacheLineSize
	buf[13] = h.LatencyTimer
	buf[14] = h.HeaderType
	buf[15] = h.BIST
	for i, bar := range h.BAR {
		putLE32(buf[16+i*4:20+i*4], bar)
	}
	putLE32(buf[40:44], h.CardbusCISPointer)
	putLE16(buf[44:46], h.SubsystemVendorID)
	putLE16(buf[46:48], h.SubsystemID)
	putLE32(buf[48:52], h.ExpansionROMBaseAddress)
	buf[52] = h.CapabilitiesPointer
	// bytes 53-59 reserved
	buf[60] = h.InterruptLine
	buf[61] = h.InterruptPin
	buf[62] = h.MinGnt
	buf[63] = h.MaxLat
	return buf
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
