package acpi

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var (
	ErrBadRSDPSignature = errors.New("acpi: bad RSDP signature")
	ErrBadTableChecksum = errors.New("acpi: table checksum mismatch")
	ErrShortTable       = errors.New("acpi: table shorter than its header claims")
)

// rsdpSignature is the 8-byte "RSD PTR " signature every RSDP opens
// with, unaligned and easy to confuse with the 4-byte table signatures
// every other structure here uses.
var rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

// RSDP is the Root System Description Pointer, the handoff record the
// boot-time firmware hands the kernel instead of a fixed physical
// address: everything else in the table hierarchy is reached by
// following RsdtAddress (32-bit, ACPI 1.0) or XsdtAddress (64-bit, ACPI
// 2.0+) from here.
type RSDP struct {
	Signature   [8]byte
	Checksum    uint8
	OEMID       [6]byte
	Revision    uint8
	RsdtAddress uint32

	// ACPI 2.0+ extended fields.
	Length           uint32
	XsdtAddress      uint64
	ExtendedChecksum uint8
	_                [3]byte
}

// ParseRSDP decodes the fixed 36-byte RSDP structure (the ACPI 2.0+
// layout; on an ACPI 1.0 system the fields past RsdtAddress read as
// zero).
func ParseRSDP(raw []byte) (*RSDP, error) {
	if len(raw) < 20 {
		return nil, ErrShortTable
	}

	var r RSDP

	buf := raw
	if len(buf) < 36 {
		buf = append(append([]byte{}, raw...), make([]byte, 36-len(raw))...)
	}

	if err := binary.Read(bytes.NewReader(buf[:36]), binary.LittleEndian, &r); err != nil {
		return nil, err
	}

	if r.Signature != rsdpSignature {
		return nil, ErrBadRSDPSignature
	}

	return &r, nil
}

// UsesXSDT reports whether this RSDP points at a 64-bit XSDT rather than
// a 32-bit RSDT.
func (r *RSDP) UsesXSDT() bool { return r.Revision >= 2 && r.XsdtAddress != 0 }

// Header is the generic System Description Table Header every ACPI
// table (MADT, FADT, (X)RSDT, ...) opens with, the parsing counterpart
// of a builder-side Header that writes the same layout out for a guest.
type Header struct {
	Signature  [4]byte
	Length     uint32
	Revision   uint8
	Checksum   uint8
	OEMID      [6]byte
	OEMTableID [8]byte
	OEMRev     uint32
	CreatorID  [4]byte
	CreatorRev uint32
}

const headerSize = 36

// ParseHeader decodes the leading 36-byte header of raw and validates
// the whole-table byte checksum.
func ParseHeader(raw []byte) (Header, error) {
	var h Header

	if len(raw) < headerSize {
		return h, ErrShortTable
	}

	if err := binary.Read(bytes.NewReader(raw[:headerSize]), binary.LittleEndian, &h); err != nil {
		return h, err
	}

	if int(h.Length) > len(raw) {
		return h, ErrShortTable
	}

	var sum uint8
	for _, b := range raw[:h.Length] {
		sum += b
	}

	if sum != 0 {
		return h, ErrBadTableChecksum
	}

	return h, nil
}

// RSDT/XSDT hold the same thing at two pointer widths: the rest of the
// ACPI table hierarchy, named by physical address.
type RSDT struct {
	Header
	Entries []uint32
}

type XSDT struct {
	Header
	Entries []uint64
}

// ParseRSDT decodes a 32-bit RSDT: the header plus a flat array of
// 4-byte table physical addresses.
func ParseRSDT(raw []byte) (*RSDT, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}

	body := raw[headerSize:h.Length]

	t := &RSDT{Header: h, Entries: make([]uint32, len(body)/4)}
	for i := range t.Entries {
		t.Entries[i] = binary.LittleEndian.Uint32(body[i*4:])
	}

	return t, nil
}

// ParseXSDT decodes a 64-bit XSDT: the header plus a flat array of
// 8-byte table physical addresses.
func ParseXSDT(raw []byte) (*XSDT, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}

	body := raw[headerSize:h.Length]

	t := &XSDT{Header: h, Entries: make([]uint64, len(body)/8)}
	for i := range t.Entries {
		t.Entries[i] = binary.LittleEndian.Uint64(body[i*8:])
	}

	return t, nil
}

// FADT is the Fixed ACPI Description Table, trimmed to the fields a
// kernel actually reads at boot (the power-management and SCI block
// addresses, the reset mechanism) rather than a full ACPI-6 builder
// struct, since this direction only needs to read them back, not author
// a complete table for a guest.
type FADT struct {
	Header
	FirmwareCtrl uint32
	DSDT         uint32
	_            uint8
	PreferredPM  uint8
	SCIInterrupt uint16
	SMICommand   uint32
	PM1aEvtBlock uint32
	PM1aCntBlock uint32
	PMTmrBlock   uint32
	PMTmrLength  uint8
}

// ParseFADT decodes an FADT, reading only the prefix this engine cares
// about; trailing ACPI-6 fields (the 64-bit X* block addresses, the
// hypervisor vendor ID) are left unparsed.
func ParseFADT(raw []byte) (*FADT, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}

	var f FADT

	f.Header = h

	body := raw[headerSize:]
	if len(body) < 76 {
		return nil, ErrShortTable
	}

	// FACS/DSDT pointers, then the power-management block addresses a
	// kernel actually programs; everything else in the ACPI-6 layout
	// between them is left unparsed.
	f.FirmwareCtrl = binary.LittleEndian.Uint32(body[0:4])
	f.DSDT = binary.LittleEndian.Uint32(body[4:8])
	f.PreferredPM = body[9]
	f.SCIInterrupt = binary.LittleEndian.Uint16(body[10:12])
	f.SMICommand = binary.LittleEndian.Uint32(body[12:16])
	f.PM1aEvtBlock = binary.LittleEndian.Uint32(body[20:24])
	f.PM1aCntBlock = binary.LittleEndian.Uint32(body[28:32])
	f.PMTmrBlock = binary.LittleEndian.Uint32(body[40:44])
	f.PMTmrLength = body[55]

	return &f, nil
}

// TableReader fetches the raw bytes of the ACPI table physically
// addressed at addr — backed by the guest's "physical RAM" byte arena
// in this engine, a real MMIO/firmware read on real hardware.
type TableReader func(addr uint64) ([]byte, error)

// Tables is every table Walk recognised while walking the RSDP/RSDT (or
// XSDT) hierarchy.
type Tables struct {
	MADT *MADT
	FADT *FADT
}

// Walk follows rsdp to its RSDT or XSDT and parses every table it names
// that this engine understands (MADT, FADT); unrecognised signatures are
// skipped, the same "skip what isn't needed yet" policy ParseMADT
// applies to unknown MADT entry types.
func Walk(rsdp *RSDP, read TableReader) (*Tables, error) {
	var entries []uint64

	if rsdp.UsesXSDT() {
		raw, err := read(rsdp.XsdtAddress)
		if err != nil {
			return nil, err
		}

		xsdt, err := ParseXSDT(raw)
		if err != nil {
			return nil, err
		}

		entries = xsdt.Entries
	} else {
		raw, err := read(uint64(rsdp.RsdtAddress))
		if err != nil {
			return nil, err
		}

		rsdt, err := ParseRSDT(raw)
		if err != nil {
			return nil, err
		}

		for _, e := range rsdt.Entries {
			entries = append(entries, uint64(e))
		}
	}

	out := &Tables{}

	for _, addr := range entries {
		raw, err := read(addr)
		if err != nil {
			return nil, err
		}

		h, err := ParseHeader(raw)
		if err != nil {
			return nil, err
		}

		switch string(h.Signature[:]) {
		case "APIC":
			madt, err := ParseMADT(binary.LittleEndian.Uint32(raw[headerSize:headerSize+4]),
				binary.LittleEndian.Uint32(raw[headerSize+4:headerSize+8]),
				raw[headerSize+8:h.Length])
			if err != nil {
				return nil, err
			}

			out.MADT = madt

		case "FACP":
			fadt, err := ParseFADT(raw)
			if err != nil {
				return nil, err
			}

			out.FADT = fadt
		}
	}

	return out, nil
}
