// Package acpi parses the Multiple APIC Description Table (MADT) handed
// to the kernel at boot: a slice of APIC structs serialized with
// encoding/binary on the producing side, walked back into structs here
// entry by entry, using the Type/Length pair every MADT entry starts
// with to know where the next one begins.
package acpi

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	TypeLocalAPIC uint8 = iota
	TypeIOAPIC
	TypeInterruptSourceOverride
)

var ErrTruncated = errors.New("acpi: MADT entry truncated")

// LocalAPIC names one logical CPU's APIC ID, mirrored from gokvm's
// acpi.LocalAPIC, with Flags bit 0 meaning "enabled".
type LocalAPIC struct {
	Type        uint8
	Length      uint8
	ProcessorID uint8
	APICID      uint8
	Flags       uint32
}

// Enabled reports whether the firmware marked this CPU usable.
func (l LocalAPIC) Enabled() bool { return l.Flags&1 != 0 }

// IOAPIC names one I/O APIC and the base of the global system interrupt
// range it owns.
type IOAPIC struct {
	Type        uint8
	Length      uint8
	IOAPICID    uint8
	_           uint8
	APICAddress uint32
	GSIBase     uint32
}

// MADT is the parsed table: every local APIC (one per logical CPU) and
// I/O APIC entry found in the firmware-supplied bytes.
type MADT struct {
	LocalAPICAddress uint32
	Flags            uint32
	CPUs             []LocalAPIC
	IOAPICs          []IOAPIC
}

// ParseMADT decodes raw MADT entry bytes (the table body, past the
// generic ACPI header and the 4+4 byte local-APIC-address/flags
// prefix) into a MADT.
func ParseMADT(localAPICAddress, flags uint32, entries []byte) (*MADT, error) {
	m := &MADT{LocalAPICAddress: localAPICAddress, Flags: flags}

	r := &peekReader{bytes.NewReader(entries)}

	for r.Len() > 0 {
		if r.Len() < 2 {
			return nil, ErrTruncated
		}

		head, err := r.Peek2()
		if err != nil {
			return nil, err
		}

		entryType, length := head[0], head[1]
		if int(length) > r.Len() || length < 2 {
			return nil, ErrTruncated
		}

		raw := make([]byte, length)
		if _, err := r.Read(raw); err != nil {
			return nil, err
		}

		switch entryType {
		case TypeLocalAPIC:
			var cpu LocalAPIC
			if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &cpu); err != nil {
				return nil, err
			}

			m.CPUs = append(m.CPUs, cpu)

		case TypeIOAPIC:
			var ioapic IOAPIC
			if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ioapic); err != nil {
				return nil, err
			}

			m.IOAPICs = append(m.IOAPICs, ioapic)

		default:
			// Interrupt source overrides and anything newer are skipped;
			// SMP bring-up only needs CPU/IOAPIC entries.
		}
	}

	return m, nil
}

// peekReader is a tiny helper over bytes.Reader giving a 2-byte
// lookahead without consuming it, since the standard reader has no
// Peek.
type peekReader struct {
	*bytes.Reader
}

func (r *peekReader) Peek2() ([2]byte, error) {
	var out [2]byte

	pos, _ := r.Seek(0, 1)

	if _, err := r.Read(out[:]); err != nil {
		return out, err
	}

	_, _ = r.Seek(pos, 0)

	return out, nil
}
