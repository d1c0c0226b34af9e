package acpi

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func encodeLocalAPIC(t *testing.T, l LocalAPIC) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, l); err != nil {
		t.Fatalf("encode LocalAPIC: %v", err)
	}

	return buf.Bytes()
}

func encodeIOAPIC(t *testing.T, i IOAPIC) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, i); err != nil {
		t.Fatalf("encode IOAPIC: %v", err)
	}

	return buf.Bytes()
}

func TestParseMADT(t *testing.T) {
	t.Parallel()

	var entries bytes.Buffer

	entries.Write(encodeLocalAPIC(t, LocalAPIC{Type: TypeLocalAPIC, Length: 8, ProcessorID: 0, APICID: 0, Flags: 1}))
	entries.Write(encodeLocalAPIC(t, LocalAPIC{Type: TypeLocalAPIC, Length: 8, ProcessorID: 1, APICID: 1, Flags: 1}))
	entries.Write(encodeIOAPIC(t, IOAPIC{Type: TypeIOAPIC, Length: 12, IOAPICID: 0, APICAddress: 0xFEC0_0000, GSIBase: 0}))

	madt, err := ParseMADT(0xFEE0_0000, 0, entries.Bytes())
	if err != nil {
		t.Fatalf("ParseMADT: %v", err)
	}

	if len(madt.CPUs) != 2 {
		t.Fatalf("CPUs = %d, want 2", len(madt.CPUs))
	}

	if !madt.CPUs[0].Enabled() || !madt.CPUs[1].Enabled() {
		t.Fatal("expected both CPUs enabled")
	}

	if len(madt.IOAPICs) != 1 || madt.IOAPICs[0].APICAddress != 0xFEC0_0000 {
		t.Fatalf("IOAPICs = %+v", madt.IOAPICs)
	}
}

func TestParseMADTTruncated(t *testing.T) {
	t.Parallel()

	if _, err := ParseMADT(0, 0, []byte{TypeLocalAPIC, 8, 0}); err == nil {
		t.Fatal("expected error on truncated entry")
	}
}
