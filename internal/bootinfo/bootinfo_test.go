package bootinfo

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func encode(t *testing.T, h rawHeader) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		t.Fatalf("encode: %v", err)
	}

	return buf.Bytes()
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	raw := rawHeader{
		Magic:             Magic,
		Revision:          1,
		FirmwareType:      uint8(FirmwareUEFI),
		LowestFreeAddress: 0x0020_0000,
		ACPIRSDP:          0xdead0000,
	}
	copy(raw.CommandLine[:], "console=ttyS0")

	entries := []MemoryMapEntry{
		{Base: 0, Length: 0x0800_0000, Type: MemoryUsable},
		{Base: 0x0800_0000, Length: 0x1000, Type: MemoryReserved},
	}

	h, err := Parse(encode(t, raw), entries)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if h.CommandLine != "console=ttyS0" {
		t.Errorf("CommandLine = %q, want %q", h.CommandLine, "console=ttyS0")
	}

	if h.FirmwareType != FirmwareUEFI {
		t.Errorf("FirmwareType = %v, want UEFI", h.FirmwareType)
	}

	if got := h.HighestAddress(); got != 0x0800_1000 {
		t.Errorf("HighestAddress() = %#x, want %#x", got, 0x0800_1000)
	}

	if len(h.UsableRanges()) != 1 {
		t.Errorf("UsableRanges() len = %d, want 1", len(h.UsableRanges()))
	}
}

func TestParseBadMagic(t *testing.T) {
	t.Parallel()

	raw := rawHeader{Magic: 0xffffffff}
	if _, err := Parse(encode(t, raw), nil); err != ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestParseUnaligned(t *testing.T) {
	t.Parallel()

	raw := rawHeader{Magic: Magic, LowestFreeAddress: 0x1001}
	if _, err := Parse(encode(t, raw), nil); err != ErrNotPageAlign {
		t.Fatalf("err = %v, want ErrNotPageAlign", err)
	}
}

func TestParseOverlapping(t *testing.T) {
	t.Parallel()

	raw := rawHeader{Magic: Magic}
	entries := []MemoryMapEntry{
		{Base: 0, Length: 0x2000, Type: MemoryUsable},
		{Base: 0x1000, Length: 0x2000, Type: MemoryUsable},
	}

	if _, err := Parse(encode(t, raw), entries); err != ErrOverlapping {
		t.Fatalf("err = %v, want ErrOverlapping", err)
	}
}
