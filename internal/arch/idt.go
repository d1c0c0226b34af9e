package arch

// IDTGate is one 16-byte interrupt-gate descriptor.
type IDTGate struct {
	OffsetLow  uint16
	Selector   uint16
	ISTIndex   uint8
	TypeAttr   uint8
	OffsetMid  uint16
	OffsetHigh uint32
	_          uint32
}

// IDT is the 256-entry interrupt descriptor table.
type IDT [256]IDTGate

const (
	gatePresent      uint8 = 1 << 7
	gateTypeInterrupt uint8 = 0xE
	gateRing3        uint8 = 3 << 5
)

// Install writes vector's gate: handler address, code selector, and
// whether the gate is reachable from user mode (the DPL=3 bit used by
// syscall-style software interrupts).
func (t *IDT) Install(vector uint8, handler uint64, codeSelector uint16, userAccessible bool, ist uint8) {
	attr := gatePresent | gateTypeInterrupt
	if userAccessible {
		attr |= gateRing3
	}

	t[vector] = IDTGate{
		OffsetLow:  uint16(handler),
		Selector:   codeSelector,
		ISTIndex:   ist,
		TypeAttr:   attr,
		OffsetMid:  uint16(handler >> 16),
		OffsetHigh: uint32(handler >> 32),
	}
}

// Vectors used by the LAPIC.
const (
	VectorLAPICTimer uint8 = 0xFE
	VectorSpurious   uint8 = 0xFF
)
