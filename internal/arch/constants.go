package arch

// Canonical high-half bases: kernel high-half layout is fixed at boot.
// Each collaborator gets its own distinct canonical-high region so the
// VMM never has to reason about overlap between them.
const (
	HHDMBase        uint64 = 0xFFFF_8000_0000_0000
	MMIOBase        uint64 = 0xFFFF_8800_0000_0000
	VMMMetadataBase uint64 = 0xFFFF_9000_0000_0000
	KernelHeapBase  uint64 = 0xFFFF_9800_0000_0000
	KernelImageBase uint64 = 0xFFFF_FFFF_8000_0000
)

// PageMask covers the low 12 bits plus the non-canonical high bits, used
// for strict alignment checks.
const PageMask uint64 = 0xFFFF_0000_0000_0FFF
