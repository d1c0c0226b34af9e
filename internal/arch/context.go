// Package arch is the architecture layer: page-table mapper
// (see the paging subpackage), CPU feature probe, GDT/IDT/TSS layout,
// MSR/CR3 access, atomic primitives and the per-thread register image.
//
// None of this talks to real silicon — Go cannot run in ring 0 without
// hand-written assembly — so every register file and control register
// here is an explicit Go struct the rest of the engine reads and writes,
// modeling guest CPU state as plain structs (RAX..R15, RIP, RFLAGS,
// CS/SS) instead of a real register file.
package arch

// Context is the per-thread architecture context, a machine-context
// record: a general-purpose register image plus the segment selectors
// and flags needed to resume a thread (RAX..R15, RIP, RFLAGS, CS/SS),
// exactly the register set a thread_create-style context switch needs
// to populate.
type Context struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI           uint64
	RBP, RSP           uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP                uint64
	RFLAGS             uint64

	CS, SS uint16
	CR3    uint64
}

// Selector values for the GDT entries built in gdt.go.
const (
	SelectorNull       uint16 = 0x00
	SelectorKernelCode uint16 = 0x08
	SelectorKernelData uint16 = 0x10
	SelectorUserData   uint16 = 0x18 | 3
	SelectorUserCode   uint16 = 0x20 | 3
	SelectorTSS        uint16 = 0x28
)

// RFlagsDefault is the flags value new threads start with: interrupts
// enabled plus the reserved bit 1.
const RFlagsDefault uint64 = 0x202

// NewContext builds the machine-context record thread_create installs
// for a freshly created thread: rip = start, rdi = arg, rflags = 0x202,
// rsp at the top of the given stack, cs/ss selecting user or kernel
// mode.
func NewContext(user bool, start, arg, stackTop, cr3 uint64) Context {
	cs, ss := SelectorKernelCode, SelectorKernelData
	if user {
		cs, ss = SelectorUserCode, SelectorUserData
	}

	return Context{
		RDI:    arg,
		RIP:    start,
		RSP:    stackTop,
		RFLAGS: RFlagsDefault,
		CS:     cs,
		SS:     ss,
		CR3:    cr3,
	}
}
