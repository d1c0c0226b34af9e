package arch

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble decodes the single x86-64 instruction at the start of code
// and returns its GNU-syntax text and encoded length. Used for VMM
// page-fault diagnostics: it runs over bytes read back out of the PMM's
// RAM arena rather than over a trapped CPU's live instruction stream,
// since nothing in this engine traps a real CPU.
func Disassemble(code []byte) (text string, length int, err error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", 0, fmt.Errorf("arch: disassemble: %w", err)
	}

	return x86asm.GNUSyntax(inst, 0, nil), inst.Len, nil
}
