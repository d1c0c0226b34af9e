package arch

import (
	"runtime"
	"sync/atomic"
)

// Feature is a bit in the CPU feature probe's result, mirroring the
// CPUID-derived feature flags real hardware enumerates (SYSCALL,
// FSGSBASE, etc.).
type Feature uint64

const (
	FeatureFSGSBASE Feature = 1 << iota
	FeatureSYSCALL
	FeatureFFXSR
	FeatureInvariantTSC
)

// CPUFeatures is a simulated CPUID result: in production this would come
// from the `cpuid` instruction; here Probe supplies it, a plain Go
// function standing in for a leaf/subleaf query.
type CPUFeatures uint64

func (f CPUFeatures) Has(feat Feature) bool { return uint64(f)&uint64(feat) != 0 }

// DefaultFeatures is what Probe returns absent an override: every
// feature per-CPU init requires (FSGSBASE, SYSCALL/SYSRET, FFXSR) is
// present, so per-CPU bring-up succeeds by default.
const DefaultFeatures CPUFeatures = CPUFeatures(FeatureFSGSBASE | FeatureSYSCALL | FeatureFFXSR | FeatureInvariantTSC)

// Probe returns the simulated CPU's feature bits.
func Probe() CPUFeatures { return DefaultFeatures }

// MSR is a simulated model-specific-register file: one instance exists
// per logical CPU (wired to GS_BASE in real hardware). MSRs are modeled
// as plain fields on a struct, written directly by arch code rather than
// moved across an ioctl boundary.
type MSR struct {
	EFER           uint64
	GSBase         uint64
	KernelGSBase   uint64
	FSBase         uint64
}

// EFER bits used by per-CPU init.
const (
	EFER_SCE   uint64 = 1 << 0 // SYSCALL/SYSRET enable
	EFER_FFXSR uint64 = 1 << 14
)

// CR4 bits.
const CR4_FSGSBASE uint64 = 1 << 16

// CAS32 and CAS64 are the entire lock-free atomics surface the PMM and
// scheduler need: compare-and-swap on 32- and 64-bit words.
func CAS32(addr *uint32, old, new uint32) bool { return atomic.CompareAndSwapUint32(addr, old, new) }
func CAS64(addr *uint64, old, new uint64) bool { return atomic.CompareAndSwapUint64(addr, old, new) }

// SpinPause is a spin-wait hint for busy-retry loops.
// runtime.Gosched yields the goroutine's slice the way the `pause`
// instruction yields the CPU pipeline — the closest a userland process
// can get to the real hint.
func SpinPause() { runtime.Gosched() }
