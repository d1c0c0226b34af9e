// Package kernel is the top-level orchestrator: it wires the boot
// handoff record through the architecture layer, the physical and
// virtual memory managers, the kernel heap, ACPI table discovery, SMP
// bring-up, and the scheduler — one Init/Setup/Boot sequence for a
// single in-process kernel image with no hypervisor underneath it.
package kernel

import (
	"errors"
	"os"

	"github.com/jewelcodes/kiwi/internal/acpi"
	"github.com/jewelcodes/kiwi/internal/arch"
	"github.com/jewelcodes/kiwi/internal/arch/paging"
	"github.com/jewelcodes/kiwi/internal/bootinfo"
	"github.com/jewelcodes/kiwi/internal/debug"
	"github.com/jewelcodes/kiwi/internal/heap"
	"github.com/jewelcodes/kiwi/internal/pmm"
	"github.com/jewelcodes/kiwi/internal/sched"
	"github.com/jewelcodes/kiwi/internal/smp"
	"github.com/jewelcodes/kiwi/internal/vmm"
)

// heapInitialPages is how many pages the kernel heap's first block
// claims at boot, matching the size heap's own tests exercise.
const heapInitialPages = 16

// Kernel is every subsystem brought up at boot, wired together and held
// alive for the process's lifetime.
type Kernel struct {
	Debug    *debug.Channel
	Handoff  *bootinfo.Handoff
	PMM      *pmm.PMM
	Mapper   *paging.Mapper
	VAS      *vmm.VASpace
	Heap     *heap.Heap
	Tables   *acpi.Tables // nil if the handoff carries no ACPI RSDP
	Topology *smp.Topology
	Sched    *sched.Scheduler
}

// Boot brings up every subsystem from a parsed boot handoff record, in
// a fixed dependency order: architecture/PMM, then VMM, then heap, then
// ACPI/SMP, then scheduler.
// Any failure here is fatal per the error-handling policy for the boot
// path: log via the debug channel and return the error for the caller
// to treat as fatal (halt, in a real boot; os.Exit, in cmd/pulseio-style
// tooling) rather than attempting to continue in a half-initialized
// state.
func Boot(h *bootinfo.Handoff, log *os.File) (*Kernel, error) {
	dbg := debug.New(log)

	k := &Kernel{Debug: dbg, Handoff: h}

	p, err := pmm.New(h)
	if err != nil {
		dbg.Panicf(0, "pmm.New: %v", err)

		return nil, err
	}

	k.PMM = p

	k.Mapper = paging.New(p)

	vas, err := vmm.Init(p, k.Mapper, h.HighestAddress())
	if err != nil {
		dbg.Panicf(0, "vmm.Init: %v", err)

		return nil, err
	}

	k.VAS = vas

	hp, err := heap.New(vas, arch.KernelHeapBase, arch.KernelHeapBase+(1<<40), heapInitialPages)
	if err != nil {
		dbg.Panicf(0, "heap.New: %v", err)

		return nil, err
	}

	k.Heap = hp

	numCPUs := 1

	if h.ACPIRSDP != 0 {
		tables, topo, err := bringUpSMP(p, h)
		if err != nil {
			dbg.Errorf("SMP bring-up: %v", err)
		} else {
			k.Tables = tables
			k.Topology = topo
			numCPUs = topo.Len()
		}
	}

	k.Sched = sched.New(numCPUs)

	dbg.Infof("boot complete: %d CPU(s), heap base %#x", numCPUs, arch.KernelHeapBase)

	return k, nil
}

// bringUpSMP walks the ACPI table hierarchy rooted at the handoff's RSDP
// (read out of the PMM's RAM arena, the "physical memory" this engine
// models as a direct-mapped byte slice) and boots every AP the MADT
// names, the Go-side equivalent of Scenario B.
func bringUpSMP(p *pmm.PMM, h *bootinfo.Handoff) (*acpi.Tables, *smp.Topology, error) {
	ram := p.RAM()

	read := ramTableReader(ram)

	rsdpRaw, err := read(h.ACPIRSDP)
	if err != nil {
		return nil, nil, err
	}

	rsdp, err := acpi.ParseRSDP(rsdpRaw)
	if err != nil {
		return nil, nil, err
	}

	tables, err := acpi.Walk(rsdp, read)
	if err != nil {
		return nil, nil, err
	}

	if tables.MADT == nil {
		return tables, smp.Discover(&acpi.MADT{}, 0), nil
	}

	topo := smp.Discover(tables.MADT, bootstrapAPICID(tables.MADT))

	if err := topo.BootAll(func(cpu *smp.CPUInfo) {
		cpu.GDT = arch.BuildGDT()
		cpu.TSS = arch.NewTSS(0)
	}); err != nil {
		return tables, topo, err
	}

	return tables, topo, nil
}

// bootstrapAPICID returns the lowest enabled APIC ID, the same
// convention the firmware uses to mark "this is the CPU already
// running this code" in the absence of an explicit handoff field.
func bootstrapAPICID(m *acpi.MADT) uint8 {
	var lowest uint8 = 255

	for _, c := range m.CPUs {
		if c.Enabled() && c.APICID < lowest {
			lowest = c.APICID
		}
	}

	return lowest
}

// tableWindow bounds how much of the RAM arena ramTableReader hands
// back per table lookup: enough for any ACPI table this engine parses
// (MADT with a realistic CPU count, FADT, (X)RSDT), without reading the
// entire arena into a throwaway slice.
const tableWindow = 1 << 16

// ramTableReader builds an acpi.TableReader backed directly by a
// physical-RAM byte arena, since this engine's "hardware" ACPI tables
// live in the same direct-mapped []byte the PMM and paging.Mapper treat
// as physical memory rather than behind a real firmware MMIO window.
func ramTableReader(ram []byte) acpi.TableReader {
	return func(addr uint64) ([]byte, error) {
		if addr >= uint64(len(ram)) {
			return nil, errors.New("kernel: ACPI table address out of range")
		}

		end := addr + tableWindow
		if end > uint64(len(ram)) {
			end = uint64(len(ram))
		}

		return ram[addr:end], nil
	}
}
