// Package smp brings up the secondary processors (APs) discovered in the
// ACPI MADT and tracks their per-CPU state: one goroutine per CPU,
// coordinated with a sync.WaitGroup, standing in for one goroutine per
// vCPU thread. Here the "CPU" being brought up is simulated entirely in
// Go — there is no real INIT-SIPI-SIPI sequence to send, just an entry
// function to run on its own goroutine once its private stack and
// GDT/IDT/TSS state exist.
package smp

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jewelcodes/kiwi/internal/acpi"
	"github.com/jewelcodes/kiwi/internal/arch"
)

var ErrAlreadyStarted = errors.New("smp: AP already started")

// CPUInfo is one logical CPU's bring-up state.
type CPUInfo struct {
	APICID      uint8
	IsBootstrap bool

	GDT arch.GDT
	TSS *arch.TSS
	IDT arch.IDT
	CR3 uint64

	started atomic.Bool
	done    chan struct{}
}

// Started reports whether this CPU's entry function has begun running.
func (c *CPUInfo) Started() bool { return c.started.Load() }

// Topology is the set of CPUs discovered from the MADT, in MADT order.
type Topology struct {
	mu   sync.Mutex
	cpus []*CPUInfo
}

// Discover builds a Topology from a parsed MADT's enabled CPUs, in MADT
// order, with the bootstrap processor (the CPU this code is already
// running on) marked.
func Discover(madt *acpi.MADT, bootstrapAPICID uint8) *Topology {
	t := &Topology{}

	for _, c := range madt.CPUs {
		if !c.Enabled() {
			continue
		}

		cpu := &CPUInfo{
			APICID:      c.APICID,
			IsBootstrap: c.APICID == bootstrapAPICID,
			done:        make(chan struct{}),
		}

		// The bootstrap processor is already running this code by the
		// time Discover is called; it never goes through StartAP, so
		// nothing else would ever mark it started.
		if cpu.IsBootstrap {
			cpu.started.Store(true)
		}

		t.cpus = append(t.cpus, cpu)
	}

	return t
}

// CPUs returns every discovered CPU, bootstrap included.
func (t *Topology) CPUs() []*CPUInfo { return t.cpus }

// Len returns the number of discovered CPUs.
func (t *Topology) Len() int { return len(t.cpus) }

// StartAP launches entry on its own goroutine standing in for cpu coming
// up, signalling wg.Done when entry returns. entry receives cpu so it
// can build its own per-CPU GDT/TSS/IDT before doing any real work.
func (t *Topology) StartAP(cpu *CPUInfo, wg *sync.WaitGroup, entry func(*CPUInfo)) error {
	if cpu.IsBootstrap {
		return errors.New("smp: cannot StartAP the bootstrap processor")
	}

	if !cpu.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		defer close(cpu.done)

		entry(cpu)
	}()

	return nil
}

// BootAll starts every non-bootstrap CPU with entry and waits for all of
// them to finish (Scenario B: every discovered AP comes up exactly
// once).
func (t *Topology) BootAll(entry func(*CPUInfo)) error {
	var wg sync.WaitGroup

	for _, cpu := range t.cpus {
		if cpu.IsBootstrap {
			continue
		}

		if err := t.StartAP(cpu, &wg, entry); err != nil {
			return err
		}
	}

	wg.Wait()

	return nil
}
