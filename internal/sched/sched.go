// Package sched implements process/thread lifecycle and a work-stealing,
// priority-class scheduler: one Chase-Lev deque per CPU per priority
// class, the owning CPU pushing and popping its own ready threads while a
// CPU whose own queues are empty steals from the other CPUs' queues,
// visiting them in CPU order. The scheduler starts no goroutines of its
// own; callers drive it through Pick.
package sched

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jewelcodes/kiwi/internal/arch"
	"github.com/jewelcodes/kiwi/internal/bitmap"
	"github.com/jewelcodes/kiwi/internal/deque"
	"github.com/jewelcodes/kiwi/internal/vmm"
)

// Priority is a scheduling class in the range [0,5]; lower numbers run
// first. Six classes, one ready deque per CPU each.
type Priority int

const (
	PriorityRealtime Priority = iota
	PriorityHigh
	PriorityAboveNormal
	PriorityNormal
	PriorityBelowNormal
	PriorityBackground
	numPriorities
)

// PriorityDefault is the class a thread gets unless a caller picks one
// explicitly.
const PriorityDefault = PriorityNormal

const maxPIDs = 1 << 20

var (
	ErrNoFreePID  = errors.New("sched: no free PID")
	ErrBadPID     = errors.New("sched: PID out of range")
	ErrNoRunnable = errors.New("sched: no runnable thread")
)

// State is a thread's coarse run state.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateExited
)

// Thread is one schedulable unit of execution within a Process.
type Thread struct {
	TID      uint64
	Priority Priority
	Context  arch.Context

	state atomic.Int32
	owner atomic.Int32 // CPU index this thread's deque lives on
}

func (t *Thread) State() State   { return State(t.state.Load()) }
func (t *Thread) setState(s State) { t.state.Store(int32(s)) }

// Process groups threads under one address space.
type Process struct {
	PID     uint64
	VAS     *vmm.VASpace
	Threads []*Thread

	mu sync.Mutex
}

// wordStorage backs a bitmap.Hierarchy with a plain in-memory word
// array, for bitmaps (like the PID table) with no physical-RAM
// footprint of their own — an atomic.Uint64 per word standing in for
// pmm's RAM-arena words, since there's no byte arena to dereference here.
type wordStorage struct {
	layers [][]atomic.Uint64
}

func newWordStorage(leafBits uint64) *wordStorage {
	sizes := bitmap.LayerSizes[uint64](leafBits)
	ws := &wordStorage{layers: make([][]atomic.Uint64, len(sizes))}

	for i, bits := range sizes {
		ws.layers[i] = make([]atomic.Uint64, (bits+63)/64)
	}

	return ws
}

func (s *wordStorage) Depth() int             { return len(s.layers) }
func (s *wordStorage) Words(layer int) int    { return len(s.layers[layer]) }
func (s *wordStorage) ReadWord(layer, idx int) (uint64, error) {
	return s.layers[layer][idx].Load(), nil
}

func (s *wordStorage) CompareAndSwapWord(layer, idx int, oldW, newW uint64) (bool, error) {
	return s.layers[layer][idx].CompareAndSwap(oldW, newW), nil
}

// Scheduler owns the global PID bitmap and one work-stealing deque per
// CPU per priority class.
type Scheduler struct {
	pids      bitmap.Hierarchy[uint64]
	nextTID   atomic.Uint64
	numCPUs   int
	queues    [][numPriorities]*deque.Deque[*Thread]
	processes sync.Map // PID -> *Process
	threads   sync.Map // TID -> *Thread
}

// New creates a scheduler sized for numCPUs logical processors.
func New(numCPUs int) *Scheduler {
	s := &Scheduler{
		pids:    bitmap.Hierarchy[uint64]{Storage: newWordStorage(maxPIDs), Fanout: 64},
		numCPUs: numCPUs,
		queues:  make([][numPriorities]*deque.Deque[*Thread], numCPUs),
	}

	for cpu := range s.queues {
		for p := 0; p < int(numPriorities); p++ {
			s.queues[cpu][p] = deque.New[*Thread]()
		}
	}

	return s
}

// AllocatePID reserves and returns a new PID.
func (s *Scheduler) AllocatePID() (uint64, error) {
	idx, err := s.pids.Alloc(8)
	if err != nil {
		return 0, ErrNoFreePID
	}

	return idx, nil
}

// ReleasePID returns pid to the free pool.
func (s *Scheduler) ReleasePID(pid uint64) error {
	if pid >= maxPIDs {
		return ErrBadPID
	}

	return s.pids.Free(pid)
}

// NewProcess allocates a PID and registers a process owning vas.
func (s *Scheduler) NewProcess(vas *vmm.VASpace) (*Process, error) {
	pid, err := s.AllocatePID()
	if err != nil {
		return nil, err
	}

	p := &Process{PID: pid, VAS: vas}
	s.processes.Store(pid, p)

	return p, nil
}

// NewThread creates a thread under p with the given priority and
// initial execution context, and enqueues it ready-to-run on cpu.
func (s *Scheduler) NewThread(p *Process, prio Priority, ctx arch.Context, cpu int) *Thread {
	t := &Thread{
		TID:      s.nextTID.Add(1),
		Priority: prio,
		Context:  ctx,
	}
	t.setState(StateReady)
	t.owner.Store(int32(cpu))

	p.mu.Lock()
	p.Threads = append(p.Threads, t)
	p.mu.Unlock()

	s.threads.Store(t.TID, t)
	s.queues[cpu][prio].PushBottom(t)

	return t
}

// Enqueue makes t ready-to-run again on its owning CPU's queue for its
// priority class (e.g. after unblocking).
func (s *Scheduler) Enqueue(t *Thread) {
	t.setState(StateReady)
	cpu := int(t.owner.Load())
	s.queues[cpu][t.Priority].PushBottom(t)
}

// Pick selects the next thread to run on cpu: highest-priority non-empty
// local queue first, falling back to stealing from every other CPU's
// queues (highest priority class first) if the local queues are dry.
func (s *Scheduler) Pick(cpu int) (*Thread, error) {
	for p := 0; p < int(numPriorities); p++ {
		if t, ok := s.queues[cpu][p].PopBottom(); ok {
			t.setState(StateRunning)

			return t, nil
		}
	}

	for p := 0; p < int(numPriorities); p++ {
		for victim := 0; victim < s.numCPUs; victim++ {
			if victim == cpu {
				continue
			}

			if t, ok := s.queues[victim][p].Steal(); ok {
				t.owner.Store(int32(cpu))
				t.setState(StateRunning)

				return t, nil
			}
		}
	}

	return nil, ErrNoRunnable
}

// Exit marks t exited; it is never rescheduled again.
func (s *Scheduler) Exit(t *Thread) {
	t.setState(StateExited)
}
