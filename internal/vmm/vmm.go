// Package vmm implements the virtual memory manager: a per-address-space
// region tree over the architecture layer's page-table mapper, gap-search
// allocation, MMIO window creation, and page-fault resolution.
package vmm

import (
	"errors"
	"sync"

	"github.com/jewelcodes/kiwi/internal/arch"
	"github.com/jewelcodes/kiwi/internal/arch/paging"
	"github.com/jewelcodes/kiwi/internal/pmm"
)

var (
	ErrNoGap        = errors.New("vmm: no address range large enough")
	ErrOutsideRoot  = errors.New("vmm: address space has no root")
	ErrRootDelete   = errors.New("vmm: cannot delete the root node")
	ErrUnresolvable = errors.New("vmm: fault cannot be resolved")
	ErrProtection   = errors.New("vmm: access violates region protection")
)

// VASpace is one address space's region tree plus the page-table root it
// drives. All structural operations take the lock; page_fault does too,
// since a concurrent allocate() could otherwise observe a half-built
// subtree.
type VASpace struct {
	mu     sync.Mutex
	root   *Node
	arena  *nodeArena
	mapper *paging.Mapper
	pmm    *pmm.PMM
	cr3    uint64
}

// interval is a half-open byte range [start, end).
type interval struct {
	start, end uint64
}

func ceilDiv(n, d uint64) uint64 { return (n + d - 1) / d }

// newVASpace wires a fresh, empty address space to an already-allocated
// page-table root.
func newVASpace(p *pmm.PMM, m *paging.Mapper, cr3 uint64) *VASpace {
	return &VASpace{
		arena:  newNodeArena(),
		mapper: m,
		pmm:    p,
		cr3:    cr3,
	}
}

// New creates a fresh user address space cloning the kernel's upper half.
func New(p *pmm.PMM, m *paging.Mapper) (*VASpace, error) {
	cr3, err := m.NewPageTables()
	if err != nil {
		return nil, err
	}

	return newVASpace(p, m, cr3), nil
}

// CR3 returns the address space's page-table root.
func (vas *VASpace) CR3() uint64 { return vas.cr3 }

// Mapper returns the architecture-layer page-table mapper backing this
// address space, for collaborators (the heap) that need to resolve or
// force-in a mapping directly.
func (vas *VASpace) Mapper() *paging.Mapper { return vas.mapper }

// PMM returns the physical memory manager backing this address space.
func (vas *VASpace) PMM() *pmm.PMM { return vas.pmm }

// Root returns the address space's root region node, or nil if empty.
func (vas *VASpace) Root() *Node { return vas.root }

// DisassembleFaultingInstruction decodes the instruction at va for fault
// diagnostics: resolves va through the page-table mapper to a physical
// address, reads back up to the longest possible x86-64 instruction's
// worth of bytes from the PMM's RAM arena, and decodes the first one.
// Returns ErrUnresolvable if va isn't currently mapped, the same error a
// page fault against it would report.
func (vas *VASpace) DisassembleFaultingInstruction(va uint64) (string, error) {
	pa, _, ok := vas.mapper.Get(vas.cr3, va)
	if !ok {
		return "", ErrUnresolvable
	}

	const maxInstructionLen = 15

	ram := vas.pmm.RAM()

	end := pa + maxInstructionLen
	if end > uint64(len(ram)) {
		end = uint64(len(ram))
	}

	text, _, err := arch.Disassemble(ram[pa:end])
	if err != nil {
		return "", err
	}

	return text, nil
}

// Init builds the kernel address space: a container root spanning the
// full canonical-high range, with sentinel children reserving the HHDM
// window (direct map of all physical memory) and the kernel image
// itself. highestPhysical is the top of usable+reserved physical memory
// (the HHDM must cover at least that much).
func Init(p *pmm.PMM, m *paging.Mapper, highestPhysical uint64) (*VASpace, error) {
	cr3, err := m.NewPageTables()
	if err != nil {
		return nil, err
	}

	vas := newVASpace(p, m, cr3)
	m.SetKernelRoot(cr3)

	rootNode, idx := vas.arena.allocate()
	rootNode.Base = arch.HHDMBase
	rootNode.PageCount = (arch.KernelImageBase + (1 << 30) - arch.HHDMBase) / PageSize
	rootNode.Type = TypeAnonymous
	rootNode.Flags = flagContainer
	rootNode.arenaIdx = idx
	vas.root = rootNode

	hhdmPages := ceilDiv(highestPhysical, PageSize)
	if hhdmPages == 0 {
		hhdmPages = 1
	}

	hhdm, hhdmIdx := vas.arena.allocate()
	hhdm.Base = arch.HHDMBase
	hhdm.PageCount = hhdmPages
	hhdm.Prot = paging.ProtRead | paging.ProtWrite
	hhdm.Type = TypeDevice
	hhdm.Backing = 0
	hhdm.arenaIdx = hhdmIdx
	insertSorted(vas.root, hhdm)

	for off := uint64(0); off < hhdm.PageCount*PageSize; off += (1 << 30) {
		span := uint64(1 << 30)
		if off+span > hhdm.PageCount*PageSize {
			span = hhdm.PageCount * PageSize - off
		}

		for pa := off; pa < off+span; pa += paging.LargePageSize {
			if err := m.MapLarge(cr3, arch.HHDMBase+pa, pa, paging.ProtRead|paging.ProtWrite); err != nil {
				return nil, err
			}
		}
	}

	image, imageIdx := vas.arena.allocate()
	image.Base = arch.KernelImageBase
	image.PageCount = (1 << 30) / PageSize
	image.Prot = paging.ProtRead | paging.ProtWrite | paging.ProtExec
	image.Type = TypeAnonymous
	image.Flags = FlagUnallocated
	image.arenaIdx = imageIdx
	insertSorted(vas.root, image)

	propagateAggregates(hhdm)
	propagateAggregates(image)

	return vas, nil
}

// gapsIn lists the free intervals inside node's own range, in ascending
// order. A childless node is entirely reserved (no internal gaps). A
// node with children is only "transparent" (gaps between children are
// free) when it is a pure container; otherwise its whole range, lazily
// split children included, counts as reserved.
func gapsIn(node *Node) []interval {
	if len(node.children) == 0 {
		return nil
	}

	if node.Flags&flagContainer == 0 {
		return nil
	}

	var gaps []interval

	cursor := node.Base
	for _, c := range node.children {
		if c.Base > cursor {
			gaps = append(gaps, interval{cursor, c.Base})
		}

		gaps = append(gaps, gapsIn(c)...)
		cursor = c.End()
	}

	if node.End() > cursor {
		gaps = append(gaps, interval{cursor, node.End()})
	}

	return gaps
}

// findGap returns the lowest address >= base, page-aligned, where
// need bytes fit before limit without overlapping any reserved range.
// It considers three kinds of free space in ascending address order:
// anything below the root entirely, gaps inside the root's own range
// (only where the root or an ancestor is a pure container), and
// anything above the root entirely.
func (vas *VASpace) findGap(base, limit, need uint64) (uint64, bool) {
	fits := func(start, end uint64) (uint64, bool) {
		if start < base {
			start = base
		}

		if end > limit {
			end = limit
		}

		if end > start && end-start >= need {
			return start, true
		}

		return 0, false
	}

	if vas.root == nil {
		return fits(base, limit)
	}

	if vas.root.Base > base {
		if addr, ok := fits(base, vas.root.Base); ok {
			return addr, true
		}
	}

	for _, g := range gapsIn(vas.root) {
		if addr, ok := fits(g.start, g.end); ok {
			return addr, true
		}
	}

	return fits(vas.root.End(), limit)
}

// createNodeLocked inserts tmpl into the tree, handling root promotion
// (tmpl falls entirely outside the current root's range) and fanout
// overflow (the insertion parent already has Fanout children) by
// synthesizing container nodes. Caller must hold vas.mu.
func (vas *VASpace) createNodeLocked(tmpl Node) (*Node, error) {
	if vas.root == nil {
		n, idx := vas.arena.allocate()
		*n = tmpl
		n.arenaIdx = idx
		vas.root = n
		propagateAggregates(n)

		return n, nil
	}

	parent := lenientSearch(vas.root, tmpl.Base)
	if parent == nil {
		newBase := tmpl.Base
		if vas.root.Base < newBase {
			newBase = vas.root.Base
		}

		newEnd := tmpl.End()
		if vas.root.End() > newEnd {
			newEnd = vas.root.End()
		}

		synth, idx := vas.arena.allocate()
		synth.Base = newBase
		synth.PageCount = (newEnd - newBase) / PageSize
		synth.Type = TypeAnonymous
		synth.Flags = flagContainer
		synth.arenaIdx = idx

		oldRoot := vas.root
		insertSorted(synth, oldRoot)
		vas.root = synth
		parent = synth
	}

	if len(parent.children) >= Fanout {
		var victim *Node

		var bestGap uint64 = ^uint64(0)

		for _, c := range parent.children {
			var gap uint64
			if c.Base >= parent.Base {
				gap = c.Base - parent.Base
			} else {
				gap = parent.Base - c.Base
			}

			if gap < bestGap {
				bestGap = gap
				victim = c
			}
		}

		newBase := tmpl.Base
		if victim.Base < newBase {
			newBase = victim.Base
		}

		newEnd := tmpl.End()
		if victim.End() > newEnd {
			newEnd = victim.End()
		}

		intermediate, idx := vas.arena.allocate()
		intermediate.Base = newBase
		intermediate.PageCount = (newEnd - newBase) / PageSize
		intermediate.Type = TypeAnonymous
		intermediate.Flags = flagContainer
		intermediate.arenaIdx = idx

		removeChild(parent, victim)
		insertSorted(parent, intermediate)
		insertSorted(intermediate, victim)
		propagateAggregates(victim)

		parent = intermediate
	}

	node, idx := vas.arena.allocate()
	*node = tmpl
	node.arenaIdx = idx
	insertSorted(parent, node)
	propagateAggregates(node)

	return node, nil
}

// CreateNode inserts a fully-specified region node into the tree.
func (vas *VASpace) CreateNode(tmpl Node) (*Node, error) {
	vas.mu.Lock()
	defer vas.mu.Unlock()

	return vas.createNodeLocked(tmpl)
}

// DeleteNode removes n from the tree, releasing its arena slot and
// collapsing any ancestor left as a degenerate one-child passthrough
// whose single child's range equals its own.
func (vas *VASpace) DeleteNode(n *Node) error {
	vas.mu.Lock()
	defer vas.mu.Unlock()

	if n.parent == nil {
		if vas.root != n {
			return ErrOutsideRoot
		}

		return ErrRootDelete
	}

	parent := n.parent
	removeChild(parent, n)
	vas.arena.release(n.arenaIdx)
	propagateAggregates(parent)

	for parent != nil && len(parent.children) == 1 &&
		parent.children[0].Base == parent.Base && parent.children[0].End() == parent.End() {
		child := parent.children[0]
		gp := parent.parent

		removeChild(parent, child)

		if gp == nil {
			child.parent = nil
			vas.root = child
		} else {
			removeChild(gp, parent)
			insertSorted(gp, child)
		}

		vas.arena.release(parent.arenaIdx)
		parent = child.parent

		if parent != nil {
			propagateAggregates(parent)
		}
	}

	return nil
}

// Allocate finds the lowest address in [base, limit) with room for
// pageCount pages, reserves it with an anonymous unallocated region
// (no physical backing until first fault), and returns its base.
func (vas *VASpace) Allocate(base, limit, pageCount uint64, prot paging.Prot) (uint64, error) {
	vas.mu.Lock()
	defer vas.mu.Unlock()

	need := pageCount * PageSize

	addr, ok := vas.findGap(base, limit, need)
	if !ok {
		return 0, ErrNoGap
	}

	node, err := vas.createNodeLocked(Node{
		Base:      addr,
		PageCount: pageCount,
		Prot:      prot,
		Type:      TypeAnonymous,
		Flags:     FlagUnallocated,
	})
	if err != nil {
		return 0, err
	}

	return node.Base, nil
}

// mmioWindowLimit bounds how far a single address space's MMIO window
// can extend before colliding with the next fixed canonical region.
const mmioWindowLimit = arch.VMMMetadataBase

// CreateMMIO reserves a device-backed region mapping [physical,
// physical+size) into the MMIO window, uncacheable, and returns its
// virtual base.
func (vas *VASpace) CreateMMIO(physical, size uint64, prot paging.Prot) (uint64, error) {
	vas.mu.Lock()
	defer vas.mu.Unlock()

	pageCount := ceilDiv(size, PageSize)
	need := pageCount * PageSize

	addr, ok := vas.findGap(arch.MMIOBase, mmioWindowLimit, need)
	if !ok {
		return 0, ErrNoGap
	}

	node, err := vas.createNodeLocked(Node{
		Base:      addr,
		PageCount: pageCount,
		Prot:      prot,
		Type:      TypeDevice,
		Backing:   physical,
	})
	if err != nil {
		return 0, err
	}

	for off := uint64(0); off < pageCount*PageSize; off += PageSize {
		va := node.Base + off
		if vas.mapper.Map(vas.cr3, va, physical+off, prot) != va {
			return 0, ErrUnresolvable
		}

		if err := vas.mapper.SetUncacheable(vas.cr3, va); err != nil {
			return 0, err
		}
	}

	return node.Base, nil
}

// PageFault resolves a fault at va: it locates the covering region,
// checks the access against its protection and presence, then either
// backs an anonymous page with a freshly allocated physical frame
// (splitting a larger unallocated region lazily if needed), resolves a
// device-region offset, or reports the fault unresolvable.
func (vas *VASpace) PageFault(va uint64, user, write, exec bool) error {
	vas.mu.Lock()
	defer vas.mu.Unlock()

	n := search(vas.root, va)
	if n == nil {
		return ErrUnresolvable
	}

	if user && n.Prot&paging.ProtUser == 0 {
		return ErrProtection
	}

	if write && n.Prot&paging.ProtWrite == 0 {
		return ErrProtection
	}

	if exec && n.Prot&paging.ProtExec == 0 {
		return ErrProtection
	}

	alignedVA := va &^ (PageSize - 1)

	switch n.Type {
	case TypeAnonymous:
		if n.Flags&FlagUnallocated == 0 {
			return ErrUnresolvable
		}

		pa := vas.pmm.AllocPage()
		if pa == 0 {
			return ErrUnresolvable
		}

		if n.PageCount == 1 {
			n.Flags &^= FlagUnallocated
			n.Backing = pa
		} else {
			// n stays reserved in full (it keeps FlagUnallocated and its
			// own range); the child merely carves out one concretely
			// backed page. search() prefers the child where it exists
			// and otherwise still lands back on n, so later faults in
			// the rest of n's range repeat this same split.
			child, idx := vas.arena.allocate()
			child.Base = alignedVA
			child.PageCount = 1
			child.Prot = n.Prot
			child.Type = TypeAnonymous
			child.Backing = pa
			child.arenaIdx = idx

			insertSorted(n, child)
			propagateAggregates(child)
		}

		if vas.mapper.Map(vas.cr3, alignedVA, pa, n.Prot) != alignedVA {
			return ErrUnresolvable
		}

		return nil

	case TypeDevice:
		offset := alignedVA - n.Base
		if vas.mapper.Map(vas.cr3, alignedVA, n.Backing+offset, n.Prot) != alignedVA {
			return ErrUnresolvable
		}

		return vas.mapper.SetUncacheable(vas.cr3, alignedVA)

	default:
		return ErrUnresolvable
	}
}
