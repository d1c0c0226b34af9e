package vmm

import (
	"testing"

	"github.com/jewelcodes/kiwi/internal/arch/paging"
	"github.com/jewelcodes/kiwi/internal/bootinfo"
	"github.com/jewelcodes/kiwi/internal/pmm"
)

func newTestSpace(t *testing.T) (*VASpace, *pmm.PMM, *paging.Mapper) {
	t.Helper()

	h := &bootinfo.Handoff{
		LowestFreeAddress: 0x0020_0000,
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Base: 0, Length: 64 << 20, Type: bootinfo.MemoryUsable},
		},
	}

	p, err := pmm.New(h)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}

	m := paging.New(p)

	vas, err := New(p, m)
	if err != nil {
		t.Fatalf("vmm.New: %v", err)
	}

	return vas, p, m
}

func assertNoOverlap(t *testing.T, n *Node) {
	t.Helper()

	for i := 0; i+1 < len(n.children); i++ {
		if n.children[i].End() > n.children[i+1].Base {
			t.Fatalf("overlapping siblings: %#x..%#x and %#x..%#x",
				n.children[i].Base, n.children[i].End(), n.children[i+1].Base, n.children[i+1].End())
		}
	}

	for _, c := range n.children {
		if c.Base < n.Base || c.End() > n.End() {
			t.Fatalf("child %#x..%#x escapes parent %#x..%#x", c.Base, c.End(), n.Base, n.End())
		}

		assertNoOverlap(t, c)
	}
}

func assertAggregates(t *testing.T, n *Node) {
	t.Helper()

	want := *n
	want.recomputeAggregates()

	if n.MaxVirtualAddress != want.MaxVirtualAddress {
		t.Fatalf("node %#x: MaxVirtualAddress = %#x, want %#x", n.Base, n.MaxVirtualAddress, want.MaxVirtualAddress)
	}

	if n.MaxGapPageCount != want.MaxGapPageCount {
		t.Fatalf("node %#x: MaxGapPageCount = %d, want %d", n.Base, n.MaxGapPageCount, want.MaxGapPageCount)
	}

	for _, c := range n.children {
		assertAggregates(t, c)
	}
}

func TestAllocateDisjointAndAggregates(t *testing.T) {
	t.Parallel()

	vas, _, _ := newTestSpace(t)

	const base, limit = 0x0000_1000_0000_0000, 0x0000_2000_0000_0000

	var got []uint64

	for i := 0; i < 20; i++ {
		addr, err := vas.Allocate(base, limit, 4, paging.ProtRead|paging.ProtWrite|paging.ProtUser)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}

		got = append(got, addr)
	}

	seen := map[uint64]bool{}
	for _, a := range got {
		if seen[a] {
			t.Fatalf("address %#x allocated twice", a)
		}

		seen[a] = true
	}

	assertNoOverlap(t, vas.root)
	assertAggregates(t, vas.root)
}

func TestSearchAndLenientSearch(t *testing.T) {
	t.Parallel()

	vas, _, _ := newTestSpace(t)

	const base, limit = 0x0000_1000_0000_0000, 0x0000_2000_0000_0000

	addr, err := vas.Allocate(base, limit, 4, paging.ProtRead|paging.ProtWrite)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if n := search(vas.root, addr); n == nil || n.Base != addr {
		t.Fatalf("search() did not find the allocated region at %#x", addr)
	}

	gapVA := addr + 4*PageSize + PageSize
	if n := search(vas.root, gapVA); n != nil {
		t.Fatalf("search() found a node at a gap address %#x: %#x", gapVA, n.Base)
	}

	// The root is the single allocated region, so gapVA lies outside every
	// node and lenientSearch must not return one either.
	if n := lenientSearch(vas.root, gapVA); n != nil {
		t.Fatalf("lenientSearch() found a node at a gap address %#x: %#x", gapVA, n.Base)
	}

	if n := search(vas.root, vas.root.End()+0x1000); n != nil {
		t.Fatal("search() found a node entirely outside the root")
	}

	if n := lenientSearch(vas.root, vas.root.End()+0x1000); n != nil {
		t.Fatal("lenientSearch() found a node entirely outside the root")
	}
}

func TestCreateNodeRootPromotion(t *testing.T) {
	t.Parallel()

	vas, _, _ := newTestSpace(t)

	first, err := vas.CreateNode(Node{Base: 0x5000_0000_0000, PageCount: 1, Type: TypeAnonymous})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	if vas.root != first {
		t.Fatalf("first node should become the root")
	}

	// Far outside the first node's range: forces root promotion.
	second, err := vas.CreateNode(Node{Base: 0x9000_0000_0000, PageCount: 1, Type: TypeAnonymous})
	if err != nil {
		t.Fatalf("CreateNode (promotion): %v", err)
	}

	if vas.root == first || vas.root == second {
		t.Fatal("expected a synthesized container root after promotion")
	}

	if vas.root.Flags&flagContainer == 0 {
		t.Fatal("promoted root should be a container")
	}

	assertNoOverlap(t, vas.root)
	assertAggregates(t, vas.root)
}

func TestCreateNodeFanoutOverflow(t *testing.T) {
	t.Parallel()

	vas, _, _ := newTestSpace(t)

	const base = 0x4000_0000_0000

	// A wide container root, created up front, so every leaf below
	// lands inside it (lenientSearch finds it directly) instead of
	// triggering root promotion on every insert.
	_, err := vas.CreateNode(Node{
		Base:      base,
		PageCount: (Fanout + 2) * 0x10_0000 / PageSize,
		Type:      TypeAnonymous,
		Flags:     flagContainer,
	})
	if err != nil {
		t.Fatalf("CreateNode (container root): %v", err)
	}

	for i := 0; i < Fanout; i++ {
		_, err := vas.CreateNode(Node{
			Base:      uint64(base + (i+1)*0x10_0000),
			PageCount: 1,
			Type:      TypeAnonymous,
		})
		if err != nil {
			t.Fatalf("CreateNode #%d: %v", i, err)
		}
	}

	if len(vas.root.children) != Fanout {
		t.Fatalf("root children = %d, want %d", len(vas.root.children), Fanout)
	}

	// One more insertion must not push the root past Fanout children;
	// it should be absorbed into a synthesized intermediate node.
	_, err = vas.CreateNode(Node{
		Base:      uint64(base + (Fanout+1)*0x10_0000),
		PageCount: 1,
		Type:      TypeAnonymous,
	})
	if err != nil {
		t.Fatalf("CreateNode overflow: %v", err)
	}

	if len(vas.root.children) > Fanout {
		t.Fatalf("root children = %d, exceeds Fanout %d", len(vas.root.children), Fanout)
	}

	assertNoOverlap(t, vas.root)
	assertAggregates(t, vas.root)
}

func TestDeleteNodeCollapsesPassthrough(t *testing.T) {
	t.Parallel()

	vas, _, _ := newTestSpace(t)

	const base, limit = 0x0000_1000_0000_0000, 0x0000_2000_0000_0000

	a, err := vas.Allocate(base, limit, 4, paging.ProtRead)
	if err != nil {
		t.Fatalf("Allocate a: %v", err)
	}

	b, err := vas.Allocate(base, limit, 4, paging.ProtRead)
	if err != nil {
		t.Fatalf("Allocate b: %v", err)
	}

	nodeA := search(vas.root, a)
	nodeB := search(vas.root, b)

	if err := vas.DeleteNode(nodeA); err != nil {
		t.Fatalf("DeleteNode a: %v", err)
	}

	if err := vas.DeleteNode(nodeB); err != nil {
		t.Fatalf("DeleteNode b: %v", err)
	}

	if vas.root != nil {
		assertNoOverlap(t, vas.root)
		assertAggregates(t, vas.root)
	}
}

func TestDeleteRootFails(t *testing.T) {
	t.Parallel()

	vas, _, _ := newTestSpace(t)

	_, err := vas.CreateNode(Node{Base: 0x5000_0000_0000, PageCount: 1, Type: TypeAnonymous})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	if err := vas.DeleteNode(vas.root); err != ErrRootDelete {
		t.Fatalf("DeleteNode(root) err = %v, want ErrRootDelete", err)
	}
}

func TestPageFaultBacksAnonymousPage(t *testing.T) {
	t.Parallel()

	vas, p, m := newTestSpace(t)

	const base, limit = 0x0000_1000_0000_0000, 0x0000_2000_0000_0000

	addr, err := vas.Allocate(base, limit, 4, paging.ProtRead|paging.ProtWrite)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if _, _, ok := m.Get(vas.cr3, addr); ok {
		t.Fatal("unallocated region already mapped before any fault")
	}

	if err := vas.PageFault(addr+PageSize, false, true, false); err != nil {
		t.Fatalf("PageFault: %v", err)
	}

	pa, _, ok := m.Get(vas.cr3, addr+PageSize)
	if !ok {
		t.Fatal("PageFault did not install a mapping")
	}

	if pa == 0 || pa >= uint64(len(p.RAM())) {
		t.Fatalf("mapped pa %#x out of RAM bounds", pa)
	}

	// A second fault at a different page within the same region must
	// carve out its own child without disturbing the first mapping.
	if err := vas.PageFault(addr+2*PageSize, false, true, false); err != nil {
		t.Fatalf("second PageFault: %v", err)
	}

	if _, _, ok := m.Get(vas.cr3, addr+PageSize); !ok {
		t.Fatal("first mapping lost after a second fault in the same region")
	}

	assertNoOverlap(t, vas.root)
}

func TestPageFaultProtectionViolation(t *testing.T) {
	t.Parallel()

	vas, _, _ := newTestSpace(t)

	const base, limit = 0x0000_1000_0000_0000, 0x0000_2000_0000_0000

	addr, err := vas.Allocate(base, limit, 1, paging.ProtRead)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := vas.PageFault(addr, false, true, false); err != ErrProtection {
		t.Fatalf("PageFault(write) err = %v, want ErrProtection", err)
	}
}

func TestPageFaultUnmappedAddress(t *testing.T) {
	t.Parallel()

	vas, _, _ := newTestSpace(t)

	if _, err := vas.Allocate(0x0000_1000_0000_0000, 0x0000_2000_0000_0000, 1, paging.ProtRead); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := vas.PageFault(0x0000_5000_0000_0000, false, false, false); err != ErrUnresolvable {
		t.Fatalf("PageFault(outside) err = %v, want ErrUnresolvable", err)
	}
}

func TestCreateMMIO(t *testing.T) {
	t.Parallel()

	vas, _, m := newTestSpace(t)

	va, err := vas.CreateMMIO(0xFEE0_0000, 0x1000, paging.ProtRead|paging.ProtWrite)
	if err != nil {
		t.Fatalf("CreateMMIO: %v", err)
	}

	pa, _, ok := m.Get(vas.cr3, va)
	if !ok {
		t.Fatal("CreateMMIO mapping not installed")
	}

	if pa != 0xFEE0_0000 {
		t.Fatalf("pa = %#x, want 0xFEE00000", pa)
	}
}

func TestDisassembleFaultingInstruction(t *testing.T) {
	t.Parallel()

	vas, p, m := newTestSpace(t)

	va, err := vas.Allocate(0x0000_1000_0000_0000, 0x0000_2000_0000_0000, 1, paging.ProtRead|paging.ProtExec)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := vas.PageFault(va, false, false, true); err != nil {
		t.Fatalf("PageFault: %v", err)
	}

	pa, _, ok := m.Get(vas.cr3, va)
	if !ok {
		t.Fatal("faulted-in page has no mapping")
	}

	p.RAM()[pa] = 0x90 // NOP

	text, err := vas.DisassembleFaultingInstruction(va)
	if err != nil {
		t.Fatalf("DisassembleFaultingInstruction: %v", err)
	}

	if text != "nop" {
		t.Fatalf("DisassembleFaultingInstruction() = %q, want \"nop\"", text)
	}
}

func TestDisassembleFaultingInstructionUnmapped(t *testing.T) {
	t.Parallel()

	vas, _, _ := newTestSpace(t)

	if _, err := vas.DisassembleFaultingInstruction(0x0000_5000_0000_0000); err != ErrUnresolvable {
		t.Fatalf("DisassembleFaultingInstruction(unmapped) err = %v, want ErrUnresolvable", err)
	}
}
