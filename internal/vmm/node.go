package vmm

import "github.com/jewelcodes/kiwi/internal/arch/paging"

// RegionType is the tagged sum over region backing kinds: the
// page-fault handler is a switch with one arm per variant.
type RegionType uint8

const (
	TypeAnonymous RegionType = iota
	TypeFileBacked
	TypeShared
	TypeDevice
)

// Flags are the orthogonal per-region bits layered on top of RegionType.
type Flags uint8

const (
	FlagGuard Flags = 1 << iota
	FlagCOW
	FlagUnallocated

	// flagContainer marks a node that exists purely to group children
	// (a promoted root, or an intermediate node created to relieve a
	// full parent) rather than to reserve address space on its own
	// behalf. Gap search treats the space between a container's
	// children as free; it treats the space "inside" any other node
	// (even one with children of its own, from a lazy single-page
	// split) as already reserved.
	flagContainer
)

// Fanout bounds a region node's children: the region tree stays
// shallow and high-fanout rather than a deep binary tree.
const Fanout = 8

const PageSize = paging.PageSize

// Node is one region-tree node: base/page_count, protection, backing
// kind, orthogonal flags, subtree aggregates, and a children slice
// that never grows past Fanout entries in practice.
type Node struct {
	Base      uint64
	PageCount uint64
	Prot      paging.Prot
	Type      RegionType
	Flags     Flags

	// Backing is the physical address (anonymous once faulted in,
	// device) this region maps to; BackingOffset is the file offset for
	// a file-backed region. File-backed and shared regions are not yet
	// resolved by the fault handler.
	Backing       uint64
	BackingOffset uint64

	MaxVirtualAddress uint64
	MaxGapPageCount    uint64

	parent   *Node
	children []*Node
	arenaIdx int64
}

// End returns base + page_count*PAGE_SIZE.
func (n *Node) End() uint64 { return n.Base + n.PageCount*PageSize }

// Contains reports whether va falls within [base, end).
func (n *Node) Contains(va uint64) bool { return va >= n.Base && va < n.End() }

// Children returns the node's child slice in base order (callers must
// not retain it across a structural mutation).
func (n *Node) Children() []*Node { return n.children }

// Parent returns the node's parent, or nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// search returns the deepest node whose range contains va, or nil.
func search(root *Node, va uint64) *Node {
	n := root
	if n == nil || !n.Contains(va) {
		return nil
	}

	for {
		found := false

		for _, c := range n.children {
			if c.Contains(va) {
				n = c
				found = true

				break
			}
		}

		if !found {
			return n
		}
	}
}

// lenientSearch returns the deepest node whose range contains va, or the
// nearest ancestor whose range contains va, or nil. Every node visited
// along the descent contains va, so the result is the same node search
// returns: nil only when the root itself does not contain va.
func lenientSearch(root *Node, va uint64) *Node {
	if root == nil || !root.Contains(va) {
		return nil
	}

	n := root

	for {
		advanced := false

		for _, c := range n.children {
			if c.Contains(va) {
				n = c
				advanced = true

				break
			}
		}

		if !advanced {
			return n
		}
	}
}

// recomputeAggregates recalculates n's MaxVirtualAddress and
// MaxGapPageCount from its children and must be called bottom-up after
// any structural change.
func (n *Node) recomputeAggregates() {
	maxVA := n.End()
	var maxGap uint64

	if len(n.children) == 0 {
		if n.Flags&FlagUnallocated != 0 {
			maxGap = n.PageCount
		}

		n.MaxVirtualAddress = maxVA
		n.MaxGapPageCount = maxGap

		return
	}

	// Gap between parent.base and first child.base.
	first := n.children[0]
	if first.Base > n.Base {
		gap := (first.Base - n.Base) / PageSize
		if gap > maxGap {
			maxGap = gap
		}
	}

	for i, c := range n.children {
		if c.MaxVirtualAddress > maxVA {
			maxVA = c.MaxVirtualAddress
		}

		if c.MaxGapPageCount > maxGap {
			maxGap = c.MaxGapPageCount
		}

		if i+1 < len(n.children) {
			next := n.children[i+1]
			if next.Base > c.End() {
				gap := (next.Base - c.End()) / PageSize
				if gap > maxGap {
					maxGap = gap
				}
			}
		}
	}

	last := n.children[len(n.children)-1]
	if n.End() > last.End() {
		gap := (n.End() - last.End()) / PageSize
		if gap > maxGap {
			maxGap = gap
		}
	}

	n.MaxVirtualAddress = maxVA
	n.MaxGapPageCount = maxGap
}

// propagateAggregates recomputes n and every ancestor up to the root.
func propagateAggregates(n *Node) {
	for cur := n; cur != nil; cur = cur.parent {
		cur.recomputeAggregates()
	}
}

// insertSorted inserts child into parent.children keeping base order.
func insertSorted(parent *Node, child *Node) {
	i := 0
	for i < len(parent.children) && parent.children[i].Base < child.Base {
		i++
	}

	parent.children = append(parent.children, nil)
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = child
	child.parent = parent
}

// removeChild detaches child from parent.children.
func removeChild(parent *Node, child *Node) {
	for i, c := range parent.children {
		if c == child {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)

			return
		}
	}
}
