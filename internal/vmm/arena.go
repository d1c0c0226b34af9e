package vmm

// nodeArena is the VMM's node allocator: a slab grown in fixed-size
// chunks (so a pointer handed out never moves once allocated) plus a
// stack of freed slot indices, standing in for a physical page of
// node storage mapped into the VMM's own metadata region.
type nodeArena struct {
	chunks [][]Node
	free   []int64
}

const arenaChunkSize = 64

func newNodeArena() *nodeArena {
	return &nodeArena{}
}

func (a *nodeArena) growOneChunk() {
	chunkIdx := int64(len(a.chunks))
	a.chunks = append(a.chunks, make([]Node, arenaChunkSize))

	for i := int64(0); i < arenaChunkSize; i++ {
		a.free = append(a.free, chunkIdx*arenaChunkSize+i)
	}
}

// allocate returns a pointer to a freshly zeroed Node and its stable
// arena index. The pointer remains valid for the arena's lifetime: only
// new chunks are appended, never existing ones moved.
func (a *nodeArena) allocate() (*Node, int64) {
	if len(a.free) == 0 {
		a.growOneChunk()
	}

	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]

	chunk := a.chunks[idx/arenaChunkSize]
	slot := &chunk[idx%arenaChunkSize]
	*slot = Node{}

	return slot, idx
}

// release returns idx's slot to the freelist.
func (a *nodeArena) release(idx int64) {
	a.free = append(a.free, idx)
}
