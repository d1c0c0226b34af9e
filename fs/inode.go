package fs

import (
	"encoding/binary"
	"errors"

	"github.com/google/btree"
)

const (
	inlineDataSize = 96 // bytes of payload that fit directly in the inode
	inodeDiskSize  = 128
)

// Mode bits, the minimum a filesystem needs to tell "file" from
// "directory" apart and to carry permission bits through.
type Mode uint16

const (
	ModeFile Mode = 1 << iota
	ModeDir
	ModeRead
	ModeWrite
	ModeExec
)

// Flags are per-inode storage flags.
type Flags uint8

const FlagInline Flags = 1 << 0

// Inode is one file or directory's on-disk metadata. The payload is kept
// inline, up to inlineDataSize bytes; Volume.WriteToInode rejects larger
// writes with ErrTooLarge. Extent records live in the volume-wide
// ExtentIndex rather than in the inode itself, so the inode stays
// fixed-size.
type Inode struct {
	ID    uint64
	Mode  Mode
	Flags Flags
	Size  uint64

	Inline [inlineDataSize]byte
}

var ErrNoSuchInode = errors.New("fs: no such inode")

func (in *Inode) encode() []byte {
	buf := make([]byte, inodeDiskSize)
	binary.LittleEndian.PutUint64(buf[0:8], in.ID)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(in.Mode))
	buf[10] = byte(in.Flags)
	binary.LittleEndian.PutUint64(buf[16:24], in.Size)
	copy(buf[24:24+inlineDataSize], in.Inline[:])

	return buf
}

func decodeInode(buf []byte) *Inode {
	in := &Inode{}
	in.ID = binary.LittleEndian.Uint64(buf[0:8])
	in.Mode = Mode(binary.LittleEndian.Uint16(buf[8:10]))
	in.Flags = Flags(buf[10])
	in.Size = binary.LittleEndian.Uint64(buf[16:24])
	copy(in.Inline[:], buf[24:24+inlineDataSize])

	return in
}

// Extent is one contiguous run of data blocks belonging to an inode,
// starting at FileOffset (in blocks) within the file.
type Extent struct {
	InodeID     uint64
	FileOffset  uint64
	StartBlock  uint64
	BlockLength uint64
}

// extentKey orders extents first by inode, then by their position
// within the file, which is exactly the order a sequential read or a
// truncate needs to walk them in.
type extentKey Extent

func (a extentKey) Less(than btree.Item) bool {
	b := than.(extentKey)
	if a.InodeID != b.InodeID {
		return a.InodeID < b.InodeID
	}

	return a.FileOffset < b.FileOffset
}

// ExtentIndex is the volume-wide B-tree of every extent-backed inode's
// extents, ordered for fast range queries ("every extent for inode X
// starting at or after offset Y") instead of loading a whole inode's
// extent list to binary-search it in memory.
type ExtentIndex struct {
	tree *btree.BTree
}

func newExtentIndex() *ExtentIndex {
	return &ExtentIndex{tree: btree.New(16)}
}

// Insert records a new extent.
func (idx *ExtentIndex) Insert(e Extent) {
	idx.tree.ReplaceOrInsert(extentKey(e))
}

// Delete removes the extent starting at (inode, fileOffset).
func (idx *ExtentIndex) Delete(inode, fileOffset uint64) {
	idx.tree.Delete(extentKey{InodeID: inode, FileOffset: fileOffset})
}

// Extents returns every extent belonging to inode, in file order.
func (idx *ExtentIndex) Extents(inode uint64) []Extent {
	var out []Extent

	pivot := extentKey{InodeID: inode, FileOffset: 0}

	idx.tree.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		e := Extent(item.(extentKey))
		if e.InodeID != inode {
			return false
		}

		out = append(out, e)

		return true
	})

	return out
}

// ResolveOffset returns the extent covering blockOffset (counted in
// blocks, like FileOffset) within inode, if any.
func (idx *ExtentIndex) ResolveOffset(inode uint64, blockOffset uint64) (Extent, bool) {
	for _, e := range idx.Extents(inode) {
		if blockOffset >= e.FileOffset && blockOffset < e.FileOffset+e.BlockLength {
			return e, true
		}
	}

	return Extent{}, false
}
