package fs

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const rootInodeBlock = SuperblockBlock + 1

var (
	ErrNotDir       = errors.New("fs: not a directory")
	ErrIsDir        = errors.New("fs: is a directory")
	ErrNoSpace      = errors.New("fs: volume out of space")
	ErrTooLarge     = errors.New("fs: write exceeds inline capacity and extent promotion is unsupported")
	ErrNotMounted   = errors.New("fs: volume is not mounted")
	ErrAlreadyMount = errors.New("fs: volume already mounted")
)

// Volume is a mounted pulseio filesystem: the superblock, the on-disk
// block allocator, the in-memory extent index (not persisted; empty after
// Format and Mount), and
// the underlying Device every operation reads and writes through.
type Volume struct {
	mu sync.Mutex

	dev     Device
	sb      *Superblock
	alloc   *BlockAllocator
	extents *ExtentIndex
}

// FormatOption customizes Format, e.g. to observe zeroing progress from
// a CLI.
type FormatOption func(*formatOptions)

type formatOptions struct {
	progress func(done, total uint64)
}

// WithProgress calls fn after every block zeroed during Format, letting
// a caller drive a progress bar over a device that may be large enough
// for the zeroing pass to take visible time.
func WithProgress(fn func(done, total uint64)) FormatOption {
	return func(o *formatOptions) { o.progress = fn }
}

// Format lays out a fresh volume on dev: zeroes the metadata region,
// writes the superblock at the fixed block index, sizes and zeroes the
// bitmap, and creates the root directory inode — the offline
// counterpart to CLI's "create"/"format" commands.
func Format(dev Device, label string, opts ...FormatOption) (*Volume, error) {
	var o formatOptions
	for _, opt := range opts {
		opt(&o)
	}

	totalBlocks := dev.BlockCount()
	if totalBlocks <= rootInodeBlock+1 {
		return nil, errors.New("fs: device too small to format")
	}

	bitmapStart := rootInodeBlock + 1

	// The bitmap's own storage is carved out of the same region it goes
	// on to describe, so its size and the data-block count it tracks are
	// mutually dependent. Size it first against the full candidate region
	// (an upper bound on the bitmap's footprint, since fewer data blocks
	// never need a bigger bitmap), then shrink the data region by that
	// many blocks so the bitmap, the data region, and the device's
	// declared TotalBlocks actually agree.
	candidateBlocks := totalBlocks - bitmapStart
	candidateWords := totalWords(layerSizesForBlocks(candidateBlocks))
	bitmapBlocks := (candidateWords*8 + BlockSize - 1) / BlockSize

	dataBlocks := candidateBlocks - bitmapBlocks
	sizes := totalWords(layerSizesForBlocks(dataBlocks))

	zero := make([]byte, BlockSize)
	for i := uint64(0); i < totalBlocks; i++ {
		if err := dev.WriteBlock(i, zero); err != nil {
			return nil, err
		}

		if o.progress != nil {
			o.progress(i+1, totalBlocks)
		}
	}

	sb := &Superblock{
		Magic:       Magic,
		TotalBlocks: totalBlocks,
		BitmapStart: bitmapStart,
		BitmapWords: sizes,
		InodeStart:  bitmapStart + bitmapBlocks,
		InodeCount:  dataBlocks,
		DataStart:   bitmapStart + bitmapBlocks,
		RootInode:   rootInodeBlock,
		Label:       label,
	}

	if err := WriteSuperblock(dev, sb); err != nil {
		return nil, err
	}

	v := &Volume{
		dev:     dev,
		sb:      sb,
		alloc:   newBlockAllocator(dev, sb.BitmapStart, sb.InodeCount),
		extents: newExtentIndex(),
	}

	root := &Inode{ID: sb.RootInode, Mode: ModeDir | ModeRead | ModeWrite | ModeExec, Flags: FlagInline}
	dir := NewDirectory()
	payload := dir.Encode()

	if len(payload) > inlineDataSize {
		return nil, ErrTooLarge
	}

	copy(root.Inline[:], payload)
	root.Size = uint64(len(payload))

	if err := v.WriteInode(root); err != nil {
		return nil, err
	}

	if err := dev.Sync(); err != nil {
		return nil, err
	}

	return v, nil
}

// layerSizesForBlocks mirrors bitmap.LayerSizes[uint64] without importing
// the generic directly, since Format needs the total word count before
// the allocator (which owns the real Hierarchy) exists.
func layerSizesForBlocks(leafBits uint64) []uint64 {
	const bits = 64

	sizes := []uint64{leafBits}
	for sizes[len(sizes)-1] > bits {
		prev := sizes[len(sizes)-1]
		sizes = append(sizes, (prev+bits-1)/bits)
	}

	return sizes
}

// Mount opens an already-formatted volume: reads and validates the
// superblock (magic plus checksum), then rebuilds the block allocator over
// the on-disk bitmap. The extent index starts empty; no inode is scanned.
func Mount(dev Device) (*Volume, error) {
	sb, err := ReadSuperblock(dev)
	if err != nil {
		return nil, err
	}

	v := &Volume{
		dev:     dev,
		sb:      sb,
		alloc:   newBlockAllocator(dev, sb.BitmapStart, sb.InodeCount),
		extents: newExtentIndex(),
	}

	return v, nil
}

// Unmount flushes the device and releases the volume.
func (v *Volume) Unmount() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.dev.Sync()
}

// Sync flushes pending writes to the device.
func (v *Volume) Sync() error { return v.dev.Sync() }

// RootInode returns the root directory's inode number.
func (v *Volume) RootInode() uint64 { return v.sb.RootInode }

// ReadInode loads block n (inode numbers are absolute block indices on
// the device) and decodes it.
func (v *Volume) ReadInode(n uint64) (*Inode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	buf := make([]byte, BlockSize)
	if err := v.dev.ReadBlock(n, buf); err != nil {
		return nil, err
	}

	return decodeInode(buf[:inodeDiskSize]), nil
}

// WriteInode encodes in and writes it into its own block, preserving the
// rest of the block's padding at zero.
func (v *Volume) WriteInode(in *Inode) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	buf := make([]byte, BlockSize)
	copy(buf, in.encode())

	return v.dev.WriteBlock(in.ID, buf)
}

// AllocInode reserves a fresh inode number and returns a zeroed Inode for
// it. Inode numbers here are simply data-region block indices the
// allocator hands out, matching the on-disk design's "inode == one
// block" layout.
func (v *Volume) AllocInode(mode Mode) (*Inode, error) {
	rel, err := v.alloc.AllocBlock()
	if err != nil {
		return nil, err
	}

	in := &Inode{ID: v.sb.DataStart + rel, Mode: mode, Flags: FlagInline}

	return in, v.WriteInode(in)
}

// FreeInode releases n back to the pool.
func (v *Volume) FreeInode(n uint64) error {
	v.mu.Lock()
	rel := n - v.sb.DataStart
	v.mu.Unlock()

	return v.alloc.FreeBlock(rel)
}

// WriteToInode implements the inline-or-promote contract: small writes
// that fit in the inode's inline payload are stored there directly;
// anything larger needs extent-tree promotion, which this engine exposes
// only as an interface (ExtentIndex/Extent) rather than a full promotion
// path.
func (v *Volume) WriteToInode(in *Inode, offset uint64, data []byte) error {
	if offset+uint64(len(data)) <= inlineDataSize {
		copy(in.Inline[offset:], data)

		if end := offset + uint64(len(data)); end > in.Size {
			in.Size = end
		}

		return v.WriteInode(in)
	}

	return ErrTooLarge
}

// ReadFromInode returns the inline payload in [offset, offset+size).
func (v *Volume) ReadFromInode(in *Inode, offset, size uint64) ([]byte, error) {
	if offset+size > inlineDataSize {
		return nil, ErrTooLarge
	}

	out := make([]byte, size)
	copy(out, in.Inline[offset:offset+size])

	return out, nil
}

// directoryOf decodes the directory payload held inline in a directory
// inode.
func (v *Volume) directoryOf(in *Inode) (*Directory, error) {
	if in.Mode&ModeDir == 0 {
		return nil, ErrNotDir
	}

	return DecodeDirectory(in.Inline[:in.Size])
}

// saveDirectory re-encodes dir and writes it back into in's inline
// payload.
func (v *Volume) saveDirectory(in *Inode, dir *Directory) error {
	payload := dir.Encode()
	if uint64(len(payload)) > inlineDataSize {
		return ErrTooLarge
	}

	for i := range in.Inline {
		in.Inline[i] = 0
	}

	copy(in.Inline[:], payload)
	in.Size = uint64(len(payload))

	return v.WriteInode(in)
}

// CreateFile allocates a new inode under parent (a directory inode
// number) named name, returning the child's inode number.
func (v *Volume) CreateFile(parent uint64, name string, mode Mode) (uint64, error) {
	parentIn, err := v.ReadInode(parent)
	if err != nil {
		return 0, err
	}

	dir, err := v.directoryOf(parentIn)
	if err != nil {
		return 0, err
	}

	child, err := v.AllocInode(mode)
	if err != nil {
		return 0, err
	}

	if err := dir.Add(name, child.ID); err != nil {
		_ = v.FreeInode(child.ID)

		return 0, err
	}

	if err := v.saveDirectory(parentIn, dir); err != nil {
		_ = v.FreeInode(child.ID)

		return 0, err
	}

	return child.ID, nil
}

// Mkdir allocates a new directory inode under parent.
func (v *Volume) Mkdir(parent uint64, name string) (uint64, error) {
	id, err := v.CreateFile(parent, name, ModeDir|ModeRead|ModeWrite|ModeExec)
	if err != nil {
		return 0, err
	}

	child, err := v.ReadInode(id)
	if err != nil {
		return 0, err
	}

	if err := v.saveDirectory(child, NewDirectory()); err != nil {
		return 0, err
	}

	return id, nil
}

// Lookup resolves name within the directory inode parent.
func (v *Volume) Lookup(parent uint64, name string) (uint64, error) {
	parentIn, err := v.ReadInode(parent)
	if err != nil {
		return 0, err
	}

	dir, err := v.directoryOf(parentIn)
	if err != nil {
		return 0, err
	}

	id, ok := dir.Lookup(name)
	if !ok {
		return 0, ErrNoSuchEntry
	}

	return id, nil
}

// CheckReport summarizes a consistency pass over the volume.
type CheckReport struct {
	BadSuperblockChecksum bool
	OrphanedBlocks        []uint64
	Errors                []string
}

// Check re-reads and verifies the superblock and, concurrently, reads
// every leaf bit of the block bitmap, using errgroup the way a fsck tool
// parallelizes independent checks over large volumes. The bitmap pass
// reports only read errors (the first one ends it); it does not compare
// the bitmap against the inodes, and OrphanedBlocks is never filled.
func (v *Volume) Check() (*CheckReport, error) {
	report := &CheckReport{}
	var mu sync.Mutex

	var g errgroup.Group

	g.Go(func() error {
		sb, err := ReadSuperblock(v.dev)
		mu.Lock()
		defer mu.Unlock()

		if err != nil {
			report.BadSuperblockChecksum = true
			report.Errors = append(report.Errors, err.Error())
		} else if sb.TotalBlocks != v.sb.TotalBlocks {
			report.Errors = append(report.Errors, "fs: superblock total_blocks mismatch on re-read")
		}

		return nil
	})

	g.Go(func() error {
		for rel := uint64(0); rel < v.sb.InodeCount; rel++ {
			status, err := v.alloc.BlockStatus(rel)
			if err != nil {
				mu.Lock()
				report.Errors = append(report.Errors, err.Error())
				mu.Unlock()

				return nil
			}

			if status == 0 {
				continue
			}
		}

		return nil
	})

	_ = g.Wait()

	return report, nil
}

// mountTimestamp is a placeholder hook for recording last_mount_time;
// the core engine has no wall clock of its own, so callers that care
// about real timestamps pass one in explicitly rather than this engine
// reaching for time.Now() (which would break deterministic tests).
func mountTimestamp(t time.Time) uint64 { return uint64(t.Unix()) }
