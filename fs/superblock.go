package fs

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
)

// Magic identifies a pulseio volume, the 8 bytes every superblock opens
// with.
var Magic = [8]byte{'p', 'u', 'l', 's', 'e', 'i', 'o', 1}

var (
	ErrBadMagic    = errors.New("fs: bad superblock magic")
	ErrBadChecksum = errors.New("fs: superblock checksum mismatch")
)

const labelSize = 256

// Superblock sits at block SuperblockBlock of every volume: identity,
// geometry, and label. It records no tuning bits; the block size and the
// bitmap word width are fixed by this package.
type Superblock struct {
	Magic       [8]byte
	TotalBlocks uint64
	BitmapStart uint64
	BitmapWords uint64
	InodeStart  uint64
	InodeCount  uint64
	DataStart   uint64
	RootInode   uint64
	Label       string
	Checksum    uint64 // xxhash64 of every other field, computed last
}

func (sb *Superblock) encode() []byte {
	buf := make([]byte, BlockSize)
	copy(buf[0:8], sb.Magic[:])
	binary.LittleEndian.PutUint64(buf[8:16], sb.TotalBlocks)
	binary.LittleEndian.PutUint64(buf[16:24], sb.BitmapStart)
	binary.LittleEndian.PutUint64(buf[24:32], sb.BitmapWords)
	binary.LittleEndian.PutUint64(buf[32:40], sb.InodeStart)
	binary.LittleEndian.PutUint64(buf[40:48], sb.InodeCount)
	binary.LittleEndian.PutUint64(buf[48:56], sb.DataStart)
	binary.LittleEndian.PutUint64(buf[56:64], sb.RootInode)
	copy(buf[64:64+labelSize], sb.Label)
	sb.Checksum = xxhash.Sum64(buf[:64+labelSize])
	binary.LittleEndian.PutUint64(buf[64+labelSize:72+labelSize], sb.Checksum)

	return buf
}

func decodeSuperblock(buf []byte) (*Superblock, error) {
	var sb Superblock

	copy(sb.Magic[:], buf[0:8])
	if sb.Magic != Magic {
		return nil, ErrBadMagic
	}

	sb.TotalBlocks = binary.LittleEndian.Uint64(buf[8:16])
	sb.BitmapStart = binary.LittleEndian.Uint64(buf[16:24])
	sb.BitmapWords = binary.LittleEndian.Uint64(buf[24:32])
	sb.InodeStart = binary.LittleEndian.Uint64(buf[32:40])
	sb.InodeCount = binary.LittleEndian.Uint64(buf[40:48])
	sb.DataStart = binary.LittleEndian.Uint64(buf[48:56])
	sb.RootInode = binary.LittleEndian.Uint64(buf[56:64])

	label := buf[64 : 64+labelSize]
	if n := bytes.IndexByte(label, 0); n >= 0 {
		label = label[:n]
	}

	sb.Label = string(label)
	sb.Checksum = binary.LittleEndian.Uint64(buf[64+labelSize : 72+labelSize])

	want := xxhash.Sum64(buf[:64+labelSize])
	if want != sb.Checksum {
		return nil, ErrBadChecksum
	}

	return &sb, nil
}

// SuperblockBlock is the fixed block index every volume's superblock
// lives at, regardless of block size.
const SuperblockBlock = 64

// ReadSuperblock loads and validates the superblock at SuperblockBlock.
func ReadSuperblock(d Device) (*Superblock, error) {
	buf := make([]byte, BlockSize)
	if err := d.ReadBlock(SuperblockBlock, buf); err != nil {
		return nil, err
	}

	return decodeSuperblock(buf)
}

// WriteSuperblock encodes and writes sb to SuperblockBlock, recomputing
// its checksum.
func WriteSuperblock(d Device, sb *Superblock) error {
	return d.WriteBlock(SuperblockBlock, sb.encode())
}
