package fs

import (
	"errors"

	"github.com/jewelcodes/kiwi/internal/hashmap"
)

const maxNameLen = 255

var (
	ErrNameTooLong = errors.New("fs: directory entry name too long")
	ErrNoSuchEntry = errors.New("fs: no such directory entry")
	ErrExists      = errors.New("fs: entry already exists")
)

// Directory is a name -> inode-ID index, held as a hashmap.Map the way
// internal/sched holds its PID table and internal/hashmap's own tests
// exercise it, serialized to and from an inode's byte payload as a flat
// list of (name, inode) pairs.
type Directory struct {
	entries *hashmap.Map[string, uint64]
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{entries: hashmap.New[string, uint64](hashmap.FNV1a64)}
}

// Lookup resolves name to an inode ID.
func (d *Directory) Lookup(name string) (uint64, bool) { return d.entries.Get(name) }

// Add inserts a new name -> inode mapping.
func (d *Directory) Add(name string, inode uint64) error {
	if len(name) > maxNameLen {
		return ErrNameTooLong
	}

	if _, exists := d.entries.Get(name); exists {
		return ErrExists
	}

	d.entries.Put(name, inode)

	return nil
}

// Remove deletes name from the directory.
func (d *Directory) Remove(name string) error {
	if !d.entries.Delete(name) {
		return ErrNoSuchEntry
	}

	return nil
}

// List returns every (name, inode) pair, in unspecified order.
func (d *Directory) List() map[string]uint64 {
	out := make(map[string]uint64, d.entries.Len())

	d.entries.Range(func(name string, inode uint64) bool {
		out[name] = inode

		return true
	})

	return out
}

// Encode flattens the directory into a byte payload: a 4-byte entry
// count, then for each entry a 1-byte name length, the name bytes, and
// an 8-byte little-endian inode ID.
func (d *Directory) Encode() []byte {
	entries := d.List()

	buf := make([]byte, 4)
	putU32(buf, uint32(len(entries)))

	for name, inode := range entries {
		rec := make([]byte, 1+len(name)+8)
		rec[0] = byte(len(name))
		copy(rec[1:1+len(name)], name)
		putU64(rec[1+len(name):], inode)
		buf = append(buf, rec...)
	}

	return buf
}

// DecodeDirectory parses a byte payload produced by Encode.
func DecodeDirectory(buf []byte) (*Directory, error) {
	if len(buf) < 4 {
		return nil, errors.New("fs: truncated directory payload")
	}

	count := getU32(buf)
	buf = buf[4:]

	d := NewDirectory()

	for i := uint32(0); i < count; i++ {
		if len(buf) < 1 {
			return nil, errors.New("fs: truncated directory entry")
		}

		nameLen := int(buf[0])
		if len(buf) < 1+nameLen+8 {
			return nil, errors.New("fs: truncated directory entry")
		}

		name := string(buf[1 : 1+nameLen])
		inode := getU64(buf[1+nameLen:])

		if err := d.Add(name, inode); err != nil {
			return nil, err
		}

		buf = buf[1+nameLen+8:]
	}

	return d, nil
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}

	return v
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}

	return v
}
