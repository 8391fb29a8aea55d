package mapstream

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// magic is the literal 6-byte identifier written at the start of every
// MapStream file: "VFSMSF" (VirtualFileSystem MapStreamFile).
var magic = [6]byte{'V', 'F', 'S', 'M', 'S', 'F'}

// headerSize is the packed, little-endian, no-padding width of the header.
const headerSize = 6 + 8*5

// ErrBadMagic is returned when an existing file does not begin with the
// expected 6-byte magic string.
var ErrBadMagic = errors.New("mapstream: bad header magic")

// ErrElemSizeMismatch is returned when a header's elemSize does not equal
// keySize+valSize.
var ErrElemSizeMismatch = errors.New("mapstream: elemSize != keySize+valSize")

// header is the fixed, packed, little-endian file header written at offset 0.
type header struct {
	keySize   uint64
	valSize   uint64
	elemSize  uint64
	nSorted   uint64
	nUnsorted uint64
}

func (h *header) marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:6], magic[:])
	binary.LittleEndian.PutUint64(buf[6:14], h.keySize)
	binary.LittleEndian.PutUint64(buf[14:22], h.valSize)
	binary.LittleEndian.PutUint64(buf[22:30], h.elemSize)
	binary.LittleEndian.PutUint64(buf[30:38], h.nSorted)
	binary.LittleEndian.PutUint64(buf[38:46], h.nUnsorted)
	return buf
}

func (h *header) unmarshal(buf []byte) error {
	if len(buf) < headerSize {
		return fmt.Errorf("mapstream: short header (%d bytes)", len(buf))
	}
	if string(buf[0:6]) != string(magic[:]) {
		return ErrBadMagic
	}
	h.keySize = binary.LittleEndian.Uint64(buf[6:14])
	h.valSize = binary.LittleEndian.Uint64(buf[14:22])
	h.elemSize = binary.LittleEndian.Uint64(buf[22:30])
	h.nSorted = binary.LittleEndian.Uint64(buf[30:38])
	h.nUnsorted = binary.LittleEndian.Uint64(buf[38:46])
	if h.elemSize != h.keySize+h.valSize {
		return ErrElemSizeMismatch
	}
	return nil
}
