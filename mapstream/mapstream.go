// Package mapstream implements a persistent, single-file ordered key-value
// store with fixed-width keys and values: a sorted region for fast binary
// search and an append-only unsorted region for cheap inserts, merged back
// together on demand by Optimize. All byte I/O is delegated to an
// fileio.FileIO.
package mapstream

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sort"

	"github.com/sharedcode/vfs/fileio"
)

// location identifies which of the two element regions an offset belongs to.
type location int

const (
	sortedLoc location = iota
	unsortedLoc
)

// maxCopyChunk bounds how much data eraseFinal/Optimize move through memory
// in one read-then-write pair.
const maxCopyChunk = 16 * 1024

// ErrKeySizeMismatch is returned when a caller-supplied key does not match
// the store's configured key width.
var ErrKeySizeMismatch = errors.New("mapstream: key size mismatch")

// ErrValSizeMismatch is returned when a caller-supplied value does not match
// the store's configured value width.
var ErrValSizeMismatch = errors.New("mapstream: value size mismatch")

// ErrIndexNotFound is returned by GetValue when given the NotFound sentinel.
var ErrIndexNotFound = errors.New("mapstream: index not found")

// Options configures a new Store when the backing file does not already
// exist. They are ignored (and overwritten from the file's own header) when
// reopening an existing store.
type Options struct {
	KeySize int
	ValSize int
}

// Store is a single MapStream file: a header, a sorted region, and an
// append-only unsorted region. A Store is not safe for concurrent use by
// multiple goroutines, and exactly one Store should be open against a given
// path at a time.
type Store struct {
	io      fileio.FileIO
	path    string
	hdr     header
	pending []Index // kept sorted ascending; sorted-region entries (high bit clear) precede unsorted ones.
}

// Open opens the MapStream file at path, creating it with the given key/value
// sizes if it does not already exist. If it does exist, the on-disk
// keySize/valSize are adopted and opts is ignored.
func Open(ctx context.Context, path string, io fileio.FileIO, opts Options) (*Store, error) {
	s := &Store{io: io, path: path}

	if io.Exists(path) {
		buf := make([]byte, headerSize)
		if err := io.Read(ctx, path, buf, 0); err != nil {
			return nil, err
		}
		if err := s.hdr.unmarshal(buf); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := io.Make(ctx, path); err != nil {
		return nil, err
	}
	s.hdr = header{
		keySize:  uint64(opts.KeySize),
		valSize:  uint64(opts.ValSize),
		elemSize: uint64(opts.KeySize + opts.ValSize),
	}
	if err := s.writeHeader(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// KeySize returns the fixed key width in bytes, as recorded in the header.
func (s *Store) KeySize() int { return int(s.hdr.keySize) }

// ValSize returns the fixed value width in bytes, as recorded in the header.
func (s *Store) ValSize() int { return int(s.hdr.valSize) }

// Insert adds key/value if key is not already present anywhere in the store
// (sorted or unsorted region); otherwise it is a no-op. The new element is
// always appended to the unsorted region.
func (s *Store) Insert(ctx context.Context, key, value []byte) error {
	if uint64(len(key)) != s.hdr.keySize {
		return ErrKeySizeMismatch
	}
	if uint64(len(value)) != s.hdr.valSize {
		return ErrValSizeMismatch
	}

	idx, err := s.Find(ctx, key)
	if err != nil {
		return err
	}
	if idx != NotFound {
		return nil
	}

	elem := make([]byte, 0, s.hdr.elemSize)
	elem = append(elem, key...)
	elem = append(elem, value...)
	off := s.elemOffset(unsortedLoc, s.hdr.nUnsorted)
	if err := s.io.Write(ctx, s.path, elem, off); err != nil {
		return err
	}
	s.hdr.nUnsorted++
	return nil
}

// Find searches the sorted region (binary search) and then the unsorted
// region (linear scan) for key, returning its encoded Index or NotFound.
func (s *Store) Find(ctx context.Context, key []byte) (Index, error) {
	if uint64(len(key)) != s.hdr.keySize {
		return NotFound, ErrKeySizeMismatch
	}
	idx, err := s.findSorted(ctx, key)
	if err != nil {
		return NotFound, err
	}
	if idx != NotFound {
		return idx, nil
	}
	return s.findUnsorted(ctx, key)
}

// findSorted performs a conventional lo/hi/mid binary search over the sorted
// region, terminating at lo > hi so that nSorted of 0 or 1 resolve cleanly
// without any step-size underflow.
func (s *Store) findSorted(ctx context.Context, key []byte) (Index, error) {
	lo, hi := int64(0), int64(s.hdr.nSorted)-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		midKey, err := s.readKey(ctx, sortedLoc, uint64(mid))
		if err != nil {
			return NotFound, err
		}
		switch {
		case less(midKey, key):
			lo = mid + 1
		case less(key, midKey):
			hi = mid - 1
		default:
			return sortedIndex(uint64(mid)), nil
		}
	}
	return NotFound, nil
}

// findUnsorted linearly scans the unsorted region. On a miss it returns the
// NotFound sentinel unchanged, never OR-ing the high bit onto it.
func (s *Store) findUnsorted(ctx context.Context, key []byte) (Index, error) {
	for i := uint64(0); i < s.hdr.nUnsorted; i++ {
		k, err := s.readKey(ctx, unsortedLoc, i)
		if err != nil {
			return NotFound, err
		}
		if !less(k, key) && !less(key, k) {
			return unsortedIndex(i), nil
		}
	}
	return NotFound, nil
}

// GetValue reads the value at the region/position denoted by index into out,
// which must be exactly ValSize() bytes long.
func (s *Store) GetValue(ctx context.Context, index Index, out []byte) error {
	if index == NotFound {
		return ErrIndexNotFound
	}
	if uint64(len(out)) != s.hdr.valSize {
		return ErrValSizeMismatch
	}
	loc := sortedLoc
	if index.isUnsorted() {
		loc = unsortedLoc
	}
	return s.io.Read(ctx, s.path, out, s.valOffset(loc, index.position()))
}

// Erase resolves key to an encoded index and records it for deferred removal
// at the next Flush. It is a no-op if key is not found.
func (s *Store) Erase(ctx context.Context, key []byte) error {
	idx, err := s.Find(ctx, key)
	if err != nil {
		return err
	}
	if idx == NotFound {
		return nil
	}
	s.addPending(idx)
	return nil
}

// addPending inserts idx into the pending-erase set in ascending order,
// deduplicating. Because unsortedIndex values always carry the high bit,
// sorted-region entries naturally sort before unsorted-region ones.
func (s *Store) addPending(idx Index) {
	i := sort.Search(len(s.pending), func(i int) bool { return s.pending[i] >= idx })
	if i < len(s.pending) && s.pending[i] == idx {
		return
	}
	s.pending = append(s.pending, NotFound)
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = idx
}

// CurrOptimization reports nSorted / max(1, nSorted+nUnsorted), i.e. the
// fraction of the store currently living in the sorted (searchable-by-binary-
// search) region.
func (s *Store) CurrOptimization() float64 {
	total := s.hdr.nSorted + s.hdr.nUnsorted
	if total == 0 {
		total = 1
	}
	return float64(s.hdr.nSorted) / float64(total)
}

// Flush materializes any pending erases and rewrites the header. No
// fsync-equivalent is performed; durability is best-effort.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.eraseFinal(ctx); err != nil {
		return err
	}
	return s.writeHeader(ctx)
}

// Close always flushes with a background context so a canceled caller
// context cannot suppress the final flush, mirroring a destructor-driven
// flush-on-close lifecycle.
func (s *Store) Close() error {
	return s.Flush(context.Background())
}

// Optimize merges the unsorted region into the sorted region so that
// CurrOptimization returns 1 afterward. It flushes first (materializing any
// pending erases), sorts the unsorted region in memory, and streams a
// two-way merge into a shadow file before copying the merged result back
// in place — this never performs an in-place merge against the source file,
// since the merge write pointer can run ahead of the sorted-region read
// pointer.
func (s *Store) Optimize(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	if s.hdr.nUnsorted == 0 {
		return nil
	}

	nSortedOld := s.hdr.nSorted
	nUnsortedOld := s.hdr.nUnsorted
	total := nSortedOld + nUnsortedOld
	elemSize := int64(s.hdr.elemSize)
	keySize := s.hdr.keySize

	unsortedBuf := make([]byte, int64(nUnsortedOld)*elemSize)
	if err := s.io.Read(ctx, s.path, unsortedBuf, s.regionStart(unsortedLoc)); err != nil {
		return err
	}
	elems := make([][]byte, nUnsortedOld)
	for i := uint64(0); i < nUnsortedOld; i++ {
		elems[i] = unsortedBuf[i*uint64(elemSize) : (i+1)*uint64(elemSize)]
	}
	sort.Slice(elems, func(a, b int) bool {
		return less(elems[a][:keySize], elems[b][:keySize])
	})

	tmpPath := s.path + ".optimize.tmp"
	_ = s.io.Remove(ctx, tmpPath)
	if err := s.io.Make(ctx, tmpPath); err != nil {
		return err
	}

	var writeOff int64
	i, j := uint64(0), uint64(0)
	for i < nSortedOld || j < nUnsortedOld {
		takeSorted := j >= nUnsortedOld
		if i < nSortedOld && j < nUnsortedOld {
			sKey, err := s.readKey(ctx, sortedLoc, i)
			if err != nil {
				return err
			}
			takeSorted = less(sKey, elems[j][:keySize])
		}
		if takeSorted {
			elem := make([]byte, elemSize)
			if err := s.io.Read(ctx, s.path, elem, s.elemOffset(sortedLoc, i)); err != nil {
				return err
			}
			if err := s.io.Write(ctx, tmpPath, elem, writeOff); err != nil {
				return err
			}
			i++
		} else {
			if err := s.io.Write(ctx, tmpPath, elems[j], writeOff); err != nil {
				return err
			}
			j++
		}
		writeOff += elemSize
	}

	if err := s.copyAcrossFiles(ctx, tmpPath, 0, s.path, headerSize, int64(total)*elemSize); err != nil {
		return err
	}
	if err := s.io.Remove(ctx, tmpPath); err != nil {
		log.Debug("mapstream: failed to remove optimize shadow file", "path", tmpPath, "error", err)
	}
	if err := s.io.Resize(ctx, s.path, headerSize+int64(total)*elemSize); err != nil {
		return err
	}

	s.hdr.nSorted = total
	s.hdr.nUnsorted = 0
	return s.writeHeader(ctx)
}

// eraseFinal materializes the pending-erase set in two independent passes —
// sorted region first, unsorted region second — so that the physical shift
// applied to the unsorted region correctly accounts for the sorted region
// having shrunk, without double-counting cross-region erasures the way a
// single combined pass would.
func (s *Store) eraseFinal(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	var sortedPositions, unsortedPositions []uint64
	for _, idx := range s.pending {
		if idx.isUnsorted() {
			unsortedPositions = append(unsortedPositions, idx.position())
		} else {
			sortedPositions = append(sortedPositions, idx.position())
		}
	}

	nErasedSorted, err := s.compactRegion(ctx, sortedLoc, sortedPositions, 0)
	if err != nil {
		return err
	}
	nErasedUnsorted, err := s.compactRegion(ctx, unsortedLoc, unsortedPositions, nErasedSorted)
	if err != nil {
		return err
	}

	s.hdr.nSorted -= nErasedSorted
	s.hdr.nUnsorted -= nErasedUnsorted
	s.pending = s.pending[:0]
	return nil
}

// compactRegion removes the elements at positions (ascending, deduplicated)
// from region loc, shifting each surviving run of elements left to close the
// gaps. extraShiftElems additionally shifts every surviving element in this
// region left by that many elements first — used so the unsorted region's
// shift accounts for the sorted region having shrunk in the same Flush.
func (s *Store) compactRegion(ctx context.Context, loc location, positions []uint64, extraShiftElems uint64) (uint64, error) {
	regionCount := s.regionCount(loc)
	elemSize := int64(s.hdr.elemSize)

	start := uint64(0)
	shift := extraShiftElems
	for i := 0; i <= len(positions); i++ {
		end := regionCount
		if i < len(positions) {
			end = positions[i]
		}
		if start < end && shift > 0 {
			srcOff := s.elemOffset(loc, start)
			length := int64(end-start) * elemSize
			dstOff := srcOff - int64(shift)*elemSize
			if err := s.copyChunked(ctx, srcOff, dstOff, length); err != nil {
				return uint64(i), err
			}
		}
		if i < len(positions) {
			start = positions[i] + 1
			shift++
		}
	}
	return uint64(len(positions)), nil
}

// copyChunked moves length bytes within the store's own file from srcOff to
// dstOff in bounded chunks of at most maxCopyChunk bytes. The caller must
// ensure dstOff < srcOff (a left shift), which combined with forward
// chunk-at-a-time processing guarantees a chunk's destination never reaches
// into source bytes a later chunk still needs to read.
func (s *Store) copyChunked(ctx context.Context, srcOff, dstOff, length int64) error {
	return s.copyAcrossFiles(ctx, s.path, srcOff, s.path, dstOff, length)
}

// copyAcrossFiles moves length bytes from srcPath at srcOff to dstPath at
// dstOff in bounded chunks, both via the same fileio.FileIO.
func (s *Store) copyAcrossFiles(ctx context.Context, srcPath string, srcOff int64, dstPath string, dstOff int64, length int64) error {
	remaining := length
	for remaining > 0 {
		n := remaining
		if n > maxCopyChunk {
			n = maxCopyChunk
		}
		buf := make([]byte, n)
		if err := s.io.Read(ctx, srcPath, buf, srcOff); err != nil {
			return err
		}
		if err := s.io.Write(ctx, dstPath, buf, dstOff); err != nil {
			return err
		}
		srcOff += n
		dstOff += n
		remaining -= n
	}
	return nil
}

func (s *Store) writeHeader(ctx context.Context) error {
	return s.io.Write(ctx, s.path, s.hdr.marshal(), 0)
}

func (s *Store) regionStart(loc location) int64 {
	if loc == sortedLoc {
		return headerSize
	}
	return headerSize + int64(s.hdr.nSorted)*int64(s.hdr.elemSize)
}

func (s *Store) regionCount(loc location) uint64 {
	if loc == sortedLoc {
		return s.hdr.nSorted
	}
	return s.hdr.nUnsorted
}

func (s *Store) elemOffset(loc location, pos uint64) int64 {
	return s.regionStart(loc) + int64(pos)*int64(s.hdr.elemSize)
}

func (s *Store) valOffset(loc location, pos uint64) int64 {
	return s.elemOffset(loc, pos) + int64(s.hdr.keySize)
}

func (s *Store) readKey(ctx context.Context, loc location, pos uint64) ([]byte, error) {
	buf := make([]byte, s.hdr.keySize)
	if err := s.io.Read(ctx, s.path, buf, s.elemOffset(loc, pos)); err != nil {
		return nil, fmt.Errorf("mapstream: reading key at %s region position %d: %w", locationName(loc), pos, err)
	}
	return buf, nil
}

// less implements the byte-lex comparator: the first differing byte decides.
func less(a, b []byte) bool {
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func locationName(loc location) string {
	if loc == sortedLoc {
		return "sorted"
	}
	return "unsorted"
}
