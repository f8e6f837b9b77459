// Package region implements the on-disk container holding up to 1024 chunks
// (one 32x32 chunk tile). A region file is a fixed header, a 1024-entry slot
// table, a 256-entry free-range table, and a variable-length data area. All
// integers are little-endian. Header and tables are rewritten to the front of
// the file after every mutation so on-disk metadata stays consistent even if
// the process dies between operations.
package region

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	Magic   uint32 = 0x47525453 // "STRG"
	Version uint16 = 1

	// EntryCount is the fixed chunk capacity of one region (32*32).
	EntryCount = 1024
	// FreeCap is the fixed capacity of the free-range table.
	FreeCap = 256

	headerSize        = 12
	slotSize          = 20
	freeSize          = 16
	payloadHeaderSize = 20

	// DataStart is the file offset of the data area.
	DataStart = headerSize + EntryCount*slotSize + FreeCap*freeSize
)

// compactMinFreeBytes is the absolute floor below which a region is never
// worth compacting, regardless of the free/used ratio.
const compactMinFreeBytes = 4096

// Payload compression tags. Unknown tags are treated as corruption on read.
const (
	CompressionRLE     uint8 = 1 // run-length stream as-is
	CompressionRLEZstd uint8 = 2 // run-length stream wrapped in zstd
)

var (
	ErrBadMagic      = errors.New("region: bad magic")
	ErrBadVersion    = errors.New("region: unsupported version")
	ErrBadEntryCount = errors.New("region: bad entry count")
	ErrTruncated     = errors.New("region: truncated file")
	ErrSlotRange     = errors.New("region: slot index out of range")
	ErrNoChunk       = errors.New("region: no chunk in slot")
	ErrSizeMismatch  = errors.New("region: payload size inconsistent with slot entry")
)

// Header is the fixed-layout file header.
type Header struct {
	Magic      uint32
	Version    uint16
	EntryCount uint16
	FreeCount  uint16
	Reserved   uint16
}

// SlotEntry locates one chunk payload in the data area. A zero entry means
// the slot is absent.
type SlotEntry struct {
	Offset           uint64
	Size             uint32
	UncompressedSize uint32
	Version          uint16
	Compression      uint8
	Reserved         uint8
}

// FreeEntry describes one reclaimed byte range available for reuse.
type FreeEntry struct {
	Offset   uint64
	Length   uint32
	Reserved uint32
}

// PayloadHeader prefixes every chunk payload in the data area.
type PayloadHeader struct {
	Version          uint16
	X                int32
	Z                int32
	Compression      uint8
	Reserved         uint8
	CompressedSize   uint32
	UncompressedSize uint32
}

// File is an open region container. It is not safe for concurrent use; the
// persistence layer serializes access.
type File struct {
	path string
	f    *os.File

	header    Header
	slots     [EntryCount]SlotEntry
	free      []FreeEntry
	watermark uint64 // end-of-data allocation point

	overflowDrops uint64
}

// Open opens or creates a region file and loads its tables into memory.
// A structurally invalid file (bad magic, wrong version or entry count,
// truncated header or tables) fails with a specific error.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	r := &File{path: path, f: f}
	if err := r.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *File) load() error {
	st, err := r.f.Stat()
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		// Fresh file: lay down an empty header and tables.
		r.header = Header{Magic: Magic, Version: Version, EntryCount: EntryCount}
		r.slots = [EntryCount]SlotEntry{}
		r.free = nil
		r.watermark = DataStart
		return r.flush()
	}
	if st.Size() < headerSize {
		return fmt.Errorf("%w: %d byte header", ErrTruncated, st.Size())
	}

	buf := make([]byte, DataStart)
	n, err := r.f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return err
	}
	rd := bytes.NewReader(buf[:n])
	if err := binary.Read(rd, binary.LittleEndian, &r.header); err != nil {
		return fmt.Errorf("%w: header", ErrTruncated)
	}
	if r.header.Magic != Magic {
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, r.header.Magic)
	}
	if r.header.Version != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, r.header.Version)
	}
	if r.header.EntryCount != EntryCount {
		return fmt.Errorf("%w: %d", ErrBadEntryCount, r.header.EntryCount)
	}
	if r.header.FreeCount > FreeCap {
		return fmt.Errorf("%w: free count %d", ErrBadEntryCount, r.header.FreeCount)
	}
	if n < DataStart {
		return fmt.Errorf("%w: %d byte tables", ErrTruncated, n)
	}
	if err := binary.Read(rd, binary.LittleEndian, &r.slots); err != nil {
		return fmt.Errorf("%w: slot table", ErrTruncated)
	}
	all := make([]FreeEntry, FreeCap)
	if err := binary.Read(rd, binary.LittleEndian, &all); err != nil {
		return fmt.Errorf("%w: free table", ErrTruncated)
	}
	r.free = append(r.free[:0], all[:r.header.FreeCount]...)

	r.watermark = uint64(st.Size())
	if r.watermark < DataStart {
		r.watermark = DataStart
	}
	return nil
}

// flush rewrites the header and both tables at the start of the file.
func (r *File) flush() error {
	r.header.FreeCount = uint16(len(r.free))
	var buf bytes.Buffer
	buf.Grow(DataStart)
	if err := binary.Write(&buf, binary.LittleEndian, &r.header); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, &r.slots); err != nil {
		return err
	}
	all := make([]FreeEntry, FreeCap)
	copy(all, r.free)
	if err := binary.Write(&buf, binary.LittleEndian, all); err != nil {
		return err
	}
	if _, err := r.f.WriteAt(buf.Bytes(), 0); err != nil {
		return err
	}
	return nil
}

func (r *File) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Sync()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	r.f = nil
	return err
}

func (r *File) Path() string { return r.path }

// HasChunk reports whether the slot holds a live payload.
func (r *File) HasChunk(slot int) bool {
	if slot < 0 || slot >= EntryCount {
		return false
	}
	e := r.slots[slot]
	return e.Offset != 0 || e.Size != 0
}

// LiveChunks returns the number of occupied slots.
func (r *File) LiveChunks() int {
	n := 0
	for i := range r.slots {
		if r.HasChunk(i) {
			n++
		}
	}
	return n
}

// FreeBytes returns the total reclaimable bytes tracked by the free list.
func (r *File) FreeBytes() uint64 {
	var total uint64
	for _, e := range r.free {
		total += uint64(e.Length)
	}
	return total
}

// OverflowDrops returns how many freed ranges were dropped because the free
// list was full. Dropped bytes stay unreclaimed until the next compaction.
func (r *File) OverflowDrops() uint64 { return r.overflowDrops }

func (r *File) usedBytes() uint64 {
	var total uint64
	for i := range r.slots {
		if r.HasChunk(i) {
			total += uint64(r.slots[i].Size)
		}
	}
	return total
}

// ShouldCompact reports whether the region has accumulated enough dead space
// to be worth rewriting. Either the free list is completely full (it would
// start leaking bytes), or free space exceeds an absolute floor and is at
// least 35% of the live payload bytes.
func (r *File) ShouldCompact() bool {
	if len(r.free) >= FreeCap {
		return true
	}
	free := r.FreeBytes()
	return free >= compactMinFreeBytes && free*100 >= r.usedBytes()*35
}

// allocate finds space for size bytes: first fit from the free list, else
// append at the end-of-file watermark.
func (r *File) allocate(size uint32) uint64 {
	for i, e := range r.free {
		if e.Length == size {
			r.free = append(r.free[:i], r.free[i+1:]...)
			return e.Offset
		}
		if e.Length > size {
			off := e.Offset
			r.free[i].Offset += uint64(size)
			r.free[i].Length -= size
			return off
		}
	}
	off := r.watermark
	r.watermark += uint64(size)
	return off
}

// freeRange returns a byte range to the free list, merging with any
// byte-adjacent entries (repeatedly, so chains collapse into one range).
// When the table is full and no merge applies, the range is dropped: a
// bounded loss reclaimed by the next compaction, surfaced via OverflowDrops.
func (r *File) freeRange(off uint64, length uint32) {
	if length == 0 {
		return
	}
	for {
		merged := false
		for i, e := range r.free {
			if e.Offset+uint64(e.Length) == off {
				off = e.Offset
				length += e.Length
				r.free = append(r.free[:i], r.free[i+1:]...)
				merged = true
				break
			}
			if off+uint64(length) == e.Offset {
				length += e.Length
				r.free = append(r.free[:i], r.free[i+1:]...)
				merged = true
				break
			}
		}
		if !merged {
			break
		}
	}
	if len(r.free) >= FreeCap {
		r.overflowDrops++
		return
	}
	r.free = append(r.free, FreeEntry{Offset: off, Length: length})
}

// WriteChunk stores a payload in the given slot, freeing any previous
// payload for that slot first. The header and tables are flushed before
// returning.
func (r *File) WriteChunk(slot int, hdr PayloadHeader, body []byte) error {
	if slot < 0 || slot >= EntryCount {
		return fmt.Errorf("%w: %d", ErrSlotRange, slot)
	}
	if int(hdr.CompressedSize) != len(body) {
		return fmt.Errorf("%w: header says %d, body is %d", ErrSizeMismatch, hdr.CompressedSize, len(body))
	}
	if r.HasChunk(slot) {
		old := r.slots[slot]
		r.freeRange(old.Offset, old.Size)
		r.slots[slot] = SlotEntry{}
	}

	total := uint32(payloadHeaderSize + len(body))
	off := r.allocate(total)

	var buf bytes.Buffer
	buf.Grow(int(total))
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	buf.Write(body)
	if _, err := r.f.WriteAt(buf.Bytes(), int64(off)); err != nil {
		return err
	}

	r.slots[slot] = SlotEntry{
		Offset:           off,
		Size:             total,
		UncompressedSize: hdr.UncompressedSize,
		Version:          hdr.Version,
		Compression:      hdr.Compression,
	}
	return r.flush()
}

// ReadChunk loads the payload stored in the given slot. Absence is reported
// as ErrNoChunk; every structural inconsistency between the slot entry and
// the payload header is an error, never coerced.
func (r *File) ReadChunk(slot int) (PayloadHeader, []byte, error) {
	var hdr PayloadHeader
	if slot < 0 || slot >= EntryCount {
		return hdr, nil, fmt.Errorf("%w: %d", ErrSlotRange, slot)
	}
	if !r.HasChunk(slot) {
		return hdr, nil, ErrNoChunk
	}
	e := r.slots[slot]
	if e.Size < payloadHeaderSize {
		return hdr, nil, fmt.Errorf("%w: slot size %d", ErrSizeMismatch, e.Size)
	}
	raw := make([]byte, e.Size)
	if _, err := r.f.ReadAt(raw, int64(e.Offset)); err != nil {
		return hdr, nil, fmt.Errorf("%w: payload read: %v", ErrTruncated, err)
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &hdr); err != nil {
		return hdr, nil, fmt.Errorf("%w: payload header", ErrTruncated)
	}
	if hdr.Version != e.Version || hdr.Compression != e.Compression {
		return hdr, nil, fmt.Errorf("%w: payload header disagrees with slot entry", ErrSizeMismatch)
	}
	if int(hdr.CompressedSize) != len(raw)-payloadHeaderSize {
		return hdr, nil, fmt.Errorf("%w: compressed size %d in %d byte payload", ErrSizeMismatch, hdr.CompressedSize, len(raw))
	}
	if hdr.UncompressedSize != e.UncompressedSize {
		return hdr, nil, fmt.Errorf("%w: uncompressed size %d vs slot %d", ErrSizeMismatch, hdr.UncompressedSize, e.UncompressedSize)
	}
	return hdr, raw[payloadHeaderSize:], nil
}

// freeEntries exposes a copy of the free list for tests and compaction.
func (r *File) freeEntries() []FreeEntry {
	out := make([]FreeEntry, len(r.free))
	copy(out, r.free)
	return out
}
