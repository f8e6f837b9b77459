package region

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Compact rewrites every live payload contiguously into a fresh temporary
// file, snapshots the original into backupDir, then atomically renames the
// temp file over the original and reopens it. A crash mid-rewrite leaves the
// original untouched (only an orphan temp file); the rename is the only
// dangerous boundary, and a rename failure triggers a best-effort restore
// from the just-made backup.
//
// It returns the number of file bytes reclaimed and the backup path.
func (r *File) Compact(backupDir string) (freed uint64, backupPath string, err error) {
	oldSize := r.watermark

	// Stage 1: write the compacted image to a temp file next to the original.
	tmpPath := r.path + ".compact.tmp"
	newSlots, newWatermark, err := r.writeCompacted(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, "", fmt.Errorf("compact %s: %w", r.path, err)
	}

	// Stage 2: snapshot the original before replacing it.
	backupPath, err = r.backupOriginal(backupDir)
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, "", fmt.Errorf("compact %s: backup: %w", r.path, err)
	}

	// Stage 3: swap. Close the live handle first so the rename target is not
	// held open, then rename and reopen.
	if err := r.f.Close(); err != nil {
		r.f = nil
		_ = os.Remove(tmpPath)
		return 0, backupPath, fmt.Errorf("compact %s: close: %w", r.path, err)
	}
	r.f = nil
	if err := os.Rename(tmpPath, r.path); err != nil {
		// Best effort: put the pre-compaction bytes back.
		_ = copyFile(backupPath, r.path)
		_ = os.Remove(tmpPath)
		if rerr := r.reopen(); rerr != nil {
			return 0, backupPath, fmt.Errorf("compact %s: rename failed (%v) and reopen failed: %w", r.path, err, rerr)
		}
		return 0, backupPath, fmt.Errorf("compact %s: rename: %w", r.path, err)
	}

	f, err := os.OpenFile(r.path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, backupPath, fmt.Errorf("compact %s: reopen: %w", r.path, err)
	}
	r.f = f
	r.slots = newSlots
	r.free = r.free[:0]
	r.watermark = newWatermark
	r.overflowDrops = 0
	r.header.FreeCount = 0

	if newWatermark < oldSize {
		freed = oldSize - newWatermark
	}
	return freed, backupPath, nil
}

// writeCompacted builds the defragmented image: same live payloads, packed
// back-to-back from DataStart, with an empty free table.
func (r *File) writeCompacted(tmpPath string) ([EntryCount]SlotEntry, uint64, error) {
	var newSlots [EntryCount]SlotEntry

	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return newSlots, 0, err
	}
	defer f.Close()

	var data bytes.Buffer
	off := uint64(DataStart)
	for i := range r.slots {
		if !r.HasChunk(i) {
			continue
		}
		e := r.slots[i]
		raw := make([]byte, e.Size)
		if _, err := r.f.ReadAt(raw, int64(e.Offset)); err != nil {
			return newSlots, 0, fmt.Errorf("read slot %d: %w", i, err)
		}
		data.Write(raw)
		ne := e
		ne.Offset = off
		newSlots[i] = ne
		off += uint64(e.Size)
	}

	hdr := Header{Magic: Magic, Version: Version, EntryCount: EntryCount}
	var buf bytes.Buffer
	buf.Grow(DataStart + data.Len())
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return newSlots, 0, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, &newSlots); err != nil {
		return newSlots, 0, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, make([]FreeEntry, FreeCap)); err != nil {
		return newSlots, 0, err
	}
	buf.Write(data.Bytes())
	if _, err := f.Write(buf.Bytes()); err != nil {
		return newSlots, 0, err
	}
	if err := f.Sync(); err != nil {
		return newSlots, 0, err
	}
	return newSlots, off, nil
}

// backupOriginal copies the current file bytes into backupDir under a
// timestamped name: <base>.<unix_ts>.bak.
func (r *File) backupOriginal(backupDir string) (string, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(filepath.Base(r.path), filepath.Ext(r.path))
	name := fmt.Sprintf("%s.%d.bak", base, time.Now().UnixNano())
	dst := filepath.Join(backupDir, name)
	if err := copyFile(r.path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// reopen reloads the file after a failed swap.
func (r *File) reopen() error {
	f, err := os.OpenFile(r.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	r.f = f
	return r.load()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}
