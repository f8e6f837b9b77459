package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"strata.dev/internal/chunk"
	"strata.dev/internal/region"
)

func openTestStore(t *testing.T, dir string, seed int64) *Store {
	t.Helper()
	s, err := Open(dir, Options{Name: "test", Seed: seed}, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testChunk(pos chunk.Coord) *chunk.Chunk {
	c := chunk.New()
	c.SetPos(pos)
	c.SetBlock(0, 0, 10, chunk.Stone)
	c.SetBlock(15, 15, 200, chunk.Sand)
	return c
}

func TestOpenCreatesWorldFiles(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, 42)

	if s.Metadata().Seed != 42 || s.Metadata().ID == "" {
		t.Fatalf("metadata not initialized: %+v", s.Metadata())
	}
	for _, name := range []string{metaFileName, autosaveCfgName, backupsCfgName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}

func TestReopenChecksSeed(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, 42)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := Open(dir, Options{Name: "test", Seed: 43}, zap.NewNop()); !errors.Is(err, ErrSeedMismatch) {
		t.Fatalf("expected ErrSeedMismatch, got %v", err)
	}
	if _, err := Open(dir, Options{Name: "test", Seed: 42, ForceNew: true}, zap.NewNop()); !errors.Is(err, ErrWorldExists) {
		t.Fatalf("expected ErrWorldExists, got %v", err)
	}
	s2, err := Open(dir, Options{Name: "test", Seed: 42}, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen with matching seed: %v", err)
	}
	_ = s2.Close()
}

func TestOpenRejectsCorruptMetadata(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, 1)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := os.WriteFile(metaPath(dir), []byte(`{"name":"x"}`), 0o644); err != nil {
		t.Fatalf("corrupt meta: %v", err)
	}
	if _, err := Open(dir, Options{Seed: 1}, zap.NewNop()); !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected ErrInvalidMetadata, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 7)

	positions := []chunk.Coord{{X: 0, Z: 0}, {X: -1, Z: -1}, {X: -33, Z: 64}, {X: 31, Z: -32}}
	for _, pos := range positions {
		c := testChunk(pos)
		if err := s.SaveChunk(c); err != nil {
			t.Fatalf("save %v: %v", pos, err)
		}
		if c.Modified() {
			t.Fatalf("save must clear the dirty flag for %v", pos)
		}

		got, found, err := s.LoadChunk(pos)
		if err != nil {
			t.Fatalf("load %v: %v", pos, err)
		}
		if !found {
			t.Fatalf("chunk %v not found after save", pos)
		}
		if got.Pos() != pos {
			t.Fatalf("loaded pos %v, want %v", got.Pos(), pos)
		}
		if got.Block(0, 0, 10) != chunk.Stone || got.Block(15, 15, 200) != chunk.Sand {
			t.Fatalf("content mismatch for %v", pos)
		}
		if got.Modified() {
			t.Fatalf("loaded chunk %v must be clean", pos)
		}
	}
	if s.Metrics().SavedChunks != uint64(len(positions)) {
		t.Fatalf("saved = %d, want %d", s.Metrics().SavedChunks, len(positions))
	}
}

func TestSaveSkipsCleanChunk(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 7)
	c := chunk.New()
	c.SetPos(chunk.Coord{X: 5, Z: 5})
	if err := s.SaveChunk(c); err != nil {
		t.Fatalf("save clean: %v", err)
	}
	if s.Metrics().SavedChunks != 0 {
		t.Fatal("clean chunk must not be written")
	}
	if _, found, err := s.LoadChunk(chunk.Coord{X: 5, Z: 5}); err != nil || found {
		t.Fatalf("clean chunk reached disk: found=%v err=%v", found, err)
	}
}

func TestLoadAbsentIsNotAnError(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 7)

	// No region file at all.
	if _, found, err := s.LoadChunk(chunk.Coord{X: 100, Z: 100}); err != nil || found {
		t.Fatalf("absent region: found=%v err=%v", found, err)
	}

	// Region exists, slot empty.
	c := testChunk(chunk.Coord{X: 0, Z: 0})
	if err := s.SaveChunk(c); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, found, err := s.LoadChunk(chunk.Coord{X: 1, Z: 1}); err != nil || found {
		t.Fatalf("absent slot: found=%v err=%v", found, err)
	}
	if s.Metrics().LoadErrors != 0 {
		t.Fatal("absence must not count as a load error")
	}
}

func TestZstdStageRoundTrip(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 7)

	// Alternating blocks defeat run-length coding, pushing the encoded body
	// past the zstd threshold.
	c := chunk.New()
	c.SetPos(chunk.Coord{X: 2, Z: 3})
	for i := range c.Blocks {
		c.Blocks[i] = chunk.Block(1 + i%2)
	}
	c.MarkModified()
	if err := s.SaveChunk(c); err != nil {
		t.Fatalf("save: %v", err)
	}

	rf, err := region.Open(s.regionPath(chunk.Coord{X: 2, Z: 3}.Region()))
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	hdr, _, err := rf.ReadChunk(chunk.Coord{X: 2, Z: 3}.Slot())
	_ = rf.Close()
	if err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if hdr.Compression != region.CompressionRLEZstd {
		t.Fatalf("compression tag = %d, want zstd stage", hdr.Compression)
	}

	got, found, err := s.LoadChunk(chunk.Coord{X: 2, Z: 3})
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if !bytes.Equal(blockBytes(got), blockBytes(c)) {
		t.Fatal("zstd round trip mismatch")
	}
}

func blockBytes(c *chunk.Chunk) []byte {
	out := make([]byte, len(c.Blocks))
	for i, b := range c.Blocks {
		out[i] = byte(b)
	}
	return out
}

func TestLoadRejectsCoordMismatch(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 7)
	pos := chunk.Coord{X: 3, Z: 4}

	// Hand-write a payload into pos's slot that claims a different coordinate.
	rf, err := region.Open(s.regionPath(pos.Region()))
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	body := []byte{1, 10, 0} // minimal valid RLE, wrong length on purpose is fine: coords fail first
	hdr := region.PayloadHeader{
		Version:          region.Version,
		X:                99,
		Z:                99,
		Compression:      region.CompressionRLE,
		CompressedSize:   uint32(len(body)),
		UncompressedSize: chunk.Volume,
	}
	if err := rf.WriteChunk(pos.Slot(), hdr, body); err != nil {
		t.Fatalf("raw write: %v", err)
	}
	_ = rf.Close()

	if _, _, err := s.LoadChunk(pos); !errors.Is(err, ErrCoordMismatch) {
		t.Fatalf("expected ErrCoordMismatch, got %v", err)
	}
}

func TestLoadRejectsUnknownCompression(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 7)
	pos := chunk.Coord{X: 0, Z: 0}

	rf, err := region.Open(s.regionPath(pos.Region()))
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	body := []byte{1, 10, 0}
	hdr := region.PayloadHeader{
		Version:          region.Version,
		X:                pos.X,
		Z:                pos.Z,
		Compression:      77,
		CompressedSize:   uint32(len(body)),
		UncompressedSize: chunk.Volume,
	}
	if err := rf.WriteChunk(pos.Slot(), hdr, body); err != nil {
		t.Fatalf("raw write: %v", err)
	}
	_ = rf.Close()

	if _, _, err := s.LoadChunk(pos); !errors.Is(err, ErrUnknownCompression) {
		t.Fatalf("expected ErrUnknownCompression, got %v", err)
	}
}

func TestLoadRejectsTruncatedRegion(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 7)
	pos := chunk.Coord{X: 0, Z: 0}
	if err := s.SaveChunk(testChunk(pos)); err != nil {
		t.Fatalf("save: %v", err)
	}

	path := s.regionPath(pos.Region())
	if err := os.Truncate(path, 40); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, _, err := s.LoadChunk(pos); !errors.Is(err, ErrInvalidChunkFile) {
		t.Fatalf("expected ErrInvalidChunkFile, got %v", err)
	}
	if s.Metrics().LoadErrors == 0 {
		t.Fatal("corruption must count as a load error")
	}
}

func TestQueueCompactionDeduplicates(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 7)
	rc := chunk.RegionCoord{X: 1, Z: 2}

	if !s.QueueCompaction(rc) {
		t.Fatal("first enqueue must succeed")
	}
	if s.QueueCompaction(rc) {
		t.Fatal("duplicate enqueue must be rejected")
	}
	if s.Metrics().QueuedRegions != 1 {
		t.Fatalf("queued = %d, want 1", s.Metrics().QueuedRegions)
	}
}

// fragmentRegion writes and shrinks payloads until the region wants compaction.
func fragmentRegion(t *testing.T, s *Store, rc chunk.RegionCoord) {
	t.Helper()
	rf, err := region.Open(s.regionPath(rc))
	if err != nil {
		t.Fatalf("open region: %v", err)
	}
	defer rf.Close()

	mk := func(slot, n int) {
		body := bytes.Repeat([]byte{byte(slot + 1)}, n)
		hdr := region.PayloadHeader{
			Version:          region.Version,
			X:                rc.X * chunk.RegionSize,
			Z:                rc.Z*chunk.RegionSize + int32(slot/chunk.RegionSize),
			Compression:      region.CompressionRLE,
			CompressedSize:   uint32(len(body)),
			UncompressedSize: uint32(n),
		}
		hdr.X += int32(slot % chunk.RegionSize)
		if err := rf.WriteChunk(slot, hdr, body); err != nil {
			t.Fatalf("fragment write slot %d: %v", slot, err)
		}
	}
	for slot := 0; slot < 8; slot++ {
		mk(slot, 6000)
	}
	for slot := 0; slot < 8; slot += 2 {
		mk(slot, 100)
	}
	if !rf.ShouldCompact() {
		t.Fatal("fixture region does not want compaction")
	}
}

func TestServiceMaintenanceCompactsAndBacksUp(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 7)
	rc := chunk.RegionCoord{X: 0, Z: 0}
	fragmentRegion(t, s, rc)

	s.QueueCompaction(rc)
	if ran := s.ServiceMaintenance(4); ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}
	m := s.Metrics()
	if m.TotalCompactions != 1 || m.CompactionFailures != 0 {
		t.Fatalf("compactions=%d failures=%d", m.TotalCompactions, m.CompactionFailures)
	}
	if m.QueuedRegions != 0 {
		t.Fatal("queue must drain")
	}

	entries, err := os.ReadDir(s.backupDirFor(rc))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one backup, got %d (err %v)", len(entries), err)
	}
}

func TestServiceMaintenanceSkipsCalmRegions(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 7)
	if err := s.SaveChunk(testChunk(chunk.Coord{X: 0, Z: 0})); err != nil {
		t.Fatalf("save: %v", err)
	}

	rc := chunk.RegionCoord{X: 0, Z: 0}
	s.QueueCompaction(rc)
	if ran := s.ServiceMaintenance(1); ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}
	m := s.Metrics()
	if m.TotalCompactions != 0 || m.CompactionsSkipped != 1 {
		t.Fatalf("compactions=%d skipped=%d; a clean region must be skipped", m.TotalCompactions, m.CompactionsSkipped)
	}
}

func TestBackupRetentionPrunesOldestFirst(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 7)
	rc := chunk.RegionCoord{X: 0, Z: 0}
	dir := s.backupDirFor(rc)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	names := []string{"r.0.0.1.bak", "r.0.0.2.bak", "r.0.0.3.bak", "r.0.0.4.bak"}
	for i, name := range names {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte{byte(i)}, 0o644); err != nil {
			t.Fatalf("write backup: %v", err)
		}
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, ts, ts); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	if err := s.SetBackupRetention(2); err != nil {
		t.Fatalf("set retention: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("kept %d backups, want 2", len(entries))
	}
	kept := map[string]bool{}
	for _, e := range entries {
		kept[e.Name()] = true
	}
	if !kept["r.0.0.3.bak"] || !kept["r.0.0.4.bak"] {
		t.Fatalf("wrong survivors: %v", kept)
	}
	if s.Metrics().BackupsPruned != 2 {
		t.Fatalf("pruned = %d, want 2", s.Metrics().BackupsPruned)
	}
}

func TestQueueLoadedRegionBackupsCooldown(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 7)
	fragmentRegion(t, s, chunk.RegionCoord{X: 0, Z: 0})

	clock := time.Now()
	s.now = func() time.Time { return clock }

	if queued := s.QueueLoadedRegionBackups(); queued != 1 {
		t.Fatalf("first pass queued %d, want 1", queued)
	}
	// Inside the cooldown window: no rescan even though the region is still
	// queued and eligible.
	clock = clock.Add(10 * time.Second)
	if queued := s.QueueLoadedRegionBackups(); queued != 0 {
		t.Fatal("second pass inside cooldown must queue nothing")
	}
	// Past the cooldown the scan runs again, but the region is already
	// queued, so nothing new appears.
	clock = clock.Add(s.backupCooldown)
	if queued := s.QueueLoadedRegionBackups(); queued != 0 {
		t.Fatal("already-queued region must not be re-queued")
	}
}

func TestAdaptiveScheduleMovesWithActivity(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 7)
	if s.ScheduleInterval() != maxScheduleInterval {
		t.Fatalf("idle interval = %v, want %v", s.ScheduleInterval(), maxScheduleInterval)
	}

	// Sustained queueing pressure drives the interval to the floor.
	for i := 0; i < 20; i++ {
		s.queue = append(s.queue, chunk.RegionCoord{X: int32(i), Z: 0})
		s.updateSchedule(3)
	}
	if s.ScheduleInterval() != minScheduleInterval {
		t.Fatalf("busy interval = %v, want %v", s.ScheduleInterval(), minScheduleInterval)
	}

	// Quiet passes decay the score back toward the ceiling.
	s.queue = nil
	for i := 0; i < 60; i++ {
		s.updateSchedule(0)
	}
	if s.ScheduleInterval() != maxScheduleInterval {
		t.Fatalf("decayed interval = %v, want %v", s.ScheduleInterval(), maxScheduleInterval)
	}
}

func TestMaintenanceDueFollowsAdaptiveSchedule(t *testing.T) {
	busy := openTestStore(t, t.TempDir(), 7)
	idle := openTestStore(t, t.TempDir(), 7)

	clock := time.Now()
	busy.now = func() time.Time { return clock }
	idle.now = func() time.Time { return clock }

	// A store that has never run a pass is due immediately.
	if !busy.MaintenanceDue() {
		t.Fatal("fresh store must be due for its first pass")
	}

	// Drive the busy store's interval to the floor; the idle one keeps the
	// ceiling. Both record a pass at the same instant.
	for i := 0; i < 20; i++ {
		busy.queue = append(busy.queue, chunk.RegionCoord{X: int32(i), Z: 0})
		busy.updateSchedule(3)
	}
	if busy.ScheduleInterval() != minScheduleInterval {
		t.Fatalf("busy interval = %v, want %v", busy.ScheduleInterval(), minScheduleInterval)
	}
	busy.lastPass = clock
	idle.lastPass = clock

	// Just under the floor: neither is due.
	clock = clock.Add(minScheduleInterval - time.Second)
	if busy.MaintenanceDue() || idle.MaintenanceDue() {
		t.Fatal("no store is due before its interval elapses")
	}

	// Past the floor but short of the ceiling: only the busy store is due.
	clock = clock.Add(2 * time.Second)
	if !busy.MaintenanceDue() {
		t.Fatal("busy store must come due at the shortened interval")
	}
	if idle.MaintenanceDue() {
		t.Fatal("idle store must wait for the full interval")
	}

	// Past the ceiling: the idle store comes due too.
	clock = clock.Add(maxScheduleInterval)
	if !idle.MaintenanceDue() {
		t.Fatal("idle store must come due at the full interval")
	}
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := writeKVFile(filepath.Join(dir, autosaveCfgName), map[string]string{
		keyAutosaveInterval: "120",
	}); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	s := openTestStore(t, dir, 7)
	if s.AutosaveInterval() != 2*time.Minute {
		t.Fatalf("autosave interval = %v, want 2m", s.AutosaveInterval())
	}
}
