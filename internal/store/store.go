// Package store is the chunk-granularity persistence façade: it owns region
// containers, chunk save/load, backup retention, compaction scheduling, and
// the maintenance metrics that go with them.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"strata.dev/internal/chunk"
	"strata.dev/internal/indexdb"
	"strata.dev/internal/region"
	"strata.dev/internal/rle"
)

// Options configures Open. Zero values fall back to sane defaults; on-disk
// autosave.cfg/backups.cfg override the defaults when present.
type Options struct {
	Name        string
	Seed        int64
	Difficulty  string
	Description string

	// ForceNew rejects the open when the directory already holds a world.
	ForceNew bool

	AutosaveInterval    time.Duration
	BackupRetention     int
	BackupQueueCooldown time.Duration

	// ZstdThreshold is the encoded payload size above which the run-length
	// stream is additionally zstd-compressed. <0 disables the second stage.
	ZstdThreshold int

	// Index is an optional read-model recorder; nil disables indexing.
	Index *indexdb.Index

	// EventLog enables the compressed JSONL maintenance event log.
	EventLog bool
}

const (
	defaultAutosaveInterval = 5 * time.Minute
	defaultBackupRetention  = 5
	defaultBackupCooldown   = time.Minute
	defaultZstdThreshold    = 8 * 1024
)

// Metrics are the cumulative persistence counters. QueuedRegions,
// ScheduleInterval and ActivityScore reflect live maintenance state.
type Metrics struct {
	SavedChunks uint64
	SaveErrors  uint64
	LoadErrors  uint64

	TotalCompactions       uint64
	CompactionFailures     uint64
	CompactionsSkipped     uint64
	LastCompactionDuration time.Duration
	LastCompactionAt       time.Time

	QueuedRegions    int
	ScheduleInterval time.Duration
	ActivityScore    float64

	FreeListOverflowDrops uint64
	BackupsPruned         uint64
}

// Store owns one world directory. It is not safe for concurrent use; the
// streaming manager drives it from the main loop only.
type Store struct {
	log *zap.Logger
	dir string

	meta Metadata

	autosaveInterval time.Duration
	backupRetention  int
	backupCooldown   time.Duration
	zstdThreshold    int

	queue  []chunk.RegionCoord
	queued map[chunk.RegionCoord]struct{}

	metrics  Metrics
	activity float64
	schedule time.Duration
	lastPass time.Time

	idx  *indexdb.Index
	mlog *maintLog

	zenc *zstd.Encoder
	zdec *zstd.Decoder

	now func() time.Time
}

// Open opens or creates the world at dir. Reopening an existing world with a
// different seed is a hard error; ForceNew against an existing world is
// rejected before any file is touched.
func Open(dir string, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AutosaveInterval <= 0 {
		opts.AutosaveInterval = defaultAutosaveInterval
	}
	if opts.BackupRetention <= 0 {
		opts.BackupRetention = defaultBackupRetention
	}
	if opts.BackupQueueCooldown <= 0 {
		opts.BackupQueueCooldown = defaultBackupCooldown
	}
	if opts.ZstdThreshold == 0 {
		opts.ZstdThreshold = defaultZstdThreshold
	}

	exists := false
	if _, err := os.Stat(metaPath(dir)); err == nil {
		exists = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if exists && opts.ForceNew {
		return nil, fmt.Errorf("%w: %s", ErrWorldExists, dir)
	}

	s := &Store{
		log:              logger,
		dir:              dir,
		autosaveInterval: opts.AutosaveInterval,
		backupRetention:  opts.BackupRetention,
		backupCooldown:   opts.BackupQueueCooldown,
		zstdThreshold:    opts.ZstdThreshold,
		queued:           make(map[chunk.RegionCoord]struct{}),
		schedule:         maxScheduleInterval,
		idx:              opts.Index,
		now:              time.Now,
	}

	if err := os.MkdirAll(s.regionsDir(), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.backupsDir(), 0o755); err != nil {
		return nil, err
	}

	if exists {
		m, err := readMetadata(dir)
		if err != nil {
			return nil, err
		}
		if m.Seed != opts.Seed {
			return nil, fmt.Errorf("%w: world has %d, requested %d", ErrSeedMismatch, m.Seed, opts.Seed)
		}
		s.meta = m
	} else {
		s.meta = newMetadata(opts.Name, opts.Seed, opts.Difficulty, opts.Description)
		if err := writeMetadata(dir, s.meta); err != nil {
			return nil, err
		}
	}

	if err := s.loadConfigFiles(); err != nil {
		return nil, err
	}

	var err error
	if s.zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		return nil, err
	}
	if s.zdec, err = zstd.NewReader(nil); err != nil {
		return nil, err
	}

	if opts.EventLog {
		s.mlog = newMaintLog(filepath.Join(dir, "maintenance"))
	}

	logger.Info("world opened",
		zap.String("dir", dir),
		zap.String("world", s.meta.Name),
		zap.Int64("seed", s.meta.Seed),
		zap.Bool("fresh", !exists),
	)
	return s, nil
}

// Close flushes metadata (refreshing last-played) and releases resources.
// The optional index is owned by the caller and closed there.
func (s *Store) Close() error {
	s.meta.LastPlayed = s.now().UTC()
	err := writeMetadata(s.dir, s.meta)
	if s.mlog != nil {
		if cerr := s.mlog.Close(); err == nil {
			err = cerr
		}
	}
	s.zenc.Close()
	s.zdec.Close()
	return err
}

func (s *Store) Metadata() Metadata { return s.meta }

// Index returns the optional maintenance index (nil when disabled; a nil
// index silently discards records).
func (s *Store) Index() *indexdb.Index { return s.idx }

func (s *Store) AutosaveInterval() time.Duration { return s.autosaveInterval }

// Metrics returns a snapshot of the persistence counters.
func (s *Store) Metrics() Metrics {
	m := s.metrics
	m.QueuedRegions = len(s.queue)
	m.ScheduleInterval = s.schedule
	m.ActivityScore = s.activity
	return m
}

func (s *Store) regionsDir() string { return filepath.Join(s.dir, "regions") }
func (s *Store) backupsDir() string { return filepath.Join(s.dir, "backups") }

func (s *Store) regionPath(rc chunk.RegionCoord) string {
	return filepath.Join(s.regionsDir(), fmt.Sprintf("r.%d.%d.region", rc.X, rc.Z))
}

func (s *Store) backupDirFor(rc chunk.RegionCoord) string {
	return filepath.Join(s.backupsDir(), fmt.Sprintf("r.%d.%d", rc.X, rc.Z))
}

func (s *Store) loadConfigFiles() error {
	asPath := filepath.Join(s.dir, autosaveCfgName)
	if kv, err := readKVFile(asPath); err == nil {
		secs, err := kvInt(kv, keyAutosaveInterval, int(s.autosaveInterval/time.Second))
		if err != nil {
			return err
		}
		if secs > 0 {
			s.autosaveInterval = time.Duration(secs) * time.Second
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	} else {
		if err := writeKVFile(asPath, map[string]string{
			keyAutosaveInterval: fmt.Sprint(int(s.autosaveInterval / time.Second)),
		}); err != nil {
			return err
		}
	}

	bkPath := filepath.Join(s.dir, backupsCfgName)
	if kv, err := readKVFile(bkPath); err == nil {
		n, err := kvInt(kv, keyBackupRetention, s.backupRetention)
		if err != nil {
			return err
		}
		if n > 0 {
			s.backupRetention = n
		}
		secs, err := kvInt(kv, keyBackupCooldown, int(s.backupCooldown/time.Second))
		if err != nil {
			return err
		}
		if secs > 0 {
			s.backupCooldown = time.Duration(secs) * time.Second
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	} else {
		if err := s.writeBackupsCfg(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeBackupsCfg() error {
	return writeKVFile(filepath.Join(s.dir, backupsCfgName), map[string]string{
		keyBackupRetention: fmt.Sprint(s.backupRetention),
		keyBackupCooldown:  fmt.Sprint(int(s.backupCooldown / time.Second)),
	})
}

// SaveChunk persists a chunk if (and only if) it is modified. The previous
// slot is freed, the grid is run-length encoded (optionally zstd-wrapped),
// and the container is flushed before return. The dirty flag clears only on
// success, so a failed save is retried by the next autosave.
func (s *Store) SaveChunk(c *chunk.Chunk) error {
	if !c.Modified() {
		return nil
	}
	pos := c.Pos()
	rc := pos.Region()

	rf, err := region.Open(s.regionPath(rc))
	if err != nil {
		s.metrics.SaveErrors++
		return fmt.Errorf("save chunk (%d,%d): %w", pos.X, pos.Z, err)
	}
	defer s.closeRegion(rf)

	grid := make([]byte, chunk.Volume)
	for i, b := range c.Blocks {
		grid[i] = byte(b)
	}
	body := rle.Encode(grid)
	comp := region.CompressionRLE
	if s.zstdThreshold > 0 && len(body) >= s.zstdThreshold {
		body = s.zenc.EncodeAll(body, nil)
		comp = region.CompressionRLEZstd
	}

	hdr := region.PayloadHeader{
		Version:          region.Version,
		X:                pos.X,
		Z:                pos.Z,
		Compression:      comp,
		CompressedSize:   uint32(len(body)),
		UncompressedSize: uint32(chunk.Volume),
	}
	if err := rf.WriteChunk(pos.Slot(), hdr, body); err != nil {
		s.metrics.SaveErrors++
		return fmt.Errorf("save chunk (%d,%d): %w", pos.X, pos.Z, err)
	}
	c.MarkSaved()
	s.metrics.SavedChunks++

	if rf.ShouldCompact() {
		s.QueueCompaction(rc)
	}
	return nil
}

// LoadChunkInto reads the chunk at pos into dst. Absence (no region file, or
// an empty slot) is a normal outcome reported as found=false. Structural
// mismatches are distinct error kinds, never coerced into a plausible chunk.
func (s *Store) LoadChunkInto(dst *chunk.Chunk, pos chunk.Coord) (found bool, err error) {
	rc := pos.Region()
	path := s.regionPath(rc)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	rf, err := region.Open(path)
	if err != nil {
		s.metrics.LoadErrors++
		return false, fmt.Errorf("%w: region (%d,%d): %w", ErrInvalidChunkFile, rc.X, rc.Z, err)
	}
	defer s.closeRegion(rf)

	hdr, body, err := rf.ReadChunk(pos.Slot())
	if errors.Is(err, region.ErrNoChunk) {
		return false, nil
	}
	if err != nil {
		s.metrics.LoadErrors++
		return false, fmt.Errorf("%w: chunk (%d,%d): %w", ErrInvalidChunkFile, pos.X, pos.Z, err)
	}
	if hdr.X != pos.X || hdr.Z != pos.Z {
		s.metrics.LoadErrors++
		return false, fmt.Errorf("%w: slot for (%d,%d) records (%d,%d)", ErrCoordMismatch, pos.X, pos.Z, hdr.X, hdr.Z)
	}
	if hdr.UncompressedSize != chunk.Volume {
		s.metrics.LoadErrors++
		return false, fmt.Errorf("%w: chunk (%d,%d): uncompressed size %d", ErrInvalidChunkFile, pos.X, pos.Z, hdr.UncompressedSize)
	}

	switch hdr.Compression {
	case region.CompressionRLE:
	case region.CompressionRLEZstd:
		body, err = s.zdec.DecodeAll(body, nil)
		if err != nil {
			s.metrics.LoadErrors++
			return false, fmt.Errorf("%w: chunk (%d,%d): zstd: %v", ErrInvalidCompressedChunk, pos.X, pos.Z, err)
		}
	default:
		s.metrics.LoadErrors++
		return false, fmt.Errorf("%w: chunk (%d,%d): tag %d", ErrUnknownCompression, pos.X, pos.Z, hdr.Compression)
	}

	grid, err := rle.Decode(body, chunk.Volume)
	if err != nil {
		s.metrics.LoadErrors++
		return false, fmt.Errorf("%w: chunk (%d,%d): %w", ErrInvalidCompressedChunk, pos.X, pos.Z, err)
	}

	dst.SetPos(pos)
	for i, b := range grid {
		dst.Blocks[i] = chunk.Block(b)
	}
	dst.MarkSaved()
	return true, nil
}

// LoadChunk is the allocating variant of LoadChunkInto.
func (s *Store) LoadChunk(pos chunk.Coord) (*chunk.Chunk, bool, error) {
	c := chunk.New()
	found, err := s.LoadChunkInto(c, pos)
	if !found || err != nil {
		return nil, found, err
	}
	return c, true, nil
}

// closeRegion folds the region's free-list overflow counter into the store
// metrics and closes the handle.
func (s *Store) closeRegion(rf *region.File) {
	s.metrics.FreeListOverflowDrops += rf.OverflowDrops()
	if err := rf.Close(); err != nil {
		s.log.Warn("close region", zap.String("path", rf.Path()), zap.Error(err))
	}
}
