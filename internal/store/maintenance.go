package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"strata.dev/internal/chunk"
	"strata.dev/internal/region"
)

const (
	minScheduleInterval = 5 * time.Minute
	maxScheduleInterval = 20 * time.Minute

	// One unit of activity score shaves this much off the schedule interval.
	schedulePerActivity = 90 * time.Second

	activityNewWeight = 0.35
	activityOldWeight = 0.65
	queuedInputWeight = 4
)

// QueueCompaction enqueues a region for background compaction. The queue is
// de-duplicated: a region already waiting is not added again. Reports whether
// the region was newly enqueued.
func (s *Store) QueueCompaction(rc chunk.RegionCoord) bool {
	if _, ok := s.queued[rc]; ok {
		return false
	}
	s.queued[rc] = struct{}{}
	s.queue = append(s.queue, rc)
	s.log.Debug("compaction queued",
		zap.Int32("rx", rc.X), zap.Int32("rz", rc.Z),
		zap.Int("depth", len(s.queue)),
	)
	return true
}

// ScheduleInterval returns the current adaptive maintenance cadence.
func (s *Store) ScheduleInterval() time.Duration { return s.schedule }

// MaintenanceDue reports whether the adaptive schedule calls for another
// backup-queueing pass: the interval since the last pass has reached the
// current schedule. A store that has never run a pass is always due. The
// cooldown inside QueueLoadedRegionBackups remains the hard lower bound.
func (s *Store) MaintenanceDue() bool {
	if s.lastPass.IsZero() {
		return true
	}
	return s.now().Sub(s.lastPass) >= s.schedule
}

// ServiceMaintenance runs up to maxJobs queued compactions and returns how
// many were attempted. Each region is re-checked against the compaction
// threshold when its turn comes; regions that have calmed down since being
// queued are skipped. Failures are counted and logged, never propagated: a
// region that fails to compact is still readable.
func (s *Store) ServiceMaintenance(maxJobs int) int {
	ran := 0
	for ran < maxJobs && len(s.queue) > 0 {
		rc := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, rc)
		ran++
		s.compactRegion(rc)
	}
	return ran
}

func (s *Store) compactRegion(rc chunk.RegionCoord) {
	rf, err := region.Open(s.regionPath(rc))
	if err != nil {
		s.metrics.CompactionFailures++
		s.log.Warn("compaction open failed", zap.Int32("rx", rc.X), zap.Int32("rz", rc.Z), zap.Error(err))
		s.logMaintEvent(maintEvent{Kind: "compact", RegionX: rc.X, RegionZ: rc.Z, Note: err.Error()})
		return
	}
	defer s.closeRegion(rf)

	if !rf.ShouldCompact() {
		s.metrics.CompactionsSkipped++
		return
	}

	start := s.now()
	freed, backupPath, err := rf.Compact(s.backupDirFor(rc))
	dur := s.now().Sub(start)
	if err != nil {
		s.metrics.CompactionFailures++
		s.log.Warn("compaction failed",
			zap.Int32("rx", rc.X), zap.Int32("rz", rc.Z), zap.Error(err),
		)
		s.logMaintEvent(maintEvent{Kind: "compact", RegionX: rc.X, RegionZ: rc.Z, DurationMs: dur.Milliseconds(), Note: err.Error()})
		return
	}

	s.metrics.TotalCompactions++
	s.metrics.LastCompactionDuration = dur
	s.metrics.LastCompactionAt = s.now()
	s.log.Info("region compacted",
		zap.Int32("rx", rc.X), zap.Int32("rz", rc.Z),
		zap.Uint64("freed_bytes", freed),
		zap.Duration("took", dur),
		zap.String("backup", backupPath),
	)
	s.logMaintEvent(maintEvent{Kind: "compact", RegionX: rc.X, RegionZ: rc.Z, OK: true, DurationMs: dur.Milliseconds(), FreedBytes: freed})
	s.idx.RecordCompaction(rc.X, rc.Z, freed, dur)

	if pruned := s.pruneBackups(rc); pruned > 0 {
		s.metrics.BackupsPruned += uint64(pruned)
		s.idx.RecordBackupPrune(rc.X, rc.Z, pruned)
		s.logMaintEvent(maintEvent{Kind: "backup_prune", RegionX: rc.X, RegionZ: rc.Z, OK: true, Count: pruned})
	}
}

// NoteAutosave records one autosave pass in the maintenance log and index.
func (s *Store) NoteAutosave(saved int, dur time.Duration) {
	s.idx.RecordAutosave(saved, dur)
	if saved > 0 {
		s.logMaintEvent(maintEvent{Kind: "autosave", OK: true, DurationMs: dur.Milliseconds(), Count: saved})
	}
}

// pruneBackups keeps the newest backupRetention files for one region and
// removes the rest, oldest first by modification time.
func (s *Store) pruneBackups(rc chunk.RegionCoord) int {
	dir := s.backupDirFor(rc)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	type bak struct {
		path string
		mod  time.Time
	}
	var baks []bak
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bak") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		baks = append(baks, bak{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	sort.Slice(baks, func(i, j int) bool { return baks[i].mod.After(baks[j].mod) })

	pruned := 0
	for i := s.backupRetention; i < len(baks); i++ {
		if err := os.Remove(baks[i].path); err != nil {
			s.log.Warn("backup prune", zap.String("path", baks[i].path), zap.Error(err))
			continue
		}
		pruned++
	}
	return pruned
}

// SetBackupRetention changes how many backups are kept per region, persists
// the setting, and immediately prunes every region's backup directory to the
// new limit.
func (s *Store) SetBackupRetention(n int) error {
	if n < 1 {
		n = 1
	}
	s.backupRetention = n
	if err := s.writeBackupsCfg(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.backupsDir())
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var rx, rz int32
		if !parseRegionDirName(e.Name(), &rx, &rz) {
			continue
		}
		rc := chunk.RegionCoord{X: rx, Z: rz}
		if pruned := s.pruneBackups(rc); pruned > 0 {
			s.metrics.BackupsPruned += uint64(pruned)
		}
	}
	return nil
}

// QueueLoadedRegionBackups scans the regions directory and enqueues every
// region past the compaction threshold, then feeds the result into the
// adaptive schedule. A cooldown window keeps back-to-back calls from
// rescanning the directory. Returns how many regions were newly enqueued.
func (s *Store) QueueLoadedRegionBackups() int {
	now := s.now()
	if !s.lastPass.IsZero() && now.Sub(s.lastPass) < s.backupCooldown {
		return 0
	}
	s.lastPass = now

	newly := 0
	entries, err := os.ReadDir(s.regionsDir())
	if err != nil {
		s.log.Warn("region scan", zap.Error(err))
	} else {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			var rx, rz int32
			if !parseRegionFileName(e.Name(), &rx, &rz) {
				continue
			}
			rc := chunk.RegionCoord{X: rx, Z: rz}
			if _, dup := s.queued[rc]; dup {
				continue
			}
			rf, err := region.Open(s.regionPath(rc))
			if err != nil {
				s.log.Warn("region scan open", zap.String("name", e.Name()), zap.Error(err))
				continue
			}
			eligible := rf.ShouldCompact()
			s.closeRegion(rf)
			if eligible && s.QueueCompaction(rc) {
				newly++
			}
		}
	}

	s.updateSchedule(newly)
	return newly
}

// updateSchedule folds the latest pass into the exponentially smoothed
// activity score and recomputes the maintenance interval: a busy world is
// serviced every 5 minutes, an idle one every 20.
func (s *Store) updateSchedule(newlyQueued int) {
	input := float64(queuedInputWeight*newlyQueued + len(s.queue))
	s.activity = activityNewWeight*input + activityOldWeight*s.activity
	if s.activity < 1e-6 {
		s.activity = 0
	}

	iv := maxScheduleInterval - time.Duration(s.activity*float64(schedulePerActivity))
	if iv < minScheduleInterval {
		iv = minScheduleInterval
	}
	if iv > maxScheduleInterval {
		iv = maxScheduleInterval
	}
	s.schedule = iv
}
