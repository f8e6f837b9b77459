// Package world runs the chunk streaming engine: it decides which chunks
// should be resident around a viewer, loads or generates them under a
// per-tick budget, evicts and persists the ones that fall out of range, and
// drives store maintenance from the same tick loop.
//
// Concurrency model: every chunk is owned by exactly one collection at any
// moment — the resident map, the pool, or one in-flight generation job.
// Sending a job transfers the chunk to the worker goroutine, receiving the
// completion transfers it back. The engine itself is single-threaded; Update
// and all accessors must be called from one goroutine.
package world

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"strata.dev/internal/chunk"
	"strata.dev/internal/config"
	"strata.dev/internal/store"
)

// Stats are cumulative engine counters plus a point-in-time residency view.
type Stats struct {
	Resident int
	Pending  int
	PoolFree int

	LoadedFromDisk uint64
	GeneratedSync  uint64
	GeneratedAsync uint64
	Unloaded       uint64
	LoadErrors     uint64
	SaveErrors     uint64
	AutosavePasses uint64

	// DiscardedResults counts generation results dropped because the viewer
	// had already left the area when they completed.
	DiscardedResults uint64

	Ticks            uint64
	LastTickDuration time.Duration
}

// Engine is the chunk streaming manager. Not safe for concurrent use.
type Engine struct {
	log *zap.Logger
	cfg config.Config
	st  *store.Store
	gen Generator

	pool     *chunk.Pool
	resident map[chunk.Coord]*chunk.Chunk
	pending  map[chunk.Coord]struct{}

	// modifiedHint remembers evicted chunks that carried edits, so a return
	// trip reloads them ahead of pristine terrain.
	modifiedHint map[chunk.Coord]struct{}

	jobs chan genJob
	done chan genJob
	wg   sync.WaitGroup

	limiter      *rate.Limiter
	lastAutosave time.Time
	closed       bool

	stats Stats
	now   func() time.Time
}

// New builds an engine over an open store. A nil gen falls back to the
// default terrain generator seeded from the world metadata.
func New(st *store.Store, gen Generator, cfg config.Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gen == nil {
		gen = NewTerrainGen(st.Metadata().Seed)
	}
	e := &Engine{
		log:          logger,
		cfg:          cfg,
		st:           st,
		gen:          gen,
		pool:         chunk.NewPool(),
		resident:     make(map[chunk.Coord]*chunk.Chunk),
		pending:      make(map[chunk.Coord]struct{}),
		modifiedHint: make(map[chunk.Coord]struct{}),
		limiter:      cfg.LoadLimiter(),
		now:          time.Now,
	}
	e.lastAutosave = e.now()
	if !cfg.Synchronous {
		e.jobs = make(chan genJob, cfg.GenQueueSize)
		e.done = make(chan genJob, cfg.GenQueueSize)
		e.startWorker()
	}
	return e
}

// Update advances the engine one tick around the viewer's block position and
// facing direction (any non-zero vector; it is normalized internally):
// collect completed generations, start budgeted loads, evict out-of-range
// chunks, then run autosave and maintenance if due.
func (e *Engine) Update(viewerX, viewerZ int32, facingX, facingZ float64) {
	start := e.now()
	center := chunk.AtBlock(viewerX, viewerZ)
	fx, fz := normalize(facingX, facingZ)

	e.collectCompleted(center)
	e.startLoads(center, fx, fz)
	e.evictOutOfRange(center)

	if e.now().Sub(e.lastAutosave) >= e.st.AutosaveInterval() {
		e.ForceAutosave()
	}
	if e.st.MaintenanceDue() {
		e.st.QueueLoadedRegionBackups()
	}
	e.st.ServiceMaintenance(e.cfg.MaintenancePerTick)

	e.stats.Ticks++
	e.stats.LastTickDuration = e.now().Sub(start)
}

// collectCompleted drains finished generation jobs. Results still inside the
// unload boundary become resident; results the viewer has left behind go
// straight back to the pool — they were never visible and regenerate
// deterministically, so writing them out would be a wasted save.
func (e *Engine) collectCompleted(center chunk.Coord) {
	if e.done == nil {
		return
	}
	limit := float64(e.cfg.ViewDistance + e.cfg.UnloadHysteresis)
	for {
		select {
		case job := <-e.done:
			delete(e.pending, job.pos)
			if job.pos.Dist(center) > limit {
				e.pool.Release(job.c)
				e.stats.DiscardedResults++
				continue
			}
			// Freshly generated terrain is dirty so it reaches disk even if
			// no one edits it.
			job.c.MarkModified()
			e.resident[job.pos] = job.c
			e.stats.GeneratedAsync++
		default:
			return
		}
	}
}

// startLoads picks the best missing chunks inside the view circle and loads
// or generates up to the per-tick budget. fx,fz is the unit facing vector.
func (e *Engine) startLoads(center chunk.Coord, fx, fz float64) {
	type candidate struct {
		pos   chunk.Coord
		score float64
	}
	r := int32(e.cfg.ViewDistance)
	var cands []candidate
	for dx := -r; dx <= r; dx++ {
		for dz := -r; dz <= r; dz++ {
			if dx*dx+dz*dz > r*r {
				continue
			}
			pos := chunk.Coord{X: center.X + dx, Z: center.Z + dz}
			if _, ok := e.resident[pos]; ok {
				continue
			}
			if _, ok := e.pending[pos]; ok {
				continue
			}
			_, hinted := e.modifiedHint[pos]
			cands = append(cands, candidate{pos: pos, score: loadScore(pos, center, fx, fz, hinted)})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].score < cands[j].score })

	budget := e.cfg.LoadsPerTick
	for _, cand := range cands {
		if budget <= 0 {
			return
		}
		if e.limiter != nil && !e.limiter.Allow() {
			return
		}
		if !e.loadOne(cand.pos) {
			return // generation queue full, retry next tick
		}
		budget--
	}
}

// loadOne brings a single chunk toward residency. Reports false only when the
// asynchronous generation queue is full, which ends the tick's load phase.
func (e *Engine) loadOne(pos chunk.Coord) bool {
	c := e.pool.Acquire()
	found, err := e.st.LoadChunkInto(c, pos)
	if err != nil {
		e.stats.LoadErrors++
		e.log.Warn("chunk load failed", zap.Int32("cx", pos.X), zap.Int32("cz", pos.Z), zap.Error(err))
		e.pool.Release(c)
		return true
	}
	if found {
		delete(e.modifiedHint, pos)
		e.resident[pos] = c
		e.stats.LoadedFromDisk++
		return true
	}

	if e.jobs == nil {
		e.gen.Generate(c, pos)
		c.MarkModified()
		e.resident[pos] = c
		e.stats.GeneratedSync++
		return true
	}

	c.SetPos(pos)
	select {
	case e.jobs <- genJob{pos: pos, c: c}:
		e.pending[pos] = struct{}{}
		return true
	default:
		e.pool.Release(c)
		return false
	}
}

// evictOutOfRange persists and releases chunks beyond the unload boundary.
// The boundary sits a hysteresis band past the view radius so chunks at the
// edge do not churn. A chunk whose save fails stays resident with its dirty
// flag intact and is retried next tick.
func (e *Engine) evictOutOfRange(center chunk.Coord) {
	limit := float64(e.cfg.ViewDistance + e.cfg.UnloadHysteresis)
	for pos, c := range e.resident {
		if pos.Dist(center) <= limit {
			continue
		}
		if c.Modified() {
			e.modifiedHint[pos] = struct{}{}
			if err := e.st.SaveChunk(c); err != nil {
				e.stats.SaveErrors++
				e.log.Warn("evict save failed", zap.Int32("cx", pos.X), zap.Int32("cz", pos.Z), zap.Error(err))
				continue
			}
		}
		delete(e.resident, pos)
		e.pool.Release(c)
		e.stats.Unloaded++
	}
}

// ForceAutosave persists every modified resident chunk now and returns how
// many chunks were saved and how many saves failed.
func (e *Engine) ForceAutosave() (saved, errs int) {
	start := e.now()
	for pos, c := range e.resident {
		if !c.Modified() {
			continue
		}
		if err := e.st.SaveChunk(c); err != nil {
			errs++
			e.stats.SaveErrors++
			e.log.Warn("autosave failed", zap.Int32("cx", pos.X), zap.Int32("cz", pos.Z), zap.Error(err))
			continue
		}
		saved++
	}
	e.lastAutosave = e.now()
	e.stats.AutosavePasses++
	e.st.NoteAutosave(saved, e.now().Sub(start))
	if saved > 0 || errs > 0 {
		e.log.Info("autosave", zap.Int("saved", saved), zap.Int("errors", errs))
	}
	return saved, errs
}

// Close stops the worker, discards undelivered generation results (they were
// never visible and regenerate deterministically), flushes every modified
// resident chunk, and returns everything to the pool. The store itself stays
// open; its owner closes it.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	if e.jobs != nil {
		close(e.jobs)
		go func() {
			e.wg.Wait()
			close(e.done)
		}()
		for job := range e.done {
			delete(e.pending, job.pos)
			e.pool.Release(job.c)
		}
		e.jobs = nil
		e.done = nil
	}

	var firstErr error
	for pos, c := range e.resident {
		if c.Modified() {
			if err := e.st.SaveChunk(c); err != nil {
				e.stats.SaveErrors++
				e.log.Warn("shutdown save failed", zap.Int32("cx", pos.X), zap.Int32("cz", pos.Z), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		delete(e.resident, pos)
		e.pool.Release(c)
	}

	if strays := e.pool.ReclaimStrays(); strays > 0 {
		e.log.Warn("chunk ownership leak", zap.Int("strays", strays))
	}
	return firstErr
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	s := e.stats
	s.Resident = len(e.resident)
	s.Pending = len(e.pending)
	s.PoolFree = e.pool.FreeCount()
	return s
}
