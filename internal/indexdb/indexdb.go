// Package indexdb keeps a queryable sqlite record of maintenance activity:
// compactions, autosave passes, backup pruning. It is a secondary read model;
// the region files and backups are the source of truth, so writes are
// buffered through a single background goroutine and dropped if the writer
// falls behind.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Index is the sqlite-backed maintenance index. A nil *Index is valid and
// discards everything, so callers never branch on whether indexing is on.
type Index struct {
	db *sql.DB

	ch   chan row
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type row struct {
	kind       string
	regionX    int32
	regionZ    int32
	freedBytes uint64
	durationMs int64
	count      int
	recordedAt string
}

// Open opens (or creates) the index database at path and starts the writer.
func Open(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("indexdb: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	idx := &Index{
		db: db,
		ch: make(chan row, 4096),
	}
	idx.wg.Add(1)
	go func() {
		defer idx.wg.Done()
		idx.loop()
	}()
	return idx, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only write pattern; NORMAL durability is fine for
	// a rebuildable secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS maintenance (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			region_x INTEGER NOT NULL,
			region_z INTEGER NOT NULL,
			freed_bytes INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			count INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_maintenance_region ON maintenance(region_x, region_z, id);`,
		`CREATE INDEX IF NOT EXISTS idx_maintenance_kind ON maintenance(kind, id);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the writer, flushes pending rows and closes the database.
func (x *Index) Close() error {
	if x == nil {
		return nil
	}
	var err error
	x.once.Do(func() {
		x.closed.Store(true)
		close(x.ch)
		x.wg.Wait()
		err = x.db.Close()
	})
	return err
}

// RecordCompaction notes a successful region compaction.
func (x *Index) RecordCompaction(rx, rz int32, freed uint64, dur time.Duration) {
	x.enqueue(row{kind: "compaction", regionX: rx, regionZ: rz, freedBytes: freed, durationMs: dur.Milliseconds()})
}

// RecordAutosave notes one autosave pass and how many chunks it flushed.
func (x *Index) RecordAutosave(saved int, dur time.Duration) {
	x.enqueue(row{kind: "autosave", count: saved, durationMs: dur.Milliseconds()})
}

// RecordBackupPrune notes backups removed for a region by retention.
func (x *Index) RecordBackupPrune(rx, rz int32, removed int) {
	x.enqueue(row{kind: "backup_prune", regionX: rx, regionZ: rz, count: removed})
}

func (x *Index) enqueue(r row) {
	if x == nil || x.closed.Load() {
		return
	}
	r.recordedAt = time.Now().UTC().Format(time.RFC3339Nano)
	select {
	case x.ch <- r:
	default:
		// Drop when the writer is behind; the maintenance log keeps the record.
	}
}

func (x *Index) loop() {
	ctx := context.Background()

	insert, err := x.db.Prepare(`INSERT INTO maintenance(kind,region_x,region_z,freed_bytes,duration_ms,count,recorded_at) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		for range x.ch {
		}
		return
	}
	defer insert.Close()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = 2 * time.Second
	)

	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range x.ch {
		if tx == nil {
			txx, err := x.db.BeginTx(ctx, nil)
			if err != nil {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			tx = txx
			opCount = 0
			lastCommit = time.Now()
		}
		if _, err := tx.Stmt(insert).Exec(
			r.kind, r.regionX, r.regionZ,
			int64(r.freedBytes), r.durationMs, r.count, r.recordedAt,
		); err != nil {
			_ = tx.Rollback()
			tx = nil
			opCount = 0
			continue
		}
		opCount++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}

// CompactionCount reports how many compactions the index has recorded. It is
// a test and admin convenience and reads the committed state only.
func (x *Index) CompactionCount() (int, error) {
	if x == nil {
		return 0, nil
	}
	var n int
	err := x.db.QueryRow(`SELECT COUNT(*) FROM maintenance WHERE kind='compaction'`).Scan(&n)
	return n, err
}
