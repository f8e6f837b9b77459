package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// maintEvent is one maintenance log record.
type maintEvent struct {
	TS         string `json:"ts"`
	Kind       string `json:"kind"`
	RegionX    int32  `json:"rx"`
	RegionZ    int32  `json:"rz"`
	OK         bool   `json:"ok"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	FreedBytes uint64 `json:"freed_bytes,omitempty"`
	Count      int    `json:"count,omitempty"`
	Note       string `json:"note,omitempty"`
}

// maintLog writes compressed JSONL maintenance events, one file per UTC day.
type maintLog struct {
	dir string

	curDay string
	f      *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
}

func newMaintLog(dir string) *maintLog {
	return &maintLog{dir: dir}
}

func (l *maintLog) Write(ev maintEvent) error {
	day := time.Now().UTC().Format("2006-01-02")
	if day != l.curDay {
		if err := l.rotate(day); err != nil {
			return err
		}
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *maintLog) rotate(day string) error {
	if err := l.Close(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(l.dir, fmt.Sprintf("maintenance-%s.jsonl.zst", day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f = f
	l.enc = enc
	l.w = bufio.NewWriterSize(enc, 64*1024)
	l.curDay = day
	return nil
}

func (l *maintLog) Close() error {
	var err error
	if l.w != nil {
		_ = l.w.Flush()
	}
	if l.enc != nil {
		err = l.enc.Close()
		l.enc = nil
	}
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	l.w = nil
	l.curDay = ""
	return err
}

// logMaintEvent records ev when the event log is enabled; failures to log are
// reported but never affect the maintenance result.
func (s *Store) logMaintEvent(ev maintEvent) {
	if s.mlog == nil {
		return
	}
	ev.TS = s.now().UTC().Format(time.RFC3339Nano)
	if err := s.mlog.Write(ev); err != nil {
		s.log.Warn("maintenance log write failed", zap.Error(err))
	}
}
