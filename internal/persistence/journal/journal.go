// Package journal writes append-only, hourly-rotated JSONL+zstd files and reads them back.
// The journal is the durable replay source for the SQLite index.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"blocklog.ai/internal/model"
)

const fileSuffix = ".jsonl.zst"

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	// onRotate receives the path of each segment closed by an hour change.
	onRotate func(path string)

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Write appends v as one JSON line. Each line is flushed through the zstd frame so a
// crash loses at most the line being written.
func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

// OnRotate sets the callback for finished segments. It runs under the writer lock.
func (w *JSONLZstdWriter) OnRotate(fn func(path string)) {
	w.mu.Lock()
	w.onRotate = fn
	w.mu.Unlock()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	prev := ""
	if w.f != nil {
		prev = w.pathForHour(w.curHour)
	}
	if err := w.closeLocked(); err != nil {
		return err
	}
	if prev != "" && w.onRotate != nil {
		w.onRotate(prev)
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s%s", w.prefix, hour, fileSuffix))
}

// EntryLogger journals every recorded LogEntry under <dir>/entries.
type EntryLogger struct{ w *JSONLZstdWriter }

func NewEntryLogger(dataDir string) *EntryLogger {
	return &EntryLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "entries"), "entries")}
}

func (l *EntryLogger) Append(e model.LogEntry) error { return l.w.Write(e) }
func (l *EntryLogger) OnRotate(fn func(path string)) { l.w.OnRotate(fn) }
func (l *EntryLogger) Close() error                  { return l.w.Close() }

// SnapshotLogger journals inventory snapshots under <dir>/inventory.
type SnapshotLogger struct{ w *JSONLZstdWriter }

func NewSnapshotLogger(dataDir string) *SnapshotLogger {
	return &SnapshotLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "inventory"), "inventory")}
}

func (l *SnapshotLogger) AppendSnapshot(s model.InventorySnapshot) error { return l.w.Write(s) }
func (l *SnapshotLogger) OnRotate(fn func(path string))                  { l.w.OnRotate(fn) }
func (l *SnapshotLogger) Close() error                                   { return l.w.Close() }

// ListFiles returns the prefix-*.jsonl.zst files in dir, oldest hour first.
func ListFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, fileSuffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadFile decodes every line of one journal file into a fresh T and hands it to fn.
func ReadFile[T any](path string, fn func(T) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			return fmt.Errorf("%s:%d: unmarshal: %w", filepath.Base(path), line, err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadEntries streams every journaled LogEntry under dataDir in write order.
func ReadEntries(dataDir string, fn func(model.LogEntry) error) error {
	files, err := ListFiles(filepath.Join(dataDir, "entries"), "entries")
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := ReadFile(path, fn); err != nil {
			return err
		}
	}
	return nil
}

// ReadSnapshots streams every journaled InventorySnapshot under dataDir in write order.
func ReadSnapshots(dataDir string, fn func(model.InventorySnapshot) error) error {
	files, err := ListFiles(filepath.Join(dataDir, "inventory"), "inventory")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, path := range files {
		if err := ReadFile(path, fn); err != nil {
			return err
		}
	}
	return nil
}
