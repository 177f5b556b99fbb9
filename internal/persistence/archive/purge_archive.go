package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"blocklog.ai/internal/model"
)

type PurgeArchiveMeta struct {
	CutoffMillis int64  `json:"cutoff_ms"`
	Cutoff       string `json:"cutoff"`
	Entries      int64  `json:"entries"`
	OldestMillis int64  `json:"oldest_ms,omitempty"`
	NewestMillis int64  `json:"newest_ms,omitempty"`
	File         string `json:"file"`
	CreatedAt    string `json:"created_at"`
}

// Result lists the files written by one export, for mirroring.
type Result struct {
	Dir     string
	Files   []string
	Entries int64
}

// ScanFunc streams entries to the callback in write order.
type ScanFunc func(fn func(model.LogEntry) error) error

// ExportPurge writes every entry produced by scan into
// `dataDir/archives/purge_<cutoff>/entries.jsonl.zst` plus a meta.json.
// Nothing is written when scan yields no entries.
func ExportPurge(dataDir string, cutoff int64, scan ScanFunc) (Result, error) {
	dir := filepath.Join(dataDir, "archives", fmt.Sprintf("purge_%d", cutoff))
	entriesPath := filepath.Join(dir, "entries.jsonl.zst")
	tmpPath := entriesPath + ".tmp"

	var (
		out  Result
		meta = PurgeArchiveMeta{
			CutoffMillis: cutoff,
			Cutoff:       time.UnixMilli(cutoff).UTC().Format(time.RFC3339),
			File:         filepath.Base(entriesPath),
		}
		f   *os.File
		enc *zstd.Encoder
		bw  *bufio.Writer
	)
	cleanup := func() {
		if enc != nil {
			_ = enc.Close()
		}
		if f != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}

	err := scan(func(e model.LogEntry) error {
		if f == nil {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			ff, err := os.Create(tmpPath)
			if err != nil {
				return err
			}
			f = ff
			enc, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
			if err != nil {
				return err
			}
			bw = bufio.NewWriterSize(enc, 256*1024)
		}
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := bw.Write(b); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		meta.Entries++
		if meta.OldestMillis == 0 || e.Timestamp < meta.OldestMillis {
			meta.OldestMillis = e.Timestamp
		}
		if e.Timestamp > meta.NewestMillis {
			meta.NewestMillis = e.Timestamp
		}
		return nil
	})
	if err != nil {
		cleanup()
		return out, fmt.Errorf("export purge archive: %w", err)
	}
	if f == nil {
		return out, nil
	}
	if err := bw.Flush(); err != nil {
		cleanup()
		return out, err
	}
	if err := enc.Close(); err != nil {
		enc = nil
		cleanup()
		return out, err
	}
	enc = nil
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return out, err
	}
	if err := os.Rename(tmpPath, entriesPath); err != nil {
		_ = os.Remove(tmpPath)
		return out, err
	}

	meta.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	metaPath := filepath.Join(dir, "meta.json")
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return out, err
	}
	if err := os.WriteFile(metaPath, b, 0o644); err != nil {
		return out, err
	}

	out.Dir = dir
	out.Files = []string{entriesPath, metaPath}
	out.Entries = meta.Entries
	return out, nil
}
