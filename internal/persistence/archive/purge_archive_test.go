package archive

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/persistence/journal"
)

func sliceScan(entries []model.LogEntry) ScanFunc {
	return func(fn func(model.LogEntry) error) error {
		for _, e := range entries {
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestExportPurge_WritesEntriesAndMeta(t *testing.T) {
	dir := t.TempDir()
	a := uuid.New()
	in := []model.LogEntry{
		{ID: 1, ActorID: a, Action: model.ActionBreak, Location: model.Location{World: "w"}, Material: "STONE", Timestamp: 100},
		{ID: 2, ActorID: a, Action: model.ActionPlace, Location: model.Location{World: "w", X: 1}, Material: "DIRT", Timestamp: 200},
	}

	res, err := ExportPurge(dir, 1000, sliceScan(in))
	if err != nil {
		t.Fatalf("ExportPurge: %v", err)
	}
	if res.Entries != 2 || len(res.Files) != 2 {
		t.Fatalf("result=%+v", res)
	}
	if res.Dir != filepath.Join(dir, "archives", "purge_1000") {
		t.Fatalf("dir=%s", res.Dir)
	}

	var got []model.LogEntry
	if err := journal.ReadFile(res.Files[0], func(e model.LogEntry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(got) != 2 || got[1].Material != "DIRT" {
		t.Fatalf("archived=%+v", got)
	}

	b, err := os.ReadFile(res.Files[1])
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	var meta PurgeArchiveMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.Entries != 2 || meta.OldestMillis != 100 || meta.NewestMillis != 200 || meta.CutoffMillis != 1000 {
		t.Fatalf("meta=%+v", meta)
	}
}

func TestExportPurge_NothingToArchive(t *testing.T) {
	dir := t.TempDir()
	res, err := ExportPurge(dir, 5, sliceScan(nil))
	if err != nil {
		t.Fatalf("ExportPurge: %v", err)
	}
	if len(res.Files) != 0 {
		t.Fatalf("files=%v", res.Files)
	}
	if _, err := os.Stat(filepath.Join(dir, "archives")); !os.IsNotExist(err) {
		t.Fatalf("archives dir should not exist: %v", err)
	}
}

func TestExportPurge_ScanErrorLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("boom")
	_, err := ExportPurge(dir, 7, func(fn func(model.LogEntry) error) error {
		_ = fn(model.LogEntry{Timestamp: 1})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	ents, _ := os.ReadDir(filepath.Join(dir, "archives", "purge_7"))
	if len(ents) != 0 {
		t.Fatalf("leftover files: %v", ents)
	}
}
