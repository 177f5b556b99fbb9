package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
)

func TestEntryLogger_RoundTripAcrossHours(t *testing.T) {
	dir := t.TempDir()
	l := NewEntryLogger(dir)
	hour := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return hour }

	actor := uuid.New()
	for i := 0; i < 3; i++ {
		if i == 2 {
			hour = hour.Add(2 * time.Minute)
		}
		e := model.LogEntry{ActorID: actor, ActorName: "steve", Action: model.ActionBreak, Location: model.Location{World: "w", X: i}, Material: "STONE", Timestamp: int64(i + 1)}
		if err := l.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListFiles(filepath.Join(dir, "entries"), "entries")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files=%d want=2 (%v)", len(files), files)
	}
	if filepath.Base(files[0]) != "entries-2026-03-01-10.jsonl.zst" {
		t.Fatalf("first file=%s", filepath.Base(files[0]))
	}

	var got []model.LogEntry
	if err := ReadEntries(dir, func(e model.LogEntry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("entries=%d want=3", len(got))
	}
	for i, e := range got {
		if e.Timestamp != int64(i+1) || e.ActorID != actor || e.Location.X != i {
			t.Fatalf("entry[%d]=%+v", i, e)
		}
	}
}

func TestSnapshotLogger_ReopenAppendsFrame(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		l := NewSnapshotLogger(dir)
		if err := l.AppendSnapshot(model.InventorySnapshot{ActorID: uuid.New(), Data: "abc", Timestamp: 9}); err != nil {
			t.Fatalf("AppendSnapshot: %v", err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	var n int
	if err := ReadSnapshots(dir, func(s model.InventorySnapshot) error {
		n++
		if s.Data != "abc" {
			t.Fatalf("data=%q", s.Data)
		}
		return nil
	}); err != nil {
		t.Fatalf("ReadSnapshots: %v", err)
	}
	if n != 2 {
		t.Fatalf("snapshots=%d want=2", n)
	}
}

func TestListFiles_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"entries-2026-01-01-02.jsonl.zst", "entries-2026-01-01-01.jsonl.zst", "other-2026.jsonl.zst", "entries-x.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	files, err := ListFiles(dir, "entries")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "entries-2026-01-01-01.jsonl.zst" {
		t.Fatalf("files=%v", files)
	}
}

func TestReadSnapshots_MissingDirIsEmpty(t *testing.T) {
	if err := ReadSnapshots(t.TempDir(), func(model.InventorySnapshot) error {
		t.Fatalf("unexpected snapshot")
		return nil
	}); err != nil {
		t.Fatalf("ReadSnapshots: %v", err)
	}
}

func TestEntryLogger_OnRotateReceivesFinishedSegment(t *testing.T) {
	dir := t.TempDir()
	l := NewEntryLogger(dir)
	hour := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	l.w.now = func() time.Time { return hour }
	var rotated []string
	l.OnRotate(func(path string) { rotated = append(rotated, path) })

	e := model.LogEntry{ActorID: uuid.New(), Action: model.ActionPlace, Location: model.Location{World: "w"}, Material: "DIRT", Timestamp: 1}
	for i := 0; i < 2; i++ {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if len(rotated) != 0 {
		t.Fatalf("rotated=%v before the hour changed", rotated)
	}

	hour = hour.Add(time.Hour)
	if err := l.Append(e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	want := filepath.Join(dir, "entries", "entries-2026-03-01-10.jsonl.zst")
	if len(rotated) != 1 || rotated[0] != want {
		t.Fatalf("rotated=%v want=[%s]", rotated, want)
	}
	if fi, err := os.Stat(want); err != nil || fi.Size() == 0 {
		t.Fatalf("finished segment stat=%v err=%v", fi, err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(rotated) != 1 {
		t.Fatalf("Close reported the open segment: %v", rotated)
	}
}
