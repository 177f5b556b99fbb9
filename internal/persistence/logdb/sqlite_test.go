package logdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
)

func openTemp(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index", "blocklog.sqlite"), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func flush(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open("", Options{}); err == nil {
		t.Fatalf("expected empty path error")
	}
}

func TestAppend_QueryByLocationReturnsEntry(t *testing.T) {
	s := openTemp(t, Options{})
	actor := uuid.New()
	loc := model.Location{World: "world", X: 10, Y: 64, Z: -3}

	if err := s.Append(model.LogEntry{ActorID: actor, ActorName: "steve", Action: model.ActionBreak, Location: loc, Material: "STONE"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	flush(t, s)

	got, err := s.EntriesAt(context.Background(), loc, 0, 0)
	if err != nil {
		t.Fatalf("EntriesAt: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("entries=%d want=1", len(got))
	}
	e := got[0]
	if e.ActorID != actor || e.ActorName != "steve" || e.Action != model.ActionBreak || e.Material != "STONE" || e.Location != loc {
		t.Fatalf("entry mismatch: %+v", e)
	}
	if e.ID == 0 || e.Timestamp == 0 {
		t.Fatalf("expected id and timestamp to be assigned: %+v", e)
	}
}

func TestEntriesByActor_NewestFirstWithLimitAndCutoff(t *testing.T) {
	s := openTemp(t, Options{})
	actor := uuid.New()
	other := uuid.New()
	for i := 1; i <= 10; i++ {
		_ = s.Append(model.LogEntry{ActorID: actor, Action: model.ActionPlace, Location: model.Location{World: "w", X: i}, Material: "DIRT", Timestamp: int64(i * 100)})
	}
	_ = s.Append(model.LogEntry{ActorID: other, Action: model.ActionPlace, Location: model.Location{World: "w"}, Material: "DIRT", Timestamp: 900})
	flush(t, s)

	got, err := s.EntriesByActor(context.Background(), actor, 400, 3)
	if err != nil {
		t.Fatalf("EntriesByActor: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("entries=%d want=3", len(got))
	}
	want := []int64{1000, 900, 800}
	for i, e := range got {
		if e.Timestamp != want[i] || e.ActorID != actor {
			t.Fatalf("entry[%d] ts=%d actor=%s want ts=%d", i, e.Timestamp, e.ActorID, want[i])
		}
	}

	all, err := s.EntriesByActor(context.Background(), actor, 400, 0)
	if err != nil {
		t.Fatalf("EntriesByActor unlimited: %v", err)
	}
	if len(all) != 7 {
		t.Fatalf("unlimited entries=%d want=7", len(all))
	}
}

func TestEntriesIn_FiltersCuboid(t *testing.T) {
	s := openTemp(t, Options{})
	a := uuid.New()
	for x := 0; x < 5; x++ {
		_ = s.Append(model.LogEntry{ActorID: a, Action: model.ActionBreak, Location: model.Location{World: "w", X: x}, Material: "STONE"})
	}
	_ = s.Append(model.LogEntry{ActorID: a, Action: model.ActionBreak, Location: model.Location{World: "nether", X: 1}, Material: "STONE"})
	flush(t, s)

	c, _ := model.NewCuboid(model.Location{World: "w", X: 1}, model.Location{World: "w", X: 3})
	got, err := s.EntriesIn(context.Background(), c, 0, 0)
	if err != nil {
		t.Fatalf("EntriesIn: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("entries=%d want=3", len(got))
	}
}

func TestAppend_StampsNonDecreasing(t *testing.T) {
	var mu sync.Mutex
	now := time.UnixMilli(5000)
	s := openTemp(t, Options{Now: func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}})
	a := uuid.New()
	loc := model.Location{World: "w"}

	_ = s.Append(model.LogEntry{ActorID: a, Action: model.ActionPlace, Location: loc, Material: "DIRT"})
	mu.Lock()
	now = time.UnixMilli(4000) // wall clock stepped back
	mu.Unlock()
	_ = s.Append(model.LogEntry{ActorID: a, Action: model.ActionBreak, Location: loc, Material: "DIRT"})
	flush(t, s)

	got, err := s.EntriesAt(context.Background(), loc, 0, 0)
	if err != nil {
		t.Fatalf("EntriesAt: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries=%d want=2", len(got))
	}
	if got[0].Timestamp != 5000 || got[1].Timestamp != 5000 {
		t.Fatalf("timestamps=%d,%d want 5000,5000", got[0].Timestamp, got[1].Timestamp)
	}
	if got[0].Action != model.ActionBreak {
		t.Fatalf("newest entry should be the later write, got %s", got[0].Action)
	}
}

func TestPurgeBefore_RemovesOnlyOlder(t *testing.T) {
	s := openTemp(t, Options{})
	a := uuid.New()
	for _, ts := range []int64{100, 200, 300, 400} {
		_ = s.Append(model.LogEntry{ActorID: a, Action: model.ActionBreak, Location: model.Location{World: "w"}, Material: "STONE", Timestamp: ts})
		_ = s.AppendSnapshot(model.InventorySnapshot{ActorID: a, Data: "x", Timestamp: ts})
	}

	res, err := s.PurgeBefore(context.Background(), 300)
	if err != nil {
		t.Fatalf("PurgeBefore: %v", err)
	}
	if res.Entries != 2 || res.Snapshots != 2 {
		t.Fatalf("purged=%+v want 2/2", res)
	}
	res, err = s.PurgeBefore(context.Background(), 300)
	if err != nil || res.Entries != 0 || res.Snapshots != 0 {
		t.Fatalf("second purge=%+v err=%v want 0/0", res, err)
	}

	c, err := s.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c.Entries != 2 || c.Snapshots != 2 || c.OldestTS != 300 {
		t.Fatalf("counts=%+v", c)
	}
}

func TestSnapshots_OldestFirst(t *testing.T) {
	s := openTemp(t, Options{})
	a := uuid.New()
	for _, ts := range []int64{30, 10, 20} {
		_ = s.AppendSnapshot(model.InventorySnapshot{ActorID: a, ActorName: "alex", Data: "d", Timestamp: ts})
	}
	_ = s.AppendSnapshot(model.InventorySnapshot{ActorID: uuid.New(), Data: "d", Timestamp: 5})
	flush(t, s)

	got, err := s.Snapshots(context.Background(), a)
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(got) != 3 || got[0].Timestamp != 10 || got[2].Timestamp != 30 {
		t.Fatalf("snapshots=%+v", got)
	}
}

func TestScanBefore_StreamsInWriteOrder(t *testing.T) {
	s := openTemp(t, Options{})
	a := uuid.New()
	for _, ts := range []int64{10, 20, 30} {
		_ = s.Append(model.LogEntry{ActorID: a, Action: model.ActionPlace, Location: model.Location{World: "w"}, Material: "DIRT", Timestamp: ts})
	}
	flush(t, s)

	var seen []int64
	if err := s.ScanBefore(context.Background(), 30, func(e model.LogEntry) error {
		seen = append(seen, e.Timestamp)
		return nil
	}); err != nil {
		t.Fatalf("ScanBefore: %v", err)
	}
	if len(seen) != 2 || seen[0] != 10 || seen[1] != 20 {
		t.Fatalf("seen=%v", seen)
	}
}

func TestQueueDropStats(t *testing.T) {
	s := &Store{ch: make(chan req, 1)}
	s.ch <- req{kind: reqEntry}

	_ = s.Append(model.LogEntry{Timestamp: 1})
	_ = s.AppendSnapshot(model.InventorySnapshot{Timestamp: 1})

	st := s.Stats()
	if st.DroppedTotal != 2 {
		t.Fatalf("DroppedTotal=%d want=2", st.DroppedTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestClose_CommitsPendingWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklog.sqlite")
	s, err := Open(path, Options{CommitEvery: 1 << 20, CommitMaxWait: time.Hour})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Append(model.LogEntry{ActorID: uuid.New(), Action: model.ActionBreak, Location: model.Location{World: "w"}, Material: "STONE"})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Append(model.LogEntry{}); err != ErrClosed {
		t.Fatalf("Append after close err=%v want ErrClosed", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM log_entries`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows=%d want=1", n)
	}
}

type memSink struct {
	mu      sync.Mutex
	entries []model.LogEntry
}

func (m *memSink) Append(e model.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func TestRecorder_StampsOnceAndFansOut(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	r := NewRecorder(nil, func() time.Time { return time.UnixMilli(777) }, a, nil, b)

	e, err := r.Record(model.LogEntry{ActorID: uuid.New(), Action: "place", Location: model.Location{World: "w"}, Material: "DIRT"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if e.Timestamp != 777 || e.Action != model.ActionPlace {
		t.Fatalf("recorded=%+v", e)
	}
	if len(a.entries) != 1 || len(b.entries) != 1 || a.entries[0] != b.entries[0] {
		t.Fatalf("fan-out mismatch a=%v b=%v", a.entries, b.entries)
	}

	if _, err := r.Record(model.LogEntry{Action: "EXPLODE", Location: model.Location{World: "w"}}); err == nil {
		t.Fatalf("expected invalid action error")
	}
	if _, err := r.Record(model.LogEntry{Action: model.ActionBreak}); err == nil {
		t.Fatalf("expected missing world error")
	}
}
