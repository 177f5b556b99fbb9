package rollback

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/persistence/logdb"
	"blocklog.ai/internal/surface"
	"blocklog.ai/internal/surface/memworld"
	"blocklog.ai/internal/workpool"
)

var testNow = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

// memSource is an in-memory event log with the store's ordering rules.
type memSource struct {
	mu      sync.Mutex
	entries []model.LogEntry
	reads   int
}

func (m *memSource) add(e model.LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
}

func (m *memSource) filter(keep func(model.LogEntry) bool, since int64, limit int) []model.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	var out []model.LogEntry
	for _, e := range m.entries {
		if e.Timestamp >= since && keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memSource) EntriesAt(_ context.Context, loc model.Location, since int64, limit int) ([]model.LogEntry, error) {
	return m.filter(func(e model.LogEntry) bool { return e.Location == loc }, since, limit), nil
}

func (m *memSource) EntriesByActor(_ context.Context, actor uuid.UUID, since int64, limit int) ([]model.LogEntry, error) {
	return m.filter(func(e model.LogEntry) bool { return e.ActorID == actor }, since, limit), nil
}

type rig struct {
	world  *memworld.World
	engine *Engine
}

func newRig(t *testing.T, src Source, opts Options) rig {
	t.Helper()
	w := memworld.New(memworld.NewPalette([]string{"STONE", "DIRT", "OAK_LOG"}, []string{"COW", "ZOMBIE"}), "world", "nether")
	a := surface.NewApplier(w, 16)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = a.Run(ctx)
	}()
	pool := workpool.New(2, 16, nil)
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	e := New(src, a, pool, opts)
	t.Cleanup(func() {
		e.Close()
		pool.Close()
		cancel()
		<-stopped
	})
	return rig{world: w, engine: e}
}

func wait(t *testing.T, j *Job) Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := j.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return s
}

func ms(d time.Duration) int64 { return testNow.Add(-d).UnixMilli() }

func TestRollbackPlayer_RestoresAndSkips(t *testing.T) {
	src := &memSource{}
	griefer := uuid.New()
	loc1 := model.Location{World: "world", X: 1}
	loc2 := model.Location{World: "world", X: 2}
	src.add(model.LogEntry{ActorID: griefer, Action: model.ActionBreak, Location: loc1, Material: "STONE", Timestamp: ms(5 * time.Minute)})
	src.add(model.LogEntry{ActorID: griefer, Action: model.ActionPlace, Location: loc2, Material: "DIRT", Timestamp: ms(4 * time.Minute)})
	src.add(model.LogEntry{ActorID: griefer, Action: model.ActionContainerRemove, Location: loc2, Material: "DIAMOND", Timestamp: ms(3 * time.Minute)})
	// Outside the window.
	src.add(model.LogEntry{ActorID: griefer, Action: model.ActionBreak, Location: model.Location{World: "world", X: 9}, Material: "STONE", Timestamp: ms(2 * time.Hour)})

	r := newRig(t, src, Options{})
	_ = r.world.SetMaterial(loc2, "DIRT")

	var (
		mu     sync.Mutex
		states []State
	)
	r.engine.opts.Reporter = ReporterFunc(func(info JobInfo) {
		mu.Lock()
		states = append(states, info.State)
		mu.Unlock()
	})

	j, err := r.engine.RollbackPlayer(context.Background(), PlayerRequest{Actor: model.Actor{ID: griefer, Name: "griefer"}, Window: time.Hour, Requester: "mod"})
	if err != nil {
		t.Fatalf("RollbackPlayer: %v", err)
	}
	s := wait(t, j)
	if j.State() != StateCompleted {
		t.Fatalf("state=%s want COMPLETED", j.State())
	}
	if s.Restored != 2 || s.Failed != 0 || s.Skipped != 1 || s.Total != 3 || s.Processed != 3 {
		t.Fatalf("summary=%+v", s)
	}
	if m, _ := r.world.MaterialAt(loc1); m != "STONE" {
		t.Fatalf("loc1=%s want STONE", m)
	}
	if m, _ := r.world.MaterialAt(loc2); m != model.MaterialAir {
		t.Fatalf("loc2=%s want AIR", m)
	}
	if m, _ := r.world.MaterialAt(model.Location{World: "world", X: 9}); m != model.MaterialAir {
		t.Fatalf("entry outside the window was applied")
	}

	r.engine.Close()
	mu.Lock()
	defer mu.Unlock()
	if len(states) < 3 || states[0] != StateRequested || states[1] != StateRunning || states[len(states)-1] != StateCompleted {
		t.Fatalf("reported states=%v", states)
	}
}

func TestRollbackPlayer_InvalidMaterialCountsAsFailed(t *testing.T) {
	src := &memSource{}
	a := uuid.New()
	src.add(model.LogEntry{ActorID: a, Action: model.ActionBreak, Location: model.Location{World: "world"}, Material: "NOT_A_BLOCK", Timestamp: ms(time.Minute)})
	src.add(model.LogEntry{ActorID: a, Action: model.ActionBreak, Location: model.Location{World: "missing"}, Material: "STONE", Timestamp: ms(time.Minute)})
	src.add(model.LogEntry{ActorID: a, Action: model.ActionBreak, Location: model.Location{World: "world", X: 1}, Material: "STONE", Timestamp: ms(time.Minute)})

	r := newRig(t, src, Options{})
	j, err := r.engine.RollbackPlayer(context.Background(), PlayerRequest{Actor: model.Actor{ID: a}, Window: time.Hour})
	if err != nil {
		t.Fatalf("RollbackPlayer: %v", err)
	}
	s := wait(t, j)
	if s.Restored != 1 || s.Failed != 2 {
		t.Fatalf("summary=%+v want restored=1 failed=2", s)
	}
}

// Re-running a player rollback re-applies every inverse: it is not idempotent.
func TestRollbackPlayer_TwiceReappliesInverses(t *testing.T) {
	src := &memSource{}
	a := uuid.New()
	loc := model.Location{World: "world", X: 3}
	src.add(model.LogEntry{ActorID: a, Action: model.ActionEntityKill, Location: loc, Material: "COW", Timestamp: ms(time.Minute)})
	src.add(model.LogEntry{ActorID: a, Action: model.ActionPlace, Location: loc, Material: "DIRT", Timestamp: ms(30 * time.Second)})

	r := newRig(t, src, Options{})
	run := func() Summary {
		j, err := r.engine.RollbackPlayer(context.Background(), PlayerRequest{Actor: model.Actor{ID: a}, Window: time.Hour})
		if err != nil {
			t.Fatalf("RollbackPlayer: %v", err)
		}
		return wait(t, j)
	}

	_ = r.world.SetMaterial(loc, "DIRT")
	first := run()
	// Someone rebuilds on the spot between the two runs.
	_ = r.world.SetMaterial(loc, "OAK_LOG")
	second := run()

	if first.Restored != 2 || second.Restored != 2 {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if n := r.world.Entities("world", "COW"); n != 2 {
		t.Fatalf("cows=%d want=2 after two runs", n)
	}
	if m, _ := r.world.MaterialAt(loc); m != model.MaterialAir {
		t.Fatalf("material=%s want AIR (second run overwrote the rebuild)", m)
	}
}

func TestRollbackArea_RestoresLatestPerCell(t *testing.T) {
	st, err := logdb.Open(filepath.Join(t.TempDir(), "area.sqlite"), logdb.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	a := uuid.New()
	for x := 0; x < 2; x++ {
		for z := 0; z < 2; z++ {
			_ = st.Append(model.LogEntry{ActorID: a, Action: model.ActionBreak, Location: model.Location{World: "world", X: x, Y: 64, Z: z}, Material: "STONE", Timestamp: ms(time.Minute)})
		}
	}
	if err := st.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	r := newRig(t, st, Options{})
	j, err := r.engine.RollbackArea(context.Background(), AreaRequest{
		Pos1:   model.Location{World: "world", X: 1, Y: 64, Z: 1},
		Pos2:   model.Location{World: "world", X: 0, Y: 64, Z: 0},
		Window: time.Hour,
	})
	if err != nil {
		t.Fatalf("RollbackArea: %v", err)
	}
	s := wait(t, j)
	if s.Restored != 4 || s.Failed != 0 || s.Total != 4 || s.Processed != 4 {
		t.Fatalf("summary=%+v want restored=4 failed=0", s)
	}
	for x := 0; x < 2; x++ {
		for z := 0; z < 2; z++ {
			if m, _ := r.world.MaterialAt(model.Location{World: "world", X: x, Y: 64, Z: z}); m != "STONE" {
				t.Fatalf("cell %d,%d=%s want STONE", x, z, m)
			}
		}
	}
}

func TestRollbackArea_OnlyMostRecentEntry(t *testing.T) {
	src := &memSource{}
	a := uuid.New()
	loc := model.Location{World: "world"}
	src.add(model.LogEntry{ActorID: a, Action: model.ActionBreak, Location: loc, Material: "STONE", Timestamp: ms(2 * time.Minute)})
	src.add(model.LogEntry{ActorID: a, Action: model.ActionPlace, Location: loc, Material: "DIRT", Timestamp: ms(time.Minute)})

	r := newRig(t, src, Options{})
	_ = r.world.SetMaterial(loc, "DIRT")
	j, err := r.engine.RollbackArea(context.Background(), AreaRequest{Pos1: loc, Pos2: loc, Window: time.Hour})
	if err != nil {
		t.Fatalf("RollbackArea: %v", err)
	}
	s := wait(t, j)
	if s.Restored != 1 {
		t.Fatalf("summary=%+v", s)
	}
	// The PLACE is undone; the older BREAK is not replayed.
	if m, _ := r.world.MaterialAt(loc); m != model.MaterialAir {
		t.Fatalf("material=%s want AIR", m)
	}
}

func TestRollbackArea_RejectsCrossWorldAndHugeAreas(t *testing.T) {
	r := newRig(t, &memSource{}, Options{MaxAreaVolume: 8})
	_, err := r.engine.RollbackArea(context.Background(), AreaRequest{Pos1: model.Location{World: "world"}, Pos2: model.Location{World: "nether"}, Window: time.Hour})
	if !errors.Is(err, ErrCrossWorld) {
		t.Fatalf("err=%v want ErrCrossWorld", err)
	}
	_, err = r.engine.RollbackArea(context.Background(), AreaRequest{Pos1: model.Location{World: "world"}, Pos2: model.Location{World: "world", X: 2, Y: 2, Z: 2}, Window: time.Hour})
	if !errors.Is(err, ErrAreaTooLarge) {
		t.Fatalf("err=%v want ErrAreaTooLarge", err)
	}
	_, err = r.engine.RollbackArea(context.Background(), AreaRequest{Pos1: model.Location{World: "world"}, Pos2: model.Location{World: "world", X: math.MaxInt}, Window: time.Hour})
	if !errors.Is(err, model.ErrOutOfBounds) {
		t.Fatalf("err=%v want ErrOutOfBounds", err)
	}
	_, err = r.engine.RollbackArea(context.Background(), AreaRequest{Pos1: model.Location{World: "world", X: -model.MaxHorizontal, Y: model.MinY, Z: -model.MaxHorizontal}, Pos2: model.Location{World: "world", X: model.MaxHorizontal, Y: model.MaxY, Z: model.MaxHorizontal}, Window: time.Hour})
	if !errors.Is(err, ErrAreaTooLarge) {
		t.Fatalf("whole world: err=%v want ErrAreaTooLarge", err)
	}
	if jobs := r.engine.Jobs(); len(jobs) != 0 {
		t.Fatalf("rejected requests must not create jobs: %+v", jobs)
	}
	if _, err := r.engine.RollbackPlayer(context.Background(), PlayerRequest{Actor: model.Actor{ID: uuid.New()}, Window: -time.Second}); !errors.Is(err, ErrNegativeWindow) {
		t.Fatalf("err=%v want ErrNegativeWindow", err)
	}
}

func TestCancel_StopsBetweenEntries(t *testing.T) {
	src := &memSource{}
	a := uuid.New()
	for x := 0; x < 50; x++ {
		src.add(model.LogEntry{ActorID: a, Action: model.ActionBreak, Location: model.Location{World: "world", X: x}, Material: "STONE", Timestamp: ms(time.Minute)})
	}
	r := newRig(t, src, Options{StepDelay: 20 * time.Millisecond})
	j, err := r.engine.RollbackPlayer(context.Background(), PlayerRequest{Actor: model.Actor{ID: a}, Window: time.Hour})
	if err != nil {
		t.Fatalf("RollbackPlayer: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := r.engine.Cancel(j.ID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	s := wait(t, j)
	if j.State() != StateCancelled {
		t.Fatalf("state=%s want CANCELLED", j.State())
	}
	if s.Restored == 0 || s.Restored >= 50 {
		t.Fatalf("restored=%d want partial progress", s.Restored)
	}
	if err := r.engine.Cancel(uuid.New()); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err=%v want ErrJobNotFound", err)
	}
}

func TestJobs_PrunesFinishedAfterRetention(t *testing.T) {
	now := testNow
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	r := newRig(t, &memSource{}, Options{Now: clock, JobRetention: time.Minute})
	j, err := r.engine.RollbackPlayer(context.Background(), PlayerRequest{Actor: model.Actor{ID: uuid.New()}, Window: time.Hour})
	if err != nil {
		t.Fatalf("RollbackPlayer: %v", err)
	}
	wait(t, j)
	if got := r.engine.Jobs(); len(got) != 1 || got[0].State != StateCompleted {
		t.Fatalf("jobs=%+v", got)
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if got := r.engine.Jobs(); len(got) != 0 {
		t.Fatalf("jobs=%+v want pruned", got)
	}
}

func TestInverse(t *testing.T) {
	if _, ok := Inverse(model.LogEntry{Action: model.ActionContainerOpen}); ok {
		t.Fatalf("container actions have no inverse")
	}
	w := memworld.New(memworld.NewPalette(nil, []string{"ZOMBIE"}), "world")
	id, _ := w.SpawnEntity(model.Location{World: "world"}, "ZOMBIE")
	op, ok := Inverse(model.LogEntry{Action: model.ActionEntitySpawn, Location: model.Location{World: "world"}, Extra: id})
	if !ok {
		t.Fatalf("ENTITY_SPAWN should have an inverse")
	}
	if err := op(w); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if w.Entities("world", "ZOMBIE") != 0 {
		t.Fatalf("zombie not removed")
	}
	op, _ = Inverse(model.LogEntry{ID: 4, Action: model.ActionEntitySpawn, Location: model.Location{World: "world"}})
	if err := op(w); err == nil {
		t.Fatalf("expected missing entity id error")
	}
}
