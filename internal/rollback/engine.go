// Package rollback undoes logged world changes by replaying inverse actions through the
// surface Applier. Log reads run on the worker pool; every world write goes through the
// Applier one entry at a time.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/surface"
	"blocklog.ai/internal/workpool"
)

var (
	ErrCrossWorld     = model.ErrCrossWorld
	ErrAreaTooLarge   = errors.New("area too large")
	ErrNegativeWindow = errors.New("window must not be negative")
	ErrJobNotFound    = errors.New("rollback job not found")
	ErrEngineClosed   = errors.New("rollback engine closed")
	ErrMissingActor   = errors.New("actor id required")
)

// Source is the read side of the event log.
type Source interface {
	EntriesAt(ctx context.Context, loc model.Location, since int64, limit int) ([]model.LogEntry, error)
	EntriesByActor(ctx context.Context, actor uuid.UUID, since int64, limit int) ([]model.LogEntry, error)
}

// Reporter receives job snapshots on every state change and periodically while running.
type Reporter interface {
	Report(JobInfo)
}

type ReporterFunc func(JobInfo)

func (f ReporterFunc) Report(info JobInfo) { f(info) }

type Options struct {
	// StepDelay is slept between applied entries to bound the mutation rate.
	StepDelay     time.Duration
	MaxAreaVolume int64
	// JobRetention is how long finished jobs stay visible in Jobs().
	JobRetention  time.Duration
	ProgressEvery int
	Now           func() time.Time
	Logger        *log.Logger
	Reporter      Reporter
}

type Engine struct {
	src     Source
	applier *surface.Applier
	pool    *workpool.Pool
	opts    Options

	base      context.Context
	closeBase context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool
	jobs   map[uuid.UUID]*Job
}

func New(src Source, applier *surface.Applier, pool *workpool.Pool, opts Options) *Engine {
	if opts.MaxAreaVolume <= 0 {
		opts.MaxAreaVolume = 1 << 20
	}
	if opts.JobRetention <= 0 {
		opts.JobRetention = time.Hour
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		src:       src,
		applier:   applier,
		pool:      pool,
		opts:      opts,
		base:      base,
		closeBase: cancel,
		jobs:      map[uuid.UUID]*Job{},
	}
}

type PlayerRequest struct {
	Actor     model.Actor
	Window    time.Duration
	Requester string
}

type AreaRequest struct {
	Pos1, Pos2 model.Location
	Window     time.Duration
	Requester  string
}

// RollbackPlayer starts undoing every change the actor made within the window, newest first.
func (e *Engine) RollbackPlayer(ctx context.Context, req PlayerRequest) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Actor.ID == uuid.Nil {
		return nil, ErrMissingActor
	}
	since, err := e.since(req.Window)
	if err != nil {
		return nil, err
	}
	target := req.Actor.Name
	if target == "" {
		target = req.Actor.ID.String()
	}
	j, err := e.register(KindPlayer, req.Requester, target, since)
	if err != nil {
		return nil, err
	}
	e.start(j, func() { e.runPlayer(j, req.Actor.ID) })
	return j, nil
}

// RollbackArea starts restoring every cell of the cuboid to the state before its most
// recent change within the window. Only the latest entry per cell is undone.
func (e *Engine) RollbackArea(ctx context.Context, req AreaRequest) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := model.NewCuboid(req.Pos1, req.Pos2)
	if err != nil {
		return nil, err
	}
	if v := c.Volume(); v > e.opts.MaxAreaVolume {
		return nil, fmt.Errorf("%w: %d blocks, limit %d", ErrAreaTooLarge, v, e.opts.MaxAreaVolume)
	}
	since, err := e.since(req.Window)
	if err != nil {
		return nil, err
	}
	target := fmt.Sprintf("%s:%d,%d,%d:%d,%d,%d", c.World, c.Min[0], c.Min[1], c.Min[2], c.Max[0], c.Max[1], c.Max[2])
	j, err := e.register(KindArea, req.Requester, target, since)
	if err != nil {
		return nil, err
	}
	j.update(func(s *Summary) { s.Total = c.Volume() })
	e.start(j, func() { e.runArea(j, c) })
	return j, nil
}

func (e *Engine) since(window time.Duration) (int64, error) {
	if window < 0 {
		return 0, ErrNegativeWindow
	}
	return e.opts.Now().Add(-window).UnixMilli(), nil
}

func (e *Engine) register(kind Kind, requester, target string, since int64) (*Job, error) {
	now := e.opts.Now()
	j := newJob(e.base, kind, requester, target, since, now)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.pruneLocked(now)
	e.jobs[j.id] = j
	e.wg.Add(1)
	e.mu.Unlock()

	e.report(j)
	return j, nil
}

func (e *Engine) start(j *Job, run func()) {
	go func() {
		defer e.wg.Done()
		j.setState(StateRunning)
		e.report(j)
		run()
		info := j.Info()
		e.printf("rollback done job=%s kind=%s target=%s state=%s restored=%d failed=%d skipped=%d err=%q",
			info.ID, info.Kind, info.Target, info.State, info.Summary.Restored, info.Summary.Failed, info.Summary.Skipped, info.Summary.Err)
		e.report(j)
	}()
}

func (e *Engine) runPlayer(j *Job, actor uuid.UUID) {
	entries, err := workpool.Do(j.ctx, e.pool, func(ctx context.Context) ([]model.LogEntry, error) {
		return e.src.EntriesByActor(ctx, actor, j.since, 0)
	})
	if err != nil {
		e.fail(j, err)
		return
	}
	j.update(func(s *Summary) { s.Total = int64(len(entries)) })

	for i, ent := range entries {
		if j.stopRequested() {
			j.finish(StateCancelled, e.opts.Now())
			return
		}
		applied := e.applyOne(j, ent)
		j.update(func(s *Summary) { s.Processed++ })
		if (i+1)%e.opts.ProgressEvery == 0 {
			e.report(j)
		}
		if applied && i < len(entries)-1 && !j.sleep(e.opts.StepDelay) {
			j.finish(StateCancelled, e.opts.Now())
			return
		}
	}
	j.finish(StateCompleted, e.opts.Now())
}

func (e *Engine) runArea(j *Job, c model.Cuboid) {
	var (
		n       int
		stopped bool
		readErr error
	)
	c.Each(func(loc model.Location) bool {
		if j.stopRequested() {
			stopped = true
			return false
		}
		latest, err := workpool.Do(j.ctx, e.pool, func(ctx context.Context) ([]model.LogEntry, error) {
			return e.src.EntriesAt(ctx, loc, j.since, 1)
		})
		if err != nil {
			if j.stopRequested() {
				stopped = true
			} else {
				readErr = err
			}
			return false
		}
		applied := false
		if len(latest) > 0 {
			applied = e.applyOne(j, latest[0])
		}
		j.update(func(s *Summary) { s.Processed++ })
		n++
		if n%e.opts.ProgressEvery == 0 {
			e.report(j)
		}
		if applied && !j.sleep(e.opts.StepDelay) {
			stopped = true
			return false
		}
		return true
	})
	switch {
	case readErr != nil:
		e.fail(j, readErr)
	case stopped:
		j.finish(StateCancelled, e.opts.Now())
	default:
		j.finish(StateCompleted, e.opts.Now())
	}
}

// applyOne applies the inverse of ent and records the outcome. It reports whether a
// world write was attempted.
func (e *Engine) applyOne(j *Job, ent model.LogEntry) bool {
	op, ok := Inverse(ent)
	if !ok {
		j.update(func(s *Summary) { s.Skipped++ })
		return false
	}
	err := e.applier.Apply(j.ctx, op)
	switch {
	case err == nil:
		j.update(func(s *Summary) { s.Restored++ })
	case j.stopRequested():
		// Cancelled while queued; not a failure of the entry.
	default:
		j.update(func(s *Summary) { s.Failed++ })
		e.printf("rollback entry failed job=%s entry=%d action=%s loc=%s err=%v", j.id, ent.ID, ent.Action, ent.Location, err)
	}
	return true
}

func (e *Engine) fail(j *Job, err error) {
	if j.stopRequested() {
		j.finish(StateCancelled, e.opts.Now())
		return
	}
	j.update(func(s *Summary) { s.Err = err.Error() })
	j.finish(StateCompleted, e.opts.Now())
}

func (e *Engine) Job(id uuid.UUID) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	return j, ok
}

func (e *Engine) Cancel(id uuid.UUID) error {
	j, ok := e.Job(id)
	if !ok {
		return ErrJobNotFound
	}
	j.Cancel()
	return nil
}

// Jobs lists known jobs, newest first.
func (e *Engine) Jobs() []JobInfo {
	e.mu.Lock()
	e.pruneLocked(e.opts.Now())
	jobs := make([]*Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j)
	}
	e.mu.Unlock()

	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Info())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedMS != out[b].CreatedMS {
			return out[a].CreatedMS > out[b].CreatedMS
		}
		return out[a].ID < out[b].ID
	})
	return out
}

func (e *Engine) pruneLocked(now time.Time) {
	for id, j := range e.jobs {
		info := j.Info()
		if info.State.Terminal() && info.FinishedMS > 0 && now.Sub(time.UnixMilli(info.FinishedMS)) > e.opts.JobRetention {
			delete(e.jobs, id)
		}
	}
}

// Close cancels running jobs and waits for them to stop.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.closeBase()
	e.wg.Wait()
}

func (e *Engine) report(j *Job) {
	if e.opts.Reporter != nil {
		e.opts.Reporter.Report(j.Info())
	}
}

func (e *Engine) printf(format string, args ...any) {
	if e.opts.Logger != nil {
		e.opts.Logger.Printf(format, args...)
	}
}
