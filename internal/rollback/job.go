package rollback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateRequested State = "REQUESTED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
)

func (s State) Terminal() bool { return s == StateCompleted || s == StateCancelled }

type Kind string

const (
	KindPlayer Kind = "player"
	KindArea   Kind = "area"
)

// Summary counts what a job did. Total is the number of entries (player) or cells (area)
// the job will visit; Processed counts the ones visited so far.
type Summary struct {
	Restored  int    `json:"restored"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Processed int    `json:"processed"`
	Total     int64  `json:"total"`
	Err       string `json:"error,omitempty"`
}

// JobInfo is a point-in-time copy of a job, safe to serialize.
type JobInfo struct {
	ID         string  `json:"id"`
	Kind       Kind    `json:"kind"`
	State      State   `json:"state"`
	Requester  string  `json:"requester,omitempty"`
	Target     string  `json:"target"`
	SinceMS    int64   `json:"since_ms"`
	CreatedMS  int64   `json:"created_ms"`
	FinishedMS int64   `json:"finished_ms,omitempty"`
	Summary    Summary `json:"summary"`
}

type Job struct {
	id        uuid.UUID
	kind      Kind
	requester string
	target    string
	since     int64
	created   time.Time

	ctx       context.Context
	ctxCancel context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}

	mu       sync.Mutex
	state    State
	summary  Summary
	finished time.Time
}

func newJob(parent context.Context, kind Kind, requester, target string, since int64, now time.Time) *Job {
	ctx, cancel := context.WithCancel(parent)
	return &Job{
		id:        uuid.New(),
		kind:      kind,
		requester: requester,
		target:    target,
		since:     since,
		created:   now,
		ctx:       ctx,
		ctxCancel: cancel,
		done:      make(chan struct{}),
		state:     StateRequested,
	}
}

func (j *Job) ID() uuid.UUID { return j.id }

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) Summary() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.summary
}

// Cancel asks the job to stop before its next entry or cell. Already applied changes stay.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
	j.ctxCancel()
}

func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-j.done:
		return j.Summary(), nil
	case <-ctx.Done():
		return j.Summary(), ctx.Err()
	}
}

func (j *Job) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := JobInfo{
		ID:        j.id.String(),
		Kind:      j.kind,
		State:     j.state,
		Requester: j.requester,
		Target:    j.target,
		SinceMS:   j.since,
		CreatedMS: j.created.UnixMilli(),
		Summary:   j.summary,
	}
	if !j.finished.IsZero() {
		info.FinishedMS = j.finished.UnixMilli()
	}
	return info
}

func (j *Job) stopRequested() bool {
	return j.cancelled.Load() || j.ctx.Err() != nil
}

func (j *Job) update(fn func(*Summary)) {
	j.mu.Lock()
	fn(&j.summary)
	j.mu.Unlock()
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *Job) finish(s State, now time.Time) {
	j.mu.Lock()
	j.state = s
	j.finished = now
	j.mu.Unlock()
	j.ctxCancel()
	close(j.done)
}

// sleep waits d or until the job is cancelled. It reports whether the job should go on.
func (j *Job) sleep(d time.Duration) bool {
	if d <= 0 {
		return !j.stopRequested()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !j.stopRequested()
	case <-j.ctx.Done():
		return false
	}
}
