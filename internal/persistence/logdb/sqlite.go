package logdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/persistence/logdb/migrations"
	"blocklog.ai/internal/persistence/sqlitemigrate"
)

var ErrClosed = errors.New("log store closed")

type Options struct {
	// QueueSize bounds the number of pending writes. Appends beyond it are dropped.
	QueueSize     int
	CommitEvery   int
	CommitMaxWait time.Duration
	ReadConns     int
	Logger        *log.Logger
	Now           func() time.Time
}

func (o *Options) normalize() {
	if o.QueueSize <= 0 {
		o.QueueSize = 65536
	}
	if o.CommitEvery <= 0 {
		o.CommitEvery = 2000
	}
	if o.CommitMaxWait <= 0 {
		o.CommitMaxWait = 2 * time.Second
	}
	if o.ReadConns <= 0 {
		o.ReadConns = 4
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Store is the SQLite-backed event log and inventory snapshot store.
// Writes go through a single writer goroutine; reads use the pooled connections.
type Store struct {
	db   *sql.DB
	opts Options
	log  *log.Logger

	mu     sync.RWMutex // guards ch against close while sending
	closed bool
	ch     chan req
	wg     sync.WaitGroup
	once   sync.Once

	clock monoClock

	appendedTotal  atomic.Uint64
	droppedTotal   atomic.Uint64
	failedTotal    atomic.Uint64
	snapshotsTotal atomic.Uint64
}

type reqKind int

const (
	reqEntry reqKind = iota + 1
	reqSnapshot
	reqFlush
	reqPurge
)

type req struct {
	kind reqKind

	entry    model.LogEntry
	snapshot model.InventorySnapshot

	cutoff int64
	done   chan result
}

type result struct {
	purge PurgeResult
	err   error
}

type PurgeResult struct {
	Entries   int64
	Snapshots int64
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	AppendedTotal  uint64
	DroppedTotal   uint64
	FailedTotal    uint64
	SnapshotsTotal uint64
}

func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	opts.normalize()

	// Pragmas in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=temp_store(MEMORY)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection belongs to the writer, the rest serve reads.
	db.SetMaxOpenConns(opts.ReadConns + 1)
	db.SetMaxIdleConns(opts.ReadConns + 1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, db, migrations.FS, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{
		db:    db,
		opts:  opts,
		log:   opts.Logger,
		ch:    make(chan req, opts.QueueSize),
		clock: monoClock{now: opts.Now},
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// DB exposes the handle for read-only tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Append enqueues a log entry without blocking. Entries with a zero timestamp are stamped
// with a non-decreasing wall-clock time. A full queue drops the entry.
func (s *Store) Append(e model.LogEntry) error {
	if s == nil {
		return nil
	}
	if e.Timestamp == 0 {
		e.Timestamp = s.clock.Stamp()
	}
	return s.enqueue(req{kind: reqEntry, entry: e})
}

func (s *Store) AppendSnapshot(snap model.InventorySnapshot) error {
	if s == nil {
		return nil
	}
	if snap.Timestamp == 0 {
		snap.Timestamp = s.opts.Now().UnixMilli()
	}
	return s.enqueue(req{kind: reqSnapshot, snapshot: snap})
}

func (s *Store) enqueue(r req) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.ch <- r:
	default:
		n := s.droppedTotal.Add(1)
		if n == 1 || n%1000 == 0 {
			s.printf("logdb drop reason=queue_full depth=%d dropped_total=%d", len(s.ch), n)
		}
	}
	return nil
}

// call sends a request that must not be dropped and waits for the writer's answer.
func (s *Store) call(ctx context.Context, r req) (result, error) {
	r.done = make(chan result, 1)
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return result{}, ErrClosed
	}
	select {
	case s.ch <- r:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return result{}, ctx.Err()
	}
	select {
	case res := <-r.done:
		return res, res.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// Flush returns once everything enqueued before it has been committed.
func (s *Store) Flush(ctx context.Context) error {
	_, err := s.call(ctx, req{kind: reqFlush})
	return err
}

// PurgeBefore deletes log entries and snapshots with ts < cutoff (unix millis).
// It runs on the writer goroutine so it is ordered with pending appends.
func (s *Store) PurgeBefore(ctx context.Context, cutoff int64) (PurgeResult, error) {
	res, err := s.call(ctx, req{kind: reqPurge, cutoff: cutoff})
	return res.purge, err
}

func (s *Store) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		AppendedTotal:  s.appendedTotal.Load(),
		DroppedTotal:   s.droppedTotal.Load(),
		FailedTotal:    s.failedTotal.Load(),
		SnapshotsTotal: s.snapshotsTotal.Load(),
	}
}

func (s *Store) loop() {
	ctx := context.Background()

	insertEntry, err := s.db.Prepare(`INSERT INTO log_entries(actor_id,actor_name,action,world,x,y,z,material,extra,ts) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		s.printf("logdb prepare insert entry: %v", err)
	}
	insertSnapshot, err := s.db.Prepare(`INSERT INTO inventory_snapshots(actor_id,actor_name,data,ts) VALUES(?,?,?,?)`)
	if err != nil {
		s.printf("logdb prepare insert snapshot: %v", err)
	}
	defer func() {
		if insertEntry != nil {
			_ = insertEntry.Close()
		}
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
	}()

	var (
		tx         *sql.Tx
		opCount    int
		lastCommit = time.Now()
	)

	begin := func() bool {
		if tx != nil {
			return true
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.printf("logdb begin: %v", err)
			return false
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
		return true
	}
	commit := func() error {
		if tx == nil {
			return nil
		}
		err := tx.Commit()
		if err != nil {
			s.failedTotal.Add(uint64(opCount))
			s.printf("logdb commit failed ops=%d err=%v", opCount, err)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
		return err
	}
	// A failed insert drops only that row; the open tx stays usable.
	fail := func(what string, err error) {
		n := s.failedTotal.Add(1)
		s.printf("logdb write failed kind=%s failed_total=%d err=%v", what, n, err)
	}

	ticker := time.NewTicker(s.opts.CommitMaxWait)
	defer ticker.Stop()

	for {
		var (
			r  req
			ok bool
		)
		select {
		case r, ok = <-s.ch:
			if !ok {
				_ = commit()
				return
			}
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= s.opts.CommitMaxWait {
				_ = commit()
			}
			continue
		}

		switch r.kind {
		case reqEntry:
			if insertEntry == nil || !begin() {
				s.failedTotal.Add(1)
				continue
			}
			e := r.entry
			if _, err := tx.Stmt(insertEntry).Exec(
				e.ActorID.String(),
				e.ActorName,
				string(e.Action),
				e.Location.World,
				e.Location.X, e.Location.Y, e.Location.Z,
				e.Material,
				e.Extra,
				e.Timestamp,
			); err != nil {
				fail("entry", err)
				continue
			}
			opCount++
			s.appendedTotal.Add(1)

		case reqSnapshot:
			if insertSnapshot == nil || !begin() {
				s.failedTotal.Add(1)
				continue
			}
			sn := r.snapshot
			if _, err := tx.Stmt(insertSnapshot).Exec(
				sn.ActorID.String(),
				sn.ActorName,
				sn.Data,
				sn.Timestamp,
			); err != nil {
				fail("snapshot", err)
				continue
			}
			opCount++
			s.snapshotsTotal.Add(1)

		case reqFlush:
			r.done <- result{err: commit()}
			continue

		case reqPurge:
			if err := commit(); err != nil {
				r.done <- result{err: err}
				continue
			}
			res, err := s.purge(ctx, r.cutoff)
			r.done <- result{purge: res, err: err}
			continue
		}

		if opCount >= s.opts.CommitEvery || time.Since(lastCommit) >= s.opts.CommitMaxWait {
			_ = commit()
		}
	}
}

func (s *Store) purge(ctx context.Context, cutoff int64) (PurgeResult, error) {
	var out PurgeResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM log_entries WHERE ts < ?`, cutoff)
	if err != nil {
		return out, fmt.Errorf("purge log entries: %w", err)
	}
	out.Entries, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM inventory_snapshots WHERE ts < ?`, cutoff)
	if err != nil {
		return out, fmt.Errorf("purge snapshots: %w", err)
	}
	out.Snapshots, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return PurgeResult{}, err
	}
	return out, nil
}

func (s *Store) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// monoClock hands out wall-clock millis that never go backwards.
type monoClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

func (c *monoClock) Stamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	ts := now().UnixMilli()
	if ts < c.last {
		ts = c.last
	}
	c.last = ts
	return ts
}
