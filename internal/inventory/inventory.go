// Package inventory captures periodic inventory snapshots and restores them.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/persistence/invcodec"
	"blocklog.ai/internal/surface"
	"blocklog.ai/internal/workpool"
)

var ErrNoSnapshots = errors.New("no inventory snapshots")

type SnapshotReader interface {
	Snapshots(ctx context.Context, actor uuid.UUID) ([]model.InventorySnapshot, error)
}

// SnapshotSink is implemented by logdb.Store and journal.SnapshotLogger.
type SnapshotSink interface {
	AppendSnapshot(model.InventorySnapshot) error
}

type Directory interface {
	Online(id uuid.UUID) bool
	OnlineActors() []model.Actor
}

type Options struct {
	Interval time.Duration
	Now      func() time.Time
	Logger   *log.Logger
}

type Service struct {
	reader  SnapshotReader
	sinks   []SnapshotSink
	dir     Directory
	applier *surface.Applier
	pool    *workpool.Pool
	opts    Options
}

func New(reader SnapshotReader, dir Directory, applier *surface.Applier, pool *workpool.Pool, opts Options, sinks ...SnapshotSink) *Service {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{reader: reader, dir: dir, applier: applier, pool: pool, opts: opts}
	for _, sink := range sinks {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
	return s
}

// TakeSnapshot reads the actor's live inventory on the world goroutine and stores it.
func (s *Service) TakeSnapshot(ctx context.Context, actor model.Actor) (model.InventorySnapshot, error) {
	if !s.dir.Online(actor.ID) {
		return model.InventorySnapshot{}, surface.ErrActorOffline
	}
	var items []model.ItemStack
	if err := s.applier.ApplyInventory(ctx, func(h surface.InventoryHolder) error {
		var err error
		items, err = h.Inventory(actor.ID)
		return err
	}); err != nil {
		return model.InventorySnapshot{}, err
	}
	data, err := workpool.Do(ctx, s.pool, func(context.Context) (string, error) {
		return invcodec.Encode(items)
	})
	if err != nil {
		return model.InventorySnapshot{}, err
	}
	snap := model.InventorySnapshot{
		ActorID:   actor.ID,
		ActorName: actor.Name,
		Data:      data,
		Timestamp: s.opts.Now().UnixMilli(),
	}
	for _, sink := range s.sinks {
		if err := sink.AppendSnapshot(snap); err != nil {
			s.printf("inventory snapshot sink=%T actor=%s err=%v", sink, actor.ID, err)
		}
	}
	return snap, nil
}

// SnapshotAll snapshots every online actor and returns how many succeeded.
func (s *Service) SnapshotAll(ctx context.Context) int {
	n := 0
	for _, a := range s.dir.OnlineActors() {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.TakeSnapshot(ctx, a); err != nil {
			if !errors.Is(err, surface.ErrActorOffline) {
				s.printf("inventory snapshot actor=%s err=%v", a.ID, err)
			}
			continue
		}
		n++
	}
	return n
}

// Run snapshots all online actors every Interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SnapshotAll(ctx); n > 0 {
				s.printf("inventory snapshots taken=%d", n)
			}
		}
	}
}

// SelectSnapshot picks the latest snapshot taken at or before t, or the oldest snapshot
// when none qualifies. snaps need not be sorted.
func SelectSnapshot(snaps []model.InventorySnapshot, t int64) (model.InventorySnapshot, bool) {
	if len(snaps) == 0 {
		return model.InventorySnapshot{}, false
	}
	var (
		best, oldest model.InventorySnapshot
		found        bool
	)
	oldest = snaps[0]
	for _, sn := range snaps {
		if sn.Timestamp < oldest.Timestamp {
			oldest = sn
		}
		if sn.Timestamp <= t && (!found || sn.Timestamp >= best.Timestamp) {
			best = sn
			found = true
		}
	}
	if !found {
		return oldest, true
	}
	return best, true
}

// Outcome reports whether a restore was applied. An unreachable actor is not an error.
type Outcome struct {
	Applied    bool   `json:"applied"`
	Reason     string `json:"reason,omitempty"`
	SnapshotTS int64  `json:"snapshot_ts"`
	Items      int    `json:"items"`
}

// RollbackToTime restores the actor's inventory to the snapshot chosen for now-window.
// Nothing is queued when the actor is offline.
func (s *Service) RollbackToTime(ctx context.Context, actor uuid.UUID, window time.Duration) (Outcome, error) {
	if window < 0 {
		return Outcome{}, fmt.Errorf("window must not be negative")
	}
	t := s.opts.Now().Add(-window).UnixMilli()
	snaps, err := workpool.Do(ctx, s.pool, func(ctx context.Context) ([]model.InventorySnapshot, error) {
		return s.reader.Snapshots(ctx, actor)
	})
	if err != nil {
		return Outcome{}, err
	}
	snap, ok := SelectSnapshot(snaps, t)
	if !ok {
		return Outcome{}, ErrNoSnapshots
	}
	out := Outcome{SnapshotTS: snap.Timestamp}
	if !s.dir.Online(actor) {
		out.Reason = "actor offline"
		return out, nil
	}
	items, err := workpool.Do(ctx, s.pool, func(context.Context) ([]model.ItemStack, error) {
		return invcodec.Decode(snap.Data)
	})
	if err != nil {
		return out, fmt.Errorf("decode snapshot %d: %w", snap.ID, err)
	}
	err = s.applier.ApplyInventory(ctx, func(h surface.InventoryHolder) error {
		return h.SetInventory(actor, items)
	})
	if errors.Is(err, surface.ErrActorOffline) {
		out.Reason = "actor offline"
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Applied = true
	out.Items = len(items)
	s.printf("inventory restored actor=%s snapshot_ts=%d items=%d", actor, snap.Timestamp, len(items))
	return out, nil
}

func (s *Service) printf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
	}
}
