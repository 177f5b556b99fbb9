package logdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
)

const entryColumns = `id,actor_id,actor_name,action,world,x,y,z,material,extra,ts`

// EntriesAt returns entries at loc with ts >= since, newest first. limit <= 0 means no limit.
func (s *Store) EntriesAt(ctx context.Context, loc model.Location, since int64, limit int) ([]model.LogEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM log_entries
		 WHERE world = ? AND x = ? AND y = ? AND z = ? AND ts >= ?
		 ORDER BY ts DESC, id DESC LIMIT ?`,
		loc.World, loc.X, loc.Y, loc.Z, since, sqlLimit(limit))
}

// EntriesByActor returns the actor's entries with ts >= since, newest first.
func (s *Store) EntriesByActor(ctx context.Context, actor uuid.UUID, since int64, limit int) ([]model.LogEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM log_entries
		 WHERE actor_id = ? AND ts >= ?
		 ORDER BY ts DESC, id DESC LIMIT ?`,
		actor.String(), since, sqlLimit(limit))
}

// EntriesIn returns entries inside the cuboid with ts >= since, newest first.
func (s *Store) EntriesIn(ctx context.Context, c model.Cuboid, since int64, limit int) ([]model.LogEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM log_entries
		 WHERE world = ? AND x BETWEEN ? AND ? AND y BETWEEN ? AND ? AND z BETWEEN ? AND ? AND ts >= ?
		 ORDER BY ts DESC, id DESC LIMIT ?`,
		c.World, c.Min[0], c.Max[0], c.Min[1], c.Max[1], c.Min[2], c.Max[2], since, sqlLimit(limit))
}

// ScanBefore streams entries with ts < cutoff in write order.
func (s *Store) ScanBefore(ctx context.Context, cutoff int64, fn func(model.LogEntry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM log_entries WHERE ts < ? ORDER BY ts, id`, cutoff)
	if err != nil {
		return fmt.Errorf("scan entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Snapshots returns all of the actor's inventory snapshots, oldest first.
func (s *Store) Snapshots(ctx context.Context, actor uuid.UUID) ([]model.InventorySnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,actor_id,actor_name,data,ts FROM inventory_snapshots WHERE actor_id = ? ORDER BY ts, id`,
		actor.String())
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []model.InventorySnapshot
	for rows.Next() {
		var (
			sn      model.InventorySnapshot
			actorID string
		)
		if err := rows.Scan(&sn.ID, &actorID, &sn.ActorName, &sn.Data, &sn.Timestamp); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if sn.ActorID, err = uuid.Parse(actorID); err != nil {
			return nil, fmt.Errorf("snapshot %d actor id: %w", sn.ID, err)
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

type Counts struct {
	Entries   int64
	Snapshots int64
	OldestTS  int64
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MIN(ts) FROM log_entries`).Scan(&c.Entries, &oldest); err != nil {
		return c, err
	}
	c.OldestTS = oldest.Int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inventory_snapshots`).Scan(&c.Snapshots); err != nil {
		return c, err
	}
	return c, nil
}

func (s *Store) queryEntries(ctx context.Context, q string, args ...any) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (model.LogEntry, error) {
	var (
		e       model.LogEntry
		actorID string
		action  string
	)
	if err := rows.Scan(
		&e.ID, &actorID, &e.ActorName, &action,
		&e.Location.World, &e.Location.X, &e.Location.Y, &e.Location.Z,
		&e.Material, &e.Extra, &e.Timestamp,
	); err != nil {
		return e, fmt.Errorf("scan entry: %w", err)
	}
	id, err := uuid.Parse(actorID)
	if err != nil {
		return e, fmt.Errorf("entry %d actor id: %w", e.ID, err)
	}
	e.ActorID = id
	e.Action = model.Action(action)
	return e, nil
}

// SQLite treats a negative LIMIT as unbounded.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
