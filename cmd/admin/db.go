package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/persistence/invcodec"
	"blocklog.ai/internal/query"

	_ "modernc.org/sqlite"
)

// dbCmd reads the SQLite index directly, without a running server.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/blocklog.sqlite)")
	actor := fs.String("actor", "", "actor uuid or exact name (entries, snapshots)")
	loc := fs.String("loc", "", "block location world:x,y,z (entries)")
	window := fs.String("window", "", "only rows newer than now minus this window")
	limit := fs.Int("limit", 20, "result limit")
	decode := fs.Bool("decode", false, "decode snapshot payloads into item stacks")
	_ = fs.Parse(args)

	q := "counts"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "blocklog.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	f := dbFilter{Limit: *limit}
	if *window != "" {
		d, err := query.ParseWindow(*window)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -window:", err)
			os.Exit(2)
		}
		f.SinceMS = time.Now().Add(-d).UnixMilli()
	}
	if *loc != "" {
		l, err := model.ParseLocation(*loc)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -loc:", err)
			os.Exit(2)
		}
		f.Loc = &l
	}
	f.Actor = strings.TrimSpace(*actor)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch q {
	case "counts":
		err = dbCounts(ctx, db, os.Stdout)
	case "entries":
		err = dbEntries(ctx, db, f, os.Stdout)
	case "snapshots":
		if f.Actor == "" {
			fmt.Fprintln(os.Stderr, "snapshots needs -actor")
			os.Exit(2)
		}
		err = dbSnapshots(ctx, db, f, *decode, os.Stdout)
	case "migrations":
		err = dbMigrations(ctx, db, os.Stdout)
	default:
		fmt.Fprintln(os.Stderr, "unknown query (want counts|entries|snapshots|migrations):", q)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
}

type dbFilter struct {
	Actor   string
	Loc     *model.Location
	SinceMS int64
	Limit   int
}

// actorClause matches a uuid against actor_id and anything else against actor_name.
func (f dbFilter) actorClause() (string, any) {
	if id, err := uuid.Parse(f.Actor); err == nil {
		return "actor_id=?", id.String()
	}
	return "actor_name=?", f.Actor
}

func (f dbFilter) limit() int {
	if f.Limit <= 0 {
		return 20
	}
	return f.Limit
}

func dbCounts(ctx context.Context, db *sql.DB, w io.Writer) error {
	var r struct {
		Entries   int64         `json:"entries"`
		Snapshots int64         `json:"snapshots"`
		OldestMS  sql.NullInt64 `json:"-"`
		NewestMS  sql.NullInt64 `json:"-"`
		Oldest    int64         `json:"oldest_ms"`
		Newest    int64         `json:"newest_ms"`
		Actors    int64         `json:"actors"`
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*), MIN(ts), MAX(ts), COUNT(DISTINCT actor_id) FROM log_entries`).
		Scan(&r.Entries, &r.OldestMS, &r.NewestMS, &r.Actors); err != nil {
		return err
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inventory_snapshots`).Scan(&r.Snapshots); err != nil {
		return err
	}
	r.Oldest, r.Newest = r.OldestMS.Int64, r.NewestMS.Int64
	return writeJSONLine(w, r)
}

func dbEntries(ctx context.Context, db *sql.DB, f dbFilter, w io.Writer) error {
	where := []string{"ts >= ?"}
	args := []any{f.SinceMS}
	if f.Actor != "" {
		clause, arg := f.actorClause()
		where = append(where, clause)
		args = append(args, arg)
	}
	if f.Loc != nil {
		where = append(where, "world=? AND x=? AND y=? AND z=?")
		args = append(args, f.Loc.World, f.Loc.X, f.Loc.Y, f.Loc.Z)
	}
	args = append(args, f.limit())
	rows, err := db.QueryContext(ctx, `SELECT id,actor_id,actor_name,action,world,x,y,z,material,extra,ts FROM log_entries WHERE `+
		strings.Join(where, " AND ")+` ORDER BY ts DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e     model.LogEntry
			actor string
		)
		if err := rows.Scan(&e.ID, &actor, &e.ActorName, &e.Action, &e.Location.World, &e.Location.X, &e.Location.Y, &e.Location.Z, &e.Material, &e.Extra, &e.Timestamp); err != nil {
			return err
		}
		e.ActorID, _ = uuid.Parse(actor)
		if err := writeJSONLine(w, e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func dbSnapshots(ctx context.Context, db *sql.DB, f dbFilter, decode bool, w io.Writer) error {
	clause, arg := f.actorClause()
	rows, err := db.QueryContext(ctx, `SELECT id,actor_id,actor_name,data,ts FROM inventory_snapshots WHERE `+clause+
		` AND ts >= ? ORDER BY ts DESC, id DESC LIMIT ?`, arg, f.SinceMS, f.limit())
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			s     model.InventorySnapshot
			actor string
		)
		if err := rows.Scan(&s.ID, &actor, &s.ActorName, &s.Data, &s.Timestamp); err != nil {
			return err
		}
		s.ActorID, _ = uuid.Parse(actor)
		if !decode {
			if err := writeJSONLine(w, s); err != nil {
				return err
			}
			continue
		}
		items, err := invcodec.Decode(s.Data)
		if err != nil {
			return fmt.Errorf("snapshot %d: %w", s.ID, err)
		}
		out := struct {
			ID        int64             `json:"id"`
			ActorID   uuid.UUID         `json:"actor_id"`
			ActorName string            `json:"actor_name"`
			Timestamp int64             `json:"ts"`
			Items     []model.ItemStack `json:"items"`
		}{s.ID, s.ActorID, s.ActorName, s.Timestamp, items}
		if err := writeJSONLine(w, out); err != nil {
			return err
		}
	}
	return rows.Err()
}

func dbMigrations(ctx context.Context, db *sql.DB, w io.Writer) error {
	rows, err := db.QueryContext(ctx, `SELECT name, applied_at FROM schema_migrations ORDER BY name`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var r struct {
			Name      string `json:"name"`
			AppliedAt int64  `json:"applied_at"`
		}
		if err := rows.Scan(&r.Name, &r.AppliedAt); err != nil {
			return err
		}
		if err := writeJSONLine(w, r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func writeJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
