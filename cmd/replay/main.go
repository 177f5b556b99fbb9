package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/persistence/journal"
	"blocklog.ai/internal/persistence/logdb"
)

func main() {
	var (
		dataDir   = flag.String("data", "./data", "runtime data directory containing entries/ and inventory/")
		dbPath    = flag.String("db", "", "sqlite index to rebuild (default: <data>/index/blocklog.sqlite)")
		fromMS    = flag.Int64("from_ms", 0, "skip entries older than this unix ms (optional)")
		toMS      = flag.Int64("to_ms", 0, "skip entries newer than this unix ms (optional)")
		snapshots = flag.Bool("snapshots", true, "also import inventory snapshots")
		dryRun    = flag.Bool("dry_run", false, "read and check the journal without writing")
		force     = flag.Bool("force", false, "import into a non-empty index")
	)
	flag.Parse()

	opts := replayOptions{FromMS: *fromMS, ToMS: *toMS, Snapshots: *snapshots}

	if *dryRun {
		st, err := replay(*dataDir, nil, opts)
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
		fmt.Printf("dry run ok: %s\n", st)
		return
	}

	path := *dbPath
	if path == "" {
		path = filepath.Join(*dataDir, "index", "blocklog.sqlite")
	}
	store, err := logdb.Open(path, logdb.Options{QueueSize: replayFlushEvery * 2})
	if err != nil {
		fmt.Fprintln(os.Stderr, "open index:", err)
		os.Exit(1)
	}
	defer store.Close()

	counts, err := store.Counts(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "count index:", err)
		os.Exit(1)
	}
	if (counts.Entries > 0 || counts.Snapshots > 0) && !*force {
		fmt.Fprintf(os.Stderr, "index %s already has %d entries and %d snapshots; use -force to append\n", path, counts.Entries, counts.Snapshots)
		os.Exit(2)
	}

	st, err := replay(*dataDir, store, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	if d := store.Stats().DroppedTotal; d > 0 {
		fmt.Fprintf(os.Stderr, "replay dropped %d writes\n", d)
		os.Exit(1)
	}
	fmt.Printf("replay ok: %s db=%s\n", st, path)
}

// Flushing this often keeps the store queue from ever filling up.
const replayFlushEvery = 10000

type replayOptions struct {
	FromMS    int64
	ToMS      int64
	Snapshots bool
}

type replayStats struct {
	Entries      int
	Snapshots    int
	Skipped      int
	OutOfOrder   int
	FirstMS      int64
	LastMS       int64
	InvalidLines int
}

func (s replayStats) String() string {
	return fmt.Sprintf("entries=%d snapshots=%d skipped=%d out_of_order=%d invalid=%d first_ms=%d last_ms=%d",
		s.Entries, s.Snapshots, s.Skipped, s.OutOfOrder, s.InvalidLines, s.FirstMS, s.LastMS)
}

func (o replayOptions) inRange(ts int64) bool {
	if o.FromMS != 0 && ts < o.FromMS {
		return false
	}
	if o.ToMS != 0 && ts > o.ToMS {
		return false
	}
	return true
}

// replay reads the journal in file order and appends it to store. A nil store only checks.
// Entries keep their journaled timestamps.
func replay(dataDir string, store *logdb.Store, opts replayOptions) (replayStats, error) {
	var (
		st      replayStats
		pending int
	)
	flush := func() error {
		if store == nil || pending == 0 {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		pending = 0
		return store.Flush(ctx)
	}

	err := journal.ReadEntries(dataDir, func(e model.LogEntry) error {
		if !e.Action.Valid() || e.Location.World == "" || e.Timestamp == 0 {
			st.InvalidLines++
			return nil
		}
		if !opts.inRange(e.Timestamp) {
			st.Skipped++
			return nil
		}
		if e.Timestamp < st.LastMS {
			st.OutOfOrder++
		}
		if st.FirstMS == 0 {
			st.FirstMS = e.Timestamp
		}
		if e.Timestamp > st.LastMS {
			st.LastMS = e.Timestamp
		}
		st.Entries++
		if store == nil {
			return nil
		}
		e.ID = 0
		if err := store.Append(e); err != nil {
			return err
		}
		pending++
		if pending >= replayFlushEvery {
			return flush()
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return st, fmt.Errorf("entries: %w", err)
	}

	if opts.Snapshots {
		err = journal.ReadSnapshots(dataDir, func(s model.InventorySnapshot) error {
			if !opts.inRange(s.Timestamp) {
				st.Skipped++
				return nil
			}
			st.Snapshots++
			if store == nil {
				return nil
			}
			s.ID = 0
			if err := store.AppendSnapshot(s); err != nil {
				return err
			}
			pending++
			if pending >= replayFlushEvery {
				return flush()
			}
			return nil
		})
		if err != nil {
			return st, fmt.Errorf("snapshots: %w", err)
		}
	}

	if err := flush(); err != nil {
		return st, err
	}
	if st.Entries == 0 && st.Snapshots == 0 && st.Skipped == 0 {
		return st, errNothingToReplay
	}
	return st, nil
}

var errNothingToReplay = errors.New("no journal files found")
