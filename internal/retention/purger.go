// Package retention deletes log entries and inventory snapshots past the retention horizon.
package retention

import (
	"context"
	"fmt"
	"log"
	"time"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/persistence/archive"
	"blocklog.ai/internal/persistence/logdb"
)

// Store is the subset of logdb.Store the purger uses.
type Store interface {
	PurgeBefore(ctx context.Context, cutoff int64) (logdb.PurgeResult, error)
	ScanBefore(ctx context.Context, cutoff int64, fn func(model.LogEntry) error) error
	Flush(ctx context.Context) error
}

// Mirror receives archive files for off-site upload.
type Mirror interface {
	Enqueue(localPath string)
}

type Options struct {
	RetentionDays int
	Interval      time.Duration
	// ArchiveDir, when set, receives a copy of every purged entry before deletion.
	ArchiveDir string
	Mirror     Mirror
	Now        func() time.Time
	Logger     *log.Logger
}

type Result struct {
	CutoffMS  int64  `json:"cutoff_ms"`
	Entries   int64  `json:"entries"`
	Snapshots int64  `json:"snapshots"`
	Archived  int64  `json:"archived"`
	Archive   string `json:"archive,omitempty"`
}

type Purger struct {
	st   Store
	opts Options
}

func New(st Store, opts Options) *Purger {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Purger{st: st, opts: opts}
}

// Cutoff is the oldest timestamp (unix ms) that survives a purge run now.
func (p *Purger) Cutoff() int64 {
	return p.opts.Now().AddDate(0, 0, -p.opts.RetentionDays).UnixMilli()
}

// PurgeOnce removes everything strictly older than the cutoff. Running it again without
// new old data removes nothing.
func (p *Purger) PurgeOnce(ctx context.Context) (Result, error) {
	cutoff := p.Cutoff()
	res := Result{CutoffMS: cutoff}

	if p.opts.ArchiveDir != "" {
		if err := p.st.Flush(ctx); err != nil {
			return res, err
		}
		ar, err := archive.ExportPurge(p.opts.ArchiveDir, cutoff, func(fn func(model.LogEntry) error) error {
			return p.st.ScanBefore(ctx, cutoff, fn)
		})
		if err != nil {
			return res, fmt.Errorf("archive before purge: %w", err)
		}
		res.Archived = ar.Entries
		res.Archive = ar.Dir
		if p.opts.Mirror != nil {
			for _, f := range ar.Files {
				p.opts.Mirror.Enqueue(f)
			}
		}
	}

	pr, err := p.st.PurgeBefore(ctx, cutoff)
	if err != nil {
		return res, err
	}
	res.Entries = pr.Entries
	res.Snapshots = pr.Snapshots
	return res, nil
}

// Run purges once per Interval until ctx is done.
func (p *Purger) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := p.PurgeOnce(ctx)
			if err != nil {
				p.printf("retention purge failed cutoff=%d err=%v", res.CutoffMS, err)
				continue
			}
			p.printf("retention purge cutoff=%d entries=%d snapshots=%d archived=%d", res.CutoffMS, res.Entries, res.Snapshots, res.Archived)
		}
	}
}

func (p *Purger) printf(format string, args ...any) {
	if p.opts.Logger != nil {
		p.opts.Logger.Printf(format, args...)
	}
}
