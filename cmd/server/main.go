package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"blocklog.ai/internal/actors"
	"blocklog.ai/internal/config"
	"blocklog.ai/internal/inventory"
	"blocklog.ai/internal/model"
	"blocklog.ai/internal/persistence/journal"
	"blocklog.ai/internal/persistence/logdb"
	"blocklog.ai/internal/query"
	"blocklog.ai/internal/retention"
	"blocklog.ai/internal/rollback"
	"blocklog.ai/internal/selection"
	"blocklog.ai/internal/surface"
	"blocklog.ai/internal/surface/memworld"
	"blocklog.ai/internal/transport/adminhttp"
	"blocklog.ai/internal/transport/hostws"
	"blocklog.ai/internal/workpool"
)

func main() {
	var (
		configPath  = flag.String("config", "./configs/blocklog.yaml", "config file (empty for defaults + env)")
		addr        = flag.String("addr", "", "http listen address (overrides http.addr)")
		enablePprof = flag.Bool("pprof", false, "serve /debug/pprof")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	path := strings.TrimSpace(*configPath)
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Printf("config not found (%s); using defaults", path)
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(*addr) != "" {
		cfg.HTTP.Addr = strings.TrimSpace(*addr)
	}

	store, err := logdb.Open(cfg.Store.Path, logdb.Options{
		QueueSize:     cfg.Store.QueueSize,
		CommitEvery:   cfg.Store.CommitEvery,
		CommitMaxWait: cfg.Store.CommitMaxWait,
		ReadConns:     cfg.Store.ReadConns,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatalf("open log store: %v", err)
	}
	defer store.Close()

	r2Mirror, err := buildR2MirrorRuntime(cfg, logger)
	if err != nil {
		logger.Fatalf("r2 mirror: %v", err)
	}
	defer r2Mirror.Close()

	var (
		entryJournal *journal.EntryLogger
		snapJournal  *journal.SnapshotLogger
		entrySinks   = []logdb.EntrySink{store}
		snapSinks    = []inventory.SnapshotSink{store}
	)
	if cfg.Journal.Enabled {
		entryJournal = journal.NewEntryLogger(cfg.DataDir)
		snapJournal = journal.NewSnapshotLogger(cfg.DataDir)
		defer entryJournal.Close()
		defer snapJournal.Close()
		entrySinks = append(entrySinks, entryJournal)
		snapSinks = append(snapSinks, snapJournal)
		if r2Mirror.enabled {
			entryJournal.OnRotate(r2Mirror.Enqueue)
			snapJournal.OnRotate(r2Mirror.Enqueue)
		}
	}
	recorder := logdb.NewRecorder(logger, nil, entrySinks...)

	pool := workpool.New(cfg.Workers.Count, cfg.Workers.Queue, logger)
	defer pool.Close()

	dir := actors.NewDirectory()
	selections := selection.NewStore()
	dir.OnLeave(selections.Clear)

	host := hostws.NewServer(recorder, dir, hostws.Options{
		Token:           cfg.Host.Token,
		CommandTimeout:  cfg.Host.CommandTimeout,
		InventoryMaxAge: cfg.Inventory.SnapshotInterval,
		Logger:          logger,
	})

	var world surface.Surface
	if cfg.Host.Enabled {
		world = host.Surface()
	} else {
		mw, err := buildMemWorld(cfg, logger)
		if err != nil {
			logger.Fatalf("memory world: %v", err)
		}
		dir.OnJoin(func(a model.Actor) { mw.SetOnline(a.ID, true) })
		dir.OnLeave(func(id uuid.UUID) { mw.SetOnline(id, false) })
		world = mw
		logger.Printf("host commands disabled; rollbacks apply to the in-memory world")
	}
	applier := surface.NewApplier(world, 1024)

	hub := adminhttp.NewJobHub(logger)
	engine := rollback.New(store, applier, pool, rollback.Options{
		StepDelay:     cfg.Rollback.StepDelay,
		MaxAreaVolume: cfg.Rollback.MaxAreaVolume,
		JobRetention:  cfg.Rollback.JobRetention,
		Logger:        logger,
		Reporter:      hub,
	})
	queries := query.New(store, query.Options{DefaultLimit: cfg.Query.DefaultLimit})
	inv := inventory.New(store, dir, applier, pool, inventory.Options{
		Interval: cfg.Inventory.SnapshotInterval,
		Logger:   logger,
	}, snapSinks...)

	purgeOpts := retention.Options{
		RetentionDays: cfg.Retention.Days,
		Interval:      cfg.Retention.Interval,
		Logger:        logger,
	}
	if cfg.Retention.Archive {
		purgeOpts.ArchiveDir = cfg.DataDir
		if r2Mirror.enabled {
			purgeOpts.Mirror = r2Mirror
		}
	}
	purger := retention.New(store, purgeOpts)

	ctx, cancel := signalContext()
	defer cancel()

	var bg sync.WaitGroup
	run := func(fn func()) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn()
		}()
	}
	run(func() {
		if err := applier.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("applier stopped: %v", err)
		}
	})
	run(func() { inv.Run(ctx) })
	run(func() { purger.Run(ctx) })

	admin, err := adminhttp.NewServer(adminhttp.Deps{
		Query:      queries,
		Rollback:   engine,
		Inventory:  inv,
		Purger:     purger,
		Actors:     dir,
		Selections: selections,
		Jobs:       hub,
		Stats: func(ctx context.Context) (any, error) {
			counts, err := store.Counts(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"entries":       counts.Entries,
				"snapshots":     counts.Snapshots,
				"oldest_ms":     counts.OldestTS,
				"store":         store.Stats(),
				"applier":       applier.Stats(),
				"workers":       pool.Stats(),
				"host":          host.Stats(),
				"jobs_stream":   hub.Stats(),
				"online_actors": len(dir.OnlineActors()),
			}, nil
		},
	}, adminhttp.Options{Token: cfg.HTTP.AdminToken, Secret: cfg.HTTP.AdminSecret, Logger: logger})
	if err != nil {
		logger.Fatalf("admin http: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, metricSources{
			store:   store,
			applier: applier,
			pool:    pool,
			host:    host,
			hub:     hub,
			engine:  engine,
			dir:     dir,
			mirror:  r2Mirror,
		})
	})
	admin.Register(mux)
	mux.HandleFunc("/v1/host", host.Handler())
	if *enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s store=%s journal=%v host_commands=%v", cfg.HTTP.Addr, cfg.Store.Path, cfg.Journal.Enabled, cfg.Host.Enabled)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
	}

	// Jobs stop before the applier so none is left waiting on it.
	cancel()
	engine.Close()
	bg.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := store.Flush(flushCtx); err != nil {
		logger.Printf("final flush: %v", err)
	}
	st := store.Stats()
	logger.Printf("shutdown appended=%d dropped=%d failed=%d", st.AppendedTotal, st.DroppedTotal, st.FailedTotal)
}

func buildMemWorld(cfg config.Config, logger *log.Logger) (*memworld.World, error) {
	var (
		palette memworld.Palette
		err     error
	)
	if p := strings.TrimSpace(cfg.Palette); p != "" {
		palette, err = memworld.LoadPalette(p)
		if err != nil {
			return nil, err
		}
	} else {
		palette = memworld.NewPalette(nil, nil)
		logger.Printf("no palette configured; memory world accepts AIR only")
	}
	return memworld.New(palette, cfg.Worlds...), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
