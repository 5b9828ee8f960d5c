package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rostersync/internal/auth"
	"rostersync/internal/config"
	"rostersync/internal/ics"
	appLog "rostersync/internal/log"
	"rostersync/internal/notify"
	"rostersync/internal/reconcile"
	"rostersync/internal/registry"
	"rostersync/internal/scheduler"
	"rostersync/internal/store"
	"rostersync/internal/store/memory"
	"rostersync/internal/store/postgres"
	"rostersync/internal/store/sqlite"
	"rostersync/internal/web"
)

const shutdownTimeout = 10 * time.Second

type flagConfig struct {
	configPath string
	listen     string
	storeKind  string
	once       bool
	user       string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.storeKind != "" {
		conf.Database.Driver = flags.storeKind
		conf.Normalize()
	}
	appLog.SetLevel(appLog.Level(conf.LogLevel))
	defer appLog.Sync()

	appLog.Info("rostersync starting",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"week_start", conf.WeekStart,
		"refresh", conf.RefreshCron,
		"store", conf.Database.Driver,
		"workers", conf.Sync.Workers,
		"expand_horizon_days", conf.Sync.ExpandHorizonDays,
		"kafka", len(conf.Kafka.Brokers) > 0,
		"once", flags.once,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("rostersync exited with error", err)
		appLog.Sync()
		os.Exit(1)
	}
	appLog.Info("rostersync exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	st, err := openStore(ctx, conf.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	publisher, err := openPublisher(conf.Kafka)
	if err != nil {
		return err
	}
	defer publisher.Close()

	fetcherOpts := []ics.FetcherOption{
		ics.WithTimeout(conf.Sync.FetchTimeout),
		ics.WithStaleOnError(conf.Sync.StaleOnError),
	}
	if conf.Sync.CacheDir != "" {
		fetcherOpts = append(fetcherOpts, ics.WithCacheDir(conf.Sync.CacheDir))
	}

	engine := reconcile.New(st, st, ics.NewFetcher(fetcherOpts...),
		reconcile.WithWorkers(conf.Sync.Workers),
		reconcile.WithExpandHorizon(conf.Sync.ExpandHorizonDays),
		reconcile.WithDefaultLocation(conf.Location()),
		reconcile.WithPublisher(publisher),
	)

	if flags.once {
		return runOnce(ctx, engine, flags.user)
	}

	if err := conf.Validate(); err != nil {
		return err
	}

	if conf.RefreshCron != "" {
		sched, err := scheduler.New(conf.RefreshCron, conf.Location(), engine)
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			sched.Stop(stopCtx)
		}()
	}

	srv := &http.Server{
		Addr: conf.Listen,
		Handler: web.NewServer(web.Deps{
			Config:   conf,
			Registry: registry.New(st),
			Syncer:   engine,
			Shifts:   st,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runOnce syncs one user, or every user when userID is empty, and returns.
func runOnce(ctx context.Context, engine *reconcile.Engine, userID string) error {
	if userID == "" {
		reports, err := engine.SyncAll(ctx)
		total := 0
		for _, r := range reports {
			total += r.TotalUpserted
		}
		appLog.Info("one-shot sync finished", "users", len(reports), "total_upserted", total)
		return err
	}

	report, err := engine.SyncUser(ctx, auth.SystemSession(userID))
	for _, f := range report.PerFeed {
		if f.Failed() {
			appLog.Warn("feed failed", "feed_id", f.FeedID, "stage", string(f.Stage), "err", f.Err)
		}
	}
	appLog.Info("one-shot sync finished", "user", userID, "total_upserted", report.TotalUpserted)
	return err
}

func openStore(ctx context.Context, db config.DatabaseConfig) (store.Store, error) {
	switch db.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverPostgres:
		pg, err := postgres.Connect(ctx, db.DSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case config.DriverSQLite:
		lite, err := sqlite.Open(db.DSN)
		if err != nil {
			return nil, err
		}
		return lite, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", db.Driver)
}

func openPublisher(k config.KafkaConfig) (notify.Publisher, error) {
	if len(k.Brokers) == 0 {
		return notify.Nop{}, nil
	}
	p, err := notify.NewKafkaPublisher(k.Brokers, k.Topic)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/rostersync/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.storeKind, "store", "", "Store driver: sqlite, postgres or memory (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one sync pass and exit")
	flag.StringVar(&cfg.user, "user", "", "With -once, sync only this user ID")

	flag.Parse()

	return cfg
}
