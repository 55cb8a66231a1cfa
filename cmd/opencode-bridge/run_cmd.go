package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/config"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/logging"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/opencode"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/statedb"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/telegram"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/web"
)

const (
	heartbeatInterval   = 10 * time.Second
	primaryTimeout      = 30 * time.Second
	deliveryRetention   = 7 * 24 * time.Hour
	shutdownGracePeriod = 5 * time.Second
)

var daemonLog = logging.ForComponent(logging.CompConfig)

// handleRun starts the bridge daemon and blocks until SIGINT/SIGTERM.
func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml (default: "+config.DefaultPath()+")")
	foreground := fs.Bool("foreground", false, "Mirror logs to stderr")

	fs.Usage = func() {
		fmt.Println("Usage: opencode-bridge run [options]")
		fmt.Println()
		fmt.Println("Watch the OpenCode server and send one notification per finished turn.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		exitErr("%v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runDaemon(ctx, cfg, *foreground); err != nil {
		exitErr("%v", err)
	}
}

func initLogging(cfg *config.Config, foreground bool) {
	lc := logging.Config{
		LogDir:       cfg.GetLogDir(),
		Level:        cfg.Logs.Level,
		Format:       cfg.Logs.Format,
		MaxSizeMB:    cfg.Logs.MaxSizeMB,
		MaxBackups:   cfg.Logs.MaxBackups,
		MaxAgeDays:   cfg.Logs.MaxAgeDays,
		Compress:     cfg.Logs.Compress,
		PprofEnabled: cfg.Logs.Pprof,
	}
	if foreground {
		lc.Stderr = os.Stderr
	}
	logging.Init(lc)

	// Third-party packages that use the standard logger land in the same file.
	log.SetFlags(0)
	log.SetOutput(logging.NewBridgeWriter(logging.CompConfig))
}

// dumpLogsOnSignal writes the in-memory log ring buffer to the state dir on
// SIGUSR1.
func dumpLogsOnSignal(ctx context.Context) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(usr1)
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr1:
				path := filepath.Join(config.StateDir(), fmt.Sprintf("log-dump-%d.jsonl", time.Now().Unix()))
				if err := logging.DumpRingBuffer(path); err != nil {
					daemonLog.Error("log_dump_failed", slog.String("error", err.Error()))
				} else {
					daemonLog.Info("log_dump_written", slog.String("path", path))
				}
			}
		}
	}()
}

func openStateDB(cfg *config.Config) (*statedb.StateDB, error) {
	db, err := statedb.Open(cfg.GetDBPath())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if legacy := config.LegacyPath(); legacy != "" {
		offset, imported, err := statedb.MigrateFromJSON(legacy, db)
		if err != nil {
			daemonLog.Warn("legacy_import_failed", slog.String("error", err.Error()))
		} else if imported {
			daemonLog.Info("legacy_offset_imported", slog.Int64("offset", offset))
		}
	}
	return db, nil
}

// runDaemon wires every component and runs until ctx is cancelled.
func runDaemon(ctx context.Context, cfg *config.Config, foreground bool) error {
	initLogging(cfg, foreground)
	defer logging.Shutdown()
	dumpLogsOnSignal(ctx)

	for _, p := range cfg.Problems() {
		daemonLog.Warn("config_problem", slog.String("detail", p))
	}

	notifiers, err := buildNotifiers(cfg)
	if err != nil {
		return err
	}
	if notifiers.fanout.Len() == 0 {
		// Keep tracking sessions so status and the event stream still work.
		daemonLog.Warn("notifications_disabled", slog.String("reason", errNoChannel.Error()))
	}

	db, err := openStateDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.RegisterInstance(false); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	defer func() { _ = db.UnregisterInstance() }()

	oc, err := opencode.NewClient(opencode.Config{
		BaseURL:       cfg.OpenCode.GetBaseURL(),
		Username:      cfg.OpenCode.Username,
		Password:      cfg.OpenCode.Password,
		Directory:     cfg.OpenCode.Directory,
		Timeout:       cfg.OpenCode.GetRequestTimeout(),
		PromptTimeout: cfg.OpenCode.GetPromptTimeout(),
	})
	if err != nil {
		return err
	}

	monitor := completion.NewMonitor(oc, notifiers.fanout, completion.Options{
		StabilityDelay:       cfg.Completion.GetStabilityDelay(),
		RecheckInterval:      cfg.Completion.GetRecheckInterval(),
		QuietWindow:          cfg.Completion.GetQuietWindow(),
		RecentActivityWindow: cfg.Completion.GetRecentActivityWindow(),
		MaxEmptyRetries:      cfg.Completion.GetMaxEmptyRetries(),
		SubagentMarkers:      cfg.Completion.GetSubagentMarkers(),
		ProjectName:          cfg.GetProjectName(),
		Journal:              db,
	})
	defer monitor.Close()

	daemonLog.Info("bridge_starting",
		slog.String("version", Version),
		slog.String("opencode", oc.BaseURL()),
		slog.Any("notifiers", notifiers.fanout.Names()))

	g, gctx := errgroup.WithContext(ctx)

	stream := opencode.NewEventStream(oc, monitor.HandleEvent)
	stream.OnConnectionChange(func(connected bool) {
		daemonLog.Info("event_stream_state", slog.Bool("connected", connected))
	})
	g.Go(func() error { return ignoreCancel(stream.Run(gctx)) })

	if cfg.OpenCode.WatchStorage {
		watcher, err := opencode.NewStorageWatcher(cfg.OpenCode.GetStorageDir(), monitor.HandleEvent)
		if err != nil {
			daemonLog.Warn("storage_watch_unavailable", slog.String("error", err.Error()))
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	var startPoller func(context.Context) error
	if notifiers.telegram != nil && !cfg.Telegram.DisableCommands {
		poller := telegram.NewPoller(notifiers.telegram, telegram.PollerOptions{
			Dispatcher:  oc,
			Sessions:    monitor,
			Offsets:     db,
			PollTimeout: cfg.Telegram.GetPollTimeout(),
			Pending: func(err error) bool {
				return errors.Is(err, opencode.ErrPromptPending)
			},
		})
		startPoller = poller.Run
	}
	role := newPrimaryRole(db, startPoller)
	g.Go(func() error { return ignoreCancel(role.Run(gctx)) })

	if cfg.Web.Enabled {
		srv := web.NewServer(web.Config{
			ListenAddr: cfg.Web.GetListen(),
			Token:      cfg.Web.Token,
			Version:    Version,
			Sessions:   monitor,
			Hub:        notifiers.hub,
			Push:       notifiers.push,
		})
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	daemonLog.Info("bridge_stopped")
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// instanceRegistry is the slice of statedb the primary role needs.
type instanceRegistry interface {
	Heartbeat() error
	CleanDeadInstances(timeout time.Duration) error
	ElectPrimary(timeout time.Duration) (bool, error)
	ResignPrimary() error
	PruneDeliveries(maxAge time.Duration) (int64, error)
}

// primaryRole keeps this process's heartbeat fresh and runs the Telegram
// poller only while this process is the elected primary. Two pollers would
// race on the update offset.
type primaryRole struct {
	db       instanceRegistry
	start    func(context.Context) error
	interval time.Duration

	primary    bool
	stopPoller context.CancelFunc
	pollerDone chan struct{}
}

func newPrimaryRole(db instanceRegistry, start func(context.Context) error) *primaryRole {
	return &primaryRole{db: db, start: start, interval: heartbeatInterval}
}

// Run ticks until ctx is cancelled, then resigns.
func (r *primaryRole) Run(ctx context.Context) error {
	defer r.resign()

	r.tick(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	pruneEvery := int(time.Hour / r.interval)
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
			if pruneEvery > 0 && n%pruneEvery == 0 && r.primary {
				r.prune()
			}
		}
	}
}

func (r *primaryRole) tick(ctx context.Context) {
	if err := r.db.Heartbeat(); err != nil {
		daemonLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
	}
	_ = r.db.CleanDeadInstances(2 * primaryTimeout)

	isPrimary, err := r.db.ElectPrimary(primaryTimeout)
	if err != nil {
		daemonLog.Warn("elect_primary_failed", slog.String("error", err.Error()))
		return
	}
	if isPrimary == r.primary {
		return
	}
	r.primary = isPrimary
	daemonLog.Info("primary_changed", slog.Bool("primary", isPrimary))

	if isPrimary {
		r.startPoller(ctx)
	} else {
		r.stopRunningPoller()
	}
}

func (r *primaryRole) startPoller(ctx context.Context) {
	if r.start == nil || r.stopPoller != nil {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.stopPoller, r.pollerDone = cancel, done
	go func() {
		defer close(done)
		if err := r.start(pctx); err != nil && !errors.Is(err, context.Canceled) {
			daemonLog.Error("poller_exited", slog.String("error", err.Error()))
		}
	}()
}

func (r *primaryRole) stopRunningPoller() {
	if r.stopPoller == nil {
		return
	}
	r.stopPoller()
	<-r.pollerDone
	r.stopPoller, r.pollerDone = nil, nil
}

func (r *primaryRole) prune() {
	n, err := r.db.PruneDeliveries(deliveryRetention)
	if err != nil {
		daemonLog.Warn("prune_deliveries_failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		daemonLog.Info("deliveries_pruned", slog.Int64("rows", n))
	}
}

func (r *primaryRole) resign() {
	r.stopRunningPoller()
	if r.primary {
		_ = r.db.ResignPrimary()
		r.primary = false
	}
}
