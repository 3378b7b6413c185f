package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chuye/metingbot/internal/config"
	"github.com/chuye/metingbot/internal/logger"
	"github.com/chuye/metingbot/internal/metrics"
	"github.com/chuye/metingbot/internal/telegram"
	"github.com/chuye/metingbot/pkg/fetch"
	"github.com/chuye/metingbot/pkg/meting"
	"github.com/chuye/metingbot/pkg/safeurl"
	"github.com/chuye/metingbot/pkg/scratch"
	"github.com/chuye/metingbot/pkg/segment"
	"github.com/chuye/metingbot/pkg/session"
)

// Daemon is the metingbot service: a Telegram bot wired to the song
// search and delivery pipeline, plus the housekeeping around it.
type Daemon struct {
	config *config.Config
	loader *config.Loader
	logger *logger.Logger

	// Core modules
	store     *session.Store
	tracker   *scratch.Tracker
	validator *safeurl.Validator
	client    *meting.Client
	splitter  *segment.Splitter
	orch      *fetch.Orchestrator

	// Services
	bot        *telegram.Bot
	commands   *telegram.Commands
	watcher    *config.Watcher
	scheduler  *cron.Cron
	metricsSrv *http.Server

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// New creates a daemon instance. loader may be nil, which disables
// config hot-reload.
func New(cfg *config.Config, loader *config.Loader, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		loader: loader,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules wires the pipeline in dependency order.
func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.GetZerolog()

	d.store = session.NewStore(session.Source(d.config.API.DefaultSource))
	d.logger.Info().
		Str("default_source", d.config.API.DefaultSource).
		Msg("Session store initialized")

	tracker, err := scratch.NewTracker(d.config.Download.ScratchDir)
	if err != nil {
		return fmt.Errorf("failed to create temp file tracker: %w", err)
	}
	d.tracker = tracker
	d.logger.Info().Str("dir", tracker.Dir()).Msg("Temp file tracker initialized")

	// A torn-down session takes its scratch files with it.
	d.store.OnTeardown(func(sessionID string) {
		d.tracker.ReleaseAll(sessionID)
	})

	d.validator = safeurl.New(
		safeurl.WithDenyHosts(d.config.API.DenyHosts),
	)
	d.logger.Info().
		Int("deny_hosts", len(d.config.API.DenyHosts)).
		Msg("URL validator initialized")

	d.client = meting.NewClient(d.config.API.URL, d.config.API.ResultCount, zl)
	d.logger.Info().Str("url", d.config.API.URL).Msg("Meting client initialized")

	d.splitter = segment.NewSplitter()
	if !d.splitter.Available() {
		d.logger.Warn().Msg("ffmpeg not found in PATH, playback will fail until it is installed")
	}

	return nil
}

// initializeServices creates the bot and the pipeline behind it.
func (d *Daemon) initializeServices() error {
	zl := d.logger.GetZerolog()

	bot, err := telegram.New(&d.config.Telegram, d.logger)
	if err != nil {
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}
	d.bot = bot

	deliverer := telegram.NewSegmentDeliverer(bot, d.config.SendInterval(), zl)

	limits := fetch.DefaultLimits()
	limits.MaxFileSize = d.config.Download.MaxFileSize
	limits.Retries = d.config.Download.Retries
	limits.Concurrency = int64(d.config.Download.Concurrency)
	limits.SegmentDuration = d.config.SegmentDuration()

	d.orch = fetch.New(d.store, d.tracker, d.validator, d.client, d.splitter, deliverer, limits, zl)
	d.logger.Info().
		Int64("max_file_size", limits.MaxFileSize).
		Int64("concurrency", limits.Concurrency).
		Msg("Fetch pipeline initialized")

	d.commands = telegram.NewCommands(bot, d.store, d.orch, zl)
	d.bot.SetCommandHandler(d.commands)
	d.logger.Info().Msg("Telegram bot initialized")

	if d.loader != nil {
		watcher, err := config.NewWatcher(d.loader, zl, d.applyConfig)
		if err != nil {
			d.logger.Warn().Err(err).Msg("Config hot-reload unavailable")
		} else {
			d.watcher = watcher
		}
	}

	d.scheduler = cron.New()
	if _, err := d.scheduler.AddFunc("@hourly", d.housekeeping); err != nil {
		return fmt.Errorf("failed to schedule housekeeping: %w", err)
	}

	if d.config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		d.metricsSrv = &http.Server{
			Addr:    d.config.Metrics.Listen,
			Handler: mux,
		}
	}

	return nil
}

// applyConfig picks up the settings that are safe to change while
// running. Everything else needs a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	if fixed := cfg.Normalize(); len(fixed) > 0 {
		d.logger.Warn().Strs("keys", fixed).Msg("Reloaded config had invalid values, using defaults")
	}

	d.client.SetBaseURL(cfg.API.URL)
	d.client.SetLimit(cfg.API.ResultCount)

	d.mu.Lock()
	d.config.API = cfg.API
	d.mu.Unlock()

	d.logger.Info().
		Str("api_url", cfg.API.URL).
		Int("result_count", cfg.API.ResultCount).
		Msg("Configuration reloaded")
}

// housekeeping expires idle sessions and sweeps orphaned scratch files.
func (d *Daemon) housekeeping() {
	maxAge := d.config.SessionMaxAge()
	expired := d.store.CleanupExpired(maxAge)
	swept := d.tracker.Sweep(maxAge)

	metrics.SetActiveSessions(d.store.Len())
	metrics.SetTrackedTempFiles(d.tracker.Tracked())

	if expired > 0 || swept > 0 {
		d.logger.Info().
			Int("expired_sessions", expired).
			Int("swept_files", swept).
			Msg("Housekeeping completed")
	}
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().Msg("Starting metingbot daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.metricsSrv != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.logger.Info().Str("listen", d.metricsSrv.Addr).Msg("Metrics server started")
			if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	d.scheduler.Start()
	d.logger.Info().Msg("Housekeeping scheduler started")

	if err := d.bot.Start(); err != nil {
		return fmt.Errorf("failed to start telegram bot: %w", err)
	}
	if err := d.bot.SetMyCommands(telegram.BotCommands()); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to publish command list")
	}
	d.logger.Info().Msg("Telegram bot started")

	d.logger.Info().Msg("Daemon started successfully")

	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping metingbot daemon")

	if err := d.bot.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop telegram bot")
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if d.scheduler != nil {
		<-d.scheduler.Stop().Done()
	}

	if d.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsSrv.Shutdown(shutdownCtx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shut down metrics server")
		}
		cancel()
	}

	// Aborts in-flight downloads and releases every scratch file.
	d.store.TeardownAll()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		d.logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: 0,
	}
	if d.store != nil {
		status.Sessions = d.store.Len()
	}
	if d.tracker != nil {
		status.TempFiles = d.tracker.Tracked()
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetStore returns the session store
func (d *Daemon) GetStore() *session.Store {
	return d.store
}

// GetTracker returns the temp file tracker
func (d *Daemon) GetTracker() *scratch.Tracker {
	return d.tracker
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Sessions  int
	TempFiles int
}
