package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/roboticgit/Supervisors-Assistant/assistant.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	// pausedResponseMessage is sent (ephemerally) in response to slash
	// commands received while the bot is paused
	pausedResponseMessage = "I'm paused for maintenance right now - please try again later!"
)

// Assistant is the main application struct. It wires together the Discord
// gateway, the ClickUp task source, the database, the reminder timers and
// the backend API, and coordinates startup and shutdown.
type Assistant struct {
	config *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations.
	// The only difference between this and [Assistant.db]
	// is that, when using sqlite, a mutex is used. Otherwise,
	// just use [Assistant.db].
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Reads and writes ClickUp tasks
	clickup TaskSource

	// Computes monthly quota standing from ClickUp tasks
	calculator *QuotaCalculator

	// Background quota/training reminder timers
	scheduler *ReminderScheduler

	// Provides the back-end API
	api *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it when Run is called. This happens
	// after:
	// - initializing database connections
	// - getting current state from the DB
	// - loading the profile cache
	// - starting the API
	// - opening a discord session
	// - registering any discord commands
	// - adding the discord handlers
	signalReady chan struct{}

	// A signal is sent on this channel when the
	// [Assistant.shutdown] function finished
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// If true, the bot responds to slash commands with a short notice
	// instead of executing them, and the reminder timers stay quiet.
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// Indicates whether admin credentials have been set. If they haven't,
	// the admin API only accepts the initial setup endpoint. The bot itself
	// still runs: the supervisors don't need the web UI.
	pendingSetup atomic.Bool

	// getInteractionHandlerFunc should be a callable to be used
	// when an interaction is received, which returns an appropriate
	// InteractionHandler
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// Runtime-configurable settings - things you may want to
	// change without restarting the bot.
	runtimeConfig *RuntimeConfig

	// protecc the runtime config
	cfgMu sync.RWMutex

	commandsInProgress atomic.Int64

	triggerRuntimeConfigRefreshCh chan bool
	triggerProfileCacheRefreshCh  chan bool
}

// New creates and initializes a new Assistant instance from the given
// config: logging, the ClickUp client, the Discord integration and the
// API server. Database connections are deferred until [Assistant.Run].
func New(config *Config) (*Assistant, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres'"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &Assistant{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerProfileCacheRefreshCh:  make(chan bool, 1),
	}

	d.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     d.config.LogLevel,
			AddSource: true,
		},
	)

	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	clickupLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.ClickUp.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "clickup")
	d.clickup = NewClickUpClient(d.config.ClickUp, clickupLogger)
	d.calculator = NewQuotaCalculator(d.clickup, clickupLogger)

	d.config.Discord.httpClient = d.config.HTTPClient

	disc, err := newDiscord(d.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     d.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")

		d.discord = disc
		disc.a = d
	}

	d.getInteractionHandlerFunc = func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		logger, ok := ContextLogger(ctx)
		if logger == nil || !ok {
			logger = d.logger
		}
		return GatewayHandler{
			session:     d.discord.session,
			interaction: i,
			logger:      logger.With(loggerNameKey, "gateway_handler"),
		}
	}

	api, err := newAPI(d, config.API)
	errs = append(errs, err)
	d.api = api

	return d, errors.Join(errs...)
}

func (d *Assistant) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

func (d *Assistant) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// RuntimeConfig returns a copy of the current runtime configuration
func (d *Assistant) RuntimeConfig() RuntimeConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return *d.runtimeConfig
}

// RegisterSlashCommands registers the slash commands for the bot.
func (d *Assistant) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return d.discord.registerCommands(options...)
}

// Run starts the main loop of the bot: the API server, the discord
// gateway connection and the reminder timers. It blocks until the given
// context is canceled or a stop signal is received, then shuts down
// gracefully.
func (d *Assistant) Run(ctx context.Context) error {
	// prevents concurrent runs
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.signalStop = make(chan struct{}, 1)

	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))
	if d.signalReady == nil {
		d.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signalStop:
			d.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			d.logger.Warn("context canceled, sending stop signal")
			d.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := d.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			d.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if d.api != nil && d.api.listener != nil {
				go func() {
					if e := d.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	runtimeCfg := d.RuntimeConfig()

	if discErr := d.initDiscordSession(ctx, runtimeWG); discErr != nil {
		d.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err := d.discordInit(ctx, runtimeCfg, logger); err != nil {
		return err
	}

	d.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	d.startProfileCacheRefresher(ctx, runtimeWG)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		d.scheduler.Run(ctx)
	}()

	d.signalReady <- struct{}{}
	d.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	stopCh := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()
		stopCh <- struct{}{}
	}()
	<-stopCh

	// Commence shutdown
	return d.shutdown(ctx, runtimeWG)
}

func (d *Assistant) initRun(startCtx context.Context) error {
	d.logger.Debug("initializing DB...")
	if err := d.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	d.logger.Debug("finished initializing DB")

	// load or create the DB state config - this tells the bot whether
	// it should start in a 'paused' state (to avoid a potential scenario
	// where we want to keep it paused, but it crashes and restarts in
	// an active state)
	var botState RuntimeConfig

	getStateErr := d.db.Last(&botState).Error
	if getStateErr != nil {
		if errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			d.pendingSetup.Store(true)
			botState = DefaultRuntimeConfig()

			if _, err := d.writeDB.Create(startCtx, &botState); err != nil {
				return fmt.Errorf("error creating config: %w", err)
			}
		} else {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		d.pendingSetup.Store(true)
		d.logger.Warn(
			"admin credentials not set - admin API limited to initial setup",
		)
	}
	d.paused.Store(botState.Paused)
	d.setRuntimeLevels(botState)
	d.runtimeConfig = &botState

	schedulerLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.Scheduler.LogLevel,
				AddSource: true,
			},
		),
	)
	d.scheduler = NewReminderScheduler(
		d.writeDB,
		d.clickup,
		d.discord,
		d.config.ClickUp,
		d.config.Scheduler,
		schedulerLogger,
	)
	d.scheduler.enabled = func() (bool, bool) {
		if d.paused.Load() {
			return false, false
		}
		cfg := d.RuntimeConfig()
		return cfg.QuotaRemindersEnabled, cfg.TrainingRemindersEnabled
	}

	return nil
}

func (d *Assistant) initDB(ctx context.Context) error {
	db, err := CreateDB(ctx, d.config.DatabaseType, d.config.Database)
	if err != nil {
		return err
	}
	d.db = db

	dbLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.DatabaseLogLevel,
				AddSource: true,
			},
		),
	)
	d.writeDB = NewDatabase(db, dbLogger, d.config.DatabaseType == dbTypePostgres)

	d.writeDB.ProfileCacheLock()
	defer d.writeDB.ProfileCacheUnlock()
	profiles := d.writeDB.LoadProfiles()
	d.logger.InfoContext(ctx, "loaded profile cache", "count", len(profiles))
	return nil
}

func (d *Assistant) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := d.logger.With(loggerNameKey, "discord_session")

	if d.discord.session == nil {
		disc, discErr := d.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		d.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(d.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range d.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: d.config.Discord.GatewayIntents}
	if d.paused.Load() {
		identify.Presence = discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	} else {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: d.RuntimeConfig().DiscordCustomStatus,
		}
	}
	d.discord.session.SetIdentify(identify)

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := d.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleInteraction(ctx, handler)
				}()
			},
		),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}

	return nil
}

// discordInit opens the discord websocket connection and registers
// commands, if the gateway is enabled
func (d *Assistant) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway disabled")
		return nil
	}
	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err := d.RegisterSlashCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	if runtimeCfg.DiscordCustomStatus != "" && !d.paused.Load() {
		go func() {
			if statusErr := d.discord.updateCustomStatus(
				runtimeCfg.DiscordCustomStatus,
			); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

func (d *Assistant) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := d.config.RuntimeConfigTTL
	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case d.triggerRuntimeConfigRefreshCh <- false:
						logger.Info("sent config refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-d.triggerRuntimeConfigRefreshCh:
				refreshCh := make(chan struct{}, 1)
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				go func() {
					d.refreshRuntimeConfig(refreshCtx, forceRefresh)
					refreshCh <- struct{}{}
				}()
				select {
				case <-refreshCh:
				//
				case <-refreshCtx.Done():
					d.logger.Warn("refresh runtime config timed out or interrupted")
				}
				refreshCancel()
			}
		}
	}()
}

func (d *Assistant) refreshRuntimeConfig(ctx context.Context, force bool) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	runtimeConfigTTL := d.config.RuntimeConfigTTL
	rollbackConfig := d.runtimeConfig

	var refreshConfig RuntimeConfig
	if err := d.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		d.logger.Error("error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if force || lastUpdated > runtimeConfigTTL {
		d.logger.Info(
			fmt.Sprintf(
				"runtime config last updated: %s ago, refreshing",
				lastUpdated.String(),
			),
		)
		d.unsafeRefreshRuntimeConfig(rollbackConfig, &refreshConfig)
	} else {
		d.logger.Info("runtime config is up to date, skipping refresh")
	}
}

// unsafeRefreshRuntimeConfig refreshes the runtime configuration without
// locking the config mutex.
func (d *Assistant) unsafeRefreshRuntimeConfig(
	rollbackConfig *RuntimeConfig,
	existingConfig *RuntimeConfig,
) {
	d.logger.Info("refreshing runtime configuration")
	switch {
	case rollbackConfig.DiscordGatewayEnabled && !existingConfig.DiscordGatewayEnabled:
		if discErr := d.discord.session.Close(); discErr != nil {
			d.logger.Error("error closing discord connection", tint.Err(discErr))
		}
	case rollbackConfig.DiscordGatewayEnabled && existingConfig.DiscordGatewayEnabled:
		switch {
		case existingConfig.Paused:
			if !rollbackConfig.Paused {
				if discErr := d.discord.updateCustomStatus(""); discErr != nil {
					d.logger.Error("error updating discord status", tint.Err(discErr))
				}
			}
		case existingConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus:
			if discErr := d.discord.updateCustomStatus(
				existingConfig.DiscordCustomStatus,
			); discErr != nil {
				d.logger.Error("error updating discord status", tint.Err(discErr))
			}
		}
	case existingConfig.DiscordGatewayEnabled:
		d.discord.session.SetIdentify(
			discordgo.Identify{
				Intents:  d.config.Discord.GatewayIntents,
				Presence: getDiscordPresenceStatusUpdate(*existingConfig),
			},
		)
		if discErr := d.discord.session.Open(); discErr != nil {
			d.logger.Error("error opening discord connection", tint.Err(discErr))
		}
	}

	d.paused.Store(existingConfig.Paused)
	d.runtimeConfig = existingConfig
	d.setRuntimeLevels(*existingConfig)

	d.logger.Info("refreshed runtime config")
}

func (d *Assistant) startProfileCacheRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	profileCacheTTL := d.config.ProfileCacheTTL

	var lastRefresh time.Time

	if profileCacheTTL > 0 {
		ticker := time.NewTicker(profileCacheTTL)

		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			defer ticker.Stop()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case d.triggerProfileCacheRefreshCh <- false:
				//
				case <-time.After(15 * time.Second):
					d.logger.Info("timed out sending profile cache refresh signal")
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				d.logger.Info("context canceled, stopping profile cache refresher")
				return
			case forceRefresh := <-d.triggerProfileCacheRefreshCh:
				if forceRefresh || lastRefresh.IsZero() ||
					time.Since(lastRefresh) > profileCacheTTL {
					d.logger.Info("reloading profile cache")
					d.refreshProfileCache()
					lastRefresh = time.Now()
					d.logger.Info("finished reloading")
				} else {
					d.logger.Info("recently refreshed, ignoring")
				}
			}
		}
	}()
}

func (d *Assistant) refreshProfileCache() {
	d.writeDB.ProfileCacheLock()
	defer d.writeDB.ProfileCacheUnlock()
	_ = d.writeDB.LoadProfiles()
}

// setRuntimeLevels sets the logging levels for the bot's components based
// on the provided runtime configuration.
func (d *Assistant) setRuntimeLevels(state RuntimeConfig) {
	d.config.LogLevel.Set(state.LogLevel.Level())
	d.config.ClickUp.LogLevel.Set(state.ClickUpLogLevel.Level())
	d.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	d.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	d.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	d.config.Scheduler.LogLevel.Set(state.SchedulerLogLevel.Level())
	d.config.API.LogLevel.Set(state.APILogLevel.Level())
}

func (d *Assistant) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if d.eventShutdown != nil {
			go func() {
				d.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := d.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		d.logger.Warn("immediate shutdown")
		go func() {
			_ = d.api.httpServer.Close()
		}()
		return fmt.Errorf("shutdown did not complete in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", d.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes
		runtimeStopEnd := time.Now()
		d.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if d.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "stopping http server")
				_ = d.api.httpServer.Shutdown(closeCtx)
				d.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if d.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "closing discord session")
				_ = d.discord.session.Close()
				d.logger.InfoContext(ctx, "discord session closed")
				if len(d.discord.discordgoRemoveHandlerFuncs) > 0 {
					d.logger.InfoContext(
						ctx,
						fmt.Sprintf(
							"removing %d discord handlers",
							len(d.discord.discordgoRemoveHandlerFuncs),
						),
					)
					for _, h := range d.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					d.logger.InfoContext(ctx, "finished removing handlers")
				}
			}()
		}

		// wait on the above, then send a signal that we're done
		go func() {
			d.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			d.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally.
	// otherwise, burn it all down!
	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			d.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					remaining.String(),
				),
			)
		case <-closeCtx.Done(): // timed out, start closing stuff
			d.logger.Warn("graceful shutdown did not finish in time, forcing close")

			go func() {
				_ = d.api.httpServer.Close()
			}()

			return fmt.Errorf("graceful shutdown did not finish in time")
		}
	}
}

// handleInteraction processes an incoming Discord interaction: logs it,
// resolves the supervisor's profile, and dispatches to the matching slash
// command.
func (d *Assistant) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	interaction := handler.GetInteraction()
	logger := handler.Logger()

	i := handler.GetInteraction()
	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, createErr := d.writeDB.Create(ctx, interactionLog); createErr != nil {
			logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
		}
	}()

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	switch interaction.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		commandName := i.ApplicationCommandData().Name

		profile, _, e := d.writeDB.GetOrCreateProfile(ctx, *discordUser)
		if e != nil {
			logger.ErrorContext(ctx, "error getting profile", tint.Err(e))

			wg.Add(1)
			go func() {
				defer wg.Done()
				handler.Delete(ctx)
			}()

			return
		}

		logger = logger.With(slog.Group("profile", profileLogAttrs(*profile)...))
		ctx = WithLogger(ctx, logger)

		if d.paused.Load() {
			_ = handler.Respond(
				ctx, &discordgo.InteractionResponse{
					Type: discordgo.InteractionResponseChannelMessageWithSource,
					Data: &discordgo.InteractionResponseData{
						Content: pausedResponseMessage,
						Flags:   discordgo.MessageFlagsEphemeral,
					},
				},
			)
			return
		}

		if ackErr := handler.Respond(ctx, d.discord.ackResponse(commandName)); ackErr != nil {
			logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
			return
		}

		d.commandsInProgress.Add(1)
		defer d.commandsInProgress.Add(-1)

		defer func() {
			if rc := recover(); rc != nil {
				logger.ErrorContext(
					ctx,
					"recovered from panic",
					"panic_arg", rc,
					"stack_trace", string(debug.Stack()),
				)
				errMsg := DefaultDiscordErrorMessage
				_, _ = handler.Edit(
					ctx,
					&discordgo.WebhookEdit{Content: &errMsg},
				)
			}
		}()

		switch commandName {
		case DiscordSlashCommandCheck:
			d.runCheckCommand(ctx, handler, profile)
		case DiscordSlashCommandCreate:
			d.runCreateCommand(ctx, handler, profile)
		case DiscordSlashCommandSettings:
			d.runSettingsCommand(ctx, handler, profile)
		case DiscordSlashCommandReview:
			d.runReviewCommand(ctx, handler, profile)
		case DiscordSlashCommandContact:
			d.runContactCommand(ctx, handler, profile)
		default:
			logger.WarnContext(ctx, "unknown command", "command", commandName)
			handler.Delete(ctx)
		}
	default:
		logger.WarnContext(
			ctx,
			"unexpected interaction type",
			"type", interaction.Type.String(),
		)
	}
}

// handleDiscordMessage logs incoming Discord messages that mention the
// bot. This is typically called as a goroutine for each new message
// received through the Discord gateway.
func (d *Assistant) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	ctx, logger := d.getLogger(ctx)

	logger.DebugContext(ctx, "saw message", "message", structToSlogValue(m))

	if m.MentionEveryone {
		return
	}

	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}

	if user.Bot || user.ID == d.config.Discord.ApplicationID {
		return
	}

	if !messageMentionsUser(m.Message, d.config.Discord.ApplicationID) {
		return
	}

	dm := NewDiscordMessage(m.Message)
	if _, err := d.writeDB.Create(ctx, &dm); err != nil {
		logger.ErrorContext(
			ctx,
			"error creating discord message log",
			tint.Err(err), "discord_message",
			dm,
		)
	} else {
		logger.InfoContext(
			ctx,
			"created new discord_message mentioning bot",
			"discord_message",
			dm,
		)
	}
}

// messageMentionsUser indicates whether the given message mentions the
// given user ID
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	if len(m.Mentions) == 0 {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.ID == userID {
			return true
		}
	}
	return false
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}
