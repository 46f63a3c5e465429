package papachu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/addicteduser/papa-chu-discordbot/papachu.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var ErrShutdownTimeout = errors.New("shutdown did not finish in time")

// Bot is the confession bot. It owns the state store and everything
// built on it (counter, channel registry, formatter), the discord
// session, and the optional admin API and interactions webhook servers.
type Bot struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger     *slog.Logger
	logHandler slog.Handler

	store     StateStore
	counter   *SequenceCounter
	channels  *ChannelRegistry
	formatter *ConfessionFormatter

	discord              *Discord
	api                  *API
	discordWebhookServer *DiscordWebhookServer

	// Handler for interactions received via webhook
	webhookInteractionHandler gin.HandlerFunc

	// getInteractionHandlerFunc returns the InteractionHandler for an
	// interaction received via the gateway
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has opened the state
	// store, started the HTTP servers and connected to discord
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time
}

// New returns a Bot for the given config. Nothing is opened or
// connected until Run is called.
func New(config *Config) (*Bot, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if config.Discord == nil || config.Confession == nil || config.State == nil {
		return nil, errors.New("discord, confession and state config are required")
	}
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		signalStop:    make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	b.logHandler = newLogHandler(defaultLogWriter, b.config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.config.Discord.httpClient = b.config.HTTPClient

	disc, err := newDiscord(b.config.Discord, b.config.Confession)
	if err != nil {
		return nil, err
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, b.config.Discord.DiscordGoLogLevel),
	)

	disc.logger = slog.New(
		newLogHandler(defaultLogWriter, b.config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	b.discord = disc

	if config.API != nil && config.API.Enabled {
		api, e := newAPI(b, config.API)
		errs = append(errs, e)
		b.api = api
	}

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(b, config.Discord.WebhookServer)
		errs = append(errs, e)
		b.discordWebhookServer = webhookServer
	}

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// footer returns the confession footer, or nil when disabled
func (b *Bot) footer() *Footer {
	cfg := b.config.Confession
	if !cfg.FooterEnabled {
		return nil
	}
	return &Footer{Text: cfg.FooterText, IconURL: cfg.FooterIconURL}
}

// initState opens the state store (unless one was already provided)
// and builds the counter, channel registry and formatter on top of it.
func (b *Bot) initState(ctx context.Context) error {
	if b.store == nil {
		store, err := OpenStateStore(
			ctx,
			b.config.State,
			newLogHandler(defaultLogWriter, b.config.State.LogLevel),
		)
		if err != nil {
			return fmt.Errorf("error opening state store: %w", err)
		}
		b.store = store
	}
	b.counter = NewSequenceCounter(b.store, b.config.Confession.FailOpen, b.logger)
	b.channels = NewChannelRegistry(b.store)
	b.formatter = NewConfessionFormatter(b.counter, b.footer())
	return nil
}

// RegisterSlashCommands overwrites the application's commands with
// /confess, /set_channel and (if enabled) /confess_long.
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(options...)
}

// BotStatus is a snapshot of the bot's persisted state
type BotStatus struct {
	ChannelID            string    `json:"channel_id,omitempty"`
	ChannelConfigured    bool      `json:"channel_configured"`
	NextConfessionNumber int64     `json:"next_confession_number"`
	DiscordConnected     bool      `json:"discord_connected"`
	StartedAt            time.Time `json:"started_at"`
	Version              string    `json:"version"`
}

// Status reads the current channel and confession number. Neither is
// modified.
func (b *Bot) Status(ctx context.Context) (BotStatus, error) {
	status := BotStatus{
		DiscordConnected: b.discord.connected.Load(),
		StartedAt:        b.startedAt,
		Version:          Version,
	}
	channelID, ok, err := b.channels.Get(ctx)
	if err != nil {
		// reported the same way confessions treat it
		if !b.config.Confession.FailOpen || !errors.Is(err, ErrStateCorrupt) {
			return status, err
		}
		b.logger.WarnContext(ctx, "confession channel unreadable, reporting as unset", tint.Err(err))
	}
	if ok {
		status.ChannelConfigured = true
		status.ChannelID = strconv.FormatInt(channelID, 10)
	}
	status.NextConfessionNumber, err = b.counter.Current(ctx)
	return status, err
}

// Stop signals a running bot to shut down
func (b *Bot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Run opens the state store, starts the HTTP servers, connects to
// discord and then blocks until ctx is canceled (or Stop is called),
// after which everything is shut down.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initState(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	runtimeWG := &sync.WaitGroup{}
	b.webhookInteractionHandler = webhookReceiveHandler(ctx, b, runtimeWG)

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return errors.Join(err, b.shutdown(ctx, runtimeWG))
	}

	g, gctx := errgroup.WithContext(ctx)
	if b.api != nil {
		g.Go(
			func() error {
				return ignoreServerClosed(b.api.Serve(gctx))
			},
		)
	}
	if b.discordWebhookServer != nil {
		g.Go(
			func() error {
				return ignoreServerClosed(b.discordWebhookServer.Serve(gctx))
			},
		)
	}

	if err := b.discordInit(startCtx); err != nil {
		cancel()
		return errors.Join(err, b.shutdown(ctx, runtimeWG), g.Wait())
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	// block until the runtime context is canceled, or a server fails
	<-gctx.Done()

	shutdownErr := b.shutdown(ctx, runtimeWG)
	return errors.Join(g.Wait(), shutdownErr)
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// initDiscordSession creates the discord session (if one wasn't already
// set) and adds the gateway event handlers
func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.session.SetIdentify(b.discord.identify())

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger:      b.discord.logger.With(loggerNameKey, "gateway_handler"),
			}
		}
	}

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
	}
	return nil
}

// discordInit opens the gateway connection, registers commands if
// configured to, and sets the bot's presence
func (b *Bot) discordInit(ctx context.Context) error {
	b.logger.InfoContext(ctx, "connecting to discord")
	openErr := make(chan error, 1)
	go func() {
		openErr <- b.discord.session.Open()
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("timed out connecting to discord: %w", ctx.Err())
	case err := <-openErr:
		if err != nil {
			b.logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
			return fmt.Errorf("error connecting to discord: %w", err)
		}
	}

	if b.config.Discord.RegisterCommands {
		if _, err := b.RegisterSlashCommands(); err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
	}

	go func() {
		if err := b.discord.updatePresence(); err != nil {
			b.logger.Error("error updating discord status", tint.Err(err))
		}
	}()
	return nil
}

// shutdown stops accepting interactions, waits (up to the shutdown
// timeout) for in-flight ones to finish, then closes the discord
// session and state store.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case b.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	if n := len(b.discord.discordgoRemoveHandlerFuncs); n > 0 {
		b.logger.InfoContext(ctx, fmt.Sprintf("removing %d discord handlers", n))
		for _, h := range b.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		b.discord.discordgoRemoveHandlerFuncs = nil
	}

	stopWG := &sync.WaitGroup{}
	if b.api != nil {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			b.logger.InfoContext(ctx, "stopping api http server")
			if err := b.api.Shutdown(closeCtx); err != nil {
				b.logger.ErrorContext(ctx, "error stopping api", tint.Err(err))
			}
		}()
	}
	if b.discordWebhookServer != nil {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			b.logger.InfoContext(ctx, "stopping webhook http server")
			if err := b.discordWebhookServer.Shutdown(closeCtx); err != nil {
				b.logger.ErrorContext(ctx, "error stopping webhook server", tint.Err(err))
			}
		}()
	}

	graceful := make(chan struct{})
	go func() {
		stopWG.Wait()
		runtimeWG.Wait()
		close(graceful)
	}()

	var err error
	select {
	case <-graceful:
	case <-closeCtx.Done():
		b.logger.Warn("interactions did not finish in time, forcing close")
		err = ErrShutdownTimeout
	}

	if b.discord.session != nil {
		b.logger.InfoContext(ctx, "closing discord session")
		if closeErr := b.discord.session.Close(); closeErr != nil {
			b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(closeErr))
		}
	}
	if b.store != nil {
		if closeErr := b.store.Close(); closeErr != nil {
			b.logger.ErrorContext(ctx, "error closing state store", tint.Err(closeErr))
		}
		b.store = nil
	}

	b.logger.InfoContext(
		ctx,
		"shutdown complete",
		"shutdown_duration", time.Since(shutdownStart),
	)
	return err
}
