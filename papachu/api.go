package papachu

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiPathState            = "/state"
	apiPathChannel          = "/channel"
	apiPathQuit             = "/quit"
	apiPathRegisterCommands = "/discord/register_commands"
	apiDiscordInteractions  = "/discord/interactions"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

// API is the admin HTTP API. It exposes the bot's persisted state,
// lets an admin change the confession channel without discord, and
// re-registers slash commands.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	listenerMu          sync.Mutex
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store, middleware and routes.
// TLS is only used when both a cert and key are configured.
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger: slog.New(
			newLogHandler(defaultLogWriter, config.LogLevel),
		).With(loggerNameKey, "api"),
	}
	apiHandlers := NewAPIHandlers(b, api)
	api.handlers = apiHandlers
	api.store = apiHandlers.store

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.enabled() {
		tlsCfg, e := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen, "https://" + config.Listen}
		}
	}

	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, apiHandlers.store),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathState, apiHandlers.getState)
	protected.PUT(apiPathChannel, apiHandlers.setChannel)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)

	return api, nil
}

// Serve listens on the configured address and serves until Shutdown
// is called
func (a *API) Serve(ctx context.Context) error {
	a.listenerMu.Lock()
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if e != nil {
			a.listenerMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, e)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		} else {
			a.logger.Warn("starting api without TLS")
		}
		a.listener = ln
	}
	ln := a.listener
	a.listenerMu.Unlock()

	a.logger.InfoContext(ctx, "serving api", "addr", ln.Addr().String())
	return a.httpServer.Serve(ln)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", errors.New("username not set")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	b      *Bot
	api    *API
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the cookie store used for admin sessions. When
// no secret is configured, a random one is generated and sessions won't
// survive a restart.
func NewAPIHandlers(b *Bot, api *API) *APIHandlers {
	logger := api.logger

	var secretKey []byte
	switch sk := api.config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(api.sessionOptions())
	return &APIHandlers{b: b, api: api, logger: logger, store: store}
}

func (a *API) sessionOptions() sessions.Options {
	sameSite := http.SameSiteStrictMode
	if a.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(a.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// loginHandler checks the posted credentials against the configured
// admin username and argon2id password hash, and starts a session.
//
// Responses:
//   - 200 OK: If the user was successfully logged in.
//   - 400 Bad Request: If the request payload is invalid.
//   - 401 Unauthorized: If the credentials are incorrect or not set.
//   - 429 Too Many Requests: If the login attempts are rate limited.
//   - 500 Internal Server Error: If there is an error processing the login request.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	cfg := h.api.config
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != cfg.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(cfg.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	opts := h.api.sessionOptions()
	session.Options = opts.ToGorillaOptions()
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// healthCheck reports whether the discord gateway is connected
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: h.b.discord.connected.Load(),
			Version:                 Version,
		},
	)
}

// logoutHandler clears the session username
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// getState returns the configured channel and the next confession number.
//
// Responses:
//   - 200 OK: BotStatus
//   - 500 Internal Server Error: If the state couldn't be read
func (h *APIHandlers) getState(c *gin.Context) {
	status, err := h.b.Status(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error reading state", tint.Err(err))
		ginReplyError(c, "error reading state")
		return
	}
	c.JSON(http.StatusOK, status)
}

// setChannel changes the confession channel, as /set_channel does.
//
// Responses:
//   - 200 OK: If the channel was saved
//   - 400 Bad Request: If channel_id isn't a valid snowflake
//   - 500 Internal Server Error: If the channel couldn't be saved
func (h *APIHandlers) setChannel(c *gin.Context) {
	logger := ginContextLogger(c)
	var payload setChannelPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	channelID, err := strconv.ParseInt(payload.ChannelID, 10, 64)
	if err != nil || channelID <= 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid channel_id"})
		return
	}
	if err = h.b.channels.Set(c.Request.Context(), channelID); err != nil {
		logger.Error("error saving channel", tint.Err(err))
		ginReplyError(c, "error saving channel")
		return
	}
	logger.Info("confession channel set", "channel_id", channelID)
	c.JSON(http.StatusOK, setChannelPayload{ChannelID: payload.ChannelID})
}

// botQuit stops the bot
func (h *APIHandlers) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("received quit request")
	h.b.Stop()
	ginReplyMessage(c, "stopping")
}

// discordRegisterCommands overwrites the bot's slash commands.
//
// Responses:
//   - 201 Created: If the commands were successfully registered.
//   - 500 Internal Server Error: If there was an error registering the commands.
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.b.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Version                 string `json:"version"`
}

type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned ot the client
type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// setChannelPayload takes the channel ID as a string, as discord
// snowflakes don't fit in a javascript number
type setChannelPayload struct {
	ChannelID string `json:"channel_id" binding:"required,number"`
}

// authMiddleware aborts with 401 unless the session has a username
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		username, err := a.getSessionUsername(c)
		if err != nil {
			logger.Warn("unauthenticated request", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a random ID to each request, set on the
// gin context and response under X-Request-ID
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// duration and response status
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
