package papachu

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// DiscordWebhookServer receives interactions discord posts to the
// application's Interactions Endpoint URL.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	listenerMu sync.Mutex
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	d.listenerMu.Lock()
	if d.listener == nil {
		network := d.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, d.config.Listen)
		if err != nil {
			d.listenerMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
		}
		d.listener = ln
	}
	ln := d.listener
	d.listenerMu.Unlock()

	d.logger.InfoContext(ctx, "serving discord webhook", "addr", ln.Addr().String())
	if d.httpServer.TLSConfig == nil {
		d.logger.Warn("starting server without TLS")
		return d.httpServer.Serve(ln)
	}
	return d.httpServer.ServeTLS(ln, "", "")
}

func (d *DiscordWebhookServer) Shutdown(ctx context.Context) error {
	return d.httpServer.Shutdown(ctx)
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	b *Bot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	if len(b.discord.publicKey) == 0 {
		return nil, fmt.Errorf("webhook server requires a public key")
	}
	r := gin.New()
	srv := &DiscordWebhookServer{
		config: config,
		engine: r,
		logger: slog.New(
			newLogHandler(defaultLogWriter, config.LogLevel),
		).With(loggerNameKey, "discord_webhook"),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.enabled() {
		tlsCfg, e := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	srv.httpServer = httpServer

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		discordRequestAuthenticationMiddleware(b.discord.publicKey),
	)

	r.POST(
		apiDiscordInteractions,
		func(c *gin.Context) {
			if b.webhookInteractionHandler == nil {
				c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
				return
			}
			b.webhookInteractionHandler(c)
		},
	)
	return srv, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written as the HTTP response body, while
// follow-up edits go through the REST API like the gateway handler's.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

// Respond writes the response and flushes it, so discord sees the
// acknowledgement before any follow-up edit is made.
func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	w.ginContext.Writer.Flush()
	return nil
}

// webhookReceiveHandler returns a [gin.HandlerFunc] that decodes a
// (verified) interaction and handles it like one from the gateway
func webhookReceiveHandler(
	ctx context.Context,
	b *Bot,
	runtimeWG *sync.WaitGroup,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		runtimeWG.Add(1)
		defer runtimeWG.Done()

		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_ip", c.RemoteIP(),
				xRequestIDHeader, requestID,
			),
		)
		runCtx := WithLogger(ctx, logger)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		i := &interaction
		handler := WebhookHandler{
			ginContext: c,
			InteractionHandler: GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger:      logger,
			},
		}
		b.handleInteraction(runCtx, handler)
	}
}

// discordRequestAuthenticationMiddleware is a middleware for verifying Discord
// webhook requests.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the request's ed25519 signature over the
// timestamp header and body. The body is restored so handlers can
// read it again.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	var msg bytes.Buffer

	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	msg.WriteString(timestamp)

	var body bytes.Buffer
	defer func() {
		_ = r.Body.Close()
		r.Body = io.NopCloser(&body)
	}()

	if _, err = io.Copy(&msg, io.TeeReader(r.Body, &body)); err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}
