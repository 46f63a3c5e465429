package papachu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

type DiscordInteractionReceiveMethod string

const (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

const (
	replyChannelNotSet      = "Use `/set_channel` to configure which channel to send the confessions to"
	replyConfessionSent     = "Confession sent in <#%d>!"
	replyChannelSet         = "Confessions will be sent to <#%d>!"
	replyEmptyConfession    = "Your confession can't be empty."
	replyConfessionTooLong  = "Your confession is too long (max %d characters)."
	replyMissingPermissions = "You need the Manage Server permission to do that."
	replyGuildOnly          = "This command can only be used in a server."
	replyLongFormDisabled   = "Long-form confessions are disabled."
)

// InteractionHandler wraps a single discord interaction, abstracting over
// whether it arrived via the gateway or the webhook server.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// editContent replaces the deferred reply's content. Mentions in the
// reply never ping.
func editContent(
	ctx context.Context,
	handler InteractionHandler,
	content string,
) {
	_, _ = handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Content:         &content,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	)
}

// handleInteraction dispatches an interaction to the command it's for.
// Ping, /confess, /confess_long (and its modal) and /set_channel are
// handled, anything else is logged and dropped.
func (b *Bot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
		"method", handler.InteractionReceiveMethod(),
	)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user_id", discordUser.ID)

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		switch data.Name {
		case DiscordSlashCommandConfess:
			b.confess(ctx, handler, discordUser, confessCommandSubmission(i))
		case DiscordSlashCommandConfessLong:
			if !b.config.Confession.LongFormEnabled {
				_ = handler.Respond(ctx, messageResponse(replyLongFormDisabled, true))
				return
			}
			_ = handler.Respond(ctx, confessionModalResponse(b.config.Confession.MaxLength))
		case DiscordSlashCommandSetChannel:
			b.setChannel(ctx, handler)
		default:
			logger.WarnContext(ctx, "unknown command", "command", data.Name)
		}
	case discordgo.InteractionModalSubmit:
		data := i.ModalSubmitData()
		if data.CustomID != confessionModalCustomID {
			logger.WarnContext(ctx, "unknown modal", "custom_id", data.CustomID)
			return
		}
		values := modalTextValues(data)
		b.confess(
			ctx,
			handler,
			discordUser,
			Submission{
				Text:          values[confessionModalInputText],
				AttachmentURL: strings.TrimSpace(values[confessionModalInputAttachment]),
				// the modal has no tag_others option, so mentions are never tagged
				TagOthers: false,
			},
		)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

// confessCommandSubmission reads a Submission from /confess options
func confessCommandSubmission(i *discordgo.InteractionCreate) Submission {
	opts := discordInteractionOptions(i)
	s := Submission{TagOthers: true}
	if opt, ok := opts[confessOptionConfession]; ok {
		s.Text = opt.StringValue()
	}
	if opt, ok := opts[confessOptionAttachment]; ok {
		s.AttachmentURL = strings.TrimSpace(opt.StringValue())
	}
	if opt, ok := opts[confessOptionTagOthers]; ok {
		s.TagOthers = opt.BoolValue()
	}
	return s
}

// confess posts a confession to the configured channel. The user only
// ever sees an ephemeral acknowledgement, so nobody else learns who
// confessed. The confession number is only consumed once a channel is
// known to exist.
func (b *Bot) confess(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
	s Submission,
) {
	logger := handler.Logger()
	if ackErr := handler.Respond(ctx, ackResponse()); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		return
	}

	cfg := b.config.Confession
	if strings.TrimSpace(s.Text) == "" {
		editContent(ctx, handler, replyEmptyConfession)
		return
	}
	if n := len([]rune(s.Text)); n > cfg.MaxLength {
		editContent(ctx, handler, fmt.Sprintf(replyConfessionTooLong, cfg.MaxLength))
		return
	}

	channelID, ok, err := b.channels.Get(ctx)
	if err != nil {
		if !cfg.FailOpen || !errors.Is(err, ErrStateCorrupt) {
			logger.ErrorContext(ctx, "error getting confession channel", tint.Err(err))
			editContent(ctx, handler, b.config.Discord.ErrorMessage)
			return
		}
		logger.WarnContext(ctx, "confession channel unreadable, treating as unset", tint.Err(err))
	}
	if !ok {
		editContent(ctx, handler, replyChannelNotSet)
		return
	}

	var (
		msg         ConfessionMessage
		reservation *Reservation
	)
	if cfg.ReserveUntilSent {
		msg, reservation, err = b.formatter.FormatReserved(ctx, user.Mention(), s)
	} else {
		msg, err = b.formatter.Format(ctx, user.Mention(), s)
	}
	if err != nil {
		logger.ErrorContext(ctx, "error formatting confession", tint.Err(err))
		editContent(ctx, handler, b.config.Discord.ErrorMessage)
		return
	}
	if reservation != nil {
		// no-op once committed
		defer reservation.Release()
	}
	logger = logger.With("confession_title", msg.Title, "channel_id", channelID)

	_, err = b.discord.session.ChannelMessageSendComplex(
		strconv.FormatInt(channelID, 10),
		msg.MessageSend(cfg.EmbedColor),
	)
	if err != nil {
		if reservation != nil {
			reservation.Release()
		}
		logger.ErrorContext(ctx, "error sending confession", tint.Err(err))
		editContent(ctx, handler, b.config.Discord.ErrorMessage)
		return
	}

	if reservation != nil {
		if commitErr := reservation.Commit(ctx); commitErr != nil {
			// already delivered, so the number will be shown twice
			logger.ErrorContext(ctx, "error saving confession number", tint.Err(commitErr))
		}
	}
	logger.InfoContext(ctx, "confession sent")
	editContent(ctx, handler, fmt.Sprintf(replyConfessionSent, channelID))
}

// setChannel handles /set_channel. Discord already hides the command from
// members lacking Manage Server, but the interaction's member
// permissions are checked again here.
func (b *Bot) setChannel(ctx context.Context, handler InteractionHandler) {
	logger := handler.Logger()
	i := handler.GetInteraction()

	if i.Member == nil {
		_ = handler.Respond(ctx, messageResponse(replyGuildOnly, true))
		return
	}
	if i.Member.Permissions&discordgo.PermissionManageServer == 0 {
		logger.WarnContext(ctx, "set_channel denied, missing permissions")
		_ = handler.Respond(ctx, messageResponse(replyMissingPermissions, true))
		return
	}

	opt, ok := discordInteractionOptions(i)[setChannelOptionChannel]
	if !ok {
		_ = handler.Respond(ctx, messageResponse(b.config.Discord.ErrorMessage, true))
		return
	}
	channelID, err := strconv.ParseInt(fmt.Sprint(opt.Value), 10, 64)
	if err != nil || channelID <= 0 {
		logger.ErrorContext(ctx, "invalid channel option", "value", opt.Value)
		_ = handler.Respond(ctx, messageResponse(b.config.Discord.ErrorMessage, true))
		return
	}

	if err = b.channels.Set(ctx, channelID); err != nil {
		logger.ErrorContext(ctx, "error saving confession channel", tint.Err(err))
		_ = handler.Respond(ctx, messageResponse(b.config.Discord.ErrorMessage, true))
		return
	}
	logger.InfoContext(ctx, "confession channel set", "channel_id", channelID)
	_ = handler.Respond(ctx, messageResponse(fmt.Sprintf(replyChannelSet, channelID), false))
}

// handleRecover logs a panic recovered while handling an interaction
func (*Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}
