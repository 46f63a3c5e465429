package papachu

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandConfess     = "confess"
	DiscordSlashCommandConfessLong = "confess_long"
	DiscordSlashCommandSetChannel  = "set_channel"

	confessOptionConfession = "confession"
	confessOptionAttachment = "attachment"
	confessOptionTagOthers  = "tag_others"
	setChannelOptionChannel = "channel"

	// confessionModalCustomID identifies submissions of the /confess_long modal
	confessionModalCustomID = "confession_modal"

	confessionModalInputText       = "confession"
	confessionModalInputAttachment = "attachment"

	// discordModalInputMaxLength is the largest max_length discord
	// accepts on a modal text input
	discordModalInputMaxLength = 4000
)

// Discord manages the bot's discord session: gateway event handlers,
// slash command registration and presence.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	confession                  *ConfessionConfig
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig, confession *ConfessionConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		confession:                  confession,
		discordgoRemoveHandlerFuncs: []func(){},
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		if len(publicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf(
				"invalid public key length: %d (expected %d)",
				len(publicKey),
				ed25519.PublicKeySize,
			)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession creates a discordgo session for the configured bot token.
// State tracking is disabled, as nothing reads it.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// guildOnly restricts a command to guilds the bot is installed in
func guildOnly(cmd *discordgo.ApplicationCommand) *discordgo.ApplicationCommand {
	dmPerm := false
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}
	cmd.Type = discordgo.ChatApplicationCommand
	cmd.DMPermission = &dmPerm
	cmd.Contexts = &contexts
	cmd.IntegrationTypes = &integrationTypes
	return cmd
}

// appCommandConfess returns the /confess command, which takes the
// confession as a command option.
func (d *Discord) appCommandConfess() *discordgo.ApplicationCommand {
	minLength := 1
	return guildOnly(
		&discordgo.ApplicationCommand{
			Name:        DiscordSlashCommandConfess,
			Description: "Submit a confession to Papa Chu",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        confessOptionConfession,
					Description: "Your confession",
					Required:    true,
					MinLength:   &minLength,
					MaxLength:   d.confession.MaxLength,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        confessOptionAttachment,
					Description: "Link to image/GIF you want to attach to your confession",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        confessOptionTagOthers,
					Description: "Ping the users mentioned in your confession (default: true)",
				},
			},
		},
	)
}

// appCommandConfessLong returns /confess_long, which opens a modal so
// multi-paragraph confessions can be written.
func (*Discord) appCommandConfessLong() *discordgo.ApplicationCommand {
	return guildOnly(
		&discordgo.ApplicationCommand{
			Name:        DiscordSlashCommandConfessLong,
			Description: "Submit a longer confession to Papa Chu",
		},
	)
}

// appCommandSetChannel returns /set_channel. Discord hides it from
// members without Manage Server, and the handler checks again.
func (*Discord) appCommandSetChannel() *discordgo.ApplicationCommand {
	perms := int64(discordgo.PermissionManageServer)
	cmd := guildOnly(
		&discordgo.ApplicationCommand{
			Name:                     DiscordSlashCommandSetChannel,
			Description:              "Sets which channel to send the confessions",
			DefaultMemberPermissions: &perms,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         setChannelOptionChannel,
					Description:  "Channel to send confessions to",
					Required:     true,
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
				},
			},
		},
	)
	return cmd
}

// commands returns every command the bot should have registered
func (d *Discord) commands() []*discordgo.ApplicationCommand {
	cmds := []*discordgo.ApplicationCommand{
		d.appCommandConfess(),
		d.appCommandSetChannel(),
	}
	if d.confession.LongFormEnabled {
		cmds = append(cmds, d.appCommandConfessLong())
	}
	return cmds
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		attrs := []any{"session_id", r.SessionID, "guilds", len(r.Guilds)}
		if r.User != nil {
			attrs = append(
				attrs,
				slog.Group("user", "id", r.User.ID, "username", r.User.Username),
			)
		}
		d.logger.Info("Ready", attrs...)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// activity is the 'Listening to ...' activity shown on the bot's profile
func (d *Discord) activity() *discordgo.Activity {
	return &discordgo.Activity{
		Name: d.config.CustomStatus,
		Type: discordgo.ActivityTypeListening,
	}
}

// identify returns the gateway identify payload, carrying the initial
// presence so it's restored on every reconnect
func (d *Discord) identify() discordgo.Identify {
	identify := discordgo.Identify{Intents: d.config.GatewayIntents}
	if d.config.CustomStatus != "" {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Game:   *d.activity(),
			Status: string(discordgo.StatusOnline),
		}
	}
	return identify
}

func (d *Discord) updatePresence() error {
	if d.config.CustomStatus == "" {
		return nil
	}
	return d.session.UpdateStatusComplex(
		discordgo.UpdateStatusData{
			Activities: []*discordgo.Activity{d.activity()},
			Status:     string(discordgo.StatusOnline),
		},
	)
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.commands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

// ackResponse defers the reply to an interaction, showing the user a
// 'thinking...' indicator only they can see
func ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	}
}

// messageResponse replies to an interaction immediately
func messageResponse(content string, ephemeral bool) *discordgo.InteractionResponse {
	data := &discordgo.InteractionResponseData{
		Content:         content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}
}

// confessionModalResponse returns the modal shown for /confess_long
func confessionModalResponse(maxLength int) *discordgo.InteractionResponse {
	if maxLength <= 0 || maxLength > discordModalInputMaxLength {
		maxLength = discordModalInputMaxLength
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: confessionModalCustomID,
			Title:    "Anonymous Confession",
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    confessionModalInputText,
							Label:       "Your confession",
							Style:       discordgo.TextInputParagraph,
							Placeholder: "What's on your mind?",
							Required:    true,
							MinLength:   1,
							MaxLength:   maxLength,
						},
					},
				},
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    confessionModalInputAttachment,
							Label:       "Image/GIF link (optional)",
							Style:       discordgo.TextInputShort,
							Placeholder: "https://",
							Required:    false,
						},
					},
				},
			},
		},
	}
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

// DiscordSessionHandler is the subset of [discordgo.Session] the bot
// uses, so it can be swapped out in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSendComplex sends a message with embeds to a channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite replaces all of the application's
	// commands (for the guild, if guildID isn't empty)
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify.Intents = i.Intents
	d.session.Identify.Presence = i.Presence
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
		return msg, err
	}
	d.logger.Info("sent message", "channel_id", channelID, "message_id", msg.ID)
	return msg, nil
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
}

func (d DiscordSession) UpdateStatusComplex(
	data discordgo.UpdateStatusData,
) error {
	return d.session.UpdateStatusComplex(data)
}
