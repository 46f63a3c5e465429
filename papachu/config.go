//nolint:lll // struct tags can't be split
package papachu

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "PAPACHU_ENV_PREFIX"
	DefaultEnvPrefix   = "PAPACHU"

	// EnvvarLegacyDiscordToken is the token variable read by earlier
	// releases of the bot, still honored as a fallback.
	EnvvarLegacyDiscordToken = "PAPA_CHU_DISCORD_TOKEN"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	StateBackendFile     = "file"
	StateBackendSQLite   = "sqlite"
	StateBackendPostgres = "postgres"
	StateBackendKV       = "kv"

	DefaultStateBackend       = StateBackendFile
	DefaultStateFileDir       = "."
	DefaultStateSQLitePath    = "papachu.sqlite3"
	DefaultStateKVPath        = "papachu.db"
	DefaultStateLogLevel      = slog.LevelInfo
	DefaultStateSlowThreshold = 200 * time.Millisecond

	DefaultConfessionEmbedColor    = 0x1ABC9C
	DefaultConfessionFooterEnabled = true
	DefaultConfessionFooterText    = "Confessions are anonymous. Moderators cannot see who sent them."
	DefaultConfessionLongForm      = true
	DefaultConfessionFailOpen      = true
	DefaultConfessionMaxLength     = 4000

	DefaultDiscordLogLevel          = slog.LevelWarn
	DefaultDiscordgoLogLevel        = slog.LevelWarn
	DefaultDiscordWebhookLogLevel   = slog.LevelInfo
	DefaultDiscordGatewayIntent     = discordgo.IntentsGuilds
	DefaultDiscordCustomStatus      = "your confessions... | /confess"
	DefaultDiscordErrorMessage      = "sorry, something went wrong!"
	DefaultDiscordWebhookListen     = "127.0.0.1:5001"
	DefaultDiscordWebhookTLSVersion = tls.VersionTLS12

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds how long the bot may take to open its state
	// store and connect to the gateway before giving up.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time allowed for in-flight interactions and
	// HTTP servers to finish before the bot exits anyway.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=1s"`

	// State selects where the confession counter and channel are persisted
	State *StateConfig `yaml:"state" mapstructure:"state" json:"state" binding:"required"`

	// Confession controls how confessions are rendered and numbered
	Confession *ConfessionConfig `yaml:"confession" mapstructure:"confession" json:"confession" binding:"required"`

	// Discord configures the bot's connection to discord
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// API configures the optional admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// StateConfig picks a persistence backend for the two scalars the bot
// keeps (confession number and destination channel).
type StateConfig struct {
	// Backend is one of 'file', 'sqlite', 'postgres' or 'kv'
	Backend string `yaml:"backend" mapstructure:"backend" json:"backend" binding:"oneof=file sqlite postgres kv"`

	// Location is a directory for 'file', a file path for 'sqlite' and
	// 'kv', or a connection string for 'postgres'. When empty, a
	// backend-specific default is used.
	Location string `yaml:"location" mapstructure:"location" json:"location" log:"[redacted]"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// SlowThreshold flags SQL statements slower than this (sql backends only)
	SlowThreshold time.Duration `yaml:"slow_threshold" mapstructure:"slow_threshold" json:"slow_threshold"`
}

// location returns the configured location, or the default for the backend
func (s StateConfig) location() string {
	if s.Location != "" {
		return s.Location
	}
	switch s.Backend {
	case StateBackendSQLite:
		return DefaultStateSQLitePath
	case StateBackendKV:
		return DefaultStateKVPath
	case StateBackendFile:
		return DefaultStateFileDir
	default:
		return ""
	}
}

// ConfessionConfig controls confession rendering.
type ConfessionConfig struct {
	// EmbedColor is the color of the confession embed
	EmbedColor int `yaml:"embed_color" mapstructure:"embed_color" json:"embed_color" binding:"min=0,max=16777215"`

	// FooterEnabled adds FooterText/FooterIconURL to every confession
	FooterEnabled bool   `yaml:"footer_enabled" mapstructure:"footer_enabled" json:"footer_enabled"`
	FooterText    string `yaml:"footer_text" mapstructure:"footer_text" json:"footer_text" binding:"required_if=FooterEnabled true"`
	FooterIconURL string `yaml:"footer_icon_url" mapstructure:"footer_icon_url" json:"footer_icon_url" binding:"omitempty,url"`

	// LongFormEnabled registers /confess_long, which collects the
	// confession through a modal instead of a command option
	LongFormEnabled bool `yaml:"long_form_enabled" mapstructure:"long_form_enabled" json:"long_form_enabled"`

	// MaxLength caps confession text length. 4000 is the most a modal
	// text input accepts.
	MaxLength int `yaml:"max_length" mapstructure:"max_length" json:"max_length" binding:"min=1,max=4000"`

	// ReserveUntilSent only advances the confession number once the
	// confession has been delivered. When false, a number is consumed
	// as soon as the confession is formatted, and a failed delivery
	// leaves a gap in the numbering.
	ReserveUntilSent bool `yaml:"reserve_until_sent" mapstructure:"reserve_until_sent" json:"reserve_until_sent"`

	// FailOpen treats unreadable stored state as if nothing had been
	// stored (counter restarts at 0, channel unset). When false, corrupt
	// state fails the confession instead.
	FailOpen bool `yaml:"fail_open" mapstructure:"fail_open" json:"fail_open"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// RegisterCommands overwrites the application's slash commands on startup
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatus is shown as a 'Listening to ...' activity
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// ErrorMessage is sent (ephemerally) when a confession can't be delivered
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	// Required when receiving webhook events rather than websockets
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig configures the HTTP endpoint discord posts
// interactions to, when the gateway isn't used to receive them.
type DiscordWebhookServerConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_if=Enabled true"`

	// AdminUsername and AdminPassword gate /login. The password is an
	// argon2id hash, as printed by the 'hash-password' command.
	AdminUsername string `yaml:"admin_username" mapstructure:"admin_username" json:"admin_username" binding:"required_if=Enabled true"`
	AdminPassword string `yaml:"admin_password" mapstructure:"admin_password" json:"admin_password" log:"[redacted]" binding:"required_if=Enabled true"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"`

	// Development enables pprof routes and sets SameSite=None on the session cookie
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(level)
	return v
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        newLevelVar(DefaultLogLevel),
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		State: &StateConfig{
			Backend:       DefaultStateBackend,
			LogLevel:      newLevelVar(DefaultStateLogLevel),
			SlowThreshold: DefaultStateSlowThreshold,
		},
		Confession: &ConfessionConfig{
			EmbedColor:      DefaultConfessionEmbedColor,
			FooterEnabled:   DefaultConfessionFooterEnabled,
			FooterText:      DefaultConfessionFooterText,
			LongFormEnabled: DefaultConfessionLongForm,
			MaxLength:       DefaultConfessionMaxLength,
			FailOpen:        DefaultConfessionFailOpen,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			CustomStatus:      DefaultDiscordCustomStatus,
			ErrorMessage:      DefaultDiscordErrorMessage,
			RegisterCommands:  true,
			WebhookServer: DiscordWebhookServerConfig{
				Listen:        DefaultDiscordWebhookListen,
				ListenNetwork: defaultListenNetwork,
				SSL: SSLConfig{
					TLSMinVersion: DefaultDiscordWebhookTLSVersion,
				},
				LogLevel:          newLevelVar(DefaultDiscordWebhookLogLevel),
				ReadTimeout:       DefaultReadTimeout,
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
		},
	}
}
