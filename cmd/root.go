package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/addicteduser/papa-chu-discordbot/papachu"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = papachu.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "papachu [flags]",
	Short: "Papa Chu reposts anonymous confessions to a discord channel",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		signal.Stop(signals)
		cancel()
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("log_level", papachu.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", papachu.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", papachu.DefaultShutdownTimeout)

	// State
	viper.SetDefault("state.backend", papachu.DefaultStateBackend)
	viper.SetDefault("state.location", "")
	viper.SetDefault("state.log_level", papachu.DefaultStateLogLevel.String())
	viper.SetDefault("state.slow_threshold", papachu.DefaultStateSlowThreshold)

	// Confessions
	viper.SetDefault("confession.embed_color", papachu.DefaultConfessionEmbedColor)
	viper.SetDefault("confession.footer_enabled", papachu.DefaultConfessionFooterEnabled)
	viper.SetDefault("confession.footer_text", papachu.DefaultConfessionFooterText)
	viper.SetDefault("confession.footer_icon_url", "")
	viper.SetDefault("confession.long_form_enabled", papachu.DefaultConfessionLongForm)
	viper.SetDefault("confession.max_length", papachu.DefaultConfessionMaxLength)
	viper.SetDefault("confession.reserve_until_sent", false)
	viper.SetDefault("confession.fail_open", papachu.DefaultConfessionFailOpen)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.register_commands", true)
	viper.SetDefault("discord.log_level", papachu.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		papachu.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", papachu.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.custom_status", papachu.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.error_message", papachu.DefaultDiscordErrorMessage)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault("discord.webhook_server.listen", papachu.DefaultDiscordWebhookListen)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.ssl.cert", "")
	viper.SetDefault("discord.webhook_server.ssl.key", "")
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		papachu.DefaultDiscordWebhookTLSVersion,
	)
	viper.SetDefault("discord.webhook_server.read_timeout", papachu.DefaultReadTimeout)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		papachu.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("discord.webhook_server.write_timeout", papachu.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", papachu.DefaultIdleTimeout)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		papachu.DefaultDiscordWebhookLogLevel.String(),
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", papachu.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.admin_username", "")
	viper.SetDefault("api.admin_password", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", papachu.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", papachu.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", papachu.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", papachu.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", papachu.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", papachu.DefaultIdleTimeout)

	// API: SSL config
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", papachu.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", papachu.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", papachu.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", papachu.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", papachu.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		papachu.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(papachu.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = papachu.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// the token is also read from the variable older releases used
	if err := viper.BindEnv(
		"discord.token",
		envPrefix+"_DISCORD_TOKEN",
		papachu.EnvvarLegacyDiscordToken,
	); err != nil {
		log.Fatalf("error: %v", err)
	}

	// env values are space-separated strings
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from (default: .env)",
	)
}
