package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadTestEnvFile writes content to an env file, and unsets every
// variable it sets once the test ends
func loadTestEnvFile(t testing.TB, content string) string {
	t.Helper()
	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))

	vars, err := godotenv.Read(envFile)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			for k := range vars {
				_ = os.Unsetenv(k)
			}
			viper.Reset()
			configFile = ""
		},
	)
	return envFile
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	envFile := loadTestEnvFile(
		t, `
# General

PAPACHU_LOG_LEVEL=DEBUG
PAPACHU_STARTUP_TIMEOUT=20s
PAPACHU_SHUTDOWN_TIMEOUT=60s

# State

PAPACHU_STATE_BACKEND=sqlite
PAPACHU_STATE_LOCATION=/var/lib/papachu/state.sqlite3
PAPACHU_STATE_LOG_LEVEL=WARN
PAPACHU_STATE_SLOW_THRESHOLD=500ms

# Confessions

PAPACHU_CONFESSION_EMBED_COLOR=16711680
PAPACHU_CONFESSION_FOOTER_ENABLED=false
PAPACHU_CONFESSION_LONG_FORM_ENABLED=false
PAPACHU_CONFESSION_MAX_LENGTH=1000
PAPACHU_CONFESSION_RESERVE_UNTIL_SENT=true
PAPACHU_CONFESSION_FAIL_OPEN=false

# Discord bot config

PAPACHU_DISCORD_TOKEN=your-discord-bot-token
PAPACHU_DISCORD_APPLICATION_ID=your-discord-bot-app-id
PAPACHU_DISCORD_GUILD_ID=
PAPACHU_DISCORD_REGISTER_COMMANDS=false
PAPACHU_DISCORD_LOG_LEVEL=ERROR
PAPACHU_DISCORD_DISCORDGO_LOG_LEVEL=WARN
PAPACHU_DISCORD_GATEWAY_INTENTS=513
PAPACHU_DISCORD_CUSTOM_STATUS="secrets | /confess"
PAPACHU_DISCORD_ERROR_MESSAGE="oh no"

# Discord webhook server

PAPACHU_DISCORD_WEBHOOK_SERVER_ENABLED=true
PAPACHU_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5101
PAPACHU_DISCORD_WEBHOOK_SERVER_SSL_CERT=/etc/ssl/cert.pem
PAPACHU_DISCORD_WEBHOOK_SERVER_SSL_KEY=/etc/ssl/cert.key
PAPACHU_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=772
PAPACHU_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
PAPACHU_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
PAPACHU_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=6s

# API server

PAPACHU_API_ENABLED=true
PAPACHU_API_LISTEN=127.0.0.1:5100
PAPACHU_API_SECRET=your-api-secret
PAPACHU_API_ADMIN_USERNAME=admin
PAPACHU_API_LOG_LEVEL=DEBUG
PAPACHU_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5100 https://localhost:5100
PAPACHU_API_CORS_ALLOW_METHODS=GET POST PUT
PAPACHU_API_CORS_MAX_AGE=1h
PAPACHU_API_SESSION_MAX_AGE=2h
`,
	)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	captureOutput(t)
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 20*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, "sqlite", cfg.State.Backend)
	assert.Equal(t, "/var/lib/papachu/state.sqlite3", cfg.State.Location)
	assert.Equal(t, slog.LevelWarn, cfg.State.LogLevel.Level())
	assert.Equal(t, 500*time.Millisecond, cfg.State.SlowThreshold)

	assert.Equal(t, 0xFF0000, cfg.Confession.EmbedColor)
	assert.False(t, cfg.Confession.FooterEnabled)
	assert.False(t, cfg.Confession.LongFormEnabled)
	assert.Equal(t, 1000, cfg.Confession.MaxLength)
	assert.True(t, cfg.Confession.ReserveUntilSent)
	assert.False(t, cfg.Confession.FailOpen)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "", cfg.Discord.GuildID)
	assert.False(t, cfg.Discord.RegisterCommands)
	assert.Equal(t, slog.LevelError, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(513), cfg.Discord.GatewayIntents)
	assert.Equal(t, "secrets | /confess", cfg.Discord.CustomStatus)
	assert.Equal(t, "oh no", cfg.Discord.ErrorMessage)

	webhook := cfg.Discord.WebhookServer
	assert.True(t, webhook.Enabled)
	assert.Equal(t, "127.0.0.1:5101", webhook.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", webhook.SSL.Cert)
	assert.Equal(t, "/etc/ssl/cert.key", webhook.SSL.Key)
	assert.Equal(t, uint16(772), webhook.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelInfo, webhook.LogLevel.Level())
	assert.Equal(t, "your_discord_public_key_here", webhook.PublicKey)
	assert.Equal(t, 6*time.Second, webhook.ReadTimeout)
	assert.Equal(t, 10*time.Second, webhook.WriteTimeout)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5100", cfg.API.Listen)
	assert.Equal(t, "your-api-secret", cfg.API.Secret)
	assert.Equal(t, "admin", cfg.API.AdminUsername)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5100", "https://localhost:5100"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "PUT"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, time.Hour, cfg.API.CORS.MaxAge)
	assert.Equal(t, 2*time.Hour, cfg.API.SessionMaxAge)
}

func TestLegacyDiscordTokenEnv(t *testing.T) {
	envFile := loadTestEnvFile(t, "PAPA_CHU_DISCORD_TOKEN=legacy-token\n")

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	captureOutput(t)
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "legacy-token", cfg.Discord.Token)
}

func TestEnvPrefixOverride(t *testing.T) {
	envFile := loadTestEnvFile(
		t, `
PAPACHU_ENV_PREFIX=CONFESS
CONFESS_DISCORD_APPLICATION_ID=prefixed-app-id
`,
	)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	captureOutput(t)
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "prefixed-app-id", cfg.Discord.ApplicationID)
}

func TestLevelToStringHookFunc(t *testing.T) {
	hook := LevelToStringHookFunc()
	levelVarType := reflect.TypeOf(&slog.LevelVar{})
	stringType := reflect.TypeOf("")

	rv, err := hook(stringType, levelVarType, "WARN")
	require.NoError(t, err)
	lvl, ok := rv.(*slog.LevelVar)
	require.True(t, ok)
	assert.Equal(t, slog.LevelWarn, lvl.Level())

	_, err = hook(stringType, levelVarType, "LOUD")
	assert.Error(t, err)

	// other types pass through untouched
	rv, err = hook(stringType, reflect.TypeOf(""), "WARN")
	require.NoError(t, err)
	assert.Equal(t, "WARN", rv)
}
