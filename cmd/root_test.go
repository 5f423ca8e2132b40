package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/roboticgit/Supervisors-Assistant/assistant"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, actual any) {
	t.Helper()
	levelVar, ok := actual.(*slog.LevelVar)
	require.Truef(t, ok, "expected *slog.LevelVar, got %T", actual)
	assert.Equal(t, expected, levelVar.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

SA_DATABASE=/home/foo/assistant.sqlite3
SA_DATABASE_TYPE=sqlite
SA_DATABASE_LOG_LEVEL=INFO
SA_DATABASE_SLOW_THRESHOLD=200ms
SA_LOG_LEVEL=INFO
SA_STARTUP_TIMEOUT=30s
SA_SHUTDOWN_TIMEOUT=60s
SA_RUNTIME_CONFIG_TTL=5m
SA_PROFILE_CACHE_TTL=10m

# ClickUp config

SA_CLICKUP_TOKEN=pk_your_clickup_token
SA_CLICKUP_TEAM_ID=123456
SA_CLICKUP_BASE_URL=https://api.clickup.com/api/v2
SA_CLICKUP_LOG_LEVEL=INFO
SA_CLICKUP_MAX_REQUESTS_PER_SECOND=2
SA_CLICKUP_REQUEST_TIMEOUT=30s
SA_CLICKUP_PAGE_SIZE=100

# Reminder scheduler

SA_SCHEDULER_LOG_LEVEL=INFO
SA_SCHEDULER_QUOTA_CHECK_INTERVAL=1h
SA_SCHEDULER_TRAINING_CHECK_INTERVAL=5m
SA_SCHEDULER_TRAINING_LOOKAHEAD=1h

# Discord bot config

SA_DISCORD_TOKEN=your-discord-bot-token
SA_DISCORD_APPLICATION_ID=your-discord-bot-app-id
SA_DISCORD_GUILD_ID=
SA_DISCORD_APPROVAL_CHANNEL_ID=111222333
SA_DISCORD_CONTACT_CHANNEL_ID=444555666
SA_DISCORD_LOG_LEVEL=WARN
SA_DISCORD_DISCORDGO_LOG_LEVEL=WARN
SA_DISCORD_STARTUP_MESSAGE="I'm here!"
SA_DISCORD_GATEWAY_INTENTS=3243773

# API server

SA_API_LISTEN=127.0.0.1:5000
SA_API_SSL_CERT=/etc/ssl/cert.pem
SA_API_SSL_KEY=/etc/ssl/key.pem
SA_API_SSL_TLS_MIN_VERSION=771
SA_API_SECRET=your-api-secret
SA_API_LOG_LEVEL=DEBUG
SA_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
SA_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
SA_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-CSRF-Token X-Request-ID
SA_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding X-Request-ID Location ETag Authorization Last-Modified
SA_API_CORS_ALLOW_CREDENTIALS=true
SA_API_CORS_MAX_AGE=12h
SA_API_READ_TIMEOUT=5s
SA_API_READ_HEADER_TIMEOUT=5s
SA_API_WRITE_TIMEOUT=10s
SA_API_IDLE_TIMEOUT=30s
SA_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/assistant.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/assistant.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.Equal(t, 5*time.Minute, viper.GetDuration("runtime_config_ttl"))
	assert.Equal(t, 10*time.Minute, viper.GetDuration("profile_cache_ttl"))

	assert.Equal(t, "pk_your_clickup_token", viper.GetString("clickup.token"))
	assert.Equal(t, "123456", viper.GetString("clickup.team_id"))
	assert.Equal(t, "https://api.clickup.com/api/v2", viper.GetString("clickup.base_url"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("clickup.log_level"))
	assert.Equal(t, 2, viper.GetInt("clickup.max_requests_per_second"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("clickup.request_timeout"))
	assert.Equal(t, 100, viper.GetInt("clickup.page_size"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("scheduler.log_level"))
	assert.Equal(t, time.Hour, viper.GetDuration("scheduler.quota_check_interval"))
	assert.Equal(t, 5*time.Minute, viper.GetDuration("scheduler.training_check_interval"))
	assert.Equal(t, time.Hour, viper.GetDuration("scheduler.training_lookahead"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))
	assert.Equal(t, "111222333", viper.GetString("discord.approval_channel_id"))
	assert.Equal(t, "444555666", viper.GetString("discord.contact_channel_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("api.ssl.tls_min_version"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	assert.Equal(
		t,
		[]string{
			"Content-Type",
			"Content-Length",
			"Accept-Encoding",
			"X-Request-ID",
			"Location",
			"ETag",
			"Authorization",
			"Last-Modified",
		},
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("api.session_max_age"))

	// Unmarshal the configuration into an assistant.Config struct
	var config assistant.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/assistant.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, 5*time.Minute, config.RuntimeConfigTTL)
	assert.Equal(t, 10*time.Minute, config.ProfileCacheTTL)

	assert.Equal(t, "pk_your_clickup_token", config.ClickUp.Token)
	assert.Equal(t, "123456", config.ClickUp.TeamID)
	assert.Equal(t, slog.LevelInfo, config.ClickUp.LogLevel.Level())
	assert.Equal(t, 2, config.ClickUp.MaxRequestsPerSecond)
	assert.Equal(t, 30*time.Second, config.ClickUp.RequestTimeout)
	assert.Equal(t, 100, config.ClickUp.PageSize)

	assert.Equal(t, time.Hour, config.Scheduler.QuotaCheckInterval)
	assert.Equal(t, 5*time.Minute, config.Scheduler.TrainingCheckInterval)
	assert.Equal(t, time.Hour, config.Scheduler.TrainingLookahead)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, "111222333", config.Discord.ApprovalChannelID)
	assert.Equal(t, "444555666", config.Discord.ContactChannelID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		config.API.CORS.AllowHeaders,
	)
	assert.Equal(t, 6*time.Hour, config.API.SessionMaxAge)
}
