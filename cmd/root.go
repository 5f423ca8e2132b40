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

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/roboticgit/Supervisors-Assistant/assistant"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = assistant.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "supervisors-assistant [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

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

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
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
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", assistant.DefaultDatabase)
	viper.SetDefault("database_type", assistant.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		assistant.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		assistant.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("runtime_config_ttl", assistant.DefaultRuntimeConfigTTL)
	viper.SetDefault("profile_cache_ttl", assistant.DefaultProfileCacheTTL)

	viper.SetDefault("log_level", assistant.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", assistant.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", assistant.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", assistant.DefaultShutdownTimeout)

	// ClickUp config
	viper.SetDefault("clickup.token", "")
	viper.SetDefault("clickup.team_id", "")
	viper.SetDefault("clickup.base_url", assistant.DefaultClickUpBaseURL)
	viper.SetDefault(
		"clickup.log_level",
		assistant.DefaultClickUpLogLevel.String(),
	)
	viper.SetDefault(
		"clickup.max_requests_per_second",
		assistant.DefaultClickUpMaxRequestsPerSecond,
	)
	viper.SetDefault(
		"clickup.request_timeout",
		assistant.DefaultClickUpRequestTimeout,
	)
	viper.SetDefault("clickup.page_size", assistant.DefaultClickUpPageSize)

	// Scheduler config
	viper.SetDefault(
		"scheduler.log_level",
		assistant.DefaultSchedulerLogLevel.String(),
	)
	viper.SetDefault(
		"scheduler.quota_check_interval",
		assistant.DefaultQuotaCheckInterval,
	)
	viper.SetDefault(
		"scheduler.training_check_interval",
		assistant.DefaultTrainingCheckInterval,
	)
	viper.SetDefault(
		"scheduler.training_lookahead",
		assistant.DefaultTrainingLookahead,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.approval_channel_id", "")
	viper.SetDefault("discord.contact_channel_id", "")
	viper.SetDefault(
		"discord.log_level",
		assistant.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		assistant.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		assistant.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", assistant.DefaultDiscordStartupMessage)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", assistant.DefaultAPIListen)
	viper.SetDefault("api.secret", "")

	viper.SetDefault(
		"api.session_max_age",
		assistant.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", assistant.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		assistant.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", assistant.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", assistant.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		assistant.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		assistant.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		assistant.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", assistant.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		assistant.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(assistant.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = assistant.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"clickup.log_level",
		"scheduler.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
