//nolint:lll // struct tags can't be split
package assistant

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix     = "ASSISTANT_ENV_PREFIX"
	DefaultEnvPrefix       = "SA"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "assistant.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DiscordSlashCommandCheck    = "check"
	DiscordSlashCommandCreate   = "create"
	DiscordSlashCommandSettings = "settings"
	DiscordSlashCommandReview   = "review"
	DiscordSlashCommandContact  = "contact"

	DefaultDiscordGatewayIntent  = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordErrorMessage   = "sorry, something went wrong!"
	DefaultDiscordCustomStatus   = "/check your quota!"
	DefaultDiscordStartupMessage = "I'm here!"
	discordMaxMessageLength      = 2000

	DefaultClickUpBaseURL              = "https://api.clickup.com/api/v2"
	DefaultClickUpMaxRequestsPerSecond = 2
	DefaultClickUpRequestTimeout       = 30 * time.Second
	DefaultClickUpLogLevel             = slog.LevelInfo
	DefaultClickUpPageSize             = 100

	DefaultQuotaCheckInterval    = 24 * time.Hour
	DefaultTrainingCheckInterval = 15 * time.Minute
	DefaultTrainingLookahead     = 25 * time.Hour
	DefaultSchedulerLogLevel     = slog.LevelInfo

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultTLSMinVersion           = tls.VersionTLS12
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultRuntimeConfigTTL = 5 * time.Minute
	DefaultProfileCacheTTL  = time.Hour
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
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
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// ClickUp holds the configuration for the ClickUp integration
	ClickUp *ClickUpConfig `yaml:"clickup" mapstructure:"clickup" json:"clickup"`

	// Scheduler configures the quota and training reminder timers
	Scheduler *SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler" json:"scheduler"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets the time-to-live for the RuntimeConfig cache.
	// By default, RuntimeConfig is loaded on start, and refreshed with each
	// update. If this TTL is set above 0, the config will be refreshed from
	// the database at least every TTL duration.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	// ProfileCacheTTL sets the time-to-live for the UserProfile cache. By
	// default, all [UserProfile] entries are loaded on startup, and
	// new/updated entries are added/updated as needed. If this TTL is set
	// above 0, the cache will be refreshed from the database at least every
	// TTL duration.
	ProfileCacheTTL time.Duration `yaml:"profile_cache_ttl" mapstructure:"profile_cache_ttl" json:"profile_cache_ttl"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// ClickUpConfig configures ClickUp API access and the per-department
// task lists the bot reads quota data from.
//
//nolint:lll // can't break tags
type ClickUpConfig struct {
	// ClickUp personal API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// ClickUp workspace (team) ID, used for member lookups
	TeamID string `yaml:"team_id" mapstructure:"team_id" json:"team_id" binding:"required"`

	// Base API URL. Only overridden in tests.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// ClickUp base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Client-side request rate limit
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// Per-request timeout
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout"`

	// Number of tasks requested per page
	PageSize int `yaml:"page_size" mapstructure:"page_size" json:"page_size"`

	// Departments maps a department name (driving, dispatching, guarding,
	// signalling) to its ClickUp list and training template task
	Departments map[string]DepartmentConfig `yaml:"departments" mapstructure:"departments" json:"departments"`
}

// DepartmentConfig identifies a department's ClickUp list and the template
// task copied by the create command.
type DepartmentConfig struct {
	ListID     string `yaml:"list_id" mapstructure:"list_id" json:"list_id" binding:"required"`
	TemplateID string `yaml:"template_id" mapstructure:"template_id" json:"template_id"`
}

// SchedulerConfig configures the background reminder timers.
type SchedulerConfig struct {
	// Log level for the reminder timers
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Interval between quota reminder evaluations
	QuotaCheckInterval time.Duration `yaml:"quota_check_interval" mapstructure:"quota_check_interval" json:"quota_check_interval"`

	// Interval between upcoming-training evaluations
	TrainingCheckInterval time.Duration `yaml:"training_check_interval" mapstructure:"training_check_interval" json:"training_check_interval"`

	// How far ahead the training timer looks for upcoming sessions
	TrainingLookahead time.Duration `yaml:"training_lookahead" mapstructure:"training_lookahead" json:"training_lookahead"`
}

func validateSchedulerConfig(field reflect.Value) any {
	if value, ok := field.Interface().(SchedulerConfig); ok {
		if value.QuotaCheckInterval <= 0 {
			return "quota_check_interval must be > 0"
		}
		if value.TrainingCheckInterval <= 0 {
			return "training_check_interval must be > 0"
		}
		if value.TrainingLookahead <= 0 {
			return "training_lookahead must be > 0"
		}
	}
	return nil
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

	// ApprovalChannelID is the staff channel where pending settings changes
	// are posted for review
	ApprovalChannelID string `yaml:"approval_channel_id" mapstructure:"approval_channel_id" json:"approval_channel_id"`

	// ContactChannelID is the staff channel the contact command relays to
	ContactChannelID string `yaml:"contact_channel_id" mapstructure:"contact_channel_id" json:"contact_channel_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If specified, and [RuntimeConfig.NotificationChannelID] is set, the bot
	// will send the specified message to that channel ID whenever it connects
	// to the discord gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message" binding:"required"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"  binding:"required_if=Enabled true,min=10m,max=24h"`

	// If true, the SameSite attribute of the session cookie will be set to 'None'
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
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	clickupLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	schedulerLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	clickupLogLevel.Set(DefaultClickUpLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	schedulerLogLevel.Set(DefaultSchedulerLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		ProfileCacheTTL:       DefaultProfileCacheTTL,
		ClickUp: &ClickUpConfig{
			BaseURL:              DefaultClickUpBaseURL,
			LogLevel:             clickupLogLevel,
			MaxRequestsPerSecond: DefaultClickUpMaxRequestsPerSecond,
			RequestTimeout:       DefaultClickUpRequestTimeout,
			PageSize:             DefaultClickUpPageSize,
			Departments:          map[string]DepartmentConfig{},
		},
		Scheduler: &SchedulerConfig{
			LogLevel:              schedulerLogLevel,
			QuotaCheckInterval:    DefaultQuotaCheckInterval,
			TrainingCheckInterval: DefaultTrainingCheckInterval,
			TrainingLookahead:     DefaultTrainingLookahead,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultTLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
