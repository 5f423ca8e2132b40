package assistant

import (
	"github.com/bwmarrin/discordgo"
	"log/slog"
)

var (
	columnRuntimeConfigAdminUsername         = "admin_username"
	columnRuntimeConfigAdminPassword         = "admin_password"
	columnRuntimeConfigPaused                = "paused"
	columnRuntimeConfigNotificationChannelID = "discord_notification_channel_id"
)

// RuntimeConfig stores settings that can be modified while the bot is
// running, and persisted across restarts. This is the 'live' application
// state - things like being paused, or having the reminder timers disabled,
// survive a restart.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused. While paused,
	// slash commands receive a short notice instead of being executed, and
	// the reminder timers don't send anything.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// Opens a discord gateway websocket connection. Slash commands and
	// reminder DMs both need this - disabling it leaves only the API running.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// NotificationChannelID, if set, receives a startup message whenever
	// the gateway connects.
	NotificationChannelID string `json:"discord_notification_channel_id" gorm:"column:discord_notification_channel_id;type:string"`

	// QuotaRemindersEnabled toggles the daily quota reminder timer.
	QuotaRemindersEnabled bool `json:"quota_reminders_enabled" gorm:"not null;default:true"`

	// TrainingRemindersEnabled toggles the upcoming-training reminder timer.
	TrainingRemindersEnabled bool `json:"training_reminders_enabled" gorm:"not null;default:true"`

	// AdminUsername for the web UI
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// ClickUpLogLevel is the logging level for ClickUp-related operations.
	ClickUpLogLevel DBLogLevel `gorm:"default:INFO;column:clickup_log_level;type:string;check:clickup_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"clickup_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// SchedulerLogLevel is the logging level for the reminder timers.
	SchedulerLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:scheduler_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"scheduler_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordGatewayEnabled:    true,
		DiscordCustomStatus:      DefaultDiscordCustomStatus,
		QuotaRemindersEnabled:    true,
		TrainingRemindersEnabled: true,
		LogLevel:                 DBLogLevel(slog.LevelInfo.String()),
		ClickUpLogLevel:          DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:          DBLogLevel(slog.LevelInfo.String()),
		DiscordGoLogLevel:        DBLogLevel(slog.LevelInfo.String()),
		DatabaseLogLevel:         DBLogLevel(slog.LevelInfo.String()),
		SchedulerLogLevel:        DBLogLevel(slog.LevelInfo.String()),
		APILogLevel:              DBLogLevel(slog.LevelInfo.String()),
	}
}

// RuntimeConfigUpdate is the admin API payload for updating [RuntimeConfig].
// Nil fields are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused *bool `json:"paused,omitempty"`

	DiscordGatewayEnabled *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus   *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	NotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`

	QuotaRemindersEnabled    *bool `json:"quota_reminders_enabled,omitempty"`
	TrainingRemindersEnabled *bool `json:"training_reminders_enabled,omitempty"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	ClickUpLogLevel   *DBLogLevel `json:"clickup_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	SchedulerLogLevel *DBLogLevel `json:"scheduler_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}
