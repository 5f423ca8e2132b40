package assistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRuntimeConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	assert.False(t, cfg.Paused)
	assert.True(t, cfg.DiscordGatewayEnabled)
	assert.True(t, cfg.QuotaRemindersEnabled)
	assert.True(t, cfg.TrainingRemindersEnabled)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel.Level())
}

func TestRuntimeConfigUpdateValidate(t *testing.T) {
	t.Parallel()
	paused := true
	level := DBLogLevel("DEBUG")
	update := RuntimeConfigUpdate{Paused: &paused, LogLevel: &level}
	assert.NoError(t, update.validate())

	bad := DBLogLevel("LOUD")
	update.LogLevel = &bad
	assert.Error(t, update.validate())
}

func TestRuntimeConfigRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)

	gormDB, err := CreateDB(context.Background(), cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := gormDB.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	runtimeConfig := DefaultRuntimeConfig()
	runtimeConfig.DiscordCustomStatus = "tracking quotas"
	require.NoError(t, gormDB.Create(&runtimeConfig).Error)

	var loaded RuntimeConfig
	require.NoError(t, gormDB.Last(&loaded).Error)
	assert.Equal(t, "tracking quotas", loaded.DiscordCustomStatus)
	assert.Equal(t, slog.LevelInfo, loaded.SchedulerLogLevel.Level())
	assert.True(t, loaded.QuotaRemindersEnabled)
}

func TestRuntimeConfigUpdateAsMap(t *testing.T) {
	t.Parallel()

	// updates are applied by marshaling the payload and unmarshaling into
	// a column map, so nil fields must vanish entirely
	paused := true
	update := RuntimeConfigUpdate{Paused: &paused}
	data, err := json.Marshal(update)
	require.NoError(t, err)

	var columns map[string]any
	require.NoError(t, json.Unmarshal(data, &columns))
	assert.Equal(t, map[string]any{"paused": true}, columns)
}

func TestDiscordPresenceStatusUpdate(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	cfg.DiscordCustomStatus = "tracking quotas"
	update := getDiscordPresenceStatusUpdate(cfg)
	assert.Equal(t, "tracking quotas", update.Status)
	assert.False(t, update.AFK)

	cfg.Paused = true
	update = getDiscordPresenceStatusUpdate(cfg)
	assert.True(t, update.AFK)
	assert.Equal(t, "dnd", update.Status)
}
