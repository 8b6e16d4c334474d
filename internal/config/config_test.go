package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Automation.DryRun, "dry run must default to off")
	assert.Equal(t, 5*time.Second, cfg.Automation.ActionTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "brandops", cfg.Monitoring.Tracing.ServiceName)
	assert.True(t, cfg.Security.RateLimiting.Enabled)
	assert.False(t, cfg.Monitoring.Tracing.Enabled, "tracing is opt-in")
}

func TestLoadReadsViperState(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	viper.Set("server.port", 9090)
	viper.Set("automation.dryrun", true)
	viper.Set("log.level", "debug")

	cfg := Load()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Automation.DryRun)
	assert.Equal(t, "debug", cfg.Log.Level)
}
