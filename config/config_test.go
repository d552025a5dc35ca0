package config

import (
	"testing"
	"time"

	"github.com/evertask/evertask/internal/models"
	"github.com/evertask/evertask/internal/queue"
	"github.com/evertask/evertask/internal/task"
	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 1000, cfg.ChannelCapacity)
	assert.Equal(t, queue.Wait, cfg.ChannelFullMode)
	assert.Equal(t, 4, cfg.MaxDegreeOfParallelism)
	assert.Equal(t, models.AuditFull, cfg.DefaultAuditLevel)
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("CHANNEL_FULL_MODE", "drop_oldest")
	t.Setenv("DEFAULT_AUDIT_LEVEL", "minimal")
	t.Setenv("RETRY_KIND", "exponential")

	cfg := Load()
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, queue.DropOldest, cfg.ChannelFullMode)
	assert.Equal(t, models.AuditMinimal, cfg.DefaultAuditLevel)
	assert.IsType(t, task.ExponentialRetry{}, cfg.RetryPolicy())
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-number")
	cfg := Load()
	assert.Equal(t, 8080, cfg.HTTPPort)
}

func TestRetryPolicy_None(t *testing.T) {
	cfg := Load()
	cfg.RetryKind = "none"
	assert.Equal(t, task.NoRetry{}, cfg.RetryPolicy())
}

func TestRetryPolicy_LinearDefault(t *testing.T) {
	cfg := Load()
	assert.IsType(t, task.LinearRetry{}, cfg.RetryPolicy())
}
