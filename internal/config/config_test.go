package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "REDIS_HOST", "REDIS_PORT", "LANGUAGE_CONFIG_DIR", "EXECUTOR_INSTANCES"} {
		t.Setenv(key, "")
	}

	cfg := ServerFromEnv()
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "configs/languages", cfg.LanguageConfigDir)
	assert.Equal(t, DefaultRedisHost, cfg.Redis.Host)
	assert.Equal(t, DefaultRedisPort, cfg.Redis.Port)
}

func TestServerFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("EXECUTOR_INSTANCES", "python=2, cpp=3")

	cfg := ServerFromEnv()
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, map[string]int{"python": 2, "cpp": 3}, cfg.QueueInstances)
}

func TestWorkerFromEnv(t *testing.T) {
	t.Setenv("LANGUAGE", "python")
	t.Setenv("EXECUTOR_ID", "2")
	t.Setenv("CONCURRENCY", "4")

	cfg := WorkerFromEnv()
	assert.Equal(t, "python", cfg.Language)
	assert.Equal(t, "2", cfg.ExecutorID)
	assert.Equal(t, 4, cfg.Concurrency)
}

func TestParseInstances(t *testing.T) {
	assert.Empty(t, parseInstances(""))
	assert.Empty(t, parseInstances("python"))
	assert.Empty(t, parseInstances("python=1")) // single instance is the uniform scheme
	assert.Equal(t, map[string]int{"java": 2}, parseInstances("java=2,bogus=x"))
}

func TestInvalidIntFallsBack(t *testing.T) {
	t.Setenv("CONCURRENCY", "lots")
	cfg := WorkerFromEnv()
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
}
