// Package config reads Sentinel's runtime configuration from the
// environment. A .env file is honored when present so local development
// matches the container deployment.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Defaults that apply when the environment says nothing.
const (
	DefaultPort        = 8910
	DefaultRedisHost   = "localhost"
	DefaultRedisPort   = 6379
	DefaultConcurrency = 1
)

// Server holds dispatcher configuration. QueueInstances opts individual
// languages into the legacy multi-instance queue topology; absent entries
// use the uniform one-queue-per-language scheme.
type Server struct {
	Port              int
	LanguageConfigDir string
	QueueInstances    map[string]int
	Redis             Redis
}

// Worker holds executor-process configuration. Language is mandatory; a
// worker that does not know its language must not start.
type Worker struct {
	Language          string
	ExecutorID        string
	Concurrency       int
	LanguageConfigDir string
	Redis             Redis
}

// Redis holds broker connection settings.
type Redis struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Load reads an optional .env file into the process environment. Missing
// files are fine; real environments ship without one.
func Load() {
	_ = godotenv.Load()
}

// ServerFromEnv builds the dispatcher configuration.
func ServerFromEnv() Server {
	return Server{
		Port:              envInt("PORT", DefaultPort),
		LanguageConfigDir: envString("LANGUAGE_CONFIG_DIR", "configs/languages"),
		QueueInstances:    parseInstances(os.Getenv("EXECUTOR_INSTANCES")),
		Redis:             redisFromEnv(),
	}
}

// parseInstances reads "python=2,cpp=3" style topology declarations.
func parseInstances(raw string) map[string]int {
	out := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		name, count, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(count); err == nil && n > 1 {
			out[name] = n
		}
	}
	return out
}

// WorkerFromEnv builds the worker configuration. Validation of Language is
// left to the caller so it can log and exit on its own terms.
func WorkerFromEnv() Worker {
	return Worker{
		Language:          os.Getenv("LANGUAGE"),
		ExecutorID:        os.Getenv("EXECUTOR_ID"),
		Concurrency:       envInt("CONCURRENCY", DefaultConcurrency),
		LanguageConfigDir: envString("LANGUAGE_CONFIG_DIR", "configs/languages"),
		Redis:             redisFromEnv(),
	}
}

func redisFromEnv() Redis {
	return Redis{
		Host:     envString("REDIS_HOST", DefaultRedisHost),
		Port:     envInt("REDIS_PORT", DefaultRedisPort),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       envInt("REDIS_DB", 0),
	}
}

// WorkspaceRoot is where per-job workspaces are created.
func WorkspaceRoot() string {
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		return v
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(`C:\`, "temp", "code-execution")
	}
	return filepath.Join(os.TempDir(), "code-execution")
}

// CacheRoot is where compiled artifacts are published.
func CacheRoot() string {
	if v := os.Getenv("CACHE_ROOT"); v != "" {
		return v
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(`C:\`, "temp", "sentinel-cache")
	}
	return filepath.Join(os.TempDir(), "sentinel-cache")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
