// Package config parses the core's environment knobs into a single typed
// Config read once at startup.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-driven tunable the core reads at startup.
type Config struct {
	StreamPort                int
	DashboardPort             int
	SupervisorMode            bool
	SupervisorMaxRestarts     int
	SupervisorRestartWindow   time.Duration
	SupervisorShutdownTimeout time.Duration
	LogLevel                  string
	DBPath                    string
	DebugNoCleanup            bool

	TasksPath string
	LogDir    string

	ReconcileRetention time.Duration

	TitleProvider string
	TitleModel    string
}

// FromEnv reads Config from the process environment, applying the defaults
// documented below when a variable is unset or unparsable.
func FromEnv() Config {
	return Config{
		StreamPort:                envInt("STREAM_PORT", 47821),
		DashboardPort:             envInt("DASHBOARD_PORT", 5173),
		SupervisorMode:            envBool("SUPERVISOR_MODE", false),
		SupervisorMaxRestarts:     envInt("SUPERVISOR_MAX_RESTARTS", 10),
		SupervisorRestartWindow:   envDurationMs("SUPERVISOR_RESTART_WINDOW_MS", 60000),
		SupervisorShutdownTimeout: envDurationMs("SUPERVISOR_SHUTDOWN_TIMEOUT_MS", 30000),
		LogLevel:                  envString("LOG_LEVEL", "info"),
		DBPath:                    envString("DB_PATH", "./data/journal.db"),
		DebugNoCleanup:            envBool("DEBUG_NO_CLEANUP", false),

		TasksPath: envString("TASKS_PATH", "./tasks.json"),
		LogDir:    envString("LOG_DIR", "./logs"),

		ReconcileRetention: envDurationMs("RECONCILE_RETENTION_MS", 7*24*60*60*1000),

		TitleProvider: envString("TITLE_LLM_PROVIDER", ""),
		TitleModel:    envString("TITLE_LLM_MODEL", ""),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationMs(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}
