// Package config loads the engine's environment-driven configuration,
// the way the teacher's internal/app.LoadConfig / internal/utils.GetEnv
// do: every option has a sane default and a logged fallback.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ridgeline-systems/jqm/internal/platform/logger"
)

type Config struct {
	DBDriver string // postgres | mysql | sqlite
	DBDSN    string

	NodeName     string
	NodeRepoPath string
	NodeTmpPath  string

	PollIntervalMsDefault int
	MaxConcurrentDefault  int
	DrainTimeout          time.Duration
	RestartOnCrash        bool
	MaxMessageChars       int
}

func Load(log *logger.Logger) Config {
	return Config{
		DBDriver:              GetEnv("JQM_DB_DRIVER", "postgres", log),
		DBDSN:                 GetEnv("JQM_DB_DSN", "", log),
		NodeName:              GetEnv("JQM_NODE_NAME", "node-1", log),
		NodeRepoPath:          GetEnv("JQM_NODE_REPO_PATH", "./data/repo", log),
		NodeTmpPath:           GetEnv("JQM_NODE_TMP_PATH", "./data/tmp", log),
		PollIntervalMsDefault: GetEnvAsInt("JQM_POLL_INTERVAL_MS_DEFAULT", 1000, log),
		MaxConcurrentDefault:  GetEnvAsInt("JQM_MAX_CONCURRENT_DEFAULT", 4, log),
		DrainTimeout:          time.Duration(GetEnvAsInt("JQM_DRAIN_TIMEOUT_MS", 30000, log)) * time.Millisecond,
		RestartOnCrash:        GetEnvAsBool("JQM_RESTART_ON_CRASH", true, log),
		MaxMessageChars:       GetEnvAsInt("JQM_MAX_MESSAGE_CHARS", 1000, log),
	}
}

func GetEnv(key, def string, log *logger.Logger) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		if log != nil {
			log.Debug("env var not set, using default", "key", key, "default", def)
		}
		return def
	}
	return v
}

func GetEnvAsInt(key string, def int, log *logger.Logger) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if log != nil {
			log.Warn("invalid int env var, using default", "key", key, "value", v, "default", def)
		}
		return def
	}
	return n
}

func GetEnvAsBool(key string, def bool, log *logger.Logger) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if log != nil {
			log.Warn("invalid bool env var, using default", "key", key, "value", v, "default", def)
		}
		return def
	}
	return b
}
