package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/loopcast/internal/log"
)

const envPrefix = "LOOPCAST_"

func (l *Loader) mergeEnv(cfg *Config) {
	logger := log.WithComponent("config")

	cfg.LogLevel = l.envString(logger, "LOG_LEVEL", cfg.LogLevel)
	cfg.ServeIP = l.envString(logger, "SERVE_IP", cfg.ServeIP)
	cfg.PortMin = l.envInt(logger, "PORT_MIN", cfg.PortMin)
	cfg.PortMax = l.envInt(logger, "PORT_MAX", cfg.PortMax)
	cfg.StagingRoot = l.envString(logger, "STAGING_ROOT", cfg.StagingRoot)
	cfg.MetricsAddr = l.envString(logger, "METRICS_ADDR", cfg.MetricsAddr)
	cfg.Discovery.Interval = l.envDuration(logger, "DISCOVERY_INTERVAL", cfg.Discovery.Interval)
	cfg.Monitor.Variant = strings.ToLower(l.envString(logger, "MONITOR_VARIANT", cfg.Monitor.Variant))
}

func (l *Loader) envString(logger zerolog.Logger, key, current string) string {
	key = envPrefix + key
	value, ok := l.lookupEnv(key)
	if !ok || value == "" {
		return current
	}
	logger.Debug().Str("key", key).Str("value", value).Str("source", "environment").Msg("using environment variable")
	return value
}

// envInt keeps the current value when the variable does not parse.
func (l *Loader) envInt(logger zerolog.Logger, key string, current int) int {
	key = envPrefix + key
	value, ok := l.lookupEnv(key)
	if !ok || value == "" {
		return current
	}
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		logger.Warn().Str("key", key).Str("value", value).Int("fallback", current).Err(err).Msg("invalid integer in environment variable, using fallback")
		return current
	}
	logger.Debug().Str("key", key).Int("value", i).Str("source", "environment").Msg("using environment variable")
	return i
}

func (l *Loader) envDuration(logger zerolog.Logger, key string, current time.Duration) time.Duration {
	key = envPrefix + key
	value, ok := l.lookupEnv(key)
	if !ok || value == "" {
		return current
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		logger.Warn().Str("key", key).Str("value", value).Dur("fallback", current).Err(err).Msg("invalid duration in environment variable, using fallback")
		return current
	}
	logger.Debug().Str("key", key).Dur("value", d).Str("source", "environment").Msg("using environment variable")
	return d
}
