package config

import (
	"github.com/rs/zerolog/log"
)

const (
	HistoryBackendMemory = "memory"
	HistoryBackendRedis  = "redis"
)

// GetHistoryBackend selects the authoritative history store.
func GetHistoryBackend() string {
	value := GetEnvOrDefault("HISTORY_BACKEND", HistoryBackendMemory)
	if value != HistoryBackendMemory && value != HistoryBackendRedis {
		log.Warn().Str("backend", value).Msg("Unknown HISTORY_BACKEND, using memory")
		return HistoryBackendMemory
	}
	return value
}

// GetHistoryLimit caps how many persisted messages are pushed per update.
func GetHistoryLimit() int {
	return parseEnvInt("HISTORY_LIMIT", 50)
}

func GetRedisURL() string {
	value := GetEnvOrDefault("REDIS_URL", "")
	if value == "" {
		log.Warn().Msg("REDIS_URL environment variable not set")
	} else {
		log.Debug().Msg("Redis URL successfully loaded")
	}
	return value
}

func GetRedisPassword() string {
	return GetEnvOrDefault("REDIS_PASSWORD", "")
}
