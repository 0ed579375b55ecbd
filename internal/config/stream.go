package config

import "time"

// StreamConfig groups the tunables of the socket and flush loop.
type StreamConfig struct {
	ReconnectBaseInterval time.Duration
	MaxReconnectAttempts  int
	PingInterval          time.Duration
	FlushInterval         time.Duration
	FlushThreshold        int
}

var DefaultStreamConfig = StreamConfig{
	ReconnectBaseInterval: time.Second,
	MaxReconnectAttempts:  5,
	PingInterval:          25 * time.Second,
	FlushInterval:         50 * time.Millisecond,
	FlushThreshold:        512,
}

// GetStreamConfig reads the stream tunables from the environment.
func GetStreamConfig() StreamConfig {
	d := DefaultStreamConfig
	return StreamConfig{
		ReconnectBaseInterval: parseEnvDuration("RECONNECT_BASE_INTERVAL", d.ReconnectBaseInterval),
		MaxReconnectAttempts:  parseEnvInt("RECONNECT_MAX_ATTEMPTS", d.MaxReconnectAttempts),
		PingInterval:          parseEnvDuration("PING_INTERVAL", d.PingInterval),
		FlushInterval:         parseEnvDuration("FLUSH_INTERVAL", d.FlushInterval),
		FlushThreshold:        parseEnvInt("FLUSH_THRESHOLD", d.FlushThreshold),
	}
}
