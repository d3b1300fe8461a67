package session

import (
	"time"

	"sshdeck/internal/config"
)

// Settings tunes every session a Manager creates.
type Settings struct {
	BufferSize    int
	FlushInterval time.Duration
	CommandDelay  time.Duration
	MaxQueue      int
	MaxRetries    int
	BackoffBase   time.Duration
	MaxReadSize   int64
}

// DefaultSettings mirrors the config defaults.
func DefaultSettings() Settings {
	return SettingsFromConfig(config.Default().Session)
}

func SettingsFromConfig(c config.SessionConfig) Settings {
	return Settings{
		BufferSize:    c.OutputBufferSize,
		FlushInterval: c.OutputFlushInterval,
		CommandDelay:  c.CommandDelay,
		MaxQueue:      c.MaxCommandQueue,
		MaxRetries:    c.ReconnectMaxRetries,
		BackoffBase:   c.ReconnectBackoffBase,
		MaxReadSize:   c.MaxFileSizeEditor,
	}
}
