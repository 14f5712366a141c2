package config

import "time"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Messages  MessagesConfig  `mapstructure:"messages"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Session   SessionConfig   `mapstructure:"session"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Address           string                `mapstructure:"address"`
	ReadHeaderTimeout time.Duration         `mapstructure:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration         `mapstructure:"shutdownTimeout"`
	ConnectionLimit   ConnectionLimitConfig `mapstructure:"connectionLimit"`
	// "*" disables the websocket origin check.
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int `mapstructure:"maxPerIP"` // 0 disables the limit
}

type TransportConfig struct {
	ReadTimeout   time.Duration `mapstructure:"readTimeout"`
	WriteTimeout  time.Duration `mapstructure:"writeTimeout"`
	SendBuffer    int           `mapstructure:"sendBuffer"`
	MaxFrameBytes int64         `mapstructure:"maxFrameBytes"`
}

type HeartbeatConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	MaxMissed int           `mapstructure:"maxMissed"`
}

type RateLimitConfig struct {
	Window       time.Duration `mapstructure:"window"`
	MinInterval  time.Duration `mapstructure:"minInterval"`
	MaxPerWindow int           `mapstructure:"maxPerWindow"`
}

type MessagesConfig struct {
	HistorySize  int `mapstructure:"historySize"`
	MaxBodyRunes int `mapstructure:"maxBodyRunes"`
}

type UploadConfig struct {
	MaxBytes int64 `mapstructure:"maxBytes"`
}

type SessionConfig struct {
	TokenLength int `mapstructure:"tokenLength"`
	HashCost    int `mapstructure:"hashCost"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}
