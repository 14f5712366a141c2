package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

const EnvPrefix = "ISEGORIA"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.readHeaderTimeout", "10s")
	v.SetDefault("server.shutdownTimeout", "15s")
	v.SetDefault("server.connectionLimit.maxPerIP", 20)
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("transport.readTimeout", "90s")
	v.SetDefault("transport.writeTimeout", "5s")
	v.SetDefault("transport.sendBuffer", 64)
	v.SetDefault("transport.maxFrameBytes", 64*1024)

	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("heartbeat.maxMissed", 2)

	v.SetDefault("ratelimit.window", "60s")
	v.SetDefault("ratelimit.minInterval", "1s")
	v.SetDefault("ratelimit.maxPerWindow", 10)

	v.SetDefault("messages.historySize", 20)
	v.SetDefault("messages.maxBodyRunes", 500)

	v.SetDefault("upload.maxBytes", 5*1024*1024)

	v.SetDefault("session.tokenLength", 32)
	v.SetDefault("session.hashCost", bcrypt.DefaultCost)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	setDefaults(v)

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	} else {
		logger.Info("Config file loaded", slog.String("file", v.ConfigFileUsed()))
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := []struct {
		key string
		val int64
	}{
		{"transport.sendBuffer", int64(c.Transport.SendBuffer)},
		{"transport.maxFrameBytes", c.Transport.MaxFrameBytes},
		{"heartbeat.maxMissed", int64(c.Heartbeat.MaxMissed)},
		{"ratelimit.maxPerWindow", int64(c.RateLimit.MaxPerWindow)},
		{"messages.historySize", int64(c.Messages.HistorySize)},
		{"messages.maxBodyRunes", int64(c.Messages.MaxBodyRunes)},
		{"upload.maxBytes", c.Upload.MaxBytes},
		{"server.readHeaderTimeout", int64(c.Server.ReadHeaderTimeout)},
		{"server.shutdownTimeout", int64(c.Server.ShutdownTimeout)},
		{"transport.writeTimeout", int64(c.Transport.WriteTimeout)},
		{"heartbeat.interval", int64(c.Heartbeat.Interval)},
		{"ratelimit.window", int64(c.RateLimit.Window)},
	}
	for _, p := range positive {
		if p.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.key))
		}
	}
	if c.RateLimit.MinInterval < 0 {
		errs = append(errs, errors.New("ratelimit.minInterval must not be negative"))
	}
	if c.Transport.ReadTimeout < 0 {
		errs = append(errs, errors.New("transport.readTimeout must not be negative"))
	}
	if c.Server.ConnectionLimit.MaxPerIP < 0 {
		errs = append(errs, errors.New("server.connectionLimit.maxPerIP must not be negative"))
	}
	// bcrypt only looks at the first 72 bytes.
	if c.Session.TokenLength < 21 || c.Session.TokenLength > 72 {
		errs = append(errs, errors.New("session.tokenLength must be between 21 and 72"))
	}
	if c.Session.HashCost < bcrypt.MinCost || c.Session.HashCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("session.hashCost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
