package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/a-essam23/livecore/pkg/collab"
	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables. The file is
// looked up in searchPaths, or the working directory when none are given.
func Load(logger *slog.Logger, fileName string, searchPaths ...string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.auth.cookieName", "session-token")
	v.SetDefault("server.auth.defaultPolicy", "allow")
	v.SetDefault("server.auth.verifyTimeout", "5s")
	v.SetDefault("server.connectionLimit.maxPerUser", 0)
	v.SetDefault("server.connectionLimit.mode", "reject")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.sendQueueSize", 256)
	v.SetDefault("transport.readLimit", 1<<20)
	v.SetDefault("transport.heartbeatTimeout", "60s")
	v.SetDefault("transport.sweepInterval", "15s")
	v.SetDefault("presence.idleTimeout", "5m")
	v.SetDefault("presence.sweepInterval", "30s")
	v.SetDefault("presence.redis.addr", "")
	v.SetDefault("presence.redis.ttl", "10m")
	v.SetDefault("editor.conflictMode", string(collab.ModeLWW))
	v.SetDefault("history.driver", "memory")
	v.SetDefault("history.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "")
	v.SetDefault("kafka.groupId", "livecore")
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "livecore.events")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	if len(searchPaths) == 0 {
		searchPaths = []string{"."} // look for config in the working directory
	}
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	// 3. Set up environment variable handling
	v.SetEnvPrefix("LIVECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Events = withDefaultEvents(cfg.Events)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("Configuration loaded",
		slog.Int("events", len(cfg.Events)),
		slog.Int("permissions", len(cfg.Permissions)),
		slog.Int("aggregationRules", len(cfg.Aggregation.Rules)),
	)
	return &cfg, nil
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	switch c.Server.Auth.DefaultPolicy {
	case "allow", "deny":
	default:
		return fmt.Errorf("server.auth.defaultPolicy must be 'allow' or 'deny', got '%s'", c.Server.Auth.DefaultPolicy)
	}
	switch c.Server.ConnectionLimit.Mode {
	case "reject", "cycle":
	default:
		return fmt.Errorf("server.connectionLimit.mode must be 'reject' or 'cycle', got '%s'", c.Server.ConnectionLimit.Mode)
	}
	switch collab.Mode(c.Editor.ConflictMode) {
	case collab.ModeLWW, collab.ModeStrict:
	default:
		return fmt.Errorf("editor.conflictMode must be 'lww' or 'strict', got '%s'", c.Editor.ConflictMode)
	}
	switch c.History.Driver {
	case "memory":
	case "postgres":
		if c.History.DSN == "" {
			return errors.New("history.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("history.driver must be 'memory' or 'postgres', got '%s'", c.History.Driver)
	}
	if _, err := NewCatalog(c.Permissions); err != nil {
		return err
	}
	return nil
}
