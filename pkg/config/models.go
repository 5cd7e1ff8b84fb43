package config

import (
	"time"

	"github.com/a-essam23/livecore/pkg/pipeline"
)

type Config struct {
	Server      ServerConfig
	Transport   TransportConfig
	Events      map[string]EventConfig `mapstructure:"events"`
	Permissions []string               `mapstructure:"permissions"`
	Presence    PresenceConfig
	Aggregation AggregationConfig
	Editor      EditorConfig
	History     HistoryConfig
	Kafka       KafkaConfig
	AMQP        AMQPConfig `mapstructure:"amqp"`
	Log         LogConfig

	// Pipelines is filled by CompilePipelines from Events.
	Pipelines map[string]pipeline.Pipeline `mapstructure:"-"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	AllowedOrigins  []string              `mapstructure:"allowedOrigins"`
	ShutdownTimeout time.Duration         `mapstructure:"shutdownTimeout"`
}

type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwtSecret"`
	Issuer     string `mapstructure:"issuer"`
	Audience   string `mapstructure:"audience"`
	CookieName string `mapstructure:"cookieName"`
	// DefaultPolicy decides connects nothing else decided: "allow" or "deny".
	DefaultPolicy string        `mapstructure:"defaultPolicy"`
	VerifyTimeout time.Duration `mapstructure:"verifyTimeout"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout      time.Duration `mapstructure:"readTimeout"`
	WriteTimeout     time.Duration `mapstructure:"writeTimeout"`
	SendQueueSize    int           `mapstructure:"sendQueueSize"`
	ReadLimit        int64         `mapstructure:"readLimit"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeatTimeout"`
	SweepInterval    time.Duration `mapstructure:"sweepInterval"`
}

type EventConfig struct {
	Modifiers []ActionConfig `mapstructure:"modifiers"`
	Actions   []ActionConfig `mapstructure:"actions"`
}

type ActionConfig struct {
	Name   string   `mapstructure:"name"`
	Params []string `mapstructure:"params"`
}

type PresenceConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idleTimeout"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	Redis         RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration `mapstructure:"ttl"`
}

type AggregationConfig struct {
	DisableDefaults bool         `mapstructure:"disableDefaults"`
	Rules           []RuleConfig `mapstructure:"rules"`
}

type RuleConfig struct {
	ID          string        `mapstructure:"id"`
	EventTypes  []string      `mapstructure:"eventTypes"`
	KeyTemplate string        `mapstructure:"key"`
	Window      time.Duration `mapstructure:"window"`
	MaxEvents   int           `mapstructure:"maxEvents"`
	Reducer     string        `mapstructure:"reducer"`
}

type EditorConfig struct {
	ConflictMode string `mapstructure:"conflictMode"` // "lww" or "strict"
}

type HistoryConfig struct {
	Driver string // "memory" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string `mapstructure:"groupId"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 && k.Topic != "" }

type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string
}

func (a AMQPConfig) Enabled() bool { return a.URL != "" }

type LogConfig struct {
	Level  string
	Format string
}
