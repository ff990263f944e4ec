package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Server        ServerConfig       `mapstructure:"server"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Tokens        TokenConfig        `mapstructure:"tokens"`
	Payments      PaymentConfig      `mapstructure:"payments"`
	Renderer      RendererConfig     `mapstructure:"renderer"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Sweep         SweepConfig        `mapstructure:"sweep"`
	Audit         AuditConfig        `mapstructure:"audit"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	ListenAddress  string `mapstructure:"listen_address"`
	MetricsAddress string `mapstructure:"metrics_address"`
	// PublicBaseURL is the externally reachable prefix embedded in
	// token-bearing links sent to applicants.
	PublicBaseURL   string `mapstructure:"public_base_url"`
	ReadTimeout     int    `mapstructure:"read_timeout"`     // milliseconds
	WriteTimeout    int    `mapstructure:"write_timeout"`    // milliseconds
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string.
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ElasticsearchConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

// TokenConfig controls public-token lifetimes. MaxTTL is a hard clamp:
// no token may outlive it regardless of the requested lifetime.
type TokenConfig struct {
	ViewTTL    int `mapstructure:"view_ttl"`    // minutes
	AcceptTTL  int `mapstructure:"accept_ttl"`  // minutes
	PaymentTTL int `mapstructure:"payment_ttl"` // minutes
	MaxTTL     int `mapstructure:"max_ttl"`     // minutes
	CacheTTL   int `mapstructure:"cache_ttl"`   // seconds, redis read cache
}

type PaymentConfig struct {
	GatewayBaseURL string `mapstructure:"gateway_base_url"`
	APIKey         string `mapstructure:"api_key"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
	EntryFeeCents  int64  `mapstructure:"entry_fee_cents"`
	Currency       string `mapstructure:"currency"`
	Timeout        int    `mapstructure:"timeout"` // milliseconds
}

type RendererConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Timeout int    `mapstructure:"timeout"` // milliseconds
}

// NotificationConfig holds settings for the notification dispatcher.
type NotificationConfig struct {
	Email struct {
		Enabled   bool   `mapstructure:"enabled"`
		FromEmail string `mapstructure:"from_email"`
	} `mapstructure:"email"`
	SMS struct {
		Enabled           bool   `mapstructure:"enabled"`
		PriorityThreshold string `mapstructure:"priority_threshold"`
	} `mapstructure:"sms"`
	AWS struct {
		Region string `mapstructure:"region"`
	} `mapstructure:"aws"`
}

type SweepConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	Interval  int  `mapstructure:"interval"` // milliseconds
	BatchSize int  `mapstructure:"batch_size"`
}

type AuditConfig struct {
	Index string `mapstructure:"index"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
