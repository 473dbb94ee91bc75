package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/richardliu001/mpesa-ledger/internal/limits"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Log       LogConfig       `yaml:"log"`
	Limits    LimitsConfig    `yaml:"limits"`
	MPesa     MPesaConfig     `yaml:"mpesa"`
	SMS       SMSConfig       `yaml:"sms"`
	Sweep     SweepConfig     `yaml:"sweep"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn" env:"DATABASE_URL"`
	Password string `yaml:"-" env:"POSTGRES_PASSWORD"`
}

// ConnString returns the DSN with the password from the environment appended.
func (p PostgresConfig) ConnString() string {
	if p.Password == "" {
		return p.DSN
	}
	return p.DSN + " password=" + p.Password
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// LimitsConfig holds withdrawal limits. Amounts are decimal strings so that
// no precision is lost between the file and the ledger.
type LimitsConfig struct {
	MinAmount        string        `yaml:"min_amount"`
	MaxDailyAmount   string        `yaml:"max_daily_amount"`
	MaxMonthlyAmount string        `yaml:"max_monthly_amount"`
	Cooldown         time.Duration `yaml:"cooldown"`
	DailyWindow      time.Duration `yaml:"daily_window"`
	MonthlyWindow    time.Duration `yaml:"monthly_window"`
}

// Policy converts the file representation into limits.Config.
func (l LimitsConfig) Policy() (limits.Config, error) {
	out := limits.DefaultConfig()
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"min_amount", l.MinAmount, &out.MinAmount},
		{"max_daily_amount", l.MaxDailyAmount, &out.MaxDailyAmount},
		{"max_monthly_amount", l.MaxMonthlyAmount, &out.MaxMonthlyAmount},
	} {
		if f.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return limits.Config{}, fmt.Errorf("limits.%s: %w", f.name, err)
		}
		*f.dst = v
	}
	if l.Cooldown > 0 {
		out.Cooldown = l.Cooldown
	}
	if l.DailyWindow > 0 {
		out.DailyWindow = l.DailyWindow
	}
	if l.MonthlyWindow > 0 {
		out.MonthlyWindow = l.MonthlyWindow
	}
	if err := out.Validate(); err != nil {
		return limits.Config{}, err
	}
	return out, nil
}

type MPesaConfig struct {
	BaseURL           string        `yaml:"base_url"`
	ConsumerKey       string        `yaml:"-" env:"MPESA_CONSUMER_KEY"`
	ConsumerSecret    string        `yaml:"-" env:"MPESA_CONSUMER_SECRET"`
	BusinessShortCode string        `yaml:"business_shortcode" env:"MPESA_BUSINESS_SHORTCODE"`
	Passkey           string        `yaml:"-" env:"MPESA_PASSKEY"`
	CallbackURL       string        `yaml:"callback_url" env:"MPESA_CALLBACK_URL"`
	Timeout           time.Duration `yaml:"timeout"`
	RPS               float64       `yaml:"rps"`
	Burst             int           `yaml:"burst"`
}

type SMSConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Username string        `yaml:"username" env:"SMS_USERNAME"`
	APIKey   string        `yaml:"-" env:"SMS_API_KEY"`
	SenderID string        `yaml:"sender_id" env:"SMS_SENDER_ID"`
	Timeout  time.Duration `yaml:"timeout"`
}

type SweepConfig struct {
	// Schedule is a six-field cron expression (seconds first).
	Schedule       string        `yaml:"schedule"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	BatchSize      int           `yaml:"batch_size"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	OutboxInterval time.Duration `yaml:"outbox_interval"`
}

// Load reads yaml file, then applies environment overrides for secrets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return Parse(data)
}

// Parse decodes a yaml document and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Parse: yaml: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config.Parse: env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Parse: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.MPesa.BaseURL == "" {
		c.MPesa.BaseURL = "https://sandbox.safaricom.co.ke"
	}
	if c.MPesa.Timeout == 0 {
		c.MPesa.Timeout = 10 * time.Second
	}
	if c.MPesa.RPS == 0 {
		c.MPesa.RPS = 5
	}
	if c.MPesa.Burst == 0 {
		c.MPesa.Burst = 10
	}
	if c.SMS.BaseURL == "" {
		c.SMS.BaseURL = "https://api.africastalking.com"
	}
	if c.SMS.Timeout == 0 {
		c.SMS.Timeout = 5 * time.Second
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "0 */5 * * * *"
	}
	if c.Sweep.PendingTimeout == 0 {
		c.Sweep.PendingTimeout = 30 * time.Minute
	}
	if c.Sweep.BatchSize == 0 {
		c.Sweep.BatchSize = 100
	}
	if c.Sweep.JobTimeout == 0 {
		c.Sweep.JobTimeout = 2 * time.Minute
	}
	if c.Sweep.OutboxInterval == 0 {
		c.Sweep.OutboxInterval = time.Second
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if c.MPesa.CallbackURL == "" {
		errs = append(errs, errors.New("mpesa.callback_url is required"))
	}
	if _, err := c.Limits.Policy(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
