package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ksred/klear-queue/internal/calendar"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the order queue service.
type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Market    Market    `yaml:"market"`
	Scheduler Scheduler `yaml:"scheduler"`
	Notify    Notify    `yaml:"notify"`
	Auth      Auth      `yaml:"auth"`
	Logging   Logging   `yaml:"logging"`
}

type Server struct {
	Port int `yaml:"port"`
}

// Database selects the gorm dialector. Driver is "sqlite" or "postgres".
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Market is the trading calendar. Times are "HH:MM" in Timezone.
type Market struct {
	Timezone string   `yaml:"timezone"`
	Open     string   `yaml:"open"`
	Close    string   `yaml:"close"`
	Weekdays []string `yaml:"weekdays"`
}

type Scheduler struct {
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	SettlementTimeout time.Duration `yaml:"settlement_timeout"`
	Autostart         bool          `yaml:"autostart"`
}

// Notify configures the optional outbound sinks. Notifications are always
// stored in the database inbox and logged.
type Notify struct {
	Kafka Kafka `yaml:"kafka"`
	Redis Redis `yaml:"redis"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Redis struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Auth holds the JWT secret and the static API credentials. Operators may
// call the internal scheduler routes.
type Auth struct {
	JWTSecret string          `yaml:"jwt_secret"`
	TokenTTL  time.Duration   `yaml:"token_ttl"`
	Clients   []APICredential `yaml:"clients"`
}

type APICredential struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Operator  bool   `yaml:"operator"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Defaults returns a configuration that runs locally against SQLite with the
// NSE session (09:15-15:30 IST, Monday to Friday).
func Defaults() *Config {
	return &Config{
		Server:   Server{Port: 8080},
		Database: Database{Driver: "sqlite", DSN: "klear.db"},
		Market: Market{
			Timezone: "Asia/Kolkata",
			Open:     "09:15",
			Close:    "15:30",
			Weekdays: []string{"mon", "tue", "wed", "thu", "fri"},
		},
		Scheduler: Scheduler{
			SweepInterval:     time.Minute,
			SettlementTimeout: 10 * time.Second,
			Autostart:         true,
		},
		Notify: Notify{
			Kafka: Kafka{Topic: "order-notifications"},
			Redis: Redis{ChannelPrefix: "notifications:"},
		},
		Auth: Auth{
			JWTSecret: "your-secret-key",
			TokenTTL:  24 * time.Hour,
		},
		Logging: Logging{Level: "info", Pretty: true},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML file at path over the defaults, then applies .env and
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	// A missing .env is normal outside development
	_ = godotenv.Load()

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}

	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Notify.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Notify.Redis.Addr = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("MARKET_TIMEZONE"); v != "" {
		cfg.Market.Timezone = v
	}
	return nil
}

// Validate checks the settings that would otherwise fail at startup
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.Scheduler.SweepInterval <= 0 {
		return errors.New("scheduler sweep_interval must be positive")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth jwt_secret is required")
	}
	cc, err := c.CalendarConfig()
	if err != nil {
		return err
	}
	_, err = calendar.New(cc)
	return err
}

// CalendarConfig converts the market section into a calendar configuration
func (c *Config) CalendarConfig() (calendar.Config, error) {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return calendar.Config{}, fmt.Errorf("invalid market timezone %q: %w", c.Market.Timezone, err)
	}

	open, err := calendar.ParseTimeOfDay(c.Market.Open)
	if err != nil {
		return calendar.Config{}, fmt.Errorf("market open: %w", err)
	}
	closeAt, err := calendar.ParseTimeOfDay(c.Market.Close)
	if err != nil {
		return calendar.Config{}, fmt.Errorf("market close: %w", err)
	}

	days := make([]time.Weekday, 0, len(c.Market.Weekdays))
	for _, s := range c.Market.Weekdays {
		d, err := calendar.ParseWeekday(s)
		if err != nil {
			return calendar.Config{}, err
		}
		days = append(days, d)
	}
	if len(days) == 0 {
		return calendar.Config{}, calendar.ErrEmptyWeekdays
	}

	return calendar.Config{
		Location: loc,
		Open:     open,
		Close:    closeAt,
		Weekdays: days,
	}, nil
}
