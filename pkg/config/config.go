// Package config loads YAML phase documents and service configuration,
// with environment overrides for credentials and endpoints.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xianyu-ding/RailFair/pkg/models"
)

var (
	crsPattern  = regexp.MustCompile(`^[A-Z]{3}$`)
	hhmmPattern = regexp.MustCompile(`^([01][0-9]|2[0-3])[0-5][0-9]$`)
)

// RetryConfig controls the upstream client's backoff schedule.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Backoff      float64       `yaml:"backoff"`
}

// PacingConfig bounds the random sleep inserted before each upstream
// request.
type PacingConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// HSPConfig configures the historical service performance client.
type HSPConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Retry          RetryConfig   `yaml:"retry"`
	Pacing         PacingConfig  `yaml:"pacing"`
}

// Phase is one ingestion campaign: a set of routes, a date range and the
// day types to cover. Phases are the unit of progress tracking; each phase
// owns its own journal file.
type Phase struct {
	Name         string           `yaml:"name"`
	Routes       []models.Route   `yaml:"routes"`
	FromDate     string           `yaml:"from_date"` // YYYY-MM-DD inclusive
	ToDate       string           `yaml:"to_date"`   // YYYY-MM-DD inclusive
	DayTypes     []models.DayType `yaml:"day_types"`
	ChunkDays    int              `yaml:"chunk_days"`
	ProgressFile string           `yaml:"progress_file"`
}

// DatabaseConfig carries the connection settings for the relational store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig carries the response-cache connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ServerConfig configures the HTTP serving layer.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AdminToken      string        `yaml:"admin_token"`
	RateLimitPerMin int           `yaml:"rate_limit_per_minute"`
	RateLimitPerDay int           `yaml:"rate_limit_per_day"`
}

// FaresConfig configures the fares feed client.
type FaresConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	RefreshAfter   time.Duration `yaml:"refresh_after"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Config is the root document.
type Config struct {
	HSP      HSPConfig      `yaml:"hsp"`
	Fares    FaresConfig    `yaml:"fares"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
	Phases   []Phase        `yaml:"phases"`
}

// Load reads, defaults and validates a config document.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.HSP.RequestTimeout == 0 {
		c.HSP.RequestTimeout = 30 * time.Second
	}
	if c.HSP.Retry.MaxAttempts == 0 {
		c.HSP.Retry.MaxAttempts = 3
	}
	if c.HSP.Retry.InitialDelay == 0 {
		c.HSP.Retry.InitialDelay = time.Second
	}
	if c.HSP.Retry.MaxDelay == 0 {
		c.HSP.Retry.MaxDelay = 30 * time.Second
	}
	if c.HSP.Retry.Backoff == 0 {
		c.HSP.Retry.Backoff = 2.0
	}
	if c.HSP.Pacing.MinInterval == 0 {
		c.HSP.Pacing.MinInterval = 2 * time.Second
	}
	if c.HSP.Pacing.MaxInterval == 0 {
		c.HSP.Pacing.MaxInterval = 5 * time.Second
	}
	if c.Fares.RefreshAfter == 0 {
		c.Fares.RefreshAfter = 24 * time.Hour
	}
	if c.Fares.RequestTimeout == 0 {
		c.Fares.RequestTimeout = 2 * time.Minute
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 30
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 20
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.RateLimitPerMin == 0 {
		c.Server.RateLimitPerMin = 100
	}
	if c.Server.RateLimitPerDay == 0 {
		c.Server.RateLimitPerDay = 1000
	}
	for i := range c.Phases {
		if c.Phases[i].ChunkDays == 0 {
			c.Phases[i].ChunkDays = 7
		}
		if len(c.Phases[i].DayTypes) == 0 {
			c.Phases[i].DayTypes = []models.DayType{
				models.DayTypeWeekday, models.DayTypeSaturday, models.DayTypeSunday,
			}
		}
		if c.Phases[i].ProgressFile == "" {
			c.Phases[i].ProgressFile = fmt.Sprintf("progress_%s.json", c.Phases[i].Name)
		}
	}
}

// applyEnv overrides credentials and endpoints from the environment so
// secrets stay out of config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("RAILFAIR_HSP_USERNAME"); v != "" {
		c.HSP.Username = v
	}
	if v := os.Getenv("RAILFAIR_HSP_PASSWORD"); v != "" {
		c.HSP.Password = v
	}
	if v := os.Getenv("RAILFAIR_NRDP_USERNAME"); v != "" {
		c.Fares.Username = v
	}
	if v := os.Getenv("RAILFAIR_NRDP_PASSWORD"); v != "" {
		c.Fares.Password = v
	}
	if v := os.Getenv("RAILFAIR_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("RAILFAIR_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("RAILFAIR_ADMIN_TOKEN"); v != "" {
		c.Server.AdminToken = v
	}
}

// Validate rejects documents that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.HSP.Pacing.MinInterval > c.HSP.Pacing.MaxInterval {
		return fmt.Errorf("hsp.pacing: min_interval %s exceeds max_interval %s",
			c.HSP.Pacing.MinInterval, c.HSP.Pacing.MaxInterval)
	}
	if c.HSP.Retry.Backoff < 1 {
		return fmt.Errorf("hsp.retry: backoff must be >= 1, got %v", c.HSP.Retry.Backoff)
	}
	for _, p := range c.Phases {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("phase %q: %w", p.Name, err)
		}
	}
	return nil
}

// Validate checks a phase's routes and date range.
func (p *Phase) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(p.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	for _, r := range p.Routes {
		if !crsPattern.MatchString(r.Origin) || !crsPattern.MatchString(r.Destination) {
			return fmt.Errorf("route %s-%s: CRS codes must match [A-Z]{3}", r.Origin, r.Destination)
		}
		if r.FromTime != "" && !hhmmPattern.MatchString(r.FromTime) {
			return fmt.Errorf("route %s: from_time must be HHMM, got %q", r.Name(), r.FromTime)
		}
		if r.ToTime != "" && !hhmmPattern.MatchString(r.ToTime) {
			return fmt.Errorf("route %s: to_time must be HHMM, got %q", r.Name(), r.ToTime)
		}
		if r.FromTime != "" && r.ToTime != "" && r.ToTime < r.FromTime {
			return fmt.Errorf("route %s: to_time %s precedes from_time %s", r.Name(), r.ToTime, r.FromTime)
		}
	}
	from, err := p.From()
	if err != nil {
		return err
	}
	to, err := p.To()
	if err != nil {
		return err
	}
	if to.Before(from) {
		return fmt.Errorf("to_date %s precedes from_date %s", p.ToDate, p.FromDate)
	}
	if p.ChunkDays < 1 || p.ChunkDays > 7 {
		return fmt.Errorf("chunk_days must be in [1,7], got %d", p.ChunkDays)
	}
	return nil
}

// From parses the inclusive start date of the phase.
func (p *Phase) From() (time.Time, error) {
	t, err := time.Parse("2006-01-02", p.FromDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("from_date: %w", err)
	}
	return t, nil
}

// To parses the inclusive end date of the phase.
func (p *Phase) To() (time.Time, error) {
	t, err := time.Parse("2006-01-02", p.ToDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("to_date: %w", err)
	}
	return t, nil
}
