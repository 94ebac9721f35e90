package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	CacheRedis     = "redis"
	CacheSQLite    = "sqlite"
	CacheNone      = "none"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	State    StateConfig    `yaml:"state"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Name            string        `yaml:"name"`
	PasswordEnv     string        `yaml:"password_env"`
	SSLMode         string        `yaml:"sslmode"`
	Schema          string        `yaml:"schema"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	Timescale       *bool         `yaml:"timescale"`
}

type CacheConfig struct {
	Driver      string        `yaml:"driver"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	DB          int           `yaml:"db"`
	PasswordEnv string        `yaml:"password_env"`
	SQLitePath  string        `yaml:"sqlite_path"`
	TTL         time.Duration `yaml:"ttl"`
}

type StateConfig struct {
	StrategyID          string        `yaml:"strategy_id"`
	FallbackDir         string        `yaml:"fallback_dir"`
	OpTimeout           time.Duration `yaml:"op_timeout"`
	HealthInterval      time.Duration `yaml:"health_interval"`
	MirrorToFallback    *bool         `yaml:"mirror_to_fallback"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled == nil || *m.Enabled
}

func (s StateConfig) MirrorValue() bool {
	return s.MirrorToFallback == nil || *s.MirrorToFallback
}

func (d DatabaseConfig) TimescaleValue() bool {
	return d.Timescale == nil || *d.Timescale
}

// Password resolves the database password from the environment variable named by
// password_env. Credentials never live in the config file.
func (d DatabaseConfig) Password() string {
	return lookupSecret(d.PasswordEnv)
}

func (c CacheConfig) Password() string {
	return lookupSecret(c.PasswordEnv)
}

func (c CacheConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == DriverSQLite {
		return d.SQLitePath
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	if pass := d.Password(); pass != "" {
		u.User = url.UserPassword(d.User, pass)
	} else if d.User != "" {
		u.User = url.User(d.User)
	}
	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	if d.ConnectTimeout > 0 {
		secs := int(d.ConnectTimeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverPostgres
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.Name == "" {
		cfg.Database.Name = "funding_strategy"
	}
	if cfg.Database.PasswordEnv == "" {
		cfg.Database.PasswordEnv = "DB_PASSWORD"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.Schema == "" {
		cfg.Database.Schema = "public"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "data/funding-state.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 2
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 5 * time.Second
	}
	cfg.Cache.Driver = strings.ToLower(strings.TrimSpace(cfg.Cache.Driver))
	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = CacheRedis
	}
	if cfg.Cache.Host == "" {
		cfg.Cache.Host = "localhost"
	}
	if cfg.Cache.Port == 0 {
		cfg.Cache.Port = 6379
	}
	if cfg.Cache.PasswordEnv == "" {
		cfg.Cache.PasswordEnv = "REDIS_PASSWORD"
	}
	if cfg.Cache.SQLitePath == "" {
		cfg.Cache.SQLitePath = "data/funding-cache.db"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 10 * time.Minute
	}
	if cfg.State.StrategyID == "" {
		cfg.State.StrategyID = "funding_strategy"
	}
	if cfg.State.FallbackDir == "" {
		cfg.State.FallbackDir = "data"
	}
	if cfg.State.OpTimeout == 0 {
		cfg.State.OpTimeout = 3 * time.Second
	}
	if cfg.State.HealthInterval == 0 {
		cfg.State.HealthInterval = 15 * time.Second
	}
	if cfg.State.MirrorToFallback == nil {
		enabled := true
		cfg.State.MirrorToFallback = &enabled
	}
	if cfg.Database.Timescale == nil {
		enabled := true
		cfg.Database.Timescale = &enabled
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("FUNDING_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("FUNDING_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
}

func validate(cfg *Config) error {
	switch cfg.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q is not supported (expected json|console)", cfg.Log.Format)
	}
	switch cfg.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("database.driver %q is not supported (expected postgres|sqlite)", cfg.Database.Driver)
	}
	switch cfg.Cache.Driver {
	case CacheRedis, CacheSQLite, CacheNone:
	default:
		return fmt.Errorf("cache.driver %q is not supported (expected redis|sqlite|none)", cfg.Cache.Driver)
	}
	if cfg.Database.Port < 0 || cfg.Cache.Port < 0 {
		return errors.New("ports must be >= 0")
	}
	if cfg.Database.MaxOpenConns < 0 || cfg.Database.MaxIdleConns < 0 {
		return errors.New("database pool sizes must be >= 0")
	}
	if cfg.Database.ConnectTimeout < 0 {
		return errors.New("database.connect_timeout must be >= 0")
	}
	if cfg.Cache.TTL < 0 {
		return errors.New("cache.ttl must be >= 0")
	}
	if strings.ContainsAny(cfg.Database.Schema, " ;\"'") {
		return fmt.Errorf("database.schema %q is not a plain identifier", cfg.Database.Schema)
	}
	if strings.TrimSpace(cfg.State.StrategyID) == "" {
		return errors.New("state.strategy_id is required")
	}
	if strings.TrimSpace(cfg.State.FallbackDir) == "" {
		return errors.New("state.fallback_dir is required")
	}
	if cfg.State.OpTimeout < 0 {
		return errors.New("state.op_timeout must be >= 0")
	}
	if cfg.State.HealthInterval < 0 {
		return errors.New("state.health_interval must be >= 0")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}

func lookupSecret(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
