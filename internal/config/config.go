package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	// collect_timezone must resolve on hosts without zoneinfo
	_ "time/tzdata"

	"github.com/BurntSushi/toml"

	"github.com/2beens/dashgate/pkg"
)

type Config struct {
	Host        string
	Port        int
	Environment string `toml:"-"`
	// logging
	LogLevel      string `toml:"log_level"`
	LogsPath      string `toml:"logs_path"`
	LogToStdout   bool   `toml:"log_to_stdout"`
	LogFormatJSON bool   `toml:"log_format_json"`
	SentryEnabled bool   `toml:"sentry_enabled"`
	// redis
	RedisHost string `toml:"redis_host"`
	RedisPort string `toml:"redis_port"`
	// metrics
	PrometheusMetricsHost string `toml:"prometheus_metrics_host"`
	PrometheusMetricsPort string `toml:"prometheus_metrics_port"`
	// auth
	SecretsPath                 string        `toml:"secrets_path"`
	WatchSecrets                bool          `toml:"watch_secrets"`
	SessionTTL                  time.Duration `toml:"session_ttl"`
	SessionsCleanupInterval     time.Duration `toml:"sessions_cleanup_interval"`
	LoginRateLimitAllowedPerMin int           `toml:"login_rate_limit_allowed_per_min"`
	SecureCookies               bool          `toml:"secure_cookies"`
	AllowedOrigins              []string      `toml:"allowed_origins"`
	// peers allowed to set X-Real-Ip / X-Forwarded-For, ips or cidrs
	TrustedProxies []string `toml:"trusted_proxies"`
	// upstream metrics API token
	ApiTokenPath string `toml:"api_token_path"`
	// upstream metrics collection, disabled without collector_api_url
	CollectorApiURL     string        `toml:"collector_api_url"`
	CollectInterval     time.Duration `toml:"collect_interval"`
	CollectDaysBack     int           `toml:"collect_days_back"`
	CollectRequestDelay time.Duration `toml:"collect_request_delay"`
	CollectTimezone     string        `toml:"collect_timezone"`
	MetricsRetention    time.Duration `toml:"metrics_retention"`
	SummaryTopN         int           `toml:"summary_top_n"`
}

type Toml struct {
	Development *Config
	Production  *Config
}

func (t *Toml) Get(env string) (*Config, error) {
	switch strings.ToLower(env) {
	case "dev", "development":
		return t.Development, nil
	case "prod", "production":
		return t.Production, nil
	default:
		return nil, fmt.Errorf("unknown env: %s", env)
	}
}

// Load reads the TOML config file and returns the section for the given env,
// with defaults applied.
func Load(env, path string) (*Config, error) {
	var t Toml
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}
	return fromToml(env, &t)
}

// Parse is Load for in-memory TOML data.
func Parse(env, data string) (*Config, error) {
	var t Toml
	if _, err := toml.Decode(data, &t); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return fromToml(env, &t)
}

func fromToml(env string, t *Toml) (*Config, error) {
	cfg, err := t.Get(env)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("config section for env [%s] missing", env)
	}

	cfg.Environment = strings.ToLower(env)
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8501
	}
	if c.RedisHost == "" {
		c.RedisHost = "localhost"
	}
	if c.RedisPort == "" {
		c.RedisPort = "6379"
	}
	if c.PrometheusMetricsHost == "" {
		c.PrometheusMetricsHost = "localhost"
	}
	if c.PrometheusMetricsPort == "" {
		c.PrometheusMetricsPort = "2112"
	}
	if c.SecretsPath == "" {
		c.SecretsPath = "./secrets.toml"
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.SessionsCleanupInterval == 0 {
		c.SessionsCleanupInterval = 8 * time.Hour
	}
	if c.LoginRateLimitAllowedPerMin == 0 {
		c.LoginRateLimitAllowedPerMin = 10
	}
	if c.ApiTokenPath == "" {
		c.ApiTokenPath = "./token.json"
	}
	if c.CollectInterval == 0 {
		c.CollectInterval = time.Hour
	}
	if c.CollectDaysBack == 0 {
		c.CollectDaysBack = 2
	}
	if c.CollectRequestDelay == 0 {
		c.CollectRequestDelay = 100 * time.Millisecond
	}
	if c.CollectTimezone == "" {
		c.CollectTimezone = "UTC"
	}
	if c.MetricsRetention == 0 {
		c.MetricsRetention = 90 * 24 * time.Hour
	}
	if c.SummaryTopN == 0 {
		c.SummaryTopN = 10
	}
}

// Location is the timezone the collector buckets hours and days in.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.CollectTimezone)
}

func (c *Config) ParsedTrustedProxies() (pkg.TrustedProxies, error) {
	return pkg.ParseTrustedProxies(c.TrustedProxies)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Port))
	}
	if c.SessionTTL < 0 {
		errs = append(errs, fmt.Errorf("invalid session ttl: %s", c.SessionTTL))
	}
	if c.SessionsCleanupInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid sessions cleanup interval: %s", c.SessionsCleanupInterval))
	}
	if c.LoginRateLimitAllowedPerMin < 0 {
		errs = append(errs, fmt.Errorf("invalid login rate limit: %d", c.LoginRateLimitAllowedPerMin))
	}
	if _, err := c.ParsedTrustedProxies(); err != nil {
		errs = append(errs, err)
	}
	if c.CollectInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid collect interval: %s", c.CollectInterval))
	}
	if c.CollectDaysBack < 0 {
		errs = append(errs, fmt.Errorf("invalid collect days back: %d", c.CollectDaysBack))
	}
	if c.CollectRequestDelay < 0 {
		errs = append(errs, fmt.Errorf("invalid collect request delay: %s", c.CollectRequestDelay))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("invalid collect timezone: %w", err))
	}
	if c.MetricsRetention < 0 {
		errs = append(errs, fmt.Errorf("invalid metrics retention: %s", c.MetricsRetention))
	}
	if c.SummaryTopN < 0 {
		errs = append(errs, fmt.Errorf("invalid summary top n: %d", c.SummaryTopN))
	}
	return errors.Join(errs...)
}
