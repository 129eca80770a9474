package config

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"trading-valuation/internal/margin"
	"trading-valuation/internal/portfolio"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Feeds
	DomesticWSURL string
	ForeignWSURL  string
	PingInterval  time.Duration

	// Backend endpoints
	PositionsURL   string
	PositionsToken string // sent as a bearer token, optional
	RateURL        string

	// Timers
	PollInterval     time.Duration
	RateRefresh      time.Duration
	RateMaxAge       time.Duration
	StalenessHorizon time.Duration
	CoalesceInterval time.Duration

	// Valuation
	RulesPath       string
	LowUnitCurrency string
	Risk            portfolio.RiskLimits

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	RateStore     string // redis | sqlite | none
	Publisher     string // redis | log
	MetricsAddr   string

	AlertWebhookURL string
	LogLevel        string
}

// Load reads configuration from environment variables with defaults and
// validates it. All problems are reported together.
func Load() (*Config, error) {
	var errs []string
	req := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			errs = append(errs, fmt.Sprintf("required env var %s not set", key))
		}
		return v
	}
	dur := func(key string, fallback time.Duration) time.Duration {
		d, err := getDuration(key, fallback)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}
	num := func(key string, fallback float64) float64 {
		f, err := getFloat(key, fallback)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return f
	}

	c := &Config{
		DomesticWSURL: req("DOMESTIC_WS_URL"),
		ForeignWSURL:  req("FOREIGN_WS_URL"),
		PingInterval:  dur("PING_INTERVAL", 15*time.Second),

		PositionsURL:   req("POSITIONS_URL"),
		PositionsToken: getEnv("POSITIONS_TOKEN", ""),
		RateURL:        req("RATE_URL"),

		PollInterval:     dur("POLL_INTERVAL", 5*time.Second),
		RateRefresh:      dur("RATE_REFRESH", 5*time.Minute),
		RateMaxAge:       dur("RATE_MAX_AGE", 15*time.Minute),
		StalenessHorizon: dur("STALENESS_HORIZON", 30*time.Second),
		CoalesceInterval: dur("COALESCE_INTERVAL", 150*time.Millisecond),

		RulesPath:       getEnv("RULES_PATH", ""),
		LowUnitCurrency: strings.ToUpper(getEnv("LOW_UNIT_CURRENCY", "JPY")),
		Risk: portfolio.RiskLimits{
			MaxMargin:        num("RISK_MAX_MARGIN", 0),
			MaxLoss:          num("RISK_MAX_LOSS", 0),
			MaxOpenPositions: int(num("RISK_MAX_POSITIONS", 0)),
			MaxExposure:      num("RISK_MAX_EXPOSURE", 0),
		},

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       int(num("REDIS_DB", 0)),
		SQLitePath:    getEnv("SQLITE_PATH", "data/rates.db"),
		RateStore:     strings.ToLower(getEnv("RATE_STORE", "sqlite")),
		Publisher:     strings.ToLower(getEnv("PUBLISHER", "redis")),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		AlertWebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}

	switch c.RateStore {
	case "redis", "sqlite", "none":
	default:
		errs = append(errs, fmt.Sprintf("RATE_STORE must be redis, sqlite or none, got %q", c.RateStore))
	}
	switch c.Publisher {
	case "redis", "log":
	default:
		errs = append(errs, fmt.Sprintf("PUBLISHER must be redis or log, got %q", c.Publisher))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return c, nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Publisher == "redis" || c.RateStore == "redis"
}

// PositionsHeader returns the request header for the positions endpoint.
func (c *Config) PositionsHeader() http.Header {
	h := http.Header{}
	if c.PositionsToken != "" {
		h.Set("Authorization", "Bearer "+c.PositionsToken)
	}
	return h
}

// LoadRules reads the margin and brokerage rules file. An empty path returns
// the built-in defaults.
func LoadRules(path string) (margin.Rules, error) {
	if path == "" {
		return margin.DefaultRules(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return margin.Rules{}, fmt.Errorf("config: read rules: %w", err)
	}
	r, err := margin.ParseRules(b)
	if err != nil {
		return margin.Rules{}, fmt.Errorf("config: %s: %w", path, err)
	}
	log.Printf("[config] loaded rules from %s", path)
	return r, nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return fallback, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return f, nil
}
