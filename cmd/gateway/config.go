package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	UpstreamURL string `yaml:"upstream_url"`
	LogLevel    string `yaml:"log_level"` // "debug","info","warn","error"
	MetricsPath string `yaml:"metrics_path"`
	StatusPath  string `yaml:"status_path"`

	Admission application.Config `yaml:"admission"`
	Cost      CostConfig         `yaml:"cost"`
	Shed      ShedConfig         `yaml:"shed"`
	Stats     StatsConfig        `yaml:"stats"`
}

// CostConfig selects how a request's cost is estimated.
type CostConfig struct {
	// Mode is one of "none", "header", "body_size" or "tokens".
	Mode         string  `yaml:"mode"`
	Header       string  `yaml:"header"`
	Fallback     float64 `yaml:"fallback"`
	BytesPerUnit int64   `yaml:"bytes_per_unit"`
	Model        string  `yaml:"model"`
	MaxBodyBytes int64   `yaml:"max_body_bytes"`
}

// ShedConfig is the per-client limiter applied before admission.
type ShedConfig struct {
	Enabled    bool          `yaml:"enabled"`
	RPS        float64       `yaml:"rps"`
	Burst      int           `yaml:"burst"`
	KeyHeader  string        `yaml:"key_header"`
	TrustXFF   bool          `yaml:"trust_xff"`
	RetryAfter time.Duration `yaml:"retry_after"`
	AddHeaders bool          `yaml:"add_headers"`
}

type StatsConfig struct {
	Redis RedisStatsConfig `yaml:"redis"`
}

type RedisStatsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl"`
	Bucket    string        `yaml:"bucket"`
	TrackKeys bool          `yaml:"track_keys"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":8080",
		LogLevel:    "info",
		MetricsPath: "/metrics",
		StatusPath:  "/admission",
		Admission: application.Config{
			MaxConcurrency:    100,
			RequestRatePeriod: application.DefaultRatePeriod,
			CostRatePeriod:    application.DefaultRatePeriod,
		},
		Cost: CostConfig{
			Mode:         "none",
			Header:       "X-Cost-Estimate",
			BytesPerUnit: 1024,
			Model:        "gpt-4",
			MaxBodyBytes: 1 << 20,
		},
		Shed: ShedConfig{
			RPS:        10,
			Burst:      20,
			RetryAfter: 1 * time.Second,
		},
		Stats: StatsConfig{
			Redis: RedisStatsConfig{
				Prefix: "admission:stats",
				TTL:    24 * time.Hour,
				Bucket: "minute",
			},
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getenvDefault("LISTEN_ADDR", c.ListenAddr)
	c.UpstreamURL = getenvDefault("UPSTREAM_URL", c.UpstreamURL)
	c.LogLevel = getenvDefault("LOG_LEVEL", c.LogLevel)
	c.MetricsPath = getenvDefault("METRICS_PATH", c.MetricsPath)

	a := &c.Admission
	a.MaxConcurrency = getenvIntDefault("MAX_CONCURRENCY", a.MaxConcurrency)
	a.RequestRateLimit = getenvFloatDefault("REQUEST_RATE_LIMIT", a.RequestRateLimit)
	a.RequestRatePeriod = getenvDurationDefault("REQUEST_RATE_PERIOD", a.RequestRatePeriod)
	a.CostRateLimit = getenvFloatDefault("COST_RATE_LIMIT", a.CostRateLimit)
	a.CostRatePeriod = getenvDurationDefault("COST_RATE_PERIOD", a.CostRatePeriod)
	a.AdmitTimeout = getenvDurationDefault("ADMIT_TIMEOUT", a.AdmitTimeout)
	a.RefundOnError = getenvBoolDefault("REFUND_ON_ERROR", a.RefundOnError)

	c.Cost.Mode = getenvDefault("COST_MODE", c.Cost.Mode)
	c.Cost.Header = getenvDefault("COST_HEADER", c.Cost.Header)
	c.Cost.Model = getenvDefault("COST_MODEL", c.Cost.Model)

	s := &c.Shed
	s.Enabled = getenvBoolDefault("RATE_ENABLED", s.Enabled)
	s.RPS = getenvFloatDefault("RATE_RPS", s.RPS)
	// The burst lets a first wave through. With a very low rps (e.g. 0.02) the
	// default burst would make the limiter look broken, so it drops to 1.
	if burst, ok := getenvInt("RATE_BURST"); ok {
		s.Burst = burst
	} else if getenvIsSet("RATE_RPS") && s.RPS > 0 && s.RPS < 1 {
		s.Burst = 1
	}
	s.KeyHeader = getenvDefault("RATE_KEY_HEADER", s.KeyHeader)
	s.TrustXFF = getenvBoolDefault("TRUST_XFF", s.TrustXFF)
	s.RetryAfter = getenvDurationDefault("RETRY_AFTER", s.RetryAfter)
	s.AddHeaders = getenvBoolDefault("ADD_RATELIMIT_HEADERS", s.AddHeaders)

	r := &c.Stats.Redis
	r.Enabled = getenvBoolDefault("RATE_STATS_ENABLED", r.Enabled)
	r.Addr = getenvDefault("RATE_STATS_REDIS_ADDR", r.Addr)
	r.Password = getenvDefault("RATE_STATS_REDIS_PASSWORD", r.Password)
	r.DB = getenvIntDefault("RATE_STATS_REDIS_DB", r.DB)
	r.Prefix = getenvDefault("RATE_STATS_PREFIX", r.Prefix)
	r.TTL = getenvDurationDefault("RATE_STATS_TTL", r.TTL)
	r.Bucket = getenvDefault("RATE_STATS_BUCKET", r.Bucket)
	r.TrackKeys = getenvBoolDefault("RATE_STATS_TRACK_KEYS", r.TrackKeys)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.UpstreamURL) == "" {
		errs = append(errs, errors.New("upstream_url (UPSTREAM_URL) is required"))
	}
	for name, path := range map[string]string{"metrics_path": c.MetricsPath, "status_path": c.StatusPath} {
		if !strings.HasPrefix(path, "/") || path == "/" {
			errs = append(errs, fmt.Errorf("%s must be an absolute path other than /, got %q", name, path))
		}
	}
	if err := c.Admission.WithDefaults().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Shed.Enabled {
		if c.Shed.RPS <= 0 {
			errs = append(errs, errors.New("shed.rps (RATE_RPS) must be > 0"))
		}
		if c.Shed.Burst <= 0 {
			errs = append(errs, errors.New("shed.burst (RATE_BURST) must be > 0"))
		}
	}
	if c.Stats.Redis.Enabled && strings.TrimSpace(c.Stats.Redis.Addr) == "" {
		errs = append(errs, errors.New("stats.redis.addr (RATE_STATS_REDIS_ADDR) is required when redis stats are enabled"))
	}
	if _, err := c.Cost.costFunc(nil); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// costFunc builds the estimator for Mode. The token mode needs counter; a nil
// counter only validates the mode.
func (c CostConfig) costFunc(counter ratelimit.TokenCounter) (ratelimit.CostFunc, error) {
	switch strings.ToLower(c.Mode) {
	case "", "none":
		return ratelimit.FixedCost(0), nil
	case "header":
		return ratelimit.HeaderCost(c.Header, c.Fallback), nil
	case "body_size":
		return ratelimit.BodySizeCost(c.BytesPerUnit), nil
	case "tokens":
		if counter == nil {
			return nil, nil
		}
		// a client-supplied estimate wins over counting the body
		return ratelimit.FirstCost(
			ratelimit.HeaderCost(c.Header, 0),
			ratelimit.TokenCountCost(counter, c.MaxBodyBytes),
		), nil
	default:
		return nil, fmt.Errorf("cost.mode (COST_MODE) must be none, header, body_size or tokens, got %q", c.Mode)
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	if i, ok := getenvInt(k); ok {
		return i
	}
	return def
}

func getenvInt(k string) (int, bool) {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

func getenvIsSet(k string) bool {
	v, ok := os.LookupEnv(k)
	return ok && v != ""
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
