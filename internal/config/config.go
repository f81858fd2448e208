// Package config defines configuration parsing and helpers.
//
// Configuration comes from two layers: an optional YAML file and environment
// variables, with the environment always winning. YAML keys mirror the
// environment names: nested mappings are flattened with underscores, so
//
//	proxy:
//	  host: 127.0.0.1
//
// feeds the same knob as PROXY_HOST.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"dev"`
	Port       int    `env:"PORT" envDefault:"5566"`
	ConfigFile string `env:"CONFIG_FILE" envDefault:"config.yml"`

	// Quota ledger. The JSON file is the canonical store; setting DB_URL
	// switches to the PostgreSQL variant with the same semantics.
	UsageFile            string        `env:"USAGE_FILE" envDefault:"data/session_usage.json"`
	DBURL                string        `env:"DB_URL"`
	DailyLimitImage      int           `env:"DAILY_LIMIT_IMAGE" envDefault:"10"`
	DailyLimitVideo      int           `env:"DAILY_LIMIT_VIDEO" envDefault:"2"`
	DailyLimitAvatar     int           `env:"DAILY_LIMIT_AVATAR" envDefault:"1"`
	UsageRetentionDays   int           `env:"USAGE_RETENTION_DAYS" envDefault:"30"`
	UsageCleanupInterval time.Duration `env:"USAGE_CLEANUP_INTERVAL" envDefault:"24h"`

	// Task engine.
	TaskMaxConcurrent int           `env:"TASK_MAX_CONCURRENT" envDefault:"10"`
	TaskTickInterval  time.Duration `env:"TASK_TICK_INTERVAL" envDefault:"1s"`
	TaskImageTimeout  time.Duration `env:"TASK_IMAGE_TIMEOUT" envDefault:"15m"`
	TaskVideoTimeout  time.Duration `env:"TASK_VIDEO_TIMEOUT" envDefault:"30m"`
	TaskRetention     time.Duration `env:"TASK_RETENTION" envDefault:"24h"`
	TaskReapInterval  time.Duration `env:"TASK_REAP_INTERVAL" envDefault:"1h"`

	// Upstream protocol.
	UpstreamTimeout    time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
	PollMaxImage       int           `env:"POLL_MAX_IMAGE" envDefault:"900"`
	PollMaxVideo       int           `env:"POLL_MAX_VIDEO" envDefault:"600"`
	CreditCheckEnabled bool          `env:"CREDIT_CHECK_ENABLED" envDefault:"true"`

	// Mirror overrides for upstream bases. Empty means the builtin default.
	JimengCNMirror   string `env:"JIMENG_CN_MIRROR"`
	DreaminaUSMirror string `env:"DREAMINA_US_MIRROR"`
	DreaminaHKMirror string `env:"DREAMINA_HK_MIRROR"`
	ImagexCNMirror   string `env:"IMAGEX_CN_MIRROR"`
	ImagexUSMirror   string `env:"IMAGEX_US_MIRROR"`
	ImagexHKMirror   string `env:"IMAGEX_HK_MIRROR"`
	CommerceUSMirror string `env:"COMMERCE_US_MIRROR"`
	CommerceHKMirror string `env:"COMMERCE_HK_MIRROR"`

	Proxy ProxyConfig `envPrefix:"PROXY_"`

	// HTTP surface.
	RedisURL              string        `env:"REDIS_URL"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	// Sync generations block for minutes; 0 disables the write deadline and
	// leaves slow-request protection to the per-task wall timeouts.
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"jimeng-gateway"`
}

// ProxyConfig describes the optional outbound SOCKS5 proxy.
type ProxyConfig struct {
	Enabled  bool          `env:"ENABLED" envDefault:"false"`
	Host     string        `env:"HOST"`
	Port     int           `env:"PORT" envDefault:"0"`
	Type     string        `env:"TYPE" envDefault:"socks5"`
	Username string        `env:"USERNAME"`
	Password string        `env:"PASSWORD"`
	Bypass   []string      `env:"BYPASS" envSeparator:","`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// Addr returns host:port for dialing the proxy.
func (p ProxyConfig) Addr() string { return fmt.Sprintf("%s:%d", p.Host, p.Port) }

// Load builds the configuration: YAML file first (when present), environment
// variables second, struct defaults for the rest.
func Load() (Config, error) {
	// The file path itself is env-only so the overlay knows where to look.
	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = "config.yml"
	}
	if err := overlayYAML(path, explicit); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot possibly work.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("op=config.Validate: port %d out of range", c.Port)
	}
	if c.TaskMaxConcurrent < 1 {
		return fmt.Errorf("op=config.Validate: TASK_MAX_CONCURRENT must be >= 1, got %d", c.TaskMaxConcurrent)
	}
	if c.DailyLimitImage < 0 || c.DailyLimitVideo < 0 || c.DailyLimitAvatar < 0 {
		return fmt.Errorf("op=config.Validate: daily limits must be non-negative")
	}
	if c.Proxy.Enabled {
		if c.Proxy.Type != "socks5" {
			return fmt.Errorf("op=config.Validate: unsupported proxy type %q", c.Proxy.Type)
		}
		if c.Proxy.Host == "" || c.Proxy.Port <= 0 {
			return fmt.Errorf("op=config.Validate: proxy enabled without host/port")
		}
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// TaskTimeout returns the wall timeout for a task of the given kind.
func (c Config) TaskTimeout(video bool) time.Duration {
	if video {
		return c.TaskVideoTimeout
	}
	return c.TaskImageTimeout
}

// overlayYAML reads the YAML file and exports every flattened key that the
// environment does not already define. env.Parse then sees one consistent
// view where explicit environment variables outrank file values.
func overlayYAML(path string, required bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("op=config.overlayYAML: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("op=config.overlayYAML: parse %s: %w", path, err)
	}
	for key, val := range flatten("", doc) {
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("op=config.overlayYAML: %w", err)
		}
	}
	return nil
}

// flatten turns nested YAML mappings into ENV_STYLE keys. Lists join with
// commas to match the envSeparator convention.
func flatten(prefix string, doc map[string]any) map[string]string {
	out := make(map[string]string)
	for k, v := range doc {
		key := strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch t := v.(type) {
		case map[string]any:
			for nk, nv := range flatten(key, t) {
				out[nk] = nv
			}
		case []any:
			parts := make([]string, 0, len(t))
			for _, e := range t {
				parts = append(parts, fmt.Sprintf("%v", e))
			}
			out[key] = strings.Join(parts, ",")
		case nil:
			// ignore empty nodes
		default:
			out[key] = fmt.Sprintf("%v", t)
		}
	}
	return out
}
