package config

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/inkfetch/internal/resilience"
	"github.com/sells-group/inkfetch/internal/transfer"
)

// Config holds the full application configuration.
type Config struct {
	Transfer TransferConfig `yaml:"transfer" mapstructure:"transfer"`
	Display  DisplayConfig  `yaml:"display" mapstructure:"display"`
	Watch    WatchConfig    `yaml:"watch" mapstructure:"watch"`
	Journal  JournalConfig  `yaml:"journal" mapstructure:"journal"`
	Serve    ServeConfig    `yaml:"serve" mapstructure:"serve"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// TransferConfig configures both transfer clients.
type TransferConfig struct {
	OverallTimeoutMs   int               `yaml:"overall_timeout_ms" mapstructure:"overall_timeout_ms"`
	StallTimeoutMs     int               `yaml:"stall_timeout_ms" mapstructure:"stall_timeout_ms"`
	HandshakeTimeoutMs int               `yaml:"handshake_timeout_ms" mapstructure:"handshake_timeout_ms"`
	HeaderTimeoutMs    int               `yaml:"header_timeout_ms" mapstructure:"header_timeout_ms"`
	ChunkCeiling       int               `yaml:"chunk_ceiling" mapstructure:"chunk_ceiling"`
	InsecureTLS        bool              `yaml:"insecure_tls" mapstructure:"insecure_tls"`
	UserAgent          string            `yaml:"user_agent" mapstructure:"user_agent"`
	ExtraHeaders       map[string]string `yaml:"extra_headers" mapstructure:"extra_headers"`
}

// Overall is the whole-transfer deadline.
func (c TransferConfig) Overall() time.Duration {
	return time.Duration(c.OverallTimeoutMs) * time.Millisecond
}

// Options converts the config into client options.
func (c TransferConfig) Options() transfer.Options {
	return transfer.Options{
		InsecureSkipVerify: c.InsecureTLS,
		HandshakeTimeout:   time.Duration(c.HandshakeTimeoutMs) * time.Millisecond,
		HeaderTimeout:      time.Duration(c.HeaderTimeoutMs) * time.Millisecond,
		StallTimeout:       time.Duration(c.StallTimeoutMs) * time.Millisecond,
		ChunkCeiling:       c.ChunkCeiling,
		UserAgent:          c.UserAgent,
	}
}

// Headers returns the extra request headers sorted by name so requests are
// reproducible.
func (c TransferConfig) Headers() []transfer.Header {
	names := make([]string, 0, len(c.ExtraHeaders))
	for name := range c.ExtraHeaders {
		names = append(names, name)
	}
	sort.Strings(names)
	headers := make([]transfer.Header, 0, len(names))
	for _, name := range names {
		headers = append(headers, transfer.Header{Name: name, Value: c.ExtraHeaders[name]})
	}
	return headers
}

// DisplayConfig describes the image the device expects.
type DisplayConfig struct {
	URL    string `yaml:"url" mapstructure:"url"`
	Width  int    `yaml:"width" mapstructure:"width"`
	Height int    `yaml:"height" mapstructure:"height"`
	Invert bool   `yaml:"invert" mapstructure:"invert"`
}

// WatchConfig configures the periodic refresh loop.
type WatchConfig struct {
	IntervalSecs int           `yaml:"interval_secs" mapstructure:"interval_secs"`
	Retry        RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit      CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// Interval is the time between refreshes.
func (c WatchConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// RetryConfig configures retries around whole transfers.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// Resilience converts to a resilience.RetryConfig. Unset values keep the
// package defaults; a zero jitter fraction disables jitter.
func (c RetryConfig) Resilience() resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		rc.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		rc.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		rc.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		rc.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		rc.JitterFraction = c.JitterFraction
	}
	return rc
}

// CircuitConfig configures the refresh circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Resilience converts to a resilience.CircuitBreakerConfig, keeping defaults
// for unset values.
func (c CircuitConfig) Resilience() resilience.CircuitBreakerConfig {
	cc := resilience.DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cc.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		cc.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return cc
}

// JournalConfig configures the outcome journal.
type JournalConfig struct {
	Path    string `yaml:"path" mapstructure:"path"`
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
}

// ServeConfig configures the development origin server.
type ServeConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	File            string   `yaml:"file" mapstructure:"file"`
	Framing         string   `yaml:"framing" mapstructure:"framing"`
	FragmentSize    int      `yaml:"fragment_size" mapstructure:"fragment_size"`
	FragmentDelayMs int      `yaml:"fragment_delay_ms" mapstructure:"fragment_delay_ms"`
	CORSOrigins     []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// FragmentDelay is the pause between served fragments.
func (c ServeConfig) FragmentDelay() time.Duration {
	return time.Duration(c.FragmentDelayMs) * time.Millisecond
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("inkfetch")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INKFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("transfer.overall_timeout_ms", 15000)
	v.SetDefault("transfer.stall_timeout_ms", 8000)
	v.SetDefault("transfer.handshake_timeout_ms", 30000)
	v.SetDefault("transfer.header_timeout_ms", 15000)
	v.SetDefault("transfer.chunk_ceiling", transfer.DefaultChunkCeiling)
	v.SetDefault("transfer.insecure_tls", false)
	v.SetDefault("transfer.user_agent", "inkfetch/1.0")
	v.SetDefault("transfer.extra_headers", map[string]string{"ngrok-skip-browser-warning": "true"})
	v.SetDefault("display.url", "")
	v.SetDefault("display.width", 400)
	v.SetDefault("display.height", 300)
	v.SetDefault("display.invert", false)
	v.SetDefault("watch.interval_secs", 300)
	v.SetDefault("watch.retry.max_attempts", 3)
	v.SetDefault("watch.retry.initial_backoff_ms", 2000)
	v.SetDefault("watch.retry.max_backoff_ms", 30000)
	v.SetDefault("watch.retry.multiplier", 2.0)
	v.SetDefault("watch.retry.jitter_fraction", 0.2)
	v.SetDefault("watch.circuit.failure_threshold", 5)
	v.SetDefault("watch.circuit.reset_timeout_secs", 600)
	v.SetDefault("journal.path", "inkfetch.db")
	v.SetDefault("journal.enabled", true)
	v.SetDefault("serve.port", 8088)
	v.SetDefault("serve.file", "")
	v.SetDefault("serve.framing", "length")
	v.SetDefault("serve.fragment_size", 0)
	v.SetDefault("serve.fragment_delay_ms", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command depends on. mode is the command
// name: fetch, decode, watch, serve or history.
func (c *Config) Validate(mode string) error {
	var errs []string

	needsTransfer := mode == "fetch" || mode == "decode" || mode == "watch"
	if needsTransfer {
		if c.Transfer.OverallTimeoutMs <= 0 {
			errs = append(errs, "transfer.overall_timeout_ms must be positive")
		}
		if c.Transfer.StallTimeoutMs <= 0 {
			errs = append(errs, "transfer.stall_timeout_ms must be positive")
		}
		if c.Transfer.ChunkCeiling <= 0 {
			errs = append(errs, "transfer.chunk_ceiling must be positive")
		}
	}

	switch mode {
	case "fetch", "history":
	case "decode", "watch":
		if c.Display.URL == "" {
			errs = append(errs, "display.url is required")
		}
		if c.Display.Width <= 0 || c.Display.Height <= 0 {
			errs = append(errs, "display.width and display.height must be positive")
		}
		if mode == "watch" && c.Watch.IntervalSecs <= 0 {
			errs = append(errs, "watch.interval_secs must be positive")
		}
	case "serve":
		if c.Serve.Port < 1 || c.Serve.Port > 65535 {
			errs = append(errs, "serve.port must be between 1 and 65535")
		}
		switch c.Serve.Framing {
		case "", "length", "chunked", "close":
		default:
			errs = append(errs, "serve.framing must be length, chunked or close")
		}
		if c.Serve.FragmentSize < 0 || c.Serve.FragmentDelayMs < 0 {
			errs = append(errs, "serve.fragment_size and serve.fragment_delay_ms must not be negative")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
