// Package config loads and validates progress client configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/analysis-progress/internal/live"
	"github.com/JakeFAU/analysis-progress/internal/poll"
	"github.com/JakeFAU/analysis-progress/internal/progresssync"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Live      LiveConfig      `mapstructure:"live"`
	Poll      PollConfig      `mapstructure:"poll"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Store     StoreConfig     `mapstructure:"store"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
}

// ServerConfig locates the analysis service.
type ServerConfig struct {
	// BaseURL is the http(s) root; the live channel uses the ws(s) form of it.
	BaseURL string `mapstructure:"base_url"`
}

// LiveConfig tunes the websocket channel.
type LiveConfig struct {
	// BaseURL overrides the ws(s) root derived from server.base_url.
	BaseURL              string        `mapstructure:"base_url"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`
	LatencyThreshold     time.Duration `mapstructure:"latency_threshold"`
	QualityWindow        int           `mapstructure:"quality_window"`
	GoodRatio            float64       `mapstructure:"good_ratio"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	MaxAttemptsPerMinute int           `mapstructure:"max_attempts_per_minute"`
}

// PollConfig tunes the status polling fallback.
type PollConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// SyncConfig tunes backend switching in the sync client.
type SyncConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig controls the Prometheus listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// StoreConfig points at the job-run history database. An empty DSN disables it.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SimulatorConfig controls the simulated analysis service.
type SimulatorConfig struct {
	Port          int           `mapstructure:"port"`
	StepInterval  time.Duration `mapstructure:"step_interval"`
	StepsPerStage int           `mapstructure:"steps_per_stage"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROGRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("live.base_url", "")
	v.SetDefault("live.heartbeat_interval", "5s")
	v.SetDefault("live.heartbeat_timeout", "10s")
	v.SetDefault("live.latency_threshold", "1s")
	v.SetDefault("live.quality_window", 5)
	v.SetDefault("live.good_ratio", 0.8)
	v.SetDefault("live.backoff_base", "500ms")
	v.SetDefault("live.backoff_max", "30s")
	v.SetDefault("live.max_attempts_per_minute", 10)
	v.SetDefault("poll.interval", "5s")
	v.SetDefault("poll.request_timeout", "10s")
	v.SetDefault("poll.failure_threshold", 3)
	v.SetDefault("sync.failure_threshold", 3)
	v.SetDefault("sync.tick_interval", "1s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("simulator.port", 8080)
	v.SetDefault("simulator.step_interval", "1s")
	v.SetDefault("simulator.steps_per_stage", 4)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("server.base_url must be an absolute http(s) URL")
	}
	if c.Live.BaseURL != "" {
		lu, err := url.Parse(c.Live.BaseURL)
		if err != nil || (lu.Scheme != "ws" && lu.Scheme != "wss") || lu.Host == "" {
			return errors.New("live.base_url must be an absolute ws(s) URL")
		}
	}
	if c.Live.HeartbeatInterval <= 0 {
		return errors.New("live.heartbeat_interval must be > 0")
	}
	if c.Live.HeartbeatTimeout < c.Live.HeartbeatInterval {
		return errors.New("live.heartbeat_timeout must be >= live.heartbeat_interval")
	}
	if c.Live.QualityWindow <= 0 {
		return errors.New("live.quality_window must be > 0")
	}
	if c.Live.GoodRatio <= 0 || c.Live.GoodRatio > 1 {
		return errors.New("live.good_ratio must be in (0, 1]")
	}
	if c.Live.BackoffBase <= 0 || c.Live.BackoffMax < c.Live.BackoffBase {
		return errors.New("live.backoff_max must be >= live.backoff_base > 0")
	}
	if c.Live.MaxAttemptsPerMinute <= 0 {
		return errors.New("live.max_attempts_per_minute must be > 0")
	}
	if c.Poll.Interval <= 0 || c.Poll.RequestTimeout <= 0 {
		return errors.New("poll.interval and poll.request_timeout must be > 0")
	}
	if c.Poll.FailureThreshold <= 0 {
		return errors.New("poll.failure_threshold must be > 0")
	}
	if c.Sync.FailureThreshold <= 0 {
		return errors.New("sync.failure_threshold must be > 0")
	}
	if c.Simulator.Port <= 0 {
		return errors.New("simulator.port must be > 0")
	}
	return nil
}

// LiveBaseURL returns live.base_url, or server.base_url with its scheme
// switched to ws/wss.
func (c Config) LiveBaseURL() string {
	if c.Live.BaseURL != "" {
		return c.Live.BaseURL
	}
	switch {
	case strings.HasPrefix(c.Server.BaseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.Server.BaseURL, "https://")
	case strings.HasPrefix(c.Server.BaseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.Server.BaseURL, "http://")
	default:
		return c.Server.BaseURL
	}
}

// SyncClientConfig converts the loaded settings into a progresssync.Config.
func (c Config) SyncClientConfig(logger *zap.Logger) progresssync.Config {
	return progresssync.Config{
		Live: live.Config{
			BaseURL:              c.LiveBaseURL(),
			HeartbeatInterval:    c.Live.HeartbeatInterval,
			HeartbeatTimeout:     c.Live.HeartbeatTimeout,
			LatencyThreshold:     c.Live.LatencyThreshold,
			QualityWindow:        c.Live.QualityWindow,
			GoodRatio:            c.Live.GoodRatio,
			Backoff:              live.Backoff{Base: c.Live.BackoffBase, Max: c.Live.BackoffMax},
			MaxAttemptsPerMinute: c.Live.MaxAttemptsPerMinute,
			Logger:               logger,
		},
		Poll: poll.Config{
			BaseURL:          c.Server.BaseURL,
			Interval:         c.Poll.Interval,
			RequestTimeout:   c.Poll.RequestTimeout,
			FailureThreshold: c.Poll.FailureThreshold,
			Logger:           logger,
		},
		FailureThreshold: c.Sync.FailureThreshold,
		TickInterval:     c.Sync.TickInterval,
		Logger:           logger,
	}
}
